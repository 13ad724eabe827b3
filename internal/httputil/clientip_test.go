package httputil

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "direct client",
			remoteAddr: "203.0.113.5:51234",
			want:       "203.0.113.5",
		},
		{
			name:       "public peer cannot spoof forwarding headers",
			remoteAddr: "203.0.113.5:51234",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.7"},
			want:       "203.0.113.5",
		},
		{
			name:       "loopback proxy forwards first hop",
			remoteAddr: "127.0.0.1:40000",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.2"},
			want:       "198.51.100.7",
		},
		{
			name:       "private proxy with ipv6 client",
			remoteAddr: "10.1.2.3:8080",
			headers:    map[string]string{"X-Forwarded-For": "[2001:db8::1]"},
			want:       "2001:db8::1",
		},
		{
			name:       "garbage entries are skipped",
			remoteAddr: "127.0.0.1:40000",
			headers:    map[string]string{"X-Forwarded-For": "unknown, 198.51.100.9"},
			want:       "198.51.100.9",
		},
		{
			name:       "real ip header as fallback",
			remoteAddr: "192.168.0.10:9000",
			headers:    map[string]string{"X-Real-IP": "198.51.100.20"},
			want:       "198.51.100.20",
		},
		{
			name:       "proxy without headers",
			remoteAddr: "[::1]:9000",
			want:       "::1",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "203.0.113.77",
			want:       "203.0.113.77",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/conversations/demo", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, GetClientIP(r))
		})
	}
}
