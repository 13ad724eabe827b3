// Package httputil has small request helpers shared by the relay middleware.
package httputil

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the address a request came from. Forwarding headers
// are only believed when the direct peer is a loopback or private address,
// i.e. a proxy sitting in front of the relay.
func GetClientIP(r *http.Request) string {
	peer := hostOnly(r.RemoteAddr)
	if !trustedProxy(peer) {
		return peer
	}

	for _, candidate := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if ip := parseIP(candidate); ip != "" {
			return ip
		}
	}
	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return peer
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

func parseIP(s string) string {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}

func trustedProxy(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate())
}
