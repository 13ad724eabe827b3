package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gigchat/internal/metrics"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger(buf *bytes.Buffer, level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(level)
	return logger
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestObservability_LabelsByRouteTemplate(t *testing.T) {
	metrics.GetRegistry().Reset()
	var buf bytes.Buffer
	logger := newLogger(&buf, logrus.InfoLevel)

	r := mux.NewRouter()
	r.Use(Observability(logger))
	r.HandleFunc("/api/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}).Methods(http.MethodDelete)

	req := httptest.NewRequest(http.MethodDelete, "/api/messages/m-123", nil)
	req.Header.Set("X-User-ID", "alice-user")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get(RequestIDHeader), "req_"))

	labels := map[string]string{"method": http.MethodDelete, "route": "/api/messages/{id}", "status_code": "404"}
	assert.Equal(t, float64(1), metrics.GetRegistry().CounterValue(metrics.HTTPRequests, labels))

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "warning", lines[0]["level"])
	assert.Equal(t, "/api/messages/{id}", lines[0][LogFieldRoute])
	assert.NotEqual(t, "alice-user", lines[0][LogFieldUser])
	assert.EqualValues(t, len("missing"), lines[0][LogFieldSize])
}

func TestObservability_ServerErrorLogsAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, logrus.InfoLevel)

	h := Observability(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/unrouted", nil))

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["level"])
	assert.Equal(t, "/unrouted", lines[0][LogFieldRoute])
}

func TestResponseWrapper_FirstStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWrapper{ResponseWriter: rec, statusCode: http.StatusOK}

	_, _ = rw.Write([]byte("ok"))
	rw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusOK, rw.statusCode)

	_, _, err := rw.Hijack()
	assert.Error(t, err)
}

func TestDetailedLogging_MasksIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, logrus.DebugLevel)

	h := DetailedLogging(logger, DefaultDetailedLoggingConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/c1/messages", nil)
	req.Header.Set("X-User-ID", "alice-user")
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	assert.Contains(t, out, "Request details")
	assert.NotContains(t, out, "alice-user")
	assert.NotContains(t, out, "Bearer secret")
	assert.Contains(t, out, "***MASKED***")
}

func TestDetailedLogging_SkipsWhenNotDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, logrus.InfoLevel)

	called := false
	h := DetailedLogging(logger, DefaultDetailedLoggingConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/x", nil))

	assert.True(t, called)
	assert.Empty(t, buf.String())
}

func TestDetailedLogging_SkipPaths(t *testing.T) {
	assert.True(t, skipped("/metrics", []string{"/metrics"}))
	assert.True(t, skipped("/health/live", []string{"/health"}))
	assert.False(t, skipped("/healthz", []string{"/health"}))
}
