package middleware

import (
	"net/http"
	"strings"

	"gigchat/internal/httputil"
	"gigchat/internal/privacy"
	"gigchat/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// DetailedLoggingConfig controls the debug request dump.
type DetailedLoggingConfig struct {
	LogHeaders       bool
	SensitiveHeaders []string
	SkipPaths        []string
}

func DefaultDetailedLoggingConfig() DetailedLoggingConfig {
	return DetailedLoggingConfig{
		LogHeaders:       true,
		SensitiveHeaders: []string{"authorization", "cookie", "x-api-key"},
		SkipPaths:        []string{"/metrics", "/health"},
	}
}

// DetailedLogging dumps request metadata at debug level. Identity headers
// are masked; bodies are never logged since they carry message text.
func DetailedLogging(logger *logrus.Logger, cfg DetailedLoggingConfig) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !logger.IsLevelEnabled(logrus.DebugLevel) || skipped(r.URL.Path, cfg.SkipPaths) {
				next.ServeHTTP(w, r)
				return
			}

			info := tracing.GetRequestInfo(r.Context())
			fields := logrus.Fields{
				LogFieldRequestID: info.RequestID,
				LogFieldTraceID:   info.TraceID,
				LogFieldMethod:    r.Method,
				"url":             r.URL.Path,
				LogFieldRemoteIP:  httputil.GetClientIP(r),
				"content_type":    r.Header.Get("Content-Type"),
				"content_length":  r.ContentLength,
				"protocol":        r.Proto,
			}
			if cfg.LogHeaders {
				fields["request_headers"] = maskHeaders(r.Header, cfg.SensitiveHeaders)
			}
			logger.WithFields(fields).Debug("Request details")

			next.ServeHTTP(w, r)
		})
	}
}

func maskHeaders(h http.Header, sensitive []string) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		switch {
		case isSensitiveHeader(name, sensitive):
			out[name] = "***MASKED***"
		case strings.EqualFold(name, "X-User-ID"):
			out[name] = privacy.MaskUserID(strings.Join(values, ","))
		default:
			out[name] = strings.Join(values, ", ")
		}
	}
	return out
}

func isSensitiveHeader(name string, sensitive []string) bool {
	for _, s := range sensitive {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

func skipped(path string, skip []string) bool {
	for _, s := range skip {
		if path == s || strings.HasPrefix(path, s+"/") {
			return true
		}
	}
	return false
}
