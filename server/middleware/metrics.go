package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/kbukum/capdir/observability"
)

// idRoutes are prefixes whose next path segment is a participant id.
var idRoutes = []string{"/v1/capabilities/", "/v1/participants/"}

// routeLabel keeps participant ids out of metric attributes.
func routeLabel(path string) string {
	for _, prefix := range idRoutes {
		if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" {
			return prefix + ":participantId"
		}
	}
	return path
}

// Metrics records request counts and durations. A nil m disables it.
func Metrics(m *observability.HTTPMetrics) Middleware {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if quietPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			m.RecordRequestStart(r.Context())
			rec := record(w)
			next.ServeHTTP(rec, r)
			m.RecordRequestEnd(r.Context(), r.Method, routeLabel(r.URL.Path), rec.status, time.Since(start))
		})
	}
}
