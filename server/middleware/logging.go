package middleware

import (
	"net/http"
	"time"

	"github.com/kbukum/capdir/logger"
)

// quietPaths are polled by orchestrators and neither logged nor measured.
var quietPaths = map[string]bool{
	"/health":        true,
	"/ready":         true,
	"/alive":         true,
	"/info":          true,
	"/version":       true,
	"/debug/runtime": true,
}

// RequestLogger logs one line per request. 5xx are errors, 4xx warnings
// and everything else debug.
func RequestLogger(log *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if quietPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := record(w)
			next.ServeHTTP(rec, r)

			fields := logger.Fields(
				"method", r.Method,
				"path", r.URL.Path,
				logger.FieldStatus, rec.status,
				"bytes", rec.bytes,
				logger.FieldDuration, time.Since(start).Milliseconds(),
			)
			l := log.WithContext(r.Context())
			switch {
			case rec.status >= http.StatusInternalServerError:
				l.Error("request", fields)
			case rec.status >= http.StatusBadRequest:
				l.Warn("request", fields)
			default:
				l.Debug("request", fields)
			}
		})
	}
}
