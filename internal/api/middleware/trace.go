// Package middleware holds the HTTP middleware for the submission API.
package middleware

import (
	"net/http"

	"github.com/taskwell/taskwell/internal/api/shared"
)

// TraceID attaches a random trace ID to each request's context and echoes
// it in the X-Trace-ID response header for log correlation.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.SetTraceID(r.Context())
		w.Header().Set("X-Trace-ID", shared.GetTraceID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
