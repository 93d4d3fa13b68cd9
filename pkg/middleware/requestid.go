package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// requestIDKey is the context key a handler uses to read the id set by
// RequestIDMiddleware.
type requestIDKey struct{}

// RequestIDHeader is the header requests may set, and the gateway always
// echoes back, carrying the per-request correlation id.
const RequestIDHeader = "X-Request-Id"

// RequestIDMiddleware assigns each request a correlation id: the caller's
// X-Request-Id header if present, otherwise a freshly generated uuid. The
// id is echoed on the response and attached to the request context so
// handlers can fold it into structured log lines.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID extracts the correlation id stashed by RequestIDMiddleware, or
// "" if the request was never routed through it.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
