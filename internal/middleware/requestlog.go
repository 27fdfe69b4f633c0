package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/emberwake/relay/internal/logging"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestContextMiddleware adds request attributes to context early in the middleware chain.
// It must run after the real IP middleware so X-Real-IP is trustworthy.
// A client supplied request id is kept only when it parses as a UUID.
func RequestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		attrs := &logging.RequestAttrs{
			RequestID: id,
			Method:    r.Method,
			Path:      r.URL.Path,
			IP:        logging.ExtractClientIP(r),
		}
		ctx := logging.WithRequestAttrs(r.Context(), attrs)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
