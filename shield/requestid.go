package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/webmarker/horosafe"
	"github.com/hazyhaar/webmarker/idgen"
	"github.com/hazyhaar/webmarker/kit"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type loggerKey struct{}

var newRequestID = idgen.Prefixed("req_", idgen.NanoID(12))

// RequestID tags the request with an id, reusing a well-formed incoming
// X-Request-ID, and stores a request-scoped logger in the context.
func RequestID(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 64 || horosafe.ValidateIdentifier(id) != nil {
				id = newRequestID()
			}
			w.Header().Set(RequestIDHeader, id)

			logger := base.With("request_id", id, "method", r.Method, "path", r.URL.Path)
			logger.Debug("request")

			ctx := kit.WithRequestID(r.Context(), id)
			ctx = context.WithValue(ctx, loggerKey{}, logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Logger returns the request logger, or slog.Default outside RequestID.
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
