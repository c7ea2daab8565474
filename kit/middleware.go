package kit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Logging logs every call of the endpoint named op with its transport,
// client and remote address when known. Failures go to warn, the rest to
// debug.
func Logging(logger *slog.Logger, op string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"op", op,
				"transport", GetTransport(ctx),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if c := GetClient(ctx); c != "" {
				attrs = append(attrs, "client", c)
			}
			if a := GetRemoteAddr(ctx); a != "" {
				attrs = append(attrs, "remote_addr", a)
			}
			if err != nil {
				logger.WarnContext(ctx, "kit: endpoint failed", append(attrs, "error", err)...)
			} else {
				logger.DebugContext(ctx, "kit: endpoint ok", attrs...)
			}
			return resp, err
		}
	}
}

// Recover turns a panic of the endpoint into an error.
func Recover(logger *slog.Logger, op string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (resp any, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "kit: endpoint panic", "op", op, "panic", r)
					resp, err = nil, fmt.Errorf("%s: internal error", op)
				}
			}()
			return next(ctx, req)
		}
	}
}
