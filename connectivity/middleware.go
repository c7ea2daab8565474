package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/hazyhaar/webmarker/observability"
)

// HandlerMiddleware wraps a Handler.
type HandlerMiddleware func(next Handler) Handler

// Chain composes middlewares; the first one is the outermost.
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs failed calls at error and successful ones at debug.
func Logging(logger *slog.Logger, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			attrs := []any{"service", service, "duration_ms", time.Since(start).Milliseconds(), "payload_bytes", len(payload)}
			if err != nil {
				logger.ErrorContext(ctx, "connectivity: call failed", append(attrs, "error", err)...)
			} else {
				logger.DebugContext(ctx, "connectivity: call ok", append(attrs, "response_bytes", len(resp))...)
			}
			return resp, err
		}
	}
}

// Timeout bounds each call to d.
func Timeout(d time.Duration) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, payload)
		}
	}
}

// Recovery turns a handler panic into *ErrPanic.
func Recovery(logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "connectivity: handler panic", "panic", r, "stack", string(debug.Stack()))
					err = &ErrPanic{Value: r}
				}
			}()
			return next(ctx, payload)
		}
	}
}

// Retry retries failed calls up to max times, doubling backoff each time.
// Cancellation, an open circuit and 4xx answers are not retried.
func Retry(max int, backoff time.Duration, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			var err error
			for attempt := 0; ; attempt++ {
				var resp []byte
				if resp, err = next(ctx, payload); err == nil {
					return resp, nil
				}
				var open *ErrCircuitOpen
				if attempt >= max || ctx.Err() != nil || errors.As(err, &open) || answered(err) {
					return nil, err
				}
				wait := backoff << attempt
				if logger != nil {
					logger.WarnContext(ctx, "connectivity: retrying", "attempt", attempt+1, "backoff_ms", wait.Milliseconds(), "error", err)
				}
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil, err
				case <-t.C:
				}
			}
		}
	}
}

// Fallback calls local when the wrapped (remote) handler is unreachable.
// Cancellation and 4xx answers are returned as is.
func Fallback(local Handler, service string, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		if local == nil {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			resp, err := next(ctx, payload)
			if err == nil || ctx.Err() != nil || answered(err) {
				return resp, err
			}
			if logger != nil {
				logger.WarnContext(ctx, "connectivity: remote failed, using local", "service", service, "error", err)
			}
			return local(ctx, payload)
		}
	}
}

// Metrics records every call in mm.
func Metrics(mm *observability.MetricsManager, service, strategy string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			mm.Record(observability.Call{
				Service:  service,
				Strategy: strategy,
				Duration: time.Since(start),
				OK:       err == nil,
				At:       start,
			})
			return resp, err
		}
	}
}
