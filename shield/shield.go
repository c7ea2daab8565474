// Package shield holds the HTTP middleware in front of the mark store API:
// security headers, HEAD handling, request ids and a per-client rate limit.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(shield.Config{RatePerMinute: 600}) {
//		r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"
	"time"
)

// Config configures APIStack.
type Config struct {
	// RatePerMinute caps requests per client IP. Zero disables the limit.
	RatePerMinute int
	// Exempt lists path prefixes that bypass the rate limit.
	Exempt []string
	Logger *slog.Logger
}

// APIStack returns the middleware in order: HeadToGet, SecurityHeaders,
// RequestID, then the rate limiter when enabled.
func APIStack(cfg Config) []func(http.Handler) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		RequestID(cfg.Logger),
	}
	if cfg.RatePerMinute > 0 {
		rl := NewRateLimiter(cfg.RatePerMinute, time.Minute,
			WithExempt(cfg.Exempt...), WithLimiterLogger(cfg.Logger))
		stack = append(stack, rl.Middleware)
	}
	return stack
}
