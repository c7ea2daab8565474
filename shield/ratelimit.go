package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window limit per client IP. Expired buckets are
// dropped lazily once the map grows past gcAt entries.
type RateLimiter struct {
	max    int
	window time.Duration
	exempt []string
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
	gcAt    int
}

// LimiterOption configures a RateLimiter.
type LimiterOption func(*RateLimiter)

func WithExempt(prefixes ...string) LimiterOption {
	return func(rl *RateLimiter) { rl.exempt = append(rl.exempt, prefixes...) }
}

func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

func WithLimiterLogger(l *slog.Logger) LimiterOption {
	return func(rl *RateLimiter) { rl.logger = l }
}

// NewRateLimiter allows max requests per window and per IP.
func NewRateLimiter(max int, window time.Duration, opts ...LimiterOption) *RateLimiter {
	rl := &RateLimiter{
		max:     max,
		window:  window,
		now:     time.Now,
		logger:  slog.Default(),
		buckets: make(map[string]*bucket),
		gcAt:    1024,
	}
	for _, o := range opts {
		o(rl)
	}
	return rl
}

// Allow counts one request from ip and reports whether it fits the window,
// plus the time until the window resets.
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.buckets) >= rl.gcAt {
		for k, b := range rl.buckets {
			if !now.Before(b.resetAt) {
				delete(rl.buckets, k)
			}
		}
		rl.gcAt = max(1024, 2*len(rl.buckets))
	}

	b, ok := rl.buckets[ip]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(rl.window)}
		rl.buckets[ip] = b
	}
	b.count++
	return b.count <= rl.max, b.resetAt.Sub(now)
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range rl.exempt {
			if strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}
		ip := ClientIP(r)
		ok, reset := rl.Allow(ip)
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		rl.logger.Warn("shield: rate limited", "ip", ip, "path", r.URL.Path)
		secs := int(reset.Round(time.Second) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ClientIP returns the first X-Forwarded-For hop, else the RemoteAddr host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
