// Package connectivity is the message bus between a page engine and the mark
// store. Every store message ("get-marks-for-url", "add-mark", ...) is a
// service with a bytes-in/bytes-out Handler. A service is served by a local
// handler registered in-process, unless the routes table points it at a
// remote webmarker daemon (http) or an MCP server (mcp), or disables it
// (noop). Routes are reloaded whenever the table changes.
//
//	router := connectivity.New()
//	router.RegisterTransport("http", connectivity.HTTPFactory())
//	svc.RegisterConnectivity(router)
//	go router.Watch(ctx, routesDB, time.Second)
//	resp, err := router.Call(ctx, "get-marks-for-url", payload)
package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/webmarker/horosafe"
)

// Handler serves one service: JSON request in, JSON response out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// TransportFactory builds the Handler of a remote route from its endpoint
// and per-route JSON config. close may be nil.
type TransportFactory func(endpoint string, config json.RawMessage) (handler Handler, close func(), err error)

type route struct {
	Service  string
	Strategy string
	Endpoint string
	Config   json.RawMessage
}

func (rt route) fingerprint() string {
	return rt.Strategy + "|" + rt.Endpoint + "|" + string(rt.Config)
}

type remote struct {
	handler Handler
	close   func()
}

// Router dispatches service calls. It is safe for concurrent use.
type Router struct {
	mu        sync.RWMutex
	local     map[string]Handler
	remotes   map[string]remote
	routes    map[string]route
	factories map[string]TransportFactory
	wrap      []RouteMiddleware
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// RouteMiddleware builds the middleware of one remote route.
type RouteMiddleware func(service, strategy string) HandlerMiddleware

// WithRemoteMiddleware wraps every handler built by a transport factory.
// Per-route timeouts are applied inside these middlewares.
func WithRemoteMiddleware(mws ...RouteMiddleware) Option {
	return func(r *Router) { r.wrap = append(r.wrap, mws...) }
}

// New creates a Router with no services.
func New(opts ...Option) *Router {
	r := &Router{
		local:     make(map[string]Handler),
		remotes:   make(map[string]remote),
		routes:    make(map[string]route),
		factories: make(map[string]TransportFactory),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal serves service in-process. It panics on a name that could
// not travel in a URL path, since names are fixed at build time.
func (r *Router) RegisterLocal(service string, h Handler) {
	if err := horosafe.ValidateIdentifier(service); err != nil {
		panic(fmt.Sprintf("connectivity: service %q: %v", service, err))
	}
	r.mu.Lock()
	r.local[service] = h
	r.mu.Unlock()
}

// RegisterTransport makes strategy usable in the routes table.
func (r *Router) RegisterTransport(strategy string, f TransportFactory) {
	r.mu.Lock()
	r.factories[strategy] = f
	r.mu.Unlock()
}

// Call dispatches one message: a noop route succeeds with a nil response, a
// remote route wins over a local handler, and a service with neither fails
// with ErrServiceNotFound.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	rem, hasRemote := r.remotes[service]
	local := r.local[service]
	rt, hasRoute := r.routes[service]
	r.mu.RUnlock()

	switch {
	case hasRoute && rt.Strategy == "noop":
		r.logger.DebugContext(ctx, "connectivity: noop", "service", service)
		return nil, nil
	case hasRemote:
		r.logger.DebugContext(ctx, "connectivity: remote", "service", service, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
		return rem.handler(ctx, payload)
	case local != nil:
		return local(ctx, payload)
	}
	return nil, &ErrServiceNotFound{Service: service}
}

// Reload reads the routes table and rebuilds the remote handlers whose row
// changed. Unchanged routes keep their handler (and its connections).
// A route whose factory is missing or fails is skipped and logged; the
// service then falls back to its local handler.
func (r *Router) Reload(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}') FROM routes`)
	if err != nil {
		return fmt.Errorf("connectivity: query routes: %w", err)
	}
	defer rows.Close()

	next := make(map[string]route)
	for rows.Next() {
		var rt route
		var cfg string
		if err := rows.Scan(&rt.Service, &rt.Strategy, &rt.Endpoint, &cfg); err != nil {
			return fmt.Errorf("connectivity: scan route: %w", err)
		}
		rt.Config = json.RawMessage(cfg)
		next[rt.Service] = rt
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("connectivity: routes: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	built := make(map[string]remote, len(next))
	for name, rt := range next {
		if rt.Strategy == "local" || rt.Strategy == "noop" {
			continue
		}
		if old, ok := r.routes[name]; ok && old.fingerprint() == rt.fingerprint() {
			if rem, ok := r.remotes[name]; ok {
				built[name] = rem
				continue
			}
		}
		rem, err := r.build(rt)
		if err != nil {
			r.logger.Error("connectivity: route not built", "service", name, "error", err)
			continue
		}
		built[name] = rem
		r.logger.Info("connectivity: route built", "service", name, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
	}

	for name, old := range r.remotes {
		if old.close == nil {
			continue
		}
		if _, kept := built[name]; !kept || r.routes[name].fingerprint() != next[name].fingerprint() {
			old.close()
		}
	}

	r.remotes = built
	r.routes = next
	r.logger.Info("connectivity: routes reloaded", "total", len(next), "remote", len(built))
	return nil
}

// build must run with mu held.
func (r *Router) build(rt route) (remote, error) {
	f, ok := r.factories[rt.Strategy]
	if !ok {
		return remote{}, &ErrNoFactory{Service: rt.Service, Strategy: rt.Strategy}
	}
	h, closeFn, err := f(rt.Endpoint, rt.Config)
	if err != nil {
		return remote{}, &ErrFactoryFailed{Service: rt.Service, Strategy: rt.Strategy, Endpoint: rt.Endpoint, Cause: err}
	}
	var mws []HandlerMiddleware
	for _, m := range r.wrap {
		mws = append(mws, m(rt.Service, rt.Strategy))
	}
	if d := routeTimeout(rt.Config); d > 0 {
		mws = append(mws, Timeout(d))
	}
	return remote{handler: Chain(mws...)(h), close: closeFn}, nil
}

// Close releases every remote handler.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rem := range r.remotes {
		if rem.close != nil {
			rem.close()
		}
	}
	r.remotes = make(map[string]remote)
	r.routes = make(map[string]route)
	return nil
}

// ServiceInfo is a snapshot of how one service is served.
type ServiceInfo struct {
	Name     string `json:"name"`
	Strategy string `json:"strategy"`
	Endpoint string `json:"endpoint,omitempty"`
	HasLocal bool   `json:"has_local"`
}

// Services iterates over routed and local-only services.
func (r *Router) Services() iter.Seq[ServiceInfo] {
	return func(yield func(ServiceInfo) bool) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for name, rt := range r.routes {
			_, hasLocal := r.local[name]
			if !yield(ServiceInfo{Name: name, Strategy: rt.Strategy, Endpoint: rt.Endpoint, HasLocal: hasLocal}) {
				return
			}
		}
		for name := range r.local {
			if _, routed := r.routes[name]; routed {
				continue
			}
			if !yield(ServiceInfo{Name: name, Strategy: "local", HasLocal: true}) {
				return
			}
		}
	}
}

// Inspect describes service; ok is false when nothing serves it.
func (r *Router) Inspect(service string) (info ServiceInfo, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, hasRoute := r.routes[service]
	_, hasLocal := r.local[service]
	if !hasRoute && !hasLocal {
		return ServiceInfo{}, false
	}
	info = ServiceInfo{Name: service, Strategy: "local", HasLocal: hasLocal}
	if hasRoute {
		info.Strategy, info.Endpoint = rt.Strategy, rt.Endpoint
	}
	return info, true
}

func routeTimeout(cfg json.RawMessage) time.Duration {
	var c struct {
		TimeoutMs int64 `json:"timeout_ms"`
	}
	if json.Unmarshal(cfg, &c) == nil && c.TimeoutMs > 0 {
		return time.Duration(c.TimeoutMs) * time.Millisecond
	}
	return 0
}
