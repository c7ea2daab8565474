// Package kit holds the transport-neutral pieces shared by the mark store
// surfaces: typed endpoints, their middleware and request-scoped values.
package kit

import "context"

// Endpoint is a typed request handler independent of the surface (MCP tool,
// HTTP route, connectivity service) it is exposed on.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
