// Package kit provides transport-agnostic request handling primitives
// (Endpoint/Middleware/Chain, in the go-kit tradition) plus the
// context-key helpers request-scoped values travel on.
//
// Endpoint generalizes connectivity.Handler from "bytes in, bytes out" to
// "any in, any out" for call sites that already have typed requests and
// responses (e.g. the admin HTTP surface) and want the same middleware
// chaining connectivity.Router's Handler gets.
package kit

import "context"

// Endpoint is a transport-agnostic request handler: typed request in,
// typed response out.
type Endpoint func(ctx context.Context, request any) (response any, err error)

// Middleware wraps an Endpoint, adding cross-cutting behaviour without
// changing its signature.
type Middleware func(next Endpoint) Endpoint

// Chain composes middlewares left-to-right: the first middleware in the
// slice is the outermost wrapper (executed first on the request path).
//
//	chained := Chain(logging, recovery)(base)
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
