// Package middleware wraps the dispatch capability in an onion-model
// interceptor chain:
//
//	Chain(A, B, C)(dispatch) → A(B(C(dispatch)))
//
// Interceptors run on the per-call dispatch goroutine, never on the
// endpoint read loop, so a slow or panicking interceptor cannot stall frame
// draining.
package middleware

import (
	"context"

	"grainrpc/endpoint"
)

// DispatchFunc mirrors the dispatch capability signature.
type DispatchFunc func(ctx context.Context, grainID uint64, method string, payload []byte) ([]byte, error)

// Middleware wraps a dispatch step with another.
type Middleware func(next DispatchFunc) DispatchFunc

// Chain composes middlewares into one; the first argument is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Wrap applies a chain around a Dispatcher and returns the wrapped
// Dispatcher, ready to hand to an endpoint.
func Wrap(d endpoint.Dispatcher, middlewares ...Middleware) endpoint.Dispatcher {
	wrapped := Chain(middlewares...)(d.Dispatch)
	return endpoint.DispatchFunc(wrapped)
}
