// Package middleware implements the ordered, priority-sorted interceptor
// pipeline shared by the request and stream protocols (component O), with
// per-middleware circuit breaking and retry.
package middleware

import (
	"context"

	"github.com/accessguard/accessguard/internal/domain/auth"
)

// Request is the protocol-agnostic unit flowing through the chain: an
// inbound HTTP request or a single stream message. Handlers type-assert
// Raw to the concrete payload they need.
type Request struct {
	Protocol  string // "request" | "stream"
	Path      string // route path or message type, used for skip-path matching
	Principal *auth.Principal
	ConnID    string // stream connection id, empty for the request protocol
	Raw       any
}

// Next invokes the remainder of the chain.
type Next func(ctx context.Context, req *Request) (*Request, error)

// Interceptor is one link in the chain.
type Interceptor interface {
	// Intercept runs this middleware's logic, calling next(ctx, req) to
	// continue the chain or returning without calling it to short-circuit.
	Intercept(ctx context.Context, req *Request, next Next) (*Request, error)
}

// InterceptorFunc adapts a plain function to Interceptor.
type InterceptorFunc func(ctx context.Context, req *Request, next Next) (*Request, error)

func (f InterceptorFunc) Intercept(ctx context.Context, req *Request, next Next) (*Request, error) {
	return f(ctx, req, next)
}

// RetryableError marks an error produced by a middleware as eligible for
// the chain's retry policy; non-retryable errors fail fast.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }
