package trpc

import "context"

// MiddlewareOptions is what a middleware receives for one call.
type MiddlewareOptions struct {
	Ctx      Ctx           // Context produced by the previous step
	Type     ProcedureType // Type of the procedure being called
	Path     string        // Dot-joined procedure path
	Input    any           // Parsed input (nil when the procedure has no input parser)
	RawInput any           // Input as received from the caller
	Meta     Meta          // Procedure metadata
	Next     NextFunc      // Continues the chain
}

// NextFunc continues the middleware chain. It never panics and never
// returns a nil result: failures downstream are reported through
// MiddlewareResult.Err.
type NextFunc func(ctx context.Context, opts ...NextOption) *MiddlewareResult

// Middleware is a step in a procedure's chain. A well-formed middleware
// returns the result of Next (possibly inspected), or an error to
// short-circuit the chain.
type Middleware func(ctx context.Context, opts MiddlewareOptions) (*MiddlewareResult, error)

// MiddlewareResult is the outcome of the remainder of a chain.
type MiddlewareResult struct {
	Data any    // Resolver output, or the Stream for subscriptions
	Err  *Error // Set when a downstream step failed
	Ctx  Ctx    // Context the resolver ran with

	fromNext bool
}

// OK reports whether the downstream steps succeeded.
func (r *MiddlewareResult) OK() bool {
	return r.Err == nil
}

type nextConfig struct {
	ctx      Ctx
	input    any
	setInput bool
}

// NextOption configures a call to NextFunc.
type NextOption func(*nextConfig)

// WithCtx merges patch over the current context for all downstream steps.
func WithCtx(patch Ctx) NextOption {
	return func(c *nextConfig) {
		if c.ctx == nil {
			c.ctx = Ctx{}
		}
		for k, v := range patch {
			c.ctx[k] = v
		}
	}
}

// WithInput replaces the input seen by downstream steps.
func WithInput(input any) NextOption {
	return func(c *nextConfig) {
		c.input = input
		c.setInput = true
	}
}

// MiddlewareChain is a reusable, immutable sequence of middlewares that can
// be attached to builders with Builder.UseChain.
type MiddlewareChain struct {
	middlewares []Middleware
}

// NewMiddleware starts a middleware chain.
func NewMiddleware(mw Middleware) MiddlewareChain {
	return MiddlewareChain{middlewares: []Middleware{mw}}
}

// Pipe returns a new chain with mws appended after c.
func (c MiddlewareChain) Pipe(mws ...Middleware) MiddlewareChain {
	out := make([]Middleware, 0, len(c.middlewares)+len(mws))
	out = append(out, c.middlewares...)
	out = append(out, mws...)
	return MiddlewareChain{middlewares: out}
}

// PipeChain returns a new chain with other appended after c.
func (c MiddlewareChain) PipeChain(other MiddlewareChain) MiddlewareChain {
	return c.Pipe(other.middlewares...)
}

// Middlewares returns the chain's middlewares in execution order.
func (c MiddlewareChain) Middlewares() []Middleware {
	return append([]Middleware(nil), c.middlewares...)
}
