package trpc

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"sync"
)

// Result is the outcome of a call. Exactly one of Data and Error is
// meaningful, as reported by OK.
type Result struct {
	OK    bool
	Data  any
	Error *Error
}

func success(data any) Result { return Result{OK: true, Data: data} }

func failure(err *Error) Result { return Result{Error: err} }

// CallOptions configures a direct invocation of a procedure.
type CallOptions struct {
	Ctx   Ctx    // Initial context, typically produced by a context factory
	Path  string // Path the procedure was resolved from
	Input any    // Raw input
}

// Call runs the procedure: input parsers first, then the middlewares in
// registration order, then the resolver and the output parser. Call never
// panics; every failure is reported through the Result.
func (p *Procedure) Call(ctx context.Context, opts CallOptions) (res Result) {
	defer func() {
		if v := recover(); v != nil {
			res = failure(fromPanic(v))
		}
	}()

	if p.err != nil {
		return failure(p.err)
	}

	input, err := p.parseInput(ctx, opts.Input)
	if err != nil {
		return failure(err)
	}

	c := opts.Ctx
	if c == nil {
		c = Ctx{}
	}
	ctx = withCallInfo(ctx, &CallInfo{Path: opts.Path, Type: p.typ})

	r := p.callAt(ctx, 0, c, input, opts)
	if r.Err != nil {
		return failure(r.Err)
	}
	return success(r.Data)
}

func (p *Procedure) parseInput(ctx context.Context, raw any) (any, *Error) {
	var combined any
	for i, parser := range p.inputs {
		v, err := parser.Parse(ctx, raw)
		if err != nil {
			return nil, ErrInputValidation(err)
		}
		if i == 0 {
			combined = v
			continue
		}
		prev, prevOK := combined.(map[string]any)
		cur, curOK := v.(map[string]any)
		if prevOK && curOK {
			merged := maps.Clone(prev)
			maps.Copy(merged, cur)
			combined = merged
		} else {
			combined = v
		}
	}
	return combined, nil
}

func errNextNotCalled() *Error {
	return WrapError(CodeInternalServerError, ErrNextNotCalled.Error(), ErrNextNotCalled)
}

// callAt runs the chain from middleware i onwards. Index len(middlewares)
// is the resolver.
func (p *Procedure) callAt(ctx context.Context, i int, c Ctx, input any, opts CallOptions) (res *MiddlewareResult) {
	var mu sync.Mutex
	var downstream []*MiddlewareResult
	defer func() {
		if v := recover(); v != nil {
			res = &MiddlewareResult{Err: fromPanic(v), Ctx: c, fromNext: true}
		}
		mu.Lock()
		defer mu.Unlock()
		closeDropped(downstream, res)
	}()

	if i == len(p.middlewares) {
		return p.resolve(ctx, c, input, opts)
	}

	next := func(nctx context.Context, nopts ...NextOption) *MiddlewareResult {
		var cfg nextConfig
		for _, o := range nopts {
			o(&cfg)
		}
		nc := c
		if cfg.ctx != nil {
			nc = c.Merge(cfg.ctx)
		}
		ni := input
		if cfg.setInput {
			ni = cfg.input
		}
		if nctx == nil {
			nctx = ctx
		}
		r := p.callAt(nctx, i+1, nc, ni, opts)
		mu.Lock()
		downstream = append(downstream, r)
		mu.Unlock()
		return r
	}

	r, err := p.middlewares[i](ctx, MiddlewareOptions{
		Ctx:      c,
		Type:     p.typ,
		Path:     opts.Path,
		Input:    input,
		RawInput: opts.Input,
		Meta:     p.meta,
		Next:     next,
	})
	if err != nil {
		return &MiddlewareResult{Err: FromError(err), Ctx: c, fromNext: true}
	}
	if r == nil || !r.fromNext {
		return &MiddlewareResult{Err: errNextNotCalled(), Ctx: c, fromNext: true}
	}
	return r
}

// closeDropped closes the streams of downstream results that a middleware
// did not pass on, for example because it failed after calling next.
func closeDropped(downstream []*MiddlewareResult, kept *MiddlewareResult) {
	var keep Stream
	if kept != nil && kept.Err == nil {
		keep, _ = kept.Data.(Stream)
	}
	for _, r := range downstream {
		if r == nil || r == kept || r.Err != nil {
			continue
		}
		s, ok := r.Data.(Stream)
		if !ok || sameStream(s, keep) {
			continue
		}
		s.Close()
	}
}

func sameStream(a, b Stream) bool {
	if a == nil || b == nil {
		return false
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return false
	}
	return a == b
}

func (p *Procedure) resolve(ctx context.Context, c Ctx, input any, opts CallOptions) *MiddlewareResult {
	data, err := p.resolver(ctx, ResolverOptions{
		Ctx:   c,
		Input: input,
		Type:  p.typ,
		Path:  opts.Path,
		Meta:  p.meta,
	})
	if err != nil {
		return &MiddlewareResult{Err: FromError(err), Ctx: c, fromNext: true}
	}

	if p.typ == TypeSubscription {
		s, ok := data.(Stream)
		if !ok {
			err := fmt.Errorf("subscription resolver on %q returned %T, not a stream", opts.Path, data)
			return &MiddlewareResult{Err: ErrInternal(err), Ctx: c, fromNext: true}
		}
		if p.output != nil {
			s = MapStream(s, func(ctx context.Context, v any) (any, error) {
				out, err := p.output.Parse(ctx, v)
				if err != nil {
					return nil, ErrOutputValidation(err)
				}
				return out, nil
			})
		}
		return &MiddlewareResult{Data: s, Ctx: c, fromNext: true}
	}

	if p.output != nil {
		out, err := p.output.Parse(ctx, data)
		if err != nil {
			return &MiddlewareResult{Err: ErrOutputValidation(err), Ctx: c, fromNext: true}
		}
		data = out
	}
	return &MiddlewareResult{Data: data, Ctx: c, fromNext: true}
}
