package trpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CreateContextFunc builds the initial Ctx of a call from the transport
// request. Errors carrying a code are sent to the client as is; any other
// error becomes an INTERNAL_SERVER_ERROR.
type CreateContextFunc func(ctx context.Context, info *RequestInfo) (Ctx, error)

// ErrorEvent describes a failed call. It is passed to CallerOptions.OnError.
type ErrorEvent struct {
	Error *Error
	Path  string
	Type  ProcedureType
	Input any
	Ctx   Ctx
	Info  *RequestInfo
}

// CallerOptions configures a Caller.
type CallerOptions struct {
	Router         *Router
	CreateContext  CreateContextFunc // Defaults to an empty Ctx per call
	ErrorFormatter ErrorFormatter    // Defaults to DefaultErrorShape
	Logger         *zerolog.Logger   // Defaults to a disabled logger
	Interceptors   []CallInterceptor
	OnError        func(ErrorEvent)
}

// Validate checks the options for required fields.
func (o CallerOptions) Validate() error {
	if o.Router == nil {
		return errors.New("trpc: caller requires a router")
	}
	return nil
}

// Request is one procedure invocation as received from a transport.
type Request struct {
	Path  string
	Type  ProcedureType // Empty accepts any procedure type
	Input any
	Info  *RequestInfo
}

// Response is the outcome of a Request. Shape is set when the call failed.
// For subscriptions Result.Data holds a Stream that the transport must
// drain or close.
type Response struct {
	Path   string
	Type   ProcedureType
	Result Result
	Shape  *ErrorShape
}

// Caller dispatches requests to the procedures of a router. It is safe for
// concurrent use.
type Caller struct {
	opts CallerOptions
}

// NewCaller creates a caller.
func NewCaller(opts CallerOptions) (*Caller, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	return &Caller{opts: opts}, nil
}

// Router returns the caller's router.
func (c *Caller) Router() *Router {
	return c.opts.Router
}

// Logger returns the caller's logger.
func (c *Caller) Logger() *zerolog.Logger {
	return c.opts.Logger
}

// FormatError shapes an error that occurred outside a call, such as a
// malformed transport message.
func (c *Caller) FormatError(err *Error, path string, typ ProcedureType) ErrorShape {
	return formatError(c.opts.ErrorFormatter, FormatterOptions{Error: err, Path: path, Type: typ})
}

// Call runs a single request.
func (c *Caller) Call(ctx context.Context, req Request) Response {
	return c.call(ctx, req, nil)
}

// BatchOptions configures Caller.Batch.
type BatchOptions struct {
	// ShareContext creates the Ctx once for the whole batch instead of
	// once per request.
	ShareContext bool
	// Info is used for requests that carry no RequestInfo of their own.
	Info *RequestInfo
}

// Batch runs all requests concurrently. Responses are returned in request
// order regardless of completion order; one failing request does not
// affect the others.
func (c *Caller) Batch(ctx context.Context, reqs []Request, opts BatchOptions) []Response {
	out := make([]Response, len(reqs))

	var shared contextSource
	if opts.ShareContext {
		var once sync.Once
		var sc Ctx
		var serr *Error
		shared = func(ctx context.Context, info *RequestInfo) (Ctx, *Error) {
			once.Do(func() {
				sc, serr = c.createContext(ctx, info)
			})
			return sc, serr
		}
	}

	var wg sync.WaitGroup
	for i, req := range reqs {
		if req.Info == nil {
			req.Info = opts.Info
		}
		info := RequestInfo{Transport: "local"}
		if req.Info != nil {
			info = *req.Info
		}
		info.IsBatch = true
		req.Info = &info

		wg.Go(func() {
			out[i] = c.call(ctx, req, shared)
		})
	}
	wg.Wait()
	return out
}

type contextSource func(ctx context.Context, info *RequestInfo) (Ctx, *Error)

func (c *Caller) call(ctx context.Context, req Request, shared contextSource) Response {
	info := &RequestInfo{Transport: "local"}
	if req.Info != nil {
		cp := *req.Info
		info = &cp
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	ctx = WithRequestInfo(ctx, info)

	call := &CallInfo{Path: req.Path, Type: req.Type}
	for _, ic := range c.opts.Interceptors {
		c.guard("BeforeCall", func() {
			if next := ic.BeforeCall(ctx, call); next != nil {
				ctx = next
			}
		})
	}

	var pctx Ctx
	res := c.execute(ctx, req, call, info, shared, &pctx)

	resp := Response{Path: req.Path, Type: call.Type, Result: res}
	if !res.OK {
		c.report(ErrorEvent{
			Error: res.Error,
			Path:  req.Path,
			Type:  call.Type,
			Input: req.Input,
			Ctx:   pctx,
			Info:  info,
		})
		shape := formatError(c.opts.ErrorFormatter, FormatterOptions{
			Error: res.Error,
			Type:  call.Type,
			Path:  req.Path,
			Input: req.Input,
			Ctx:   pctx,
		})
		resp.Shape = &shape
	}

	for i := len(c.opts.Interceptors) - 1; i >= 0; i-- {
		c.guard("AfterCall", func() { c.opts.Interceptors[i].AfterCall(ctx, call, res) })
	}
	return resp
}

func (c *Caller) execute(ctx context.Context, req Request, call *CallInfo, info *RequestInfo, shared contextSource, pctx *Ctx) Result {
	p, err := c.opts.Router.Resolve(ctx, req.Path)
	if err != nil {
		return failure(FromError(err))
	}
	if req.Type != "" && p.Type() != req.Type {
		return failure(ErrBadRequest(fmt.Sprintf("procedure %q is a %s, not a %s", req.Path, p.Type(), req.Type)))
	}
	call.Type = p.Type()

	var pc Ctx
	var perr *Error
	if shared != nil {
		pc, perr = shared(ctx, info)
	} else {
		pc, perr = c.createContext(ctx, info)
	}
	if perr != nil {
		return failure(perr)
	}
	*pctx = pc

	res := p.Call(ctx, CallOptions{Ctx: pc, Path: req.Path, Input: req.Input})
	if res.OK && call.Type == TypeSubscription {
		if s, ok := res.Data.(Stream); ok {
			for _, ic := range c.opts.Interceptors {
				if si, ok := ic.(StreamInterceptor); ok {
					c.guard("WrapStream", func() {
						if wrapped := si.WrapStream(ctx, call, s); wrapped != nil {
							s = wrapped
						}
					})
				}
			}
			res.Data = s
		}
	}
	return res
}

func (c *Caller) createContext(ctx context.Context, info *RequestInfo) (pc Ctx, perr *Error) {
	if c.opts.CreateContext == nil {
		return Ctx{}, nil
	}
	defer func() {
		if v := recover(); v != nil {
			pc, perr = nil, fromPanic(v)
		}
	}()
	pc, err := c.opts.CreateContext(ctx, info)
	if err != nil {
		return nil, FromError(err)
	}
	if pc == nil {
		pc = Ctx{}
	}
	return pc, nil
}

func (c *Caller) report(ev ErrorEvent) {
	l := c.opts.Logger
	var e *zerolog.Event
	switch ev.Error.Code {
	case CodeInternalServerError, CodeOutputValidation:
		e = l.Error()
		if ev.Error.Cause != nil {
			e = e.AnErr("cause", ev.Error.Cause)
		}
	default:
		e = l.Debug()
	}
	e.Str("path", ev.Path).
		Str("type", string(ev.Type)).
		Str("code", string(ev.Error.Code)).
		Msg(ev.Error.Message)

	if c.opts.OnError != nil {
		c.guard("OnError", func() { c.opts.OnError(ev) })
	}
}

// guard runs an integrator hook. A panic is logged and otherwise ignored so
// that it never crosses the Call boundary.
func (c *Caller) guard(hook string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			c.opts.Logger.Error().
				Str("hook", hook).
				Interface("panic", v).
				Msg("call hook panicked")
		}
	}()
	fn()
}

// DirectCaller invokes procedures of a router from server code with a
// fixed Ctx, bypassing the context factory and error formatting.
type DirectCaller struct {
	router *Router
	ctx    Ctx
}

// CreateCaller returns a DirectCaller running every call with c.
func (r *Router) CreateCaller(c Ctx) *DirectCaller {
	if c == nil {
		c = Ctx{}
	}
	return &DirectCaller{router: r, ctx: c}
}

// Query runs the query at path.
func (d *DirectCaller) Query(ctx context.Context, path string, input any) (any, error) {
	return d.call(ctx, TypeQuery, path, input)
}

// Mutation runs the mutation at path.
func (d *DirectCaller) Mutation(ctx context.Context, path string, input any) (any, error) {
	return d.call(ctx, TypeMutation, path, input)
}

// Subscribe starts the subscription at path. The caller owns the returned
// stream and must close it.
func (d *DirectCaller) Subscribe(ctx context.Context, path string, input any) (Stream, error) {
	v, err := d.call(ctx, TypeSubscription, path, input)
	if err != nil {
		return nil, err
	}
	return v.(Stream), nil
}

func (d *DirectCaller) call(ctx context.Context, typ ProcedureType, path string, input any) (any, error) {
	p, err := d.router.Resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	if p.Type() != typ {
		return nil, ErrBadRequest(fmt.Sprintf("procedure %q is a %s, not a %s", path, p.Type(), typ))
	}
	res := p.Call(ctx, CallOptions{Ctx: d.ctx, Path: path, Input: input})
	if !res.OK {
		return nil, res.Error
	}
	return res.Data, nil
}
