package trpc

import (
	"context"
	"maps"
	"reflect"
)

// ProcedureType is the kind of a procedure.
type ProcedureType string

const (
	TypeQuery        ProcedureType = "query"
	TypeMutation     ProcedureType = "mutation"
	TypeSubscription ProcedureType = "subscription"
)

// Valid reports whether t is one of the three procedure types.
func (t ProcedureType) Valid() bool {
	switch t {
	case TypeQuery, TypeMutation, TypeSubscription:
		return true
	}
	return false
}

// Meta is free-form procedure metadata, visible to middlewares.
type Meta map[string]any

// ResolverOptions is what a resolver receives.
type ResolverOptions struct {
	Ctx   Ctx
	Input any
	Type  ProcedureType
	Path  string
	Meta  Meta
}

// Resolver is the terminal function of a query or mutation.
type Resolver func(ctx context.Context, opts ResolverOptions) (any, error)

// SubscriptionResolver is the terminal function of a subscription. The
// returned Stream is handed to the caller undrained.
type SubscriptionResolver func(ctx context.Context, opts ResolverOptions) (Stream, error)

type stepKind uint8

const (
	stepInput stepKind = iota
	stepMiddleware
)

// step is a node of the persistent append-only list backing a Builder.
// Builders share prefixes, so appending never copies earlier steps.
type step struct {
	prev   *step
	kind   stepKind
	parser Parser
	mw     Middleware
	size   int
}

func (s *step) append(kind stepKind, parser Parser, mw Middleware) *step {
	size := 1
	if s != nil {
		size = s.size + 1
	}
	return &step{prev: s, kind: kind, parser: parser, mw: mw, size: size}
}

// slice returns the steps from head to tail.
func (s *step) slice() []*step {
	if s == nil {
		return nil
	}
	out := make([]*step, s.size)
	for cur := s; cur != nil; cur = cur.prev {
		out[cur.size-1] = cur
	}
	return out
}

// Builder accumulates input parsers, middlewares, an output parser and
// metadata. Builders are immutable: every method returns a new Builder and
// leaves the receiver untouched, so a partially built procedure can be
// shared between many final procedures.
type Builder struct {
	steps      *step
	inputShape Shape
	hasInput   bool
	inType     reflect.Type
	output     Parser
	meta       Meta
	err        *Error
}

// typedParser is implemented by parsers that decode into a Go type.
type typedParser interface {
	GoType() reflect.Type
}

func goType(p Parser) reflect.Type {
	if tp, ok := p.(typedParser); ok {
		return tp.GoType()
	}
	return nil
}

// NewBuilder returns an empty procedure builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) clone() *Builder {
	c := *b
	return &c
}

func (b *Builder) fail(err *Error) *Builder {
	c := b.clone()
	if c.err == nil {
		c.err = err
	}
	return c
}

// Err returns the first build error recorded on the builder.
func (b *Builder) Err() error {
	if b.err == nil {
		return nil
	}
	return b.err
}

// Input appends an input parser. When an input parser is already present,
// both must produce objects; their results are merged at call time.
func (b *Builder) Input(p Parser) *Builder {
	if p == nil {
		return b.fail(errInvalidBuild("input parser is nil"))
	}
	shape := p.Shape()
	if b.hasInput && !mergeable(b.inputShape, shape) {
		return b.fail(errInvalidBuild("cannot merge %s input with %s input: all input parsers must resolve to an object", b.inputShape, shape))
	}
	c := b.clone()
	c.steps = b.steps.append(stepInput, p, nil)
	if !b.hasInput || b.inputShape == ShapeAny {
		c.inputShape = shape
	}
	if t := goType(p); t != nil {
		c.inType = t
	}
	c.hasInput = true
	return c
}

// Use appends middlewares to the chain.
func (b *Builder) Use(mws ...Middleware) *Builder {
	c := b.clone()
	for _, mw := range mws {
		if mw == nil {
			return b.fail(errInvalidBuild("middleware is nil"))
		}
		c.steps = c.steps.append(stepMiddleware, nil, mw)
	}
	return c
}

// UseChain appends every middleware of a chain.
func (b *Builder) UseChain(chain MiddlewareChain) *Builder {
	return b.Use(chain.middlewares...)
}

// Output sets the output parser applied to the resolver's return value.
// A later call replaces an earlier one.
func (b *Builder) Output(p Parser) *Builder {
	if p == nil {
		return b.fail(errInvalidBuild("output parser is nil"))
	}
	c := b.clone()
	c.output = p
	return c
}

// Meta merges m over the builder's metadata.
func (b *Builder) Meta(m Meta) *Builder {
	c := b.clone()
	merged := make(Meta, len(b.meta)+len(m))
	maps.Copy(merged, b.meta)
	maps.Copy(merged, m)
	c.meta = merged
	return c
}

// Concat appends all steps of other after the receiver's steps.
func (b *Builder) Concat(other *Builder) *Builder {
	c := b
	if other.err != nil {
		c = c.fail(other.err)
	}
	for _, s := range other.steps.slice() {
		switch s.kind {
		case stepInput:
			c = c.Input(s.parser)
		case stepMiddleware:
			c = c.Use(s.mw)
		}
	}
	if other.output != nil {
		c = c.Output(other.output)
	}
	if other.meta != nil {
		c = c.Meta(other.meta)
	}
	return c
}

// Query finalizes the builder into a query procedure.
func (b *Builder) Query(r Resolver) *Procedure {
	return b.finalize(TypeQuery, r)
}

// Mutation finalizes the builder into a mutation procedure.
func (b *Builder) Mutation(r Resolver) *Procedure {
	return b.finalize(TypeMutation, r)
}

// Subscription finalizes the builder into a subscription procedure.
func (b *Builder) Subscription(r SubscriptionResolver) *Procedure {
	if r == nil {
		return b.finalize(TypeSubscription, nil)
	}
	return b.finalize(TypeSubscription, func(ctx context.Context, opts ResolverOptions) (any, error) {
		s, err := r(ctx, opts)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, nil
		}
		return s, nil
	})
}

func (b *Builder) finalize(typ ProcedureType, r Resolver) *Procedure {
	p := &Procedure{
		typ:      typ,
		output:   b.output,
		resolver: r,
		meta:     maps.Clone(b.meta),
		err:      b.err,
		shape:    b.inputShape,
		inType:   b.inType,
	}
	if b.output != nil {
		p.outType = goType(b.output)
	}
	for _, s := range b.steps.slice() {
		switch s.kind {
		case stepInput:
			p.inputs = append(p.inputs, s.parser)
		case stepMiddleware:
			p.middlewares = append(p.middlewares, s.mw)
		}
	}
	if r == nil && p.err == nil {
		p.err = errInvalidBuild("%s resolver is nil", typ)
	}
	return p
}

// Procedure is a finalized, immutable procedure definition. It has no
// build methods: nothing can be added once a resolver is set.
type Procedure struct {
	typ         ProcedureType
	middlewares []Middleware
	inputs      []Parser
	shape       Shape
	output      Parser
	resolver    Resolver
	meta        Meta
	err         *Error

	inType  reflect.Type
	outType reflect.Type
}

// Type returns the procedure type.
func (p *Procedure) Type() ProcedureType { return p.typ }

// Meta returns a copy of the procedure metadata.
func (p *Procedure) Meta() Meta { return maps.Clone(p.meta) }

// HasInput reports whether the procedure declares an input parser.
func (p *Procedure) HasInput() bool { return len(p.inputs) > 0 }

// InputShape returns the accumulated shape of the input parsers.
func (p *Procedure) InputShape() Shape { return p.shape }

// Err returns the build error carried over from the builder, if any.
func (p *Procedure) Err() error {
	if p.err == nil {
		return nil
	}
	return p.err
}

// Handle adapts a typed function into a Resolver. The parsed input is
// converted to In; a conversion failure is an input validation error.
//
// The conversion runs inside the resolver, after every middleware. Pair
// Handle with Input(Decode[In]()) so malformed input is rejected before any
// middleware runs:
//
//	b.Input(trpc.Decode[GetPost]()).Query(trpc.Handle(getPost))
func Handle[In, Out any](fn func(ctx context.Context, c Ctx, in In) (Out, error)) Resolver {
	return func(ctx context.Context, opts ResolverOptions) (any, error) {
		in, err := As[In](opts.Input)
		if err != nil {
			return nil, ErrInputValidation(err)
		}
		return fn(ctx, opts.Ctx, in)
	}
}

// HandleStream adapts a typed function into a SubscriptionResolver. Like
// Handle it converts the input after the middlewares ran; pair it with
// Input(Decode[In]()).
func HandleStream[In any](fn func(ctx context.Context, c Ctx, in In) (Stream, error)) SubscriptionResolver {
	return func(ctx context.Context, opts ResolverOptions) (Stream, error) {
		in, err := As[In](opts.Input)
		if err != nil {
			return nil, ErrInputValidation(err)
		}
		return fn(ctx, opts.Ctx, in)
	}
}
