package trpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoResolver(ctx context.Context, opts ResolverOptions) (any, error) {
	return opts.Input, nil
}

// logMiddleware appends name to the "log" slice carried in Ctx.
func logMiddleware(name string) Middleware {
	return func(ctx context.Context, opts MiddlewareOptions) (*MiddlewareResult, error) {
		log, _ := Get[[]string](opts.Ctx, "log")
		next := append(append([]string(nil), log...), name)
		return opts.Next(ctx, WithCtx(Ctx{"log": next})), nil
	}
}

func logResolver(ctx context.Context, opts ResolverOptions) (any, error) {
	log, _ := Get[[]string](opts.Ctx, "log")
	return log, nil
}

func TestBuilderImmutable(t *testing.T) {
	b := NewBuilder().Use(logMiddleware("base"))
	before := b.Query(logResolver)

	b2 := b.Use(logMiddleware("extra"))
	b3 := b.Use(logMiddleware("other"))
	after := b.Query(logResolver)

	ctx := context.Background()
	assert.Equal(t, before.Call(ctx, CallOptions{}), after.Call(ctx, CallOptions{}))
	assert.Equal(t, []string{"base"}, after.Call(ctx, CallOptions{}).Data)
	assert.Equal(t, []string{"base", "extra"}, b2.Query(logResolver).Call(ctx, CallOptions{}).Data)
	assert.Equal(t, []string{"base", "other"}, b3.Query(logResolver).Call(ctx, CallOptions{}).Data)
}

func TestBuilderSharesPrefix(t *testing.T) {
	base := NewBuilder().Use(logMiddleware("a"))
	b1 := base.Use(logMiddleware("b"))
	b2 := base.Use(logMiddleware("c"))

	assert.Same(t, base.steps, b1.steps.prev)
	assert.Same(t, base.steps, b2.steps.prev)
	assert.Equal(t, 2, b1.steps.size)
}

func TestBuilderOutputLastWins(t *testing.T) {
	upper := NewParser(ShapeScalar, func(ctx context.Context, v any) (any, error) {
		return "first", nil
	})
	lower := NewParser(ShapeScalar, func(ctx context.Context, v any) (any, error) {
		return "second", nil
	})
	p := NewBuilder().Output(upper).Output(lower).Query(echoResolver)

	res := p.Call(context.Background(), CallOptions{})
	require.True(t, res.OK)
	assert.Equal(t, "second", res.Data)
}

func TestBuilderMetaMerges(t *testing.T) {
	b := NewBuilder().Meta(Meta{"a": 1, "b": 1})
	p := b.Meta(Meta{"b": 2}).Query(echoResolver)

	assert.Equal(t, Meta{"a": 1, "b": 2}, p.Meta())
	assert.Equal(t, Meta{"a": 1, "b": 1}, b.meta)
}

func TestBuilderConcat(t *testing.T) {
	left := NewBuilder().Use(logMiddleware("l"))
	right := NewBuilder().Use(logMiddleware("r1"), logMiddleware("r2")).Meta(Meta{"right": true})

	p := left.Concat(right).Query(logResolver)
	res := p.Call(context.Background(), CallOptions{})
	require.True(t, res.OK)
	assert.Equal(t, []string{"l", "r1", "r2"}, res.Data)
	assert.Equal(t, true, p.Meta()["right"])
}

func TestBuilderUseChain(t *testing.T) {
	chain := NewMiddleware(logMiddleware("x")).Pipe(logMiddleware("y"))
	chain = chain.PipeChain(NewMiddleware(logMiddleware("z")))

	p := NewBuilder().UseChain(chain).Query(logResolver)
	res := p.Call(context.Background(), CallOptions{})
	require.True(t, res.OK)
	assert.Equal(t, []string{"x", "y", "z"}, res.Data)
	assert.Len(t, chain.Middlewares(), 3)
}

func TestBuilderErrors(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder
	}{
		{"nil input", NewBuilder().Input(nil)},
		{"nil output", NewBuilder().Output(nil)},
		{"nil middleware", NewBuilder().Use(nil)},
		{"scalar then object", NewBuilder().Input(Decode[string]()).Input(Decode[map[string]any]())},
		{"object then array", NewBuilder().Input(Decode[map[string]any]()).Input(Decode[[]int]())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.b.Err())

			p := tt.b.Query(echoResolver)
			var perr *Error
			require.True(t, errors.As(p.Err(), &perr))
			assert.Equal(t, CodeInvalidBuild, perr.Code)

			res := p.Call(context.Background(), CallOptions{})
			assert.False(t, res.OK)
			assert.Equal(t, CodeInvalidBuild, res.Error.Code)
		})
	}
}

func TestBuilderErrorIsSticky(t *testing.T) {
	b := NewBuilder().Input(Decode[string]()).Input(Decode[map[string]any]())
	first := b.Err()
	b = b.Use(logMiddleware("later")).Output(Decode[string]()).Input(nil)
	assert.Equal(t, first, b.Err())
}

func TestBuilderNilResolver(t *testing.T) {
	p := NewBuilder().Query(nil)
	require.Error(t, p.Err())

	_, err := NewRouter(Record{"q": p})
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, CodeInvalidBuild, perr.Code)
}

func TestProcedureAccessors(t *testing.T) {
	p := NewBuilder().Input(Decode[map[string]any]()).Mutation(echoResolver)
	assert.Equal(t, TypeMutation, p.Type())
	assert.True(t, p.HasInput())
	assert.Equal(t, ShapeObject, p.InputShape())
	assert.NoError(t, p.Err())

	assert.False(t, NewBuilder().Query(echoResolver).HasInput())
}
