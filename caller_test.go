package trpc

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCaller(t *testing.T, r *Router, opts CallerOptions) *Caller {
	t.Helper()
	opts.Router = r
	c, err := NewCaller(opts)
	require.NoError(t, err)
	return c
}

func TestNewCallerRequiresRouter(t *testing.T) {
	_, err := NewCaller(CallerOptions{})
	assert.Error(t, err)
}

func TestCallTypeMismatch(t *testing.T) {
	r := MustRouter(Record{"save": NewBuilder().Mutation(echoResolver)})
	c := newTestCaller(t, r, CallerOptions{})

	resp := c.Call(context.Background(), Request{Path: "save", Type: TypeQuery})
	require.False(t, resp.Result.OK)
	assert.Equal(t, CodeBadRequest, resp.Result.Error.Code)
	require.NotNil(t, resp.Shape)
	assert.Equal(t, "BAD_REQUEST", resp.Shape.Data["code"])
	assert.Equal(t, 400, resp.Status())

	resp = c.Call(context.Background(), Request{Path: "save", Type: TypeMutation, Input: "x"})
	require.True(t, resp.Result.OK)
	assert.Equal(t, "x", resp.Result.Data)
	assert.Equal(t, TypeMutation, resp.Type)
	assert.Nil(t, resp.Shape)
}

func TestCallAnyType(t *testing.T) {
	r := MustRouter(Record{"save": NewBuilder().Mutation(echoResolver)})
	c := newTestCaller(t, r, CallerOptions{})

	resp := c.Call(context.Background(), Request{Path: "save"})
	require.True(t, resp.Result.OK)
	assert.Equal(t, TypeMutation, resp.Type)
}

func TestCallNotFound(t *testing.T) {
	c := newTestCaller(t, MustRouter(Record{}), CallerOptions{})

	resp := c.Call(context.Background(), Request{Path: "nope"})
	require.False(t, resp.Result.OK)
	assert.Equal(t, CodeNotFound, resp.Result.Error.Code)
	assert.Equal(t, -32004, resp.Shape.Code)
	assert.Equal(t, "nope", resp.Shape.Data["path"])
	assert.Equal(t, 404, resp.Shape.Data["httpStatus"])
}

func TestCallCreatesContext(t *testing.T) {
	r := MustRouter(Record{"whoami": NewBuilder().Query(func(ctx context.Context, opts ResolverOptions) (any, error) {
		info := RequestInfoFromContext(ctx)
		return map[string]any{"user": opts.Ctx["user"], "id": info.ID, "transport": info.Transport}, nil
	})})
	c := newTestCaller(t, r, CallerOptions{
		CreateContext: func(ctx context.Context, info *RequestInfo) (Ctx, error) {
			return Ctx{"user": info.Params["user"]}, nil
		},
	})

	resp := c.Call(context.Background(), Request{
		Path: "whoami",
		Info: &RequestInfo{Transport: "ws", Params: map[string]string{"user": "ada"}},
	})
	require.True(t, resp.Result.OK)
	data := resp.Result.Data.(map[string]any)
	assert.Equal(t, "ada", data["user"])
	assert.Equal(t, "ws", data["transport"])
	assert.NotEmpty(t, data["id"])
}

func TestCallCreateContextErrors(t *testing.T) {
	r := MustRouter(Record{"q": constQuery(1)})

	denied := newTestCaller(t, r, CallerOptions{
		CreateContext: func(ctx context.Context, info *RequestInfo) (Ctx, error) {
			return nil, ErrUnauthorized("bad token")
		},
	})
	resp := denied.Call(context.Background(), Request{Path: "q"})
	require.False(t, resp.Result.OK)
	assert.Equal(t, CodeUnauthorized, resp.Result.Error.Code)
	assert.Equal(t, "bad token", resp.Shape.Message)

	panicking := newTestCaller(t, r, CallerOptions{
		CreateContext: func(ctx context.Context, info *RequestInfo) (Ctx, error) {
			panic("factory exploded")
		},
	})
	resp = panicking.Call(context.Background(), Request{Path: "q"})
	require.False(t, resp.Result.OK)
	assert.Equal(t, CodeInternalServerError, resp.Result.Error.Code)
}

func TestCallContextNotCreatedForUnknownPath(t *testing.T) {
	var calls atomic.Int32
	c := newTestCaller(t, MustRouter(Record{}), CallerOptions{
		CreateContext: func(ctx context.Context, info *RequestInfo) (Ctx, error) {
			calls.Add(1)
			return Ctx{}, nil
		},
	})
	c.Call(context.Background(), Request{Path: "missing"})
	assert.Zero(t, calls.Load())
}

func TestBatchOrdering(t *testing.T) {
	r := MustRouter(Record{
		"a": constQuery("A"),
		"b": NewBuilder().Query(func(ctx context.Context, opts ResolverOptions) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return "B", nil
		}),
		"c": constQuery("C"),
	})
	c := newTestCaller(t, r, CallerOptions{})

	resps := c.Batch(context.Background(), []Request{
		{Path: "a", Type: TypeQuery},
		{Path: "b", Type: TypeQuery},
		{Path: "c", Type: TypeQuery},
	}, BatchOptions{})

	require.Len(t, resps, 3)
	assert.Equal(t, "A", resps[0].Result.Data)
	assert.Equal(t, "B", resps[1].Result.Data)
	assert.Equal(t, "C", resps[2].Result.Data)
}

func TestBatchIsolatesFailures(t *testing.T) {
	r := MustRouter(Record{
		"ok":   constQuery("fine"),
		"fail": NewBuilder().Query(func(ctx context.Context, opts ResolverOptions) (any, error) { return nil, errors.New("broken") }),
	})
	c := newTestCaller(t, r, CallerOptions{})

	resps := c.Batch(context.Background(), []Request{{Path: "ok"}, {Path: "fail"}, {Path: "missing"}}, BatchOptions{})
	require.Len(t, resps, 3)
	assert.True(t, resps[0].Result.OK)
	assert.Equal(t, CodeInternalServerError, resps[1].Result.Error.Code)
	assert.Equal(t, CodeNotFound, resps[2].Result.Error.Code)
}

func TestBatchContext(t *testing.T) {
	r := MustRouter(Record{
		"batched": NewBuilder().Query(func(ctx context.Context, opts ResolverOptions) (any, error) {
			return RequestInfoFromContext(ctx).IsBatch, nil
		}),
	})

	for _, share := range []bool{false, true} {
		var created atomic.Int32
		c := newTestCaller(t, r, CallerOptions{
			CreateContext: func(ctx context.Context, info *RequestInfo) (Ctx, error) {
				created.Add(1)
				return Ctx{}, nil
			},
		})
		reqs := []Request{{Path: "batched"}, {Path: "batched"}, {Path: "batched"}}
		resps := c.Batch(context.Background(), reqs, BatchOptions{ShareContext: share})
		for _, resp := range resps {
			assert.Equal(t, true, resp.Result.Data)
		}
		if share {
			assert.Equal(t, int32(1), created.Load())
		} else {
			assert.Equal(t, int32(3), created.Load())
		}
	}
}

func TestFormatterCannotChangeCode(t *testing.T) {
	r := MustRouter(Record{"fail": NewBuilder().Query(func(ctx context.Context, opts ResolverOptions) (any, error) {
		return nil, NewError(CodeConflict, "taken")
	})})

	var got FormatterOptions
	c := newTestCaller(t, r, CallerOptions{
		ErrorFormatter: func(opts FormatterOptions) ErrorShape {
			got = opts
			shape := opts.Shape
			shape.Code = 12345
			shape.Message = "custom: " + opts.Error.Message
			shape.Data["code"] = "HACKED"
			shape.Data["zodError"] = "extra"
			return shape
		},
	})

	resp := c.Call(context.Background(), Request{Path: "fail", Input: "raw"})
	require.NotNil(t, resp.Shape)
	assert.Equal(t, CodeConflict.JSONRPC(), resp.Shape.Code)
	assert.Equal(t, "CONFLICT", resp.Shape.Data["code"])
	assert.Equal(t, "custom: taken", resp.Shape.Message)
	assert.Equal(t, "extra", resp.Shape.Data["zodError"])
	assert.Equal(t, CodeConflict, resp.Result.Error.Code)

	assert.Equal(t, "fail", got.Path)
	assert.Equal(t, TypeQuery, got.Type)
	assert.Equal(t, "raw", got.Input)
	assert.NotNil(t, got.Ctx)
}

func TestFormatterNilData(t *testing.T) {
	c := newTestCaller(t, MustRouter(Record{}), CallerOptions{
		ErrorFormatter: func(opts FormatterOptions) ErrorShape {
			return ErrorShape{Message: "hidden"}
		},
	})
	resp := c.Call(context.Background(), Request{Path: "missing"})
	assert.Equal(t, "hidden", resp.Shape.Message)
	assert.Equal(t, "NOT_FOUND", resp.Shape.Data["code"])
	assert.Equal(t, -32004, resp.Shape.Code)
}

func TestFormatErrorOutsideCall(t *testing.T) {
	c := newTestCaller(t, MustRouter(Record{}), CallerOptions{})
	shape := c.FormatError(NewError(CodeParseError, "bad json"), "", "")
	assert.Equal(t, -32700, shape.Code)
	assert.Equal(t, "PARSE_ERROR", shape.Data["code"])
	assert.NotContains(t, shape.Data, "path")
}

type recordingInterceptor struct {
	name string
	mu   *sync.Mutex
	log  *[]string
}

func (r recordingInterceptor) BeforeCall(ctx context.Context, info *CallInfo) context.Context {
	r.mu.Lock()
	*r.log = append(*r.log, r.name+":before:"+info.Path)
	r.mu.Unlock()
	return ctx
}

func (r recordingInterceptor) AfterCall(ctx context.Context, info *CallInfo, res Result) {
	r.mu.Lock()
	*r.log = append(*r.log, r.name+":after:"+string(info.Type))
	r.mu.Unlock()
}

func TestInterceptorOrder(t *testing.T) {
	var mu sync.Mutex
	var log []string
	c := newTestCaller(t, MustRouter(Record{"q": constQuery(1)}), CallerOptions{
		Interceptors: []CallInterceptor{
			recordingInterceptor{"first", &mu, &log},
			recordingInterceptor{"second", &mu, &log},
		},
	})

	c.Call(context.Background(), Request{Path: "q"})
	assert.Equal(t, []string{"first:before:q", "second:before:q", "second:after:query", "first:after:query"}, log)
}

type wrappingInterceptor struct {
	recordingInterceptor
	closed *atomic.Int32
}

type closeCounter struct {
	Stream
	closed *atomic.Int32
}

func (c closeCounter) Close() error {
	c.closed.Add(1)
	return c.Stream.Close()
}

func (w wrappingInterceptor) WrapStream(ctx context.Context, info *CallInfo, s Stream) Stream {
	return closeCounter{Stream: s, closed: w.closed}
}

func TestStreamInterceptor(t *testing.T) {
	var mu sync.Mutex
	var log []string
	var closed atomic.Int32
	sub := NewBuilder().Subscription(func(ctx context.Context, opts ResolverOptions) (Stream, error) {
		return Generator(func(ctx context.Context, yield func(any) bool) error {
			yield(1)
			return nil
		}), nil
	})
	c := newTestCaller(t, MustRouter(Record{"sub": sub}), CallerOptions{
		Interceptors: []CallInterceptor{
			wrappingInterceptor{recordingInterceptor{"w", &mu, &log}, &closed},
		},
	})

	resp := c.Call(context.Background(), Request{Path: "sub", Type: TypeSubscription})
	require.True(t, resp.Result.OK)
	s := resp.Result.Data.(Stream)
	require.NoError(t, Drain(context.Background(), s, func(any) error { return nil }))
	assert.Equal(t, int32(1), closed.Load())
}

func TestErrorReporting(t *testing.T) {
	boom := errors.New("db down")
	r := MustRouter(Record{
		"internal": NewBuilder().Query(func(ctx context.Context, opts ResolverOptions) (any, error) { return nil, boom }),
	})

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	var events []ErrorEvent
	c := newTestCaller(t, r, CallerOptions{
		Logger: &logger,
		CreateContext: func(ctx context.Context, info *RequestInfo) (Ctx, error) {
			return Ctx{"user": "ada"}, nil
		},
		OnError: func(ev ErrorEvent) { events = append(events, ev) },
	})

	resp := c.Call(context.Background(), Request{Path: "internal", Input: 1})
	require.False(t, resp.Result.OK)
	assert.Equal(t, "INTERNAL_SERVER_ERROR", resp.Shape.Data["code"])

	require.Len(t, events, 1)
	assert.Equal(t, "internal", events[0].Path)
	assert.Equal(t, TypeQuery, events[0].Type)
	assert.Equal(t, 1, events[0].Input)
	assert.Equal(t, "ada", events[0].Ctx["user"])
	assert.ErrorIs(t, events[0].Error, boom)

	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "db down")
	assert.Contains(t, buf.String(), `"path":"internal"`)
}

func TestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	c := newTestCaller(t, MustRouter(Record{"q": constQuery(1)}), CallerOptions{
		Interceptors: []CallInterceptor{LoggingInterceptor(zerolog.New(&buf))},
	})

	c.Call(context.Background(), Request{Path: "q", Info: &RequestInfo{ID: "req-1", Transport: "http"}})
	c.Call(context.Background(), Request{Path: "missing"})

	out := buf.String()
	assert.Contains(t, out, `"request_id":"req-1"`)
	assert.Contains(t, out, `"transport":"http"`)
	assert.Contains(t, out, `"path":"q"`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"code":"NOT_FOUND"`)
}

func TestCallStart(t *testing.T) {
	start := time.Now().Add(-time.Minute)
	ctx := WithCallStart(context.Background(), start)
	ctx = WithCallStart(ctx, time.Now())
	assert.Equal(t, start, CallStart(ctx))

	ctx = WithTestRequest(ctx, "t-1")
	assert.Equal(t, "t-1", RequestInfoFromContext(ctx).ID)
}

func TestDirectCaller(t *testing.T) {
	r := MustRouter(Record{
		"me": NewBuilder().Query(func(ctx context.Context, opts ResolverOptions) (any, error) {
			return opts.Ctx["user"], nil
		}),
		"save": NewBuilder().Input(Decode[int]()).Mutation(echoResolver),
		"ticks": NewBuilder().Subscription(func(ctx context.Context, opts ResolverOptions) (Stream, error) {
			return Generator(func(ctx context.Context, yield func(any) bool) error {
				yield("tick")
				return nil
			}), nil
		}),
	})
	dc := r.CreateCaller(Ctx{"user": "ada"})
	ctx := context.Background()

	v, err := dc.Query(ctx, "me", nil)
	require.NoError(t, err)
	assert.Equal(t, "ada", v)

	v, err = dc.Mutation(ctx, "save", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = dc.Mutation(ctx, "save", "seven")
	requireCode(t, err, CodeInputValidation)

	_, err = dc.Query(ctx, "save", 7)
	requireCode(t, err, CodeBadRequest)

	_, err = dc.Query(ctx, "missing", nil)
	requireCode(t, err, CodeNotFound)

	s, err := dc.Subscribe(ctx, "ticks", nil)
	require.NoError(t, err)
	var got []any
	require.NoError(t, Drain(ctx, s, func(v any) error {
		got = append(got, v)
		return nil
	}))
	assert.Equal(t, []any{"tick"}, got)
}

func TestInternalErrorsHideCause(t *testing.T) {
	b := NewBuilder()
	r := MustRouter(Record{
		"login": b.Query(func(ctx context.Context, opts ResolverOptions) (any, error) {
			return nil, errors.New("pq: password authentication failed for user admin@10.0.0.5")
		}),
		"crash": b.Query(func(ctx context.Context, opts ResolverOptions) (any, error) {
			panic("secret token xyz")
		}),
		"wrapped": b.Query(func(ctx context.Context, opts ResolverOptions) (any, error) {
			return nil, WrapError(CodeInternalServerError, "", errors.New("disk /var/db full"))
		}),
	})
	c := newTestCaller(t, r, CallerOptions{})

	for path, secret := range map[string]string{
		"login":   "admin@10.0.0.5",
		"crash":   "secret token xyz",
		"wrapped": "/var/db",
	} {
		t.Run(path, func(t *testing.T) {
			resp := c.Call(context.Background(), Request{Path: path})
			require.NotNil(t, resp.Shape)
			assert.Equal(t, "internal server error", resp.Shape.Message)
			assert.NotContains(t, resp.Shape.Message, secret)
			assert.NotContains(t, resp.Shape.Data, "cause")
			assert.ErrorContains(t, resp.Result.Error.Cause, secret)
		})
	}
}

func TestFormatterCanExposeCause(t *testing.T) {
	r := MustRouter(Record{
		"q": NewBuilder().Query(func(ctx context.Context, opts ResolverOptions) (any, error) {
			return nil, errors.New("db down")
		}),
	})
	c := newTestCaller(t, r, CallerOptions{
		ErrorFormatter: func(opts FormatterOptions) ErrorShape {
			shape := opts.Shape
			if opts.Error.Cause != nil {
				shape.Data["cause"] = opts.Error.Cause.Error()
			}
			return shape
		},
	})

	resp := c.Call(context.Background(), Request{Path: "q"})
	require.NotNil(t, resp.Shape)
	assert.Equal(t, "internal server error", resp.Shape.Message)
	assert.Equal(t, "db down", resp.Shape.Data["cause"])
}

type panickingInterceptor struct{ hook string }

func (p panickingInterceptor) BeforeCall(ctx context.Context, info *CallInfo) context.Context {
	if p.hook == "before" {
		panic("before")
	}
	return ctx
}

func (p panickingInterceptor) AfterCall(ctx context.Context, info *CallInfo, res Result) {
	if p.hook == "after" {
		panic("after")
	}
}

func (p panickingInterceptor) WrapStream(ctx context.Context, info *CallInfo, s Stream) Stream {
	if p.hook == "wrap" {
		panic("wrap")
	}
	return s
}

func TestPanickingHooksDoNotEscapeCall(t *testing.T) {
	b := NewBuilder()
	r := MustRouter(Record{
		"q": constQuery(1),
		"fail": b.Query(func(ctx context.Context, opts ResolverOptions) (any, error) {
			return nil, ErrForbidden("no")
		}),
		"sub": b.Subscription(func(ctx context.Context, opts ResolverOptions) (Stream, error) {
			return Generator(func(ctx context.Context, yield func(any) bool) error {
				yield("tick")
				return nil
			}), nil
		}),
	})

	for _, hook := range []string{"before", "after", "wrap"} {
		t.Run(hook, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			c := newTestCaller(t, r, CallerOptions{
				Logger:       &logger,
				Interceptors: []CallInterceptor{panickingInterceptor{hook}},
			})

			var resp Response
			require.NotPanics(t, func() { resp = c.Call(context.Background(), Request{Path: "q"}) })
			require.True(t, resp.Result.OK)
			assert.Equal(t, 1, resp.Result.Data)

			require.NotPanics(t, func() { resp = c.Call(context.Background(), Request{Path: "sub"}) })
			require.True(t, resp.Result.OK)
			var got []any
			require.NoError(t, Drain(context.Background(), resp.Result.Data.(Stream), func(v any) error {
				got = append(got, v)
				return nil
			}))
			assert.Equal(t, []any{"tick"}, got)

			assert.Contains(t, buf.String(), "call hook panicked")
		})
	}

	t.Run("onError", func(t *testing.T) {
		c := newTestCaller(t, r, CallerOptions{
			OnError: func(ErrorEvent) { panic("reporter down") },
		})
		var resp Response
		require.NotPanics(t, func() { resp = c.Call(context.Background(), Request{Path: "fail"}) })
		require.NotNil(t, resp.Shape)
		assert.Equal(t, "FORBIDDEN", resp.Shape.Data["code"])
	})

	t.Run("formatter", func(t *testing.T) {
		c := newTestCaller(t, r, CallerOptions{
			ErrorFormatter: func(FormatterOptions) ErrorShape { panic("formatter bug") },
		})
		var resp Response
		require.NotPanics(t, func() { resp = c.Call(context.Background(), Request{Path: "fail"}) })
		require.NotNil(t, resp.Shape)
		assert.Equal(t, DefaultErrorShape(resp.Result.Error, "fail"), *resp.Shape)
	})
}
