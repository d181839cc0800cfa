package trpc

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// CallInterceptor allows external packages to hook into the call
// lifecycle. BeforeCall runs before the procedure is resolved and may
// enrich the context. AfterCall runs once the result is known, in reverse
// registration order.
type CallInterceptor interface {
	BeforeCall(ctx context.Context, info *CallInfo) context.Context
	AfterCall(ctx context.Context, info *CallInfo, res Result)
}

// StreamInterceptor is implemented by interceptors that need to observe
// the lifetime of subscription streams.
type StreamInterceptor interface {
	WrapStream(ctx context.Context, info *CallInfo, s Stream) Stream
}

type startKey struct{}

// WithCallStart records the start time of a call on the context.
// Interceptors that measure duration share it through CallStart.
func WithCallStart(ctx context.Context, t time.Time) context.Context {
	if _, ok := ctx.Value(startKey{}).(time.Time); ok {
		return ctx
	}
	return context.WithValue(ctx, startKey{}, t)
}

// CallStart returns the start time recorded by WithCallStart, or the
// current time if none was recorded.
func CallStart(ctx context.Context) time.Time {
	if t, ok := ctx.Value(startKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

type loggingInterceptor struct {
	logger zerolog.Logger
}

// LoggingInterceptor logs every call with its path, type, duration and
// outcome.
func LoggingInterceptor(logger zerolog.Logger) CallInterceptor {
	return &loggingInterceptor{logger: logger}
}

func (l *loggingInterceptor) BeforeCall(ctx context.Context, info *CallInfo) context.Context {
	return WithCallStart(ctx, time.Now())
}

func (l *loggingInterceptor) AfterCall(ctx context.Context, info *CallInfo, res Result) {
	ev := l.logger.Info()
	if !res.OK {
		ev = l.logger.Warn().Str("code", string(res.Error.Code))
	}
	if req := RequestInfoFromContext(ctx); req != nil {
		ev = ev.Str("request_id", req.ID).Str("transport", req.Transport)
	}
	ev.Str("path", info.Path).
		Str("type", string(info.Type)).
		Dur("duration", time.Since(CallStart(ctx))).
		Msg("call")
}
