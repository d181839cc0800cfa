package trpc

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter returns an observable emitting 0..n-1 and recording how often
// it was started and cleaned up.
func counter(n int, started, cleaned *atomic.Int32) Stream {
	return Observable(func(ctx context.Context, emit Emitter) (func(), error) {
		started.Add(1)
		go func() {
			for i := range n {
				if !emit.Next(i) {
					return
				}
			}
			emit.Complete()
		}()
		return func() { cleaned.Add(1) }, nil
	})
}

func TestObservableCleanupOnComplete(t *testing.T) {
	var started, cleaned atomic.Int32
	s := counter(3, &started, &cleaned)

	var got []any
	err := Drain(context.Background(), s, func(v any) error {
		got = append(got, v)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []any{0, 1, 2}, got)
	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, int32(1), cleaned.Load())

	// Closing after completion does not run cleanup again.
	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), cleaned.Load())
}

func TestObservableCleanupOnClose(t *testing.T) {
	var cleaned atomic.Int32
	var emitter Emitter
	ready := make(chan struct{})
	s := Observable(func(ctx context.Context, emit Emitter) (func(), error) {
		emitter = emit
		close(ready)
		return func() { cleaned.Add(1) }, nil
	})

	go s.Recv(context.Background())
	<-ready
	require.True(t, emitter.Next("value"))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), cleaned.Load())

	assert.False(t, emitter.Next("late"))
	emitter.Complete()
	emitter.Error(errors.New("late"))
	assert.Equal(t, int32(1), cleaned.Load())

	_, err := s.Recv(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestObservableClosedBeforeStart(t *testing.T) {
	var started, cleaned atomic.Int32
	s := counter(3, &started, &cleaned)

	require.NoError(t, s.Close())
	_, err := s.Recv(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Zero(t, started.Load())
	assert.Zero(t, cleaned.Load())
}

func TestObservableStartError(t *testing.T) {
	boom := errors.New("boom")
	var cleaned atomic.Int32
	s := Observable(func(ctx context.Context, emit Emitter) (func(), error) {
		return func() { cleaned.Add(1) }, boom
	})

	_, err := s.Recv(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), cleaned.Load())
}

func TestObservableCompletesDuringStart(t *testing.T) {
	var cleaned atomic.Int32
	s := Observable(func(ctx context.Context, emit Emitter) (func(), error) {
		emit.Next("only")
		emit.Complete()
		return func() { cleaned.Add(1) }, nil
	})

	v, err := s.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "only", v)
	_, err = s.Recv(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int32(1), cleaned.Load())
}

func TestObservableProducerContextCancelled(t *testing.T) {
	stopped := make(chan struct{})
	s := Observable(func(ctx context.Context, emit Emitter) (func(), error) {
		go func() {
			<-ctx.Done()
			close(stopped)
		}()
		return nil, nil
	})

	recvCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Recv(recvCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.Close()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("producer context not cancelled on close")
	}
}

func TestGeneratorStopsOnClose(t *testing.T) {
	done := make(chan error, 1)
	s := Generator(func(ctx context.Context, yield func(any) bool) error {
		for i := 0; ; i++ {
			if !yield(i) {
				done <- nil
				return nil
			}
			time.Sleep(time.Millisecond)
		}
	})

	v, err := s.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, v)
	s.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("generator kept running after close")
	}
}

func TestGeneratorError(t *testing.T) {
	boom := NewError(CodeConflict, "boom")
	s := Generator(func(ctx context.Context, yield func(any) bool) error {
		yield("a")
		return boom
	})

	var got []any
	err := Drain(context.Background(), s, func(v any) error {
		got = append(got, v)
		return nil
	})
	assert.Equal(t, []any{"a"}, got)
	assert.ErrorIs(t, err, boom)
}

func TestGeneratorProducesOnDemand(t *testing.T) {
	var produced atomic.Int32
	s := Generator(func(ctx context.Context, yield func(any) bool) error {
		for i := 0; ; i++ {
			produced.Add(1)
			if !yield(i) {
				return nil
			}
		}
	})
	defer s.Close()

	assert.Zero(t, produced.Load(), "nothing runs before the first receive")

	for i := range 3 {
		v, err := s.Recv(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, produced.Load(), int32(4))
}

func TestGeneratorCloseWaitsForProducer(t *testing.T) {
	var exited atomic.Bool
	s := Generator(func(ctx context.Context, yield func(any) bool) error {
		defer exited.Store(true)
		for yield("v") {
		}
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	_, err := s.Recv(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.True(t, exited.Load())

	_, err = s.Recv(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestGeneratorClosedBeforeStart(t *testing.T) {
	var calls atomic.Int32
	s := Generator(func(ctx context.Context, yield func(any) bool) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, s.Close())
	_, err := s.Recv(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Zero(t, calls.Load())
}

func TestGeneratorCompletes(t *testing.T) {
	s := Generator(func(ctx context.Context, yield func(any) bool) error {
		yield(1)
		return nil
	})
	v, err := s.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	_, err = s.Recv(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, s.Close())
}

func TestGeneratorPanic(t *testing.T) {
	s := Generator(func(ctx context.Context, yield func(any) bool) error {
		panic("producer failed")
	})
	defer s.Close()
	_, err := s.Recv(context.Background())
	require.Error(t, err)
	assert.Equal(t, CodeInternalServerError, FromError(err).Code)
}

func TestMapStream(t *testing.T) {
	var started, cleaned atomic.Int32
	s := MapStream(counter(3, &started, &cleaned), func(ctx context.Context, v any) (any, error) {
		return v.(int) * 10, nil
	})

	var got []any
	require.NoError(t, Drain(context.Background(), s, func(v any) error {
		got = append(got, v)
		return nil
	}))
	assert.Equal(t, []any{0, 10, 20}, got)
	assert.Equal(t, int32(1), cleaned.Load())
}

func TestMapStreamErrorClosesSource(t *testing.T) {
	var started, cleaned atomic.Int32
	boom := errors.New("boom")
	s := MapStream(counter(100, &started, &cleaned), func(ctx context.Context, v any) (any, error) {
		return nil, boom
	})

	_, err := s.Recv(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = s.Recv(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), cleaned.Load())
}

func TestDrainStopsOnCallbackError(t *testing.T) {
	var started, cleaned atomic.Int32
	stop := errors.New("stop")
	err := Drain(context.Background(), counter(100, &started, &cleaned), func(v any) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, int32(1), cleaned.Load())
}
