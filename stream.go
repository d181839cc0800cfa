package trpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrStreamClosed is returned by Recv after the consumer closed the stream.
var ErrStreamClosed = errors.New("trpc: stream closed")

// Stream is a lazy, possibly infinite sequence of subscription values.
// Recv returns io.EOF after the producer completed. Close tears the
// stream down and releases the producer's resources; it is safe to call
// more than once and from any goroutine.
type Stream interface {
	Recv(ctx context.Context) (any, error)
	Close() error
}

// Emitter is how a producer pushes values into an observable stream.
// Next reports false once the stream is finished, after which further
// values are dropped.
type Emitter interface {
	Next(v any) bool
	Error(err error)
	Complete()
}

// StartFunc starts a producer. The returned cleanup runs exactly once:
// when the producer completes or fails, or when the consumer closes the
// stream, whichever comes first. ctx is cancelled when the stream finishes.
type StartFunc func(ctx context.Context, emit Emitter) (cleanup func(), err error)

// Observable returns a Stream backed by start. start is invoked on the
// first Recv; a stream closed before that never starts.
func Observable(start StartFunc) Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &observable{
		start:  start,
		ctx:    ctx,
		cancel: cancel,
		notify: make(chan struct{}, 1),
	}
}

type observable struct {
	start     StartFunc
	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	notify    chan struct{}

	mu      sync.Mutex
	queue   []any
	done    bool
	err     error
	cleanup func()
}

func (s *observable) run() {
	cleanup, err := s.start(s.ctx, emitter{s})
	if cleanup != nil {
		s.setCleanup(cleanup)
	}
	if err != nil {
		s.finish(err)
	}
}

// setCleanup registers the producer's cleanup, running it right away if
// the stream already finished while start was executing.
func (s *observable) setCleanup(fn func()) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		fn()
		return
	}
	s.cleanup = fn
	s.mu.Unlock()
}

func (s *observable) finish(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	fn := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()

	s.cancel()
	s.signal()
	if fn != nil {
		fn()
	}
}

func (s *observable) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *observable) push(v any) bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *observable) Recv(ctx context.Context) (any, error) {
	s.startOnce.Do(s.run)
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			v := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return v, nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *observable) Close() error {
	// Prevent a later Recv from starting the producer.
	s.startOnce.Do(func() {})
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
	s.finish(ErrStreamClosed)
	return nil
}

type emitter struct {
	s *observable
}

func (e emitter) Next(v any) bool { return e.s.push(v) }

func (e emitter) Error(err error) {
	if err == nil {
		err = io.EOF
	}
	e.s.finish(err)
}

func (e emitter) Complete() { e.s.finish(io.EOF) }

// Generator returns a Stream whose values are produced by fn running in
// its own goroutine, started on the first Recv. yield blocks until the
// consumer receives the value and reports false once the stream is
// closed; fn should then return. Returning nil completes the stream.
// Close waits for fn to return.
func Generator(fn func(ctx context.Context, yield func(any) bool) error) Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &generator{
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
		values: make(chan any),
		done:   make(chan struct{}),
	}
}

type generator struct {
	fn        func(ctx context.Context, yield func(any) bool) error
	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	values    chan any
	done      chan struct{} // closed once fn returned; err is set before
	err       error
	closed    atomic.Bool
}

func (g *generator) run() {
	defer close(g.done)
	defer g.cancel()
	defer func() {
		if v := recover(); v != nil {
			g.err = fromPanic(v)
		}
	}()
	err := g.fn(g.ctx, g.yield)
	switch {
	case g.closed.Load():
		g.err = ErrStreamClosed
	case err != nil:
		g.err = err
	default:
		g.err = io.EOF
	}
}

func (g *generator) yield(v any) bool {
	select {
	case g.values <- v:
		return true
	case <-g.ctx.Done():
		return false
	}
}

func (g *generator) Recv(ctx context.Context) (any, error) {
	g.startOnce.Do(func() { go g.run() })
	select {
	case v := <-g.values:
		return v, nil
	case <-g.done:
		return nil, g.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *generator) Close() error {
	g.closed.Store(true)
	g.startOnce.Do(func() {
		g.err = ErrStreamClosed
		close(g.done)
	})
	g.cancel()
	<-g.done
	return nil
}

// MapStream returns a Stream that applies fn to every value of s as it is
// received. An error from fn closes s and is returned from Recv.
func MapStream(s Stream, fn func(ctx context.Context, v any) (any, error)) Stream {
	return &mapStream{inner: s, fn: fn}
}

type mapStream struct {
	inner Stream
	fn    func(ctx context.Context, v any) (any, error)

	mu  sync.Mutex
	err error
}

func (m *mapStream) Recv(ctx context.Context) (any, error) {
	m.mu.Lock()
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	v, err := m.inner.Recv(ctx)
	if err != nil {
		return nil, err
	}
	out, err := m.fn(ctx, v)
	if err != nil {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		m.inner.Close()
		return nil, err
	}
	return out, nil
}

func (m *mapStream) Close() error {
	return m.inner.Close()
}

// Drain receives every value of s and passes it to fn until the stream
// completes, fn fails, or ctx is done. s is always closed on return.
// Natural completion returns nil.
func Drain(ctx context.Context, s Stream, fn func(v any) error) error {
	defer s.Close()
	for {
		v, err := s.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}
