// Package ws serves the procedures of a trpc.Caller over WebSocket
// connections, including long-lived subscriptions.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/marrasen/trpc"
)

// ConnectHook is called when a new connection is established.
// Return an error to reject the connection.
type ConnectHook func(ctx context.Context, conn *Conn) error

// DisconnectHook is called when a connection is closed.
type DisconnectHook func(ctx context.Context, conn *Conn)

// Options configures the server behavior.
type Options struct {
	// SendBuffer is the number of outgoing messages queued per connection.
	// Messages are dropped when the queue is full. Default: 256
	SendBuffer int
	// PingInterval is the interval of WebSocket pings. Default: 30s
	PingInterval time.Duration
	// PongTimeout is how long to wait for a pong before closing. Default: 10s
	PongTimeout time.Duration
	// CheckOrigin defaults to allowing all origins.
	CheckOrigin func(r *http.Request) bool
	// Logger defaults to the caller's logger.
	Logger *zerolog.Logger
}

func (o *Options) setDefaults(caller *trpc.Caller) {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 10 * time.Second
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if o.Logger == nil {
		o.Logger = caller.Logger()
	}
}

// Server manages WebSocket connections and dispatches their messages to a
// caller.
type Server struct {
	caller          *trpc.Caller
	upgrader        websocket.Upgrader
	opts            Options
	mu              sync.RWMutex
	conns           map[*Conn]struct{}
	connectHooks    []ConnectHook
	disconnectHooks []DisconnectHook
}

// NewServer creates a new WebSocket server.
func NewServer(caller *trpc.Caller, opts Options) *Server {
	opts.setDefaults(caller)
	return &Server{
		caller:   caller,
		upgrader: websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
		opts:     opts,
		conns:    make(map[*Conn]struct{}),
	}
}

// OnConnect registers a hook to be called when a new connection is established.
// Hooks are called in the order they are registered.
// If a hook returns an error, the connection is rejected and subsequent hooks are not called.
func (s *Server) OnConnect(hook ConnectHook) {
	s.connectHooks = append(s.connectHooks, hook)
}

// OnDisconnect registers a hook to be called when a connection is closed.
func (s *Server) OnDisconnect(hook DisconnectHook) {
	s.disconnectHooks = append(s.disconnectHooks, hook)
}

func (s *Server) runConnectHooks(ctx context.Context, conn *Conn) error {
	for _, hook := range s.connectHooks {
		if err := hook(ctx, conn); err != nil {
			return err
		}
	}
	return nil
}

// ServeHTTP implements http.Handler for WebSocket upgrades.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.Logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(wsConn, s, uuid.NewString(), r)

	if err := s.runConnectHooks(r.Context(), conn); err != nil {
		conn.rejectConnection(err)
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.opts.Logger.Debug().Str("connection_id", conn.id).Msg("websocket connected")

	go conn.writePump()
	conn.readPump()
}

func (s *Server) unregister(conn *Conn) {
	s.mu.Lock()
	_, existed := s.conns[conn]
	delete(s.conns, conn)
	s.mu.Unlock()

	if existed {
		for _, hook := range s.disconnectHooks {
			hook(conn.ctx, conn)
		}
		s.opts.Logger.Debug().Str("connection_id", conn.id).Msg("websocket disconnected")
	}
	conn.close()
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close sends a close frame to every connection and stops their
// subscriptions.
func (s *Server) Close() error {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.closeGracefully()
	}
	return nil
}
