package ws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/marrasen/trpc"
)

var nullID = jsontext.Value("null")

// Conn represents a single WebSocket connection.
type Conn struct {
	id     string
	ws     *websocket.Conn
	server *Server
	send   chan []byte
	info   trpc.RequestInfo
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	requests map[string]context.CancelFunc
	subs     map[string]trpc.Stream // nil value: subscription starting
}

func newConn(ws *websocket.Conn, server *Server, id string, r *http.Request) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	params := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return &Conn{
		id:     id,
		ws:     ws,
		server: server,
		send:   make(chan []byte, server.opts.SendBuffer),
		info: trpc.RequestInfo{
			Transport:    "ws",
			ConnectionID: id,
			Header:       r.Header.Clone(),
			RemoteAddr:   r.RemoteAddr,
			Params:       params,
		},
		ctx:      ctx,
		cancel:   cancel,
		requests: make(map[string]context.CancelFunc),
		subs:     make(map[string]trpc.Stream),
	}
}

// ID returns the connection ID.
func (c *Conn) ID() string { return c.id }

// Info returns the request info of the upgrade request.
func (c *Conn) Info() trpc.RequestInfo { return c.info }

// SubscriptionCount returns the number of active subscriptions.
func (c *Conn) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Conn) sendJSON(v trpc.Envelope) {
	v.JSONRPC = "2.0"
	if len(v.ID) == 0 {
		v.ID = nullID
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.server.opts.Logger.Error().Err(err).Str("connection_id", c.id).Msg("failed to encode message")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Drop message if buffer full
	}
}

func (c *Conn) sendResult(id jsontext.Value, typ trpc.ResultType, data any) {
	c.sendJSON(trpc.Envelope{ID: id, Result: &trpc.ResultPayload{Type: typ, Data: data}})
}

func (c *Conn) sendError(id jsontext.Value, shape trpc.ErrorShape) {
	c.sendJSON(trpc.Envelope{ID: id, Error: &shape})
}

func (c *Conn) sendFailure(id jsontext.Value, err *trpc.Error, path string, typ trpc.ProcedureType) {
	c.sendError(id, c.server.caller.FormatError(err, path, typ))
}

func (c *Conn) rejectConnection(err error) {
	shape := c.server.caller.FormatError(trpc.FromError(err), "", "")
	data, _ := json.Marshal(trpc.Envelope{ID: nullID, JSONRPC: "2.0", Error: &shape})
	c.ws.WriteMessage(websocket.TextMessage, data)
	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, shape.Message),
		time.Now().Add(time.Second),
	)
	c.ws.Close()
	c.cancel()
}

// readPump reads messages from the WebSocket and dispatches them.
func (c *Conn) readPump() {
	defer func() {
		c.server.unregister(c)
		c.ws.Close()
	}()

	pongWait := c.server.opts.PingInterval + c.server.opts.PongTimeout
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.handleIncomingMessage(data)
	}
}

// writePump writes queued messages and pings to the WebSocket.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.server.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.server.opts.PongTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleIncomingMessage(data []byte) {
	if !gjson.ValidBytes(data) {
		c.sendFailure(nullID, trpc.NewError(trpc.CodeParseError, "message is not valid JSON"), "", "")
		return
	}
	// Batched messages are a JSON array of requests.
	if gjson.ParseBytes(data).IsArray() {
		gjson.ParseBytes(data).ForEach(func(_, item gjson.Result) bool {
			c.handleMessage([]byte(item.Raw))
			return true
		})
		return
	}
	c.handleMessage(data)
}

func (c *Conn) handleMessage(data []byte) {
	var msg trpc.IncomingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		id := nullID
		if v := gjson.GetBytes(data, "id"); v.Exists() {
			id = jsontext.Value(v.Raw)
		}
		c.sendFailure(id, trpc.WrapError(trpc.CodeParseError, "malformed message", err), "", "")
		return
	}
	if len(msg.ID) == 0 || msg.ID.Kind() == 'n' {
		c.sendFailure(nullID, trpc.ErrBadRequest("message id is required"), msg.Params.Path, "")
		return
	}

	switch msg.Method {
	case trpc.MethodQuery, trpc.MethodMutation:
		if !c.registerRequest(msg.ID) {
			c.sendFailure(msg.ID, trpc.ErrBadRequest("duplicate request id "+string(msg.ID)), msg.Params.Path, trpc.ProcedureType(msg.Method))
			return
		}
		go c.handleRequest(msg)
	case trpc.MethodSubscription:
		if !c.reserveSubscription(msg.ID) {
			c.sendFailure(msg.ID, trpc.ErrBadRequest("duplicate subscription id "+string(msg.ID)), msg.Params.Path, trpc.TypeSubscription)
			return
		}
		go c.handleSubscription(msg)
	case trpc.MethodSubscriptionStop:
		c.stopSubscription(msg.ID)
	default:
		c.sendFailure(msg.ID, trpc.ErrBadRequest("unknown method "+string(msg.Method)), msg.Params.Path, "")
	}
}

func (c *Conn) requestInfo(id jsontext.Value) *trpc.RequestInfo {
	info := c.info
	info.ID = string(id)
	return &info
}

func (c *Conn) registerRequest(id jsontext.Value) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	key := string(id)
	if _, ok := c.requests[key]; ok {
		return false
	}
	c.requests[key] = func() {}
	return true
}

func (c *Conn) handleRequest(msg trpc.IncomingMessage) {
	ctx, cancel := context.WithCancel(c.ctx)
	key := string(msg.ID)
	c.mu.Lock()
	c.requests[key] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.requests, key)
		c.mu.Unlock()
		cancel()
	}()

	resp := c.server.caller.Call(ctx, trpc.Request{
		Path:  msg.Params.Path,
		Type:  trpc.ProcedureType(msg.Method),
		Input: trpc.RawInput(msg.Params.Input),
		Info:  c.requestInfo(msg.ID),
	})
	if resp.Shape != nil {
		c.sendError(msg.ID, *resp.Shape)
		return
	}
	c.sendResult(msg.ID, trpc.ResultData, resp.Result.Data)
}

// reserveSubscription claims id for a starting subscription. It fails when
// the id is already active.
func (c *Conn) reserveSubscription(id jsontext.Value) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	key := string(id)
	if _, ok := c.subs[key]; ok {
		return false
	}
	c.subs[key] = nil
	return true
}

func (c *Conn) handleSubscription(msg trpc.IncomingMessage) {
	key := string(msg.ID)
	resp := c.server.caller.Call(c.ctx, trpc.Request{
		Path:  msg.Params.Path,
		Type:  trpc.TypeSubscription,
		Input: trpc.RawInput(trpc.WithLastEventID(msg.Params.Input, msg.Params.LastEventID)),
		Info:  c.requestInfo(msg.ID),
	})
	if resp.Shape != nil {
		c.mu.Lock()
		delete(c.subs, key)
		c.mu.Unlock()
		c.sendError(msg.ID, *resp.Shape)
		return
	}
	stream := resp.Result.Data.(trpc.Stream)

	c.mu.Lock()
	if _, ok := c.subs[key]; !ok || c.closed {
		// Stopped before it started.
		c.mu.Unlock()
		stream.Close()
		return
	}
	c.subs[key] = stream
	c.mu.Unlock()

	c.sendResult(msg.ID, trpc.ResultStarted, nil)

	for {
		v, err := stream.Recv(c.ctx)
		if err != nil {
			c.finishSubscription(msg, stream, err)
			return
		}
		if ev, ok := v.(trpc.TrackedEvent); ok {
			c.sendJSON(trpc.Envelope{ID: msg.ID, Result: &trpc.ResultPayload{Type: trpc.ResultData, ID: ev.ID, Data: ev}})
			continue
		}
		c.sendResult(msg.ID, trpc.ResultData, v)
	}
}

// finishSubscription handles the end of a subscription's stream. Streams
// stopped by the client or by the connection closing have already been
// removed and acknowledged.
func (c *Conn) finishSubscription(msg trpc.IncomingMessage, stream trpc.Stream, err error) {
	key := string(msg.ID)
	c.mu.Lock()
	active := c.subs[key] == stream
	if active {
		delete(c.subs, key)
	}
	c.mu.Unlock()
	stream.Close()

	if !active || errors.Is(err, trpc.ErrStreamClosed) {
		return
	}
	if errors.Is(err, io.EOF) {
		c.sendResult(msg.ID, trpc.ResultStopped, nil)
		return
	}
	c.server.opts.Logger.Debug().Err(err).Str("path", msg.Params.Path).Msg("subscription failed")
	c.sendFailure(msg.ID, trpc.FromError(err), msg.Params.Path, trpc.TypeSubscription)
}

// stopSubscription closes the subscription with the given id. The stop is
// acknowledged even when the id is unknown or already finished, so a client
// waiting for "stopped" never hangs.
func (c *Conn) stopSubscription(id jsontext.Value) {
	key := string(id)
	c.mu.Lock()
	stream := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	c.sendResult(id, trpc.ResultStopped, nil)
}

func (c *Conn) closeGracefully() {
	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(5*time.Second),
	)
	c.ws.Close()
}

func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	// Cancel all pending requests
	for _, cancel := range c.requests {
		cancel()
	}
	subs := c.subs
	c.subs = make(map[string]trpc.Stream)
	c.mu.Unlock()

	c.cancel()
	for _, s := range subs {
		if s != nil {
			s.Close()
		}
	}
}
