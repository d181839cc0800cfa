package trpc

import (
	"context"
	"maps"
	"net/http"
)

// Ctx is the per-call context threaded through the middleware chain.
// A Ctx is treated as immutable: middlewares hand patches to next and the
// executor builds a new map for the downstream steps.
type Ctx map[string]any

// Merge returns a new Ctx holding c overlaid with patch. Neither map is
// modified.
func (c Ctx) Merge(patch Ctx) Ctx {
	out := make(Ctx, len(c)+len(patch))
	maps.Copy(out, c)
	maps.Copy(out, patch)
	return out
}

// Get returns the value for key, converted to T.
func Get[T any](c Ctx, key string) (T, bool) {
	v, ok := c[key].(T)
	return v, ok
}

// RequestInfo describes the transport-level request a call arrived on.
// It is handed to the context factory.
type RequestInfo struct {
	ID           string            // Request ID for correlation
	Transport    string            // "http", "ws" or "local"
	ConnectionID string            // Set by connection-oriented transports
	Header       http.Header       // Incoming headers when available
	RemoteAddr   string            // Remote address when available
	Params       map[string]string // Connection params sent by the client
	IsBatch      bool
}

type contextKey int

const (
	requestInfoKey contextKey = iota
	callInfoKey
)

// CallInfo identifies the procedure currently being executed.
type CallInfo struct {
	Path string
	Type ProcedureType
}

// RequestInfoFromContext returns the RequestInfo from the context.
// Returns nil if not present.
func RequestInfoFromContext(ctx context.Context) *RequestInfo {
	if info, ok := ctx.Value(requestInfoKey).(*RequestInfo); ok {
		return info
	}
	return nil
}

// CallInfoFromContext returns the CallInfo from the context.
// Returns nil if not present.
func CallInfoFromContext(ctx context.Context) *CallInfo {
	if info, ok := ctx.Value(callInfoKey).(*CallInfo); ok {
		return info
	}
	return nil
}

// WithRequestInfo returns a context carrying the given request info.
func WithRequestInfo(ctx context.Context, info *RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey, info)
}

func withCallInfo(ctx context.Context, info *CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey, info)
}
