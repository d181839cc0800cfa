package trpc

import "context"

// WithTestRequest returns a context carrying a minimal RequestInfo with the
// given ID. It is intended for tests that call procedures or interceptors
// directly, without a transport.
func WithTestRequest(ctx context.Context, id string) context.Context {
	return WithRequestInfo(ctx, &RequestInfo{ID: id, Transport: "test"})
}
