package dispatch

import (
	"context"

	"github.com/mattjoyce/taproom/internal/protocol"
)

type requestKey struct{}

// WithRequest returns ctx carrying req as the current request.
func WithRequest(ctx context.Context, req *protocol.Request) context.Context {
	return context.WithValue(ctx, requestKey{}, req)
}

// RequestFromContext returns the request being processed, if any. Commands
// use it to link requests they create to their parent.
func RequestFromContext(ctx context.Context) (*protocol.Request, bool) {
	req, ok := ctx.Value(requestKey{}).(*protocol.Request)
	return req, ok && req != nil
}
