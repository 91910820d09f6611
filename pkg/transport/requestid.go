package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/rhuss/sitehost/pkg/api"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestID returns middleware that assigns a request ID to each Message.
// An ID already on the Message or in the context is kept; otherwise a new
// UUID is generated. The ID is echoed in the X-Request-ID response header.
func RequestID() Middleware {
	return func(next api.Handler) api.Handler {
		return api.HandlerFunc(func(ctx context.Context, msg *api.Message, w api.Responder) error {
			id := msg.RequestID
			if id == "" {
				id = RequestIDFromContext(ctx)
			}
			if id == "" {
				id = NewRequestID()
			}
			msg.RequestID = id
			msg.Header.Set(RequestIDHeader, id)
			return next.ServeMessage(ContextWithRequestID(ctx, id), msg, w)
		})
	}
}

type requestIDKey struct{}

// RequestIDFromContext returns the request ID carried by ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ContextWithRequestID returns a copy of ctx carrying id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// NewRequestID returns a fresh request ID.
func NewRequestID() string {
	return uuid.NewString()
}
