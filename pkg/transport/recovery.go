package transport

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/rhuss/sitehost/pkg/api"
)

// Recovery returns middleware that catches panics in a site handler and
// converts them to a server error. The caller answers the Message with 500
// unless the handler already answered it.
func Recovery(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next api.Handler) api.Handler {
		return api.HandlerFunc(func(ctx context.Context, msg *api.Message, w api.Responder) (retErr error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic",
						slog.String("request_id", msg.RequestID),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
					retErr = api.NewServerError(fmt.Sprintf("internal server error: %v", r))
				}
			}()
			return next.ServeMessage(ctx, msg, w)
		})
	}
}
