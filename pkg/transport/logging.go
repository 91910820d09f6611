package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/sitehost/pkg/api"
)

// Logging returns middleware that emits one structured log entry per
// handled Message with verb, path, site, final status and duration.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next api.Handler) api.Handler {
		return api.HandlerFunc(func(ctx context.Context, msg *api.Message, w api.Responder) error {
			start := time.Now()

			err := next.ServeMessage(ctx, msg, w)

			attrs := []slog.Attr{
				slog.String("request_id", msg.RequestID),
				slog.String("verb", msg.Verb.String()),
				slog.String("path", msg.Path),
				slog.Int("status", msg.Status),
				slog.Duration("duration", time.Since(start)),
			}
			if msg.Site != nil {
				attrs = append(attrs, slog.String("site", msg.Site.Name))
			}

			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelError, "request failed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelInfo, "request completed", attrs...)
			}
			return err
		})
	}
}
