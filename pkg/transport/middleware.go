package transport

import "github.com/rhuss/sitehost/pkg/api"

// Middleware wraps a site Handler.
type Middleware func(api.Handler) api.Handler

// Chain composes middleware so that Chain(a, b, c)(h) is a(b(c(h))): the
// first middleware sees the Message first. Nil entries are skipped.
func Chain(middlewares ...Middleware) Middleware {
	return func(next api.Handler) api.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			if middlewares[i] != nil {
				next = middlewares[i](next)
			}
		}
		return next
	}
}
