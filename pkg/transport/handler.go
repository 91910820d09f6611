package transport

import (
	"context"

	"github.com/rhuss/sitehost/pkg/api"
)

// Exchange processes one request delivered by a Transport. It owns the
// sink until it returns; an Exchange that hands the connection to a
// long-lived stream returns only once that stream is closed.
type Exchange interface {
	ServeExchange(ctx context.Context, req api.Request, sink api.ResponseSink)
}

// ExchangeFunc is an adapter that allows using an ordinary function as an
// Exchange.
type ExchangeFunc func(ctx context.Context, req api.Request, sink api.ResponseSink)

// ServeExchange calls f(ctx, req, sink).
func (f ExchangeFunc) ServeExchange(ctx context.Context, req api.Request, sink api.ResponseSink) {
	f(ctx, req, sink)
}
