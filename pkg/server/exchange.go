package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhuss/sitehost/pkg/api"
	"github.com/rhuss/sitehost/pkg/auth"
	"github.com/rhuss/sitehost/pkg/dispatch"
	"github.com/rhuss/sitehost/pkg/events"
	"github.com/rhuss/sitehost/pkg/transport"
)

var _ transport.Exchange = (*Server)(nil)

// ServeExchange is the entry point a Transport calls for every request. It
// holds a worker slot while the request is processed and gives it up when
// the connection is handed to an event stream or a WebSocket channel.
func (s *Server) ServeExchange(ctx context.Context, req api.Request, sink api.ResponseSink) {
	if !s.Running() {
		s.unavailable(ctx, req, sink)
		return
	}

	if err := s.workers.Acquire(ctx, 1); err != nil {
		s.logger.Debug("exchange dropped while waiting for a worker",
			"conn_id", req.ConnectionID(),
			"url", req.URL(),
			"error", err,
		)
		return
	}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { s.workers.Release(1) }) }
	defer release()

	ctx, span := s.tracer.Start(ctx, "sitehost.exchange",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method()),
			attribute.String("url.path", req.URL()),
			attribute.String("sitehost.conn_id", req.ConnectionID()),
		),
	)
	defer span.End()

	res := s.dispatcher.Dispatch(req, sink)
	msg := res.Message
	defer msg.Release()

	span.SetAttributes(attribute.String("sitehost.dispatch", res.Kind.String()))
	if msg.Site != nil {
		span.SetAttributes(attribute.String("sitehost.site", msg.Site.Name))
	}
	if id := msg.Identity(); id != nil {
		ctx = auth.WithToken(ctx, msg.Token)
		span.SetAttributes(attribute.String("sitehost.subject", id.Subject))
	}

	switch res.Kind {
	case dispatch.KindTerminal:
		s.send(msg)
	case dispatch.KindHandled:
	case dispatch.KindMessage:
		s.serveMessage(ctx, msg)
	case dispatch.KindStream:
		s.serveStream(ctx, msg, res.Stream, release)
	case dispatch.KindUpgrade:
		s.serveChannel(ctx, req, msg, release)
	}

	span.SetAttributes(attribute.Int("http.response.status_code", msg.Status))
	if msg.Status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(msg.Status))
	}
}

func (s *Server) unavailable(ctx context.Context, req api.Request, sink api.ResponseSink) {
	msg := api.NewMessage(ctx, sink, req)
	msg.Status = http.StatusServiceUnavailable
	if s.writer == nil {
		sink.SetStatus(msg.Status, "")
		_ = sink.Write(nil, false)
		return
	}
	s.send(msg)
}

func (s *Server) send(msg *api.Message) {
	if err := s.writer.Send(msg); err != nil && !errors.Is(err, api.ErrAlreadyAnswered) {
		s.logger.Warn("response not delivered", "request_id", msg.RequestID, "status", msg.Status, "error", err)
	}
}

// serveMessage runs the site handler. A handler error that left the Message
// unanswered becomes the status of the error; a handler that returned
// without answering gets whatever it put on the Message sent.
func (s *Server) serveMessage(ctx context.Context, msg *api.Message) {
	h := msg.Site.Handler
	if h == nil {
		msg.Status = http.StatusNotFound
		s.send(msg)
		return
	}

	chain := append([]transport.Middleware{
		transport.Recovery(s.logger),
		transport.RequestID(),
		transport.Logging(s.logger),
	}, s.middleware...)

	err := transport.Chain(chain...)(h).ServeMessage(ctx, msg, s.writer)
	if msg.Answered() {
		return
	}
	if err != nil {
		msg.Status = api.StatusFromError(err)
		msg.Response.Close()
		msg.Response = api.Body{}
	}
	s.send(msg)
}

// serveStream offers the subscription to the site's stream handler. Only a
// Handled verdict keeps the stream open; the exchange then waits until the
// stream closes or the request context ends.
func (s *Server) serveStream(ctx context.Context, msg *api.Message, stream *events.Stream, release func()) {
	verdict := api.NotHandled
	if h := msg.Site.StreamHandler; h != nil {
		verdict = h.ServeStream(ctx, msg, stream)
	}

	switch verdict {
	case api.Handled:
		release()
		select {
		case <-stream.Done():
		case <-ctx.Done():
			s.streams.Close(stream)
		}
		return
	case api.Rejected:
		msg.Status = http.StatusForbidden
	default:
		msg.Status = http.StatusNotFound
	}
	s.streams.Close(stream)
	if !msg.Answered() {
		msg.Response = api.Body{}
		s.send(msg)
	}
}

// serveChannel upgrades the connection and runs the channel until it
// closes.
func (s *Server) serveChannel(ctx context.Context, req api.Request, msg *api.Message, release func()) {
	h := msg.Site.ChannelHandler
	if h == nil {
		msg.Status = http.StatusNotFound
		s.send(msg)
		return
	}

	ch, err := s.bridge.Upgrade(req, msg)
	if err != nil {
		msg.Status = api.StatusFromError(err)
		if !msg.Answered() {
			s.send(msg)
		}
		return
	}
	msg.Status = http.StatusSwitchingProtocols
	release()
	s.bridge.Serve(ctx, ch, h)
}
