// Package http implements the Transport over net/http: it turns an
// http.Request into an api.Request, exposes the http.ResponseWriter as an
// api.ResponseSink and hands both to a transport.Exchange.
package http

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/rhuss/sitehost/pkg/api"
	"github.com/rhuss/sitehost/pkg/transport"
)

// DefaultEntityPreload is how many body bytes are read before the exchange
// runs. The rest is pulled on demand.
const DefaultEntityPreload = 64 << 10

// Config holds configuration for the HTTP adapter.
type Config struct {
	// Port is reported for requests whose local address is unknown.
	Port int

	// EntityPreload is the number of body bytes read up front.
	EntityPreload int64

	// Fallback serves exchanges the core defers back to the host (status
	// 100). Nil answers them with 404.
	Fallback http.Handler
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Port:          8080,
		EntityPreload: DefaultEntityPreload,
	}
}

// Adapter serves a transport.Exchange over net/http.
type Adapter struct {
	exchange transport.Exchange
	config   Config
	logger   *slog.Logger
}

// NewAdapter creates an HTTP adapter for exchange.
func NewAdapter(exchange transport.Exchange, cfg Config, logger *slog.Logger) *Adapter {
	if cfg.EntityPreload <= 0 {
		cfg.EntityPreload = DefaultEntityPreload
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{exchange: exchange, config: cfg, logger: logger}
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest. The returned handler includes
// HTTP-level middleware for request ID propagation.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(a)
}

// ServeHTTP runs the exchange for one request. A sink reset aborts the
// connection; a deferred exchange goes to the fallback handler.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := newRequest(w, r, a.port(r), a.config.EntityPreload)
	sink := newSink(w)

	a.exchange.ServeExchange(r.Context(), req, sink)

	switch sink.finish() {
	case sinkReset:
		panic(http.ErrAbortHandler)
	case sinkDeferred:
		if a.config.Fallback == nil {
			http.NotFound(w, r)
			return
		}
		r.Body = req.replay()
		a.config.Fallback.ServeHTTP(w, r)
	}
}

func (a *Adapter) port(r *http.Request) int {
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		if tcp, ok := addr.(*net.TCPAddr); ok {
			return tcp.Port
		}
	}
	return a.config.Port
}

// httpRequestIDMiddleware propagates the X-Request-ID header into the
// context and echoes it on the response before the first write.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(transport.RequestIDHeader); id != "" {
			ctx := transport.ContextWithRequestID(r.Context(), id)
			r = r.WithContext(ctx)
		}
		rw := &requestIDResponseWriter{ResponseWriter: w, r: r}
		next.ServeHTTP(rw, r)
	})
}

// requestIDResponseWriter wraps http.ResponseWriter to inject the
// X-Request-ID header before the first write.
type requestIDResponseWriter struct {
	http.ResponseWriter
	r           *http.Request
	headersSent bool
}

func (w *requestIDResponseWriter) WriteHeader(statusCode int) {
	w.ensureRequestIDHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *requestIDResponseWriter) Write(b []byte) (int, error) {
	w.ensureRequestIDHeader()
	return w.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter for
// http.NewResponseController, which reaches Flush and Hijack through it.
func (w *requestIDResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack hands the connection to a WebSocket upgrade.
func (w *requestIDResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (w *requestIDResponseWriter) ensureRequestIDHeader() {
	if w.headersSent {
		return
	}
	w.headersSent = true
	if w.ResponseWriter.Header().Get(transport.RequestIDHeader) != "" {
		return
	}
	if id := transport.RequestIDFromContext(w.r.Context()); id != "" {
		w.ResponseWriter.Header().Set(transport.RequestIDHeader, id)
	}
}

type connIDKey struct{}

// connContext tags every accepted connection with an opaque id. Use it as
// http.Server.ConnContext.
func connContext(ctx context.Context, _ net.Conn) context.Context {
	return context.WithValue(ctx, connIDKey{}, api.NewConnectionID())
}

// connectionID returns the id of the connection r arrived on. HTTP/2
// multiplexes requests over one connection, so those get their own id.
func connectionID(r *http.Request) string {
	if r.ProtoMajor < 2 {
		if id, ok := r.Context().Value(connIDKey{}).(string); ok {
			return id
		}
	}
	return api.NewConnectionID()
}

// replayBody yields the preloaded bytes followed by the unread remainder.
type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error { return b.closer.Close() }

func newReplayBody(preloaded [][]byte, rest io.ReadCloser) io.ReadCloser {
	readers := make([]io.Reader, 0, len(preloaded)+1)
	for _, c := range preloaded {
		readers = append(readers, bytes.NewReader(c))
	}
	readers = append(readers, rest)
	return &replayBody{Reader: io.MultiReader(readers...), closer: rest}
}
