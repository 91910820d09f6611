// Package response serializes answered Messages back through the Transport.
//
// The Writer resolves the content type, applies the Server header policy,
// materializes cookies under the site's cookie policy, optionally gzips the
// body and picks the framing: Content-Length for whole responses, chunked
// transfer for responses sent with SendChunk and for compressed file bodies.
package response

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/rhuss/sitehost/pkg/api"
)

// DefaultContentType is used when neither the Message nor its headers name
// one.
const DefaultContentType = "application/octet-stream"

// StatusContinueUpstream asks the Transport to finish the exchange itself.
const StatusContinueUpstream = http.StatusContinue

// Writer implements api.Responder. It is safe for concurrent use on
// different Messages; one Message must not be written from two goroutines.
type Writer struct {
	server api.ServerHeaderPolicy
	logger *slog.Logger
	now    func() time.Time
	level  int
}

// Option configures a Writer.
type Option func(*Writer)

// WithServerHeader sets the Server header policy.
func WithServerHeader(p api.ServerHeaderPolicy) Option {
	return func(w *Writer) { w.server = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithClock replaces time.Now for cookie expiry and Date headers.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithGzipLevel sets the compression level. Zero keeps the default.
func WithGzipLevel(level int) Option {
	return func(w *Writer) { w.level = level }
}

// New returns a Writer.
func New(opts ...Option) *Writer {
	w := &Writer{
		logger: slog.Default(),
		now:    time.Now,
		level:  gzip.DefaultCompression,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

var _ api.Responder = (*Writer)(nil)

// chunkState is kept on the Message between SendChunk calls.
type chunkState struct {
	gz *gzip.Writer
}

// Send writes msg as one complete response and marks it answered. Sending
// an answered Message returns api.ErrAlreadyAnswered and writes nothing.
// A Message already in chunked mode is finished with its current body.
func (w *Writer) Send(msg *api.Message) error {
	if msg.Answered() {
		w.logger.Debug("send on answered message ignored", "request_id", msg.RequestID, "status", msg.Status)
		return api.ErrAlreadyAnswered
	}
	if msg.ChunkCount > 0 {
		return w.SendChunk(msg, true)
	}
	defer msg.Response.Close()

	if msg.Status == StatusContinueUpstream {
		msg.MarkAnswered()
		msg.Sink.Defer()
		return nil
	}
	if msg.Status == 0 {
		msg.Status = http.StatusOK
	}

	w.capFileBody(msg)

	compress := w.compress(msg) && msg.Response.Len() > 0
	var err error
	switch msg.Response.Kind() {
	case api.BodyFile:
		err = w.sendFile(msg, compress)
	case api.BodyParts:
		err = w.sendParts(msg, compress)
	default:
		err = w.sendBytes(msg, compress)
	}

	msg.MarkAnswered()
	w.finish(msg, err)
	return err
}

// SendChunk writes the current body of msg as the next chunk. The first
// chunk emits the headers; later chunks reuse the open framing. final marks
// the Message answered.
func (w *Writer) SendChunk(msg *api.Message, final bool) error {
	if msg.Answered() {
		w.logger.Debug("chunk on answered message ignored", "request_id", msg.RequestID, "chunk", msg.ChunkCount)
		return api.ErrAlreadyAnswered
	}
	defer func() {
		msg.Response.Close()
		msg.Response = api.Body{}
	}()

	// Headers are not out yet, so an oversized file can still be refused
	// with a complete 413.
	if msg.ChunkCount == 0 && w.capFileBody(msg) {
		err := w.sendBytes(msg, false)
		msg.MarkAnswered()
		w.finish(msg, err)
		if err != nil {
			return err
		}
		return api.NewTooLargeError("file body too large")
	}

	state, _ := msg.WriterState().(*chunkState)
	if msg.ChunkCount == 0 {
		if msg.Status == 0 {
			msg.Status = http.StatusOK
		}
		compress := w.compress(msg)
		w.emitHeaders(msg, -1, compress)
		state = &chunkState{}
		if compress {
			state.gz, _ = gzip.NewWriterLevel(&sinkWriter{sink: msg.Sink}, w.level)
		}
		msg.SetWriterState(state)
		msg.ChunkCount = 1
	} else {
		msg.ChunkCount++
	}

	err := w.writeChunk(msg, state, final)
	if final {
		msg.MarkAnswered()
		msg.SetWriterState(nil)
		w.finish(msg, err)
	}
	return err
}

// capFileBody replaces a file body at or above api.MaxFileBody by an empty
// 413 response. It reports whether it did.
func (w *Writer) capFileBody(msg *api.Message) bool {
	if msg.Response.Kind() != api.BodyFile {
		return false
	}
	_, size := msg.Response.File()
	if size < api.MaxFileBody {
		return false
	}
	w.logger.Warn("file body too large", "request_id", msg.RequestID, "size", size)
	msg.Response.Close()
	msg.Response = api.Body{}
	msg.Status = http.StatusRequestEntityTooLarge
	msg.Reason = ""
	return true
}

func (w *Writer) writeChunk(msg *api.Message, state *chunkState, final bool) error {
	sink := msg.Sink
	if state != nil && state.gz != nil {
		if err := copyBody(state.gz, &msg.Response); err != nil {
			return api.NewTransportWriteError(err)
		}
		var err error
		if final {
			err = state.gz.Close()
		} else {
			err = state.gz.Flush()
		}
		if err != nil {
			return api.NewTransportWriteError(err)
		}
		if err := sink.Flush(!final); err != nil {
			return api.NewTransportWriteError(err)
		}
		return nil
	}

	switch msg.Response.Kind() {
	case api.BodyFile:
		f, size := msg.Response.File()
		if err := sink.WriteFile(f, size, !final); err != nil {
			return api.NewTransportWriteError(err)
		}
	case api.BodyParts:
		for _, p := range msg.Response.Parts() {
			if err := sink.Write(p, true); err != nil {
				return api.NewTransportWriteError(err)
			}
		}
		if final {
			if err := sink.Write(nil, false); err != nil {
				return api.NewTransportWriteError(err)
			}
		}
	default:
		if err := sink.Write(msg.Response.Bytes(), !final); err != nil {
			return api.NewTransportWriteError(err)
		}
	}
	if err := sink.Flush(!final); err != nil {
		return api.NewTransportWriteError(err)
	}
	return nil
}

func (w *Writer) sendBytes(msg *api.Message, compress bool) error {
	data := msg.Response.Bytes()
	if compress {
		var err error
		if data, err = w.gzipBytes([][]byte{data}); err != nil {
			return err
		}
	}
	w.emitHeaders(msg, int64(len(data)), compress)
	if err := msg.Sink.Write(data, false); err != nil {
		return api.NewTransportWriteError(err)
	}
	return nil
}

func (w *Writer) sendParts(msg *api.Message, compress bool) error {
	parts := msg.Response.Parts()
	if compress {
		data, err := w.gzipBytes(parts)
		if err != nil {
			return err
		}
		parts = [][]byte{data}
	}
	var total int64
	for _, p := range parts {
		total += int64(len(p))
	}
	w.emitHeaders(msg, total, compress)

	var sent int64
	for _, p := range parts {
		sent += int64(len(p))
		if err := msg.Sink.Write(p, sent < total); err != nil {
			return api.NewTransportWriteError(err)
		}
	}
	if len(parts) == 0 {
		if err := msg.Sink.Write(nil, false); err != nil {
			return api.NewTransportWriteError(err)
		}
	}
	return nil
}

// sendFile streams a file body. Compressed files are sent chunked since the
// compressed size is unknown up front.
func (w *Writer) sendFile(msg *api.Message, compress bool) error {
	f, size := msg.Response.File()
	if !compress {
		w.emitHeaders(msg, size, false)
		if err := msg.Sink.WriteFile(f, size, false); err != nil {
			return api.NewTransportWriteError(err)
		}
		return nil
	}

	w.emitHeaders(msg, -1, true)
	gz, err := gzip.NewWriterLevel(&sinkWriter{sink: msg.Sink}, w.level)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(gz, f, size); err != nil && !errors.Is(err, io.EOF) {
		return api.NewTransportWriteError(err)
	}
	if err := gz.Close(); err != nil {
		return api.NewTransportWriteError(err)
	}
	if err := msg.Sink.Flush(false); err != nil {
		return api.NewTransportWriteError(err)
	}
	return nil
}

// finish flushes and logs error responses and failed writes.
func (w *Writer) finish(msg *api.Message, err error) {
	if msg.Status >= http.StatusBadRequest {
		if ferr := msg.Sink.Flush(false); ferr != nil && err == nil {
			err = ferr
		}
		attrs := []any{"request_id", msg.RequestID, "status", msg.Status, "path", msg.Path}
		if last := msg.Sink.LastError(); last != nil {
			attrs = append(attrs, "transport_error", last)
		}
		w.logger.Info("error response sent", attrs...)
	}
	if err != nil {
		w.logger.Warn("response write failed", "request_id", msg.RequestID, "error", err, "transport_error", msg.Sink.LastError())
	}
}

// compress reports whether the response is gzipped: the site enables
// compression and the client accepts gzip.
func (w *Writer) compress(msg *api.Message) bool {
	if msg.Site == nil || !msg.Site.Compression {
		return false
	}
	if msg.Status == http.StatusNoContent || msg.Status == http.StatusNotModified {
		return false
	}
	if w.contentType(msg) == "text/event-stream" {
		return false
	}
	return acceptsGzip(msg.Headers.AcceptEncoding)
}

func acceptsGzip(acceptEncoding string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "gzip") {
			continue
		}
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}

func (w *Writer) contentType(msg *api.Message) string {
	if msg.ContentType != "" {
		return msg.ContentType
	}
	if ct := msg.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return DefaultContentType
}

// emitHeaders writes the status line and every header. length < 0 selects
// chunked framing.
func (w *Writer) emitHeaders(msg *api.Message, length int64, compress bool) {
	sink := msg.Sink
	sink.SetStatus(msg.Status, msg.Reason)

	for name, values := range msg.Header {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Type", "Content-Length", "Content-Encoding", "Transfer-Encoding", "Server":
			continue
		}
		for i, v := range values {
			if i == 0 {
				sink.SetHeader(name, v)
			} else {
				sink.AddHeader(name, v)
			}
		}
	}

	if value, ok := w.server.Value(); ok {
		sink.SetHeader("Server", value)
	}

	bodyless := msg.Status == http.StatusNoContent || msg.Status == http.StatusNotModified
	if !bodyless {
		sink.SetHeader("Content-Type", w.contentType(msg))
	}

	var policy api.CookiePolicy
	if msg.Site != nil {
		policy = msg.Site.Cookies
	}
	now := w.now()
	for _, c := range msg.SetCookies {
		if v := policy.Apply(c, now).String(); v != "" {
			sink.AddHeader("Set-Cookie", v)
		}
	}

	if msg.Status == http.StatusUnauthorized {
		if msg.Header.Get("WWW-Authenticate") == "" {
			var auth api.AuthPolicy
			if msg.Site != nil {
				auth = msg.Site.Auth
			}
			sink.SetHeader("WWW-Authenticate", auth.Challenge())
		}
		sink.SetHeader("Date", now.UTC().Format(http.TimeFormat))
	}

	if compress {
		sink.SetHeader("Content-Encoding", "gzip")
		sink.AddHeader("Vary", "Accept-Encoding")
	}

	switch {
	case length < 0:
		sink.SetHeader("Transfer-Encoding", "chunked")
	case !bodyless:
		sink.SetHeader("Content-Length", strconv.FormatInt(length, 10))
	}
}

func (w *Writer) gzipBytes(parts [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, w.level)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		if _, err := gz.Write(p); err != nil {
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func copyBody(dst io.Writer, b *api.Body) error {
	switch b.Kind() {
	case api.BodyBytes:
		_, err := dst.Write(b.Bytes())
		return err
	case api.BodyParts:
		for _, p := range b.Parts() {
			if _, err := dst.Write(p); err != nil {
				return err
			}
		}
	case api.BodyFile:
		f, size := b.File()
		if _, err := io.CopyN(dst, f, size); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	return nil
}

// sinkWriter adapts a ResponseSink to io.Writer for the gzip stream. Every
// write announces that more data follows; the caller ends with Flush(false).
type sinkWriter struct {
	sink api.ResponseSink
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	if err := s.sink.Write(p, true); err != nil {
		return 0, err
	}
	return len(p), nil
}
