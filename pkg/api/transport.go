package api

import (
	"context"
	"net/http"
	"os"
	"time"
)

// Request is the raw inbound side of the Transport.
type Request interface {
	Context() context.Context

	// Method returns the verb exactly as received.
	Method() string

	// URL returns the request target (path and query).
	URL() string

	// Header returns the first value of the named header.
	Header(name string) string

	// Headers returns every request header.
	Headers() http.Header

	// RemoteAddr returns the sender address.
	RemoteAddr() string

	// Port returns the local port the request arrived on.
	Port() int

	// ConnectionID returns an opaque id unique among open connections.
	ConnectionID() string

	EntityReader
}

// EntityReader exposes the request entity body as delivered by the
// Transport.
type EntityReader interface {
	// Entity returns the chunks already received and whether more bytes
	// are still arriving.
	Entity() (chunks [][]byte, more bool)

	// ReadEntity reads remaining entity bytes into p. more is false once
	// the entity is exhausted.
	ReadEntity(p []byte) (n int, more bool, err error)
}

// ResponseSink is the response side of the Transport. Headers are committed
// on the first Write, WriteFile or Flush.
type ResponseSink interface {
	SetStatus(code int, reason string)
	SetHeader(name, value string)
	AddHeader(name, value string)

	// Write sends p. more reports whether further data follows.
	Write(p []byte, more bool) error

	// WriteFile streams n bytes from f.
	WriteFile(f *os.File, n int64, more bool) error

	// Flush pushes buffered data to the client.
	Flush(more bool) error

	// Disconnect marks the connection to be closed once the response is
	// complete.
	Disconnect()

	// Reset aborts the connection immediately.
	Reset() error

	// Defer hands completion of the exchange back to the Transport.
	Defer()

	// LastError returns the last transport level error, if any.
	LastError() error
}

// WriteDeadliner is implemented by sinks whose writes can be bounded in
// time. SetWriteDeadline must be safe to call while a Write is blocked; a
// deadline in the past makes the blocked write fail.
type WriteDeadliner interface {
	SetWriteDeadline(t time.Time) error
}
