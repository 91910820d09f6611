// Package transport connects the raw request side of a server to the site
// handlers.
//
// A Transport implementation (see pkg/transport/http) turns each inbound
// connection into an api.Request plus an api.ResponseSink and passes both
// to an Exchange. The Exchange, normally the server, dispatches the request
// and answers it through the sink.
//
// # Middleware
//
// Site handlers are wrapped by a middleware chain. Built-in middleware
// provides panic recovery, request ID assignment (X-Request-ID) and
// structured logging via log/slog.
//
// # Connection table
//
// InFlight tracks long-lived connections (event streams and WebSocket
// channels) by connection id so they can be found, counted and torn down
// at shutdown.
package transport
