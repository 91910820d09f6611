package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure by how the core reacts to it.
type ErrorKind string

const (
	// ErrorKindProtocol covers malformed verbs and headers. Surfaced as a
	// synthesized terminal response.
	ErrorKindProtocol ErrorKind = "protocol_error"

	// ErrorKindAuthentication means the credentials were missing or
	// rejected. The challenge has already been sent when it is reported.
	ErrorKindAuthentication ErrorKind = "authentication_failure"

	// ErrorKindTooLarge means a request or response body exceeded a cap.
	ErrorKindTooLarge ErrorKind = "resource_too_large"

	// ErrorKindTransportWrite is a failed write to the Transport. It is
	// logged and the connection is left to the Transport.
	ErrorKindTransportWrite ErrorKind = "transport_write_failure"

	// ErrorKindConfiguration stops the server from starting.
	ErrorKindConfiguration ErrorKind = "configuration_error"

	// ErrorKindProgrammer flags misuse such as answering a Message twice.
	ErrorKindProgrammer ErrorKind = "programmer_error"

	ErrorKindNotFound    ErrorKind = "not_found"
	ErrorKindRateLimited ErrorKind = "rate_limited"
	ErrorKindServer      ErrorKind = "server_error"
)

// Error is a classified failure carrying the status code it maps to.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Sentinel errors.
var (
	ErrAlreadyAnswered = errors.New("message already answered")
	ErrStreamClosed    = errors.New("event stream closed")
	ErrChannelClosed   = errors.New("websocket channel closed")
	ErrNotRunning      = errors.New("server not running")
	ErrNotInitialized  = errors.New("server not initialized")
)

// NewProtocolError creates an Error for malformed or unsupported requests.
// The status is usually 400 or 501.
func NewProtocolError(status int, message string) *Error {
	return &Error{Kind: ErrorKindProtocol, Status: status, Message: message}
}

// NewAuthenticationError creates an Error for rejected credentials.
func NewAuthenticationError(message string, err error) *Error {
	return &Error{Kind: ErrorKindAuthentication, Status: http.StatusUnauthorized, Message: message, Err: err}
}

// NewTooLargeError creates an Error for bodies above a size cap.
func NewTooLargeError(message string) *Error {
	return &Error{Kind: ErrorKindTooLarge, Status: http.StatusRequestEntityTooLarge, Message: message}
}

// NewTransportWriteError wraps a failed Transport write.
func NewTransportWriteError(err error) *Error {
	return &Error{Kind: ErrorKindTransportWrite, Status: http.StatusInternalServerError, Message: "transport write failed", Err: err}
}

// NewConfigurationError wraps a configuration problem.
func NewConfigurationError(message string, err error) *Error {
	return &Error{Kind: ErrorKindConfiguration, Status: http.StatusInternalServerError, Message: message, Err: err}
}

// NewNotFoundError creates an Error for requests no site matches.
func NewNotFoundError(message string) *Error {
	return &Error{Kind: ErrorKindNotFound, Status: http.StatusNotFound, Message: message}
}

// NewRateLimitedError creates an Error for senders over their limit.
func NewRateLimitedError(message string) *Error {
	return &Error{Kind: ErrorKindRateLimited, Status: http.StatusTooManyRequests, Message: message}
}

// NewServerError creates an Error for internal failures.
func NewServerError(message string) *Error {
	return &Error{Kind: ErrorKindServer, Status: http.StatusInternalServerError, Message: message}
}

// StatusFromError maps any error to the status code reported to the client.
// Unclassified errors map to 500.
func StatusFromError(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}
