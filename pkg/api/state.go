package api

import "fmt"

// StreamState is the lifecycle state of an event stream.
type StreamState string

const (
	StreamSubscribed  StreamState = "subscribed"
	StreamInitialized StreamState = "initialized"
	StreamStreaming   StreamState = "streaming"
	StreamClosing     StreamState = "closing"
	StreamClosed      StreamState = "closed"
)

// ServerState is the lifecycle state of the server.
type ServerState string

const (
	ServerUninitialized ServerState = "uninitialized"
	ServerInitialized   ServerState = "initialized"
	ServerRunning       ServerState = "running"
	ServerStopping      ServerState = "stopping"
	ServerStopped       ServerState = "stopped"
)

// ValidateStreamTransition checks whether an event stream state transition
// is valid. Closed is terminal.
func ValidateStreamTransition(from, to StreamState) error {
	valid := map[StreamState][]StreamState{
		StreamSubscribed:  {StreamInitialized, StreamClosing},
		StreamInitialized: {StreamStreaming, StreamClosing},
		StreamStreaming:   {StreamStreaming, StreamClosing},
		StreamClosing:     {StreamClosed},
		StreamClosed:      {},
	}
	return validateTransition(valid, from, to)
}

// ValidateServerTransition checks whether a server lifecycle transition is
// valid. A stopped server may be initialized again.
func ValidateServerTransition(from, to ServerState) error {
	valid := map[ServerState][]ServerState{
		ServerUninitialized: {ServerInitialized},
		ServerInitialized:   {ServerRunning, ServerStopped},
		ServerRunning:       {ServerStopping},
		ServerStopping:      {ServerStopped},
		ServerStopped:       {ServerInitialized},
	}
	return validateTransition(valid, from, to)
}

func validateTransition[S ~string](valid map[S][]S, from, to S) error {
	allowed, exists := valid[from]
	if !exists {
		return &Error{Kind: ErrorKindProgrammer, Message: fmt.Sprintf("invalid transition from %s to %s", from, to)}
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return &Error{Kind: ErrorKindProgrammer, Message: fmt.Sprintf("invalid transition from %s to %s", from, to)}
}
