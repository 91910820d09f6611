package api

import "context"

// Verdict is a site handler's answer to an event stream subscription. It
// makes ownership of the stream explicit: only a Handled stream stays open
// after the handler returns.
type Verdict int

const (
	// NotHandled means the handler does not serve this route. The stream is
	// closed and the request answered with 404.
	NotHandled Verdict = iota

	// Handled means the handler initialized the stream and keeps pushing to
	// it. The core owns closing it.
	Handled

	// Rejected means the subscription is refused. The stream is closed and
	// the request answered with 403.
	Rejected
)

func (v Verdict) String() string {
	switch v {
	case Handled:
		return "handled"
	case Rejected:
		return "rejected"
	default:
		return "not_handled"
	}
}

// Responder answers a Message.
type Responder interface {
	Send(msg *Message) error
	SendChunk(msg *Message, final bool) error
}

// Stream is an open Server-Sent-Event push stream.
type Stream interface {
	ID() string

	// Init establishes the stream with the client.
	Init() error

	// Send pushes one data frame. more=false sends the terminal frame and
	// closes the connection.
	Send(payload []byte, more bool) error

	// SendEvent pushes one named event frame.
	SendEvent(name string, data []byte) error

	// Close ends the stream. It is idempotent.
	Close()
}

// Channel is an upgraded WebSocket connection.
type Channel interface {
	ID() string
	Send(messageType int, data []byte) error
	Close() error
}

// Handler serves ordinary request/response exchanges for a site.
type Handler interface {
	ServeMessage(ctx context.Context, msg *Message, w Responder) error
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message, w Responder) error

// ServeMessage calls f(ctx, msg, w).
func (f HandlerFunc) ServeMessage(ctx context.Context, msg *Message, w Responder) error {
	return f(ctx, msg, w)
}

// StreamHandler approves or denies an event stream subscription.
type StreamHandler interface {
	ServeStream(ctx context.Context, msg *Message, s Stream) Verdict
}

// StreamHandlerFunc adapts an ordinary function to StreamHandler.
type StreamHandlerFunc func(ctx context.Context, msg *Message, s Stream) Verdict

// ServeStream calls f(ctx, msg, s).
func (f StreamHandlerFunc) ServeStream(ctx context.Context, msg *Message, s Stream) Verdict {
	return f(ctx, msg, s)
}

// ChannelHandler receives the messages read from a WebSocket channel.
// Returning an error closes the channel.
type ChannelHandler interface {
	ServeChannel(ctx context.Context, ch Channel, messageType int, data []byte) error
}

// ChannelHandlerFunc adapts an ordinary function to ChannelHandler.
type ChannelHandlerFunc func(ctx context.Context, ch Channel, messageType int, data []byte) error

// ServeChannel calls f(ctx, ch, messageType, data).
func (f ChannelHandlerFunc) ServeChannel(ctx context.Context, ch Channel, messageType int, data []byte) error {
	return f(ctx, ch, messageType, data)
}
