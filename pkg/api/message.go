package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rhuss/sitehost/pkg/auth"
)

// KnownHeaders holds the request headers the dispatcher extracts up front.
type KnownHeaders struct {
	ContentType     string
	ContentLength   int64 // -1 when absent or malformed
	AcceptEncoding  string
	Accept          string
	Cookie          string
	Authorization   string
	IfModifiedSince string
	Referrer        string
	Upgrade         string
	Connection      string
}

// Message is the canonical form of one exchange. It carries the parsed
// request and accumulates the response. A Message is owned by the goroutine
// processing the request until it is answered.
type Message struct {
	Verb       Verb
	Method     string // verb as received, before tunneling
	URL        string
	Path       string
	Query      string
	Headers    KnownHeaders
	Unknown    http.Header
	Cookies    map[string]string
	RemoteAddr string
	ConnID     string
	RequestID  string

	Site  *Site
	Route string

	// Body holds the request entity received so far. BodyPending is true
	// while the Transport still has bytes to deliver; ReadRemaining pulls
	// them.
	Body        []byte
	BodyPending bool

	// Token is the scoped identity of the authenticated caller, if any.
	Token *auth.Token

	Status      int
	Reason      string
	ContentType string
	Header      http.Header
	SetCookies  []*Cookie
	Response    Body

	// ChunkCount is zero for whole responses. The first chunk sets it to 1
	// and every further chunk increments it.
	ChunkCount int

	// Sink is the Transport response side the Message is answered through.
	Sink ResponseSink

	entity      EntityReader
	answered    bool
	writerState any
	ctx         context.Context
	received    time.Time
}

// NewMessage returns an empty Message bound to sink and the entity of the
// request it was built from.
func NewMessage(ctx context.Context, sink ResponseSink, entity EntityReader) *Message {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Message{
		Header:   make(http.Header),
		Unknown:  make(http.Header),
		Cookies:  make(map[string]string),
		Sink:     sink,
		entity:   entity,
		ctx:      ctx,
		received: time.Now(),
		Headers:  KnownHeaders{ContentLength: -1},
	}
}

// Context returns the request context.
func (m *Message) Context() context.Context {
	return m.ctx
}

// Received returns the time the Message was created.
func (m *Message) Received() time.Time {
	return m.received
}

// Answered reports whether the response has been completed.
func (m *Message) Answered() bool {
	return m.answered
}

// MarkAnswered completes the Message. It returns false if the Message was
// already answered.
func (m *Message) MarkAnswered() bool {
	if m.answered {
		return false
	}
	m.answered = true
	return true
}

// WriterState returns the framing state kept by the response writer
// between chunks.
func (m *Message) WriterState() any {
	return m.writerState
}

// SetWriterState stores framing state for the response writer.
func (m *Message) SetWriterState(v any) {
	m.writerState = v
}

// SetCookie queues an outgoing cookie.
func (m *Message) SetCookie(c *Cookie) {
	m.SetCookies = append(m.SetCookies, c)
}

// Identity returns the authenticated identity, or nil.
func (m *Message) Identity() *auth.Identity {
	return m.Token.Identity()
}

// Release drops the identity token. Safe to call on every exit path.
func (m *Message) Release() {
	m.Token.Release()
}

// ReadRemaining pulls pending entity bytes from the Transport into Body,
// stopping at limit total bytes (0 means no limit). A body that would grow
// past limit yields a too-large error.
func (m *Message) ReadRemaining(limit int64) error {
	if !m.BodyPending || m.entity == nil {
		return nil
	}
	buf := make([]byte, 32<<10)
	for {
		if err := m.ctx.Err(); err != nil {
			return err
		}
		n, more, err := m.entity.ReadEntity(buf)
		if n > 0 {
			if limit > 0 && int64(len(m.Body)+n) > limit {
				m.BodyPending = false
				return NewTooLargeError("request body exceeds limit")
			}
			m.Body = append(m.Body, buf[:n]...)
		}
		if err != nil {
			m.BodyPending = false
			return err
		}
		if !more {
			m.BodyPending = false
			return nil
		}
	}
}
