package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rhuss/sitehost/pkg/api"
	"github.com/rhuss/sitehost/pkg/auth"
	"github.com/rhuss/sitehost/pkg/observability"
)

// Stream is one open Server-Sent-Event connection. Sends are serialized by
// the stream's own lock; different streams never contend.
type Stream struct {
	id       string
	site     *api.Site
	identity *auth.Identity
	baseURL  string
	msg      *api.Message

	mgr    *Manager
	logger *slog.Logger

	mu    sync.Mutex
	state api.StreamState

	// aborted is set without the lock so that a writer blocked on a
	// stalled peer can be failed.
	aborted atomic.Bool
	unhook  func()

	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
}

var _ api.Stream = (*Stream)(nil)

// ID returns the connection id the stream is keyed by.
func (s *Stream) ID() string { return s.id }

// Site returns the owning site.
func (s *Stream) Site() *api.Site { return s.site }

// Identity returns the subscriber identity captured at subscription, or nil.
func (s *Stream) Identity() *auth.Identity { return s.identity }

// BaseURL returns the base URL of the owning site.
func (s *Stream) BaseURL() string { return s.baseURL }

// Message returns the Message the stream answers.
func (s *Stream) Message() *api.Message { return s.msg }

// Done is closed once the stream is closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Stream) State() api.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChunkCount returns the number of chunks written on the stream.
func (s *Stream) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msg.ChunkCount
}

// Init establishes the stream: response buffering and caching are disabled
// and a leading comment frame is written. The chunk count becomes 1.
func (s *Stream) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := api.ValidateStreamTransition(s.state, api.StreamInitialized); err != nil {
		return err
	}

	msg := s.msg
	msg.Status = 200
	msg.ContentType = "text/event-stream"
	msg.Header.Set("Cache-Control", "no-cache")
	msg.Header.Set("X-Accel-Buffering", "no")
	msg.Response.SetBytes([]byte(openFrame))

	s.armDeadline()
	if err := s.mgr.writer.SendChunk(msg, false); err != nil {
		return err
	}
	s.state = api.StreamInitialized
	s.logger.Debug("event stream initialized")
	return nil
}

// Send pushes one data frame. more=false sends it as the terminal frame and
// closes the stream right after.
func (s *Stream) Send(payload []byte, more bool) error {
	if err := s.write(frame("", payload), !more, "data"); err != nil {
		return err
	}
	if !more {
		s.mgr.Close(s)
	}
	return nil
}

// SendEvent pushes one named event frame.
func (s *Stream) SendEvent(name string, data []byte) error {
	return s.write(frame(name, data), false, "event")
}

// Close ends the stream. It is idempotent.
func (s *Stream) Close() {
	s.mgr.Close(s)
}

func (s *Stream) write(p []byte, final bool, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(p, final, kind)
}

func (s *Stream) writeLocked(p []byte, final bool, kind string) error {
	if s.state != api.StreamInitialized && s.state != api.StreamStreaming {
		return api.ErrStreamClosed
	}
	if s.aborted.Load() {
		return api.ErrStreamClosed
	}
	s.armDeadline()
	s.msg.Response.SetBytes(p)
	if err := s.mgr.writer.SendChunk(s.msg, final); err != nil {
		return err
	}
	s.state = api.StreamStreaming
	observability.FramesSentTotal.WithLabelValues(kind).Inc()
	return nil
}

// keepAlive writes a comment frame. It reports false when the write failed
// and the stream should be dropped.
func (s *Stream) keepAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != api.StreamInitialized && s.state != api.StreamStreaming {
		return true
	}
	return s.writeLocked([]byte(keepAliveFrame), false, "keepalive") == nil
}

// finish moves the stream through Closing to Closed and releases the
// connection: a clean end of the chunked response marks it for disconnect,
// a failed one resets it. A stream that was never initialized leaves the
// Message untouched for the caller to answer.
func (s *Stream) finish() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		initialized := s.state == api.StreamInitialized || s.state == api.StreamStreaming
		s.state = api.StreamClosing

		if initialized {
			msg := s.msg
			var err error
			switch {
			case s.aborted.Load():
				err = api.ErrStreamClosed
			case !msg.Answered():
				msg.Response = api.Body{}
				s.armDeadline()
				err = s.mgr.writer.SendChunk(msg, true)
			}
			if err == nil {
				msg.Sink.Disconnect()
			} else if rerr := msg.Sink.Reset(); rerr != nil {
				s.logger.Warn("event stream reset failed", "error", rerr)
			}
		}

		s.state = api.StreamClosed
		s.mu.Unlock()

		s.release()
		s.logger.Debug("event stream closed")
	})
}

// armDeadline bounds the next write by the manager's write timeout.
func (s *Stream) armDeadline() {
	if s.mgr.writeTimeout <= 0 {
		return
	}
	if dl, ok := s.msg.Sink.(api.WriteDeadliner); ok {
		if err := dl.SetWriteDeadline(time.Now().Add(s.mgr.writeTimeout)); err != nil {
			s.logger.Debug("write deadline not set", "error", err)
		}
		if s.aborted.Load() {
			_ = dl.SetWriteDeadline(time.Now())
		}
	}
}

// abort fails any write in progress and every later one. It reports false
// if the stream was already closed or aborted.
func (s *Stream) abort() bool {
	select {
	case <-s.done:
		return false
	default:
	}
	if s.aborted.Swap(true) {
		return false
	}
	if dl, ok := s.msg.Sink.(api.WriteDeadliner); ok {
		_ = dl.SetWriteDeadline(time.Now())
	}
	return true
}

// release wakes everything waiting on Done.
func (s *Stream) release() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Stream) unregister() {
	if s.unhook != nil {
		s.unhook()
	}
}
