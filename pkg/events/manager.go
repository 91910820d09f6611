// Package events manages Server-Sent-Event streams: subscription with a
// per-sender abuse check, frame delivery, keep-alive heartbeats and
// teardown.
package events

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rhuss/sitehost/pkg/api"
	"github.com/rhuss/sitehost/pkg/auth"
	"github.com/rhuss/sitehost/pkg/debug"
	"github.com/rhuss/sitehost/pkg/observability"
	"github.com/rhuss/sitehost/pkg/transport"
)

const (
	// DefaultHeartbeat is the keep-alive interval when none is configured.
	DefaultHeartbeat = 15 * time.Second

	// DefaultCloseTimeout bounds how long CloseAll waits for streams before
	// resetting their connections.
	DefaultCloseTimeout = 5 * time.Second
)

// Manager owns the table of open event streams.
type Manager struct {
	writer     api.Responder
	guard      *auth.SenderGuard
	maxStreams int
	heartbeat  time.Duration
	logger     *slog.Logger

	writeTimeout time.Duration
	closeTimeout time.Duration

	streams *transport.InFlight[*Stream]
	pulse   *Signal

	mu          sync.Mutex
	quit        chan struct{}
	monitorDone chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithSenderGuard sets the per-sender abuse check run on Subscribe.
func WithSenderGuard(g *auth.SenderGuard) Option {
	return func(m *Manager) { m.guard = g }
}

// WithMaxStreams caps the number of open streams. Zero means unlimited.
func WithMaxStreams(n int) Option {
	return func(m *Manager) { m.maxStreams = n }
}

// WithHeartbeat sets the keep-alive interval.
func WithHeartbeat(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.heartbeat = d
		}
	}
}

// WithWriteTimeout bounds every frame write on sinks that support write
// deadlines. Zero disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.writeTimeout = d
		}
	}
}

// WithCloseTimeout sets how long CloseAll waits before it resets stalled
// streams.
func WithCloseTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.closeTimeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager returns a Manager writing frames through w.
func NewManager(w api.Responder, opts ...Option) *Manager {
	m := &Manager{
		writer:       w,
		heartbeat:    DefaultHeartbeat,
		closeTimeout: DefaultCloseTimeout,
		logger:       slog.Default(),
		streams:      transport.NewInFlight[*Stream](),
		pulse:        NewSignal(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe runs the abuse check for sender and, on success, allocates a
// stream for msg keyed by its connection id. A rejected sender gets an
// error and nothing is allocated.
func (m *Manager) Subscribe(sender string, site *api.Site, msg *api.Message) (*Stream, error) {
	if !m.guard.Allow(sender) {
		observability.AbuseRejectedTotal.Inc()
		m.logger.Warn("event stream subscription rejected", "sender", sender, "reason", "rate")
		return nil, api.NewRateLimitedError("too many stream subscriptions from sender")
	}
	if m.maxStreams > 0 && m.streams.Len() >= m.maxStreams {
		m.logger.Warn("event stream subscription rejected", "sender", sender, "reason", "capacity", "max", m.maxStreams)
		return nil, &api.Error{Kind: api.ErrorKindServer, Status: http.StatusServiceUnavailable, Message: "event stream capacity reached"}
	}

	id := msg.ConnID
	if id == "" {
		id = api.NewConnectionID()
	}
	s := &Stream{
		id:       id,
		site:     site,
		identity: msg.Identity(),
		msg:      msg,
		mgr:      m,
		state:    api.StreamSubscribed,
		done:     make(chan struct{}),
	}
	if site != nil {
		s.baseURL = site.BaseURL
	}
	s.logger = m.logger.With("conn_id", id, "request_id", msg.RequestID)
	if site != nil {
		s.unhook = site.OnStop(func() { m.Close(s) })
	}

	if !m.streams.Register(id, s) {
		s.unregister()
		return nil, &api.Error{Kind: api.ErrorKindProgrammer, Status: http.StatusInternalServerError, Message: "connection already owns an event stream"}
	}
	observability.ActiveStreams.Inc()
	debug.Log(debug.Streaming, "event stream subscribed", "conn_id", id, "sender", sender)
	return s, nil
}

// Close removes s from the table and releases its connection. Closing a
// stream twice is a no-op.
func (m *Manager) Close(s *Stream) {
	if s == nil {
		return
	}
	if _, ok := m.streams.Take(s.id); !ok {
		return
	}
	observability.ActiveStreams.Dec()
	s.unregister()
	s.finish()
}

// Get returns the open stream for a connection id.
func (m *Manager) Get(id string) (*Stream, bool) {
	return m.streams.Get(id)
}

// Count returns the number of open streams.
func (m *Manager) Count() int {
	return m.streams.Len()
}

// CloseAll closes every open stream. With notify set each stream first
// receives the close event. Streams are closed concurrently; those still
// busy after the close timeout, typically behind a peer that stopped
// reading, have their connection reset. A stream that does not let go
// within a second timeout is dropped from the table regardless.
func (m *Manager) CloseAll(notify bool) {
	streams := m.streams.Snapshot()
	if len(streams) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if notify {
				if err := s.SendEvent(CloseEvent, nil); err != nil {
					s.logger.Debug("close event not delivered", "error", err)
				} else {
					observability.FramesSentTotal.WithLabelValues("close").Inc()
				}
			}
			m.Close(s)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.closeTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}

	for _, s := range streams {
		if s.abort() {
			s.logger.Warn("event stream did not close in time, resetting connection")
		}
	}
	timer.Reset(m.closeTimeout)
	select {
	case <-done:
		return
	case <-timer.C:
	}

	for _, s := range streams {
		if _, ok := m.streams.Take(s.id); ok {
			observability.ActiveStreams.Dec()
			s.unregister()
		}
		s.release()
	}
	m.logger.Warn("event streams abandoned during shutdown", "streams", len(streams))
}

// Wait returns a channel closed by the next heartbeat pulse.
func (m *Manager) Wait() <-chan struct{} {
	return m.pulse.Wait()
}

// StartHeartbeat starts the monitor loop. On every tick it writes a
// keep-alive frame to each stream, drops streams whose write failed and
// pulses the shared signal. Starting it twice is a no-op.
func (m *Manager) StartHeartbeat() {
	m.mu.Lock()
	if m.quit != nil {
		m.mu.Unlock()
		return
	}
	quit := make(chan struct{})
	done := make(chan struct{})
	m.quit = quit
	m.monitorDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.keepAlive()
				m.pulse.Pulse()
			case <-quit:
				return
			}
		}
	}()
}

// Abandon stops the monitor and pulses the signal exactly once, releasing
// every waiter together.
func (m *Manager) Abandon() {
	m.mu.Lock()
	quit := m.quit
	m.quit = nil
	m.mu.Unlock()

	if quit != nil {
		close(quit)
	}
	m.pulse.Pulse()
}

// MonitorDone returns a channel closed when the monitor loop has exited. It
// is nil if the monitor was never started.
func (m *Manager) MonitorDone() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitorDone
}

func (m *Manager) keepAlive() {
	for _, s := range m.streams.Snapshot() {
		if !s.keepAlive() {
			s.logger.Debug("keep-alive failed, dropping event stream")
			m.Close(s)
		}
	}
}
