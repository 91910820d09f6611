package http

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rhuss/sitehost/pkg/api"
)

var errSinkClosed = errors.New("response already completed")

type sinkOutcome int

const (
	sinkDone sinkOutcome = iota
	sinkReset
	sinkDeferred
)

// sink adapts an http.ResponseWriter to api.ResponseSink. Writes may come
// from a stream pusher while the request goroutine waits, so every call is
// serialized.
type sink struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu        sync.Mutex
	status    int
	committed bool
	finished  bool
	reset     bool
	deferred  bool
	lastErr   error
}

var (
	_ api.ResponseSink   = (*sink)(nil)
	_ api.WriteDeadliner = (*sink)(nil)
)

func newSink(w http.ResponseWriter) *sink {
	return &sink{w: w, rc: http.NewResponseController(w)}
}

func (s *sink) SetStatus(code int, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.committed {
		s.status = code
	}
}

// SetHeader sets a response header. Transfer-Encoding is left to net/http,
// which chunks any response without a Content-Length.
func (s *sink) SetHeader(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed || strings.EqualFold(name, "Transfer-Encoding") {
		return
	}
	s.w.Header().Set(name, value)
}

func (s *sink) AddHeader(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed {
		return
	}
	s.w.Header().Add(name, value)
}

func (s *sink) commitLocked() error {
	if s.finished {
		return errSinkClosed
	}
	if !s.committed {
		if s.status == 0 {
			s.status = http.StatusOK
		}
		s.w.WriteHeader(s.status)
		s.committed = true
	}
	return nil
}

func (s *sink) Write(p []byte, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commitLocked(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	_, err := s.w.Write(p)
	return s.record(err)
}

func (s *sink) WriteFile(f *os.File, n int64, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commitLocked(); err != nil {
		return err
	}
	_, err := io.CopyN(s.w, f, n)
	return s.record(err)
}

func (s *sink) Flush(_ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commitLocked(); err != nil {
		return err
	}
	err := s.rc.Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return s.record(err)
}

// Disconnect asks net/http to close the connection after the response.
// Once headers are committed the end of the response completes the
// exchange instead.
func (s *sink) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.committed {
		s.w.Header().Set("Connection", "close")
	}
}

// Reset aborts the connection once the exchange returns.
func (s *sink) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset = true
	return nil
}

// SetWriteDeadline bounds writes on the underlying connection. It does not
// take the sink lock so that it can fail a write that is already blocked.
func (s *sink) SetWriteDeadline(t time.Time) error {
	err := s.rc.SetWriteDeadline(t)
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

func (s *sink) Defer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred = true
}

func (s *sink) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *sink) record(err error) error {
	if err != nil {
		s.lastErr = err
	}
	return err
}

// finish closes the sink to late writers and reports how the exchange
// ended. A deferred exchange counts only while nothing was written.
func (s *sink) finish() sinkOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	switch {
	case s.reset:
		return sinkReset
	case s.deferred && !s.committed:
		return sinkDeferred
	}
	return sinkDone
}
