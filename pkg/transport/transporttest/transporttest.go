// Package transporttest provides an in-memory Transport for tests: a
// scripted Request and a ResponseSink that records everything written to it.
package transporttest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rhuss/sitehost/pkg/api"
)

// Request is a scripted api.Request. Received holds the entity chunks
// already delivered; Pending holds chunks ReadEntity hands out later.
type Request struct {
	Ctx      context.Context
	Verb     string
	Target   string
	Hdr      http.Header
	Remote   string
	Local    int
	ConnID   string
	Received [][]byte
	Pending  [][]byte

	// ReadErr is returned by ReadEntity once Pending is drained.
	ReadErr error

	mu sync.Mutex
}

var _ api.Request = (*Request)(nil)

// NewRequest returns a Request for method and target on port 8080.
func NewRequest(method, target string) *Request {
	return &Request{
		Ctx:    context.Background(),
		Verb:   method,
		Target: target,
		Hdr:    make(http.Header),
		Remote: "192.0.2.10:40000",
		Local:  8080,
		ConnID: api.NewConnectionID(),
	}
}

// WithHeader sets a header and returns r.
func (r *Request) WithHeader(name, value string) *Request {
	r.Hdr.Set(name, value)
	return r
}

// WithBody sets the entity as fully received and returns r.
func (r *Request) WithBody(chunks ...[]byte) *Request {
	r.Received = chunks
	return r
}

func (r *Request) Context() context.Context {
	if r.Ctx == nil {
		return context.Background()
	}
	return r.Ctx
}

func (r *Request) Method() string            { return r.Verb }
func (r *Request) URL() string               { return r.Target }
func (r *Request) Header(name string) string { return r.Hdr.Get(name) }
func (r *Request) Headers() http.Header      { return r.Hdr }
func (r *Request) RemoteAddr() string        { return r.Remote }
func (r *Request) Port() int                 { return r.Local }
func (r *Request) ConnectionID() string      { return r.ConnID }

func (r *Request) Entity() ([][]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Received, len(r.Pending) > 0
}

func (r *Request) ReadEntity(p []byte) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Pending) == 0 {
		if r.ReadErr != nil {
			return 0, false, r.ReadErr
		}
		return 0, false, nil
	}
	n := copy(p, r.Pending[0])
	if n < len(r.Pending[0]) {
		r.Pending[0] = r.Pending[0][n:]
	} else {
		r.Pending = r.Pending[1:]
	}
	more := len(r.Pending) > 0
	if !more && r.ReadErr != nil {
		return n, false, r.ReadErr
	}
	return n, more, nil
}

// Write is one recorded body write.
type Write struct {
	Data []byte
	More bool
}

// Recorder is an api.ResponseSink that keeps every call. Header changes
// after the first write or flush are ignored, as on a real connection.
type Recorder struct {
	mu sync.Mutex

	Status    int
	Reason    string
	header    http.Header
	committed http.Header
	body      bytes.Buffer
	writes    []Write
	flushes   []bool

	Disconnected bool
	ResetCount   int
	Deferred     bool

	// FailWrites makes every Write, WriteFile and Flush fail.
	FailWrites error
	lastErr    error

	stall    chan struct{}
	deadline time.Time
	wake     chan struct{}
}

var (
	_ api.ResponseSink   = (*Recorder)(nil)
	_ api.WriteDeadliner = (*Recorder)(nil)
)

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{header: make(http.Header)}
}

func (r *Recorder) SetStatus(code int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed != nil {
		return
	}
	r.Status = code
	r.Reason = reason
}

func (r *Recorder) SetHeader(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed == nil {
		r.header.Set(name, value)
	}
}

func (r *Recorder) AddHeader(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed == nil {
		r.header.Add(name, value)
	}
}

func (r *Recorder) commit() {
	if r.committed == nil {
		r.committed = r.header.Clone()
		if r.Status == 0 {
			r.Status = http.StatusOK
		}
	}
}

// Stall makes every following Write block, like a peer that stopped
// reading, until release is called or the write deadline passes.
func (r *Recorder) Stall() (release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stall := make(chan struct{})
	r.stall = stall
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.stall == stall {
				r.stall = nil
			}
			r.mu.Unlock()
			close(stall)
		})
	}
}

// SetWriteDeadline sets the deadline for stalled writes. A blocked Write
// re-checks it right away.
func (r *Recorder) SetWriteDeadline(t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadline = t
	if r.wake != nil {
		close(r.wake)
		r.wake = nil
	}
	return nil
}

// WriteDeadline returns the current write deadline.
func (r *Recorder) WriteDeadline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deadline
}

func (r *Recorder) waitStalled() error {
	for {
		r.mu.Lock()
		stall, deadline := r.stall, r.deadline
		if stall == nil {
			r.mu.Unlock()
			return nil
		}
		if r.wake == nil {
			r.wake = make(chan struct{})
		}
		wake := r.wake
		r.mu.Unlock()

		if done, err := r.waitOnce(stall, wake, deadline); done {
			return err
		}
	}
}

// waitOnce blocks until the stall is released, the deadline passes or the
// deadline changes. done is false only in the last case.
func (r *Recorder) waitOnce(stall, wake chan struct{}, deadline time.Time) (done bool, err error) {
	var expired <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return true, r.fail(os.ErrDeadlineExceeded)
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-stall:
		return true, nil
	case <-expired:
		return true, r.fail(os.ErrDeadlineExceeded)
	case <-wake:
		return false, nil
	}
}

func (r *Recorder) fail(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = err
	return err
}

func (r *Recorder) Write(p []byte, more bool) error {
	if err := r.waitStalled(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWrites != nil {
		r.lastErr = r.FailWrites
		return r.FailWrites
	}
	r.commit()
	r.body.Write(p)
	r.writes = append(r.writes, Write{Data: bytes.Clone(p), More: more})
	return nil
}

func (r *Recorder) WriteFile(f *os.File, n int64, more bool) error {
	data, err := io.ReadAll(io.LimitReader(f, n))
	if err != nil {
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
		return err
	}
	return r.Write(data, more)
}

func (r *Recorder) Flush(more bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWrites != nil {
		r.lastErr = r.FailWrites
		return r.FailWrites
	}
	r.commit()
	r.flushes = append(r.flushes, more)
	return nil
}

func (r *Recorder) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Disconnected = true
}

func (r *Recorder) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ResetCount++
	return nil
}

func (r *Recorder) Defer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Deferred = true
}

func (r *Recorder) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Header returns the headers as committed by the first write, or the
// pending headers if nothing was written yet.
func (r *Recorder) Header() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed != nil {
		return r.committed.Clone()
	}
	return r.header.Clone()
}

// Body returns every byte written so far.
func (r *Recorder) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Clone(r.body.Bytes())
}

// Writes returns the recorded writes.
func (r *Recorder) Writes() []Write {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Write(nil), r.writes...)
}

// Flushes returns the more flag of every recorded flush.
func (r *Recorder) Flushes() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.flushes...)
}

// Committed reports whether headers were sent.
func (r *Recorder) Committed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed != nil
}
