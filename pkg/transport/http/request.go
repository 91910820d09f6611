package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/rhuss/sitehost/pkg/api"
)

// request adapts an http.Request to api.Request.
type request struct {
	r      *http.Request
	w      http.ResponseWriter
	port   int
	connID string

	mu       sync.Mutex
	received [][]byte
	more     bool
	consumed [][]byte
}

var _ api.Request = (*request)(nil)

// newRequest preloads up to preload body bytes. more stays true while the
// body may hold further bytes.
func newRequest(w http.ResponseWriter, r *http.Request, port int, preload int64) *request {
	req := &request{r: r, w: w, port: port, connID: connectionID(r)}
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return req
	}

	size := preload
	if r.ContentLength > 0 && r.ContentLength < size {
		size = r.ContentLength
	}
	buf := make([]byte, size)
	n, err := io.ReadFull(r.Body, buf)
	if n > 0 {
		req.received = [][]byte{buf[:n]}
	}
	// A short read means the body ended, early or not. The dispatcher
	// compares against the declared length.
	req.more = err == nil && (r.ContentLength < 0 || r.ContentLength > int64(n))
	return req
}

func (q *request) Context() context.Context { return q.r.Context() }
func (q *request) Method() string           { return q.r.Method }
func (q *request) URL() string              { return q.r.URL.RequestURI() }
func (q *request) Header(name string) string {
	if http.CanonicalHeaderKey(name) == "Host" {
		return q.r.Host
	}
	return q.r.Header.Get(name)
}
func (q *request) Headers() http.Header { return q.r.Header }
func (q *request) RemoteAddr() string   { return q.r.RemoteAddr }
func (q *request) Port() int            { return q.port }
func (q *request) ConnectionID() string { return q.connID }

// HTTPRequest exposes the underlying request for connection upgrades.
func (q *request) HTTPRequest() *http.Request { return q.r }

// HTTPResponseWriter exposes the underlying writer for connection upgrades.
func (q *request) HTTPResponseWriter() http.ResponseWriter { return q.w }

func (q *request) Entity() ([][]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.received, q.more
}

func (q *request) ReadEntity(p []byte) (int, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.more {
		return 0, false, nil
	}
	n, err := q.r.Body.Read(p)
	if n > 0 {
		q.consumed = append(q.consumed, append([]byte(nil), p[:n]...))
	}
	switch {
	case errors.Is(err, io.EOF):
		q.more = false
		return n, false, nil
	case err != nil:
		q.more = false
		return n, false, err
	}
	return n, true, nil
}

// replay returns a body that yields everything read so far followed by the
// unread remainder.
func (q *request) replay() io.ReadCloser {
	q.mu.Lock()
	defer q.mu.Unlock()
	body := q.r.Body
	if body == nil {
		body = http.NoBody
	}
	seen := append(append([][]byte(nil), q.received...), q.consumed...)
	return newReplayBody(seen, body)
}
