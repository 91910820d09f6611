package http

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/sitehost/pkg/api"
	"github.com/rhuss/sitehost/pkg/transport"
)

func newTestServer(t *testing.T, cfg Config, fn transport.ExchangeFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewAdapter(fn, cfg, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestAdapter_RequestMapping(t *testing.T) {
	var (
		method, target, header, remote, connID string
		port                                   int
		chunks                                 [][]byte
		more                                   bool
	)
	srv := newTestServer(t, DefaultConfig(), func(ctx context.Context, req api.Request, sink api.ResponseSink) {
		method, target = req.Method(), req.URL()
		header = req.Header("X-Test")
		remote, port, connID = req.RemoteAddr(), req.Port(), req.ConnectionID()
		chunks, more = req.Entity()
		sink.Write(nil, false)
	})

	httpReq, _ := http.NewRequest("PUT", srv.URL+"/api/items?x=1", strings.NewReader("hello"))
	httpReq.Header.Set("X-Test", "yes")
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if method != "PUT" || target != "/api/items?x=1" || header != "yes" {
		t.Errorf("method = %q target = %q header = %q", method, target, header)
	}
	if want := srv.Listener.Addr().(*net.TCPAddr).Port; remote == "" || port != want {
		t.Errorf("remote = %q port = %d", remote, port)
	}
	if !api.ValidateConnectionID(connID) {
		t.Errorf("connection id %q is not valid", connID)
	}
	if len(chunks) != 1 || string(chunks[0]) != "hello" || more {
		t.Errorf("entity = %q more = %v", chunks, more)
	}
}

func TestAdapter_Preload(t *testing.T) {
	var (
		first string
		more  bool
		rest  []byte
	)
	srv := newTestServer(t, Config{EntityPreload: 4}, func(ctx context.Context, req api.Request, sink api.ResponseSink) {
		chunks, m := req.Entity()
		first, more = string(chunks[0]), m
		buf := make([]byte, 3)
		for {
			n, m, err := req.ReadEntity(buf)
			rest = append(rest, buf[:n]...)
			if err != nil || !m {
				break
			}
		}
		sink.Write(nil, false)
	})

	resp, err := http.Post(srv.URL+"/", "text/plain", strings.NewReader("abcdefghij"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	resp.Body.Close()

	if first != "abcd" || !more {
		t.Errorf("preloaded = %q more = %v, want %q true", first, more, "abcd")
	}
	if string(rest) != "efghij" {
		t.Errorf("rest = %q, want %q", rest, "efghij")
	}
}

func TestAdapter_Sink(t *testing.T) {
	srv := newTestServer(t, DefaultConfig(), func(ctx context.Context, req api.Request, sink api.ResponseSink) {
		sink.SetStatus(http.StatusCreated, "Created")
		sink.SetHeader("X-Answer", "42")
		sink.SetHeader("Transfer-Encoding", "chunked")
		sink.Write([]byte("a"), true)
		sink.Flush(true)
		sink.SetHeader("X-Late", "ignored")
		sink.Write([]byte("b"), false)
	})

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if resp.Header.Get("X-Answer") != "42" || resp.Header.Get("X-Late") != "" {
		t.Errorf("headers = %v", resp.Header)
	}
	if string(body) != "ab" {
		t.Errorf("body = %q, want %q", body, "ab")
	}
	if len(resp.TransferEncoding) != 1 || resp.TransferEncoding[0] != "chunked" {
		t.Errorf("TransferEncoding = %v, want chunked", resp.TransferEncoding)
	}
}

func TestAdapter_WriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	if err := os.WriteFile(path, []byte("<h1>file</h1> and more"), 0o600); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, DefaultConfig(), func(ctx context.Context, req api.Request, sink api.ResponseSink) {
		f, _ := os.Open(path)
		defer f.Close()
		sink.SetHeader("Content-Length", "13")
		sink.WriteFile(f, 13, false)
	})

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "<h1>file</h1>" {
		t.Errorf("body = %q", body)
	}
}

func TestAdapter_Reset(t *testing.T) {
	srv := newTestServer(t, DefaultConfig(), func(ctx context.Context, req api.Request, sink api.ResponseSink) {
		sink.Reset()
	})

	resp, err := http.Get(srv.URL + "/")
	if err == nil {
		_, err = io.ReadAll(resp.Body)
		resp.Body.Close()
	}
	if err == nil {
		t.Error("reset connection should fail on the client")
	}
}

func TestAdapter_DeferToFallback(t *testing.T) {
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Fallback", "1")
		w.Write(body)
	})
	srv := newTestServer(t, Config{EntityPreload: 3, Fallback: fallback}, func(ctx context.Context, req api.Request, sink api.ResponseSink) {
		req.Entity()
		buf := make([]byte, 2)
		req.ReadEntity(buf)
		sink.Defer()
	})

	resp, err := http.Post(srv.URL+"/", "text/plain", strings.NewReader("continue upstream"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.Header.Get("X-Fallback") != "1" {
		t.Error("fallback handler did not run")
	}
	if string(body) != "continue upstream" {
		t.Errorf("fallback saw body %q", body)
	}
}

func TestAdapter_DeferWithoutFallback(t *testing.T) {
	srv := newTestServer(t, DefaultConfig(), func(ctx context.Context, req api.Request, sink api.ResponseSink) {
		sink.Defer()
	})

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAdapter_LateWriteRejected(t *testing.T) {
	var (
		mu   sync.Mutex
		kept api.ResponseSink
	)
	srv := newTestServer(t, DefaultConfig(), func(ctx context.Context, req api.Request, sink api.ResponseSink) {
		mu.Lock()
		kept = sink
		mu.Unlock()
		sink.Write([]byte("done"), false)
	})

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	io.ReadAll(resp.Body)
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	if err := kept.Write([]byte("late"), false); !errors.Is(err, errSinkClosed) {
		t.Errorf("late Write = %v, want errSinkClosed", err)
	}
}

func TestAdapter_WriteDeadline(t *testing.T) {
	errc := make(chan error, 1)
	srv := newTestServer(t, DefaultConfig(), func(ctx context.Context, req api.Request, sink api.ResponseSink) {
		dl, ok := sink.(api.WriteDeadliner)
		if !ok {
			t.Error("sink does not implement api.WriteDeadliner")
			errc <- errSinkClosed
			return
		}
		if err := dl.SetWriteDeadline(time.Now().Add(-time.Second)); err != nil {
			errc <- err
			return
		}
		errc <- sink.Write(make([]byte, 1<<20), false)
		sink.Reset()
	})

	resp, err := http.Get(srv.URL + "/")
	if err == nil {
		io.ReadAll(resp.Body)
		resp.Body.Close()
	}
	select {
	case err := <-errc:
		if err == nil {
			t.Error("Write past the deadline succeeded")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return")
	}
}

func TestAdapter_RequestIDPropagation(t *testing.T) {
	var seen string
	srv := newTestServer(t, DefaultConfig(), func(ctx context.Context, req api.Request, sink api.ResponseSink) {
		seen = transport.RequestIDFromContext(ctx)
		sink.Write([]byte("ok"), false)
	})

	httpReq, _ := http.NewRequest("GET", srv.URL+"/", nil)
	httpReq.Header.Set("X-Request-ID", "req-7")
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if seen != "req-7" {
		t.Errorf("context request id = %q, want %q", seen, "req-7")
	}
	if got := resp.Header.Get("X-Request-ID"); got != "req-7" {
		t.Errorf("X-Request-ID = %q, want %q", got, "req-7")
	}
}

func TestRequest_ExposesHTTP(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/ws", nil)
	req := newRequest(w, r, 8080, DefaultEntityPreload)

	var ex interface {
		HTTPRequest() *http.Request
		HTTPResponseWriter() http.ResponseWriter
	} = req
	if ex.HTTPRequest() != r || ex.HTTPResponseWriter() != w {
		t.Error("request should expose its net/http side")
	}
	if chunks, more := req.Entity(); len(chunks) != 0 || more {
		t.Errorf("empty body: chunks = %v more = %v", chunks, more)
	}
}
