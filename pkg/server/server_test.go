package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/sitehost/pkg/api"
	"github.com/rhuss/sitehost/pkg/config"
	"github.com/rhuss/sitehost/pkg/transport/transporttest"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Streaming.Heartbeat = time.Hour
	cfg.Streaming.StopRetries = 50
	cfg.Streaming.StopInterval = 10 * time.Millisecond
	cfg.Streaming.SubscribeRate = 0
	cfg.Server.ShutdownTimeout = time.Second
	return &cfg
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	opts = append([]Option{WithLogOutput(io.Discard)}, opts...)
	s := New(cfg, opts...)
	t.Cleanup(s.Stop)
	return s
}

// startSite registers and starts site, then initialises and runs s.
func startSite(t *testing.T, s *Server, sites ...*api.Site) {
	t.Helper()
	for _, st := range sites {
		if err := s.Sites().Register(st); err != nil {
			t.Fatalf("Register(%s): %v", st.Name, err)
		}
		st.Start()
	}
	if !s.Initialise() {
		t.Fatal("Initialise() = false")
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// serve runs one exchange in the background and returns a channel closed
// when it returns.
func serve(s *Server, req *transporttest.Request, rec *transporttest.Recorder) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ServeExchange(req.Context(), req, rec)
	}()
	return done
}

func waitStreams(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.Streams().Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("open streams = %d, want %d", s.Streams().Count(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not return", what)
	}
}

func TestInitialise_Idempotent(t *testing.T) {
	s := newTestServer(t, nil)

	if !s.Initialise() {
		t.Fatal("first Initialise() = false")
	}
	writer, streams := s.Writer(), s.Streams()
	if !s.Initialise() {
		t.Fatal("second Initialise() = false")
	}
	if s.Writer() != writer || s.Streams() != streams {
		t.Error("second Initialise rebuilt components")
	}
	if s.State() != api.ServerInitialized {
		t.Errorf("State = %s, want initialized", s.State())
	}
}

func TestInitialise_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Headers.Server = "operator"

	var buf bytes.Buffer
	s := New(cfg, WithLogOutput(&buf))

	if s.Initialise() {
		t.Fatal("Initialise() = true for invalid config")
	}
	if s.State() != api.ServerUninitialized {
		t.Errorf("State = %s, want uninitialized", s.State())
	}
	if !strings.Contains(buf.String(), "invalid configuration") {
		t.Errorf("log = %q, want invalid configuration entry", buf.String())
	}
	if err := s.Run(context.Background()); !errors.Is(err, api.ErrNotInitialized) {
		t.Errorf("Run error = %v, want ErrNotInitialized", err)
	}
}

func TestRun_RejectsSiteNotStarted(t *testing.T) {
	s := newTestServer(t, nil)
	if err := s.Sites().Register(&api.Site{Name: "api", Port: 8080, BaseURL: "/api"}); err != nil {
		t.Fatal(err)
	}
	if !s.Initialise() {
		t.Fatal("Initialise() = false")
	}

	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded with a site that was never started")
	}
	if !strings.Contains(err.Error(), "8080/api") {
		t.Errorf("error = %q, want it to name the site", err)
	}
	if s.Running() {
		t.Error("server is running")
	}
}

func TestRun_Twice(t *testing.T) {
	s := newTestServer(t, nil)
	startSite(t, s)

	err := s.Run(context.Background())
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != api.ErrorKindProgrammer {
		t.Errorf("second Run error = %v, want programmer error", err)
	}
}

func TestStop_NotRunning(t *testing.T) {
	s := newTestServer(t, nil)
	s.Stop()
	if s.State() != api.ServerUninitialized {
		t.Errorf("State = %s, want uninitialized", s.State())
	}

	s.Initialise()
	s.Stop()
	if s.State() != api.ServerInitialized {
		t.Errorf("State = %s, want initialized", s.State())
	}
}

// The documented scenario: a site at port 8080 "/api", an event stream
// subscription, one pushed frame and a shutdown.
func TestStreamScenario(t *testing.T) {
	s := newTestServer(t, nil)
	streams := make(chan api.Stream, 1)
	site := &api.Site{
		Name:    "api",
		Port:    8080,
		BaseURL: "/api",
		StreamHandler: api.StreamHandlerFunc(func(_ context.Context, _ *api.Message, st api.Stream) api.Verdict {
			if err := st.Init(); err != nil {
				return api.NotHandled
			}
			streams <- st
			return api.Handled
		}),
	}
	startSite(t, s, site)

	req := transporttest.NewRequest("GET", "/api/stream").WithHeader("Accept", "text/event-stream")
	rec := transporttest.NewRecorder()
	done := serve(s, req, rec)

	var st api.Stream
	select {
	case st = <-streams:
	case <-time.After(5 * time.Second):
		t.Fatal("stream handler not called")
	}

	es, ok := s.Streams().Get(st.ID())
	if !ok {
		t.Fatal("stream not in table")
	}
	if es.ChunkCount() != 1 {
		t.Errorf("ChunkCount after Init = %d, want 1", es.ChunkCount())
	}
	if string(rec.Body()) != ":ok\n\n" {
		t.Errorf("leading frame = %q", rec.Body())
	}

	writes := len(rec.Writes())
	if err := st.Send([]byte("tick"), true); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := len(rec.Writes()) - writes; got != 1 {
		t.Errorf("Send wrote %d frames, want 1", got)
	}

	start := time.Now()
	s.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %v", elapsed)
	}

	waitDone(t, done, "exchange")
	if n := s.Streams().Count(); n != 0 {
		t.Errorf("open streams after Stop = %d, want 0", n)
	}
	body := string(rec.Body())
	if !strings.Contains(body, "data: tick\n\n") {
		t.Errorf("body = %q, want tick frame", body)
	}
	if !strings.HasSuffix(body, "event: close\ndata: \n\n") {
		t.Errorf("body = %q, want trailing close event", body)
	}
	if !rec.Disconnected {
		t.Error("connection not marked for disconnect")
	}
	if s.State() != api.ServerStopped {
		t.Errorf("State = %s, want stopped", s.State())
	}
	if s.Sites().Len() != 0 {
		t.Errorf("sites after Stop = %d, want 0", s.Sites().Len())
	}
}

func TestStop_ClosesEveryStream(t *testing.T) {
	s := newTestServer(t, nil)
	var ready sync.WaitGroup
	site := &api.Site{
		Name:        "events",
		Port:        8080,
		BaseURL:     "/events",
		EventStream: true,
		StreamHandler: api.StreamHandlerFunc(func(ctx context.Context, msg *api.Message, st api.Stream) api.Verdict {
			defer ready.Done()
			return AcceptStreams().ServeStream(ctx, msg, st)
		}),
	}
	startSite(t, s, site)

	const n = 25
	ready.Add(n)
	var dones []<-chan struct{}
	for i := 0; i < n; i++ {
		req := transporttest.NewRequest("GET", "/events")
		req.Remote = fmt.Sprintf("192.0.2.%d:4000", i+1)
		dones = append(dones, serve(s, req, transporttest.NewRecorder()))
	}
	ready.Wait()
	if got := s.Streams().Count(); got != n {
		t.Fatalf("open streams = %d, want %d", got, n)
	}

	s.Stop()

	for i, done := range dones {
		waitDone(t, done, fmt.Sprintf("exchange %d", i))
	}
	if got := s.Streams().Count(); got != 0 {
		t.Errorf("open streams after Stop = %d, want 0", got)
	}
}

func TestServeExchange_StreamVerdicts(t *testing.T) {
	tests := []struct {
		name    string
		handler api.StreamHandler
		want    int
	}{
		{name: "no handler", handler: nil, want: http.StatusNotFound},
		{
			name: "not handled",
			handler: api.StreamHandlerFunc(func(context.Context, *api.Message, api.Stream) api.Verdict {
				return api.NotHandled
			}),
			want: http.StatusNotFound,
		},
		{
			name: "rejected",
			handler: api.StreamHandlerFunc(func(context.Context, *api.Message, api.Stream) api.Verdict {
				return api.Rejected
			}),
			want: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			startSite(t, s, &api.Site{Name: "api", Port: 8080, BaseURL: "/api", EventStream: true, StreamHandler: tt.handler})

			rec := transporttest.NewRecorder()
			s.ServeExchange(context.Background(), transporttest.NewRequest("GET", "/api/feed"), rec)

			if rec.Status != tt.want {
				t.Errorf("status = %d, want %d", rec.Status, tt.want)
			}
			if n := s.Streams().Count(); n != 0 {
				t.Errorf("open streams = %d, want 0", n)
			}
		})
	}
}

func TestServeExchange_StreamClosedWhenClientLeaves(t *testing.T) {
	s := newTestServer(t, nil)
	startSite(t, s, &api.Site{Name: "api", Port: 8080, BaseURL: "/api", EventStream: true, StreamHandler: AcceptStreams()})

	ctx, cancel := context.WithCancel(context.Background())
	req := transporttest.NewRequest("GET", "/api/feed")
	req.Ctx = ctx
	done := serve(s, req, transporttest.NewRecorder())

	waitStreams(t, s, 1)
	cancel()
	waitDone(t, done, "exchange")

	if n := s.Streams().Count(); n != 0 {
		t.Errorf("open streams = %d, want 0", n)
	}
}

func TestServeExchange_SubscribeAbuse(t *testing.T) {
	cfg := testConfig()
	cfg.Streaming.SubscribeRate = 0.001
	cfg.Streaming.SubscribeBurst = 1
	s := newTestServer(t, cfg)
	site := &api.Site{Name: "api", Port: 8080, BaseURL: "/api", EventStream: true, StreamHandler: AcceptStreams()}
	startSite(t, s, site)

	first := serve(s, transporttest.NewRequest("GET", "/api/feed"), transporttest.NewRecorder())
	waitStreams(t, s, 1)

	rec := transporttest.NewRecorder()
	s.ServeExchange(context.Background(), transporttest.NewRequest("GET", "/api/feed"), rec)
	if rec.Status != http.StatusTooManyRequests {
		t.Errorf("second subscription status = %d, want 429", rec.Status)
	}

	s.Stop()
	waitDone(t, first, "first exchange")
}

func TestServeExchange_NotRunning(t *testing.T) {
	s := newTestServer(t, nil)
	rec := transporttest.NewRecorder()

	s.ServeExchange(context.Background(), transporttest.NewRequest("GET", "/"), rec)
	if rec.Status != http.StatusServiceUnavailable {
		t.Errorf("status before Initialise = %d, want 503", rec.Status)
	}

	s.Initialise()
	rec = transporttest.NewRecorder()
	s.ServeExchange(context.Background(), transporttest.NewRequest("GET", "/"), rec)
	if rec.Status != http.StatusServiceUnavailable {
		t.Errorf("status before Run = %d, want 503", rec.Status)
	}
}

func TestServeExchange_Messages(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		handler  api.HandlerFunc
		want     int
		wantBody string
	}{
		{
			name:   "answered by handler",
			method: "GET",
			handler: func(_ context.Context, msg *api.Message, w api.Responder) error {
				msg.ContentType = "text/plain"
				msg.Response.SetBytes([]byte("hello"))
				return w.Send(msg)
			},
			want:     http.StatusOK,
			wantBody: "hello",
		},
		{
			name:   "left unanswered",
			method: "GET",
			handler: func(_ context.Context, msg *api.Message, _ api.Responder) error {
				msg.Status = http.StatusAccepted
				msg.Response.SetBytes([]byte("queued"))
				return nil
			},
			want:     http.StatusAccepted,
			wantBody: "queued",
		},
		{
			name:   "handler error",
			method: "GET",
			handler: func(_ context.Context, msg *api.Message, _ api.Responder) error {
				msg.Response.SetBytes([]byte("partial"))
				return api.NewNotFoundError("gone")
			},
			want: http.StatusNotFound,
		},
		{
			name:   "handler panic",
			method: "GET",
			handler: func(context.Context, *api.Message, api.Responder) error {
				panic("boom")
			},
			want: http.StatusInternalServerError,
		},
		{
			name:   "unknown verb",
			method: "BREW",
			handler: func(context.Context, *api.Message, api.Responder) error {
				t.Error("handler called for unknown verb")
				return nil
			},
			want: http.StatusNotImplemented,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			startSite(t, s, &api.Site{Name: "api", Port: 8080, BaseURL: "/api", Handler: tt.handler})

			rec := transporttest.NewRecorder()
			s.ServeExchange(context.Background(), transporttest.NewRequest(tt.method, "/api/x"), rec)

			if rec.Status != tt.want {
				t.Errorf("status = %d, want %d", rec.Status, tt.want)
			}
			if string(rec.Body()) != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body(), tt.wantBody)
			}
		})
	}
}

func TestServeExchange_Middleware(t *testing.T) {
	var seen []string
	mw := func(next api.Handler) api.Handler {
		return api.HandlerFunc(func(ctx context.Context, msg *api.Message, w api.Responder) error {
			seen = append(seen, msg.Route)
			return next.ServeMessage(ctx, msg, w)
		})
	}
	s := newTestServer(t, nil, WithMiddleware(mw))
	startSite(t, s, &api.Site{Name: "api", Port: 8080, BaseURL: "/api", Handler: api.HandlerFunc(
		func(_ context.Context, msg *api.Message, w api.Responder) error { return w.Send(msg) },
	)})

	rec := transporttest.NewRecorder()
	s.ServeExchange(context.Background(), transporttest.NewRequest("GET", "/api/items/1"), rec)

	if len(seen) != 1 || seen[0] != "/items/1" {
		t.Errorf("middleware saw %v, want [/items/1]", seen)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}
}

func TestServeExchange_WorkerPool(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxWorkers = 1
	s := newTestServer(t, cfg)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	startSite(t, s, &api.Site{Name: "api", Port: 8080, BaseURL: "/api", Handler: api.HandlerFunc(
		func(_ context.Context, msg *api.Message, w api.Responder) error {
			entered <- struct{}{}
			<-unblock
			return w.Send(msg)
		},
	)})

	first := serve(s, transporttest.NewRequest("GET", "/api/a"), transporttest.NewRecorder())
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec := transporttest.NewRecorder()
	req := transporttest.NewRequest("GET", "/api/b")
	req.Ctx = ctx
	s.ServeExchange(ctx, req, rec)
	if rec.Committed() {
		t.Error("second exchange ran while the only worker was busy")
	}

	close(unblock)
	waitDone(t, first, "first exchange")
}

type fakeService struct {
	name     string
	startErr error
	log      *[]string
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start(context.Context) error {
	*f.log = append(*f.log, "start "+f.name)
	return f.startErr
}

func (f *fakeService) Stop(context.Context) error {
	*f.log = append(*f.log, "stop "+f.name)
	return nil
}

func TestServices(t *testing.T) {
	var log []string
	s := newTestServer(t, nil)
	for _, name := range []string{"a", "b"} {
		if err := s.RegisterService(&fakeService{name: name, log: &log}); err != nil {
			t.Fatalf("RegisterService(%s): %v", name, err)
		}
	}
	if err := s.RegisterService(&fakeService{name: "a", log: &log}); err == nil {
		t.Error("duplicate service registered")
	}

	startSite(t, s)
	if err := s.RegisterService(&fakeService{name: "c", log: &log}); err == nil {
		t.Error("service registered while running")
	}

	s.Stop()

	want := []string{"start a", "start b", "stop b", "stop a"}
	if strings.Join(log, ",") != strings.Join(want, ",") {
		t.Errorf("service calls = %v, want %v", log, want)
	}
	if len(s.Services()) != 0 {
		t.Errorf("services after Stop = %v, want none", s.Services())
	}
}

func TestServices_StartFailure(t *testing.T) {
	var log []string
	s := newTestServer(t, nil)
	s.RegisterService(&fakeService{name: "a", log: &log})
	s.RegisterService(&fakeService{name: "b", log: &log, startErr: errors.New("port in use")})

	if !s.Initialise() {
		t.Fatal("Initialise() = false")
	}
	err := s.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "starting b") {
		t.Fatalf("Run error = %v, want starting b failure", err)
	}

	want := []string{"start a", "start b", "stop a"}
	if strings.Join(log, ",") != strings.Join(want, ",") {
		t.Errorf("service calls = %v, want %v", log, want)
	}
	if s.Running() {
		t.Error("server running after failed service start")
	}
}

func TestCleanup_RemovesSitesInDependencyOrder(t *testing.T) {
	s := newTestServer(t, nil)
	var order []string
	main := &api.Site{Name: "main", Port: 8080, BaseURL: "/app"}
	sub := &api.Site{Name: "sub", Port: 8080, BaseURL: "/app/admin", MainBaseURL: "/app"}
	startSite(t, s, main, sub)
	main.OnStop(func() { order = append(order, "main") })
	sub.OnStop(func() { order = append(order, "sub") })

	s.Stop()

	if strings.Join(order, ",") != "sub,main" {
		t.Errorf("stop order = %v, want [sub main]", order)
	}
	if main.Started() || sub.Started() {
		t.Error("sites still started after Stop")
	}
}

func TestCleanup_NeverRun(t *testing.T) {
	s := newTestServer(t, nil)
	s.Sites().Register(&api.Site{Name: "api", Port: 8080, BaseURL: "/api"})
	s.Initialise()

	s.Cleanup()

	if s.Sites().Len() != 0 {
		t.Errorf("sites after Cleanup = %d, want 0", s.Sites().Len())
	}
	if s.State() != api.ServerStopped {
		t.Errorf("State = %s, want stopped", s.State())
	}
	if !s.Initialise() {
		t.Error("Initialise after Cleanup = false")
	}
}

func TestLogFile(t *testing.T) {
	cfg := testConfig()
	cfg.Logging.File = filepath.Join(t.TempDir(), "logs", "sitehost.log")
	cfg.Logging.Format = "json"

	s := New(cfg)
	if !s.Initialise() {
		t.Fatal("Initialise() = false")
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Stop()

	data, err := os.ReadFile(cfg.Logging.File)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	for _, want := range []string{`"msg":"server initialised"`, `"msg":"server stopped"`} {
		if !bytes.Contains(data, []byte(want)) {
			t.Errorf("log file missing %s:\n%s", want, data)
		}
	}
	if s.logSink != nil {
		t.Error("log sink still open after Stop")
	}
}

func TestLogLevel(t *testing.T) {
	t.Setenv("SITEHOST_LOG_LEVEL", "")
	var buf bytes.Buffer
	logger, sink, err := newLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if sink != nil {
		t.Error("sink returned for an explicit writer")
	}

	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("log output = %q", buf.String())
	}
	if !logger.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn not enabled")
	}
}

func TestServeExchange_WorkerWaitCancelled(t *testing.T) {
	t.Setenv("SITEHOST_LOG_LEVEL", "")
	cfg := testConfig()
	cfg.Limits.MaxWorkers = 1
	cfg.Logging.Level = "debug"
	var buf bytes.Buffer
	s := New(cfg, WithLogOutput(&buf))
	t.Cleanup(s.Stop)
	startSite(t, s, &api.Site{Name: "app", Port: 8080, BaseURL: "/", Handler: FileHandler(t.TempDir())})

	if err := s.workers.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	defer s.workers.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := transporttest.NewRequest("GET", "/")
	req.Ctx = ctx
	rec := transporttest.NewRecorder()
	s.ServeExchange(ctx, req, rec)

	if rec.Committed() {
		t.Error("response written for an exchange that never got a worker")
	}
	if out := buf.String(); !strings.Contains(out, "exchange dropped while waiting for a worker") || !strings.Contains(out, req.ConnID) {
		t.Errorf("log output = %q, want a debug line for the dropped exchange", out)
	}
}
