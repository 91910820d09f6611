package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/sitehost/pkg/api"
	"github.com/rhuss/sitehost/pkg/auth"
	"github.com/rhuss/sitehost/pkg/response"
	"github.com/rhuss/sitehost/pkg/transport/transporttest"
)

func newManager(opts ...Option) *Manager {
	return NewManager(response.New(), opts...)
}

func newStreamMessage(site *api.Site) (*api.Message, *transporttest.Recorder) {
	rec := transporttest.NewRecorder()
	msg := api.NewMessage(context.Background(), rec, nil)
	msg.Site = site
	msg.ConnID = api.NewConnectionID()
	return msg, rec
}

func subscribe(t *testing.T, m *Manager, site *api.Site) (*Stream, *transporttest.Recorder) {
	t.Helper()
	msg, rec := newStreamMessage(site)
	s, err := m.Subscribe("192.0.2.1:5000", site, msg)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return s, rec
}

func TestStreamScenario(t *testing.T) {
	m := newManager()
	site := &api.Site{Name: "api", Port: 8080, BaseURL: "/api"}

	s, rec := subscribe(t, m, site)
	if m.Count() != 1 {
		t.Fatalf("Count = %d, want 1", m.Count())
	}
	if s.BaseURL() != "/api" || s.Site() != site {
		t.Errorf("stream site binding = %q %v", s.BaseURL(), s.Site())
	}

	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if s.ChunkCount() != 1 {
		t.Errorf("ChunkCount after Init = %d, want 1", s.ChunkCount())
	}
	if string(rec.Body()) != ":ok\n\n" {
		t.Errorf("leading frame = %q", rec.Body())
	}
	h := rec.Header()
	if h.Get("Content-Type") != "text/event-stream" || h.Get("Cache-Control") != "no-cache" || h.Get("X-Accel-Buffering") != "no" {
		t.Errorf("stream headers = %v", h)
	}

	writes := len(rec.Writes())
	if err := s.Send([]byte("tick"), true); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := len(rec.Writes()) - writes; got != 1 {
		t.Errorf("Send wrote %d frames, want 1", got)
	}
	if !strings.HasSuffix(string(rec.Body()), "data: tick\n\n") {
		t.Errorf("body = %q", rec.Body())
	}

	m.CloseAll(true)

	if m.Count() != 0 {
		t.Errorf("Count after CloseAll = %d, want 0", m.Count())
	}
	if strings.Count(string(rec.Body()), "event: close\n") != 1 {
		t.Errorf("expected exactly one close event in %q", rec.Body())
	}
	if !rec.Disconnected {
		t.Error("connection should be marked for disconnect")
	}
	if s.State() != api.StreamClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed")
	}
}

func TestClose_Idempotent(t *testing.T) {
	m := newManager()
	a, _ := subscribe(t, m, nil)
	subscribe(t, m, nil)
	a.Init()

	m.Close(a)
	if m.Count() != 1 {
		t.Fatalf("Count = %d, want 1", m.Count())
	}
	a.Close()
	m.Close(a)
	if m.Count() != 1 {
		t.Errorf("second Close changed Count to %d", m.Count())
	}
}

func TestSend_TerminalFrameCloses(t *testing.T) {
	m := newManager()
	s, rec := subscribe(t, m, nil)
	s.Init()

	if err := s.Send([]byte("bye"), false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("Count = %d, want 0", m.Count())
	}
	if !rec.Disconnected {
		t.Error("terminal frame should disconnect")
	}
	if !s.Message().Answered() {
		t.Error("message should be answered")
	}
	if err := s.Send([]byte("late"), true); !errors.Is(err, api.ErrStreamClosed) {
		t.Errorf("Send after close = %v, want ErrStreamClosed", err)
	}
}

func TestSend_BeforeInit(t *testing.T) {
	m := newManager()
	s, rec := subscribe(t, m, nil)

	if err := s.Send([]byte("x"), true); !errors.Is(err, api.ErrStreamClosed) {
		t.Errorf("Send before Init = %v, want ErrStreamClosed", err)
	}
	if rec.Committed() {
		t.Error("nothing should be written before Init")
	}
}

func TestInit_Twice(t *testing.T) {
	m := newManager()
	s, _ := subscribe(t, m, nil)
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Init(); err == nil {
		t.Error("second Init should fail")
	}
}

func TestClose_UninitializedLeavesMessage(t *testing.T) {
	m := newManager()
	s, rec := subscribe(t, m, nil)

	s.Close()

	if rec.Committed() || rec.Disconnected || rec.ResetCount != 0 {
		t.Error("closing an uninitialized stream must not touch the connection")
	}
	if s.Message().Answered() {
		t.Error("message should stay unanswered for the caller")
	}
}

func TestSubscribe_AbuseRejected(t *testing.T) {
	m := newManager(WithSenderGuard(auth.NewSenderGuard(0.001, 1)))

	subscribe(t, m, nil)
	msg, rec := newStreamMessage(nil)
	_, err := m.Subscribe("192.0.2.1:6000", nil, msg)

	if api.StatusFromError(err) != 429 {
		t.Fatalf("error = %v, want 429", err)
	}
	if m.Count() != 1 {
		t.Errorf("Count = %d, want 1 (nothing allocated)", m.Count())
	}
	if rec.Committed() {
		t.Error("rejection must not write")
	}
}

func TestSubscribe_Capacity(t *testing.T) {
	m := newManager(WithMaxStreams(1))
	subscribe(t, m, nil)

	msg, _ := newStreamMessage(nil)
	if _, err := m.Subscribe("192.0.2.2:1", nil, msg); api.StatusFromError(err) != 503 {
		t.Errorf("error = %v, want 503", err)
	}
}

func TestSiteStopClosesStreams(t *testing.T) {
	m := newManager()
	site := &api.Site{Name: "live"}
	site.Start()

	s, rec := subscribe(t, m, site)
	s.Init()
	site.Stop()

	if m.Count() != 0 {
		t.Errorf("Count = %d, want 0", m.Count())
	}
	if !rec.Disconnected {
		t.Error("stream of stopped site should be disconnected")
	}
}

func TestSubscribeClose_RemovesStopHook(t *testing.T) {
	m := newManager()
	site := &api.Site{Name: "live"}
	site.Start()
	defer site.Stop()

	for i := 0; i < 1000; i++ {
		s, _ := subscribe(t, m, site)
		s.Init()
		if i%2 == 0 {
			s.Close()
		} else {
			s.Send([]byte("bye"), false)
		}
	}
	if n := site.StopHooks(); n != 0 {
		t.Errorf("StopHooks = %d after 1000 closed streams, want 0", n)
	}
	if m.Count() != 0 {
		t.Errorf("Count = %d, want 0", m.Count())
	}
}

func TestWriteTimeout_ArmsDeadline(t *testing.T) {
	m := newManager(WithWriteTimeout(time.Minute))
	s, rec := subscribe(t, m, nil)
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if dl := rec.WriteDeadline(); time.Until(dl) < 30*time.Second {
		t.Errorf("write deadline = %v, want about a minute from now", dl)
	}
}

func TestWriteTimeout_StalledPeer(t *testing.T) {
	m := newManager(WithWriteTimeout(20 * time.Millisecond))
	s, rec := subscribe(t, m, nil)
	s.Init()
	release := rec.Stall()
	defer release()

	errc := make(chan error, 1)
	go func() { errc <- s.Send(make([]byte, 256<<10), true) }()

	select {
	case err := <-errc:
		if err == nil {
			t.Error("Send to a stalled peer succeeded")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send to a stalled peer did not time out")
	}
}

func TestCloseAll_StalledPeerIsReset(t *testing.T) {
	m := newManager(WithCloseTimeout(20 * time.Millisecond))
	s, rec := subscribe(t, m, nil)
	s.Init()
	release := rec.Stall()
	defer release()

	pushed := make(chan error, 1)
	go func() {
		for {
			if err := s.Send(make([]byte, 256<<10), true); err != nil {
				pushed <- err
				return
			}
		}
	}()

	closed := make(chan struct{})
	go func() {
		m.CloseAll(true)
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("CloseAll blocked on a stalled peer")
	}

	if m.Count() != 0 {
		t.Errorf("Count = %d, want 0", m.Count())
	}
	select {
	case <-s.Done():
	default:
		t.Error("stream Done not closed")
	}
	if rec.ResetCount != 1 {
		t.Errorf("ResetCount = %d, want 1", rec.ResetCount)
	}
	for i := 0; i < 50; i++ {
		select {
		case err := <-pushed:
			if err == nil {
				t.Error("pusher returned without error")
			}
			return
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Error("pusher still blocked after CloseAll")
}

func TestSendEvent_Frame(t *testing.T) {
	m := newManager()
	s, rec := subscribe(t, m, nil)
	s.Init()

	if err := s.SendEvent("update", []byte("line1\nline2")); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	want := "event: update\ndata: line1\ndata: line2\n\n"
	if !strings.HasSuffix(string(rec.Body()), want) {
		t.Errorf("body = %q, want suffix %q", rec.Body(), want)
	}
}

func TestConcurrentSendsSerialize(t *testing.T) {
	m := newManager()
	s, rec := subscribe(t, m, nil)
	s.Init()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Send([]byte(fmt.Sprintf("msg-%02d", i)), true)
		}(i)
	}
	wg.Wait()

	frames := strings.Split(strings.TrimPrefix(string(rec.Body()), ":ok\n\n"), "\n\n")
	frames = frames[:len(frames)-1]
	if len(frames) != 20 {
		t.Fatalf("frames = %d, want 20", len(frames))
	}
	for _, f := range frames {
		if !strings.HasPrefix(f, "data: msg-") || strings.Count(f, "\n") != 0 {
			t.Errorf("interleaved frame %q", f)
		}
	}
	if s.ChunkCount() != 21 {
		t.Errorf("ChunkCount = %d, want 21", s.ChunkCount())
	}
}

func TestHeartbeat_KeepAliveAndAbandon(t *testing.T) {
	m := newManager(WithHeartbeat(10 * time.Millisecond))
	s, rec := subscribe(t, m, nil)
	s.Init()

	m.StartHeartbeat()
	m.StartHeartbeat()

	select {
	case <-m.Wait():
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat pulse")
	}
	if !strings.Contains(string(rec.Body()), keepAliveFrame) {
		t.Errorf("body %q missing keep-alive frame", rec.Body())
	}

	waiters := make([]<-chan struct{}, 3)
	for i := range waiters {
		waiters[i] = m.Wait()
	}
	m.Abandon()
	for i, w := range waiters {
		select {
		case <-w:
		case <-time.After(time.Second):
			t.Fatalf("waiter %d not released by Abandon", i)
		}
	}

	select {
	case <-m.MonitorDone():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not exit")
	}
}

func TestHeartbeat_DropsBrokenStream(t *testing.T) {
	m := newManager(WithHeartbeat(5 * time.Millisecond))
	s, rec := subscribe(t, m, nil)
	s.Init()
	rec.FailWrites = errors.New("broken pipe")

	m.StartHeartbeat()
	defer m.Abandon()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("broken stream was not dropped")
	}
	if m.Count() != 0 {
		t.Errorf("Count = %d, want 0", m.Count())
	}
	if rec.ResetCount != 1 {
		t.Errorf("ResetCount = %d, want 1", rec.ResetCount)
	}
}

func TestFrame(t *testing.T) {
	tests := []struct {
		event string
		data  string
		want  string
	}{
		{"", "tick", "data: tick\n\n"},
		{"", "", "data: \n\n"},
		{"", "a\r\nb", "data: a\ndata: b\n\n"},
		{"close", "", "event: close\ndata: \n\n"},
		{"bad\nname", "x", "event: badname\ndata: x\n\n"},
	}
	for _, tt := range tests {
		if got := string(frame(tt.event, []byte(tt.data))); got != tt.want {
			t.Errorf("frame(%q, %q) = %q, want %q", tt.event, tt.data, got, tt.want)
		}
	}
}
