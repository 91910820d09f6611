package http

import (
	"context"
	"io"
	"net"
	gohttp "net/http"
	"testing"
	"time"

	"github.com/rhuss/sitehost/pkg/api"
	"github.com/rhuss/sitehost/pkg/transport"
)

func hello() transport.ExchangeFunc {
	return func(ctx context.Context, req api.Request, sink api.ResponseSink) {
		sink.SetHeader("Content-Type", "text/plain")
		sink.Write([]byte("hello from "+req.URL()), false)
	}
}

func TestServerStartsAndAcceptsRequests(t *testing.T) {
	srv := NewServer(hello(), WithAddr("127.0.0.1:0"))
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop(context.Background())

	resp, err := gohttp.Get("http://" + srv.Addr() + "/api/x")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != gohttp.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, gohttp.StatusOK)
	}
	if string(body) != "hello from /api/x" {
		t.Errorf("body = %q", body)
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	slow := transport.ExchangeFunc(func(ctx context.Context, req api.Request, sink api.ResponseSink) {
		select {
		case <-time.After(200 * time.Millisecond):
			sink.Write([]byte("done"), false)
		case <-ctx.Done():
		}
	})

	srv := NewServer(slow, WithShutdownTimeout(5*time.Second))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	addr := ln.Addr().String()
	srv.ServeOn(ln)

	responseCh := make(chan int, 1)
	go func() {
		resp, err := gohttp.Get("http://" + addr + "/")
		if err != nil {
			responseCh <- 0
			return
		}
		defer resp.Body.Close()
		responseCh <- resp.StatusCode
	}()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}

	status := <-responseCh
	if status != gohttp.StatusOK {
		t.Errorf("slow request status = %d, want %d", status, gohttp.StatusOK)
	}
}

func TestServerStartFailsOnBusyAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	defer ln.Close()

	srv := NewServer(hello(), WithAddr(ln.Addr().String()))
	if err := srv.Start(context.Background()); err == nil {
		srv.Stop(context.Background())
		t.Fatal("Start on a bound address should fail")
	}
}

func TestServerFunctionalOptions(t *testing.T) {
	srv := NewServer(hello(),
		WithAddr(":9999"),
		WithEntityPreload(1024),
		WithShutdownTimeout(10*time.Second),
		WithIdleTimeout(time.Minute),
		WithReadHeaderTimeout(2*time.Second),
	)

	if srv.config.Addr != ":9999" {
		t.Errorf("addr = %q, want %q", srv.config.Addr, ":9999")
	}
	if srv.adapter.config.EntityPreload != 1024 {
		t.Errorf("entity preload = %d, want %d", srv.adapter.config.EntityPreload, 1024)
	}
	if srv.adapter.config.Port != 9999 {
		t.Errorf("port = %d, want %d", srv.adapter.config.Port, 9999)
	}
	if srv.config.ShutdownTimeout != 10*time.Second {
		t.Errorf("shutdown timeout = %v, want %v", srv.config.ShutdownTimeout, 10*time.Second)
	}
	if srv.httpServer.IdleTimeout != time.Minute || srv.httpServer.ReadHeaderTimeout != 2*time.Second {
		t.Errorf("timeouts = %v %v", srv.httpServer.IdleTimeout, srv.httpServer.ReadHeaderTimeout)
	}
	if srv.Name() != "http" {
		t.Errorf("Name = %q", srv.Name())
	}
}

func TestPortOf(t *testing.T) {
	tests := []struct {
		addr string
		want int
	}{
		{":8080", 8080},
		{"127.0.0.1:9000", 9000},
		{"localhost:http", 80},
		{"nonsense", 0},
	}
	for _, tt := range tests {
		if got := portOf(tt.addr); got != tt.want {
			t.Errorf("portOf(%q) = %d, want %d", tt.addr, got, tt.want)
		}
	}
}
