package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rhuss/sitehost/pkg/transport"
)

// Server wraps an http.Server with the transport adapter and manages
// the full lifecycle including startup and graceful shutdown.
type Server struct {
	httpServer *http.Server
	adapter    *Adapter
	config     ServerConfig
	logger     *slog.Logger

	mu   sync.Mutex
	ln   net.Listener
	errc chan error
}

// ServerConfig holds configuration for the transport server.
type ServerConfig struct {
	Addr              string
	EntityPreload     int64
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	Fallback          http.Handler
	Logger            *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":8080",
		EntityPreload:     DefaultEntityPreload,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		Logger:            slog.Default(),
	}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.config.Addr = addr }
}

// WithEntityPreload sets how many body bytes are read before dispatch.
func WithEntityPreload(n int64) ServerOption {
	return func(s *Server) { s.config.EntityPreload = n }
}

// WithReadHeaderTimeout bounds reading request headers.
func WithReadHeaderTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.config.ReadHeaderTimeout = d }
}

// WithIdleTimeout bounds idle keep-alive connections.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.config.IdleTimeout = d }
}

// WithShutdownTimeout sets the graceful shutdown deadline.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.config.ShutdownTimeout = d }
}

// WithFallback sets the handler for exchanges deferred back to the host.
func WithFallback(h http.Handler) ServerOption {
	return func(s *Server) { s.config.Fallback = h }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.config.Logger = l; s.logger = l }
}

// NewServer creates a transport server delivering every request to
// exchange.
func NewServer(exchange transport.Exchange, opts ...ServerOption) *Server {
	s := &Server{
		config: DefaultServerConfig(),
		logger: slog.Default(),
		errc:   make(chan error, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	adapterCfg := Config{
		Port:          portOf(s.config.Addr),
		EntityPreload: s.config.EntityPreload,
		Fallback:      s.config.Fallback,
	}
	s.adapter = NewAdapter(exchange, adapterCfg, s.logger)

	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.adapter.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		ConnContext:       connContext,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	return s
}

// Name identifies the server in logs.
func (s *Server) Name() string { return "http" }

// Addr returns the bound listener address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.config.Addr
	}
	return s.ln.Addr().String()
}

// Start binds the configured address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.ServeOn(ln)
	return nil
}

// ServeOn serves on ln in the background. Used directly by tests.
func (s *Server) ServeOn(ln net.Listener) {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		s.logger.Info("server starting", slog.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server failed", slog.String("error", err.Error()))
			s.errc <- err
		}
	}()
}

// Err receives the error that ended serving, if it ended abnormally.
func (s *Server) Err() <-chan error {
	return s.errc
}

// Stop shuts down gracefully, waiting for in-flight requests within the
// configured timeout or ctx, whichever ends first.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down gracefully", slog.Duration("timeout", s.config.ShutdownTimeout))
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("shutdown error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, err := net.LookupPort("tcp", port)
	if err != nil {
		return 0
	}
	return p
}
