// Package server ties the sitehost components together and drives their
// lifecycle: Initialise builds the writer, stream manager, channel bridge
// and dispatcher from configuration; Run starts the heartbeat monitor and
// the registered services; Stop tears every streaming connection down and
// releases all tables.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/rhuss/sitehost/pkg/api"
	"github.com/rhuss/sitehost/pkg/auth"
	"github.com/rhuss/sitehost/pkg/config"
	"github.com/rhuss/sitehost/pkg/debug"
	"github.com/rhuss/sitehost/pkg/dispatch"
	"github.com/rhuss/sitehost/pkg/events"
	"github.com/rhuss/sitehost/pkg/response"
	"github.com/rhuss/sitehost/pkg/site"
	"github.com/rhuss/sitehost/pkg/transport"
	"github.com/rhuss/sitehost/pkg/wsbridge"
)

const tracerName = "github.com/rhuss/sitehost/pkg/server"

// Server is the lifecycle controller. It owns the site, stream and channel
// tables; nothing in the process shares them.
type Server struct {
	cfg *config.Config

	logOutput     io.Writer
	logger        *slog.Logger
	logSink       io.Closer
	authenticator auth.Authenticator
	limiter       auth.RateLimiter
	middleware    []transport.Middleware
	tracer        trace.Tracer

	sites      *site.Registry
	writer     *response.Writer
	streams    *events.Manager
	bridge     *wsbridge.Bridge
	dispatcher *dispatch.Dispatcher
	workers    *semaphore.Weighted

	// mu guards state and services. stopMu serializes Stop and Cleanup with
	// each other.
	mu       sync.Mutex
	state    api.ServerState
	services []Service
	stopMu   sync.Mutex
}

// Option configures a Server.
type Option func(*Server)

// WithAuthenticator sets the authenticator consulted for sites that require
// authentication.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(s *Server) { s.authenticator = a }
}

// WithRateLimiter sets the per-identity limiter applied after
// authentication.
func WithRateLimiter(l auth.RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithLogOutput sends log output to w instead of stderr or the configured
// log file.
func WithLogOutput(w io.Writer) Option {
	return func(s *Server) { s.logOutput = w }
}

// WithMiddleware appends middleware wrapped around every site handler,
// inside the built-in recovery and logging middleware.
func WithMiddleware(m ...transport.Middleware) Option {
	return func(s *Server) { s.middleware = append(s.middleware, m...) }
}

// WithTracer sets the tracer used for exchange spans. The default comes
// from the global OpenTelemetry provider.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// New returns an uninitialized Server for cfg. Sites may be registered
// right away; everything else is built by Initialise.
func New(cfg *config.Config, opts ...Option) *Server {
	if cfg == nil {
		def := config.Defaults()
		cfg = &def
	}
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		state:  api.ServerUninitialized,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	s.sites = site.NewRegistry(s.logger)
	return s
}

// Sites returns the site table.
func (s *Server) Sites() *site.Registry { return s.sites }

// Streams returns the event stream manager. It is nil before Initialise.
func (s *Server) Streams() *events.Manager { return s.streams }

// Bridge returns the WebSocket bridge. It is nil before Initialise.
func (s *Server) Bridge() *wsbridge.Bridge { return s.bridge }

// Writer returns the response writer. It is nil before Initialise.
func (s *Server) Writer() *response.Writer { return s.writer }

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger { return s.logger }

// State returns the lifecycle state.
func (s *Server) State() api.ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether the server accepts exchanges.
func (s *Server) Running() bool {
	return s.State() == api.ServerRunning
}

// Initialise prepares the server in a fixed order: logging, configuration
// validation, hard limits, keep-alive parameters, header policy and the
// worker pool. It returns false when the configuration is invalid; the
// server then never runs. Initialising twice is a no-op.
func (s *Server) Initialise() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case api.ServerInitialized, api.ServerRunning:
		return true
	case api.ServerStopping:
		s.logger.Error("initialise called while stopping")
		return false
	}

	logger, sink, err := newLogger(s.cfg.Logging, s.logOutput)
	if err != nil {
		s.logger.Error("log setup failed", "error", err)
		return false
	}
	s.logger = logger
	s.logSink = sink
	debug.Init(s.cfg.Logging.Debug)

	if err := s.cfg.Validate(); err != nil {
		s.logger.Error("invalid configuration", "error", api.NewConfigurationError("validation failed", err))
		s.closeLogSink()
		return false
	}

	limits := s.cfg.Limits
	streaming := s.cfg.Streaming

	s.writer = response.New(
		response.WithServerHeader(s.cfg.Headers.Policy()),
		response.WithLogger(s.logger),
	)

	var guard *auth.SenderGuard
	if streaming.SubscribeRate > 0 {
		guard = auth.NewSenderGuard(streaming.SubscribeRate, streaming.SubscribeBurst)
	}
	s.streams = events.NewManager(s.writer,
		events.WithHeartbeat(streaming.Heartbeat),
		events.WithSenderGuard(guard),
		events.WithMaxStreams(limits.MaxStreams),
		events.WithWriteTimeout(streaming.WriteTimeout),
		events.WithCloseTimeout(time.Duration(streaming.StopRetries)*streaming.StopInterval),
		events.WithLogger(s.logger),
	)

	ws := s.cfg.WebSocket
	s.bridge = wsbridge.New(wsbridge.Config{
		ReadLimit:    ws.ReadLimit,
		ReadTimeout:  ws.ReadTimeout,
		WriteTimeout: ws.WriteTimeout,
		PingInterval: ws.PingInterval,
		MaxChannels:  limits.MaxChannels,
	}, s.logger)

	dopts := []dispatch.Option{
		dispatch.WithMaxBodySize(limits.MaxBodySize),
		dispatch.WithLogger(s.logger),
	}
	if s.authenticator != nil {
		dopts = append(dopts, dispatch.WithAuthenticator(s.authenticator))
	}
	if s.limiter != nil {
		dopts = append(dopts, dispatch.WithRateLimiter(s.limiter))
	}
	s.dispatcher = dispatch.New(s.sites, s.streams, s.writer, dopts...)

	s.workers = semaphore.NewWeighted(int64(limits.MaxWorkers))

	if err := s.transition(api.ServerInitialized); err != nil {
		s.logger.Error("initialise failed", "error", err)
		return false
	}
	s.logger.Info("server initialised",
		"sites", s.sites.Len(),
		"max_body_size", limits.MaxBodySize,
		"max_streams", limits.MaxStreams,
		"max_channels", limits.MaxChannels,
		"max_workers", limits.MaxWorkers,
		"heartbeat", streaming.Heartbeat,
	)
	return true
}

// Run starts the heartbeat monitor and every registered service. It fails
// when Initialise has not succeeded or when a registered site was never
// started.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case api.ServerInitialized:
	case api.ServerRunning, api.ServerStopping:
		err := &api.Error{Kind: api.ErrorKindProgrammer, Message: fmt.Sprintf("run called in state %s", s.state)}
		s.logger.Error("run rejected", "error", err)
		return err
	default:
		s.logger.Error("run rejected", "state", s.state)
		return fmt.Errorf("run in state %s: %w", s.state, api.ErrNotInitialized)
	}

	var stopped []string
	for _, st := range s.sites.Sites() {
		if !st.Started() {
			stopped = append(stopped, st.Key())
		}
	}
	if len(stopped) > 0 {
		err := &api.Error{Kind: api.ErrorKindProgrammer, Message: fmt.Sprintf("sites registered but not started: %v", stopped)}
		s.logger.Error("run rejected", "error", err)
		return err
	}

	for i, svc := range s.services {
		if err := svc.Start(ctx); err != nil {
			s.logger.Error("service failed to start", "service", svc.Name(), "error", err)
			s.stopServices(s.services[:i])
			return fmt.Errorf("starting %s: %w", svc.Name(), err)
		}
		s.logger.Info("service started", "service", svc.Name())
	}

	s.streams.StartHeartbeat()
	if err := s.transition(api.ServerRunning); err != nil {
		return err
	}
	s.logger.Info("server running", "sites", s.sites.Len(), "services", len(s.services))
	return nil
}

// Stop closes every WebSocket channel, sends the close event to every open
// event stream before closing it, releases the heartbeat waiters and waits,
// bounded, for the monitor to exit. It then runs Cleanup. Stopping a server
// that is not running is a no-op.
func (s *Server) Stop() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	s.mu.Lock()
	if s.state != api.ServerRunning {
		s.mu.Unlock()
		return
	}
	_ = s.transition(api.ServerStopping)
	s.mu.Unlock()

	start := time.Now()
	channels, streams := s.bridge.Count(), s.streams.Count()

	s.bridge.CloseAll()
	s.streams.CloseAll(true)
	s.streams.Abandon()

	if !s.waitMonitor() {
		s.logger.Warn("heartbeat monitor did not exit in time",
			"retries", s.cfg.Streaming.StopRetries,
			"interval", s.cfg.Streaming.StopInterval,
		)
	}

	s.cleanup()

	s.mu.Lock()
	_ = s.transition(api.ServerStopped)
	s.mu.Unlock()

	s.logger.Info("server stopped",
		"channels_closed", channels,
		"streams_closed", streams,
		"duration", time.Since(start),
	)
	s.closeLogSink()
}

// waitMonitor polls for the heartbeat monitor to exit, at most StopRetries
// times StopInterval.
func (s *Server) waitMonitor() bool {
	done := s.streams.MonitorDone()
	if done == nil {
		return true
	}
	ticker := time.NewTicker(s.cfg.Streaming.StopInterval)
	defer ticker.Stop()
	for i := 0; i < s.cfg.Streaming.StopRetries; i++ {
		select {
		case <-done:
			return true
		case <-ticker.C:
		}
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Cleanup releases every table: open channels and streams, registered
// services and all sites, sub-sites before their main site. It also
// closes the server-owned log file. Stop calls it; call it directly only
// for a server that was initialised but never run.
func (s *Server) Cleanup() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	s.cleanup()

	s.mu.Lock()
	if s.state == api.ServerInitialized {
		_ = s.transition(api.ServerStopped)
	}
	s.mu.Unlock()
	s.closeLogSink()
}

func (s *Server) cleanup() {
	if s.bridge != nil {
		s.bridge.CloseAll()
	}
	if s.streams != nil {
		s.streams.CloseAll(false)
	}

	s.mu.Lock()
	services := s.services
	s.services = nil
	s.mu.Unlock()
	s.stopServices(services)

	s.sites.RemoveAll()
}

func (s *Server) stopServices(services []Service) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := svc.Stop(ctx); err != nil {
			s.logger.Warn("service stop failed", "service", svc.Name(), "error", err)
			continue
		}
		s.logger.Info("service stopped", "service", svc.Name())
	}
}

func (s *Server) closeLogSink() {
	if s.logSink == nil {
		return
	}
	if err := s.logSink.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		fmt.Fprintf(os.Stderr, "closing log file: %v\n", err)
	}
	s.logSink = nil
}

// transition moves to the next lifecycle state. Callers hold s.mu.
func (s *Server) transition(to api.ServerState) error {
	if err := api.ValidateServerTransition(s.state, to); err != nil {
		return err
	}
	debug.Log(debug.Lifecycle, "state transition", "from", s.state, "to", to)
	s.state = to
	return nil
}
