package observability

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService serves the Prometheus registry on its own listener.
type MetricsService struct {
	addr     string
	path     string
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	srv *http.Server
	ln  net.Listener
}

// NewMetricsService returns a service exposing the default registry at path
// on addr. An empty path means "/metrics".
func NewMetricsService(addr, path string, logger *slog.Logger) *MetricsService {
	if path == "" {
		path = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsService{
		addr:     addr,
		path:     path,
		gatherer: prometheus.DefaultGatherer,
		logger:   logger,
	}
}

// Name identifies the service in logs.
func (s *MetricsService) Name() string { return "metrics" }

// Addr returns the bound listener address once started.
func (s *MetricsService) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Start binds the listener and serves in the background.
func (s *MetricsService) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.ln = ln
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
	s.logger.Info("metrics service started", "addr", ln.Addr().String(), "path", s.path)
	return nil
}

// Stop shuts the listener down. Stopping a service that never started is a
// no-op.
func (s *MetricsService) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.srv = nil
	return err
}
