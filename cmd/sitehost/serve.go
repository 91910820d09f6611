package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rhuss/sitehost/pkg/api"
	"github.com/rhuss/sitehost/pkg/config"
	"github.com/rhuss/sitehost/pkg/observability"
	"github.com/rhuss/sitehost/pkg/server"
	"github.com/rhuss/sitehost/pkg/transport"
	transporthttp "github.com/rhuss/sitehost/pkg/transport/http"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		healthPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured sites until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, healthPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.Flags().StringVar(&healthPath, "health-path", "/healthz", "Base URL of the health site, empty to disable")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config, healthPath string) error {
	authn, err := server.NewAuthenticator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("creating authenticator: %w", err)
	}

	opts := []server.Option{server.WithAuthenticator(authn)}
	if limiter := server.NewRateLimiter(cfg.Auth.RateLimit); limiter != nil {
		opts = append(opts, server.WithRateLimiter(limiter))
	}
	srv := server.New(cfg, opts...)

	if !srv.Initialise() {
		return errors.New("server failed to initialise, see log for details")
	}
	logger := srv.Logger()
	slog.SetDefault(logger)

	if err := srv.RegisterConfiguredSites(); err != nil {
		srv.Cleanup()
		return err
	}
	if healthPath != "" {
		health := &api.Site{Name: "health", Port: cfg.ListenPort(), BaseURL: healthPath}
		health.Handler = srv.HealthHandler()
		if err := srv.Sites().Register(health); err != nil {
			logger.Warn("health site not registered", slog.String("error", err.Error()))
		} else {
			health.Start()
		}
	}

	var exchange transport.Exchange = srv
	if cfg.Observability.Metrics.Enabled {
		exchange = observability.MetricsMiddleware(srv)
	}
	httpSrv := transporthttp.NewServer(exchange,
		transporthttp.WithAddr(cfg.Server.Addr),
		transporthttp.WithEntityPreload(cfg.Limits.EntityPreload),
		transporthttp.WithReadHeaderTimeout(cfg.Server.ReadHeaderTimeout),
		transporthttp.WithIdleTimeout(cfg.Server.IdleTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithLogger(logger),
	)
	services := []server.Service{httpSrv}
	if m := cfg.Observability.Metrics; m.Enabled {
		services = append(services, observability.NewMetricsService(m.Addr, m.Path, logger))
	}
	for _, svc := range services {
		if err := srv.RegisterService(svc); err != nil {
			srv.Cleanup()
			return err
		}
	}

	if err := srv.Run(ctx); err != nil {
		srv.Cleanup()
		return err
	}
	logger.Info("sitehost running",
		slog.String("version", version),
		slog.String("addr", httpSrv.Addr()),
		slog.Int("sites", srv.Sites().Len()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-httpSrv.Err():
			return fmt.Errorf("http server: %w", err)
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", slog.Int("pid", os.Getpid()))
		srv.Stop()
		return nil
	})
	return g.Wait()
}
