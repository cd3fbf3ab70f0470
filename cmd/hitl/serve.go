package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/hitl"
	"github.com/aixgo-dev/hitl/internal/api"
	"github.com/aixgo-dev/hitl/internal/census"
	"github.com/aixgo-dev/hitl/internal/observability"
	"github.com/aixgo-dev/hitl/pkg/config"
	metrics "github.com/aixgo-dev/hitl/pkg/observability"
	"github.com/aixgo-dev/hitl/pkg/security"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serve the thread API under /v1/threads together with /health, /health/live,
/health/ready and /metrics. Threads waiting for approval are counted on the
census schedule and exported as hitl_threads_awaiting_approval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := a.logger(cmd.ErrOrStderr(), "json")
			if err != nil {
				return err
			}

			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}

			if err := observability.Init(tracingConfig(cfg.Observability)); err != nil {
				logger.Warn("tracing disabled", "error", err)
			}
			defer func() {
				if err := observability.Shutdown(context.Background()); err != nil {
					logger.Warn("tracing shutdown", "error", err)
				}
			}()
			metrics.InitMetrics()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := append([]hitl.Option{hitl.WithLogger(logger)}, a.opts...)
			rt, err := hitl.New(ctx, cfg, opts...)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					logger.Error("close runtime", "error", err)
				}
			}()

			if cfg.Census.Schedule != "" {
				c, err := census.New(rt.Store, cfg.Census.Schedule, logger)
				if err != nil {
					return err
				}
				c.Start()
				defer c.Stop()
			}

			var limiter *security.RateLimiter
			if cfg.Server.RateLimit.RequestsPerSecond > 0 {
				limiter = security.NewRateLimiter(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst)
			}
			router := api.NewRouter(api.NewHandler(rt.Orchestrator, logger), rt.Health, limiter, logger)

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}
			return serve(ctx, srv, logger)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (overrides server.port)")
	return cmd
}

// serve runs srv until ctx ends, then drains in-flight requests.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr, "version", hitl.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// tracingConfig starts from the OTEL_* environment and lets the config file
// take over once it names an exporter.
func tracingConfig(c config.ObservabilityConfig) observability.Config {
	tc := observability.ConfigFromEnv()
	if c.Exporter != "" && c.Exporter != "none" {
		tc.ExporterType = c.Exporter
		tc.OTLPEndpoint = c.OTLPEndpoint
		tc.Insecure = c.Insecure
	}
	return tc
}
