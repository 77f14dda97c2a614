package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcpfed/pkg/api"
	"mcpfed/pkg/auth"
	"mcpfed/pkg/federation"
)

func serveCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the federation gateway",
		Long: `Connect to every configured peer and serve the peer API, health checks
and metrics until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.ListenAddress = address
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			gw, err := newGateway(cfg, registry, logger)
			if err != nil {
				return err
			}

			monitor := federation.NewHealthMonitor(gw.manager, cfg.HealthInterval.Std(), logger.Named("health"))
			monitor.Start()
			defer monitor.Stop()

			srv := api.New(api.Config{
				Manager:      gw.manager,
				Monitor:      monitor,
				Auth:         auth.NewAuthInterceptor(gw.issuer, cfg.RequireAuth),
				Gatherer:     registry,
				MaxBodyBytes: int64(cfg.MaxRequestBody),
				Logger:       logger.Named("api"),
			})
			httpServer := &http.Server{
				Addr:              cfg.ListenAddress,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("Starting federation gateway",
					zap.String("address", cfg.ListenAddress),
					zap.Int("peers", len(cfg.Peers)))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			// Peers connect in the background so the API is reachable while
			// slow peers are still handshaking.
			go func() {
				if failed := gw.connectAll(ctx, cfg.Peers, logger); failed > 0 {
					logger.Warn("Some peers could not be connected",
						zap.Int("failed", failed),
						zap.Int("total", len(cfg.Peers)))
				}
				monitor.Check()
			}()

			select {
			case <-ctx.Done():
				logger.Info("Shutting down federation gateway")
			case err := <-serveErr:
				if err != nil {
					_ = gw.manager.Close()
					return fmt.Errorf("http server: %w", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP server did not shut down cleanly", zap.Error(err))
			}
			return gw.manager.Close()
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "listen address (overrides config)")
	return cmd
}
