package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/fswatch/internal/archive"
	"github.com/tripwire/fswatch/internal/audit"
	"github.com/tripwire/fswatch/internal/config"
	"github.com/tripwire/fswatch/internal/daemon"
	"github.com/tripwire/fswatch/internal/journal"
	"github.com/tripwire/fswatch/internal/metrics"
	"github.com/tripwire/fswatch/internal/server/rest"
	"github.com/tripwire/fswatch/internal/server/websocket"
	"github.com/tripwire/fswatch/internal/watcher"
)

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the fswatch daemon",
		Long: `Start the daemon: watch the configured paths, record every event in the
journal (and the archive, when configured), and serve the REST API, metrics
and live event stream. SIGINT or SIGTERM shuts it down cleanly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, newLogger(cfg.LogLevel))
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "/etc/fswatch/config.yaml", "Path to the YAML configuration file")

	return cmd
}

// runDaemon wires every component from cfg and blocks until ctx is done.
func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("api_addr", cfg.APIAddr),
		slog.String("journal_path", cfg.JournalPath),
		slog.String("log_level", cfg.LogLevel),
		slog.Int("watches", len(cfg.Watches)),
	)

	m := metrics.New()

	jr, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return err
	}
	sinks := []daemon.Sink{jr}

	if cfg.Archive.Enabled() {
		ar, err := archive.New(ctx, cfg.Archive, logger)
		if err != nil {
			_ = jr.Close()
			return err
		}
		sinks = append(sinks, ar)
	}

	bc := websocket.NewBroadcaster(logger, 0)
	sinks = append(sinks, bc)

	wopts := []watcher.Option{
		watcher.WithObserver(m),
		watcher.WithBufferSize(cfg.BufferSize),
	}
	if cfg.AuditPath != "" {
		al, err := audit.Open(cfg.AuditPath)
		if err != nil {
			closeSinks(sinks, logger)
			return err
		}
		// Closed after the daemon has stopped the watcher.
		defer al.Close()
		wopts = append(wopts, watcher.WithChangeLog(al))
	}

	w, err := watcher.NewInotifyWatcher(cfg.Watches, logger, wopts...)
	if err != nil {
		closeSinks(sinks, logger)
		return err
	}

	d := daemon.New(logger,
		daemon.WithSource(w),
		daemon.WithSinks(sinks...),
		daemon.WithErrorObserver(m),
	)
	if err := d.Start(ctx); err != nil {
		w.Stop()
		closeSinks(sinks, logger)
		return err
	}
	defer d.Stop()

	routes := rest.Routes{
		Healthz: d.HealthzHandler,
		Metrics: m.Handler(),
		Stream:  websocket.NewHandler(bc, logger, 0),
	}
	if cfg.Auth.PublicKeyPath != "" {
		pemData, err := os.ReadFile(cfg.Auth.PublicKeyPath)
		if err != nil {
			return fmt.Errorf("auth: read public key: %w", err)
		}
		key, err := rest.ParseRSAPublicKey(pemData)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		routes.Auth = &rest.JWTConfig{
			PublicKey: key,
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			Logger:    logger,
		}
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           rest.NewRouter(rest.NewServer(w, jr, logger), routes),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api server listening", slog.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			logger.Error("api server error", slog.Any("error", err))
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown error", slog.Any("error", err))
	}

	logger.Info("fswatch exited cleanly")
	return nil
}

func closeSinks(sinks []daemon.Sink, logger *slog.Logger) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			logger.Warn("error closing sink", slog.String("sink", s.Name()), slog.Any("error", err))
		}
	}
}
