package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/JonMunkholm/portfoliolens/internal/application"
	"github.com/JonMunkholm/portfoliolens/internal/config"
	"github.com/JonMunkholm/portfoliolens/internal/logging"
	"github.com/JonMunkholm/portfoliolens/internal/web"
)

// sessionSweepInterval is how often expired review sessions are dropped.
const sessionSweepInterval = time.Minute

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	configPath := flags.String("config", "", "YAML config file (default $"+config.FileEnv+")")
	config.RegisterFlags(flags)
	_ = flags.Parse(os.Args[1:])

	// Load and validate configuration
	cfg, err := config.LoadWithFlags(*configPath, flags)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := application.Open(ctx, cfg, application.Options{})
	if err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	service := app.Service
	server := web.NewServer(service, app.Receiver, cfg)
	server.AddHealthCheck("database", app.Ping)

	go service.StartSessionSweeper(ctx, sessionSweepInterval)

	// Warm the schema so the first upload does not wait on metadata
	if snap, err := service.Schema().GetOrFetch(ctx); err != nil {
		slog.Warn("schema not loaded at startup", "error", err)
	} else {
		slog.Info("schema loaded", "tables", snap.Len(), "version", snap.Version)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr())
		errCh <- server.Start(cfg.Server.Addr())
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
	}

	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Let running imports finish (or cancel them at the deadline)
	status := service.LimiterStatus()
	if status.Active > 0 {
		slog.Info("waiting for imports to complete", "active", status.Active)
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		slog.Warn("imports did not complete in time", "error", err)
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}
