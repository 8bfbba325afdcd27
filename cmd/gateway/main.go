// q402 gateway: gates agent actions behind policy checks and signed
// witness payments on BNB Smart Chain.
package main

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

	"github.com/spf13/pflag"

	"github.com/siddimore/q402-agent-gate/internal/config"
	"github.com/siddimore/q402-agent-gate/internal/telemetry"
	"github.com/siddimore/q402-agent-gate/pkg/q402"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "q402-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listenAddr string
		backendURL string
	)
	pflag.StringVar(&configPath, "config", os.Getenv("Q402_CONFIG"), "path to the YAML config file")
	pflag.StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
	pflag.StringVar(&backendURL, "backend", "", "proxy gated requests to this URL instead of the built-in agent")
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if backendURL != "" {
		cfg.Backend = backendURL
	}

	var level slog.Level
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return fmt.Errorf("log level: %w", err)
		}
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	key, err := cfg.FacilitatorKey()
	if err != nil {
		return err
	}
	attester, err := q402.ParseKeyAttester(key)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	srv, err := newServer(cfg, attester, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("q402 gateway starting",
			"addr", cfg.ListenAddr,
			"facilitator", attester.Address().Hex(),
			"default_network", cfg.DefaultNetwork,
			"backend", cfg.Backend,
			"replay", cfg.Replay.Backend,
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown", "error", err)
	}
	return nil
}
