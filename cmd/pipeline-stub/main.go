// Package main runs the development stand-in for the analysis pipeline
// service: the same HTTP surface and push channel the production
// backend exposes, backed by a staged fake pipeline.
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

	"github.com/anveshbhat/postlens/internal/config"
	"github.com/anveshbhat/postlens/internal/push"
	"github.com/anveshbhat/postlens/internal/stub"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("pipeline stub failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadStub()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	channel, err := push.NewRedisChannel(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create push channel: %w", err)
	}
	defer channel.Close()
	if err := channel.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	server := stub.NewServer(channel, cfg.Stub.StageInterval)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Stub.Port),
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("pipeline stub listening", "port", cfg.Stub.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
