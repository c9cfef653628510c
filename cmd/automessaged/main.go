// Command automessaged runs the automatic-message pipeline as a
// standalone process: it assembles the App from environment
// configuration, starts the scheduler and consumer, serves the
// health/status HTTP endpoints, and shuts down gracefully on SIGINT
// or SIGTERM.
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

	"github.com/lacechat/automessage"
	"github.com/lacechat/automessage/config"
)

func main() {
	logger := slog.Default()

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := automessage.New(ctx, cfg)
	if err != nil {
		logger.Error("failed to assemble app", "error", err)
		os.Exit(1)
	}

	if err := app.Start(ctx); err != nil {
		logger.Error("failed to start app", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: app.Status,
	}
	go func() {
		logger.Info("status server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown failed", "error", err)
	}
	if err := app.Stop(shutdownCtx); err != nil {
		logger.Warn("app shutdown failed", "error", err)
	}
}
