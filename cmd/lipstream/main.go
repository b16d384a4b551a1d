package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/lipstream/internal/app"
	"github.com/ent0n29/lipstream/internal/config"
	"github.com/ent0n29/lipstream/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New(logging.Options{})
		boot.Fatal().Err(err).Msg("config error")
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx := context.Background()
	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	logger.Info().
		Str("model_backend", built.Models.Backend).
		Bool("neural", built.Models.Neural).
		Str("detail", built.Models.Detail).
		Str("avatar_root", cfg.Avatar.Root).
		Str("default_avatar", cfg.Avatar.Default).
		Msg("lip-sync pipeline ready")

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	built.Sessions.StartJanitor(runCtx, app.JanitorInterval)

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	if err := built.Cleanup(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("cleanup failed")
	}

	logger.Info().Msg("shutdown complete")
}
