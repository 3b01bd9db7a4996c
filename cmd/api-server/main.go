package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/slot-reservation-engine/internal/api"
	"github.com/hackgods/slot-reservation-engine/internal/app"
	"github.com/hackgods/slot-reservation-engine/internal/config"
	"github.com/hackgods/slot-reservation-engine/internal/worker"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}

	logger := app.NewLogger(cfg, "api-server")
	logger.Info().Str("env", cfg.Env).Str("version", version).Msg("api server starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build runtime")
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error().Err(err).Msg("close runtime")
		}
	}()

	var workers []*worker.Periodic
	if cfg.EmbedWorkers {
		for _, task := range app.Tasks(rt.Engine, cfg, logger) {
			p := worker.NewPeriodic(task, logger)
			if err := p.Start(ctx); err != nil {
				logger.Fatal().Err(err).Str("task", task.Name).Msg("start worker")
			}
			workers = append(workers, p)
		}
		logger.Info().Int("workers", len(workers)).Msg("background cycles embedded")
	}

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Engine:  rt.Engine,
			PgPool:  rt.Pool,
			Redis:   rt.Redis,
			Logger:  logger,
			Env:     cfg.Env,
			Version: version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	for _, p := range workers {
		p.Stop()
	}

	logger.Info().Msg("api server stopped")
}
