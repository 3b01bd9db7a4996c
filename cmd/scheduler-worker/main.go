package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/slot-reservation-engine/internal/app"
	"github.com/hackgods/slot-reservation-engine/internal/config"
	"github.com/hackgods/slot-reservation-engine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}

	logger := app.NewLogger(cfg, "scheduler-worker")

	// the memory store lives inside one process; the api server runs its own cycles
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Fatal().Msg("scheduler-worker needs a shared store, set STORE_DRIVER=postgres")
	}

	logger.Info().
		Str("env", cfg.Env).
		Dur("reminder_interval", cfg.ReminderInterval).
		Dur("sweep_interval", cfg.SweepInterval).
		Msg("scheduler worker starting")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build runtime")
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error().Err(err).Msg("close runtime")
		}
	}()

	g, ctx := errgroup.WithContext(rootCtx)
	for _, task := range app.Tasks(rt.Engine, cfg, logger) {
		p := worker.NewPeriodic(task, logger)
		g.Go(func() error {
			return p.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("scheduler worker stopped with error")
		return
	}
	logger.Info().Msg("shutdown signal received, scheduler worker stopped")
}
