// Package app wires configuration into a running booking engine. It is
// shared by the api server and the scheduler worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/slot-reservation-engine/internal/booking"
	"github.com/hackgods/slot-reservation-engine/internal/config"
	"github.com/hackgods/slot-reservation-engine/internal/db"
	"github.com/hackgods/slot-reservation-engine/internal/keylock"
	"github.com/hackgods/slot-reservation-engine/internal/notify"
	redisclient "github.com/hackgods/slot-reservation-engine/internal/redis"
	"github.com/hackgods/slot-reservation-engine/internal/worker"
)

// NewLogger builds the root logger for a binary. Development gets the
// console writer, everything else JSON on stdout.
func NewLogger(cfg config.Config, service string) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Env == "dev" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	return logger.Level(level).With().Timestamp().Str("service", service).Logger()
}

// Runtime holds the engine and the connections behind it.
type Runtime struct {
	Engine *booking.Engine
	Pool   *pgxpool.Pool // nil on the memory store
	Redis  *redis.Client // nil with the local lock driver

	closers []func() error
}

// Build connects the store, the lock backend and the notifier selected by cfg.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts ...booking.Option) (*Runtime, error) {
	rt := &Runtime{}

	var repo booking.Repository
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(connectCtx, cfg.PostgresDSN, db.PoolOptions{
			MaxConns: cfg.PostgresMaxConns,
			MinConns: cfg.PostgresMinConns,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		rt.Pool = pool
		rt.closers = append(rt.closers, func() error { pool.Close(); return nil })
		repo = booking.NewPgRepository(pool)
	case config.StoreDriverMemory:
		repo = booking.NewMemoryRepository()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	var locker redisclient.Locker
	switch cfg.LockDriver {
	case config.LockDriverRedis:
		rdb, err := redisclient.Connect(ctx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.Redis = rdb
		rt.closers = append(rt.closers, rdb.Close)
		locker = redisclient.NewRedisLocker(rdb, cfg.GuardTTL, redisclient.WithLogger(logger))
	case config.LockDriverLocal:
		locker = keylock.New()
	default:
		_ = rt.Close()
		return nil, fmt.Errorf("unknown lock driver %q", cfg.LockDriver)
	}

	dispatcher, closeNotify, err := notify.FromConfig(cfg, logger)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("build notifier: %w", err)
	}
	rt.closers = append(rt.closers, closeNotify)

	rt.Engine = booking.NewEngine(repo, locker, dispatcher, cfg, logger, opts...)

	logger.Info().
		Str("store", cfg.StoreDriver).
		Str("locks", cfg.LockDriver).
		Str("notify", cfg.NotifyDriver).
		Msg("runtime ready")

	return rt, nil
}

// Close releases connections in reverse order of creation.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// Tasks returns the reminder dispatch and lock sweep cycles for engine.
func Tasks(engine *booking.Engine, cfg config.Config, logger zerolog.Logger) []worker.Task {
	return []worker.Task{
		{
			Name:     "reminders",
			Interval: cfg.ReminderInterval,
			Timeout:  cfg.RunTimeout,
			Run: func(ctx context.Context) error {
				stats, err := engine.ProcessDueReminders(ctx)
				if err != nil {
					return err
				}
				if stats.Due > 0 {
					logger.Info().
						Str("task", "reminders").
						Int("due", stats.Due).
						Int("sent", stats.Sent).
						Int("failed", stats.Failed).
						Int("retrying", stats.Retrying).
						Int("cancelled", stats.Cancelled).
						Int("errors", stats.Errors).
						Msg("reminder pass finished")
				}
				return nil
			},
		},
		{
			Name:     "lock-sweep",
			Interval: cfg.SweepInterval,
			Timeout:  cfg.RunTimeout,
			Run: func(ctx context.Context) error {
				expired, err := engine.CleanupExpiredLocks(ctx)
				if err != nil {
					return err
				}
				if expired > 0 {
					logger.Info().Str("task", "lock-sweep").Int("expired", expired).Msg("expired slot locks")
				}
				return nil
			},
		},
	}
}
