// Package worker runs repeating background passes with an explicit lifecycle.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrAlreadyRunning = errors.New("task already running")

type Task struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration // per pass; zero means no extra deadline
	Run      func(ctx context.Context) error
}

// Periodic runs a Task once at start and then on every tick until stopped.
// A failing pass is logged and the next tick runs as usual.
type Periodic struct {
	task Task
	log  zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPeriodic(task Task, logger zerolog.Logger) *Periodic {
	return &Periodic{
		task: task,
		log:  logger.With().Str("component", "worker").Str("task", task.Name).Logger(),
	}
}

func (p *Periodic) Name() string {
	return p.task.Name
}

// Start launches the loop in its own goroutine.
func (p *Periodic) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done

	go func() {
		defer close(done)
		_ = p.Run(runCtx)
	}()
	return nil
}

// Stop cancels a started loop and waits for the pass in flight to return.
func (p *Periodic) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run blocks until ctx is done. It returns nil on cancellation.
func (p *Periodic) Run(ctx context.Context) error {
	interval := p.task.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	p.log.Info().Dur("interval", interval).Msg("periodic task started")

	p.RunOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("periodic task stopped")
			return nil
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single pass under the task timeout.
func (p *Periodic) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	runCtx := ctx
	if p.task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.task.Timeout)
		defer cancel()
	}

	start := time.Now()
	if err := p.task.Run(runCtx); err != nil {
		p.log.Error().Err(err).Msg("periodic run failed")
		return
	}
	p.log.Debug().Dur("took", time.Since(start)).Msg("periodic run complete")
}
