package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/unclebandit/leadflow-backend/internal/logger"
)

// Ticker runs one dispatch pass over every channel.
type Ticker interface {
	Tick(ctx context.Context) ([]*TickResult, error)
}

// Sweeper catches up on work whose trigger was lost.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// Worker drives the dispatcher and the live sweep on fixed intervals. A run
// still in progress when its next slot comes up is skipped, so ticks of one
// process never overlap; ticks of several processes are safe through leases.
type Worker struct {
	Dispatcher    Ticker
	Live          Sweeper
	PollInterval  time.Duration
	SweepInterval time.Duration
	logger        *zap.Logger
	cron          *cron.Cron
}

func NewWorker(dispatcher Ticker, live Sweeper, poll, sweep time.Duration, log *zap.Logger) *Worker {
	return &Worker{
		Dispatcher:    dispatcher,
		Live:          live,
		PollInterval:  poll,
		SweepInterval: sweep,
		logger:        log.Named("worker"),
	}
}

// Start schedules both jobs and returns immediately. ctx is handed to every
// run; cancel it to abort runs in flight.
func (w *Worker) Start(ctx context.Context) error {
	if w.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", w.PollInterval)
	}
	cl := logger.NewCronLogger(w.logger)
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	if _, err := c.AddFunc("@every "+w.PollInterval.String(), func() { w.RunTick(ctx) }); err != nil {
		return fmt.Errorf("schedule dispatcher: %w", err)
	}
	if w.Live != nil && w.SweepInterval > 0 {
		if _, err := c.AddFunc("@every "+w.SweepInterval.String(), func() { w.RunSweep(ctx) }); err != nil {
			return fmt.Errorf("schedule live sweep: %w", err)
		}
	}

	w.cron = c
	c.Start()
	w.logger.Info("worker started",
		zap.Duration("poll_interval", w.PollInterval),
		zap.Duration("sweep_interval", w.SweepInterval))
	return nil
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (w *Worker) Stop(ctx context.Context) {
	if w.cron == nil {
		return
	}
	select {
	case <-w.cron.Stop().Done():
		w.logger.Info("worker stopped")
	case <-ctx.Done():
		w.logger.Warn("worker stop timed out", zap.Error(ctx.Err()))
	}
}

// RunTick performs one dispatch pass and logs what it did.
func (w *Worker) RunTick(ctx context.Context) {
	results, err := w.Dispatcher.Tick(ctx)
	for _, res := range results {
		if res.Due == 0 && res.Reaped == 0 && res.Requeued == 0 && len(res.Completed) == 0 {
			continue
		}
		w.logger.Info("tick",
			zap.String("channel", string(res.Channel)),
			zap.Int("due", res.Due),
			zap.Int("leased", res.Leased),
			zap.Int("sent", res.Sent),
			zap.Int("failed", res.Failed),
			zap.Int("released", res.Released),
			zap.Int64("requeued", res.Requeued),
			zap.Int64("reaped", res.Reaped),
			zap.Strings("completed", res.Completed))
	}
	if err != nil {
		w.logger.Error("tick failed", zap.Error(err))
	}
}

func (w *Worker) RunSweep(ctx context.Context) {
	if err := w.Live.Sweep(ctx); err != nil {
		w.logger.Error("live sweep failed", zap.Error(err))
	}
}
