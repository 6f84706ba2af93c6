// Package scheduler triggers catalog runs on a cron schedule in serve mode.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
)

// RunFunc executes one scheduled run to completion.
type RunFunc func(ctx context.Context) (crawler.RunSummary, error)

// Scheduler wraps a seconds-resolution cron. Overlapping runs are skipped.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// New registers run under expr, e.g. "0 0 6 * * *" for every day at 06:00:00.
func New(expr string, run RunFunc, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{ctx: ctx, cancel: cancel, logger: logger}
	cl := cronLogger{logger.Sugar()}
	s.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(expr, func() { s.fire(run) }); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule %q: %w", expr, err)
	}
	return s, nil
}

func (s *Scheduler) fire(run RunFunc) {
	s.logger.Info("scheduled run starting")
	summary, err := run(s.ctx)
	if err != nil {
		s.logger.Warn("scheduled run failed", zap.String("run_id", summary.RunID), zap.Error(err))
		return
	}
	s.logger.Info("scheduled run finished",
		zap.String("run_id", summary.RunID),
		zap.Int("products", summary.Counters.Products),
	)
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("scheduler started", zap.Time("next_run", e.Next))
	}
}

// Stop prevents new runs, cancels the one in flight and waits for it or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
