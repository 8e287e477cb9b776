// Package sweeper periodically expires unclaimed reservations and marks
// late loans overdue.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Lifecycle is the part of the lending engine the sweeper drives
type Lifecycle interface {
	SweepExpired(ctx context.Context) (int, error)
	MarkOverdue(ctx context.Context) (int64, error)
}

// Sweeper runs the lifecycle housekeeping on a fixed interval. Runs never
// overlap; a tick that arrives while a run is in progress is skipped.
type Sweeper struct {
	lifecycle Lifecycle
	interval  time.Duration
	timeout   time.Duration
	log       *zap.Logger
}

// New creates a sweeper running every interval
func New(lifecycle Lifecycle, interval time.Duration, log *zap.Logger) *Sweeper {
	timeout := interval
	if timeout < 30*time.Second {
		timeout = 30 * time.Second
	}
	return &Sweeper{
		lifecycle: lifecycle,
		interval:  interval,
		timeout:   timeout,
		log:       log,
	}
}

// RunOnce expires overdue reservations and then marks overdue loans
func (s *Sweeper) RunOnce(ctx context.Context) error {
	started := time.Now()

	expired, sweepErr := s.lifecycle.SweepExpired(ctx)
	overdue, markErr := s.lifecycle.MarkOverdue(ctx)

	err := errors.Join(sweepErr, markErr)
	if err != nil {
		s.log.Error("Sweep finished with errors",
			zap.Int("expired", expired),
			zap.Int64("overdue", overdue),
			zap.Error(err),
		)
		return err
	}

	s.log.Debug("Sweep finished",
		zap.Int("expired", expired),
		zap.Int64("overdue", overdue),
		zap.Duration("took", time.Since(started)),
	)
	return nil
}

// Run sweeps once immediately and then on every interval until ctx is
// cancelled. It returns after the in-flight run, if any, completes.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", s.interval)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log.Sugar()})))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sweeper: %w", err)
	}

	s.tick(ctx)
	c.Start()
	s.log.Info("Sweeper started", zap.Duration("interval", s.interval))

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("Sweeper stopped")
	return nil
}

func (s *Sweeper) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_ = s.RunOnce(runCtx)
}

// cronLogger routes cron's own messages to zap
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
