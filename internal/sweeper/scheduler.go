package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Default cron expressions (standard five-field format, local time).
const (
	DefaultExpirySchedule = "0 3 * * *"
	DefaultStuckSchedule  = "*/5 * * * *"
)

// sweepTimeout bounds a single scheduled run.
const sweepTimeout = 10 * time.Minute

// Scheduler triggers both sweeps on independent cron entries.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewScheduler registers the sweeps. An empty schedule disables that sweep.
func NewScheduler(s *Sweeper, expirySchedule, stuckSchedule string, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sweeper.cron")
	cronLogger := zapCronLogger{logger: logger.Sugar()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	sched := &Scheduler{cron: c, ctx: ctx, cancel: cancel, logger: logger}

	if expirySchedule != "" {
		if _, err := c.AddFunc(expirySchedule, func() {
			runCtx, done := context.WithTimeout(sched.ctx, sweepTimeout)
			defer done()
			if _, err := s.SweepExpired(runCtx); err != nil {
				logger.Error("expiry sweep failed", zap.Error(err))
			}
		}); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid expiry schedule %q: %w", expirySchedule, err)
		}
	}
	if stuckSchedule != "" {
		if _, err := c.AddFunc(stuckSchedule, func() {
			runCtx, done := context.WithTimeout(sched.ctx, sweepTimeout)
			defer done()
			if _, err := s.SweepStuck(runCtx); err != nil {
				logger.Error("stuck sweep failed", zap.Error(err))
			}
		}); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid stuck schedule %q: %w", stuckSchedule, err)
		}
	}
	return sched, nil
}

// Start begins triggering sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("sweep scheduler started", zap.Int("entries", len(s.cron.Entries())))
}

// Stop prevents new runs and waits for running sweeps or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	defer s.cancel()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop sweep scheduler: %w", ctx.Err())
	}
}

// Entries reports how many sweeps are scheduled.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

type zapCronLogger struct {
	logger *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
