package poll

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// PassRunner runs a single polling pass.
type PassRunner interface {
	RunPass(ctx context.Context) (*PassResult, error)
}

// Scheduler triggers passes on a fixed interval. A tick that fires while the
// previous pass is still running is skipped.
type Scheduler struct {
	runner   PassRunner
	cron     *cron.Cron
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler. The interval is rounded down to whole
// seconds with a minimum of one second.
func NewScheduler(runner PassRunner, interval, timeout time.Duration, logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Start begins ticking in the background. Passes inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(func() {
		s.tick(ctx)
	}))
	s.cron.Start()
	s.logger.Info("Poll scheduler started", "interval", s.interval, "pass_timeout", s.timeout)
}

// Stop halts the ticker and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Poll scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	passCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.runner.RunPass(passCtx)
	switch {
	case errors.Is(err, ErrPassInProgress):
		s.logger.Info("Skipping tick, pass already running")
	case err != nil:
		attrs := []any{"error", err}
		if result != nil {
			attrs = append(attrs, "pass_id", result.PassID, "watermark", result.Watermark)
		}
		s.logger.Error("Poll pass failed", attrs...)
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("Cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("Cron: "+msg, append(keysAndValues, "error", err)...)
}
