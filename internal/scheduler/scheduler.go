package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"subwatch/internal/runner"
)

const runTimeout = 30 * time.Minute

// Scheduler repeats the full run on a cron spec. Overlapping ticks are
// skipped rather than queued: the store has a single writer and a second
// concurrent run would violate that.
type Scheduler struct {
	ctx    context.Context
	cron   *cron.Cron
	runner *runner.Runner
	spec   string
	log    *slog.Logger
}

func New(ctx context.Context, spec string, r *runner.Runner, log *slog.Logger) *Scheduler {
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	return &Scheduler{
		ctx:    ctx,
		cron:   c,
		runner: r,
		spec:   spec,
		log:    log,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.runOnce); err != nil {
		return err
	}

	s.cron.Start()

	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(s.ctx, runTimeout)
	defer cancel()

	if ctx.Err() != nil {
		s.log.InfoContext(ctx, "Scheduler context is done",
			"error", ctx.Err())

		return
	}

	if err := s.runner.Run(ctx); err != nil {
		s.log.ErrorContext(ctx, "Scheduled run failed",
			"error", err,
			"spec", s.spec)
	}
}
