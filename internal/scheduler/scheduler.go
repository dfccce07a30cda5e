// Package scheduler drives the periodic billing sweeps: trial conversion,
// cycle billing with dunning, overdue marking, pending payment
// reconciliation and vendor payout batching.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/revara/internal/clock"
	obsmetrics "github.com/smallbiznis/revara/internal/observability/metrics"
	"go.uber.org/zap"
)

// Config tunes the run loop. Zero values fall back to defaults.
type Config struct {
	Interval   time.Duration
	JobTimeout time.Duration
	BatchSize  int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

type job struct {
	name string
	run  func(ctx context.Context, now time.Time) error
}

// Scheduler owns the ordered job list. Jobs run sequentially inside a tick;
// one failing job never stops the others.
type Scheduler struct {
	cfg   Config
	log   *zap.Logger
	clock clock.Clock
	jobs  []job
}

func newScheduler(cfg Config, log *zap.Logger, clk clock.Clock, jobs []job) *Scheduler {
	return &Scheduler{
		cfg:   cfg.withDefaults(),
		log:   log.Named("scheduler"),
		clock: clk,
		jobs:  jobs,
	}
}

// RunOnce executes every job for a single tick and joins their errors.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.clock.Now()
	var errs []error
	for _, j := range s.jobs {
		if err := s.runJob(ctx, j, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunForever ticks until the context is cancelled.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case tick := <-ticker.C:
			obsmetrics.Billing().ObserveRunLoopLag(s.clock.Now().Sub(tick))
			if err := s.RunOnce(ctx); err != nil {
				s.log.Warn("scheduler tick finished with errors", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, j job, now time.Time) error {
	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	metrics := obsmetrics.Billing()
	metrics.IncJobRun(j.name)
	started := s.clock.Now()

	err := j.run(jobCtx, now)
	metrics.ObserveJobDuration(j.name, s.clock.Now().Sub(started))

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.IncJobTimeout(j.name)
		}
		metrics.IncJobError(j.name, err)
		s.log.Error("job failed",
			zap.String("job", j.name),
			zap.Error(err),
		)
		return err
	}
	return nil
}
