// Package schedule repeats runs on a cron schedule.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor such as "@every 30m"
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// RunFunc performs one scheduled run. n counts runs from 1.
type RunFunc func(ctx context.Context, n int) error

// Config configures a scheduler
type Config struct {
	// MaxRuns stops the scheduler after this many runs; 0 means unlimited
	MaxRuns int
	Logger  *zerolog.Logger
}

// Scheduler fires runs at the times of a cron schedule, one at a time
type Scheduler struct {
	expr     string
	schedule cron.Schedule
	maxRuns  int
	log      zerolog.Logger

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

// New creates a scheduler for expr
func New(expr string, cfg Config) (*Scheduler, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if cfg.MaxRuns < 0 {
		return nil, fmt.Errorf("max runs must not be negative, got %d", cfg.MaxRuns)
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	return &Scheduler{
		expr:     expr,
		schedule: sched,
		maxRuns:  cfg.MaxRuns,
		log:      log,
		now:      time.Now,
		wait:     wait,
	}, nil
}

// NextRun returns the next fire time after now
func (s *Scheduler) NextRun() time.Time {
	return s.schedule.Next(s.now())
}

// Start blocks, calling fn at each fire time until ctx is done or MaxRuns is reached.
// Runs never overlap: fire times that pass while a run is in progress are skipped.
// A failing run is logged and the schedule continues. It returns the number of runs.
func (s *Scheduler) Start(ctx context.Context, fn RunFunc) int {
	runs := 0
	for s.maxRuns == 0 || runs < s.maxRuns {
		next := s.NextRun()
		s.log.Info().Str("cron", s.expr).Time("next_run", next).Msg("waiting for next run")

		if err := s.wait(ctx, next.Sub(s.now())); err != nil {
			s.log.Info().Int("runs", runs).Msg("scheduler stopped")
			return runs
		}

		runs++
		s.log.Info().Int("run", runs).Msg("scheduled run starting")
		if err := fn(ctx, runs); err != nil {
			s.log.Error().Err(err).Int("run", runs).Msg("scheduled run failed")
		}
		if ctx.Err() != nil {
			return runs
		}
	}
	s.log.Info().Int("runs", runs).Msg("max runs reached")
	return runs
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
