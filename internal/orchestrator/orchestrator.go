// Package orchestrator runs every account's task in parallel under a concurrency bound
// and collects the results into one run report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/x402-mint-orchestrator/internal/domain"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/report"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/retry"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/runner"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/workerpool"
)

var (
	ErrNoAccounts         = errors.New("no accounts configured")
	ErrInvalidConcurrency = errors.New("max concurrency must be positive")
)

// TaskRunner produces the terminal result of one account
type TaskRunner interface {
	Run(ctx context.Context, account domain.Account, ep domain.Endpoint, policy retry.Policy) domain.TaskResult
}

// Config configures an orchestrator
type Config struct {
	// MaxDuration bounds the whole run; 0 means no deadline
	MaxDuration time.Duration
	Logger      *zerolog.Logger
	// Observer is told about accounts that never started because the run ended
	Observer runner.Observer
	// OnActiveChanged receives the number of running tasks whenever it changes
	OnActiveChanged func(active int)
}

// Orchestrator dispatches account tasks onto a bounded worker pool
type Orchestrator struct {
	runner          TaskRunner
	maxDuration     time.Duration
	log             zerolog.Logger
	observer        runner.Observer
	onActiveChanged func(active int)

	now   func() time.Time
	newID func() string
}

// New creates an orchestrator using r for each account
func New(r TaskRunner, cfg Config) *Orchestrator {
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	observer := cfg.Observer
	if observer == nil {
		observer = runner.NopObserver{}
	}
	return &Orchestrator{
		runner:          r,
		maxDuration:     cfg.MaxDuration,
		log:             log,
		observer:        observer,
		onActiveChanged: cfg.OnActiveChanged,
		now:             time.Now,
		newID:           uuid.NewString,
	}
}

// RunAll runs one task per account with at most maxConcurrency in flight and
// returns after every task has reached a terminal status. The only errors are
// invalid arguments; per-account failures are part of the report.
func (o *Orchestrator) RunAll(ctx context.Context, accounts []domain.Account, ep domain.Endpoint, policy retry.Policy, maxConcurrency int) (*domain.RunReport, error) {
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	if maxConcurrency <= 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidConcurrency, maxConcurrency)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}

	if o.maxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.maxDuration)
		defer cancel()
	}

	runID := o.newID()
	start := o.now()
	log := o.log.With().Str("run_id", runID).Logger()
	log.Info().
		Int("accounts", len(accounts)).
		Int("max_concurrency", maxConcurrency).
		Str("url", ep.URL).
		Msg("run started")

	pool := workerpool.NewPool(maxConcurrency)
	pool.SetOnSlotsChanged(func(available int) {
		active := pool.MaxJobs() - available
		log.Debug().Int("active", active).Int("available", available).Msg("pool slots changed")
		if o.onActiveChanged != nil {
			o.onActiveChanged(active)
		}
	})

	results := make([]domain.TaskResult, len(accounts))
	var g errgroup.Group

	for i, account := range accounts {
		if err := pool.Acquire(ctx); err != nil {
			log.Warn().
				Err(err).
				Int("unstarted", len(accounts)-i).
				Msg("run ended before all accounts started")
			for j := i; j < len(accounts); j++ {
				results[j] = o.unstarted(accounts[j], err)
			}
			break
		}

		g.Go(func() error {
			defer pool.Release()
			defer func() {
				if p := recover(); p != nil {
					log.Error().Int("account", account.Index).Interface("panic", p).Msg("task crashed")
					results[i] = crashed(account, p)
				}
			}()
			results[i] = o.runner.Run(ctx, account, ep, policy)
			return nil
		})
	}

	// tasks never return errors
	_ = g.Wait()

	r := report.Aggregate(results, report.Metadata{
		RunID:          runID,
		StartedAt:      start,
		FinishedAt:     o.now(),
		Endpoint:       ep,
		MaxConcurrency: maxConcurrency,
		Retry:          policy.Settings(),
	})

	log.Info().
		Int("total", r.Summary.Total).
		Int("success", r.Summary.Success).
		Int("failed", r.Summary.Failed).
		Int("exhausted", r.Summary.Exhausted).
		Dur("elapsed", r.Elapsed).
		Msg("run finished")

	return r, nil
}

// unstarted is the result of an account that never got a pool slot
func (o *Orchestrator) unstarted(account domain.Account, err error) domain.TaskResult {
	res := domain.TaskResult{
		Account:   account,
		Status:    domain.StatusExhausted,
		Kind:      domain.KindForContext(err),
		Error:     fmt.Sprintf("run ended before task started: %v", err),
		StartedAt: o.now(),
	}
	o.observer.TaskFinished(res)
	return res
}

// crashed is the result of a task whose runner panicked
func crashed(account domain.Account, p any) domain.TaskResult {
	return domain.TaskResult{
		Account: account,
		Status:  domain.StatusFailed,
		Kind:    domain.KindInternal,
		Error:   fmt.Sprintf("task crashed: %v", p),
	}
}
