// Package runner turns one account's attempts and retries into a single terminal result.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/hochfrequenz/x402-mint-orchestrator/internal/domain"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/retry"
)

// MintClient performs exactly one mint attempt for an account
type MintClient interface {
	Attempt(ctx context.Context, account domain.Account, ep domain.Endpoint) domain.AttemptRecord
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Runner executes the attempt sequence of one account
type Runner struct {
	client   MintClient
	observer Observer
	sleep    SleepFunc
}

// New creates a runner. A nil observer discards events.
func New(client MintClient, observer Observer) *Runner {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Runner{
		client:   client,
		observer: observer,
		sleep:    Sleep,
	}
}

// WithSleep replaces the wait between attempts, for tests
func (r *Runner) WithSleep(sleep SleepFunc) *Runner {
	r.sleep = sleep
	return r
}

// Run mints AmountPerAccount times for account, retrying per policy.
// It always returns a terminal result; panics are converted into a failed result.
func (r *Runner) Run(ctx context.Context, account domain.Account, ep domain.Endpoint, policy retry.Policy) (result domain.TaskResult) {
	start := time.Now()
	result = domain.TaskResult{Account: account, StartedAt: start}

	amount := ep.AmountPerAccount
	if amount < 1 {
		amount = 1
	}

	mint := 1
	defer func() {
		if p := recover(); p != nil {
			result = fault(result, mint, p)
		}
		result.Elapsed = time.Since(start)
		if p := r.finished(result); p != nil {
			result = fault(result, min(mint, amount), p)
		}
	}()

	for mint = 1; mint <= amount; mint++ {
		for attempt := 1; ; attempt++ {
			if err := ctx.Err(); err != nil {
				return stopped(result, err)
			}

			r.observer.AttemptStarted(account, mint, attempt)
			rec := r.client.Attempt(ctx, account, ep)
			rec.Mint = mint
			rec.Attempt = attempt
			result.Attempts = append(result.Attempts, rec)
			r.observer.AttemptFinished(account, rec)

			if rec.OK {
				result.Minted++
				break
			}
			if rec.Kind.RunLevel() {
				return terminate(result, domain.StatusExhausted, rec.Kind, rec.Error)
			}
			if !policy.ShouldRetry(attempt, rec.Kind) {
				return terminate(result, policy.Classify(attempt, rec.Kind), rec.Kind, rec.Error)
			}

			delay := policy.Delay(attempt)
			r.observer.RetryScheduled(account, rec, delay)
			if err := r.sleep(ctx, delay); err != nil {
				return stopped(result, err)
			}
		}
	}

	result.Status = domain.StatusSuccess
	return result
}

// finished reports result to the observer and returns the value of any panic it raised
func (r *Runner) finished(result domain.TaskResult) (p any) {
	defer func() {
		p = recover()
	}()
	r.observer.TaskFinished(result)
	return nil
}

func terminate(result domain.TaskResult, status domain.Status, kind domain.ErrorKind, msg string) domain.TaskResult {
	result.Status = status
	result.Kind = kind
	result.Error = msg
	return result
}

// stopped ends a task whose context finished before it reached a terminal status
func stopped(result domain.TaskResult, err error) domain.TaskResult {
	kind := domain.KindForContext(err)
	return terminate(result, domain.StatusExhausted, kind, fmt.Sprintf("run ended before task completed: %v", err))
}

// fault records a recovered panic as the last attempt of the current mint
func fault(result domain.TaskResult, mint int, p any) domain.TaskResult {
	attempt := 1
	for _, a := range result.Attempts {
		if a.Mint == mint {
			attempt++
		}
	}

	msg := fmt.Sprintf("internal fault: %v", p)
	result.Attempts = append(result.Attempts, domain.AttemptRecord{
		Mint:      mint,
		Attempt:   attempt,
		StartedAt: time.Now(),
		Kind:      domain.KindInternal,
		Error:     msg,
	})
	return terminate(result, domain.StatusFailed, domain.KindInternal, msg)
}

// Sleep waits for d unless ctx is done first
func Sleep(ctx context.Context, d time.Duration) error {
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
