package runner

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/hochfrequenz/x402-mint-orchestrator/internal/domain"
)

// Observer receives task lifecycle events. Implementations must be safe for concurrent use.
type Observer interface {
	AttemptStarted(account domain.Account, mint, attempt int)
	AttemptFinished(account domain.Account, rec domain.AttemptRecord)
	RetryScheduled(account domain.Account, rec domain.AttemptRecord, delay time.Duration)
	TaskFinished(result domain.TaskResult)
}

// NopObserver ignores all events
type NopObserver struct{}

func (NopObserver) AttemptStarted(domain.Account, int, int)                             {}
func (NopObserver) AttemptFinished(domain.Account, domain.AttemptRecord)                {}
func (NopObserver) RetryScheduled(domain.Account, domain.AttemptRecord, time.Duration) {}
func (NopObserver) TaskFinished(domain.TaskResult)                                     {}

type multiObserver []Observer

// Observers fans events out to every observer in order
func Observers(observers ...Observer) Observer {
	return multiObserver(observers)
}

func (m multiObserver) AttemptStarted(account domain.Account, mint, attempt int) {
	for _, o := range m {
		o.AttemptStarted(account, mint, attempt)
	}
}

func (m multiObserver) AttemptFinished(account domain.Account, rec domain.AttemptRecord) {
	for _, o := range m {
		o.AttemptFinished(account, rec)
	}
}

func (m multiObserver) RetryScheduled(account domain.Account, rec domain.AttemptRecord, delay time.Duration) {
	for _, o := range m {
		o.RetryScheduled(account, rec, delay)
	}
}

func (m multiObserver) TaskFinished(result domain.TaskResult) {
	for _, o := range m {
		o.TaskFinished(result)
	}
}

// LogObserver writes structured log events keyed by account label
type LogObserver struct {
	log zerolog.Logger
}

// NewLogObserver creates an observer logging to l
func NewLogObserver(l zerolog.Logger) *LogObserver {
	return &LogObserver{log: l}
}

func (o *LogObserver) AttemptStarted(account domain.Account, mint, attempt int) {
	o.log.Debug().
		Str("account", account.Label).
		Int("mint", mint).
		Int("attempt", attempt).
		Msg("attempt started")
}

func (o *LogObserver) AttemptFinished(account domain.Account, rec domain.AttemptRecord) {
	if rec.OK {
		o.log.Info().
			Str("account", account.Label).
			Int("mint", rec.Mint).
			Int("attempt", rec.Attempt).
			Int("status_code", rec.StatusCode).
			Dur("elapsed", rec.Elapsed).
			Msg("mint ok")
		return
	}
	o.log.Warn().
		Str("account", account.Label).
		Int("mint", rec.Mint).
		Int("attempt", rec.Attempt).
		Str("kind", string(rec.Kind)).
		Int("status_code", rec.StatusCode).
		Str("error", rec.Error).
		Msg("attempt failed")
}

func (o *LogObserver) RetryScheduled(account domain.Account, rec domain.AttemptRecord, delay time.Duration) {
	o.log.Info().
		Str("account", account.Label).
		Int("mint", rec.Mint).
		Int("attempt", rec.Attempt).
		Str("kind", string(rec.Kind)).
		Dur("delay", delay).
		Msg("retrying")
}

func (o *LogObserver) TaskFinished(result domain.TaskResult) {
	ev := o.log.Info()
	if result.Status != domain.StatusSuccess {
		ev = o.log.Warn().Str("kind", string(result.Kind)).Str("error", result.Error)
	}
	ev.Str("account", result.Account.Label).
		Str("status", string(result.Status)).
		Int("minted", result.Minted).
		Int("attempts", len(result.Attempts)).
		Dur("elapsed", result.Elapsed).
		Msg("account finished")
}
