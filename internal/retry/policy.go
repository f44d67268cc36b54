// Package retry decides whether and when a failed mint attempt is repeated.
package retry

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/hochfrequenz/x402-mint-orchestrator/internal/domain"
)

// Defaults for a policy built from an empty configuration
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 400 * time.Millisecond
	DefaultMaxDelay    = 6 * time.Second
	DefaultJitter      = 0.4
)

// Policy is an exponential backoff policy with uniform jitter.
// Its methods never sleep.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the nominal delay, in [0, 1]

	// Float64 returns a uniform value in [0, 1). Defaults to math/rand/v2.
	Float64 func() float64
}

// Default returns the policy used when nothing is configured
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// FromSettings builds a policy from recorded run settings
func FromSettings(s domain.RetrySettings) Policy {
	return Policy{
		MaxAttempts: s.MaxAttempts,
		BaseDelay:   s.BaseDelay,
		MaxDelay:    s.MaxDelay,
		Jitter:      s.Jitter,
	}
}

// Settings returns the parameters for the run report
func (p Policy) Settings() domain.RetrySettings {
	return domain.RetrySettings{
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   p.BaseDelay,
		MaxDelay:    p.MaxDelay,
		Jitter:      p.Jitter,
	}
}

// Validate checks the policy parameters
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max_delay (%s) must not be below base_delay (%s)", p.MaxDelay, p.BaseDelay)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0, 1], got %g", p.Jitter)
	}
	return nil
}

// ShouldRetry reports whether another attempt follows a failed attempt
func (p Policy) ShouldRetry(attempt int, kind domain.ErrorKind) bool {
	return kind.Retryable() && attempt < p.MaxAttempts
}

// Classify returns the terminal status for a failed attempt that will not be retried
func (p Policy) Classify(attempt int, kind domain.ErrorKind) domain.Status {
	if kind.Retryable() && attempt >= p.MaxAttempts {
		return domain.StatusExhausted
	}
	return domain.StatusFailed
}

// Nominal returns the delay after the given attempt before jitter: BaseDelay·2^(attempt-1), capped at MaxDelay
func (p Policy) Nominal(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Delay returns the jittered wait after the given attempt, never above MaxDelay
func (p Policy) Delay(attempt int) time.Duration {
	nominal := p.Nominal(attempt)
	if p.Jitter == 0 {
		return nominal
	}

	u := p.float64()
	factor := 1 + p.Jitter*(2*u-1)
	delay := time.Duration(float64(nominal) * factor)
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	if delay < 0 {
		return 0
	}
	return delay
}

func (p Policy) float64() float64 {
	if p.Float64 != nil {
		return p.Float64()
	}
	return rand.Float64()
}
