package domain

import "time"

// Endpoint is the read-only mint endpoint and protocol configuration shared by all tasks
type Endpoint struct {
	URL              string
	Network          string
	Scheme           string
	X402Version      int
	AmountPerAccount int
	RequestTimeout   time.Duration
	ValidFor         time.Duration
}

// RetrySettings records the retry parameters a run used
type RetrySettings struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// Summary holds per-status totals for a run
type Summary struct {
	Total     int
	Success   int
	Failed    int
	Exhausted int
}

// Add counts one task result
func (s *Summary) Add(status Status) {
	s.Total++
	switch status {
	case StatusSuccess:
		s.Success++
	case StatusFailed:
		s.Failed++
	case StatusExhausted:
		s.Exhausted++
	}
}

// RunReport is the result of one run over all configured accounts
type RunReport struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	Elapsed        time.Duration
	Endpoint       Endpoint
	MaxConcurrency int
	Retry          RetrySettings
	Summary        Summary
	Results        []TaskResult
}
