package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/x402-mint-orchestrator/internal/domain"
)

const fileTimeLayout = "20060102-150405"

// FileName returns the report file name for a run started at t
func FileName(t time.Time) string {
	return "x402_results_" + t.UTC().Format(fileTimeLayout) + ".json"
}

// WriteJSON writes r into dir and returns the file path.
// A run started in the same second as an existing report gets its run id appended.
func WriteJSON(dir string, r *domain.RunReport) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}

	data, err := json.MarshalIndent(toFile(r), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(dir, FileName(r.StartedAt))
	err = writeNew(path, data)
	if errors.Is(err, fs.ErrExist) && r.RunID != "" {
		base := FileName(r.StartedAt)
		path = filepath.Join(dir, base[:len(base)-len(".json")]+"_"+shortID(r.RunID)+".json")
		err = writeNew(path, data)
	}
	if err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}

func writeNew(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ReadJSON loads a report written by WriteJSON
func ReadJSON(path string) (*domain.RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	var f fileReport
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing report %s: %w", path, err)
	}
	return f.toDomain(), nil
}

// fileReport is the on-disk shape of a run report
type fileReport struct {
	RunID          string       `json:"run_id"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     time.Time    `json:"finished_at"`
	ElapsedMS      int64        `json:"elapsed_ms"`
	Endpoint       fileEndpoint `json:"endpoint"`
	MaxConcurrency int          `json:"max_concurrency"`
	Retry          fileRetry    `json:"retry"`
	Summary        fileSummary  `json:"summary"`
	Results        []fileResult `json:"results"`
}

type fileEndpoint struct {
	URL              string `json:"url"`
	Network          string `json:"network"`
	Scheme           string `json:"scheme"`
	X402Version      int    `json:"x402_version"`
	AmountPerAccount int    `json:"amount_per_account"`
	RequestTimeoutMS int64  `json:"request_timeout_ms"`
	ValidForMS       int64  `json:"valid_for_ms"`
}

type fileRetry struct {
	MaxAttempts int     `json:"max_attempts"`
	BaseDelayMS int64   `json:"base_delay_ms"`
	MaxDelayMS  int64   `json:"max_delay_ms"`
	Jitter      float64 `json:"jitter"`
}

type fileSummary struct {
	Total     int `json:"total"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

type fileResult struct {
	Index     int               `json:"index"`
	Account   string            `json:"account"`
	Address   string            `json:"address,omitempty"`
	Status    string            `json:"status"`
	Kind      string            `json:"kind,omitempty"`
	Error     string            `json:"error,omitempty"`
	Minted    int               `json:"minted"`
	StartedAt time.Time         `json:"started_at"`
	ElapsedMS int64             `json:"elapsed_ms"`
	Responses []json.RawMessage `json:"responses,omitempty"`
	Attempts  []fileAttempt     `json:"attempts"`
}

type fileAttempt struct {
	Mint       int             `json:"mint"`
	Attempt    int             `json:"attempt"`
	StartedAt  time.Time       `json:"started_at"`
	OK         bool            `json:"ok"`
	StatusCode int             `json:"status_code,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Error      string          `json:"error,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	ElapsedMS  int64           `json:"elapsed_ms"`
}

func toFile(r *domain.RunReport) fileReport {
	f := fileReport{
		RunID:      r.RunID,
		StartedAt:  r.StartedAt.UTC(),
		FinishedAt: r.FinishedAt.UTC(),
		ElapsedMS:  r.Elapsed.Milliseconds(),
		Endpoint: fileEndpoint{
			URL:              r.Endpoint.URL,
			Network:          r.Endpoint.Network,
			Scheme:           r.Endpoint.Scheme,
			X402Version:      r.Endpoint.X402Version,
			AmountPerAccount: r.Endpoint.AmountPerAccount,
			RequestTimeoutMS: r.Endpoint.RequestTimeout.Milliseconds(),
			ValidForMS:       r.Endpoint.ValidFor.Milliseconds(),
		},
		MaxConcurrency: r.MaxConcurrency,
		Retry: fileRetry{
			MaxAttempts: r.Retry.MaxAttempts,
			BaseDelayMS: r.Retry.BaseDelay.Milliseconds(),
			MaxDelayMS:  r.Retry.MaxDelay.Milliseconds(),
			Jitter:      r.Retry.Jitter,
		},
		Summary: fileSummary(r.Summary),
		Results: make([]fileResult, 0, len(r.Results)),
	}

	for _, res := range r.Results {
		fr := fileResult{
			Index:     res.Account.Index,
			Account:   res.Account.Label,
			Address:   res.Account.Address,
			Status:    string(res.Status),
			Kind:      string(res.Kind),
			Error:     res.Error,
			Minted:    res.Minted,
			StartedAt: res.StartedAt.UTC(),
			ElapsedMS: res.Elapsed.Milliseconds(),
			Responses: res.Responses(),
			Attempts:  make([]fileAttempt, 0, len(res.Attempts)),
		}
		for _, a := range res.Attempts {
			fr.Attempts = append(fr.Attempts, fileAttempt{
				Mint:       a.Mint,
				Attempt:    a.Attempt,
				StartedAt:  a.StartedAt.UTC(),
				OK:         a.OK,
				StatusCode: a.StatusCode,
				Kind:       string(a.Kind),
				Error:      a.Error,
				Response:   a.Response,
				ElapsedMS:  a.Elapsed.Milliseconds(),
			})
		}
		f.Results = append(f.Results, fr)
	}
	return f
}

func (f fileReport) toDomain() *domain.RunReport {
	r := &domain.RunReport{
		RunID:      f.RunID,
		StartedAt:  f.StartedAt,
		FinishedAt: f.FinishedAt,
		Elapsed:    ms(f.ElapsedMS),
		Endpoint: domain.Endpoint{
			URL:              f.Endpoint.URL,
			Network:          f.Endpoint.Network,
			Scheme:           f.Endpoint.Scheme,
			X402Version:      f.Endpoint.X402Version,
			AmountPerAccount: f.Endpoint.AmountPerAccount,
			RequestTimeout:   ms(f.Endpoint.RequestTimeoutMS),
			ValidFor:         ms(f.Endpoint.ValidForMS),
		},
		MaxConcurrency: f.MaxConcurrency,
		Retry: domain.RetrySettings{
			MaxAttempts: f.Retry.MaxAttempts,
			BaseDelay:   ms(f.Retry.BaseDelayMS),
			MaxDelay:    ms(f.Retry.MaxDelayMS),
			Jitter:      f.Retry.Jitter,
		},
		Summary: domain.Summary(f.Summary),
		Results: make([]domain.TaskResult, 0, len(f.Results)),
	}

	for _, fr := range f.Results {
		res := domain.TaskResult{
			Account: domain.Account{
				Index:   fr.Index,
				Label:   fr.Account,
				Address: fr.Address,
			},
			Status:    domain.Status(fr.Status),
			Kind:      domain.ErrorKind(fr.Kind),
			Error:     fr.Error,
			Minted:    fr.Minted,
			StartedAt: fr.StartedAt,
			Elapsed:   ms(fr.ElapsedMS),
		}
		for _, a := range fr.Attempts {
			res.Attempts = append(res.Attempts, domain.AttemptRecord{
				Mint:       a.Mint,
				Attempt:    a.Attempt,
				StartedAt:  a.StartedAt,
				OK:         a.OK,
				StatusCode: a.StatusCode,
				Kind:       domain.ErrorKind(a.Kind),
				Error:      a.Error,
				Response:   a.Response,
				Elapsed:    ms(a.ElapsedMS),
			})
		}
		r.Results = append(r.Results, res)
	}
	return r
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}
