// Package report aggregates task results into a run report and persists it as JSON.
package report

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/hochfrequenz/x402-mint-orchestrator/internal/domain"
)

// Metadata describes the run a set of results belongs to
type Metadata struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	Endpoint       domain.Endpoint
	MaxConcurrency int
	Retry          domain.RetrySettings
}

// Aggregate builds the run report. Results are ordered by account input
// position regardless of completion order; the input slice is not modified.
func Aggregate(results []domain.TaskResult, meta Metadata) *domain.RunReport {
	ordered := make([]domain.TaskResult, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Account.Index < ordered[j].Account.Index
	})

	var summary domain.Summary
	for _, r := range ordered {
		summary.Add(r.Status)
	}

	return &domain.RunReport{
		RunID:          meta.RunID,
		StartedAt:      meta.StartedAt,
		FinishedAt:     meta.FinishedAt,
		Elapsed:        meta.FinishedAt.Sub(meta.StartedAt),
		Endpoint:       meta.Endpoint,
		MaxConcurrency: meta.MaxConcurrency,
		Retry:          meta.Retry,
		Summary:        summary,
		Results:        ordered,
	}
}

// Failures returns the results that did not end in success, in report order
func Failures(r *domain.RunReport) []domain.TaskResult {
	var out []domain.TaskResult
	for _, res := range r.Results {
		if res.Status != domain.StatusSuccess {
			out = append(out, res)
		}
	}
	return out
}

// WriteSummary prints a human-readable table of the report
func WriteSummary(w io.Writer, r *domain.RunReport) error {
	fmt.Fprintf(w, "Run %s  %s  (%s)\n", r.RunID, r.StartedAt.UTC().Format(time.RFC3339), r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Endpoint: %s\n", r.Endpoint.URL)
	fmt.Fprintf(w, "Accounts: %d total | %d success | %d failed | %d exhausted\n\n",
		r.Summary.Total, r.Summary.Success, r.Summary.Failed, r.Summary.Exhausted)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tACCOUNT\tSTATUS\tMINTED\tATTEMPTS\tKIND\tERROR")
	for _, res := range r.Results {
		kind := string(res.Kind)
		if kind == "" {
			kind = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
			res.Account.Index, res.Account.Label, res.Status, res.Minted, len(res.Attempts), kind, res.Error)
	}
	return tw.Flush()
}
