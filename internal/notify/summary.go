package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/x402-mint-orchestrator/internal/domain"
)

// maxListedFailures caps how many failed accounts a summary names
const maxListedFailures = 10

// RunSummary describes a finished run. reportPath may be empty.
func RunSummary(r *domain.RunReport, reportPath string) Notification {
	s := r.Summary

	typ := NotifySuccess
	switch {
	case s.Success == 0 && s.Total > 0:
		typ = NotifyError
	case s.Success < s.Total:
		typ = NotifyWarning
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d accounts minted (%d failed, %d exhausted) in %s\n",
		s.Success, s.Total, s.Failed, s.Exhausted, r.Elapsed.Round(time.Second))

	listed := 0
	for _, res := range r.Results {
		if res.Status == domain.StatusSuccess {
			continue
		}
		if listed == maxListedFailures {
			fmt.Fprintf(&b, "… and %d more\n", s.Failed+s.Exhausted-listed)
			break
		}
		fmt.Fprintf(&b, "• %s %s (%s)\n", res.Account.Label, res.Status, res.Kind)
		listed++
	}

	return Notification{
		Title:   "x402 mint run finished: " + r.Endpoint.URL,
		Message: strings.TrimRight(b.String(), "\n"),
		Type:    typ,
		RunID:   r.RunID,
		Report:  reportPath,
	}
}
