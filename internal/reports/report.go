// Package reports defines the per-run reclaim report and where it is kept.
package reports

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/korarent/internal/registry"
)

var (
	ErrReportNotFound = errors.New("reports: report not found")
	ErrInvalidRunID   = errors.New("reports: invalid run id")
)

// OutcomeStatus is what happened to one candidate.
type OutcomeStatus string

const (
	OutcomeSkipped   OutcomeStatus = "skipped"
	OutcomeSimulated OutcomeStatus = "simulated"
	OutcomeConfirmed OutcomeStatus = "confirmed"
	OutcomeFailed    OutcomeStatus = "failed"
)

// AccountOutcome records one candidate's result.
type AccountOutcome struct {
	Address   string        `json:"address"`
	Kind      registry.Kind `json:"kind"`
	Status    OutcomeStatus `json:"status"`
	Lamports  uint64        `json:"lamports"`
	Signature string        `json:"signature,omitempty"`
	RiskLevel string        `json:"riskLevel,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// RunError is a failure attributed to one account.
type RunError struct {
	Address string `json:"address"`
	Message string `json:"message"`
}

// ReclaimReport is written once per reclaim invocation. Dry-run and live
// reports carry the same fields.
type ReclaimReport struct {
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
	DryRun    bool      `json:"dryRun"`
	Operator  string    `json:"operator"`
	Treasury  string    `json:"treasury"`

	Analyzed  int `json:"analyzed"`
	Validated int `json:"validated"`
	Reclaimed int `json:"reclaimed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	TotalLamports  uint64 `json:"totalLamports"`
	TreasuryBefore uint64 `json:"treasuryBefore"`
	TreasuryAfter  uint64 `json:"treasuryAfter"`

	Outcomes []AccountOutcome `json:"outcomes"`
	Errors   []RunError       `json:"errors"`
	Duration time.Duration    `json:"durationNs"`
}

// Add appends an outcome and updates the counters.
func (r *ReclaimReport) Add(o AccountOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeSimulated:
		r.Validated++
		r.TotalLamports += o.Lamports
	case OutcomeConfirmed:
		r.Validated++
		r.Reclaimed++
		r.TotalLamports += o.Lamports
	case OutcomeFailed:
		r.Validated++
		r.Failed++
		r.Errors = append(r.Errors, RunError{Address: o.Address, Message: o.Reason})
	}
}

// SOL formats lamports as SOL with nine decimals.
func SOL(lamports uint64) string {
	return fmt.Sprintf("%d.%09d", lamports/1_000_000_000, lamports%1_000_000_000)
}

// Summary renders a short human-readable description of r.
func Summary(r *ReclaimReport) string {
	var b strings.Builder
	mode := "LIVE"
	if r.DryRun {
		mode = "DRY RUN"
	}
	fmt.Fprintf(&b, "Reclaim run %s (%s) at %s\n", r.RunID, mode, r.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "  operator:  %s\n", r.Operator)
	fmt.Fprintf(&b, "  treasury:  %s\n", r.Treasury)
	fmt.Fprintf(&b, "  analyzed %d, validated %d, reclaimed %d, failed %d, skipped %d\n",
		r.Analyzed, r.Validated, r.Reclaimed, r.Failed, r.Skipped)
	if r.DryRun {
		fmt.Fprintf(&b, "  would reclaim: %s SOL\n", SOL(r.TotalLamports))
	} else {
		fmt.Fprintf(&b, "  reclaimed:  %s SOL (treasury %s -> %s)\n",
			SOL(r.TotalLamports), SOL(r.TreasuryBefore), SOL(r.TreasuryAfter))
	}
	for _, o := range r.Outcomes {
		line := fmt.Sprintf("  - %s %-9s %s SOL", o.Address, o.Status, SOL(o.Lamports))
		if o.Signature != "" {
			line += " sig=" + o.Signature
		}
		if o.Reason != "" {
			line += " (" + o.Reason + ")"
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
