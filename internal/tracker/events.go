package tracker

import (
	"github.com/mbd888/korarent/internal/registry"
	"github.com/mbd888/korarent/internal/reports"
	"github.com/mbd888/korarent/internal/status"
)

// Run names used in run_completed events.
const (
	RunIngest  = "ingest"
	RunRefresh = "refresh"
	RunReclaim = "reclaim"
)

// Emitter receives tracker events as they happen. Implementations must not
// block.
type Emitter interface {
	EmitAccountDiscovered(acct registry.TrackedAccount)
	EmitStatusChanged(change status.Change)
	EmitReclaimOutcome(runID string, dryRun bool, outcome reports.AccountOutcome)
	EmitRunCompleted(run string, result any)
}

type nopEmitter struct{}

func (nopEmitter) EmitAccountDiscovered(registry.TrackedAccount) {}
func (nopEmitter) EmitStatusChanged(status.Change) {}
func (nopEmitter) EmitReclaimOutcome(string, bool, reports.AccountOutcome) {}
func (nopEmitter) EmitRunCompleted(string, any) {}

// Emitters fans every event out to each emitter in turn.
type Emitters []Emitter

var _ Emitter = Emitters(nil)

func (es Emitters) EmitAccountDiscovered(acct registry.TrackedAccount) {
	for _, e := range es {
		e.EmitAccountDiscovered(acct)
	}
}

func (es Emitters) EmitStatusChanged(change status.Change) {
	for _, e := range es {
		e.EmitStatusChanged(change)
	}
}

func (es Emitters) EmitReclaimOutcome(runID string, dryRun bool, outcome reports.AccountOutcome) {
	for _, e := range es {
		e.EmitReclaimOutcome(runID, dryRun, outcome)
	}
}

func (es Emitters) EmitRunCompleted(run string, result any) {
	for _, e := range es {
		e.EmitRunCompleted(run, result)
	}
}
