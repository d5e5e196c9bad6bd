// Package tracker is the entry point for the three external triggers:
// ingest history, refresh statuses and reclaim rent. Each mutating trigger
// runs under the registry lock and persists before it returns.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/korarent/internal/ingest"
	"github.com/mbd888/korarent/internal/logging"
	"github.com/mbd888/korarent/internal/reclaim"
	"github.com/mbd888/korarent/internal/registry"
	"github.com/mbd888/korarent/internal/reports"
	"github.com/mbd888/korarent/internal/safety"
	"github.com/mbd888/korarent/internal/status"
	"github.com/mbd888/korarent/internal/syncutil"
	"github.com/mbd888/korarent/internal/traces"
)

var (
	ErrMissingComponent = errors.New("tracker: missing component")
	ErrLiveNotAllowed   = errors.New("tracker: live reclaim requires a signing key")
	ErrBusy             = errors.New("tracker: a run is already in progress")
)

// Locker guards the registry file across processes.
type Locker interface {
	Acquire() error
	Touch() error
	Release() error
}

var _ Locker = (*registry.Lock)(nil)

// Components are the collaborators a Tracker drives.
type Components struct {
	Store     registry.Store
	Lock      Locker
	Ingester  *ingest.Ingester
	Refresher *status.Refresher
	Validator *safety.Validator
	Executor  *reclaim.Executor
	Reports   reports.Store
	// CanSign is false for processes without a signing key; live reclaims
	// are refused.
	CanSign bool
}

// Tracker runs triggers for one operator.
type Tracker struct {
	operator string
	c        Components
	gate     *syncutil.Gate
	emitter  Emitter
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a tracker for operator.
func New(operator string, c Components, logger *slog.Logger) (*Tracker, error) {
	switch {
	case operator == "":
		return nil, fmt.Errorf("%w: operator", ErrMissingComponent)
	case c.Store == nil:
		return nil, fmt.Errorf("%w: registry store", ErrMissingComponent)
	case c.Lock == nil:
		return nil, fmt.Errorf("%w: lock", ErrMissingComponent)
	case c.Ingester == nil:
		return nil, fmt.Errorf("%w: ingester", ErrMissingComponent)
	case c.Refresher == nil:
		return nil, fmt.Errorf("%w: refresher", ErrMissingComponent)
	case c.Validator == nil:
		return nil, fmt.Errorf("%w: validator", ErrMissingComponent)
	case c.Executor == nil:
		return nil, fmt.Errorf("%w: executor", ErrMissingComponent)
	case c.Reports == nil:
		return nil, fmt.Errorf("%w: report store", ErrMissingComponent)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		operator: operator,
		c:        c,
		gate:     syncutil.NewGate(),
		emitter:  nopEmitter{},
		logger:   logger,
		now:      time.Now,
	}, nil
}

// WithEmitter adds e to the emitters receiving run events. Emitters are
// called in the order they were added.
func (t *Tracker) WithEmitter(e Emitter) *Tracker {
	if e == nil {
		return t
	}
	switch cur := t.emitter.(type) {
	case nopEmitter:
		t.emitter = e
	case Emitters:
		t.emitter = append(cur, e)
	default:
		t.emitter = Emitters{cur, e}
	}
	return t
}

// Operator is the tracked fee payer.
func (t *Tracker) Operator() string { return t.operator }

// CanSign reports whether live reclaims are possible.
func (t *Tracker) CanSign() bool { return t.c.CanSign }

// Busy reports whether a mutating trigger is running in this process.
func (t *Tracker) Busy() bool { return t.gate.Busy() }

// Policy is the active safety policy.
func (t *Tracker) Policy() safety.Policy { return t.c.Validator.Policy() }

// IngestTransactionHistory classifies up to txLimit unseen transactions of
// operator and adds new sponsorships to the registry. An empty operator
// means the tracked one; any other operator is refused.
func (t *Tracker) IngestTransactionHistory(ctx context.Context, operator string, txLimit int) (_ ingest.Result, retErr error) {
	if operator != "" && operator != t.operator {
		return ingest.Result{}, fmt.Errorf("%w: tracker serves %s", registry.ErrOperatorMismatch, t.operator)
	}
	ctx, span := traces.StartSpan(ctx, "tracker.Ingest", traces.Operator(t.operator), attribute.Int("tx_limit", txLimit))
	defer func() { endSpan(span, retErr) }()
	start := time.Now()
	defer func() { observeTrigger("ingest", start, retErr) }()

	var res ingest.Result
	err := t.withRegistry(ctx, func(ctx context.Context, reg *registry.Registry, save saveFunc) error {
		var runErr error
		res, runErr = t.c.Ingester.Run(ctx, reg, txLimit, save, t.emitter.EmitAccountDiscovered)
		if runErr != nil {
			return runErr
		}
		return save(ctx)
	})
	if err != nil {
		return res, err
	}
	t.emitter.EmitRunCompleted(RunIngest, res)
	return res, nil
}

// RefreshAccountStatuses re-reads every tracked account that is not Closed
// and records the observed statuses.
func (t *Tracker) RefreshAccountStatuses(ctx context.Context) (_ status.Summary, retErr error) {
	ctx, span := traces.StartSpan(ctx, "tracker.Refresh", traces.Operator(t.operator))
	defer func() { endSpan(span, retErr) }()
	start := time.Now()
	defer func() { observeTrigger("refresh", start, retErr) }()

	var sum status.Summary
	err := t.withRegistry(ctx, func(ctx context.Context, reg *registry.Registry, save saveFunc) error {
		accounts := reg.List(registry.Filter{})
		progress := func(done, total int) {
			if done%100 == 0 || done == total {
				logging.L(ctx).Debug("refresh progress", "done", done, "total", total)
			}
		}
		var changes []status.Change
		sum, changes = t.c.Refresher.Refresh(ctx, accounts, progress)
		for _, c := range changes {
			changed, err := reg.UpdateStatus(c.Address, c.Current, c.CheckedAt)
			if err != nil {
				return err
			}
			if changed {
				t.emitter.EmitStatusChanged(c)
			}
		}
		return save(ctx)
	})
	if err != nil {
		return sum, err
	}
	t.emitter.EmitRunCompleted(RunRefresh, sum)
	return sum, nil
}

// ExecuteReclaim runs the reclaim executor over addresses, or over every
// Empty account when addresses is empty. A dry run reads the registry
// without locking it and never changes it. A live run records each
// verified close and persists after every one.
func (t *Tracker) ExecuteReclaim(ctx context.Context, addresses []string, dryRun bool) (_ *reports.ReclaimReport, retErr error) {
	if !dryRun && !t.c.CanSign {
		return nil, ErrLiveNotAllowed
	}
	ctx, span := traces.StartSpan(ctx, "tracker.Reclaim", traces.Operator(t.operator), traces.DryRun(dryRun))
	defer func() { endSpan(span, retErr) }()
	start := time.Now()
	trigger := "reclaim_live"
	if dryRun {
		trigger = "reclaim_dry_run"
	}
	defer func() { observeTrigger(trigger, start, retErr) }()

	if dryRun {
		reg, err := t.c.Store.Load(ctx)
		if err != nil {
			return nil, err
		}
		candidates, err := selectCandidates(reg, addresses)
		if err != nil {
			return nil, err
		}
		report, err := t.c.Executor.Execute(ctx, candidates, true, nil)
		t.publishReport(report)
		return report, err
	}

	var report *reports.ReclaimReport
	err := t.withRegistry(ctx, func(ctx context.Context, reg *registry.Registry, save saveFunc) error {
		candidates, err := selectCandidates(reg, addresses)
		if err != nil {
			return err
		}
		var saveErr error
		onSuccess := func(acct registry.TrackedAccount, o reports.AccountOutcome) {
			if err := reg.RecordReclaim(acct.Address, o.Lamports, t.now()); err != nil {
				t.logger.Error("record reclaim failed", "account", acct.Address, "error", err)
				return
			}
			if err := save(ctx); err != nil && saveErr == nil {
				saveErr = err
				t.logger.Error("persist after reclaim failed", "account", acct.Address, "error", err)
			}
		}
		var execErr error
		report, execErr = t.c.Executor.Execute(ctx, candidates, false, onSuccess)
		if err := save(ctx); err != nil {
			return err
		}
		if saveErr != nil {
			return saveErr
		}
		return execErr
	})
	t.publishReport(report)
	return report, err
}

func (t *Tracker) publishReport(report *reports.ReclaimReport) {
	if report == nil {
		return
	}
	for _, o := range report.Outcomes {
		t.emitter.EmitReclaimOutcome(report.RunID, report.DryRun, o)
	}
	t.emitter.EmitRunCompleted(RunReclaim, report)
}

// selectCandidates resolves addresses against reg. Unknown addresses are
// an error; nothing is reclaimed that the registry does not track.
func selectCandidates(reg *registry.Registry, addresses []string) ([]registry.TrackedAccount, error) {
	if len(addresses) == 0 {
		return emptyAccounts(reg), nil
	}
	out := make([]registry.TrackedAccount, 0, len(addresses))
	seen := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		acct, ok := reg.Get(addr)
		if !ok {
			return nil, fmt.Errorf("%w: %s", registry.ErrAccountNotFound, addr)
		}
		out = append(out, acct)
	}
	return out, nil
}

func emptyAccounts(reg *registry.Registry) []registry.TrackedAccount {
	st := registry.StatusEmpty
	return reg.List(registry.Filter{Status: &st})
}

// Snapshot loads the current registry without locking it.
func (t *Tracker) Snapshot(ctx context.Context) (*registry.Registry, error) {
	return t.c.Store.Load(ctx)
}

// Summary is the registry's read-only view.
func (t *Tracker) Summary(ctx context.Context) (registry.Summary, error) {
	reg, err := t.Snapshot(ctx)
	if err != nil {
		return registry.Summary{}, err
	}
	return reg.Summary(), nil
}

// Accounts lists tracked accounts matching f.
func (t *Tracker) Accounts(ctx context.Context, f registry.Filter) ([]registry.TrackedAccount, error) {
	reg, err := t.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return reg.List(f), nil
}

// Account returns one tracked account.
func (t *Tracker) Account(ctx context.Context, address string) (registry.TrackedAccount, error) {
	reg, err := t.Snapshot(ctx)
	if err != nil {
		return registry.TrackedAccount{}, err
	}
	acct, ok := reg.Get(address)
	if !ok {
		return registry.TrackedAccount{}, fmt.Errorf("%w: %s", registry.ErrAccountNotFound, address)
	}
	return acct, nil
}

// Candidates are the accounts a reclaim with no explicit addresses would
// consider: Empty and not Closed.
func (t *Tracker) Candidates(ctx context.Context) ([]registry.TrackedAccount, error) {
	reg, err := t.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return emptyAccounts(reg), nil
}

// ValidateAccount runs the safety checks for one tracked account without
// acting on the result.
func (t *Tracker) ValidateAccount(ctx context.Context, address string) (safety.Result, error) {
	acct, err := t.Account(ctx, address)
	if err != nil {
		return safety.Result{}, err
	}
	return t.c.Validator.Validate(ctx, acct), nil
}

// Reports lists saved reclaim reports, newest first.
func (t *Tracker) Reports(ctx context.Context, limit int) ([]*reports.ReclaimReport, error) {
	return t.c.Reports.List(ctx, limit)
}

// Report fetches one saved report.
func (t *Tracker) Report(ctx context.Context, runID string) (*reports.ReclaimReport, error) {
	return t.c.Reports.Get(ctx, runID)
}

type saveFunc = func(ctx context.Context) error

// withRegistry serialises fn against other triggers in this process and,
// through the lock file, in other processes. fn receives the loaded
// registry and a save function that refreshes the lock and persists.
func (t *Tracker) withRegistry(ctx context.Context, fn func(ctx context.Context, reg *registry.Registry, save saveFunc) error) error {
	unlock, err := t.gate.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := t.c.Lock.Acquire(); err != nil {
		if errors.Is(err, registry.ErrLockHeld) {
			lockContention.Inc()
		}
		return err
	}
	defer func() {
		if err := t.c.Lock.Release(); err != nil {
			t.logger.Warn("release registry lock", "error", err)
		}
	}()

	reg, err := t.c.Store.Load(ctx)
	if err != nil {
		return err
	}

	save := func(ctx context.Context) error {
		if err := t.c.Lock.Touch(); err != nil {
			t.logger.Warn("refresh registry lock", "error", err)
		}
		if err := t.c.Store.Save(ctx, reg); err != nil {
			return err
		}
		registry.Observe(reg)
		return nil
	}
	return fn(ctx, reg, save)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
