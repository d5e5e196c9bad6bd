// Package reclaim closes validated accounts and returns their lamports to
// the operator's treasury.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/korarent/internal/chain"
	"github.com/mbd888/korarent/internal/logging"
	"github.com/mbd888/korarent/internal/registry"
	"github.com/mbd888/korarent/internal/reports"
	"github.com/mbd888/korarent/internal/safety"
	"github.com/mbd888/korarent/internal/traces"
)

var (
	ErrNoTreasury          = errors.New("reclaim: treasury address required")
	ErrTreasuryUnavailable = errors.New("reclaim: treasury balance unavailable")
	ErrNotCredited         = errors.New("reclaim: treasury balance did not increase")
	ErrStillOpen           = errors.New("reclaim: account still holds lamports after close")
	ErrUnsupportedKind     = errors.New("reclaim: no close path for account kind")
)

// CloseError wraps a failed close with the step that failed.
type CloseError struct {
	Op        string // balance, treasury, send, confirm, verify
	Address   string
	Signature string
	Err       error
}

func (e *CloseError) Error() string {
	if e.Signature != "" {
		return fmt.Sprintf("reclaim: %s %s failed (tx: %s): %v", e.Op, e.Address, e.Signature, e.Err)
	}
	return fmt.Sprintf("reclaim: %s %s failed: %v", e.Op, e.Address, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

// Validator is the pre-close safety gate.
type Validator interface {
	Validate(ctx context.Context, acct registry.TrackedAccount) safety.Result
}

var _ Validator = (*safety.Validator)(nil)

// SuccessFunc is called once per verified live close.
type SuccessFunc func(acct registry.TrackedAccount, outcome reports.AccountOutcome)

// Config bounds a run.
type Config struct {
	Operator          string
	Treasury          string
	MaxAccountsPerRun int    // 0 means unlimited
	MaxLamportsPerRun uint64 // 0 means unlimited
	ConfirmTimeout    time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithStore persists every report produced.
func WithStore(s reports.Store) Option {
	return func(e *Executor) { e.store = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor runs reclaim batches one account at a time.
type Executor struct {
	cfg       Config
	validator Validator
	sender    chain.Sender
	gw        chain.Gateway
	store     reports.Store
	logger    *slog.Logger
	now       func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(cfg Config, validator Validator, sender chain.Sender, gw chain.Gateway, opts ...Option) (*Executor, error) {
	if cfg.Treasury == "" {
		return nil, ErrNoTreasury
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = time.Minute
	}
	e := &Executor{
		cfg:       cfg,
		validator: validator,
		sender:    sender,
		gw:        gw,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute processes candidates in order. Rejected accounts are skipped,
// failures are recorded and the batch continues. In dry-run mode nothing is
// sent and onSuccess is never called. The report is returned even when
// saving it fails.
func (e *Executor) Execute(ctx context.Context, candidates []registry.TrackedAccount, dryRun bool, onSuccess SuccessFunc) (*reports.ReclaimReport, error) {
	start := time.Now()
	report := &reports.ReclaimReport{
		RunID:     uuid.NewString(),
		Timestamp: e.now().UTC(),
		DryRun:    dryRun,
		Operator:  e.cfg.Operator,
		Treasury:  e.cfg.Treasury,
		Outcomes:  []reports.AccountOutcome{},
		Errors:    []reports.RunError{},
	}

	ctx = logging.WithRunID(ctx, report.RunID)
	ctx, span := traces.StartSpan(ctx, "reclaim.Execute", traces.RunID(report.RunID), traces.DryRun(dryRun))
	defer span.End()
	log := e.logger.With("run_id", report.RunID, "dry_run", dryRun)

	treasury, err := e.sender.GetBalance(ctx, e.cfg.Treasury)
	if err != nil {
		if !dryRun {
			return nil, fmt.Errorf("%w: %v", ErrTreasuryUnavailable, err)
		}
		report.Errors = append(report.Errors, reports.RunError{Address: e.cfg.Treasury, Message: err.Error()})
	}
	report.TreasuryBefore = treasury

	log.Info("reclaim run started", "candidates", len(candidates), "treasury_before", treasury)

	for _, acct := range candidates {
		if e.cfg.MaxAccountsPerRun > 0 && report.Analyzed >= e.cfg.MaxAccountsPerRun {
			log.Info("per-run account cap reached", "cap", e.cfg.MaxAccountsPerRun)
			break
		}
		if ctx.Err() != nil {
			break
		}
		report.Analyzed++

		outcome, credited := e.process(ctx, acct, dryRun, report.TotalLamports)
		report.Add(outcome)
		outcomes.WithLabelValues(string(outcome.Status)).Inc()

		switch outcome.Status {
		case reports.OutcomeConfirmed:
			treasury = credited
			lamportsReclaimed.Add(float64(outcome.Lamports))
			log.Info("account reclaimed", "account", acct.Address, "lamports", outcome.Lamports, "signature", outcome.Signature)
			if onSuccess != nil {
				onSuccess(acct, outcome)
			}
		case reports.OutcomeFailed:
			log.Warn("reclaim failed", "account", acct.Address, "signature", outcome.Signature, "error", outcome.Reason)
		case reports.OutcomeSkipped:
			log.Debug("reclaim skipped", "account", acct.Address, "reason", outcome.Reason)
		}
	}

	if after, err := e.sender.GetBalance(ctx, e.cfg.Treasury); err != nil {
		report.TreasuryAfter = treasury
		report.Errors = append(report.Errors, reports.RunError{Address: e.cfg.Treasury, Message: err.Error()})
	} else {
		report.TreasuryAfter = after
	}
	report.Duration = time.Since(start)
	runDuration.Observe(report.Duration.Seconds())
	span.SetAttributes(traces.Lamports(report.TotalLamports))

	log.Info("reclaim run finished",
		"analyzed", report.Analyzed, "reclaimed", report.Reclaimed, "failed", report.Failed,
		"skipped", report.Skipped, "lamports", report.TotalLamports, "treasury_after", report.TreasuryAfter)

	if e.store != nil {
		if err := e.store.Save(ctx, report); err != nil {
			return report, fmt.Errorf("reclaim: save report: %w", err)
		}
	}
	return report, nil
}

// process handles one candidate. For confirmed outcomes it also returns the
// treasury balance observed after the close.
func (e *Executor) process(ctx context.Context, acct registry.TrackedAccount, dryRun bool, runTotal uint64) (reports.AccountOutcome, uint64) {
	ctx, span := traces.StartSpan(ctx, "reclaim.account", traces.Account(acct.Address))
	defer span.End()

	o := reports.AccountOutcome{Address: acct.Address, Kind: acct.Kind}

	res := e.validator.Validate(ctx, acct)
	o.RiskLevel = res.RiskLevel.String()
	if !res.CanReclaim {
		o.Status = reports.OutcomeSkipped
		o.Reason = res.Reason
		return o, 0
	}

	balance, err := e.sender.GetBalance(ctx, acct.Address)
	if err != nil {
		return fail(o, &CloseError{Op: "balance", Address: acct.Address, Err: err}), 0
	}
	if e.cfg.MaxLamportsPerRun > 0 && runTotal+balance > e.cfg.MaxLamportsPerRun {
		o.Status = reports.OutcomeSkipped
		o.Reason = fmt.Sprintf("per-run lamport cap %d reached", e.cfg.MaxLamportsPerRun)
		return o, 0
	}
	o.Lamports = balance
	span.SetAttributes(traces.Lamports(balance))

	if dryRun {
		o.Status = reports.OutcomeSimulated
		return o, 0
	}

	// Sampled per account: an earlier close that landed without confirming
	// may already have credited the treasury.
	before, err := e.sender.GetBalance(ctx, e.cfg.Treasury)
	if err != nil {
		return fail(o, &CloseError{Op: "treasury", Address: acct.Address, Err: fmt.Errorf("%w: %v", ErrTreasuryUnavailable, err)}), 0
	}

	sig, err := e.send(ctx, acct, balance)
	if err != nil {
		return fail(o, &CloseError{Op: "send", Address: acct.Address, Err: err}), 0
	}
	o.Signature = sig
	span.SetAttributes(traces.Signature(sig))

	if err := e.sender.WaitForConfirmation(ctx, sig, e.cfg.ConfirmTimeout); err != nil {
		return fail(o, &CloseError{Op: "confirm", Address: acct.Address, Signature: sig, Err: err}), 0
	}

	after, err := e.verify(ctx, acct.Address, before)
	if err != nil {
		return fail(o, &CloseError{Op: "verify", Address: acct.Address, Signature: sig, Err: err}), 0
	}
	o.Status = reports.OutcomeConfirmed
	return o, after
}

func (e *Executor) send(ctx context.Context, acct registry.TrackedAccount, balance uint64) (string, error) {
	switch acct.Kind {
	case registry.KindToken:
		return e.sender.CloseTokenAccount(ctx, acct.Address, e.cfg.Treasury, acct.OwnerProgram)
	case registry.KindSystem:
		return e.sender.TransferAll(ctx, acct.Address, e.cfg.Treasury, balance)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedKind, acct.Kind)
	}
}

// verify re-reads the account and the treasury. The treasury must have
// grown past before.
func (e *Executor) verify(ctx context.Context, address string, before uint64) (uint64, error) {
	snap, err := e.gw.GetAccount(ctx, address)
	switch {
	case errors.Is(err, chain.ErrAccountNotFound):
	case err != nil:
		return 0, fmt.Errorf("re-read account: %w", err)
	case snap.Lamports > 0:
		return 0, fmt.Errorf("%w: %d lamports", ErrStillOpen, snap.Lamports)
	}

	after, err := e.sender.GetBalance(ctx, e.cfg.Treasury)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTreasuryUnavailable, err)
	}
	if after <= before {
		return 0, fmt.Errorf("%w: %d -> %d", ErrNotCredited, before, after)
	}
	return after, nil
}

func fail(o reports.AccountOutcome, err error) reports.AccountOutcome {
	o.Status = reports.OutcomeFailed
	o.Reason = err.Error()
	return o
}
