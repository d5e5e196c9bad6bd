// Package safety decides whether a tracked account may be closed by the
// operator. Paying for an account's rent does not make the operator its
// owner; only accounts the signer controls are ever accepted.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/korarent/internal/chain"
	"github.com/mbd888/korarent/internal/registry"
	"github.com/mbd888/korarent/internal/traces"
)

// RiskLevel grades a validation outcome.
type RiskLevel uint8

const (
	RiskSafe RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskBlocked
)

var riskNames = [...]string{"safe", "medium", "high", "blocked"}

func (r RiskLevel) String() string {
	if int(r) < len(riskNames) {
		return riskNames[r]
	}
	return fmt.Sprintf("risk(%d)", r)
}

// ParseRiskLevel is the inverse of String.
func ParseRiskLevel(s string) (RiskLevel, error) {
	for i, n := range riskNames {
		if strings.EqualFold(s, n) {
			return RiskLevel(i), nil
		}
	}
	return RiskBlocked, fmt.Errorf("safety: unknown risk level %q", s)
}

func (r RiskLevel) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *RiskLevel) UnmarshalText(b []byte) error {
	v, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Check names, in evaluation order.
const (
	CheckDenyList     = "deny_list"
	CheckAllowList    = "allow_list"
	CheckAge          = "min_age"
	CheckRecentWrites = "recent_writes"
	CheckExists       = "exists"
	CheckMaxBalance   = "max_balance"
	CheckTokenProgram = "token_program"
	CheckTokenBalance = "token_balance"
	CheckTokenOwner   = "token_owner"
	CheckSystemOwner  = "system_owner"
	CheckSystemData   = "system_data"
	CheckKind         = "kind"
)

// Check is one evaluated rule.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Result is the verdict for one account. It is never persisted.
type Result struct {
	Address           string        `json:"address"`
	Kind              registry.Kind `json:"kind"`
	CanReclaim        bool          `json:"canReclaim"`
	Reason            string        `json:"reason"`
	RiskLevel         RiskLevel     `json:"riskLevel"`
	Checks            []Check       `json:"checks"`
	OwnershipVerified bool          `json:"ownershipVerified"`
	AlreadyClosed     bool          `json:"alreadyClosed"`
	Balance           uint64        `json:"balance"`
}

func (r *Result) pass(name, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, Passed: true, Detail: detail})
}

func (r *Result) reject(name string, risk RiskLevel, reason string) Result {
	r.Checks = append(r.Checks, Check{Name: name, Passed: false, Detail: reason})
	r.CanReclaim = false
	r.RiskLevel = risk
	r.Reason = reason
	return *r
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// Validator runs the ordered checks against live chain state.
type Validator struct {
	gw       chain.Gateway
	identity string
	policy   Policy
	deny     map[string]struct{}
	allow    map[string]struct{}
	now      func() time.Time
	logger   *slog.Logger
}

// NewValidator creates a validator for the signer identity.
func NewValidator(gw chain.Gateway, identity string, policy Policy, opts ...Option) *Validator {
	v := &Validator{
		gw:       gw,
		identity: identity,
		policy:   policy,
		deny:     toSet(policy.Deny),
		allow:    toSet(policy.Allow),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Policy returns the policy in force.
func (v *Validator) Policy() Policy { return v.policy }

// Identity returns the signer identity ownership is checked against.
func (v *Validator) Identity() string { return v.identity }

func toSet(list []string) map[string]struct{} {
	m := make(map[string]struct{}, len(list))
	for _, s := range list {
		m[s] = struct{}{}
	}
	return m
}

// Validate evaluates acct. Checks run in a fixed order and stop at the
// first failure, so Reason always names the earliest rule that rejected.
func (v *Validator) Validate(ctx context.Context, acct registry.TrackedAccount) Result {
	ctx, span := traces.StartSpan(ctx, "safety.Validate", traces.Account(acct.Address))
	defer span.End()

	res := v.validate(ctx, acct)
	validations.WithLabelValues(res.RiskLevel.String(), outcome(res)).Inc()
	if !res.CanReclaim && !res.AlreadyClosed {
		v.logger.Info("account not reclaimable",
			"account", acct.Address, "risk", res.RiskLevel.String(), "reason", res.Reason)
	}
	return res
}

func outcome(r Result) string {
	switch {
	case r.CanReclaim:
		return "accepted"
	case r.AlreadyClosed:
		return "already_closed"
	default:
		return "rejected"
	}
}

func (v *Validator) validate(ctx context.Context, acct registry.TrackedAccount) Result {
	res := Result{Address: acct.Address, Kind: acct.Kind}
	now := v.now()

	if _, denied := v.deny[acct.Address]; denied {
		return res.reject(CheckDenyList, RiskBlocked, "address is on the deny list")
	}
	res.pass(CheckDenyList, "")

	if len(v.allow) > 0 {
		if _, ok := v.allow[acct.Address]; !ok {
			return res.reject(CheckAllowList, RiskBlocked, "address is not on the allow list")
		}
		res.pass(CheckAllowList, "")
	}

	if acct.CreatedAt.IsZero() {
		return res.reject(CheckAge, RiskMedium, "creation time unknown")
	}
	if age := now.Sub(acct.CreatedAt); age < v.policy.MinAccountAge.Duration {
		return res.reject(CheckAge, RiskMedium,
			fmt.Sprintf("account is %s old, minimum is %s", age.Round(time.Minute), v.policy.MinAccountAge.Duration))
	}
	res.pass(CheckAge, "")

	reason, ok := v.checkRecentWrites(ctx, acct.Address, now)
	if !ok {
		return res.reject(CheckRecentWrites, RiskHigh, reason)
	}
	res.pass(CheckRecentWrites, reason)

	snap, err := v.gw.GetAccount(ctx, acct.Address)
	if errors.Is(err, chain.ErrAccountNotFound) {
		res.Checks = append(res.Checks, Check{Name: CheckExists, Passed: false, Detail: "already closed"})
		res.AlreadyClosed = true
		res.RiskLevel = RiskSafe
		res.Reason = "already closed"
		return res
	}
	if err != nil {
		return res.reject(CheckExists, RiskHigh, fmt.Sprintf("account lookup failed: %v", err))
	}
	res.Balance = snap.Lamports
	res.pass(CheckExists, "")

	if snap.Lamports > v.policy.MaxLamportsPerAccount {
		return res.reject(CheckMaxBalance, RiskHigh,
			fmt.Sprintf("balance %d exceeds per-account cap %d", snap.Lamports, v.policy.MaxLamportsPerAccount))
	}
	res.pass(CheckMaxBalance, "")

	switch acct.Kind {
	case registry.KindToken:
		if !chain.IsTokenProgram(snap.Owner) {
			return res.reject(CheckTokenProgram, RiskBlocked, "account is no longer owned by a token program")
		}
		res.pass(CheckTokenProgram, "")
		tok, ok := chain.DecodeTokenAccount(snap.Data)
		if !ok {
			return res.reject(CheckTokenBalance, RiskBlocked, "token account data unreadable")
		}
		if tok.Amount != 0 {
			return res.reject(CheckTokenBalance, RiskBlocked,
				fmt.Sprintf("token balance is %d, never closing a funded token account", tok.Amount))
		}
		res.pass(CheckTokenBalance, "")
		if tok.Owner != v.identity {
			return res.reject(CheckTokenOwner, RiskBlocked,
				fmt.Sprintf("sponsored but not owned: token owner is %s", tok.Owner))
		}
		res.OwnershipVerified = true
		res.pass(CheckTokenOwner, "")

	case registry.KindSystem:
		if snap.Owner != v.identity {
			return res.reject(CheckSystemOwner, RiskBlocked,
				fmt.Sprintf("sponsored but not owned: account owner is %s", snap.Owner))
		}
		res.OwnershipVerified = true
		res.pass(CheckSystemOwner, "")
		if len(snap.Data) != 0 {
			return res.reject(CheckSystemData, RiskBlocked, "account holds data")
		}
		res.pass(CheckSystemData, "")

	case registry.KindProgramDerived:
		return res.reject(CheckKind, RiskBlocked, "program-derived accounts need program authority to close")

	default:
		return res.reject(CheckKind, RiskBlocked, "account kind unknown")
	}

	res.CanReclaim = true
	res.Reason = "all checks passed"
	if snap.Lamports > v.policy.HighValueLamports {
		res.RiskLevel = RiskMedium
	} else {
		res.RiskLevel = RiskSafe
	}
	return res
}

func (v *Validator) checkRecentWrites(ctx context.Context, addr string, now time.Time) (string, bool) {
	refs, err := v.gw.GetSignatureHistory(ctx, addr, v.policy.RecentSignatureLimit, "")
	if err != nil {
		if v.policy.RecentWriteFailOpen {
			v.logger.Warn("recent-write lookup failed, continuing", "account", addr, "error", err)
			return "history unavailable, treated as no recent writes", true
		}
		return fmt.Sprintf("recent activity unknown: %v", err), false
	}
	cutoff := now.Add(-v.policy.RecentWriteWindow.Duration)
	for _, ref := range refs {
		if ref.BlockTime != nil && ref.BlockTime.After(cutoff) {
			return fmt.Sprintf("written at %s, within %s", ref.BlockTime.UTC().Format(time.RFC3339), v.policy.RecentWriteWindow.Duration), false
		}
	}
	return "", true
}
