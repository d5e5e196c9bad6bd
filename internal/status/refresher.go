// Package status re-reads tracked accounts and reports how their on-chain
// state has moved since the last check.
package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/korarent/internal/chain"
	"github.com/mbd888/korarent/internal/registry"
	"github.com/mbd888/korarent/internal/retry"
	"github.com/mbd888/korarent/internal/traces"
)

// Defaults for pacing.
const (
	DefaultBatchSize  = 10
	DefaultBatchDelay = 500 * time.Millisecond
)

// Summary tallies one refresh pass. Active, Empty, Closed and Unknown count
// the status each account ended the pass with.
type Summary struct {
	Active  int `json:"active"`
	Empty   int `json:"empty"`
	Closed  int `json:"closed"`
	Unknown int `json:"unknown"`
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
}

// Change is the result of one successful account read.
type Change struct {
	Address   string
	Previous  registry.Status
	Current   registry.Status
	CheckedAt time.Time
}

// Changed reports whether the status moved.
func (c Change) Changed() bool { return c.Previous != c.Current }

// ProgressFunc is called after each account with the number done so far.
type ProgressFunc func(done, total int)

// Option configures a Refresher.
type Option func(*Refresher)

// WithBatch sets the pacing: after every size reads, sleep delay.
func WithBatch(size int, delay time.Duration) Option {
	return func(r *Refresher) {
		if size > 0 {
			r.batchSize = size
		}
		r.batchDelay = delay
	}
}

// WithRetry retries each account read under p.
func WithRetry(p retry.Policy) Option {
	return func(r *Refresher) { r.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) { r.logger = l }
}

// Refresher classifies tracked accounts from their current on-chain state.
type Refresher struct {
	gw         chain.Gateway
	batchSize  int
	batchDelay time.Duration
	retry      retry.Policy
	logger     *slog.Logger
	now        func() time.Time
}

// NewRefresher creates a refresher reading through gw.
func NewRefresher(gw chain.Gateway, opts ...Option) *Refresher {
	r := &Refresher{
		gw:         gw,
		batchSize:  DefaultBatchSize,
		batchDelay: DefaultBatchDelay,
		retry:      retry.Policy{MaxAttempts: 1},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh reads every account that is not already Closed and returns the
// resulting tally plus one Change per successful read. Accounts whose read
// fails keep their prior status and are counted in Summary.Errors. A
// cancelled ctx stops the pass early; what was read so far is returned.
func (r *Refresher) Refresh(ctx context.Context, accounts []registry.TrackedAccount, onProgress ProgressFunc) (Summary, []Change) {
	ctx, span := traces.StartSpan(ctx, "status.Refresh")
	defer span.End()
	start := time.Now()

	var (
		sum     Summary
		changes []Change
		reads   int
	)
	total := len(accounts)

	for i, acct := range accounts {
		if acct.Status == registry.StatusClosed {
			sum.Closed++
			report(onProgress, i+1, total)
			continue
		}
		if ctx.Err() != nil {
			tally(&sum, acct.Status)
			continue
		}
		if reads > 0 && reads%r.batchSize == 0 && r.batchDelay > 0 {
			select {
			case <-ctx.Done():
				tally(&sum, acct.Status)
				continue
			case <-time.After(r.batchDelay):
			}
		}
		reads++

		next, err := r.check(ctx, acct)
		if err != nil {
			sum.Errors++
			refreshErrors.Inc()
			tally(&sum, acct.Status)
			r.logger.Warn("status read failed, keeping prior status",
				"account", acct.Address, "status", acct.Status.String(), "error", err)
			report(onProgress, i+1, total)
			continue
		}

		c := Change{Address: acct.Address, Previous: acct.Status, Current: next, CheckedAt: r.now().UTC()}
		changes = append(changes, c)
		if c.Changed() {
			sum.Updated++
			r.logger.Info("account status changed",
				"account", acct.Address, "from", c.Previous.String(), "to", c.Current.String())
		}
		tally(&sum, next)
		report(onProgress, i+1, total)
	}

	observe(sum, time.Since(start))
	return sum, changes
}

func (r *Refresher) check(ctx context.Context, acct registry.TrackedAccount) (registry.Status, error) {
	var snap *chain.AccountSnapshot
	err := r.retry.Do(ctx, func() error {
		s, err := r.gw.GetAccount(ctx, acct.Address)
		if errors.Is(err, chain.ErrAccountNotFound) {
			return retry.Permanent(err)
		}
		snap = s
		return err
	})
	if errors.Is(err, chain.ErrAccountNotFound) {
		return registry.StatusClosed, nil
	}
	if err != nil {
		return acct.Status, err
	}
	return Classify(acct.Kind, snap), nil
}

// Classify derives a status from a snapshot. A nil snapshot is Closed.
// Token accounts are Empty only when their amount field reads zero; data too
// short to hold that field is treated as Active.
func Classify(kind registry.Kind, snap *chain.AccountSnapshot) registry.Status {
	if snap == nil {
		return registry.StatusClosed
	}
	if kind == registry.KindToken {
		if len(snap.Data) < chain.TokenAccountSize {
			return registry.StatusActive
		}
		amount, _ := chain.TokenAmount(snap.Data)
		if amount == 0 {
			return registry.StatusEmpty
		}
		return registry.StatusActive
	}
	for _, b := range snap.Data {
		if b != 0 {
			return registry.StatusActive
		}
	}
	return registry.StatusEmpty
}

func tally(s *Summary, st registry.Status) {
	switch st {
	case registry.StatusActive:
		s.Active++
	case registry.StatusEmpty:
		s.Empty++
	case registry.StatusClosed:
		s.Closed++
	default:
		s.Unknown++
	}
}

func report(fn ProgressFunc, done, total int) {
	if fn != nil {
		fn(done, total)
	}
}
