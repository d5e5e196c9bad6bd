package registry

import (
	"fmt"
	"time"
)

// SchemaVersion is written into every registry file.
const SchemaVersion = 1

// Registry is the per-operator aggregate. It is loaded, mutated and saved
// within one locked run and is not safe for concurrent use.
type Registry struct {
	Version                int               `json:"version"`
	Operator               string            `json:"operator"`
	LastProcessedSignature string            `json:"lastProcessedSignature,omitempty"`
	UpdatedAt              time.Time         `json:"updatedAt"`
	Metrics                Metrics           `json:"metrics"`
	Accounts               []*TrackedAccount `json:"accounts"`

	index map[string]int
}

// New creates an empty registry for operator.
func New(operator string) *Registry {
	return &Registry{
		Version:  SchemaVersion,
		Operator: operator,
		Accounts: []*TrackedAccount{},
		index:    make(map[string]int),
	}
}

func (r *Registry) reindex() error {
	r.index = make(map[string]int, len(r.Accounts))
	for i, a := range r.Accounts {
		if a == nil || a.Address == "" {
			return fmt.Errorf("%w: account %d has no address", ErrCorrupt, i)
		}
		if _, dup := r.index[a.Address]; dup {
			return fmt.Errorf("%w: duplicate account %s", ErrCorrupt, a.Address)
		}
		r.index[a.Address] = i
	}
	return nil
}

func (r *Registry) lookup(address string) (*TrackedAccount, bool) {
	if r.index == nil {
		_ = r.reindex()
	}
	i, ok := r.index[address]
	if !ok {
		return nil, false
	}
	return r.Accounts[i], true
}

// Has reports whether address is tracked.
func (r *Registry) Has(address string) bool {
	_, ok := r.lookup(address)
	return ok
}

// Get returns a copy of the tracked account.
func (r *Registry) Get(address string) (TrackedAccount, bool) {
	a, ok := r.lookup(address)
	if !ok {
		return TrackedAccount{}, false
	}
	return *a, true
}

// Known returns the set of tracked addresses.
func (r *Registry) Known() map[string]struct{} {
	out := make(map[string]struct{}, len(r.Accounts))
	for _, a := range r.Accounts {
		out[a.Address] = struct{}{}
	}
	return out
}

// Len is the number of tracked accounts.
func (r *Registry) Len() int {
	return len(r.Accounts)
}

// List returns copies of the accounts matching f in insertion order.
func (r *Registry) List(f Filter) []TrackedAccount {
	var out []TrackedAccount
	for _, a := range r.Accounts {
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.Kind != nil && a.Kind != *f.Kind {
			continue
		}
		out = append(out, *a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Ingest appends candidates not already present and returns the ones added.
// Candidates sponsored by someone else or whose beneficiary is the sponsor
// are ignored.
func (r *Registry) Ingest(candidates []TrackedAccount) []TrackedAccount {
	var added []TrackedAccount
	for _, c := range candidates {
		if c.Address == "" || r.Has(c.Address) {
			continue
		}
		if c.Sponsor != r.Operator || c.Beneficiary == c.Sponsor {
			continue
		}
		acct := c
		acct.ReclaimedLamports = 0
		acct.ReclaimedAt = nil
		r.index[acct.Address] = len(r.Accounts)
		r.Accounts = append(r.Accounts, &acct)
		r.Metrics.AccountsSponsored++
		r.Metrics.RentLocked += acct.RentAmount
		if acct.Status == StatusClosed {
			r.Metrics.AccountsClosed++
		}
		added = append(added, acct)
	}
	return added
}

// UpdateStatus records an observed status. Closed is terminal: once an
// account is Closed later observations are ignored. The first transition into
// Closed increments AccountsClosed. changed reports whether status moved.
func (r *Registry) UpdateStatus(address string, status Status, checkedAt time.Time) (changed bool, err error) {
	a, ok := r.lookup(address)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	if a.Status == StatusClosed {
		return false, nil
	}
	t := checkedAt.UTC()
	a.LastChecked = &t
	if a.Status == status {
		return false, nil
	}
	a.Status = status
	if status == StatusClosed {
		r.Metrics.AccountsClosed++
	}
	return true, nil
}

// RecordReclaim marks a verified reclaim of lamports from address.
func (r *Registry) RecordReclaim(address string, lamports uint64, at time.Time) error {
	a, ok := r.lookup(address)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	t := at.UTC()
	if a.Status != StatusClosed {
		a.Status = StatusClosed
		r.Metrics.AccountsClosed++
	}
	a.LastChecked = &t
	a.ReclaimedAt = &t
	a.ReclaimedLamports += lamports
	r.Metrics.RentReclaimed += lamports
	return nil
}

// SetWatermark advances the ingestion watermark.
func (r *Registry) SetWatermark(signature string) {
	if signature != "" {
		r.LastProcessedSignature = signature
	}
}

// Counts tallies accounts by status.
func (r *Registry) Counts() StatusCounts {
	var c StatusCounts
	for _, a := range r.Accounts {
		switch a.Status {
		case StatusActive:
			c.Active++
		case StatusEmpty:
			c.Empty++
		case StatusClosed:
			c.Closed++
		default:
			c.Unknown++
		}
	}
	return c
}

// Summary returns a read-only view.
func (r *Registry) Summary() Summary {
	return Summary{
		Operator:               r.Operator,
		LastProcessedSignature: r.LastProcessedSignature,
		UpdatedAt:              r.UpdatedAt,
		Metrics:                r.Metrics,
		Counts:                 r.Counts(),
		Tracked:                len(r.Accounts),
	}
}
