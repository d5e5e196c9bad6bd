// Package chaintest provides in-memory Gateway and Sender fakes for tests.
package chaintest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"github.com/mbd888/korarent/internal/chain"
)

// Gateway is an in-memory chain.Gateway.
type Gateway struct {
	mu sync.Mutex

	Accounts   map[string]*chain.AccountSnapshot
	History    map[string][]chain.SignatureRef // newest first
	Txs        map[string]*chain.ParsedTx
	RentExempt map[uint64]uint64

	// Per-address and per-signature injected failures.
	AccountErrs map[string]error
	HistoryErrs map[string]error
	TxErrs      map[string]error
	RentErr     error

	Calls map[string]int
}

var _ chain.Gateway = (*Gateway)(nil)

// NewGateway returns an empty fake.
func NewGateway() *Gateway {
	return &Gateway{
		Accounts:    make(map[string]*chain.AccountSnapshot),
		History:     make(map[string][]chain.SignatureRef),
		Txs:         make(map[string]*chain.ParsedTx),
		RentExempt:  make(map[uint64]uint64),
		AccountErrs: make(map[string]error),
		HistoryErrs: make(map[string]error),
		TxErrs:      make(map[string]error),
		Calls:       make(map[string]int),
	}
}

// PutAccount stores a snapshot.
func (g *Gateway) PutAccount(s chain.AccountSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := s
	cp.Data = append([]byte(nil), s.Data...)
	g.Accounts[s.Address] = &cp
}

// DeleteAccount removes an account, as a close would.
func (g *Gateway) DeleteAccount(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.Accounts, addr)
}

// AddTx records tx under its first signature and prepends it to the history
// of every address passed.
func (g *Gateway) AddTx(tx *chain.ParsedTx, addresses ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sig := tx.Signature()
	g.Txs[sig] = tx
	ref := chain.SignatureRef{Signature: sig, Slot: tx.Slot, Failed: tx.Failed()}
	if tx.BlockTime != nil {
		t := tx.Time()
		ref.BlockTime = &t
	}
	for _, a := range addresses {
		g.History[a] = append([]chain.SignatureRef{ref}, g.History[a]...)
	}
}

// AddSignature prepends a bare signature to an address history.
func (g *Gateway) AddSignature(addr string, ref chain.SignatureRef) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.History[addr] = append([]chain.SignatureRef{ref}, g.History[addr]...)
}

func (g *Gateway) count(method string) {
	g.Calls[method]++
}

// CallCount returns how often method was called.
func (g *Gateway) CallCount(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Calls[method]
}

func (g *Gateway) GetAccount(_ context.Context, address string) (*chain.AccountSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count("GetAccount")
	if err := g.AccountErrs[address]; err != nil {
		return nil, err
	}
	a, ok := g.Accounts[address]
	if !ok {
		return nil, chain.ErrAccountNotFound
	}
	cp := *a
	cp.Data = append([]byte(nil), a.Data...)
	return &cp, nil
}

func (g *Gateway) GetMinRentExemptBalance(_ context.Context, dataSize uint64) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count("GetMinRentExemptBalance")
	if g.RentErr != nil {
		return 0, g.RentErr
	}
	if v, ok := g.RentExempt[dataSize]; ok {
		return v, nil
	}
	// 128 bytes of account overhead at 3480 lamports/byte-year for two years
	return (dataSize + 128) * 6960, nil
}

func (g *Gateway) GetSignatureHistory(_ context.Context, address string, limit int, before string) ([]chain.SignatureRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count("GetSignatureHistory")
	if err := g.HistoryErrs[address]; err != nil {
		return nil, err
	}
	all := g.History[address]
	start := 0
	if before != "" {
		start = len(all)
		for i, r := range all {
			if r.Signature == before {
				start = i + 1
				break
			}
		}
	}
	end := len(all)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	if start >= end {
		return nil, nil
	}
	return append([]chain.SignatureRef(nil), all[start:end]...), nil
}

func (g *Gateway) GetParsedTransaction(_ context.Context, signature string) (*chain.ParsedTx, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count("GetParsedTransaction")
	if err := g.TxErrs[signature]; err != nil {
		return nil, err
	}
	tx, ok := g.Txs[signature]
	if !ok {
		return nil, chain.ErrTransactionNotFound
	}
	return tx, nil
}

// Sender is an in-memory chain.Sender that moves lamports inside a Gateway.
type Sender struct {
	mu sync.Mutex

	ID       string
	Gateway  *Gateway
	Balances map[string]uint64

	SendErr    map[string]error // keyed by account
	BalanceErr map[string]error // keyed by address
	ConfirmErr map[string]error // keyed by signature
	// SkipCredit leaves the treasury balance unchanged after a close.
	SkipCredit bool
	// NoCredit does the same for individual accounts.
	NoCredit map[string]bool
	// ClosedWith records the token program each close targeted.
	ClosedWith map[string]string

	Submitted []string
	seq       int
}

var _ chain.Sender = (*Sender)(nil)

// NewSender returns a sender acting as id against gw.
func NewSender(id string, gw *Gateway) *Sender {
	return &Sender{
		ID:         id,
		Gateway:    gw,
		Balances:   make(map[string]uint64),
		SendErr:    make(map[string]error),
		BalanceErr: make(map[string]error),
		ConfirmErr: make(map[string]error),
		NoCredit:   make(map[string]bool),
		ClosedWith: make(map[string]string),
	}
}

func (s *Sender) Identity() string { return s.ID }

// GetBalance reads Balances first, then any account stored in the Gateway.
func (s *Sender) GetBalance(ctx context.Context, address string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.BalanceErr[address]; err != nil {
		return 0, err
	}
	if b, ok := s.Balances[address]; ok {
		return b, nil
	}
	if snap, err := s.Gateway.GetAccount(ctx, address); err == nil {
		return snap.Lamports, nil
	}
	return 0, nil
}

func (s *Sender) CloseTokenAccount(ctx context.Context, account, destination, tokenProgram string) (string, error) {
	s.mu.Lock()
	s.ClosedWith[account] = tokenProgram
	s.mu.Unlock()
	return s.move(account, destination, 0, true)
}

func (s *Sender) TransferAll(ctx context.Context, from, destination string, lamports uint64) (string, error) {
	return s.move(from, destination, lamports, false)
}

func (s *Sender) move(account, destination string, lamports uint64, closeAccount bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.SendErr[account]; err != nil {
		return "", err
	}
	snap, err := s.Gateway.GetAccount(context.Background(), account)
	if err != nil {
		return "", err
	}
	amount := snap.Lamports
	if !closeAccount {
		amount = lamports
	}
	if closeAccount || amount >= snap.Lamports {
		s.Gateway.DeleteAccount(account)
	} else {
		snap.Lamports -= amount
		s.Gateway.PutAccount(*snap)
	}
	if !s.SkipCredit && !s.NoCredit[account] {
		s.Balances[destination] += amount
	}
	s.seq++
	sig := FakeSignature(s.seq)
	s.Submitted = append(s.Submitted, sig)
	return sig, nil
}

func (s *Sender) WaitForConfirmation(_ context.Context, signature string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ConfirmErr[signature]
}

// FakeSignature derives a deterministic base58 64-byte signature.
func FakeSignature(n int) string {
	b := make([]byte, 64)
	binary.BigEndian.PutUint64(b[56:], uint64(n)) //nolint:gosec // test helper
	b[0] = 0xA5
	return base58.Encode(b)
}

// Address derives a deterministic base58 32-byte address from a label.
func Address(label string) string {
	b := make([]byte, 32)
	copy(b, label)
	b[31] = 0x7F
	return base58.Encode(b)
}

// TokenData builds 165 bytes of token account data.
func TokenData(mint, owner string, amount uint64) []byte {
	data := make([]byte, chain.TokenAccountSize)
	if m, err := base58.Decode(mint); err == nil && len(m) == 32 {
		copy(data[0:32], m)
	}
	if o, err := base58.Decode(owner); err == nil && len(o) == 32 {
		copy(data[32:64], o)
	}
	binary.LittleEndian.PutUint64(data[64:72], amount)
	return data
}

// SortedAccounts lists stored account addresses for deterministic asserts.
func (g *Gateway) SortedAccounts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.Accounts))
	for a := range g.Accounts {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// String summarises the fake for failure messages.
func (g *Gateway) String() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("chaintest.Gateway{accounts:%d txs:%d}", len(g.Accounts), len(g.Txs))
}
