// Package sponsorship recognises accounts an operator paid to create for
// someone else by inspecting the operator's parsed transactions.
package sponsorship

import (
	"encoding/json"
	"time"

	"github.com/mbd888/korarent/internal/chain"
	"github.com/mbd888/korarent/internal/registry"
)

// Options tune classification. The zero value is usable.
type Options struct {
	// ATARent is the rent recorded for associated token accounts.
	// Zero means chain.DefaultATARent.
	ATARent uint64
	// Now stamps accounts whose transaction carries no block time.
	Now func() time.Time
}

type createAccountInfo struct {
	Source     string `json:"source"`
	NewAccount string `json:"newAccount"`
	Base       string `json:"base"`
	Owner      string `json:"owner"`
	Lamports   uint64 `json:"lamports"`
	Space      uint64 `json:"space"`
}

type ataCreateInfo struct {
	Source       string `json:"source"`
	Payer        string `json:"payer"`
	Account      string `json:"account"`
	Wallet       string `json:"wallet"`
	TokenProgram string `json:"tokenProgram"`
}

// Classify returns the accounts in tx that operator sponsored for a third
// party. Addresses in known, and repeats within tx, are skipped. The result
// depends only on its inputs.
func Classify(tx *chain.ParsedTx, operator string, known map[string]struct{}, opts Options) []registry.TrackedAccount {
	if tx == nil || operator == "" {
		return nil
	}
	if tx.FeePayer() != operator || tx.Failed() {
		return nil
	}

	ataRent := opts.ATARent
	if ataRent == 0 {
		ataRent = chain.DefaultATARent
	}
	createdAt := tx.Time()
	if createdAt.IsZero() {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		createdAt = now().UTC()
	}

	c := &classification{
		tx:       tx,
		operator: operator,
		signers:  tx.Signers(),
		seen:     make(map[string]struct{}),
	}

	var out []registry.TrackedAccount
	for _, ix := range tx.AllInstructions() {
		acct, ok := c.match(ix, ataRent)
		if !ok {
			continue
		}
		if _, dup := c.seen[acct.Address]; dup {
			continue
		}
		c.seen[acct.Address] = struct{}{}
		if _, old := known[acct.Address]; old {
			continue
		}
		if acct.Beneficiary == operator {
			continue
		}
		acct.CreationTx = tx.Signature()
		acct.CreatedAt = createdAt
		acct.Sponsor = operator
		acct.Status = registry.StatusActive
		out = append(out, acct)
	}
	return out
}

type classification struct {
	tx       *chain.ParsedTx
	operator string
	signers  []string
	seen     map[string]struct{}
}

func (c *classification) match(ix chain.Instruction, ataRent uint64) (registry.TrackedAccount, bool) {
	typ, raw, ok := ix.ParsedInfo()
	if !ok {
		return registry.TrackedAccount{}, false
	}

	switch {
	case ix.ProgramID == chain.SystemProgram && typ == "createAccount":
		var info createAccountInfo
		if json.Unmarshal(raw, &info) != nil || info.Source != c.operator || info.NewAccount == "" {
			return registry.TrackedAccount{}, false
		}
		beneficiary, resolved := c.resolveBeneficiary(info.Owner, info.NewAccount)
		return c.account(info.NewAccount, info.Owner, info.Lamports, info.Space, beneficiary, resolved), true

	case ix.ProgramID == chain.SystemProgram && typ == "createAccountWithSeed":
		var info createAccountInfo
		if json.Unmarshal(raw, &info) != nil || info.Source != c.operator || info.NewAccount == "" {
			return registry.TrackedAccount{}, false
		}
		beneficiary, resolved := info.Base, info.Base != ""
		if !resolved {
			beneficiary, resolved = c.resolveBeneficiary(info.Owner, info.NewAccount)
		}
		return c.account(info.NewAccount, info.Owner, info.Lamports, info.Space, beneficiary, resolved), true

	case ix.ProgramID == chain.AssociatedTokenProgram && (typ == "create" || typ == "createIdempotent"):
		var info ataCreateInfo
		if json.Unmarshal(raw, &info) != nil || info.Account == "" {
			return registry.TrackedAccount{}, false
		}
		payer := info.Payer
		if payer == "" {
			payer = info.Source
		}
		if payer != c.operator {
			return registry.TrackedAccount{}, false
		}
		owner := info.TokenProgram
		if owner == "" {
			owner = chain.TokenProgram
		}
		return c.account(info.Account, owner, ataRent, chain.TokenAccountSize, info.Wallet, info.Wallet != ""), true
	}
	return registry.TrackedAccount{}, false
}

// resolveBeneficiary picks who the created account is for. Accounts owned by
// an infrastructure program belong to the first other signer; with no such
// signer the operator created the account for itself. Accounts owned by any
// other program are attributed to it.
func (c *classification) resolveBeneficiary(owner, newAccount string) (string, bool) {
	if !chain.IsInfrastructureProgram(owner) {
		return owner, owner != ""
	}
	feePayer := c.tx.FeePayer()
	for _, s := range c.signers {
		if s == feePayer || s == c.operator || s == newAccount {
			continue
		}
		return s, true
	}
	return c.operator, false
}

func (c *classification) account(addr, owner string, rent, size uint64, beneficiary string, resolved bool) registry.TrackedAccount {
	return registry.TrackedAccount{
		Address:      addr,
		RentAmount:   rent,
		OwnerProgram: owner,
		Kind:         KindOf(owner),
		DataSize:     size,
		Beneficiary:  beneficiary,
		Confidence:   c.confidence(owner, beneficiary, resolved),
	}
}

func (c *classification) confidence(owner, beneficiary string, resolved bool) registry.Confidence {
	switch {
	case resolved && beneficiary != "" && beneficiary != c.operator && !chain.IsInfrastructureProgram(beneficiary):
		return registry.ConfidenceHigh
	case chain.IsInfrastructureProgram(owner):
		return registry.ConfidenceMedium
	default:
		return registry.ConfidenceLow
	}
}

// KindOf maps an owning program to an account kind.
func KindOf(owner string) registry.Kind {
	switch {
	case chain.IsTokenProgram(owner):
		return registry.KindToken
	case owner == chain.SystemProgram:
		return registry.KindSystem
	case owner == "" || chain.IsInfrastructureProgram(owner):
		return registry.KindUnknown
	default:
		return registry.KindProgramDerived
	}
}
