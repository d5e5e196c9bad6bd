package chaintest

import (
	"encoding/json"
	"time"

	"github.com/mbd888/korarent/internal/chain"
)

// TxBuilder assembles jsonParsed-shaped transactions for tests.
type TxBuilder struct {
	tx    chain.ParsedTx
	keys  map[string]int
	inner []chain.Instruction
}

// NewTx starts a transaction with the fee payer as first signer.
func NewTx(signature, feePayer string, otherSigners ...string) *TxBuilder {
	b := &TxBuilder{keys: make(map[string]int)}
	b.tx.Slot = 1
	b.tx.Meta = &chain.TxMeta{Fee: 5000}
	b.tx.Transaction.Signatures = []string{signature}
	b.key(feePayer, true)
	for _, s := range otherSigners {
		b.key(s, true)
	}
	return b
}

func (b *TxBuilder) key(addr string, signer bool) {
	if i, ok := b.keys[addr]; ok {
		if signer {
			b.tx.Transaction.Message.AccountKeys[i].Signer = true
		}
		return
	}
	b.keys[addr] = len(b.tx.Transaction.Message.AccountKeys)
	b.tx.Transaction.Message.AccountKeys = append(b.tx.Transaction.Message.AccountKeys,
		chain.AccountKey{Pubkey: addr, Signer: signer, Writable: true})
}

func parsed(program, programID, typ string, info map[string]any) chain.Instruction {
	raw, _ := json.Marshal(map[string]any{"type": typ, "info": info})
	return chain.Instruction{Program: program, ProgramID: programID, Parsed: raw}
}

// CreateAccountIx builds a system createAccount instruction.
func CreateAccountIx(source, newAccount, owner string, lamports, space uint64) chain.Instruction {
	return parsed("system", chain.SystemProgram, "createAccount", map[string]any{
		"source": source, "newAccount": newAccount, "owner": owner,
		"lamports": lamports, "space": space,
	})
}

// CreateAccount appends a top-level system createAccount.
func (b *TxBuilder) CreateAccount(source, newAccount, owner string, lamports, space uint64) *TxBuilder {
	b.key(newAccount, true)
	b.tx.Transaction.Message.Instructions = append(b.tx.Transaction.Message.Instructions,
		CreateAccountIx(source, newAccount, owner, lamports, space))
	return b
}

// CreateAccountWithSeed appends a system createAccountWithSeed.
func (b *TxBuilder) CreateAccountWithSeed(source, newAccount, base, owner string, lamports, space uint64) *TxBuilder {
	b.key(newAccount, false)
	b.tx.Transaction.Message.Instructions = append(b.tx.Transaction.Message.Instructions,
		parsed("system", chain.SystemProgram, "createAccountWithSeed", map[string]any{
			"source": source, "newAccount": newAccount, "base": base, "seed": "s",
			"owner": owner, "lamports": lamports, "space": space,
		}))
	return b
}

// CreateATA appends an associated token account creation. The matching
// inner createAccount is added too, as the node would report it.
func (b *TxBuilder) CreateATA(payer, account, wallet, mint string, idempotent bool) *TxBuilder {
	typ := "create"
	if idempotent {
		typ = "createIdempotent"
	}
	b.key(account, false)
	b.key(wallet, false)
	idx := len(b.tx.Transaction.Message.Instructions)
	b.tx.Transaction.Message.Instructions = append(b.tx.Transaction.Message.Instructions,
		parsed("spl-associated-token-account", chain.AssociatedTokenProgram, typ, map[string]any{
			"source": payer, "account": account, "wallet": wallet, "mint": mint,
			"systemProgram": chain.SystemProgram, "tokenProgram": chain.TokenProgram,
		}))
	b.tx.Meta.InnerInstructions = append(b.tx.Meta.InnerInstructions, chain.InnerInstructions{
		Index:        idx,
		Instructions: []chain.Instruction{CreateAccountIx(payer, account, chain.TokenProgram, chain.DefaultATARent, chain.TokenAccountSize)},
	})
	return b
}

// Memo appends a memo instruction whose parsed form is a bare string.
func (b *TxBuilder) Memo(text string) *TxBuilder {
	raw, _ := json.Marshal(text)
	b.tx.Transaction.Message.Instructions = append(b.tx.Transaction.Message.Instructions,
		chain.Instruction{Program: "spl-memo", ProgramID: chain.MemoProgram, Parsed: raw})
	return b
}

// Inner appends inner instructions under the given outer index.
func (b *TxBuilder) Inner(index int, ixs ...chain.Instruction) *TxBuilder {
	b.tx.Meta.InnerInstructions = append(b.tx.Meta.InnerInstructions,
		chain.InnerInstructions{Index: index, Instructions: ixs})
	return b
}

// Failed marks the transaction as errored.
func (b *TxBuilder) Failed() *TxBuilder {
	b.tx.Meta.Err = json.RawMessage(`{"InstructionError":[0,"Custom"]}`)
	return b
}

// At sets the block time.
func (b *TxBuilder) At(t time.Time) *TxBuilder {
	sec := t.Unix()
	b.tx.BlockTime = &sec
	return b
}

// Build returns the transaction.
func (b *TxBuilder) Build() *chain.ParsedTx {
	tx := b.tx
	return &tx
}
