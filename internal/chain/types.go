// Package chain is the read and write boundary to the Solana ledger.
//
// Everything above this package works with base58 address strings and the
// plain structs defined here; solana-go types never leak out.
package chain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrAccountNotFound     = errors.New("chain: account not found")
	ErrTransactionNotFound = errors.New("chain: transaction not found")
	ErrInvalidAddress      = errors.New("chain: invalid address")
	ErrInvalidSignature    = errors.New("chain: invalid signature")
	ErrNoSigner            = errors.New("chain: no signing key configured")
	ErrTransactionFailed   = errors.New("chain: transaction failed")
	ErrTimeout             = errors.New("chain: operation timed out")
)

// RPCError wraps a transport or node error with the method that produced it.
type RPCError struct {
	Method string
	Err    error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("chain: %s: %v", e.Method, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

// AccountSnapshot is the state of an account at read time.
type AccountSnapshot struct {
	Address    string
	Owner      string // owning program
	Lamports   uint64
	Data       []byte
	Executable bool
}

// SignatureRef is one entry of an address's signature history.
type SignatureRef struct {
	Signature string
	Slot      uint64
	BlockTime *time.Time
	Failed    bool
}

// ParsedTx mirrors the jsonParsed encoding of getTransaction.
type ParsedTx struct {
	Slot        uint64  `json:"slot"`
	BlockTime   *int64  `json:"blockTime"`
	Meta        *TxMeta `json:"meta"`
	Transaction TxBody  `json:"transaction"`
}

// TxMeta holds the execution status and inner instructions.
type TxMeta struct {
	Err               json.RawMessage     `json:"err,omitempty"`
	Fee               uint64              `json:"fee"`
	InnerInstructions []InnerInstructions `json:"innerInstructions"`
}

// InnerInstructions are the CPI calls made by the outer instruction at Index.
type InnerInstructions struct {
	Index        int           `json:"index"`
	Instructions []Instruction `json:"instructions"`
}

// TxBody is the signed transaction payload.
type TxBody struct {
	Signatures []string  `json:"signatures"`
	Message    TxMessage `json:"message"`
}

// TxMessage lists the account keys and top-level instructions.
type TxMessage struct {
	AccountKeys  []AccountKey  `json:"accountKeys"`
	Instructions []Instruction `json:"instructions"`
}

// AccountKey is one entry of the message account table.
type AccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// UnmarshalJSON accepts both the parsed object form and the bare string
// form some nodes return for legacy messages.
func (k *AccountKey) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &k.Pubkey)
	}
	type plain AccountKey
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*k = AccountKey(p)
	return nil
}

// Instruction is a parsed or partially decoded instruction. Parsed is an
// object {type, info} for programs the node understands, a bare string for
// memo-like programs, and absent otherwise.
type Instruction struct {
	Program   string          `json:"program,omitempty"`
	ProgramID string          `json:"programId"`
	Parsed    json.RawMessage `json:"parsed,omitempty"`
	Accounts  []string        `json:"accounts,omitempty"`
	Data      string          `json:"data,omitempty"`
}

type parsedEnvelope struct {
	Type string          `json:"type"`
	Info json.RawMessage `json:"info"`
}

// ParsedInfo returns the parsed instruction type and its raw info object.
// ok is false for instructions the node did not decode into an object.
func (ix Instruction) ParsedInfo() (typ string, info json.RawMessage, ok bool) {
	p := bytes.TrimSpace(ix.Parsed)
	if len(p) == 0 || p[0] != '{' {
		return "", nil, false
	}
	var env parsedEnvelope
	if err := json.Unmarshal(p, &env); err != nil || env.Type == "" {
		return "", nil, false
	}
	return env.Type, env.Info, true
}

// Failed reports whether the transaction errored on chain.
func (tx *ParsedTx) Failed() bool {
	if tx.Meta == nil {
		return false
	}
	e := bytes.TrimSpace(tx.Meta.Err)
	return len(e) > 0 && !bytes.Equal(e, []byte("null"))
}

// FeePayer is the first account key, or "" for an empty message.
func (tx *ParsedTx) FeePayer() string {
	if len(tx.Transaction.Message.AccountKeys) == 0 {
		return ""
	}
	return tx.Transaction.Message.AccountKeys[0].Pubkey
}

// Signature is the transaction's first signature.
func (tx *ParsedTx) Signature() string {
	if len(tx.Transaction.Signatures) == 0 {
		return ""
	}
	return tx.Transaction.Signatures[0]
}

// Signers returns every signing account key in message order.
func (tx *ParsedTx) Signers() []string {
	var out []string
	for _, k := range tx.Transaction.Message.AccountKeys {
		if k.Signer {
			out = append(out, k.Pubkey)
		}
	}
	return out
}

// Time returns the block time, or zero when the node did not report one.
func (tx *ParsedTx) Time() time.Time {
	if tx.BlockTime == nil {
		return time.Time{}
	}
	return time.Unix(*tx.BlockTime, 0).UTC()
}

// AllInstructions yields top-level instructions followed by inner ones.
func (tx *ParsedTx) AllInstructions() []Instruction {
	out := append([]Instruction(nil), tx.Transaction.Message.Instructions...)
	if tx.Meta != nil {
		for _, inner := range tx.Meta.InnerInstructions {
			out = append(out, inner.Instructions...)
		}
	}
	return out
}
