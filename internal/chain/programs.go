package chain

import (
	"encoding/binary"

	"github.com/mr-tron/base58"
)

// Well-known program addresses.
const (
	SystemProgram          = "11111111111111111111111111111111"
	TokenProgram           = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022Program       = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
	AssociatedTokenProgram = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
	MemoProgram            = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"
	MemoV1Program          = "Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo"
	ComputeBudgetProgram   = "ComputeBudget111111111111111111111111111111"
	StakeProgram           = "Stake11111111111111111111111111111111111111"
	VoteProgram            = "Vote111111111111111111111111111111111111111"
	ConfigProgram          = "Config1111111111111111111111111111111111111"
	AddressLookupProgram   = "AddressLookupTab1e1111111111111111111111111"
	BPFLoaderUpgradeable   = "BPFLoaderUpgradeab1e11111111111111111111111"
	SysvarRent             = "SysvarRent111111111111111111111111111111111"
)

// TokenAccountSize is the data length of an SPL token account.
const TokenAccountSize = 165

// DefaultATARent is the rent-exempt minimum for a 165-byte account, used
// when the node cannot be asked.
const DefaultATARent uint64 = 2_039_280

var infrastructure = map[string]struct{}{
	SystemProgram:          {},
	TokenProgram:           {},
	Token2022Program:       {},
	AssociatedTokenProgram: {},
	MemoProgram:            {},
	MemoV1Program:          {},
	ComputeBudgetProgram:   {},
	StakeProgram:           {},
	VoteProgram:            {},
	ConfigProgram:          {},
	AddressLookupProgram:   {},
	BPFLoaderUpgradeable:   {},
	SysvarRent:             {},
}

// IsInfrastructureProgram reports whether addr is a native or SPL program
// that never acts as a user.
func IsInfrastructureProgram(addr string) bool {
	_, ok := infrastructure[addr]
	return ok
}

// IsTokenProgram matches both the legacy token program and Token-2022.
func IsTokenProgram(addr string) bool {
	return addr == TokenProgram || addr == Token2022Program
}

// TokenAccount is the fixed prefix of an SPL token account.
type TokenAccount struct {
	Mint   string
	Owner  string
	Amount uint64
}

// DecodeTokenAccount reads mint, owner and amount from the first 72 bytes.
// ok is false when data is shorter than that prefix.
func DecodeTokenAccount(data []byte) (TokenAccount, bool) {
	if len(data) < 72 {
		return TokenAccount{}, false
	}
	return TokenAccount{
		Mint:   base58.Encode(data[0:32]),
		Owner:  base58.Encode(data[32:64]),
		Amount: binary.LittleEndian.Uint64(data[64:72]),
	}, true
}

// TokenAmount returns the token balance stored at bytes 64..72.
func TokenAmount(data []byte) (uint64, bool) {
	if len(data) < 72 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(data[64:72]), true
}
