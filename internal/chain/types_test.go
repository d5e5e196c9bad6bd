package chain

import (
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const parsedTxFixture = `{
  "slot": 301234567,
  "blockTime": 1718000000,
  "meta": {
    "err": null,
    "fee": 5000,
    "innerInstructions": [
      {"index": 1, "instructions": [
        {"program": "system", "programId": "11111111111111111111111111111111",
         "parsed": {"type": "createAccount", "info": {"source": "OP", "newAccount": "ATA", "lamports": 2039280, "space": 165, "owner": "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"}},
         "stackHeight": 2}
      ]}
    ]
  },
  "transaction": {
    "signatures": ["sig1"],
    "message": {
      "accountKeys": [
        {"pubkey": "OP", "signer": true, "writable": true, "source": "transaction"},
        {"pubkey": "USER", "signer": true, "writable": false, "source": "transaction"},
        {"pubkey": "ATA", "signer": false, "writable": true, "source": "transaction"}
      ],
      "instructions": [
        {"program": "spl-memo", "programId": "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr", "parsed": "hello", "stackHeight": null},
        {"program": "spl-associated-token-account", "programId": "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL",
         "parsed": {"type": "create", "info": {"source": "OP", "account": "ATA", "wallet": "USER", "mint": "MINT"}}},
        {"programId": "Prog111", "accounts": ["OP"], "data": "3Bxs"}
      ]
    }
  }
}`

func TestParsedTx_DecodeFixture(t *testing.T) {
	var tx ParsedTx
	require.NoError(t, json.Unmarshal([]byte(parsedTxFixture), &tx))

	assert.False(t, tx.Failed())
	assert.Equal(t, "OP", tx.FeePayer())
	assert.Equal(t, "sig1", tx.Signature())
	assert.Equal(t, []string{"OP", "USER"}, tx.Signers())
	assert.Equal(t, time.Unix(1718000000, 0).UTC(), tx.Time())

	all := tx.AllInstructions()
	require.Len(t, all, 4)

	_, _, ok := all[0].ParsedInfo()
	assert.False(t, ok, "memo parsed as string is not an object")

	typ, info, ok := all[1].ParsedInfo()
	require.True(t, ok)
	assert.Equal(t, "create", typ)
	assert.Contains(t, string(info), `"wallet": "USER"`)

	_, _, ok = all[2].ParsedInfo()
	assert.False(t, ok, "undecoded instruction")

	typ, _, ok = all[3].ParsedInfo()
	require.True(t, ok)
	assert.Equal(t, "createAccount", typ)
}

func TestParsedTx_Failed(t *testing.T) {
	var tx ParsedTx
	require.NoError(t, json.Unmarshal([]byte(`{"meta":{"err":{"InstructionError":[0,{"Custom":1}]}},"transaction":{"signatures":[],"message":{"accountKeys":[],"instructions":[]}}}`), &tx))
	assert.True(t, tx.Failed())
	assert.Equal(t, "", tx.FeePayer())
	assert.Equal(t, "", tx.Signature())
	assert.True(t, tx.Time().IsZero())

	noMeta := ParsedTx{}
	assert.False(t, noMeta.Failed())
}

func TestAccountKey_StringForm(t *testing.T) {
	var keys []AccountKey
	require.NoError(t, json.Unmarshal([]byte(`["A", {"pubkey":"B","signer":true}]`), &keys))
	require.Len(t, keys, 2)
	assert.Equal(t, "A", keys[0].Pubkey)
	assert.False(t, keys[0].Signer)
	assert.Equal(t, "B", keys[1].Pubkey)
	assert.True(t, keys[1].Signer)
}

func TestDecodeTokenAccount(t *testing.T) {
	mint := make([]byte, 32)
	mint[0] = 1
	owner := make([]byte, 32)
	owner[0] = 2
	data := make([]byte, TokenAccountSize)
	copy(data[0:32], mint)
	copy(data[32:64], owner)
	binary.LittleEndian.PutUint64(data[64:72], 42)

	ta, ok := DecodeTokenAccount(data)
	require.True(t, ok)
	assert.Equal(t, base58.Encode(mint), ta.Mint)
	assert.Equal(t, base58.Encode(owner), ta.Owner)
	assert.Equal(t, uint64(42), ta.Amount)

	amt, ok := TokenAmount(data)
	require.True(t, ok)
	assert.Equal(t, uint64(42), amt)

	_, ok = DecodeTokenAccount(data[:71])
	assert.False(t, ok)
	_, ok = TokenAmount(nil)
	assert.False(t, ok)
}

func TestIsInfrastructureProgram(t *testing.T) {
	assert.True(t, IsInfrastructureProgram(SystemProgram))
	assert.True(t, IsInfrastructureProgram(AssociatedTokenProgram))
	assert.True(t, IsInfrastructureProgram(Token2022Program))
	assert.False(t, IsInfrastructureProgram("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"))

	assert.True(t, IsTokenProgram(TokenProgram))
	assert.True(t, IsTokenProgram(Token2022Program))
	assert.False(t, IsTokenProgram(SystemProgram))
}
