package safety

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mbd888/korarent/internal/chain"
	"github.com/mbd888/korarent/internal/chain/chaintest"
)

// Property: an accepted token account is owned by the signer and holds no
// tokens, whatever its age, balance, history or owner.
func TestProperty_OwnershipGate(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	owners := []string{identity, stranger, chaintest.Address("other")}

	properties.Property("accepted token accounts are owned and empty", prop.ForAll(
		func(ownerIdx uint8, amountSeed uint8, lamports uint32, ageDays uint8, wroteHoursAgo uint16) bool {
			gw := chaintest.NewGateway()
			addr := chaintest.Address("ata")
			owner := owners[int(ownerIdx)%len(owners)]
			amount := uint64(0)
			if amountSeed%2 == 1 {
				amount = uint64(amountSeed)
			}
			putToken(gw, addr, owner, amount, uint64(lamports))
			wrote := now.Add(-time.Duration(wroteHoursAgo) * time.Hour)
			gw.AddSignature(addr, chain.SignatureRef{Signature: "s", BlockTime: &wrote})

			a := tokenAccount(addr)
			a.CreatedAt = now.Add(-time.Duration(ageDays) * 24 * time.Hour)

			res := newTestValidator(gw, DefaultPolicy()).Validate(context.Background(), a)
			if !res.CanReclaim {
				return true
			}
			snap, err := gw.GetAccount(context.Background(), addr)
			if err != nil {
				return false
			}
			tok, ok := chain.DecodeTokenAccount(snap.Data)
			return ok && tok.Owner == identity && tok.Amount == 0 && res.OwnershipVerified
		},
		gen.UInt8(),
		gen.UInt8(),
		gen.UInt32(),
		gen.UInt8(),
		gen.UInt16(),
	))

	properties.TestingRun(t)
}
