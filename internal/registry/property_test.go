package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func candidatesFrom(ids []uint8, rents []uint32) []TrackedAccount {
	out := make([]TrackedAccount, 0, len(ids))
	for i, id := range ids {
		rent := uint64(1)
		if i < len(rents) {
			rent = uint64(rents[i])
		}
		out = append(out, candidate(fmt.Sprintf("A%d", id%32), rent))
	}
	return out
}

// Property: ingesting the same candidates twice leaves the registry unchanged.
func TestProperty_IngestIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("second ingest is a no-op", prop.ForAll(
		func(ids []uint8, rents []uint32) bool {
			r := New(testOperator)
			cands := candidatesFrom(ids, rents)
			r.Ingest(cands)
			before := r.Metrics
			n := r.Len()

			added := r.Ingest(cands)
			return len(added) == 0 && r.Metrics == before && r.Len() == n
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt32()),
	))

	properties.Property("sponsored count equals distinct addresses", prop.ForAll(
		func(ids []uint8) bool {
			r := New(testOperator)
			r.Ingest(candidatesFrom(ids, nil))
			distinct := map[uint8]struct{}{}
			for _, id := range ids {
				distinct[id%32] = struct{}{}
			}
			return int(r.Metrics.AccountsSponsored) == len(distinct) && r.Len() == len(distinct)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

// Property: once Closed, no sequence of status updates reopens an account,
// and AccountsClosed counts each account at most once.
func TestProperty_ClosedIsSticky(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("closed never reverts", prop.ForAll(
		func(updates []uint8) bool {
			r := New(testOperator)
			r.Ingest([]TrackedAccount{candidate("A1", 1)})
			seenClosed := false
			for _, u := range updates {
				st := Status(u % 4)
				_, _ = r.UpdateStatus("A1", st, time.Now())
				acct, _ := r.Get("A1")
				if seenClosed && acct.Status != StatusClosed {
					return false
				}
				if acct.Status == StatusClosed {
					seenClosed = true
				}
			}
			return r.Metrics.AccountsClosed <= 1
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("metrics never decrease", prop.ForAll(
		func(ops []uint8) bool {
			r := New(testOperator)
			prev := r.Metrics
			for i, op := range ops {
				addr := fmt.Sprintf("A%d", op%8)
				switch op % 3 {
				case 0:
					r.Ingest([]TrackedAccount{candidate(addr, uint64(op))})
				case 1:
					_, _ = r.UpdateStatus(addr, Status(i%4), time.Now())
				case 2:
					_ = r.RecordReclaim(addr, uint64(op), time.Now())
				}
				m := r.Metrics
				if m.AccountsSponsored < prev.AccountsSponsored || m.RentLocked < prev.RentLocked ||
					m.RentReclaimed < prev.RentReclaimed || m.AccountsClosed < prev.AccountsClosed {
					return false
				}
				prev = m
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
