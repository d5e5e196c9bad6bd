package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/korarent/internal/chain"
	"github.com/mbd888/korarent/internal/chain/chaintest"
	"github.com/mbd888/korarent/internal/registry"
	"github.com/mbd888/korarent/internal/retry"
)

const operator = "OP1"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() Config {
	return Config{MaxScan: 100, PageSize: 2, BatchSize: 2, Retry: retry.Policy{MaxAttempts: 1}}
}

// seed adds n ATA sponsorship transactions, oldest first, and returns
// their signatures in that order.
func seed(gw *chaintest.Gateway, from, n int) []string {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var sigs []string
	for i := from; i < from+n; i++ {
		sig := chaintest.FakeSignature(i)
		tx := chaintest.NewTx(sig, operator).
			CreateATA(operator, fmt.Sprintf("ATA%d", i), fmt.Sprintf("USER%d", i), "MINT", false).
			At(base.Add(time.Duration(i) * time.Minute)).
			Build()
		gw.AddTx(tx, operator)
		sigs = append(sigs, sig)
	}
	return sigs
}

func TestRun_FirstRunDiscoversEverything(t *testing.T) {
	gw := chaintest.NewGateway()
	sigs := seed(gw, 1, 5)
	reg := registry.New(operator)
	checkpoints := 0
	var seen []string

	in := New(gw, chain.NewRentCache(gw, time.Hour), testConfig(), quiet)
	res, err := in.Run(context.Background(), reg, 100,
		func(context.Context) error { checkpoints++; return nil },
		func(a registry.TrackedAccount) { seen = append(seen, a.Address) })
	require.NoError(t, err)

	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 5, res.NewFound)
	assert.Equal(t, 0, res.Errors)
	assert.Equal(t, sigs[4], res.Watermark)
	assert.Equal(t, sigs[4], reg.LastProcessedSignature)
	assert.Equal(t, 3, checkpoints)
	assert.Equal(t, []string{"ATA1", "ATA2", "ATA3", "ATA4", "ATA5"}, seen, "oldest first")
	assert.Equal(t, uint64(5), reg.Metrics.AccountsSponsored)
	assert.Equal(t, 5*chain.DefaultATARent, reg.Metrics.RentLocked)
}

func TestRun_ResumesFromWatermark(t *testing.T) {
	gw := chaintest.NewGateway()
	seed(gw, 1, 3)
	reg := registry.New(operator)
	in := New(gw, nil, testConfig(), quiet)

	_, err := in.Run(context.Background(), reg, 100, nil, nil)
	require.NoError(t, err)

	res, err := in.Run(context.Background(), reg, 100, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.False(t, res.WatermarkMissed)

	newer := seed(gw, 4, 2)
	calls := gw.CallCount("GetParsedTransaction")
	res, err = in.Run(context.Background(), reg, 100, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.NewFound)
	assert.Equal(t, newer[1], res.Watermark)
	assert.Equal(t, calls+2, gw.CallCount("GetParsedTransaction"))
}

func TestRun_TxLimitTakesOldestFirst(t *testing.T) {
	gw := chaintest.NewGateway()
	sigs := seed(gw, 1, 5)
	reg := registry.New(operator)
	in := New(gw, nil, testConfig(), quiet)

	res, err := in.Run(context.Background(), reg, 2, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, sigs[1], res.Watermark)
	assert.True(t, reg.Has("ATA1"))
	assert.False(t, reg.Has("ATA3"))

	res, err = in.Run(context.Background(), reg, 2, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, sigs[3], res.Watermark)
	assert.True(t, reg.Has("ATA4"))
}

func TestRun_SkipsFailedSignatures(t *testing.T) {
	gw := chaintest.NewGateway()
	tx := chaintest.NewTx("FAILED", operator).CreateATA(operator, "ATA9", "USER9", "MINT", false).Failed().Build()
	gw.AddTx(tx, operator)
	reg := registry.New(operator)

	res, err := New(gw, nil, testConfig(), quiet).Run(context.Background(), reg, 10, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.NewFound)
	assert.Equal(t, 0, gw.CallCount("GetParsedTransaction"))
	assert.Equal(t, "FAILED", reg.LastProcessedSignature)
}

func TestRun_FetchErrorSkipsOnlyThatTransaction(t *testing.T) {
	gw := chaintest.NewGateway()
	sigs := seed(gw, 1, 3)
	gw.TxErrs[sigs[1]] = errors.New("429 too many requests")
	reg := registry.New(operator)

	cfg := testConfig()
	cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	res, err := New(gw, nil, cfg, quiet).Run(context.Background(), reg, 10, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.NewFound)
	assert.Equal(t, 1, res.Errors)
	// 3 attempts for the flaky one, one each for the others
	assert.Equal(t, 5, gw.CallCount("GetParsedTransaction"))
}

func TestRun_MissingTransactionIsNotRetried(t *testing.T) {
	gw := chaintest.NewGateway()
	gw.AddSignature(operator, chain.SignatureRef{Signature: "PRUNED"})
	reg := registry.New(operator)

	cfg := testConfig()
	cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	res, err := New(gw, nil, cfg, quiet).Run(context.Background(), reg, 10, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, gw.CallCount("GetParsedTransaction"))
	assert.Equal(t, "PRUNED", reg.LastProcessedSignature, "a pruned transaction never blocks the watermark")
}

func TestRun_FetchErrorHoldsWatermark(t *testing.T) {
	gw := chaintest.NewGateway()
	sigs := seed(gw, 1, 5)
	gw.TxErrs[sigs[1]] = errors.New("503 service unavailable")
	reg := registry.New(operator)
	ing := New(gw, nil, testConfig(), quiet)

	res, err := ing.Run(context.Background(), reg, 10, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, res.NewFound)
	assert.Equal(t, sigs[0], res.Watermark, "held before the unfetched signature across later batches")
	assert.False(t, reg.Has("ATA2"))

	delete(gw.TxErrs, sigs[1])
	res, err = ing.Run(context.Background(), reg, 10, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 1, res.NewFound)
	assert.True(t, reg.Has("ATA2"))
	assert.Equal(t, sigs[4], res.Watermark)
}

func TestRun_CheckpointFailureAborts(t *testing.T) {
	gw := chaintest.NewGateway()
	seed(gw, 1, 5)
	reg := registry.New(operator)

	res, err := New(gw, nil, testConfig(), quiet).Run(context.Background(), reg, 100,
		func(context.Context) error { return registry.ErrPersist }, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrPersist)
	assert.Equal(t, 2, res.Processed, "stops after the first batch")
}

func TestRun_WatermarkBeyondScanLimit(t *testing.T) {
	gw := chaintest.NewGateway()
	seed(gw, 1, 10)
	reg := registry.New(operator)
	reg.SetWatermark(chaintest.FakeSignature(1))

	cfg := testConfig()
	cfg.MaxScan = 4
	res, err := New(gw, nil, cfg, quiet).Run(context.Background(), reg, 100, nil, nil)
	require.NoError(t, err)
	assert.True(t, res.WatermarkMissed)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, chaintest.FakeSignature(10), res.Watermark)
}

func TestRun_HistoryError(t *testing.T) {
	gw := chaintest.NewGateway()
	gw.HistoryErrs[operator] = errors.New("connection refused")

	_, err := New(gw, nil, testConfig(), quiet).Run(context.Background(), registry.New(operator), 10, nil, nil)
	assert.Error(t, err)
}

func TestRun_UsesRentCache(t *testing.T) {
	gw := chaintest.NewGateway()
	gw.RentExempt[chain.TokenAccountSize] = 2_100_000
	seed(gw, 1, 1)
	reg := registry.New(operator)

	_, err := New(gw, chain.NewRentCache(gw, time.Hour), testConfig(), quiet).Run(context.Background(), reg, 10, nil, nil)
	require.NoError(t, err)
	a, ok := reg.Get("ATA1")
	require.True(t, ok)
	assert.Equal(t, uint64(2_100_000), a.RentAmount)
}

func TestRun_RequiresOperator(t *testing.T) {
	_, err := New(chaintest.NewGateway(), nil, testConfig(), quiet).Run(context.Background(), registry.New(""), 10, nil, nil)
	assert.ErrorIs(t, err, ErrNoOperator)
}
