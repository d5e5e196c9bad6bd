package reclaim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mbd888/korarent/internal/chain"
	"github.com/mbd888/korarent/internal/chain/chaintest"
	"github.com/mbd888/korarent/internal/registry"
	"github.com/mbd888/korarent/internal/reports"
	"github.com/mbd888/korarent/internal/safety"
)

var (
	now      = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	identity = chaintest.Address("operator")
	treasury = chaintest.Address("treasury")
	stranger = chaintest.Address("stranger")
	mint     = chaintest.Address("mint")
)

const startingTreasury = 5_000_000

type harness struct {
	gw     *chaintest.Gateway
	sender *chaintest.Sender
	store  *reports.MemoryStore
	exec   *Executor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	gw := chaintest.NewGateway()
	sender := chaintest.NewSender(identity, gw)
	sender.Balances[treasury] = startingTreasury
	store := reports.NewMemoryStore()

	cfg.Operator = identity
	cfg.Treasury = treasury
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := safety.NewValidator(gw, identity, safety.DefaultPolicy(),
		safety.WithClock(func() time.Time { return now }), safety.WithLogger(logger))

	exec, err := NewExecutor(cfg, v, sender, gw,
		WithStore(store), WithLogger(logger), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return &harness{gw: gw, sender: sender, store: store, exec: exec}
}

func (h *harness) tokenAccount(label, owner string, amount uint64) registry.TrackedAccount {
	addr := chaintest.Address(label)
	h.gw.PutAccount(chain.AccountSnapshot{
		Address:  addr,
		Owner:    chain.TokenProgram,
		Lamports: chain.DefaultATARent,
		Data:     chaintest.TokenData(mint, owner, amount),
	})
	return registry.TrackedAccount{
		Address:    addr,
		Kind:       registry.KindToken,
		CreatedAt:  now.Add(-30 * 24 * time.Hour),
		RentAmount: chain.DefaultATARent,
		Status:     registry.StatusEmpty,
	}
}

type successes struct {
	got []reports.AccountOutcome
}

func (s *successes) record(_ registry.TrackedAccount, o reports.AccountOutcome) {
	s.got = append(s.got, o)
}

func TestExecute_LiveClose(t *testing.T) {
	h := newHarness(t, Config{})
	acct := h.tokenAccount("ata1", identity, 0)
	var ok successes

	report, err := h.exec.Execute(context.Background(), []registry.TrackedAccount{acct}, false, ok.record)
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 1)
	o := report.Outcomes[0]
	assert.Equal(t, reports.OutcomeConfirmed, o.Status)
	assert.Equal(t, chain.DefaultATARent, o.Lamports)
	assert.NotEmpty(t, o.Signature)

	assert.Equal(t, 1, report.Reclaimed)
	assert.Equal(t, chain.DefaultATARent, report.TotalLamports)
	assert.Equal(t, uint64(startingTreasury), report.TreasuryBefore)
	assert.Equal(t, startingTreasury+chain.DefaultATARent, report.TreasuryAfter)
	assert.Equal(t, identity, report.Operator)
	assert.Empty(t, report.Errors)

	require.Len(t, ok.got, 1)
	assert.NotContains(t, h.gw.SortedAccounts(), acct.Address)

	saved, err := h.store.Get(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, report.TotalLamports, saved.TotalLamports)
}

func TestExecute_SpansCarryLamports(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	h := newHarness(t, Config{})
	accts := []registry.TrackedAccount{h.tokenAccount("ata1", identity, 0), h.tokenAccount("ata2", identity, 0)}
	_, err := h.exec.Execute(context.Background(), accts, false, nil)
	require.NoError(t, err)

	lamports := map[string][]int64{}
	for _, span := range rec.Ended() {
		for _, kv := range span.Attributes() {
			if kv.Key == attribute.Key("lamports") {
				lamports[span.Name()] = append(lamports[span.Name()], kv.Value.AsInt64())
			}
		}
	}
	rent := int64(chain.DefaultATARent)
	assert.Equal(t, []int64{rent, rent}, lamports["reclaim.account"])
	assert.Equal(t, []int64{2 * rent}, lamports["reclaim.Execute"])
}

func TestExecute_DryRunDoesNotTouchChain(t *testing.T) {
	h := newHarness(t, Config{})
	acct := h.tokenAccount("ata1", identity, 0)
	var ok successes

	report, err := h.exec.Execute(context.Background(), []registry.TrackedAccount{acct}, true, ok.record)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, reports.OutcomeSimulated, report.Outcomes[0].Status)
	assert.Equal(t, chain.DefaultATARent, report.TotalLamports)
	assert.Equal(t, report.TreasuryBefore, report.TreasuryAfter)
	assert.Empty(t, h.sender.Submitted)
	assert.Empty(t, ok.got)
	assert.Contains(t, h.gw.SortedAccounts(), acct.Address)
	assert.NotNil(t, report.Errors)
}

func TestExecute_SponsoredButNotOwnedIsSkipped(t *testing.T) {
	h := newHarness(t, Config{})
	acct := h.tokenAccount("ata1", stranger, 0)

	report, err := h.exec.Execute(context.Background(), []registry.TrackedAccount{acct}, false, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Failed)
	assert.Contains(t, report.Outcomes[0].Reason, "sponsored but not owned")
	assert.Equal(t, "blocked", report.Outcomes[0].RiskLevel)
	assert.Empty(t, h.sender.Submitted)
}

func TestExecute_FailureDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t, Config{})
	bad := h.tokenAccount("bad", identity, 0)
	good := h.tokenAccount("good", identity, 0)
	h.sender.SendErr[bad.Address] = errors.New("blockhash not found")
	var ok successes

	report, err := h.exec.Execute(context.Background(), []registry.TrackedAccount{bad, good}, false, ok.record)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Reclaimed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, bad.Address, report.Errors[0].Address)
	assert.Contains(t, report.Errors[0].Message, "blockhash not found")
	require.Len(t, ok.got, 1)
	assert.Equal(t, good.Address, ok.got[0].Address)
}

func TestExecute_ConfirmationFailure(t *testing.T) {
	h := newHarness(t, Config{})
	acct := h.tokenAccount("ata1", identity, 0)
	h.sender.ConfirmErr[chaintest.FakeSignature(1)] = chain.ErrTimeout
	var ok successes

	report, err := h.exec.Execute(context.Background(), []registry.TrackedAccount{acct}, false, ok.record)
	require.NoError(t, err)

	assert.Equal(t, reports.OutcomeFailed, report.Outcomes[0].Status)
	assert.Equal(t, chaintest.FakeSignature(1), report.Outcomes[0].Signature)
	assert.Empty(t, ok.got)
}

func TestExecute_TreasuryMustIncrease(t *testing.T) {
	h := newHarness(t, Config{})
	acct := h.tokenAccount("ata1", identity, 0)
	h.sender.SkipCredit = true
	var ok successes

	report, err := h.exec.Execute(context.Background(), []registry.TrackedAccount{acct}, false, ok.record)
	require.NoError(t, err)

	assert.Equal(t, reports.OutcomeFailed, report.Outcomes[0].Status)
	assert.Contains(t, report.Outcomes[0].Reason, "did not increase")
	assert.Empty(t, ok.got)
}

func TestExecute_UnconfirmedCreditDoesNotMaskLaterFailure(t *testing.T) {
	h := newHarness(t, Config{})
	first := h.tokenAccount("ata1", identity, 0)
	second := h.tokenAccount("ata2", identity, 0)
	// ata1 lands and credits the treasury but never confirms; ata2 closes
	// without crediting anything.
	h.sender.ConfirmErr[chaintest.FakeSignature(1)] = context.DeadlineExceeded
	h.sender.NoCredit[second.Address] = true
	var ok successes

	report, err := h.exec.Execute(context.Background(), []registry.TrackedAccount{first, second}, false, ok.record)
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, reports.OutcomeFailed, report.Outcomes[0].Status)
	assert.Equal(t, reports.OutcomeFailed, report.Outcomes[1].Status)
	assert.Contains(t, report.Outcomes[1].Reason, "did not increase")
	assert.Zero(t, report.Reclaimed)
	assert.Zero(t, report.TotalLamports)
	assert.Empty(t, ok.got)
}

func TestExecute_TokenCloseUsesOwnerProgram(t *testing.T) {
	h := newHarness(t, Config{})
	acct := h.tokenAccount("ata22", identity, 0)
	acct.OwnerProgram = chain.Token2022Program

	report, err := h.exec.Execute(context.Background(), []registry.TrackedAccount{acct}, false, nil)
	require.NoError(t, err)
	assert.Equal(t, reports.OutcomeConfirmed, report.Outcomes[0].Status)
	assert.Equal(t, chain.Token2022Program, h.sender.ClosedWith[acct.Address])
}

func TestExecute_AccountCap(t *testing.T) {
	h := newHarness(t, Config{MaxAccountsPerRun: 2})
	accts := []registry.TrackedAccount{
		h.tokenAccount("a", identity, 0),
		h.tokenAccount("b", identity, 0),
		h.tokenAccount("c", identity, 0),
	}

	report, err := h.exec.Execute(context.Background(), accts, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Analyzed)
	assert.Len(t, report.Outcomes, 2)
}

func TestExecute_LamportCap(t *testing.T) {
	h := newHarness(t, Config{MaxLamportsPerRun: 3_000_000})
	accts := []registry.TrackedAccount{
		h.tokenAccount("a", identity, 0),
		h.tokenAccount("b", identity, 0),
	}

	report, err := h.exec.Execute(context.Background(), accts, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reclaimed)
	assert.Equal(t, 1, report.Skipped)
	assert.Contains(t, report.Outcomes[1].Reason, "lamport cap")
}

func TestExecute_SystemAccountTransfer(t *testing.T) {
	h := newHarness(t, Config{})
	addr := chaintest.Address("sys")
	h.gw.PutAccount(chain.AccountSnapshot{Address: addr, Owner: identity, Lamports: 890_880})
	acct := registry.TrackedAccount{Address: addr, Kind: registry.KindSystem, CreatedAt: now.Add(-30 * 24 * time.Hour)}

	report, err := h.exec.Execute(context.Background(), []registry.TrackedAccount{acct}, false, nil)
	require.NoError(t, err)
	assert.Equal(t, reports.OutcomeConfirmed, report.Outcomes[0].Status)
	assert.Equal(t, uint64(890_880), report.TotalLamports)
}

func TestExecute_TreasuryUnavailable(t *testing.T) {
	h := newHarness(t, Config{})
	acct := h.tokenAccount("ata1", identity, 0)
	h.sender.BalanceErr[treasury] = errors.New("rpc down")

	_, err := h.exec.Execute(context.Background(), []registry.TrackedAccount{acct}, false, nil)
	assert.ErrorIs(t, err, ErrTreasuryUnavailable)
	assert.Empty(t, h.sender.Submitted)

	report, err := h.exec.Execute(context.Background(), []registry.TrackedAccount{acct}, true, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, report.Errors)
	assert.Equal(t, 1, report.Validated)
}

func TestExecute_SaveFailureStillReturnsReport(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.SaveErr = errors.New("disk full")

	report, err := h.exec.Execute(context.Background(), nil, true, nil)
	require.Error(t, err)
	require.NotNil(t, report)
	assert.NotEmpty(t, report.RunID)
}

func TestExecute_DryRunAndLiveReportsMatchInShape(t *testing.T) {
	h := newHarness(t, Config{})
	acct := h.tokenAccount("ata1", identity, 0)

	dry, err := h.exec.Execute(context.Background(), []registry.TrackedAccount{acct}, true, nil)
	require.NoError(t, err)
	live, err := h.exec.Execute(context.Background(), []registry.TrackedAccount{acct}, false, nil)
	require.NoError(t, err)

	assert.Equal(t, dry.Analyzed, live.Analyzed)
	assert.Equal(t, dry.Validated, live.Validated)
	assert.Equal(t, dry.TotalLamports, live.TotalLamports)
	assert.Empty(t, dry.Outcomes[0].Signature)
	assert.NotEmpty(t, live.Outcomes[0].Signature)
}

func TestNewExecutor_RequiresTreasury(t *testing.T) {
	_, err := NewExecutor(Config{}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoTreasury)
}

func TestCloseError(t *testing.T) {
	err := &CloseError{Op: "confirm", Address: "A", Signature: "S", Err: chain.ErrTimeout}
	assert.ErrorIs(t, err, chain.ErrTimeout)
	assert.Contains(t, err.Error(), "tx: S")
}
