package reports

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/korarent/internal/registry"
)

func sampleReport(ts time.Time, dryRun bool) *ReclaimReport {
	r := &ReclaimReport{
		RunID:          uuid.NewString(),
		Timestamp:      ts,
		DryRun:         dryRun,
		Operator:       "OP1",
		Treasury:       "TREASURY",
		Analyzed:       3,
		TreasuryBefore: 10_000_000,
	}
	r.Add(AccountOutcome{Address: "A1", Kind: registry.KindToken, Status: OutcomeConfirmed, Lamports: 2_039_280, Signature: "sig1"})
	r.Add(AccountOutcome{Address: "A2", Kind: registry.KindToken, Status: OutcomeSkipped, Reason: "sponsored but not owned"})
	r.Add(AccountOutcome{Address: "A3", Kind: registry.KindSystem, Status: OutcomeFailed, Reason: "blockhash expired"})
	r.TreasuryAfter = r.TreasuryBefore + r.TotalLamports
	return r
}

func TestReport_Add(t *testing.T) {
	r := sampleReport(time.Now(), false)
	assert.Equal(t, 2, r.Validated)
	assert.Equal(t, 1, r.Reclaimed)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, uint64(2_039_280), r.TotalLamports)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, RunError{Address: "A3", Message: "blockhash expired"}, r.Errors[0])
}

func TestSummary(t *testing.T) {
	r := sampleReport(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), false)
	s := Summary(r)
	assert.Contains(t, s, "LIVE")
	assert.Contains(t, s, "0.002039280 SOL")
	assert.Contains(t, s, "sig=sig1")
	assert.Contains(t, s, "(sponsored but not owned)")

	r.DryRun = true
	assert.Contains(t, Summary(r), "would reclaim")
}

func TestSOL(t *testing.T) {
	assert.Equal(t, "0.000000000", SOL(0))
	assert.Equal(t, "1.500000000", SOL(1_500_000_000))
	assert.Equal(t, "0.002039280", SOL(2_039_280))
}

func TestFileStore_SaveGetList(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "reports")
	s := NewFileStore(dir)

	list, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	older := sampleReport(base, true)
	newer := sampleReport(base.Add(time.Hour), false)
	require.NoError(t, s.Save(ctx, older))
	require.NoError(t, s.Save(ctx, newer))
	assert.FileExists(t, filepath.Join(dir, newer.RunID+".json"))

	got, err := s.Get(ctx, older.RunID)
	require.NoError(t, err)
	assert.Equal(t, older.Outcomes, got.Outcomes)
	assert.True(t, got.DryRun)

	list, err = s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.RunID, list[0].RunID)

	list, err = s.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFileStore_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	require.NoError(t, s.Save(context.Background(), sampleReport(time.Now(), true)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStore_Errors(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(t.TempDir())

	_, err := s.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrReportNotFound)

	_, err = s.Get(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidRunID)

	err = s.Save(ctx, &ReclaimReport{RunID: "not-a-uuid"})
	assert.ErrorIs(t, err, ErrInvalidRunID)
}

func TestFileStore_ListSkipsJunk(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	require.NoError(t, s.Save(context.Background(), sampleReport(time.Now(), true)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.json"), []byte("{"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, uuid.NewString()+".json"), []byte("{"), 0o600))

	list, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMultiStore_MirrorFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	mirror := NewMemoryStore()
	mirror.SaveErr = errors.New("db down")
	m := NewMultiStore(slog.New(slog.NewTextHandler(io.Discard, nil)), primary, mirror)

	r := sampleReport(time.Now(), false)
	require.NoError(t, m.Save(ctx, r))

	got, err := m.Get(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, r.RunID, got.RunID)

	primary.SaveErr = errors.New("disk full")
	assert.Error(t, m.Save(ctx, sampleReport(time.Now(), false)))
}
