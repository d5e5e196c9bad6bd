//go:build integration

package reports

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/korarent/internal/testutil"
)

func TestPostgresStore_Container(t *testing.T) {
	db, cleanup := testutil.PGContainer(t)
	defer cleanup()

	ctx := context.Background()
	pg := NewPostgresStore(db)
	files := NewFileStore(t.TempDir())
	s := NewMultiStore(nil, files, pg)

	r := sampleReport(time.Now().UTC().Truncate(time.Second), false)
	require.NoError(t, s.Save(ctx, r))

	got, err := pg.Get(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, r.TotalLamports, got.TotalLamports)

	got, err = files.Get(ctx, r.RunID)
	require.NoError(t, err)
	assert.Len(t, got.Outcomes, len(r.Outcomes))
}
