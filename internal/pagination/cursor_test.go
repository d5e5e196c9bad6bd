package pagination

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	at   time.Time
	addr string
}

func key(i item) (time.Time, string) { return i.at, i.addr }

func items(n int) []item {
	base := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	out := make([]item, n)
	for i := range out {
		// pairs share a timestamp so the id must break ties
		out[i] = item{at: base.Add(time.Duration(i/2) * time.Minute), addr: fmt.Sprintf("acct%02d", i)}
	}
	return out
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

	c, err := Decode(Encode(ts, "So11111111111111111111111111111111111111112"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, ts, c.At)
	assert.Equal(t, "So11111111111111111111111111111111111111112", c.ID)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{"!!!", "bm9waXBl", "MTIzfA"} { // garbage, "nopipe", "123|"
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-5))
	assert.Equal(t, 10, ClampLimit(10))
	assert.Equal(t, MaxLimit, ClampLimit(MaxLimit+1))
}

func TestPage_WalksEveryItemOnce(t *testing.T) {
	all := items(7)

	var seen []string
	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 10, "pagination did not terminate")
		page, next, err := Page(all, cursor, 3, key)
		require.NoError(t, err)
		for _, it := range page {
			seen = append(seen, it.addr)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	require.Len(t, seen, 7)
	for i, addr := range seen {
		assert.Equal(t, all[i].addr, addr)
	}
}

func TestPage_ExactFit(t *testing.T) {
	page, next, err := Page(items(3), "", 3, key)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
}

func TestPage_StaleCursor(t *testing.T) {
	all := items(4)
	gone := Encode(time.Unix(0, 1), "removed")

	_, _, err := Page(all, gone, 2, key)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}
