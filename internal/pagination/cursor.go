// Package pagination provides opaque cursors over ordered in-memory lists,
// used by the account and report listings of the admin API.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors that do not decode or no longer
// point at a listed item.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// DefaultLimit and MaxLimit bound page sizes.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Cursor represents a position in a paginated result set.
type Cursor struct {
	At time.Time
	ID string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: id}, nil
}

// ClampLimit maps a requested page size onto [1, MaxLimit], with DefaultLimit
// for zero or negative input.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// Page returns up to limit items following the cursor position, plus the
// cursor for the next page ("" on the last page). items must be in a stable
// order; key extracts the (time, id) pair that identifies an item.
func Page[T any](items []T, cursor string, limit int, key func(T) (time.Time, string)) ([]T, string, error) {
	limit = ClampLimit(limit)
	start := 0
	c, err := Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	if c != nil {
		start = -1
		for i, it := range items {
			at, id := key(it)
			if id == c.ID && at.Equal(c.At) {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return nil, "", ErrInvalidCursor
		}
	}

	rest := items[start:]
	if len(rest) <= limit {
		return rest, "", nil
	}
	page := rest[:limit]
	at, id := key(page[len(page)-1])
	return page, Encode(at, id), nil
}
