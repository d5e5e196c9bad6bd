package safety

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/korarent/internal/chain/chaintest"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPolicy_Defaults(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)

	p, err = LoadPolicy(writePolicy(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)
}

func TestLoadPolicy_Overrides(t *testing.T) {
	deny := chaintest.Address("treasury-vault")
	path := writePolicy(t, `
deny:
  - `+deny+`
min_account_age: 336h
recent_write_window: 24h
recent_signature_limit: 10
max_lamports_per_run: 5000000000
recent_write_fail_open: true
`)
	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, []string{deny}, p.Deny)
	assert.Equal(t, 14*24*time.Hour, p.MinAccountAge.Duration)
	assert.Equal(t, 24*time.Hour, p.RecentWriteWindow.Duration)
	assert.Equal(t, 10, p.RecentSignatureLimit)
	assert.Equal(t, uint64(5_000_000_000), p.MaxLamportsPerRun)
	assert.True(t, p.RecentWriteFailOpen)
	// untouched keys keep defaults
	assert.Equal(t, uint64(DefaultMaxLamportsPerAccount), p.MaxLamportsPerAccount)
}

func TestLoadPolicy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad address", "deny: [not-an-address]\n"},
		{"bad duration", "min_account_age: soon\n"},
		{"zero signature limit", "recent_signature_limit: 0\n"},
		{"unknown key", "max_lamports: 5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPolicy(writePolicy(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadPolicy_InvalidWrapsSentinel(t *testing.T) {
	_, err := LoadPolicy(writePolicy(t, "deny: [nope]\n"))
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}
