package safety

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"gopkg.in/yaml.v3"
)

// ErrInvalidPolicy is returned for policy files that fail validation.
var ErrInvalidPolicy = errors.New("safety: invalid policy")

// Duration wraps time.Duration to support YAML strings such as "168h".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Policy holds the operator-tunable limits applied before any close.
type Policy struct {
	Deny  []string `yaml:"deny"`
	Allow []string `yaml:"allow"`

	MinAccountAge        Duration `yaml:"min_account_age"`
	RecentWriteWindow    Duration `yaml:"recent_write_window"`
	RecentSignatureLimit int      `yaml:"recent_signature_limit"`
	// RecentWriteFailOpen treats a failed history lookup as "no recent
	// writes" instead of rejecting the account.
	RecentWriteFailOpen bool `yaml:"recent_write_fail_open"`

	MaxLamportsPerAccount uint64 `yaml:"max_lamports_per_account"`
	HighValueLamports     uint64 `yaml:"high_value_lamports"`

	MaxAccountsPerRun int    `yaml:"max_accounts_per_run"`
	MaxLamportsPerRun uint64 `yaml:"max_lamports_per_run"`
}

// Defaults.
const (
	DefaultMinAccountAge         = 7 * 24 * time.Hour
	DefaultRecentWriteWindow     = 3 * 24 * time.Hour
	DefaultRecentSignatureLimit  = 5
	DefaultMaxLamportsPerAccount = 1_000_000_000 // 1 SOL
	DefaultHighValueLamports     = 10_000_000
	DefaultMaxAccountsPerRun     = 100
	DefaultMaxLamportsPerRun     = 10_000_000_000
)

// DefaultPolicy returns the built-in limits.
func DefaultPolicy() Policy {
	return Policy{
		MinAccountAge:         Duration{DefaultMinAccountAge},
		RecentWriteWindow:     Duration{DefaultRecentWriteWindow},
		RecentSignatureLimit:  DefaultRecentSignatureLimit,
		MaxLamportsPerAccount: DefaultMaxLamportsPerAccount,
		HighValueLamports:     DefaultHighValueLamports,
		MaxAccountsPerRun:     DefaultMaxAccountsPerRun,
		MaxLamportsPerRun:     DefaultMaxLamportsPerRun,
	}
}

// LoadPolicy reads a YAML policy from path. Keys absent from the file keep
// their defaults. An empty path returns DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return Policy{}, fmt.Errorf("open policy: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks address lists and limits.
func (p Policy) Validate() error {
	for _, list := range [][]string{p.Deny, p.Allow} {
		for _, addr := range list {
			if b, err := base58.Decode(addr); err != nil || len(b) != 32 {
				return fmt.Errorf("%w: %q is not a base58 address", ErrInvalidPolicy, addr)
			}
		}
	}
	if p.MinAccountAge.Duration < 0 || p.RecentWriteWindow.Duration < 0 {
		return fmt.Errorf("%w: durations must be non-negative", ErrInvalidPolicy)
	}
	if p.RecentSignatureLimit < 1 || p.RecentSignatureLimit > 1000 {
		return fmt.Errorf("%w: recent_signature_limit must be 1-1000", ErrInvalidPolicy)
	}
	if p.MaxLamportsPerAccount == 0 {
		return fmt.Errorf("%w: max_lamports_per_account must be positive", ErrInvalidPolicy)
	}
	if p.MaxAccountsPerRun < 0 {
		return fmt.Errorf("%w: max_accounts_per_run must be non-negative", ErrInvalidPolicy)
	}
	return nil
}
