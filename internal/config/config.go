// Package config handles application configuration from environment variables
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mr-tron/base58"
)

// ErrInvalidConfig is wrapped by every validation failure so callers can
// tell configuration problems apart from chain I/O errors.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string
	LogFile   string

	// Reports mirror (optional, file reports only if not set)
	DatabaseURL string

	// Chain access
	RPCURL     string
	RPCRate    float64 // requests per second, 0 disables pacing
	RPCBurst   int
	Commitment string

	// Circuit breaker per RPC method, 0 threshold disables it
	RPCBreakerThreshold int
	RPCBreakerCooldown  time.Duration

	// Identities
	OperatorAddress string
	TreasuryAddress string
	SignerKey       string // base58 64-byte secret
	SignerKeyFile   string // solana-keygen JSON array

	// Storage
	DataDir          string
	ReportsDir       string
	SafetyPolicyFile string
	LockStaleAfter   time.Duration

	// Processing
	IngestTxLimit   int
	IngestMaxScan   int
	BatchSize       int
	BatchDelay      time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	ConfirmTimeout  time.Duration
	RefreshInterval time.Duration
	IngestInterval  time.Duration

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret   string
	CORSOrigins   []string
	APIRatePerMin int // per client, 0 disables limiting
	APIRateBurst  int

	// Notifications
	WebhookURLs   []string
	WebhookSecret string
	WebhookEvents []string // empty means every event

	signerSecret []byte
}

// Defaults
const (
	DefaultRPCURL          = "https://api.devnet.solana.com"
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultCommitment      = "confirmed"
	DefaultDataDir         = "./data"
	DefaultRPCRate         = 8
	DefaultIngestTxLimit   = 1000
	DefaultIngestMaxScan   = 10000
	DefaultBatchSize       = 25
	DefaultBatchDelay      = 250 * time.Millisecond
	DefaultRetryAttempts   = 3
	DefaultRetryBaseDelay  = 500 * time.Millisecond
	DefaultConfirmTimeout  = 60 * time.Second
	DefaultRefreshInterval = 30 * time.Minute
	DefaultLockStaleAfter  = 5 * time.Minute
	DefaultAPIRatePerMin   = 120
	DefaultAPIRateBurst    = 20
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", DefaultDataDir)
	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		LogFile:             os.Getenv("LOG_FILE"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		RPCRate:             getEnvFloat("RPC_RPS", DefaultRPCRate),
		RPCBurst:            int(getEnvInt64("RPC_BURST", 1)),
		Commitment:          getEnv("COMMITMENT", DefaultCommitment),
		RPCBreakerThreshold: int(getEnvInt64("RPC_BREAKER_THRESHOLD", DefaultBreakerFailures)),
		RPCBreakerCooldown:  getEnvDuration("RPC_BREAKER_COOLDOWN", DefaultBreakerCooldown),
		OperatorAddress:     os.Getenv("OPERATOR_ADDRESS"),
		TreasuryAddress:     os.Getenv("TREASURY_ADDRESS"),
		SignerKey:           os.Getenv("SIGNER_KEY"),
		SignerKeyFile:       os.Getenv("SIGNER_KEY_FILE"),
		DataDir:             dataDir,
		ReportsDir:          getEnv("REPORTS_DIR", filepath.Join(dataDir, "reports")),
		SafetyPolicyFile:    os.Getenv("SAFETY_POLICY_FILE"),
		LockStaleAfter:      getEnvDuration("LOCK_STALE_AFTER", DefaultLockStaleAfter),
		IngestTxLimit:       int(getEnvInt64("INGEST_TX_LIMIT", DefaultIngestTxLimit)),
		IngestMaxScan:       int(getEnvInt64("INGEST_MAX_SCAN", DefaultIngestMaxScan)),
		BatchSize:           int(getEnvInt64("BATCH_SIZE", DefaultBatchSize)),
		BatchDelay:          getEnvDuration("BATCH_DELAY", DefaultBatchDelay),
		RetryAttempts:       int(getEnvInt64("RETRY_ATTEMPTS", DefaultRetryAttempts)),
		RetryBaseDelay:      getEnvDuration("RETRY_BASE_DELAY", DefaultRetryBaseDelay),
		ConfirmTimeout:      getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		RefreshInterval:     getEnvDuration("REFRESH_INTERVAL", DefaultRefreshInterval),
		IngestInterval:      getEnvDuration("INGEST_INTERVAL", 0),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
		APIRatePerMin:       int(getEnvInt64("API_RATE_PER_MIN", DefaultAPIRatePerMin)),
		APIRateBurst:        int(getEnvInt64("API_RATE_BURST", DefaultAPIRateBurst)),
		WebhookURLs:         getEnvList("WEBHOOK_URLS"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		WebhookEvents:       getEnvList("WEBHOOK_EVENTS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and that key
// material decodes. It performs no network I/O.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return invalid("RPC_URL is required")
	}
	if c.TreasuryAddress == "" {
		return invalid("TREASURY_ADDRESS is required")
	}
	if err := ValidateAddress(c.TreasuryAddress); err != nil {
		return invalid("TREASURY_ADDRESS: %v", err)
	}

	secret, err := c.loadSigner()
	if err != nil {
		return err
	}
	c.signerSecret = secret

	if c.OperatorAddress == "" && secret == nil {
		return invalid("OPERATOR_ADDRESS or SIGNER_KEY is required")
	}
	if c.OperatorAddress != "" {
		if err := ValidateAddress(c.OperatorAddress); err != nil {
			return invalid("OPERATOR_ADDRESS: %v", err)
		}
	}
	if secret != nil {
		pub := base58.Encode(secret[32:])
		if c.OperatorAddress == "" {
			c.OperatorAddress = pub
		} else if c.OperatorAddress != pub {
			return invalid("SIGNER_KEY public key %s does not match OPERATOR_ADDRESS %s", pub, c.OperatorAddress)
		}
	}

	if c.BatchSize <= 0 {
		return invalid("BATCH_SIZE must be positive")
	}
	if c.IngestTxLimit <= 0 {
		return invalid("INGEST_TX_LIMIT must be positive")
	}
	if c.RPCRate < 0 {
		return invalid("RPC_RPS must not be negative")
	}
	switch c.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return invalid("COMMITMENT must be processed, confirmed or finalized")
	}
	return nil
}

// SignerSecret returns the decoded 64-byte signing key, or nil when the
// process runs without one (ingest, refresh and dry-run only).
func (c *Config) SignerSecret() []byte {
	return c.signerSecret
}

// HasSigner reports whether live reclaims are possible.
func (c *Config) HasSigner() bool {
	return c.signerSecret != nil
}

// RegistryPath is the registry file for the configured operator.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "registry-"+c.OperatorAddress+".json")
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) loadSigner() ([]byte, error) {
	switch {
	case c.SignerKey != "" && c.SignerKeyFile != "":
		return nil, invalid("set only one of SIGNER_KEY and SIGNER_KEY_FILE")
	case c.SignerKey != "":
		secret, err := base58.Decode(c.SignerKey)
		if err != nil {
			return nil, invalid("SIGNER_KEY is not base58: %v", err)
		}
		if len(secret) != 64 {
			return nil, invalid("SIGNER_KEY must decode to 64 bytes, got %d", len(secret))
		}
		return secret, nil
	case c.SignerKeyFile != "":
		data, err := os.ReadFile(c.SignerKeyFile)
		if err != nil {
			return nil, invalid("SIGNER_KEY_FILE: %v", err)
		}
		var ints []int
		if err := json.Unmarshal(data, &ints); err != nil {
			return nil, invalid("SIGNER_KEY_FILE must be a JSON byte array: %v", err)
		}
		if len(ints) != 64 {
			return nil, invalid("SIGNER_KEY_FILE must hold 64 bytes, got %d", len(ints))
		}
		raw := make([]byte, 64)
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, invalid("SIGNER_KEY_FILE byte %d out of range", i)
			}
			raw[i] = byte(v)
		}
		return raw, nil
	}
	return nil, nil
}

// ValidateAddress checks that s is a base58-encoded 32-byte public key.
func ValidateAddress(s string) error {
	b, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("not base58: %w", err)
	}
	if len(b) != 32 {
		return fmt.Errorf("decodes to %d bytes, want 32", len(b))
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
