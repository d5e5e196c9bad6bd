package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/mbd888/korarent/internal/chain"
	"github.com/mbd888/korarent/internal/circuitbreaker"
	"github.com/mbd888/korarent/internal/config"
	"github.com/mbd888/korarent/internal/ingest"
	"github.com/mbd888/korarent/internal/reclaim"
	"github.com/mbd888/korarent/internal/registry"
	"github.com/mbd888/korarent/internal/reports"
	"github.com/mbd888/korarent/internal/retry"
	"github.com/mbd888/korarent/internal/safety"
	"github.com/mbd888/korarent/internal/status"
)

// RentCacheTTL is how long a rent-exemption figure is reused.
const RentCacheTTL = time.Hour

// Assembly is a tracker built from configuration plus the pieces callers
// may want directly.
type Assembly struct {
	Tracker *Tracker
	Gateway chain.Gateway
	Reports reports.Store
	DB      *sql.DB                 // nil without DATABASE_URL
	Breaker *circuitbreaker.Breaker // nil when RPC_BREAKER_THRESHOLD is 0

	closers []io.Closer
}

// Close releases the database pool, if any.
func (a *Assembly) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open builds the production tracker from cfg: RPC gateway and sender,
// file registry and lock, file reports with an optional Postgres mirror,
// and the safety policy file.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Assembly, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := safety.LoadPolicy(cfg.SafetyPolicyFile)
	if err != nil {
		return nil, err
	}

	gwOpts := []chain.GatewayOption{chain.WithLogger(logger)}
	var breaker *circuitbreaker.Breaker
	if cfg.RPCBreakerThreshold > 0 {
		breaker = circuitbreaker.New(cfg.RPCBreakerThreshold, cfg.RPCBreakerCooldown)
		breaker.OnTransition(func(method string, from, to circuitbreaker.State) {
			logger.Warn("rpc circuit changed", "method", method, "from", from.String(), "to", to.String())
		})
		gwOpts = append(gwOpts, chain.WithBreaker(breaker))
	}
	gw := chain.NewGateway(chain.GatewayConfig{
		Endpoint:   cfg.RPCURL,
		Commitment: cfg.Commitment,
		RPS:        cfg.RPCRate,
		Burst:      cfg.RPCBurst,
	}, gwOpts...)

	var sender chain.Sender
	if cfg.HasSigner() {
		s, err := chain.NewSender(cfg.RPCURL, cfg.Commitment, cfg.SignerSecret(), chain.WithSenderLogger(logger))
		if err != nil {
			return nil, err
		}
		sender = s
	}

	a := &Assembly{Gateway: gw, Breaker: breaker}
	var store reports.Store = reports.NewFileStore(cfg.ReportsDir)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.closers = append(a.closers, db)
		store = reports.NewMultiStore(logger, store, reports.NewPostgresStore(db))
		logger.Info("mirroring reclaim reports to PostgreSQL", "url", maskDSN(cfg.DatabaseURL))
	}
	a.Reports = store

	t, err := Build(cfg, policy, gw, sender, store, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Tracker = t
	return a, nil
}

// Build wires a tracker around the given chain access. A nil sender makes
// a read-only tracker: ingest, refresh and dry runs only.
func Build(cfg *config.Config, policy safety.Policy, gw chain.Gateway, sender chain.Sender, reportStore reports.Store, logger *slog.Logger) (*Tracker, error) {
	canSign := sender != nil
	if sender == nil {
		sender = chain.NewReadOnlySender(gw, cfg.OperatorAddress)
	}

	rp := retry.Policy{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    retry.DefaultPolicy.MaxDelay,
		OnRetry: func(attempt int, err error) {
			logger.Debug("retrying chain call", "attempt", attempt, "error", err)
		},
	}

	path := cfg.RegistryPath()
	ingester := ingest.New(gw, chain.NewRentCache(gw, RentCacheTTL), ingest.Config{
		MaxScan:    cfg.IngestMaxScan,
		BatchSize:  cfg.BatchSize,
		BatchDelay: cfg.BatchDelay,
		Retry:      rp,
	}, logger)
	refresher := status.NewRefresher(gw,
		status.WithBatch(cfg.BatchSize, cfg.BatchDelay),
		status.WithRetry(rp),
		status.WithLogger(logger))
	validator := safety.NewValidator(gw, sender.Identity(), policy, safety.WithLogger(logger))
	executor, err := reclaim.NewExecutor(reclaim.Config{
		Operator:          cfg.OperatorAddress,
		Treasury:          cfg.TreasuryAddress,
		MaxAccountsPerRun: policy.MaxAccountsPerRun,
		MaxLamportsPerRun: policy.MaxLamportsPerRun,
		ConfirmTimeout:    cfg.ConfirmTimeout,
	}, validator, sender, gw, reclaim.WithStore(reportStore), reclaim.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	return New(cfg.OperatorAddress, Components{
		Store:     registry.NewFileStore(path, cfg.OperatorAddress),
		Lock:      registry.NewLock(path, cfg.LockStaleAfter, 0, logger),
		Ingester:  ingester,
		Refresher: refresher,
		Validator: validator,
		Executor:  executor,
		Reports:   reportStore,
		CanSign:   canSign,
	}, logger)
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
