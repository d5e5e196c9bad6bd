// korarentd serves the rent-sponsorship registry of a Kora node over HTTP
// and runs scheduled ingest and status refreshes.
package main

import (
	"context"
	"os"
	"time"

	"github.com/mbd888/korarent/internal/config"
	"github.com/mbd888/korarent/internal/health"
	"github.com/mbd888/korarent/internal/logging"
	"github.com/mbd888/korarent/internal/server"
	"github.com/mbd888/korarent/internal/traces"
	"github.com/mbd888/korarent/internal/tracker"
	"github.com/mbd888/korarent/internal/webhooks"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting korarentd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logFile := logging.NewWithFile(cfg.LogLevel, cfg.LogFormat, logging.FileOptions{Path: cfg.LogFile})
	defer func() { _ = logFile.Close() }()

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"rpc_url", cfg.RPCURL,
		"operator", cfg.OperatorAddress,
		"treasury", cfg.TreasuryAddress,
		"signer", cfg.HasSigner(),
	)

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, "korarentd", logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTraces(sctx)
	}()

	asm, err := tracker.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build tracker", "error", err)
		os.Exit(1)
	}
	defer func() { _ = asm.Close() }()

	checks := health.NewRegistry()
	checks.Register("rpc", health.Critical, health.RPCChecker(asm.Gateway, cfg.OperatorAddress))
	if asm.Breaker != nil {
		checks.Register("rpc_circuits", health.Auxiliary, health.BreakerChecker(asm.Breaker))
	}

	if len(cfg.WebhookURLs) > 0 {
		subs, err := webhooks.StoreFromURLs(cfg.WebhookURLs, cfg.WebhookSecret, cfg.WebhookEvents)
		if err != nil {
			logger.Error("invalid webhook configuration", "error", err)
			os.Exit(1)
		}
		em := webhooks.NewEmitter(webhooks.NewDispatcher(subs, webhooks.WithLogger(logger)), cfg.OperatorAddress, logger)
		asm.Tracker.WithEmitter(em)

		whCtx, stopWebhooks := context.WithCancel(ctx)
		defer stopWebhooks()
		go em.Run(whCtx)
		logger.Info("webhook notifications enabled", "endpoints", len(cfg.WebhookURLs))
	}

	server.Version = Version
	srv, err := server.New(cfg, asm.Tracker,
		server.WithLogger(logger),
		server.WithHealth(checks),
		server.WithDB(asm.DB),
	)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
