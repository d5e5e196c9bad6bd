// Package ingest walks an operator's transaction history and feeds newly
// sponsored accounts into the registry.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/korarent/internal/chain"
	"github.com/mbd888/korarent/internal/registry"
	"github.com/mbd888/korarent/internal/retry"
	"github.com/mbd888/korarent/internal/sponsorship"
	"github.com/mbd888/korarent/internal/traces"
)

// Defaults.
const (
	DefaultTxLimit    = 1000
	DefaultMaxScan    = 10_000
	DefaultPageSize   = 1000
	DefaultBatchSize  = 10
	DefaultBatchDelay = 500 * time.Millisecond
)

// ErrNoOperator is returned when the registry has no operator.
var ErrNoOperator = errors.New("ingest: operator required")

// Config tunes a run.
type Config struct {
	MaxScan    int // signatures scanned looking for the watermark
	PageSize   int // signatures per history request
	BatchSize  int // transactions between checkpoints
	BatchDelay time.Duration
	Retry      retry.Policy
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		MaxScan:    DefaultMaxScan,
		PageSize:   DefaultPageSize,
		BatchSize:  DefaultBatchSize,
		BatchDelay: DefaultBatchDelay,
		Retry:      retry.DefaultPolicy,
	}
}

// Result summarises one run.
type Result struct {
	Processed int    `json:"processed"`
	NewFound  int    `json:"newFound"`
	Errors    int    `json:"errors"`
	Watermark string `json:"watermark,omitempty"`
	// WatermarkMissed is set when the previous watermark was not found
	// within MaxScan signatures, so older history may have been skipped.
	WatermarkMissed bool `json:"watermarkMissed,omitempty"`

	Discovered []registry.TrackedAccount `json:"-"`
}

// CheckpointFunc persists the registry. It runs after every batch; an
// error aborts the run.
type CheckpointFunc func(ctx context.Context) error

// DiscoverFunc observes each account added to the registry.
type DiscoverFunc func(acct registry.TrackedAccount)

// Ingester classifies history through a Gateway.
type Ingester struct {
	gw     chain.Gateway
	rent   *chain.RentCache
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates an ingester. rent may be nil, in which case the default ATA
// rent figure is used.
func New(gw chain.Gateway, rent *chain.RentCache, cfg Config, logger *slog.Logger) *Ingester {
	def := DefaultConfig()
	if cfg.MaxScan <= 0 {
		cfg.MaxScan = def.MaxScan
	}
	if cfg.PageSize <= 0 || cfg.PageSize > DefaultPageSize {
		cfg.PageSize = def.PageSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{gw: gw, rent: rent, cfg: cfg, logger: logger, now: time.Now}
}

// Run ingests up to txLimit unseen transactions, oldest first, into reg.
// The watermark advances to the newest processed signature after each
// batch and checkpoint is called so an interrupted run resumes there. A
// transient fetch error holds the watermark just before that signature for
// the rest of the run so the next run fetches it again.
func (in *Ingester) Run(ctx context.Context, reg *registry.Registry, txLimit int, checkpoint CheckpointFunc, onDiscovered DiscoverFunc) (Result, error) {
	operator := reg.Operator
	if operator == "" {
		return Result{}, ErrNoOperator
	}
	if txLimit <= 0 {
		txLimit = DefaultTxLimit
	}
	ctx, span := traces.StartSpan(ctx, "ingest.Run", traces.Operator(operator))
	defer span.End()
	start := time.Now()

	res := Result{Watermark: reg.LastProcessedSignature}

	refs, found, err := in.collect(ctx, operator, reg.LastProcessedSignature)
	if err != nil {
		return res, err
	}
	if reg.LastProcessedSignature != "" && !found {
		res.WatermarkMissed = true
		in.logger.Warn("watermark not found within scan limit, older history skipped",
			"operator", operator, "watermark", reg.LastProcessedSignature, "max_scan", in.cfg.MaxScan)
	}

	// oldest first
	for i, j := 0, len(refs)-1; i < j; i, j = i+1, j-1 {
		refs[i], refs[j] = refs[j], refs[i]
	}
	if len(refs) > txLimit {
		refs = refs[:txLimit]
	}

	in.logger.Info("ingesting transaction history",
		"operator", operator, "pending", len(refs), "watermark", reg.LastProcessedSignature)

	ataRent := chain.DefaultATARent
	if in.rent != nil {
		ataRent = in.rent.ATARent(ctx)
	}
	opts := sponsorship.Options{ATARent: ataRent, Now: in.now}
	held := false

	for batchStart := 0; batchStart < len(refs); batchStart += in.cfg.BatchSize {
		if batchStart > 0 && in.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return in.finish(res, reg, start), ctx.Err()
			case <-time.After(in.cfg.BatchDelay):
			}
		}
		end := batchStart + in.cfg.BatchSize
		if end > len(refs) {
			end = len(refs)
		}

		for _, ref := range refs[batchStart:end] {
			if ctx.Err() != nil {
				return in.finish(res, reg, start), ctx.Err()
			}
			err := in.processOne(ctx, reg, ref, opts, &res, onDiscovered)
			if err != nil && !errors.Is(err, chain.ErrTransactionNotFound) && !errors.Is(err, chain.ErrInvalidSignature) {
				if !held {
					in.logger.Warn("holding watermark before unfetched transaction",
						"signature", ref.Signature, "watermark", reg.LastProcessedSignature)
				}
				held = true
			}
			if !held {
				reg.SetWatermark(ref.Signature)
			}
		}

		if checkpoint != nil {
			if err := checkpoint(ctx); err != nil {
				return in.finish(res, reg, start), fmt.Errorf("ingest: checkpoint: %w", err)
			}
		}
	}

	return in.finish(res, reg, start), nil
}

func (in *Ingester) finish(res Result, reg *registry.Registry, start time.Time) Result {
	res.Watermark = reg.LastProcessedSignature
	ingestDuration.Observe(time.Since(start).Seconds())
	in.logger.Info("ingestion finished",
		"processed", res.Processed, "new", res.NewFound, "errors", res.Errors, "watermark", res.Watermark)
	return res
}

func (in *Ingester) processOne(ctx context.Context, reg *registry.Registry, ref chain.SignatureRef, opts sponsorship.Options, res *Result, onDiscovered DiscoverFunc) error {
	res.Processed++
	if ref.Failed {
		transactions.WithLabelValues("failed_tx").Inc()
		return nil
	}

	var tx *chain.ParsedTx
	err := in.cfg.Retry.Do(ctx, func() error {
		t, err := in.gw.GetParsedTransaction(ctx, ref.Signature)
		if errors.Is(err, chain.ErrTransactionNotFound) || errors.Is(err, chain.ErrInvalidSignature) {
			return retry.Permanent(err)
		}
		tx = t
		return err
	})
	if err != nil {
		res.Errors++
		transactions.WithLabelValues("error").Inc()
		in.logger.Warn("skipping transaction", "signature", ref.Signature, "error", err)
		return err
	}
	transactions.WithLabelValues("ok").Inc()

	added := reg.Ingest(sponsorship.Classify(tx, reg.Operator, reg.Known(), opts))
	for _, a := range added {
		res.NewFound++
		res.Discovered = append(res.Discovered, a)
		discovered.WithLabelValues(a.Confidence.String()).Inc()
		in.logger.Info("sponsored account discovered",
			"account", a.Address, "beneficiary", a.Beneficiary, "kind", a.Kind.String(),
			"confidence", a.Confidence.String(), "rent", a.RentAmount, "signature", ref.Signature)
		if onDiscovered != nil {
			onDiscovered(a)
		}
	}
	return nil
}

// collect pages backwards from the newest signature until it meets the
// watermark, runs out of history, or has scanned MaxScan signatures. It
// returns the unseen signatures newest first.
func (in *Ingester) collect(ctx context.Context, operator, watermark string) ([]chain.SignatureRef, bool, error) {
	var (
		out    []chain.SignatureRef
		before string
	)
	for len(out) < in.cfg.MaxScan {
		limit := in.cfg.PageSize
		if rem := in.cfg.MaxScan - len(out); rem < limit {
			limit = rem
		}

		var page []chain.SignatureRef
		err := in.cfg.Retry.Do(ctx, func() error {
			p, err := in.gw.GetSignatureHistory(ctx, operator, limit, before)
			if errors.Is(err, chain.ErrInvalidAddress) {
				return retry.Permanent(err)
			}
			page = p
			return err
		})
		if err != nil {
			return nil, false, fmt.Errorf("ingest: signature history: %w", err)
		}

		for _, ref := range page {
			if watermark != "" && ref.Signature == watermark {
				return out, true, nil
			}
			out = append(out, ref)
		}
		if len(page) < limit {
			break
		}
		before = page[len(page)-1].Signature
	}
	return out, false, nil
}
