package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"

	"github.com/mbd888/korarent/internal/circuitbreaker"
	"github.com/mbd888/korarent/internal/traces"
)

// Gateway is the read-only view of the ledger used by ingestion, refresh
// and validation. Errors are returned as-is; callers decide on retries.
type Gateway interface {
	GetAccount(ctx context.Context, address string) (*AccountSnapshot, error)
	GetMinRentExemptBalance(ctx context.Context, dataSize uint64) (uint64, error)
	GetSignatureHistory(ctx context.Context, address string, limit int, before string) ([]SignatureRef, error)
	GetParsedTransaction(ctx context.Context, signature string) (*ParsedTx, error)
}

// ReadClient is the subset of *rpc.Client the gateway needs.
type ReadClient interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment rpc.CommitmentType) (uint64, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	RPCCallForInto(ctx context.Context, out interface{}, method string, params []interface{}) error
}

// GatewayConfig configures an RPCGateway.
type GatewayConfig struct {
	Endpoint   string
	Commitment string  // processed, confirmed or finalized
	RPS        float64 // 0 disables pacing
	Burst      int
}

// GatewayOption configures the gateway
type GatewayOption func(*RPCGateway)

// WithReadClient injects a client (useful for testing)
func WithReadClient(c ReadClient) GatewayOption {
	return func(g *RPCGateway) { g.client = c }
}

// WithLogger sets the gateway logger
func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *RPCGateway) { g.logger = l }
}

// WithBreaker fails calls fast while their method's circuit is open.
func WithBreaker(b *circuitbreaker.Breaker) GatewayOption {
	return func(g *RPCGateway) { g.breaker = b }
}

// RPCGateway implements Gateway over a Solana JSON-RPC endpoint.
type RPCGateway struct {
	client     ReadClient
	commitment rpc.CommitmentType
	limiter    *rate.Limiter
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

var _ Gateway = (*RPCGateway)(nil)

// NewGateway creates a gateway. Without WithReadClient it dials cfg.Endpoint.
func NewGateway(cfg GatewayConfig, opts ...GatewayOption) *RPCGateway {
	g := &RPCGateway{
		commitment: commitmentOrDefault(cfg.Commitment),
		limiter:    newLimiter(cfg.RPS, cfg.Burst),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.client == nil {
		g.client = rpc.New(cfg.Endpoint)
	}
	return g
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func commitmentOrDefault(c string) rpc.CommitmentType {
	switch c {
	case "processed":
		return rpc.CommitmentProcessed
	case "finalized":
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentConfirmed
	}
}

// IsTransportError reports whether err says something about the endpoint
// rather than the ledger. Not-found answers and cancellations do not.
func IsTransportError(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrAccountNotFound) &&
		!errors.Is(err, ErrTransactionNotFound) &&
		!errors.Is(err, context.Canceled)
}

// call paces, traces and instruments a single RPC round trip.
func (g *RPCGateway) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	if g.breaker != nil && !g.breaker.Allow(method) {
		return fmt.Errorf("%s: %w", method, circuitbreaker.ErrOpen)
	}
	ctx, span := traces.StartSpan(ctx, "chain."+method)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	rpcDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if g.breaker != nil {
		if IsTransportError(err) {
			g.breaker.RecordFailure(method)
		} else {
			g.breaker.RecordSuccess(method)
		}
	}
	if IsTransportError(err) {
		rpcErrors.WithLabelValues(method).Inc()
		span.RecordError(err)
		g.logger.Debug("rpc call failed", "method", method, "error", err)
	}
	return err
}

// GetAccount returns the current state of address.
func (g *RPCGateway) GetAccount(ctx context.Context, address string) (*AccountSnapshot, error) {
	pk, err := parseKey(address)
	if err != nil {
		return nil, err
	}

	var snap *AccountSnapshot
	err = g.call(ctx, "getAccountInfo", func(ctx context.Context) error {
		res, err := g.client.GetAccountInfoWithOpts(ctx, pk, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: g.commitment,
		})
		if errors.Is(err, rpc.ErrNotFound) || (err == nil && (res == nil || res.Value == nil)) {
			return ErrAccountNotFound
		}
		if err != nil {
			return &RPCError{Method: "getAccountInfo", Err: err}
		}
		acct := res.Value
		snap = &AccountSnapshot{
			Address:    address,
			Owner:      acct.Owner.String(),
			Lamports:   acct.Lamports,
			Executable: acct.Executable,
		}
		if acct.Data != nil {
			snap.Data = acct.Data.GetBinary()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// GetMinRentExemptBalance asks the node for the rent-exempt minimum.
func (g *RPCGateway) GetMinRentExemptBalance(ctx context.Context, dataSize uint64) (uint64, error) {
	var lamports uint64
	err := g.call(ctx, "getMinimumBalanceForRentExemption", func(ctx context.Context) error {
		v, err := g.client.GetMinimumBalanceForRentExemption(ctx, dataSize, g.commitment)
		if err != nil {
			return &RPCError{Method: "getMinimumBalanceForRentExemption", Err: err}
		}
		lamports = v
		return nil
	})
	return lamports, err
}

// GetSignatureHistory returns up to limit signatures for address, newest
// first, starting strictly before the given signature when set.
func (g *RPCGateway) GetSignatureHistory(ctx context.Context, address string, limit int, before string) ([]SignatureRef, error) {
	pk, err := parseKey(address)
	if err != nil {
		return nil, err
	}
	opts := &rpc.GetSignaturesForAddressOpts{Commitment: g.commitment}
	if limit > 0 {
		opts.Limit = &limit
	}
	if before != "" {
		sig, err := solana.SignatureFromBase58(before)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		opts.Before = sig
	}

	var out []SignatureRef
	err = g.call(ctx, "getSignaturesForAddress", func(ctx context.Context) error {
		res, err := g.client.GetSignaturesForAddressWithOpts(ctx, pk, opts)
		if err != nil {
			return &RPCError{Method: "getSignaturesForAddress", Err: err}
		}
		out = make([]SignatureRef, 0, len(res))
		for _, r := range res {
			if r == nil {
				continue
			}
			ref := SignatureRef{
				Signature: r.Signature.String(),
				Slot:      r.Slot,
				Failed:    r.Err != nil,
			}
			if r.BlockTime != nil {
				t := r.BlockTime.Time().UTC()
				ref.BlockTime = &t
			}
			out = append(out, ref)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetParsedTransaction fetches a transaction in jsonParsed encoding.
func (g *RPCGateway) GetParsedTransaction(ctx context.Context, signature string) (*ParsedTx, error) {
	if _, err := solana.SignatureFromBase58(signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	params := []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"commitment":                     string(g.commitment),
			"maxSupportedTransactionVersion": 0,
		},
	}

	var tx *ParsedTx
	err := g.call(ctx, "getTransaction", func(ctx context.Context) error {
		if err := g.client.RPCCallForInto(ctx, &tx, "getTransaction", params); err != nil {
			return &RPCError{Method: "getTransaction", Err: err}
		}
		if tx == nil {
			return ErrTransactionNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func parseKey(address string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %s: %v", ErrInvalidAddress, address, err)
	}
	return pk, nil
}
