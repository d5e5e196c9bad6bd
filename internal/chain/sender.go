package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/mbd888/korarent/internal/traces"
)

// ConfirmationPollInterval is how often signature status is polled.
const ConfirmationPollInterval = 2 * time.Second

// SendError wraps a failed submission with the step that failed.
type SendError struct {
	Op        string // Operation that failed
	Signature string // Transaction signature if available
	Err       error  // Underlying error
}

func (e *SendError) Error() string {
	if e.Signature != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.Signature, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Sender submits the two close paths the reclaim executor needs and reads
// balances for before/after verification.
type Sender interface {
	Identity() string
	GetBalance(ctx context.Context, address string) (uint64, error)
	CloseTokenAccount(ctx context.Context, account, destination, tokenProgram string) (string, error)
	TransferAll(ctx context.Context, from, destination string, lamports uint64) (string, error)
	WaitForConfirmation(ctx context.Context, signature string, timeout time.Duration) error
}

// WriteClient is the subset of *rpc.Client the sender needs.
type WriteClient interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// SenderOption configures the sender
type SenderOption func(*RPCSender)

// WithWriteClient sets a custom client (useful for testing)
func WithWriteClient(c WriteClient) SenderOption {
	return func(s *RPCSender) { s.client = c }
}

// WithSenderLogger sets the sender logger
func WithSenderLogger(l *slog.Logger) SenderOption {
	return func(s *RPCSender) { s.logger = l }
}

// RPCSender signs with the operator key and submits over JSON-RPC.
type RPCSender struct {
	client     WriteClient
	key        solana.PrivateKey
	identity   solana.PublicKey
	commitment rpc.CommitmentType
	poll       time.Duration
	logger     *slog.Logger
}

var _ Sender = (*RPCSender)(nil)

// NewSender creates a sender for the given 64-byte secret key. A nil secret
// yields ErrNoSigner.
func NewSender(endpoint, commitment string, secret []byte, opts ...SenderOption) (*RPCSender, error) {
	if len(secret) == 0 {
		return nil, ErrNoSigner
	}
	if len(secret) != 64 {
		return nil, fmt.Errorf("%w: secret key must be 64 bytes", ErrNoSigner)
	}
	key := solana.PrivateKey(append([]byte(nil), secret...))
	s := &RPCSender{
		key:        key,
		identity:   key.PublicKey(),
		commitment: commitmentOrDefault(commitment),
		poll:       ConfirmationPollInterval,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = rpc.New(endpoint)
	}
	return s, nil
}

// Identity returns the signer's address.
func (s *RPCSender) Identity() string {
	return s.identity.String()
}

// GetBalance returns the lamport balance of address.
func (s *RPCSender) GetBalance(ctx context.Context, address string) (uint64, error) {
	pk, err := parseKey(address)
	if err != nil {
		return 0, err
	}
	res, err := s.client.GetBalance(ctx, pk, s.commitment)
	if err != nil {
		return 0, &RPCError{Method: "getBalance", Err: err}
	}
	return res.Value, nil
}

// CloseTokenAccount closes an empty token account owned by the signer and
// sends its rent to destination. tokenProgram is the account's owner, the
// legacy Token program or Token-2022; empty means the legacy program.
func (s *RPCSender) CloseTokenAccount(ctx context.Context, account, destination, tokenProgram string) (string, error) {
	ix, err := s.closeInstruction(account, destination, tokenProgram)
	if err != nil {
		return "", err
	}
	return s.submit(ctx, "close_token", ix)
}

// closeInstruction builds CloseAccount for the given token program. Both
// programs share the instruction layout, so the legacy encoding is re-targeted.
func (s *RPCSender) closeInstruction(account, destination, tokenProgram string) (solana.Instruction, error) {
	if tokenProgram == "" {
		tokenProgram = TokenProgram
	}
	if !IsTokenProgram(tokenProgram) {
		return nil, &SendError{Op: "close_token", Err: fmt.Errorf("%s is not a token program", tokenProgram)}
	}
	acct, err := parseKey(account)
	if err != nil {
		return nil, err
	}
	dest, err := parseKey(destination)
	if err != nil {
		return nil, err
	}
	ix := token.NewCloseAccountInstruction(acct, dest, s.identity, nil).Build()
	if tokenProgram == TokenProgram {
		return ix, nil
	}
	data, err := ix.Data()
	if err != nil {
		return nil, &SendError{Op: "build", Err: err}
	}
	return solana.NewInstruction(solana.MustPublicKeyFromBase58(tokenProgram), ix.Accounts(), data), nil
}

// TransferAll moves lamports out of a signer-owned system account.
func (s *RPCSender) TransferAll(ctx context.Context, from, destination string, lamports uint64) (string, error) {
	src, err := parseKey(from)
	if err != nil {
		return "", err
	}
	if !src.Equals(s.identity) {
		return "", &SendError{Op: "transfer", Err: fmt.Errorf("source %s is not the signer", from)}
	}
	dest, err := parseKey(destination)
	if err != nil {
		return "", err
	}
	ix := system.NewTransferInstruction(lamports, src, dest).Build()
	return s.submit(ctx, "transfer", ix)
}

func (s *RPCSender) submit(ctx context.Context, kind string, ix solana.Instruction) (string, error) {
	ctx, span := traces.StartSpan(ctx, "chain.submit")
	defer span.End()

	bh, err := s.client.GetLatestBlockhash(ctx, s.commitment)
	if err != nil {
		transactionsSent.WithLabelValues(kind, "error").Inc()
		return "", &SendError{Op: "blockhash", Err: err}
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		bh.Value.Blockhash,
		solana.TransactionPayer(s.identity),
	)
	if err != nil {
		transactionsSent.WithLabelValues(kind, "error").Inc()
		return "", &SendError{Op: "build", Err: err}
	}

	if _, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(s.identity) {
			return &s.key
		}
		return nil
	}); err != nil {
		transactionsSent.WithLabelValues(kind, "error").Inc()
		return "", &SendError{Op: "sign", Err: err}
	}

	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: s.commitment,
	})
	if err != nil {
		transactionsSent.WithLabelValues(kind, "error").Inc()
		return "", &SendError{Op: "send", Err: err}
	}
	transactionsSent.WithLabelValues(kind, "sent").Inc()
	span.SetAttributes(traces.Signature(sig.String()))
	s.logger.Info("transaction submitted", "kind", kind, "signature", sig.String())
	return sig.String(), nil
}

// WaitForConfirmation polls until the signature reaches the configured
// commitment, fails, or the timeout elapses.
func (s *RPCSender) WaitForConfirmation(ctx context.Context, signature string, timeout time.Duration) error {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: waiting for tx %s", ErrTimeout, signature)
			}
			return ctx.Err()

		case <-ticker.C:
			res, err := s.client.GetSignatureStatuses(ctx, true, sig)
			if err != nil || res == nil || len(res.Value) == 0 || res.Value[0] == nil {
				// not yet visible to the node
				continue
			}
			st := res.Value[0]
			if st.Err != nil {
				return &SendError{Op: "confirm", Signature: signature, Err: fmt.Errorf("%w: %v", ErrTransactionFailed, st.Err)}
			}
			if s.reached(st.ConfirmationStatus) {
				return nil
			}
		}
	}
}

func (s *RPCSender) reached(status rpc.ConfirmationStatusType) bool {
	switch status {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return s.commitment != rpc.CommitmentFinalized
	case rpc.ConfirmationStatusProcessed:
		return s.commitment == rpc.CommitmentProcessed
	default:
		return false
	}
}

// ReadOnlySender satisfies Sender for processes without a signing key. It
// reads balances through a Gateway so dry runs work; every write returns
// ErrNoSigner.
type ReadOnlySender struct {
	gw       Gateway
	identity string
}

var _ Sender = (*ReadOnlySender)(nil)

// NewReadOnlySender acts as identity, usually the operator address.
func NewReadOnlySender(gw Gateway, identity string) *ReadOnlySender {
	return &ReadOnlySender{gw: gw, identity: identity}
}

func (s *ReadOnlySender) Identity() string { return s.identity }

// GetBalance returns the account's lamports, or zero when it does not exist.
func (s *ReadOnlySender) GetBalance(ctx context.Context, address string) (uint64, error) {
	snap, err := s.gw.GetAccount(ctx, address)
	if errors.Is(err, ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return snap.Lamports, nil
}

func (s *ReadOnlySender) CloseTokenAccount(context.Context, string, string, string) (string, error) {
	return "", ErrNoSigner
}

func (s *ReadOnlySender) TransferAll(context.Context, string, string, uint64) (string, error) {
	return "", ErrNoSigner
}

func (s *ReadOnlySender) WaitForConfirmation(context.Context, string, time.Duration) error {
	return ErrNoSigner
}
