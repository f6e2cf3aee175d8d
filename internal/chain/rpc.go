package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"

	"payrecon/internal/common/metrics"
)

// Config holds ledger adapter configuration.
type Config struct {
	Mode              string        `envconfig:"LEDGER_MODE" default:"rpc"`
	RPCURL            string        `envconfig:"SOLANA_RPC_URL" default:"https://api.devnet.solana.com"`
	Commitment        Commitment    `envconfig:"SOLANA_COMMITMENT" default:"confirmed"`
	Timeout           time.Duration `envconfig:"SOLANA_RPC_TIMEOUT" default:"10s"`
	RequestsPerSecond float64       `envconfig:"SOLANA_RPC_RPS" default:"8"`
	Burst             int           `envconfig:"SOLANA_RPC_BURST" default:"4"`
	SignatureLimit    int           `envconfig:"SOLANA_SIGNATURE_LIMIT" default:"25"`
}

// memoProgram is the SPL Memo program wallets attach memos with.
var memoProgram = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// System program instruction index for Transfer.
const systemTransfer uint32 = 2

// rpcAPI is the subset of *rpc.Client the adapter calls.
type rpcAPI interface {
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// RPC implements Lookup against a Solana JSON-RPC node.
type RPC struct {
	client   rpcAPI
	limiter  *rate.Limiter
	timeout  time.Duration
	sigLimit int
	logger   *slog.Logger
}

var _ Lookup = (*RPC)(nil)

// NewRPC creates an adapter for cfg.RPCURL.
func NewRPC(cfg Config, logger *slog.Logger) *RPC {
	return newRPC(rpc.New(cfg.RPCURL), cfg, logger)
}

func newRPC(client rpcAPI, cfg Config, logger *slog.Logger) *RPC {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RPC{
		client:   client,
		limiter:  rate.NewLimiter(limit, burst),
		timeout:  cfg.Timeout,
		sigLimit: cfg.SignatureLimit,
		logger:   logger,
	}
}

// call bounds one RPC round trip by the rate limiter and the adapter timeout.
func (a *RPC) call(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveLookup(op, err, time.Since(start)) }()

	if err := a.limiter.Wait(ctx); err != nil {
		return lookupFailed(op, err)
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	return fn(ctx)
}

func (a *RPC) FindReference(ctx context.Context, ref solana.PublicKey, commitment Commitment) ([]solana.Signature, error) {
	var sigs []*rpc.TransactionSignature
	err := a.call(ctx, "find_reference", func(ctx context.Context) error {
		opts := &rpc.GetSignaturesForAddressOpts{Commitment: queryCommitment(commitment)}
		if a.sigLimit > 0 {
			limit := a.sigLimit
			opts.Limit = &limit
		}
		var err error
		sigs, err = a.client.GetSignaturesForAddressWithOpts(ctx, ref, opts)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrLookupFailed) {
			return nil, err
		}
		return nil, lookupFailed("find_reference", err)
	}
	if len(sigs) == 0 {
		return nil, ErrNotFoundYet
	}

	// The node returns newest first.
	out := make([]solana.Signature, 0, len(sigs))
	for i := len(sigs) - 1; i >= 0; i-- {
		if sigs[i] == nil {
			continue
		}
		out = append(out, sigs[i].Signature)
	}
	return out, nil
}

func (a *RPC) FetchDetail(ctx context.Context, sig solana.Signature, commitment Commitment) (*TransactionDetail, error) {
	var res *rpc.GetTransactionResult
	err := a.call(ctx, "fetch_detail", func(ctx context.Context) error {
		maxVersion := uint64(0)
		var err error
		res, err = a.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     queryCommitment(commitment),
			MaxSupportedTransactionVersion: &maxVersion,
		})
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && res == nil) {
		return nil, ErrNotConfirmedAtLevel
	}
	if err != nil {
		if errors.Is(err, ErrLookupFailed) {
			return nil, err
		}
		return nil, lookupFailed("fetch_detail", err)
	}

	detail, err := decodeTransaction(sig, res)
	if err != nil {
		return nil, lookupFailed("fetch_detail", err)
	}
	// A transaction returned at a level is at least that settled.
	detail.Commitment = effectiveCommitment(commitment)
	return detail, nil
}

func (a *RPC) ConfirmSignature(ctx context.Context, sig solana.Signature, commitment Commitment) (bool, error) {
	var res *rpc.GetSignatureStatusesResult
	err := a.call(ctx, "confirm_signature", func(ctx context.Context) error {
		var err error
		res, err = a.client.GetSignatureStatuses(ctx, true, sig)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrLookupFailed) {
			return false, err
		}
		return false, lookupFailed("confirm_signature", err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return false, nil
	}
	status := res.Value[0]
	if status.Err != nil {
		return false, nil
	}
	return commitmentFromStatus(status.ConfirmationStatus).AtLeast(commitment), nil
}

// queryCommitment maps a level onto what the node accepts for history
// queries, which start at confirmed.
func queryCommitment(c Commitment) rpc.CommitmentType {
	if c == CommitmentFinalized {
		return rpc.CommitmentFinalized
	}
	return rpc.CommitmentConfirmed
}

func effectiveCommitment(c Commitment) Commitment {
	if c == CommitmentFinalized {
		return CommitmentFinalized
	}
	return CommitmentConfirmed
}

func commitmentFromStatus(s rpc.ConfirmationStatusType) Commitment {
	switch s {
	case rpc.ConfirmationStatusProcessed:
		return CommitmentProcessed
	case rpc.ConfirmationStatusConfirmed:
		return CommitmentConfirmed
	case rpc.ConfirmationStatusFinalized:
		return CommitmentFinalized
	}
	return CommitmentUnknown
}

func decodeTransaction(sig solana.Signature, res *rpc.GetTransactionResult) (*TransactionDetail, error) {
	if res.Transaction == nil {
		return nil, errors.New("transaction body missing")
	}
	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decoding transaction: %w", err)
	}

	detail := &TransactionDetail{
		Signature: sig,
		Slot:      res.Slot,
	}
	if res.BlockTime != nil {
		t := res.BlockTime.Time().UTC()
		detail.BlockTime = &t
	}

	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys))
	keys = append(keys, tx.Message.AccountKeys...)
	if res.Meta != nil {
		if res.Meta.Err != nil {
			detail.Failed = true
			detail.Err = fmt.Sprint(res.Meta.Err)
		}
		// v0 transactions address extra accounts through lookup tables,
		// ordered writable then read-only after the static keys.
		keys = append(keys, res.Meta.LoadedAddresses.Writable...)
		keys = append(keys, res.Meta.LoadedAddresses.ReadOnly...)
	}

	for _, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("program index %d out of range", ix.ProgramIDIndex)
		}
		program := keys[ix.ProgramIDIndex]

		switch {
		case program.Equals(solana.SystemProgramID):
			transfer, ok, err := decodeSystemTransfer(ix.Data, ix.Accounts, keys)
			if err != nil {
				return nil, err
			}
			if ok {
				detail.Transfers = append(detail.Transfers, transfer)
			}
		case program.Equals(memoProgram):
			detail.Memos = append(detail.Memos, string(ix.Data))
		}
	}
	return detail, nil
}

// decodeSystemTransfer returns ok=false for system instructions that are
// not a plain Transfer.
func decodeSystemTransfer(data []byte, accounts []uint16, keys []solana.PublicKey) (Transfer, bool, error) {
	if len(data) != 12 || binary.LittleEndian.Uint32(data[:4]) != systemTransfer {
		return Transfer{}, false, nil
	}
	if len(accounts) < 2 {
		return Transfer{}, false, errors.New("transfer instruction with fewer than two accounts")
	}

	resolve := func(idx uint16) (solana.PublicKey, error) {
		if int(idx) >= len(keys) {
			return solana.PublicKey{}, fmt.Errorf("account index %d out of range", idx)
		}
		return keys[idx], nil
	}

	var t Transfer
	var err error
	if t.Source, err = resolve(accounts[0]); err != nil {
		return Transfer{}, false, err
	}
	if t.Destination, err = resolve(accounts[1]); err != nil {
		return Transfer{}, false, err
	}
	t.Lamports = binary.LittleEndian.Uint64(data[4:12])
	for _, idx := range accounts[2:] {
		k, err := resolve(idx)
		if err != nil {
			return Transfer{}, false, err
		}
		t.Keys = append(t.Keys, k)
	}
	return t, true, nil
}
