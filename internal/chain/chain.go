// Package chain reads payment transactions from the Solana ledger.
//
// Only three reads are needed: find the transactions tagged with a
// reference key, fetch one transaction's detail, and check whether a
// signature has reached a commitment level. Lookup is the seam; RPC talks
// to a JSON-RPC node and Ledger is an in-memory stand-in.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrNotFoundYet means no transaction carrying the reference is visible.
	ErrNotFoundYet = errors.New("no transaction found for reference")
	// ErrNotConfirmedAtLevel means the transaction is not visible at the requested commitment.
	ErrNotConfirmedAtLevel = errors.New("transaction not confirmed at requested commitment")
	// ErrLookupFailed wraps every transport or decoding failure.
	ErrLookupFailed = errors.New("ledger lookup failed")
)

// Commitment is how settled a transaction is. Levels are ordered.
type Commitment int

const (
	CommitmentUnknown Commitment = iota
	CommitmentProcessed
	CommitmentConfirmed
	CommitmentFinalized
)

func (c Commitment) String() string {
	switch c {
	case CommitmentProcessed:
		return "processed"
	case CommitmentConfirmed:
		return "confirmed"
	case CommitmentFinalized:
		return "finalized"
	}
	return "unknown"
}

// AtLeast reports whether c is as settled as min.
func (c Commitment) AtLeast(min Commitment) bool {
	return c >= min
}

// ParseCommitment parses "processed", "confirmed" or "finalized".
func ParseCommitment(s string) (Commitment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "processed":
		return CommitmentProcessed, nil
	case "confirmed":
		return CommitmentConfirmed, nil
	case "finalized":
		return CommitmentFinalized, nil
	}
	return CommitmentUnknown, fmt.Errorf("unknown commitment %q", s)
}

// Decode implements envconfig.Decoder.
func (c *Commitment) Decode(value string) error {
	parsed, err := ParseCommitment(value)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Transfer is one native SOL system-program transfer inside a transaction.
// Keys are the extra accounts appended to the instruction, which is where
// payers put reference keys.
type Transfer struct {
	Source      solana.PublicKey
	Destination solana.PublicKey
	Lamports    uint64
	Keys        []solana.PublicKey
}

// HasKey reports whether key was attached to the transfer.
func (t Transfer) HasKey(key solana.PublicKey) bool {
	for _, k := range t.Keys {
		if k.Equals(key) {
			return true
		}
	}
	return false
}

// TransactionDetail is the part of a confirmed transaction the validator needs.
type TransactionDetail struct {
	Signature  solana.Signature
	Slot       uint64
	BlockTime  *time.Time
	Commitment Commitment
	Failed     bool
	Err        string
	Transfers  []Transfer
	Memos      []string
}

// Lookup is the ledger read interface. Implementations are read-only and
// idempotent; every call honours ctx cancellation.
type Lookup interface {
	// FindReference returns signatures of transactions that include ref,
	// oldest first. ErrNotFoundYet if there are none.
	FindReference(ctx context.Context, ref solana.PublicKey, commitment Commitment) ([]solana.Signature, error)
	// FetchDetail loads a transaction. ErrNotConfirmedAtLevel if it is not
	// visible at commitment.
	FetchDetail(ctx context.Context, sig solana.Signature, commitment Commitment) (*TransactionDetail, error)
	// ConfirmSignature reports whether sig has reached commitment. Reserved for
	// callers holding a known signature; reconcile reads commitment via FetchDetail.
	ConfirmSignature(ctx context.Context, sig solana.Signature, commitment Commitment) (bool, error)
}

func lookupFailed(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrLookupFailed, op, err)
}
