package chain

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"

	"payrecon/internal/common/clock"
)

// Ledger is an in-memory Lookup. Tests and LEDGER_MODE=memory use it to
// stand in for a node; transactions are added with Submit or Pay.
type Ledger struct {
	mu    sync.RWMutex
	txs   map[solana.Signature]*TransactionDetail
	order []solana.Signature
	slot  uint64
	err   error
	clock clock.Clock
}

var _ Lookup = (*Ledger)(nil)

// NewLedger returns an empty ledger stamping block times from clk.
// A nil clk means the wall clock.
func NewLedger(clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Ledger{txs: make(map[solana.Signature]*TransactionDetail), clock: clk}
}

// PayParams describes a simulated payer transaction.
type PayParams struct {
	Source      solana.PublicKey
	Destination solana.PublicKey
	Lamports    uint64
	References  []solana.PublicKey
	Memo        string
	Failed      bool
	Commitment  Commitment
}

// Pay records a single-transfer transaction and returns its signature.
// Commitment defaults to confirmed.
func (l *Ledger) Pay(p PayParams) (solana.Signature, error) {
	var sig solana.Signature
	if _, err := rand.Read(sig[:]); err != nil {
		return sig, fmt.Errorf("generating signature: %w", err)
	}
	if p.Commitment == CommitmentUnknown {
		p.Commitment = CommitmentConfirmed
	}

	d := &TransactionDetail{
		Signature:  sig,
		Commitment: p.Commitment,
		Failed:     p.Failed,
		Transfers: []Transfer{{
			Source:      p.Source,
			Destination: p.Destination,
			Lamports:    p.Lamports,
			Keys:        append([]solana.PublicKey(nil), p.References...),
		}},
	}
	if p.Failed {
		d.Err = "simulated failure"
	}
	if p.Memo != "" {
		d.Memos = []string{p.Memo}
	}
	l.Submit(d)
	return sig, nil
}

// Submit records d, assigning the next slot and a block time if unset.
func (l *Ledger) Submit(d *TransactionDetail) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.slot++
	c := cloneDetail(d)
	if c.Slot == 0 {
		c.Slot = l.slot
	}
	if c.BlockTime == nil {
		now := l.clock.Now().UTC()
		c.BlockTime = &now
	}
	if _, exists := l.txs[c.Signature]; !exists {
		l.order = append(l.order, c.Signature)
	}
	l.txs[c.Signature] = c
}

// SetCommitment advances (or regresses) how settled sig is.
func (l *Ledger) SetCommitment(sig solana.Signature, c Commitment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.txs[sig]; ok {
		d.Commitment = c
	}
}

// SetError makes every call fail with err until cleared with nil.
func (l *Ledger) SetError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *Ledger) FindReference(ctx context.Context, ref solana.PublicKey, commitment Commitment) ([]solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return nil, lookupFailed("find_reference", err)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.err != nil {
		return nil, lookupFailed("find_reference", l.err)
	}

	var out []solana.Signature
	for _, sig := range l.order {
		d := l.txs[sig]
		if d.Commitment.AtLeast(commitment) && mentions(d, ref) {
			out = append(out, sig)
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFoundYet
	}
	return out, nil
}

func (l *Ledger) FetchDetail(ctx context.Context, sig solana.Signature, commitment Commitment) (*TransactionDetail, error) {
	if err := ctx.Err(); err != nil {
		return nil, lookupFailed("fetch_detail", err)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.err != nil {
		return nil, lookupFailed("fetch_detail", l.err)
	}

	d, ok := l.txs[sig]
	if !ok || !d.Commitment.AtLeast(commitment) {
		return nil, ErrNotConfirmedAtLevel
	}
	return cloneDetail(d), nil
}

func (l *Ledger) ConfirmSignature(ctx context.Context, sig solana.Signature, commitment Commitment) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, lookupFailed("confirm_signature", err)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.err != nil {
		return false, lookupFailed("confirm_signature", l.err)
	}

	d, ok := l.txs[sig]
	return ok && !d.Failed && d.Commitment.AtLeast(commitment), nil
}

func mentions(d *TransactionDetail, key solana.PublicKey) bool {
	for _, t := range d.Transfers {
		if t.Source.Equals(key) || t.Destination.Equals(key) || t.HasKey(key) {
			return true
		}
	}
	return false
}

func cloneDetail(d *TransactionDetail) *TransactionDetail {
	c := *d
	if d.BlockTime != nil {
		bt := *d.BlockTime
		c.BlockTime = &bt
	}
	c.Transfers = make([]Transfer, len(d.Transfers))
	for i, t := range d.Transfers {
		t.Keys = append([]solana.PublicKey(nil), t.Keys...)
		c.Transfers[i] = t
	}
	c.Memos = append([]string(nil), d.Memos...)
	return &c
}
