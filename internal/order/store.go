package order

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Store owns orders. Every backend gives per-reference linearizable
// compare-and-swap on status; operations on different references do
// not contend.
type Store interface {
	// Put inserts a pending order. ErrDuplicateReference if a pending or
	// paid order already holds the reference.
	Put(ctx context.Context, o *Order) error
	// Get returns a copy of the order, or ErrNotFound.
	Get(ctx context.Context, ref solana.PublicKey) (*Order, error)
	// Transition moves the order from -> to only if its stored status is
	// still from. ErrStaleOrMissing otherwise.
	Transition(ctx context.Context, ref solana.PublicKey, from, to Status, payment *Payment) error
	// Expire marks pending orders created more than olderThan ago as
	// expired and returns their references. Paid orders are untouched.
	Expire(ctx context.Context, olderThan time.Duration) ([]solana.PublicKey, error)
	// Purge deletes terminal orders last updated more than retention ago.
	Purge(ctx context.Context, retention time.Duration) (int, error)
	// ListPending returns up to limit pending orders, oldest first.
	// limit <= 0 means no limit.
	ListPending(ctx context.Context, limit int) ([]*Order, error)
}
