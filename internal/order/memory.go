package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"payrecon/internal/common/clock"
)

const memoryShards = 32

type shard struct {
	mu     sync.RWMutex
	orders map[solana.PublicKey]*Order
}

// MemoryStore keeps orders in process memory, sharded by reference.
type MemoryStore struct {
	shards [memoryShards]*shard
	clock  clock.Clock
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	s := &MemoryStore{clock: c}
	for i := range s.shards {
		s.shards[i] = &shard{orders: make(map[solana.PublicKey]*Order)}
	}
	return s
}

func (s *MemoryStore) shardFor(ref solana.PublicKey) *shard {
	// References are uniformly random, so the first byte spreads evenly.
	return s.shards[int(ref[0])%memoryShards]
}

func (s *MemoryStore) Put(_ context.Context, o *Order) error {
	sh := s.shardFor(o.Reference)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.orders[o.Reference]; ok && existing.Status != StatusExpired {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, o.Reference)
	}
	sh.orders[o.Reference] = o.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, ref solana.PublicKey) (*Order, error) {
	sh := s.shardFor(ref)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	o, ok := sh.orders[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, ref solana.PublicKey, from, to Status, payment *Payment) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	sh := s.shardFor(ref)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	o, ok := sh.orders[ref]
	if !ok || o.Status != from {
		return ErrStaleOrMissing
	}
	return o.apply(to, payment, s.clock.Now())
}

func (s *MemoryStore) Expire(_ context.Context, olderThan time.Duration) ([]solana.PublicKey, error) {
	now := s.clock.Now()
	cutoff := now.Add(-olderThan)

	var expired []solana.PublicKey
	for _, sh := range s.shards {
		sh.mu.Lock()
		for ref, o := range sh.orders {
			if o.Status == StatusPending && o.CreatedAt.Before(cutoff) {
				if err := o.apply(StatusExpired, nil, now); err == nil {
					expired = append(expired, ref)
				}
			}
		}
		sh.mu.Unlock()
	}
	return expired, nil
}

func (s *MemoryStore) Purge(_ context.Context, retention time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-retention)

	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for ref, o := range sh.orders {
			if o.Status.IsTerminal() && o.UpdatedAt.Before(cutoff) {
				delete(sh.orders, ref)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

func (s *MemoryStore) ListPending(_ context.Context, limit int) ([]*Order, error) {
	var pending []*Order
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, o := range sh.orders {
			if o.Status == StatusPending {
				pending = append(pending, o.Clone())
			}
		}
		sh.mu.RUnlock()
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// Len returns the number of stored orders in any status.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.orders)
		sh.mu.RUnlock()
	}
	return n
}
