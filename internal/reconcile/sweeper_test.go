package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrecon/internal/chain"
	"payrecon/internal/order"
)

func newSweeper(h *harness, cfg SweeperConfig) *Sweeper {
	return NewSweeper(h.engine, h.store, h.recorder, h.clock, testTTL, cfg, discardLogger())
}

func TestSweeper_ExpiresStaleOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale := h.newOrder(t, 100_000)
	h.clock.Advance(testTTL + time.Second)
	fresh := h.newOrder(t, 100_000)

	sum, err := newSweeper(h, SweeperConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Expired)

	o, err := h.store.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, order.StatusExpired, o.Status)

	o, err = h.store.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status)

	expired := h.recorder.OfType(order.EventOrderExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.String(), expired[0].AggregateID)
}

func TestSweeper_SettlesUnpolledOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := h.newOrder(t, 100_000)
	h.pay(t, ref, 100_000, chain.CommitmentConfirmed)

	sum, err := newSweeper(h, SweeperConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Reconciled)
	assert.Equal(t, 1, sum.Paid)

	o, err := h.store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, o.Status)
}

func TestSweeper_SettlesPaymentMadeBeforeDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := h.newOrder(t, 100_000)

	h.clock.Advance(testTTL - time.Second)
	h.pay(t, ref, 100_000, chain.CommitmentConfirmed)
	h.clock.Advance(2 * time.Second)

	sum, err := newSweeper(h, SweeperConfig{ExpiryGrace: time.Hour}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Paid)
	assert.Equal(t, 0, sum.Expired)

	o, err := h.store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, o.Status)
}

func TestSweeper_ExpiresUnverifiedOrdersAfterGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := h.newOrder(t, 100_000)
	h.ledger.SetError(errors.New("node down"))
	s := newSweeper(h, SweeperConfig{ExpiryGrace: time.Hour})

	h.clock.Advance(testTTL + time.Second)
	sum, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Expired)

	h.clock.Advance(time.Hour)
	sum, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Expired)

	o, err := h.store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, order.StatusExpired, o.Status)
	assert.Len(t, h.recorder.OfType(order.EventOrderExpired), 1)
}

func TestSweeper_PurgesAfterRetention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paid := h.newOrder(t, 100_000)
	h.pay(t, paid, 100_000, chain.CommitmentConfirmed)

	s := newSweeper(h, SweeperConfig{Retention: time.Hour})
	_, err := s.RunOnce(ctx)
	require.NoError(t, err)

	h.clock.Advance(time.Hour + time.Second)
	sum, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Purged)

	_, err = h.store.Get(ctx, paid)
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestSweeper_RunsJobsAndJoinsErrors(t *testing.T) {
	h := newHarness(t)
	s := newSweeper(h, SweeperConfig{})

	var ran []string
	s.AddJob("ok", func(context.Context) (int, error) {
		ran = append(ran, "ok")
		return 3, nil
	})
	s.AddJob("broken", func(context.Context) (int, error) {
		ran = append(ran, "broken")
		return 0, errors.New("boom")
	})

	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: boom")
	assert.Equal(t, []string{"ok", "broken"}, ran)
}

func TestSweeper_RejectsBadSchedule(t *testing.T) {
	h := newHarness(t)
	s := newSweeper(h, SweeperConfig{Schedule: "every now and then"})
	assert.Error(t, s.Start())
}

func TestSweeper_StartAndDrain(t *testing.T) {
	h := newHarness(t)
	ref := h.newOrder(t, 100_000)
	h.pay(t, ref, 100_000, chain.CommitmentConfirmed)

	s := newSweeper(h, SweeperConfig{Schedule: "@every 1h", DrainTimeout: time.Second})
	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "second start")

	require.NoError(t, s.Drain(context.Background()))

	o, err := h.store.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, o.Status, "drain runs a final pass")
}
