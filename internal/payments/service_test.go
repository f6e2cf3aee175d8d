package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrecon/internal/common/clock"
	"payrecon/internal/common/events"
	"payrecon/internal/order"
	"payrecon/internal/payrequest"
)

type fakeStatus struct {
	status order.Status
	err    error
	got    solana.PublicKey
}

func (f *fakeStatus) Status(_ context.Context, ref solana.PublicKey) (order.Status, error) {
	f.got = ref
	return f.status, f.err
}

// fixedRefs hands out the queued keys in order.
type fixedRefs struct {
	keys []solana.PublicKey
	err  error
}

func (f *fixedRefs) New() (solana.PublicKey, error) {
	if f.err != nil {
		return solana.PublicKey{}, f.err
	}
	k := f.keys[0]
	f.keys = f.keys[1:]
	return k, nil
}

func newKey(t *testing.T) solana.PublicKey {
	t.Helper()
	k, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return k.PublicKey()
}

type fixture struct {
	svc       *Service
	store     *order.MemoryStore
	status    *fakeStatus
	recorder  *events.Recorder
	recipient solana.PublicKey
	clock     *clock.Manual
}

func newFixture(t *testing.T, refs ReferenceSource) *fixture {
	t.Helper()
	f := &fixture{
		status:    &fakeStatus{status: order.StatusPending},
		recorder:  &events.Recorder{},
		recipient: newKey(t),
		clock:     clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.store = order.NewMemoryStore(f.clock)

	svc, err := NewService(Config{
		Recipient:   f.recipient.String(),
		UnitPrice:   "0.1",
		Label:       "Solana Shirts",
		Memo:        "T-shirt purchase",
		MaxQuantity: 100,
		OrderTTL:    15 * time.Minute,
	}, f.store, refs, f.status, f.recorder, f.clock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	f.svc = svc
	return f
}

func TestCreateOrder_ByQuantity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.svc.CreateOrder(ctx, CreateOrderRequest{Quantity: 3})
	require.NoError(t, err)

	o := created.Order
	assert.Equal(t, int64(300_000_000), o.Amount.AmountMinor, "3 x 0.1 SOL exactly")
	assert.Equal(t, "Purchase of 3 shirt(s) for 0.3 SOL", o.Message)
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), o.ExpiresAt)

	stored, err := f.store.Get(ctx, o.Reference)
	require.NoError(t, err)
	assert.Equal(t, o.Amount, stored.Amount)

	req, err := payrequest.Parse(created.PaymentURL)
	require.NoError(t, err)
	assert.Equal(t, f.recipient, req.Recipient)
	assert.Equal(t, []solana.PublicKey{o.Reference}, req.References)
	assert.Equal(t, "Solana Shirts", req.Label)
	assert.Equal(t, "T-shirt purchase", req.Memo)
	assert.True(t, strings.Contains(created.PaymentURL, "amount=0.3&"))

	assert.Len(t, f.recorder.OfType(order.EventOrderCreated), 1)
}

func TestCreateOrder_ByAmount(t *testing.T) {
	f := newFixture(t, nil)

	created, err := f.svc.CreateOrder(context.Background(), CreateOrderRequest{Amount: "0.0001"})
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), created.Order.Amount.AmountMinor)
	assert.Equal(t, "Payment of 0.0001 SOL", created.Order.Message)
}

func TestCreateOrder_RejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	for name, req := range map[string]CreateOrderRequest{
		"empty":          {},
		"zero quantity":  {Quantity: 0},
		"negative":       {Quantity: -1},
		"too many":       {Quantity: 101},
		"both":           {Quantity: 1, Amount: "0.1"},
		"sub-lamport":    {Amount: "0.0000000001"},
		"zero amount":    {Amount: "0"},
		"not a decimal":  {Amount: "lots"},
		"negative money": {Amount: "-0.5"},
	} {
		_, err := f.svc.CreateOrder(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest, name)
	}
	assert.Equal(t, 0, f.store.Len())
}

func TestCreateOrder_RetriesOnCollision(t *testing.T) {
	taken := newKey(t)
	fresh := newKey(t)
	f := newFixture(t, &fixedRefs{keys: []solana.PublicKey{taken, taken, fresh}})

	first, err := f.svc.CreateOrder(context.Background(), CreateOrderRequest{Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, taken, first.Order.Reference)

	second, err := f.svc.CreateOrder(context.Background(), CreateOrderRequest{Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, fresh, second.Order.Reference)
}

func TestCreateOrder_EntropyFailure(t *testing.T) {
	f := newFixture(t, &fixedRefs{err: errors.New("no entropy")})

	_, err := f.svc.CreateOrder(context.Background(), CreateOrderRequest{Quantity: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 0, f.store.Len())
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	ref := newKey(t)
	f.status.status = order.StatusPaid

	status, err := f.svc.Status(context.Background(), ref.String())
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, status)
	assert.Equal(t, ref, f.status.got)

	_, err = f.svc.Status(context.Background(), "not-base58-0OIl")
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestNewService_ValidatesConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := order.NewMemoryStore(clock.NewSystem())
	good := Config{Recipient: newKey(t).String(), UnitPrice: "0.1", OrderTTL: time.Minute}

	for name, mutate := range map[string]func(*Config){
		"recipient": func(c *Config) { c.Recipient = "nope" },
		"price":     func(c *Config) { c.UnitPrice = "0" },
		"precision": func(c *Config) { c.UnitPrice = "0.0000000001" },
		"ttl":       func(c *Config) { c.OrderTTL = 0 },
	} {
		cfg := good
		mutate(&cfg)
		_, err := NewService(cfg, store, nil, nil, nil, clock.NewSystem(), logger)
		assert.Error(t, err, name)
	}

	_, err := NewService(good, store, nil, nil, nil, clock.NewSystem(), logger)
	assert.NoError(t, err)
}
