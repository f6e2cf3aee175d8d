package order

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrecon/internal/common/money"
)

func TestNew_Validates(t *testing.T) {
	ref := newRef(t)
	recipient := newRef(t)

	cases := map[string]Params{
		"no reference":  {Recipient: recipient, Amount: money.Lamports(1)},
		"no recipient":  {Reference: ref, Amount: money.Lamports(1)},
		"zero amount":   {Reference: ref, Recipient: recipient, Amount: money.Lamports(0)},
		"negative":      {Reference: ref, Recipient: recipient, Amount: money.Lamports(-5)},
		"non-SOL asset": {Reference: ref, Recipient: recipient, Amount: money.New(5, money.Currency("USDC"))},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(p, epoch, testTTL)
			assert.ErrorIs(t, err, ErrInvalidOrder)
		})
	}

	_, err := New(Params{Reference: ref, Recipient: recipient, Amount: money.Lamports(1)}, epoch, 0)
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestNew_SetsDeadline(t *testing.T) {
	o, err := New(Params{Reference: newRef(t), Recipient: newRef(t), Amount: money.Lamports(1)}, epoch, testTTL)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, epoch.Add(testTTL), o.ExpiresAt)
	assert.False(t, o.PastDeadline(epoch.Add(testTTL-time.Nanosecond)))
	assert.True(t, o.PastDeadline(epoch.Add(testTTL)))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusPaid))
	assert.True(t, CanTransition(StatusPending, StatusExpired))
	assert.False(t, CanTransition(StatusPending, StatusPending))
	assert.False(t, CanTransition(StatusPaid, StatusExpired))
	assert.False(t, CanTransition(StatusExpired, StatusPaid))
	assert.False(t, CanTransition(StatusPaid, StatusPending))
}

func TestClone_IsDeep(t *testing.T) {
	o := &Order{Reference: solana.PublicKey{1}, Payment: &Payment{Slot: 7}}
	c := o.Clone()
	c.Payment.Slot = 8
	assert.Equal(t, uint64(7), o.Payment.Slot)
}

func TestApply_PaidNeedsPayment(t *testing.T) {
	o := &Order{Status: StatusPending}
	assert.ErrorIs(t, o.apply(StatusPaid, nil, epoch), ErrInvalidTransition)
	assert.Equal(t, StatusPending, o.Status)
}
