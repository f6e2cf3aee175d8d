package order

import (
	"time"

	"payrecon/internal/common/events"
	"payrecon/internal/common/money"
)

// Event types published over the order lifecycle.
const (
	EventOrderCreated         = "order.created"
	EventOrderPaid            = "order.paid"
	EventOrderExpired         = "order.expired"
	EventOrderPaymentMismatch = "order.payment_mismatch"
)

const aggregateType = "order"

// CreatedEvent is published when an order is stored.
type CreatedEvent struct {
	Reference string      `json:"reference"`
	Recipient string      `json:"recipient"`
	Amount    money.Money `json:"amount"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// PaidEvent is published once an order is settled by a ledger transaction.
type PaidEvent struct {
	Reference  string      `json:"reference"`
	Signature  string      `json:"signature"`
	Slot       uint64      `json:"slot"`
	Amount     money.Money `json:"amount"`
	Commitment string      `json:"commitment"`
	PaidAt     time.Time   `json:"paid_at"`
}

// ExpiredEvent is published when a pending order outlives its TTL.
type ExpiredEvent struct {
	Reference string    `json:"reference"`
	ExpiredAt time.Time `json:"expired_at"`
}

// PaymentMismatchEvent is published when a transaction carrying the
// order's reference fails validation.
type PaymentMismatchEvent struct {
	Reference string      `json:"reference"`
	Signature string      `json:"signature"`
	Reason    string      `json:"reason"`
	Expected  money.Money `json:"expected"`
}

// NewCreatedEvent builds an order.created event.
func NewCreatedEvent(o *Order) (*events.Event, error) {
	return events.NewEvent(EventOrderCreated, aggregateType, o.Reference.String(), CreatedEvent{
		Reference: o.Reference.String(),
		Recipient: o.Recipient.String(),
		Amount:    o.Amount,
		ExpiresAt: o.ExpiresAt,
	})
}

// NewPaidEvent builds an order.paid event.
func NewPaidEvent(o *Order, p *Payment) (*events.Event, error) {
	return events.NewEvent(EventOrderPaid, aggregateType, o.Reference.String(), PaidEvent{
		Reference:  o.Reference.String(),
		Signature:  p.Signature.String(),
		Slot:       p.Slot,
		Amount:     p.Amount,
		Commitment: p.Commitment,
		PaidAt:     p.PaidAt,
	})
}

// NewExpiredEvent builds an order.expired event.
func NewExpiredEvent(ref string, at time.Time) (*events.Event, error) {
	return events.NewEvent(EventOrderExpired, aggregateType, ref, ExpiredEvent{
		Reference: ref,
		ExpiredAt: at,
	})
}

// NewPaymentMismatchEvent builds an order.payment_mismatch event.
func NewPaymentMismatchEvent(o *Order, signature, reason string) (*events.Event, error) {
	return events.NewEvent(EventOrderPaymentMismatch, aggregateType, o.Reference.String(), PaymentMismatchEvent{
		Reference: o.Reference.String(),
		Signature: signature,
		Reason:    reason,
		Expected:  o.Amount,
	})
}
