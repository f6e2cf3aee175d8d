// Package order holds payment orders and the stores that own them.
package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"payrecon/internal/common/money"
)

// Status represents the lifecycle state of an order.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusExpired Status = "expired"
)

// IsTerminal returns true for statuses an order can never leave.
func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusExpired
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed. Only pending
// orders move, and only to a terminal status.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.IsTerminal()
}

var (
	ErrNotFound           = errors.New("order not found")
	ErrDuplicateReference = errors.New("duplicate reference")
	ErrStaleOrMissing     = errors.New("order status changed or order missing")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvalidOrder       = errors.New("invalid order")
)

// Payment records the ledger transaction that settled an order.
type Payment struct {
	Signature  solana.Signature `json:"signature"`
	Slot       uint64           `json:"slot"`
	Amount     money.Money      `json:"amount"`
	Recipient  solana.PublicKey `json:"recipient"`
	Commitment string           `json:"commitment"`
	PaidAt     time.Time        `json:"paid_at"`
}

// Order is a request to be paid Amount at Recipient, tagged by Reference.
type Order struct {
	Reference solana.PublicKey `json:"reference"`
	Recipient solana.PublicKey `json:"recipient"`
	Amount    money.Money      `json:"amount"`
	Quantity  int              `json:"quantity,omitempty"`
	Label     string           `json:"label,omitempty"`
	Message   string           `json:"message,omitempty"`
	Memo      string           `json:"memo,omitempty"`
	Status    Status           `json:"status"`
	Payment   *Payment         `json:"payment,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Params are the caller-supplied parts of a new order.
type Params struct {
	Reference solana.PublicKey
	Recipient solana.PublicKey
	Amount    money.Money
	Quantity  int
	Label     string
	Message   string
	Memo      string
}

// New creates a pending order created at now that expires after ttl.
func New(p Params, now time.Time, ttl time.Duration) (*Order, error) {
	if p.Reference.IsZero() {
		return nil, fmt.Errorf("%w: reference is required", ErrInvalidOrder)
	}
	if p.Recipient.IsZero() {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidOrder)
	}
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	if p.Amount.Currency != money.SOL {
		return nil, fmt.Errorf("%w: unsupported currency %s", ErrInvalidOrder, p.Amount.Currency)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidOrder)
	}

	now = now.UTC()
	return &Order{
		Reference: p.Reference,
		Recipient: p.Recipient,
		Amount:    p.Amount,
		Quantity:  p.Quantity,
		Label:     p.Label,
		Message:   p.Message,
		Memo:      p.Memo,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// PastDeadline reports whether a pending order has outlived its TTL at now.
func (o *Order) PastDeadline(now time.Time) bool {
	return o.Status == StatusPending && !now.Before(o.ExpiresAt)
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	if o.Payment != nil {
		p := *o.Payment
		c.Payment = &p
	}
	return &c
}

// apply moves the order to status to, recording payment when paying.
func (o *Order) apply(to Status, payment *Payment, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	if to == StatusPaid {
		if payment == nil {
			return fmt.Errorf("%w: paid transition needs a payment", ErrInvalidTransition)
		}
		p := *payment
		o.Payment = &p
	}
	o.Status = to
	o.UpdatedAt = now.UTC()
	return nil
}
