// Package payments creates payment orders and answers status queries.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"payrecon/internal/common/clock"
	"payrecon/internal/common/events"
	"payrecon/internal/common/metrics"
	"payrecon/internal/common/money"
	"payrecon/internal/order"
	"payrecon/internal/payrequest"
	"payrecon/internal/reference"
)

var (
	ErrInvalidRequest = errors.New("invalid order request")
	ErrInvalidRef     = errors.New("invalid reference")
)

// mintAttempts bounds retries when a fresh reference collides.
const mintAttempts = 3

// Config holds shop configuration.
type Config struct {
	Recipient   string        `envconfig:"SHOP_RECIPIENT" required:"true"`
	UnitPrice   string        `envconfig:"SHOP_UNIT_PRICE" default:"0.1"`
	Label       string        `envconfig:"SHOP_LABEL" default:"Solana Shirts"`
	Memo        string        `envconfig:"SHOP_MEMO" default:"T-shirt purchase"`
	MaxQuantity int           `envconfig:"SHOP_MAX_QUANTITY" default:"100"`
	OrderTTL    time.Duration `envconfig:"ORDER_TTL" default:"15m"`
}

// ReferenceSource mints order references.
type ReferenceSource interface {
	New() (solana.PublicKey, error)
}

// StatusSource reports, and if possible settles, an order's status.
type StatusSource interface {
	Status(ctx context.Context, ref solana.PublicKey) (order.Status, error)
}

// Service creates orders and resolves their status.
type Service struct {
	store     order.Store
	refs      ReferenceSource
	status    StatusSource
	publisher events.Publisher
	clock     clock.Clock
	logger    *slog.Logger

	recipient   solana.PublicKey
	unitPrice   money.Money
	label       string
	memo        string
	maxQuantity int
	ttl         time.Duration
}

// NewService creates a new payments service.
func NewService(cfg Config, store order.Store, refs ReferenceSource, status StatusSource, publisher events.Publisher, clk clock.Clock, logger *slog.Logger) (*Service, error) {
	recipient, err := solana.PublicKeyFromBase58(cfg.Recipient)
	if err != nil {
		return nil, fmt.Errorf("parsing shop recipient: %w", err)
	}
	unitPrice, err := money.ParseMajor(cfg.UnitPrice, money.SOL)
	if err != nil {
		return nil, fmt.Errorf("parsing unit price: %w", err)
	}
	if !unitPrice.IsPositive() {
		return nil, fmt.Errorf("unit price must be positive, got %s", unitPrice)
	}
	if cfg.OrderTTL <= 0 {
		return nil, fmt.Errorf("order ttl must be positive, got %s", cfg.OrderTTL)
	}
	if refs == nil {
		refs = reference.Generator{}
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	return &Service{
		store:       store,
		refs:        refs,
		status:      status,
		publisher:   publisher,
		clock:       clk,
		logger:      logger,
		recipient:   recipient,
		unitPrice:   unitPrice,
		label:       cfg.Label,
		memo:        cfg.Memo,
		maxQuantity: cfg.MaxQuantity,
		ttl:         cfg.OrderTTL,
	}, nil
}

// CreateOrderRequest asks for either Quantity items at the unit price or
// an explicit decimal SOL Amount. Exactly one must be set.
type CreateOrderRequest struct {
	Quantity int
	Amount   string
}

// CreatedOrder is a stored order plus the URL the payer should open.
type CreatedOrder struct {
	Order      *order.Order
	PaymentURL string
}

// CreateOrder prices the request, mints a reference, stores a pending
// order and returns its payment request URL. It is not idempotent.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreatedOrder, error) {
	amount, message, err := s.price(req)
	if err != nil {
		return nil, err
	}

	var (
		o   *order.Order
		url string
	)
	for attempt := 1; ; attempt++ {
		ref, err := s.refs.New()
		if err != nil {
			return nil, fmt.Errorf("minting reference: %w", err)
		}

		o, err = order.New(order.Params{
			Reference: ref,
			Recipient: s.recipient,
			Amount:    amount,
			Quantity:  req.Quantity,
			Label:     s.label,
			Message:   message,
			Memo:      s.memo,
		}, s.clock.Now(), s.ttl)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}

		url, err = payrequest.Encode(payrequest.Request{
			Recipient:  o.Recipient,
			Amount:     o.Amount,
			References: []solana.PublicKey{o.Reference},
			Label:      o.Label,
			Message:    o.Message,
			Memo:       o.Memo,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding payment request: %w", err)
		}

		err = s.store.Put(ctx, o)
		if err == nil {
			break
		}
		if errors.Is(err, order.ErrDuplicateReference) && attempt < mintAttempts {
			s.logger.Warn("reference collision, minting another", "reference", ref.String())
			continue
		}
		return nil, fmt.Errorf("storing order: %w", err)
	}

	metrics.OrderCreated()
	s.logger.Info("order created",
		"reference", o.Reference.String(),
		"amount", o.Amount.String(),
		"quantity", o.Quantity,
		"expires_at", o.ExpiresAt,
	)

	if event, err := order.NewCreatedEvent(o); err == nil {
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Error("failed to publish event", "type", event.Type, "aggregate_id", event.AggregateID, "error", err)
		}
	}

	return &CreatedOrder{Order: o, PaymentURL: url}, nil
}

func (s *Service) price(req CreateOrderRequest) (money.Money, string, error) {
	switch {
	case req.Quantity != 0 && req.Amount != "":
		return money.Money{}, "", fmt.Errorf("%w: quantity and amount are mutually exclusive", ErrInvalidRequest)
	case req.Amount != "":
		amount, err := money.ParseMajor(req.Amount, money.SOL)
		if err != nil {
			return money.Money{}, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if !amount.IsPositive() {
			return money.Money{}, "", fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
		}
		return amount, fmt.Sprintf("Payment of %s SOL", amount.Major().String()), nil
	case req.Quantity > 0:
		if s.maxQuantity > 0 && req.Quantity > s.maxQuantity {
			return money.Money{}, "", fmt.Errorf("%w: quantity above %d", ErrInvalidRequest, s.maxQuantity)
		}
		amount, err := s.unitPrice.Multiply(int64(req.Quantity))
		if err != nil {
			return money.Money{}, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return amount, fmt.Sprintf("Purchase of %d shirt(s) for %s SOL", req.Quantity, amount.Major().String()), nil
	default:
		return money.Money{}, "", fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
}

// Status parses a base58 reference and returns the order's status.
// order.ErrNotFound for unknown or purged orders.
func (s *Service) Status(ctx context.Context, rawRef string) (order.Status, error) {
	ref, err := reference.Parse(rawRef)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	return s.status.Status(ctx, ref)
}

// Recipient is the shop wallet every order pays.
func (s *Service) Recipient() solana.PublicKey { return s.recipient }

// Order returns the stored order without reconciling it.
func (s *Service) Order(ctx context.Context, rawRef string) (*order.Order, error) {
	ref, err := reference.Parse(rawRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	return s.store.Get(ctx, ref)
}
