package order

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"

	"payrecon/internal/common/clock"
	"payrecon/internal/common/database"
	"payrecon/internal/common/money"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the orders schema.
func Migrate(databaseURL string, logger *slog.Logger) error {
	return database.Migrate(databaseURL, migrations, "migrations", logger)
}

// PostgresStore implements Store using PostgreSQL. Status CAS is a
// conditional UPDATE, so concurrent service instances can share it.
type PostgresStore struct {
	db    database.Querier
	clock clock.Clock
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db database.Querier, c clock.Clock) *PostgresStore {
	return &PostgresStore{db: db, clock: c}
}

const orderColumns = `
	reference, recipient, amount_minor, currency, quantity, label, message, memo, status,
	payment_signature, payment_slot, payment_amount_minor, payment_recipient, payment_commitment, paid_at,
	created_at, updated_at, expires_at`

// Put inserts the order, reusing the row of an expired order with the
// same reference if one exists.
func (s *PostgresStore) Put(ctx context.Context, o *Order) error {
	query := `
		INSERT INTO orders (
			reference, recipient, amount_minor, currency, quantity, label, message, memo, status,
			created_at, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (reference) DO UPDATE SET
			recipient = EXCLUDED.recipient,
			amount_minor = EXCLUDED.amount_minor,
			currency = EXCLUDED.currency,
			quantity = EXCLUDED.quantity,
			label = EXCLUDED.label,
			message = EXCLUDED.message,
			memo = EXCLUDED.memo,
			status = EXCLUDED.status,
			payment_signature = NULL,
			payment_slot = NULL,
			payment_amount_minor = NULL,
			payment_recipient = NULL,
			payment_commitment = NULL,
			paid_at = NULL,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
		WHERE orders.status = 'expired'
	`

	tag, err := s.db.Exec(ctx, query,
		o.Reference.String(), o.Recipient.String(), o.Amount.AmountMinor, string(o.Amount.Currency),
		o.Quantity, nullStr(o.Label), nullStr(o.Message), nullStr(o.Memo), string(o.Status),
		o.CreatedAt, o.UpdatedAt, o.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, o.Reference)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, ref solana.PublicKey) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE reference = $1`

	o, err := scanOrder(s.db.QueryRow(ctx, query, ref.String()))
	if database.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting order: %w", err)
	}
	return o, nil
}

func (s *PostgresStore) Transition(ctx context.Context, ref solana.PublicKey, from, to Status, payment *Payment) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if to == StatusPaid && payment == nil {
		return fmt.Errorf("%w: paid transition needs a payment", ErrInvalidTransition)
	}

	var (
		sig, recipient, commitment *string
		slot, amount               *int64
		paidAt                     *time.Time
	)
	if payment != nil && to == StatusPaid {
		sig = nullStr(payment.Signature.String())
		recipient = nullStr(payment.Recipient.String())
		commitment = nullStr(payment.Commitment)
		sl := int64(payment.Slot)
		slot = &sl
		amount = &payment.Amount.AmountMinor
		at := payment.PaidAt.UTC()
		paidAt = &at
	}

	query := `
		UPDATE orders SET
			status = $3, updated_at = $4,
			payment_signature = $5, payment_slot = $6, payment_amount_minor = $7,
			payment_recipient = $8, payment_commitment = $9, paid_at = $10
		WHERE reference = $1 AND status = $2
	`
	tag, err := s.db.Exec(ctx, query,
		ref.String(), string(from), string(to), s.clock.Now(),
		sig, slot, amount, recipient, commitment, paidAt,
	)
	if err != nil {
		return fmt.Errorf("updating order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleOrMissing
	}
	return nil
}

func (s *PostgresStore) Expire(ctx context.Context, olderThan time.Duration) ([]solana.PublicKey, error) {
	now := s.clock.Now()
	query := `
		UPDATE orders SET status = 'expired', updated_at = $1
		WHERE status = 'pending' AND created_at < $2
		RETURNING reference
	`

	rows, err := s.db.Query(ctx, query, now, now.Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("expiring orders: %w", err)
	}
	defer rows.Close()

	var refs []solana.PublicKey
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning expired reference: %w", err)
		}
		ref, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding expired reference %q: %w", raw, err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *PostgresStore) Purge(ctx context.Context, retention time.Duration) (int, error) {
	query := `DELETE FROM orders WHERE status <> 'pending' AND updated_at < $1`

	tag, err := s.db.Exec(ctx, query, s.clock.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purging orders: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = 'pending' ORDER BY created_at ASC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                                      Order
		reference, recipient, currency, status string
		label, message, memo                   *string
		paySig, payRecipient, payCommitment    *string
		paySlot, payAmount                     *int64
		paidAt                                 *time.Time
	)

	err := row.Scan(
		&reference, &recipient, &o.Amount.AmountMinor, &currency, &o.Quantity, &label, &message, &memo, &status,
		&paySig, &paySlot, &payAmount, &payRecipient, &payCommitment, &paidAt,
		&o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	if o.Reference, err = solana.PublicKeyFromBase58(reference); err != nil {
		return nil, fmt.Errorf("decoding reference: %w", err)
	}
	if o.Recipient, err = solana.PublicKeyFromBase58(recipient); err != nil {
		return nil, fmt.Errorf("decoding recipient: %w", err)
	}
	o.Amount.Currency = money.Currency(currency)
	o.Status = Status(status)
	o.Label = derefStr(label)
	o.Message = derefStr(message)
	o.Memo = derefStr(memo)

	if paySig != nil {
		p := &Payment{Commitment: derefStr(payCommitment), Amount: money.New(0, o.Amount.Currency)}
		if p.Signature, err = solana.SignatureFromBase58(*paySig); err != nil {
			return nil, fmt.Errorf("decoding payment signature: %w", err)
		}
		if payRecipient != nil {
			if p.Recipient, err = solana.PublicKeyFromBase58(*payRecipient); err != nil {
				return nil, fmt.Errorf("decoding payment recipient: %w", err)
			}
		}
		if paySlot != nil {
			p.Slot = uint64(*paySlot)
		}
		if payAmount != nil {
			p.Amount.AmountMinor = *payAmount
		}
		if paidAt != nil {
			p.PaidAt = paidAt.UTC()
		}
		o.Payment = p
	}

	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	o.ExpiresAt = o.ExpiresAt.UTC()
	return &o, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
