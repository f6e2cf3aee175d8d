// Package reconcile settles pending orders against the ledger.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"

	"payrecon/internal/chain"
	"payrecon/internal/common/clock"
	"payrecon/internal/common/events"
	"payrecon/internal/common/metrics"
	"payrecon/internal/common/middleware"
	"payrecon/internal/common/money"
	"payrecon/internal/order"
	"payrecon/internal/validate"
)

// Config holds engine configuration.
type Config struct {
	// MinCommitment defaults to confirmed; main copies SOLANA_COMMITMENT here.
	MinCommitment chain.Commitment `ignored:"true"`
	// MaxCandidates bounds how many not yet rejected signatures are
	// inspected per query.
	MaxCandidates int `envconfig:"RECONCILE_MAX_CANDIDATES" default:"10"`
}

// maxRejected bounds the set of remembered rejections.
const maxRejected = 10000

// verdict is the outcome of checking one candidate signature.
type verdict int

const (
	verdictRejected  verdict = iota // settled on the ledger and not a valid payment
	verdictUndecided                // unavailable or not yet at the required commitment
	verdictMatched
)

// Engine answers "is this order paid yet?" by consulting the store and
// the ledger. It holds no lock across ledger calls; the store's
// compare-and-swap is the only point of synchronization.
type Engine struct {
	store     order.Store
	lookup    chain.Lookup
	publisher events.Publisher
	clock     clock.Clock
	logger    *slog.Logger

	minCommitment chain.Commitment
	maxCandidates int

	mu       sync.Mutex
	rejected map[string]validate.Reason
}

// NewEngine creates a new reconciliation engine.
func NewEngine(store order.Store, lookup chain.Lookup, publisher events.Publisher, clk clock.Clock, cfg Config, logger *slog.Logger) *Engine {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if cfg.MinCommitment == chain.CommitmentUnknown {
		cfg.MinCommitment = chain.CommitmentConfirmed
	}
	return &Engine{
		store:         store,
		lookup:        lookup,
		publisher:     publisher,
		clock:         clk,
		logger:        logger,
		minCommitment: cfg.MinCommitment,
		maxCandidates: cfg.MaxCandidates,
		rejected:      make(map[string]validate.Reason),
	}
}

// Status returns the order's current status, settling it first if the
// ledger shows a valid payment made before the deadline. A pending order
// past its deadline expires only once the ledger shows no such payment and
// no candidate is still undecided. Ledger failures and rejected candidates
// leave the order pending and are not errors.
func (e *Engine) Status(ctx context.Context, ref solana.PublicKey) (order.Status, error) {
	o, err := e.store.Get(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("loading order: %w", err)
	}
	if o.Status.IsTerminal() {
		return o.Status, nil
	}
	late := o.PastDeadline(e.clock.Now())

	sigs, err := e.lookup.FindReference(ctx, ref, e.minCommitment)
	switch {
	case errors.Is(err, chain.ErrNotFoundYet):
		if late {
			return e.expire(ctx, o)
		}
		return order.StatusPending, nil
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		metrics.ValidationOutcome(string(validate.ReasonLookupFailed))
		e.logger.Warn("reference lookup failed",
			"reference", ref.String(),
			"error", err,
		)
		return order.StatusPending, nil
	}

	undecided := false
	inspected := 0
	for _, sig := range sigs {
		if e.isRejected(ref, sig) {
			continue
		}
		if e.maxCandidates > 0 && inspected == e.maxCandidates {
			undecided = true
			break
		}
		inspected++

		payment, v := e.check(ctx, o, sig)
		switch v {
		case verdictMatched:
			return e.settle(ctx, o, payment)
		case verdictUndecided:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			undecided = true
		}
	}

	if late && !undecided {
		return e.expire(ctx, o)
	}
	return order.StatusPending, nil
}

// check fetches one candidate and validates it against o.
func (e *Engine) check(ctx context.Context, o *order.Order, sig solana.Signature) (*order.Payment, verdict) {
	detail, err := e.lookup.FetchDetail(ctx, sig, e.minCommitment)
	if err != nil {
		reason := validate.ReasonLookupFailed
		if errors.Is(err, chain.ErrNotConfirmedAtLevel) {
			reason = validate.ReasonNotYetConfirmed
		}
		metrics.ValidationOutcome(string(reason))
		e.logger.Debug("candidate not available",
			"reference", o.Reference.String(),
			"signature", sig.String(),
			"error", err,
		)
		return nil, verdictUndecided
	}

	res := validate.Transfer(detail, validate.Expected{
		Recipient: o.Recipient,
		Amount:    o.Amount,
		Reference: o.Reference,
		Memo:      o.Memo,
	}, e.minCommitment)
	if !res.Matched {
		metrics.ValidationOutcome(string(res.Reason))
		if res.Reason == validate.ReasonNotYetConfirmed {
			return nil, verdictUndecided
		}
		e.reject(ctx, o, sig, res.Reason)
		return nil, verdictRejected
	}

	paidAt := e.clock.Now()
	if detail.BlockTime != nil {
		paidAt = detail.BlockTime.UTC()
	}
	if paidAt.After(o.ExpiresAt) {
		metrics.ValidationOutcome(string(validate.ReasonPaidAfterExpiry))
		e.reject(ctx, o, sig, validate.ReasonPaidAfterExpiry)
		return nil, verdictRejected
	}
	metrics.ValidationOutcome("matched")

	return &order.Payment{
		Signature:  sig,
		Slot:       detail.Slot,
		Amount:     money.Lamports(int64(res.Transfer.Lamports)),
		Recipient:  res.Transfer.Destination,
		Commitment: detail.Commitment.String(),
		PaidAt:     paidAt,
	}, verdictMatched
}

func (e *Engine) settle(ctx context.Context, o *order.Order, payment *order.Payment) (order.Status, error) {
	err := e.store.Transition(ctx, o.Reference, order.StatusPending, order.StatusPaid, payment)
	if errors.Is(err, order.ErrStaleOrMissing) {
		metrics.CASConflict()
		return e.reread(ctx, o.Reference)
	}
	if err != nil {
		return "", fmt.Errorf("recording payment: %w", err)
	}

	metrics.OrderTransition(string(order.StatusPaid))
	e.logger.Info("order paid",
		"reference", o.Reference.String(),
		"signature", payment.Signature.String(),
		"slot", payment.Slot,
		"amount", payment.Amount.String(),
	)

	if event, err := order.NewPaidEvent(o, payment); err == nil {
		e.publish(ctx, event)
	}
	return order.StatusPaid, nil
}

func (e *Engine) expire(ctx context.Context, o *order.Order) (order.Status, error) {
	err := e.store.Transition(ctx, o.Reference, order.StatusPending, order.StatusExpired, nil)
	if errors.Is(err, order.ErrStaleOrMissing) {
		metrics.CASConflict()
		return e.reread(ctx, o.Reference)
	}
	if err != nil {
		return "", fmt.Errorf("expiring order: %w", err)
	}

	metrics.OrderTransition(string(order.StatusExpired))
	e.logger.Info("order expired", "reference", o.Reference.String())

	if event, err := order.NewExpiredEvent(o.Reference.String(), e.clock.Now()); err == nil {
		e.publish(ctx, event)
	}
	return order.StatusExpired, nil
}

// reread reports whatever status won a lost compare-and-swap.
func (e *Engine) reread(ctx context.Context, ref solana.PublicKey) (order.Status, error) {
	o, err := e.store.Get(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("re-reading order: %w", err)
	}
	return o.Status, nil
}

func rejectionKey(ref solana.PublicKey, sig solana.Signature) string {
	return ref.String() + "/" + sig.String()
}

// isRejected reports whether sig was already found invalid for ref.
func (e *Engine) isRejected(ref solana.PublicKey, sig solana.Signature) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.rejected[rejectionKey(ref, sig)]
	return ok
}

// reject remembers a settled, invalid candidate so later queries skip it,
// and logs and publishes it the first time it is seen.
func (e *Engine) reject(ctx context.Context, o *order.Order, sig solana.Signature, reason validate.Reason) {
	key := rejectionKey(o.Reference, sig)

	e.mu.Lock()
	_, seen := e.rejected[key]
	if !seen {
		if len(e.rejected) >= maxRejected {
			e.rejected = make(map[string]validate.Reason)
		}
		e.rejected[key] = reason
	}
	e.mu.Unlock()
	if seen {
		return
	}

	e.logger.Warn("payment candidate rejected",
		"reference", o.Reference.String(),
		"signature", sig.String(),
		"reason", string(reason),
		"expected", o.Amount.String(),
	)
	if event, err := order.NewPaymentMismatchEvent(o, sig.String(), string(reason)); err == nil {
		e.publish(ctx, event)
	}
}

func (e *Engine) publish(ctx context.Context, event *events.Event) {
	if id := middleware.GetCorrelationID(ctx); id != "" {
		event.WithCorrelation(id)
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Error("failed to publish event",
			"type", event.Type,
			"aggregate_id", event.AggregateID,
			"error", err,
		)
	}
}
