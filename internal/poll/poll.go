// Package poll waits for an order to be paid by repeatedly asking for its
// status with capped exponential backoff.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"payrecon/internal/order"
)

var (
	ErrTimedOut         = errors.New("order not paid before attempts ran out")
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderExpired     = errors.New("order expired")
	ErrInvalidReference = errors.New("invalid reference")
)

// Delay returns min(base*2^n, max). It saturates at max instead of
// overflowing for large n.
func Delay(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < n; i++ {
		if d > max/2 {
			return max
		}
		d *= 2
	}
	return min(d, max)
}

// StatusChecker asks for an order's current status.
type StatusChecker interface {
	Status(ctx context.Context, ref string) (order.Status, error)
}

// Config controls polling.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig is 25 attempts backing off from 1s to 15s.
func DefaultConfig() Config {
	return Config{MaxAttempts: 25, BaseDelay: time.Second, MaxDelay: 15 * time.Second}
}

// Poller drives a StatusChecker until the order is paid.
type Poller struct {
	checker StatusChecker
	cfg     Config
	logger  *slog.Logger

	// OnAttempt, if set, is called after every status check.
	OnAttempt func(attempt int, status order.Status, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a poller. Zero config fields take DefaultConfig values.
func NewPoller(checker StatusChecker, cfg Config, logger *slog.Logger) *Poller {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return &Poller{checker: checker, cfg: cfg, logger: logger, sleep: sleepContext}
}

// PollUntilPaid returns nil once ref is paid. Failed checks count as
// attempts and polling continues; an unknown, malformed or expired order
// stops immediately. ErrTimedOut after MaxAttempts checks.
func (p *Poller) PollUntilPaid(ctx context.Context, ref string) error {
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		status, err := p.checker.Status(ctx, ref)
		if p.OnAttempt != nil {
			p.OnAttempt(attempt+1, status, err)
		}

		switch {
		case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrInvalidReference):
			return err
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("status check failed",
				"reference", ref,
				"attempt", attempt+1,
				"error", err,
			)
		case status == order.StatusPaid:
			return nil
		case status == order.StatusExpired:
			return ErrOrderExpired
		}

		if attempt == p.cfg.MaxAttempts-1 {
			break
		}
		d := Delay(attempt, p.cfg.BaseDelay, p.cfg.MaxDelay)
		p.logger.Debug("order not paid yet", "reference", ref, "attempt", attempt+1, "retry_in", d)
		if err := p.sleep(ctx, d); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %d attempts", ErrTimedOut, p.cfg.MaxAttempts)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
