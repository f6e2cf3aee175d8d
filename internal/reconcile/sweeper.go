package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"payrecon/internal/common/clock"
	"payrecon/internal/common/events"
	"payrecon/internal/common/metrics"
	"payrecon/internal/order"
)

// SweeperConfig holds background sweep configuration.
type SweeperConfig struct {
	Schedule     string        `envconfig:"SWEEP_SCHEDULE" default:"@every 30s"`
	BatchSize    int           `envconfig:"SWEEP_BATCH_SIZE" default:"100"`
	Retention    time.Duration `envconfig:"ORDER_RETENTION" default:"720h"`
	DrainTimeout time.Duration `envconfig:"SWEEP_DRAIN_TIMEOUT" default:"10s"`
	// ExpiryGrace is how long past its TTL a pending order may stay
	// unverified (ledger unreachable, beyond the batch) before it is
	// expired without a lookup. Zero disables that backstop.
	ExpiryGrace time.Duration `envconfig:"SWEEP_EXPIRY_GRACE" default:"24h"`
}

// Summary counts what one sweep pass touched.
type Summary struct {
	Expired    int
	Purged     int
	Reconciled int
	Paid       int
}

// Job is extra housekeeping run on the sweep schedule.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Sweeper expires stale orders, purges old terminal ones and reconciles
// pending orders nobody is polling.
type Sweeper struct {
	engine    *Engine
	store     order.Store
	publisher events.Publisher
	clock     clock.Clock
	ttl       time.Duration
	cfg       SweeperConfig
	logger    *slog.Logger

	cron *cron.Cron
	jobs []Job

	// passMu serializes passes between the schedule and Drain.
	passMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweeper creates a sweeper. ttl is the order time-to-live.
func NewSweeper(engine *Engine, store order.Store, publisher events.Publisher, clk clock.Clock, ttl time.Duration, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		engine:    engine,
		store:     store,
		publisher: publisher,
		clock:     clk,
		ttl:       ttl,
		cfg:       cfg,
		logger:    logger,
	}
}

// AddJob registers fn to run after each pass. Call before Start.
func (s *Sweeper) AddJob(name string, fn func(ctx context.Context) (int, error)) {
	s.jobs = append(s.jobs, Job{Name: name, Run: fn})
}

// Start schedules passes. Overlapping runs are skipped.
func (s *Sweeper) Start() error {
	if s.cron != nil {
		return errors.New("sweeper already started")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunOnce(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling sweep %q: %w", s.cfg.Schedule, err)
	}

	s.cron = c
	c.Start()
	s.logger.Info("sweeper started", "schedule", s.cfg.Schedule, "ttl", s.ttl, "retention", s.cfg.Retention)
	return nil
}

// Drain stops the schedule, waits for a running pass, then runs one last
// pass bounded by DrainTimeout and ctx.
func (s *Sweeper) Drain(ctx context.Context) error {
	if s.cron != nil {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
			s.cancel()
			return ctx.Err()
		}
		s.cancel()
	}

	if s.cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DrainTimeout)
		defer cancel()
	}

	sum, err := s.RunOnce(ctx)
	s.logger.Info("sweeper drained",
		"expired", sum.Expired,
		"purged", sum.Purged,
		"reconciled", sum.Reconciled,
		"paid", sum.Paid,
	)
	return err
}

// RunOnce performs a single pass: reconcile pending orders oldest first
// (which also expires those past their TTL with no valid payment), purge,
// expire orders left unverified past the grace period, then any registered
// jobs. It keeps going after a failed step and returns the joined errors.
func (s *Sweeper) RunOnce(ctx context.Context) (Summary, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	var (
		sum  Summary
		errs []error
	)

	if s.engine != nil {
		pending, err := s.store.ListPending(ctx, s.cfg.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing pending orders: %w", err))
		}
		for _, o := range pending {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				break
			}
			status, err := s.engine.Status(ctx, o.Reference)
			if err != nil {
				if !errors.Is(err, order.ErrNotFound) {
					errs = append(errs, fmt.Errorf("reconciling %s: %w", o.Reference, err))
				}
				continue
			}
			sum.Reconciled++
			switch status {
			case order.StatusPaid:
				sum.Paid++
			case order.StatusExpired:
				sum.Expired++
			}
		}
		metrics.SweepTouched("reconciled", sum.Reconciled)
	}

	if s.cfg.Retention > 0 {
		purged, err := s.store.Purge(ctx, s.cfg.Retention)
		if err != nil {
			errs = append(errs, fmt.Errorf("purging orders: %w", err))
		}
		sum.Purged = purged
		metrics.SweepTouched("purged", sum.Purged)
	}

	if s.engine == nil || s.cfg.ExpiryGrace > 0 {
		n, err := s.expireAbandoned(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("expiring orders: %w", err))
		}
		sum.Expired += n
	}
	metrics.SweepTouched("expired", sum.Expired)

	for _, job := range s.jobs {
		n, err := job.Run(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
			continue
		}
		if n > 0 {
			s.logger.Debug("sweep job done", "job", job.Name, "count", n)
		}
	}

	if sum.Expired > 0 || sum.Purged > 0 || sum.Paid > 0 {
		s.logger.Info("sweep complete",
			"expired", sum.Expired,
			"purged", sum.Purged,
			"reconciled", sum.Reconciled,
			"paid", sum.Paid,
		)
	}
	return sum, errors.Join(errs...)
}

// expireAbandoned expires pending orders older than ttl plus the grace
// period without consulting the ledger.
func (s *Sweeper) expireAbandoned(ctx context.Context) (int, error) {
	expired, err := s.store.Expire(ctx, s.ttl+s.cfg.ExpiryGrace)
	now := s.clock.Now()
	for _, ref := range expired {
		metrics.OrderTransition(string(order.StatusExpired))
		s.logger.Warn("order expired without verification", "reference", ref.String())
		event, err := order.NewExpiredEvent(ref.String(), now)
		if err != nil {
			continue
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Error("failed to publish event", "type", event.Type, "aggregate_id", event.AggregateID, "error", err)
		}
	}
	return len(expired), err
}

// cronLogger adapts slog to cron's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
