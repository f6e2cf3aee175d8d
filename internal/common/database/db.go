package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNoURL = errors.New("DATABASE_URL is required")

// Config holds database configuration
type Config struct {
	URL              string        `envconfig:"DATABASE_URL"`
	ApplicationName  string        `envconfig:"DATABASE_APPLICATION_NAME" default:"payrecon"`
	MaxConns         int32         `envconfig:"DATABASE_MAX_CONNS" default:"10"`
	MinConns         int32         `envconfig:"DATABASE_MIN_CONNS" default:"1"`
	MaxConnLifetime  time.Duration `envconfig:"DATABASE_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime  time.Duration `envconfig:"DATABASE_MAX_CONN_IDLE_TIME" default:"30m"`
	StatementTimeout time.Duration `envconfig:"DATABASE_STATEMENT_TIMEOUT" default:"5s"`
	ConnectAttempts  int           `envconfig:"DATABASE_CONNECT_ATTEMPTS" default:"5"`
	AutoMigrate      bool          `envconfig:"DATABASE_AUTO_MIGRATE" default:"true"`
}

// Querier is the subset of pgx the order store issues statements through.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
	_ Querier = (*DB)(nil)
)

// DB is a connection pool to the orders database.
type DB struct {
	*pgxpool.Pool
	logger *slog.Logger
}

// New opens the pool, retrying the initial ping while the server comes up.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = cfg.MinConns
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	params := poolConfig.ConnConfig.RuntimeParams
	if cfg.ApplicationName != "" {
		params["application_name"] = cfg.ApplicationName
	}
	if cfg.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	attempts := max(cfg.ConnectAttempts, 1)
	wait := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err = pool.Ping(ctx)
		if err == nil {
			break
		}
		if attempt >= attempts {
			pool.Close()
			return nil, fmt.Errorf("pinging database after %d attempts: %w", attempt, err)
		}
		logger.Warn("database not reachable yet", "attempt", attempt, "retry_in", wait, "error", err)
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}

	logger.Info("database connection established",
		"max_conns", poolConfig.MaxConns,
		"statement_timeout", cfg.StatementTimeout,
	)
	return &DB{Pool: pool, logger: logger}, nil
}

// HealthCheck pings the database with a short deadline.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is pgx's no-rows error.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
