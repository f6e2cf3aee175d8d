package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"payrecon/internal/chain"
	"payrecon/internal/common/api"
	"payrecon/internal/common/clock"
	"payrecon/internal/common/database"
	"payrecon/internal/common/events"
	"payrecon/internal/common/metrics"
	"payrecon/internal/common/middleware"
	natsclient "payrecon/internal/common/nats"
	"payrecon/internal/order"
	"payrecon/internal/payments"
	paymentsapi "payrecon/internal/payments/api"
	"payrecon/internal/reconcile"
	"payrecon/internal/reference"
)

// Config holds service configuration
type Config struct {
	Port        int      `envconfig:"PORT" default:"8080"`
	Environment string   `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string   `envconfig:"LOG_FORMAT" default:"json"`
	OrderStore  string   `envconfig:"ORDER_STORE" default:"memory"`
	CORSOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"5"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"20"`

	Database  database.Config
	Redis     order.RedisConfig
	NATS      natsclient.Config
	Chain     chain.Config
	Shop      payments.Config
	Reconcile reconcile.Config
	Sweep     reconcile.SweeperConfig
}

func main() {
	// A missing .env file is fine; the environment alone may configure us.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}
	cfg.Reconcile.MinCommitment = cfg.Chain.Commitment

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	clk := clock.NewSystem()

	// Order store
	store, storeHealth, closeStore, err := openStore(ctx, cfg, clk, logger)
	if err != nil {
		logger.Error("failed to open order store", "backend", cfg.OrderStore, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// Ledger
	var (
		lookup    chain.Lookup
		devLedger *chain.Ledger
	)
	switch cfg.Chain.Mode {
	case "memory":
		devLedger = chain.NewLedger(clk)
		lookup = devLedger
		logger.Warn("using in-memory ledger; payments must be simulated via /dev/ledger")
	case "rpc":
		lookup = chain.NewRPC(cfg.Chain, logger)
	default:
		logger.Error("unknown ledger mode", "mode", cfg.Chain.Mode)
		os.Exit(1)
	}

	// Events
	var (
		publisher  events.Publisher = events.NopPublisher{}
		natsHealth func() error
	)
	if cfg.NATS.Enabled {
		nc, err := natsclient.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		if _, err := nc.EnsureStream(ctx); err != nil {
			logger.Error("failed to ensure stream", "stream", cfg.NATS.Stream, "error", err)
			os.Exit(1)
		}
		publisher = natsclient.NewPublisher(nc, logger)
		natsHealth = nc.HealthCheck
	}

	// Create services
	engine := reconcile.NewEngine(store, lookup, publisher, clk, cfg.Reconcile, logger)
	paymentService, err := payments.NewService(cfg.Shop, store, reference.Generator{}, engine, publisher, clk, logger)
	if err != nil {
		logger.Error("invalid shop configuration", "error", err)
		os.Exit(1)
	}

	limiter := middleware.NewKeyedLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute)

	sweeper := reconcile.NewSweeper(engine, store, publisher, clk, cfg.Shop.OrderTTL, cfg.Sweep, logger)
	sweeper.AddJob("rate_limit_cleanup", func(context.Context) (int, error) {
		return limiter.Cleanup(), nil
	})
	if err := sweeper.Start(); err != nil {
		logger.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}

	// Create handlers
	paymentsHandler := paymentsapi.NewHandler(paymentService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(metrics.InstrumentHandler)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(chimw.Compress(5))

	// Health check
	checks := map[string]func(context.Context) error{"store": storeHealth}
	if natsHealth != nil {
		checks["nats"] = func(context.Context) error { return natsHealth() }
	}
	r.Get("/health", healthHandler(checks, logger))

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, api.ErrCodeNotFound, "Route not found")
	})

	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(limiter, middleware.ClientIP))
		r.Mount("/api/v1", paymentsHandler.Routes())
		paymentsHandler.MountCompat(r)
	})

	if devLedger != nil {
		r.Mount("/dev/ledger", newDevLedgerHandler(devLedger, paymentService.Recipient(), logger).Routes())
	}

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting payrecon service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"order_store", cfg.OrderStore,
			"ledger_mode", cfg.Chain.Mode,
			"commitment", cfg.Chain.Commitment.String(),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := sweeper.Drain(shutdownCtx); err != nil {
		logger.Error("sweeper drain error", "error", err)
	}

	logger.Info("server stopped")
}

// openStore builds the configured order store. The returned health check
// and closer are never nil.
func openStore(ctx context.Context, cfg Config, clk clock.Clock, logger *slog.Logger) (order.Store, func(context.Context) error, func(), error) {
	switch cfg.OrderStore {
	case "memory":
		return order.NewMemoryStore(clk), func(context.Context) error { return nil }, func() {}, nil

	case "postgres":
		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := order.Migrate(cfg.Database.URL, logger); err != nil {
				db.Close()
				return nil, nil, nil, fmt.Errorf("migrating: %w", err)
			}
		}
		return order.NewPostgresStore(db, clk), db.HealthCheck, db.Close, nil

	case "redis":
		client, err := order.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, nil, err
		}
		health := func(ctx context.Context) error { return client.Ping(ctx).Err() }
		closer := func() {
			if err := client.Close(); err != nil {
				logger.Warn("closing redis client", "error", err)
			}
		}
		return order.NewRedisStore(client, cfg.Redis.KeyPrefix, clk), health, closer, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown order store %q", cfg.OrderStore)
}

// healthHandler runs every named check and answers 503 naming the first
// failure in key order.
func healthHandler(checks map[string]func(context.Context) error, logger *slog.Logger) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				logger.Warn("health check failed", "check", name, "error", err)
				api.ServiceUnavailable(w, name+" unhealthy")
				return
			}
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"status": "healthy", "checks": names})
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
