/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loan ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file, LOANLEDGER_* environment, flags)
  2. Build the zap logger
  3. Load the product catalog
  4. Open the SQL store (SQLite or PostgreSQL)
  5. Choose the loan locker (in-process or Redis)
  6. Create the engine, router and accrual scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config     TOML config file (default: loan-ledger.toml, optional)
  -port       HTTP server port (default: 8080)
  -db-driver  sqlite3 or postgres (default: sqlite3)
  -db         Database DSN (default: loans.db)
              Use ":memory:" for an in-memory SQLite database
  -products   Product catalog file (default: configs/products.toml)
  -lock       memory or redis (default: memory)
  -redis      Redis address for -lock=redis
  -log-level  debug, info, warn, error
  -accruals   Run the periodic accrual job (default: true)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the accrual scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database and Redis connections

EXAMPLES:
  # Run with file database
  ./server -db="./data/loans.db"

  # Run against PostgreSQL with a shared Redis lock
  ./server -db-driver=postgres -db="postgres://ledger@db/ledger?sslmode=disable" \
           -lock=redis -redis=redis:6379

SEE ALSO:
  - config/config.go: Configuration layers
  - api/server.go: Router configuration
  - store/sqlstore/sqlstore.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/warp/loan-ledger/api"
	"github.com/warp/loan-ledger/config"
	"github.com/warp/loan-ledger/factory"
	"github.com/warp/loan-ledger/loan"
	"github.com/warp/loan-ledger/metrics"
	"github.com/warp/loan-ledger/store/redislock"
	"github.com/warp/loan-ledger/store/sqlstore"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// Flags: -config is read first so the file can seed the other defaults
	pre := flag.NewFlagSet("server", flag.ContinueOnError)
	pre.SetOutput(nopWriter{})
	configPath := pre.String("config", "loan-ledger.toml", "TOML config file")
	_ = pre.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.String("config", *configPath, "TOML config file")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	catalog, err := factory.LoadCatalog(cfg.ProductsFile)
	if err != nil {
		return err
	}
	logger.Info("product catalog loaded",
		zap.String("file", cfg.ProductsFile),
		zap.Int("products", len(catalog.Products())),
		zap.Int("gl_accounts", catalog.Chart().Len()))

	ctx := context.Background()
	store, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	locker, closeLocker, err := newLocker(ctx, cfg.Lock, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := loan.NewEngine(store, catalog,
		loan.WithLocker(locker),
		loan.WithLogger(logger.Named("engine")),
		loan.WithMetrics(metrics.New(reg)),
		loan.WithAccrualWorkers(cfg.Accrual.Workers),
		loan.WithAutoExternalIDs(cfg.AutoExternalIDs),
	)

	handler := api.NewHandler(engine, catalog, logger.Named("api"))
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	scheduler := api.NewAccrualScheduler(engine, logger)
	scheduler.CheckInterval = cfg.Accrual.GetInterval()
	scheduler.Enabled = cfg.Accrual.Enabled
	scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db_driver", cfg.Database.Driver),
			zap.String("lock", cfg.Lock.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func newLocker(ctx context.Context, cfg config.LockConfig, logger *zap.Logger) (loan.Locker, func(), error) {
	if cfg.Backend != "redis" {
		return loan.NewKeyedMutex(), func() {}, nil
	}
	client := redislock.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	l := redislock.New(client,
		redislock.WithTTL(cfg.GetTTL()),
		redislock.WithLogger(logger.Named("lock")),
	)
	return l, func() { l.Close() }, nil
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
