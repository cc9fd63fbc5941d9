/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the leave engine HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment (config.Load)
  2. Open the store (SQLite or Postgres, DB_DRIVER)
  3. Connect Redis if REDIS_ADDR is set: balance cache, absence lock,
     asynq audit queue
  4. Load the entitlement rule set (RULES_FILE, built-in defaults otherwise)
  5. Build ledger → synchronizer → handler → router
  6. Start the fiscal-year scheduler and the HTTP server

EVENTS:
  Events always go to the log. With Redis they are also enqueued for the
  audit worker (cmd/worker); without it they are written to the audit log
  directly.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis, the asynq client and the store

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
  - cmd/worker/main.go: Audit worker
*/
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/warp/leave-engine/api"
	"github.com/warp/leave-engine/cache"
	"github.com/warp/leave-engine/config"
	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/events"
	"github.com/warp/leave-engine/factory"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/metrics"
	"github.com/warp/leave-engine/orchestrator"
	"github.com/warp/leave-engine/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Store
	backend, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("store ready", slog.String("driver", cfg.DBDriver))

	// Rules
	rules, err := factory.NewRuleSetFactory().LoadFile(cfg.RulesFile)
	if err != nil {
		return err
	}

	m := metrics.New()
	ledgerOpts := append(cfg.LedgerOptions(), ledger.WithObserver(m), ledger.WithLogger(logger))
	syncOpts := []orchestrator.Option{orchestrator.WithObserver(m), orchestrator.WithLogger(logger)}
	sinks := events.MultiSink{events.NewLogSink(logger)}

	// Redis: cache, lock, audit queue
	if cfg.RedisEnabled() {
		redisClient, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		ledgerOpts = append(ledgerOpts, ledger.WithCache(cache.NewBalanceCache(redisClient, cfg.BalanceCacheTTL)))
		syncOpts = append(syncOpts, orchestrator.WithLocker(cache.NewLocker(redisClient)))

		queue := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := queue.Close(); err != nil {
				logger.Warn("asynq client close", slog.Any("error", err))
			}
		}()
		sinks = append(sinks, events.NewAsynqSink(queue))
		logger.Info("redis enabled", slog.String("addr", cfg.RedisAddr))
	} else {
		sinks = append(sinks, events.SinkFunc(func(ctx context.Context, e events.Event) error {
			return backend.AppendAudit(ctx, events.EntryFromEvent(e))
		}))
	}

	calculator := entitlement.NewCalculator(rules.Rules)
	seeder := entitlement.NewSeeder(backend, calculator, logger)
	l := ledger.New(backend, seeder, ledgerOpts...)
	publisher := events.NewPublisher(sinks, logger, m)
	synchronizer := orchestrator.New(l, rules.Mapping, publisher, cfg.SynchronizerConfig(rules.HoursPerDay), syncOpts...)

	handler := api.NewHandler(api.Deps{
		Synchronizer: synchronizer,
		Calculator:   calculator,
		Directory:    backend,
		Absences:     backend,
		Audit:        backend,
		Publisher:    publisher,
		Logger:       logger,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Metrics:            m,
	})

	// Fiscal-year opening
	scheduler := api.NewFiscalYearScheduler(
		&api.YearOpener{Ledger: l, Directory: backend, Publisher: publisher, Logger: logger},
		l.Calendar(), logger)
	scheduler.CheckInterval = cfg.FiscalYearCheckInterval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
