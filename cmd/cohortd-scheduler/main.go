// Command cohortd-scheduler runs the deferred job worker (dormancy checks)
// and the periodic dormant-user sweep.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cohortd/cohortd/internal/cache"
	"github.com/cohortd/cohortd/internal/catalog"
	"github.com/cohortd/cohortd/internal/clock"
	"github.com/cohortd/cohortd/internal/config"
	"github.com/cohortd/cohortd/internal/database"
	"github.com/cohortd/cohortd/internal/logger"
	"github.com/cohortd/cohortd/internal/observability"
	"github.com/cohortd/cohortd/internal/scheduler"
	"github.com/cohortd/cohortd/internal/segments"
	"github.com/cohortd/cohortd/internal/stats"
	"github.com/cohortd/cohortd/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cohortd-scheduler: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(&cfg.App)
	cfg.LogConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	// 1. Infrastructure
	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	redisClient, err := cache.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	// 2. Domain services
	orderStore := store.NewPostgresOrderStore(pool)
	segmentStore := store.NewPostgresSegmentStore(pool)
	experimentStore := store.NewPostgresExperimentStore(pool)

	defs, err := catalog.New(segmentStore, experimentStore, cfg.Pipeline.CatalogTTL)
	if err != nil {
		return fmt.Errorf("failed to build definition catalog: %w", err)
	}
	defer defs.Close()

	clk := clock.System{}
	engine := segments.NewEngine(defs, stats.NewProvider(orderStore), segmentStore, store.NewPostgresUserLock(pool), clk)
	invalidator := cache.NewInvalidator(cache.NewRedisStore(redisClient))
	metrics := observability.NewMetrics()

	jobs := scheduler.NewRedisJobStore(redisClient, clk)
	checker := scheduler.NewDormancyChecker(orderStore, engine, invalidator, metrics, cfg.Pipeline.DormancyWindow)

	worker := scheduler.NewWorker(jobs, clk, cfg.Pipeline.PollInterval, cfg.Pipeline.RetryBackoff)
	worker.Register(scheduler.DormancyKeyPrefix, checker.Handle)

	sweeper := scheduler.NewSweeper(orderStore, engine, invalidator, clk, cfg.Pipeline.DormancyWindow, cfg.Pipeline.SweepInterval)

	// 3. Observability
	var obsServer *observability.Server
	if cfg.Health.Enabled {
		obsServer = observability.NewServer(log, &cfg.Health,
			observability.NewPostgresChecker(pool),
			observability.NewRedisChecker(redisClient),
		)
		obsServer.Start()

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
			defer cancel()
			if err := obsServer.Shutdown(shutdownCtx); err != nil {
				log.Error("observability server shutdown failed", "error", err)
			}
		}()
	}

	// 4. Run worker and sweeper until shutdown
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = worker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = sweeper.Run(ctx)
	}()
	wg.Wait()

	return nil
}
