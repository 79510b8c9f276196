// Command cohortd-api serves the REST API: user registration, order intake,
// segment and experiment authoring, and the cached read endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cohortd/cohortd/internal/api"
	"github.com/cohortd/cohortd/internal/banners"
	"github.com/cohortd/cohortd/internal/cache"
	"github.com/cohortd/cohortd/internal/catalog"
	"github.com/cohortd/cohortd/internal/clock"
	"github.com/cohortd/cohortd/internal/config"
	"github.com/cohortd/cohortd/internal/database"
	"github.com/cohortd/cohortd/internal/events"
	"github.com/cohortd/cohortd/internal/experiments"
	"github.com/cohortd/cohortd/internal/logger"
	"github.com/cohortd/cohortd/internal/observability"
	"github.com/cohortd/cohortd/internal/segments"
	"github.com/cohortd/cohortd/internal/stats"
	"github.com/cohortd/cohortd/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cohortd-api: %v\n", err)
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

	kafkaWriter := events.NewWriter(&cfg.Kafka)
	defer kafkaWriter.Close()

	// 2. Repositories
	userStore := store.NewPostgresUserStore(pool)
	orderStore := store.NewPostgresOrderStore(pool)
	segmentStore := store.NewPostgresSegmentStore(pool)
	experimentStore := store.NewPostgresExperimentStore(pool)

	// 3. Domain services
	defs, err := catalog.New(segmentStore, experimentStore, cfg.Pipeline.CatalogTTL)
	if err != nil {
		return fmt.Errorf("failed to build definition catalog: %w", err)
	}
	defer defs.Close()

	clk := clock.System{}
	statsProvider := stats.NewProvider(orderStore)
	userLocks := store.NewPostgresUserLock(pool)
	engine := segments.NewEngine(defs, statsProvider, segmentStore, userLocks, clk)
	resolver := experiments.NewResolver(defs, segmentStore)
	mixtures := banners.NewResolver(resolver, clk, cfg.Pipeline.BannerMixtureTTL)

	metrics := observability.NewMetrics()
	coordinator := cache.NewCoordinator(
		cache.NewRedisStore(redisClient),
		resolver,
		mixtures,
		healerFunc(engine.Refresh),
		metrics,
		cfg.Pipeline.ExperimentsTTL,
		cfg.Pipeline.BannerMixtureTTL,
	)

	producer := events.NewProducer(kafkaWriter)

	// 4. HTTP surfaces
	a := api.NewAPI(userStore, orderStore, segmentStore, experimentStore, coordinator, producer, engine, defs)

	server := &http.Server{
		Addr:         ":" + cfg.API.Port,
		Handler:      a.Router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	var obsServer *observability.Server
	if cfg.Health.Enabled {
		obsServer = observability.NewServer(log, &cfg.Health,
			observability.NewPostgresChecker(pool),
			observability.NewRedisChecker(redisClient),
		)
		obsServer.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting api server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("api server shutdown failed", "error", err)
	}
	if obsServer != nil {
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("observability server shutdown failed", "error", err)
		}
	}

	return nil
}

// healerFunc adapts the engine's Refresh to the coordinator's Healer contract.
type healerFunc func(ctx context.Context, userID string) (segments.Delta, error)

func (f healerFunc) Heal(ctx context.Context, userID string) (bool, error) {
	delta, err := f(ctx, userID)
	if err != nil {
		return false, err
	}
	return delta.Material(), nil
}
