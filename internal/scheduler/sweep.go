package scheduler

import (
	"context"
	"time"

	"github.com/cohortd/cohortd/internal/clock"
	"github.com/cohortd/cohortd/internal/logger"
	"github.com/cohortd/cohortd/internal/store"
)

// Sweeper periodically refreshes every user whose latest order is older than
// the dormancy window. It is the safety net behind the per-user deferred
// checks: a job lost outright (Redis flush, dead-lettered event) is corrected
// at the next sweep.
type Sweeper struct {
	orders    store.OrderRepository
	refresher Refresher
	cache     Invalidator
	clock     clock.Clock

	window   time.Duration
	interval time.Duration
}

// NewSweeper creates a dormant-user sweeper. interval zero disables it.
func NewSweeper(orders store.OrderRepository, refresher Refresher, cache Invalidator, clk clock.Clock, window, interval time.Duration) *Sweeper {
	if orders == nil {
		panic("scheduler: order repository cannot be nil")
	}
	if refresher == nil {
		panic("scheduler: refresher cannot be nil")
	}
	if cache == nil {
		panic("scheduler: invalidator cannot be nil")
	}
	if clk == nil {
		panic("scheduler: clock cannot be nil")
	}

	return &Sweeper{
		orders:    orders,
		refresher: refresher,
		cache:     cache,
		clock:     clk,
		window:    window,
		interval:  interval,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)

	if s.interval <= 0 {
		log.Info("dormant-user sweep disabled")
		<-ctx.Done()
		return nil
	}

	log.Info("dormant-user sweeper started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("dormant-user sweeper shutting down")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	log := logger.FromContext(ctx)

	cutoff := s.clock.Now().Add(-s.window)
	userIDs, err := s.orders.ListDormantUserIDs(ctx, cutoff)
	if err != nil {
		log.Error("dormant-user sweep failed to list users", "error", err)
		return
	}

	var refreshed, changed int
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return
		}

		delta, err := s.refresher.Refresh(ctx, userID)
		if err != nil {
			log.Warn("sweep refresh failed", "user_id", userID, "error", err)
			continue
		}
		refreshed++

		if delta.Material() {
			changed++
			if err := s.cache.Invalidate(ctx, userID); err != nil {
				log.Warn("sweep cache invalidation failed", "user_id", userID, "error", err)
			}
		}
	}

	log.Info("dormant-user sweep completed",
		"candidates", len(userIDs),
		"refreshed", refreshed,
		"changed", changed,
	)
}
