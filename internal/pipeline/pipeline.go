// Package pipeline wires order events into the segmentation system: each
// order refreshes the user's membership, drops now-stale cached results, and
// schedules the deferred dormancy check.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cohortd/cohortd/internal/clock"
	"github.com/cohortd/cohortd/internal/events"
	"github.com/cohortd/cohortd/internal/logger"
	"github.com/cohortd/cohortd/internal/scheduler"
	"github.com/cohortd/cohortd/internal/segments"
)

// Refresher recomputes a user's segment membership.
type Refresher interface {
	Refresh(ctx context.Context, userID string) (segments.Delta, error)
}

// Invalidator drops a user's cached results.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// Pipeline handles order events. It is safe to replay: the refresh is
// idempotent, invalidation is idempotent, and re-scheduling the dormancy
// check replaces the pending one.
type Pipeline struct {
	refresher Refresher
	cache     Invalidator
	jobs      scheduler.JobStore
	clock     clock.Clock

	dormancyWindow    time.Duration
	invalidateTimeout time.Duration
	scheduleTimeout   time.Duration
}

// New creates the order event pipeline.
func New(refresher Refresher, cache Invalidator, jobs scheduler.JobStore, clk clock.Clock, dormancyWindow, invalidateTimeout, scheduleTimeout time.Duration) *Pipeline {
	if refresher == nil {
		panic("pipeline: refresher cannot be nil")
	}
	if cache == nil {
		panic("pipeline: invalidator cannot be nil")
	}
	if jobs == nil {
		panic("pipeline: job store cannot be nil")
	}
	if clk == nil {
		panic("pipeline: clock cannot be nil")
	}

	return &Pipeline{
		refresher:         refresher,
		cache:             cache,
		jobs:              jobs,
		clock:             clk,
		dormancyWindow:    dormancyWindow,
		invalidateTimeout: invalidateTimeout,
		scheduleTimeout:   scheduleTimeout,
	}
}

// HandleOrderPlaced processes one order event.
//
// Error policy: any failed step returns an error so the consumer retries the
// whole event. Every step tolerates replay: the refresh is idempotent, the
// invalidation runs on every attempt, and re-scheduling replaces the pending
// check.
func (p *Pipeline) HandleOrderPlaced(ctx context.Context, event *events.OrderPlaced) error {
	log := logger.FromContext(ctx)

	delta, err := p.refresher.Refresh(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("order event for user %q: %w", event.UserID, err)
	}

	// Invalidation is unconditional, not gated on the delta: a replayed event
	// whose first attempt lost the invalidation must still drop the entries
	// even though its refresh is now a no-op.
	invCtx, cancel := context.WithTimeout(ctx, p.invalidateTimeout)
	err = p.cache.Invalidate(invCtx, event.UserID)
	cancel()
	if err != nil {
		return fmt.Errorf("order event for user %q: %w", event.UserID, err)
	}

	if err := p.scheduleDormancyCheck(ctx, event.UserID); err != nil {
		return fmt.Errorf("order event for user %q: %w", event.UserID, err)
	}

	log.Info("order event processed",
		"user_id", event.UserID,
		"order_id", event.OrderID,
		"membership_changed", delta.Material(),
	)
	return nil
}

// scheduleDormancyCheck registers the user's single pending dormancy check,
// replacing any earlier one so only the latest order's check fires.
func (p *Pipeline) scheduleDormancyCheck(ctx context.Context, userID string) error {
	fireAt := p.clock.Now().Add(p.dormancyWindow)

	payload, err := json.Marshal(scheduler.DormancyPayload{
		UserID: userID,
		FireAt: fireAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dormancy payload: %w", err)
	}

	schedCtx, cancel := context.WithTimeout(ctx, p.scheduleTimeout)
	defer cancel()

	if err := p.jobs.ScheduleAt(schedCtx, scheduler.DormancyKey(userID), payload, fireAt); err != nil {
		return fmt.Errorf("failed to schedule dormancy check: %w", err)
	}

	return nil
}
