package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cohortd/cohortd/internal/logger"
	"github.com/cohortd/cohortd/internal/segments"
	"github.com/cohortd/cohortd/internal/store"
)

// DormancyKeyPrefix namespaces dormancy jobs; one job per user, keyed so a
// newer order's schedule replaces the pending check.
const DormancyKeyPrefix = "dormancy:"

// DormancyKey returns the job key for a user's pending dormancy check.
func DormancyKey(userID string) string {
	return DormancyKeyPrefix + userID
}

// DormancyPayload is the job payload for a deferred dormancy check.
// FireAt minus the window is the timestamp of the order that scheduled it.
type DormancyPayload struct {
	UserID string    `json:"user_id"`
	FireAt time.Time `json:"fire_at"`
}

// Refresher recomputes a user's segment membership.
type Refresher interface {
	Refresh(ctx context.Context, userID string) (segments.Delta, error)
}

// Invalidator drops a user's cached results.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// DormancyRecorder receives dormancy check telemetry.
type DormancyRecorder interface {
	DormancyCheck(outcome string)
}

// Dormancy check outcomes.
const (
	DormancyFired      = "fired"
	DormancySuppressed = "suppressed"
)

// DormancyChecker handles due dormancy jobs: if the user really went quiet
// for the whole window, their time-sensitive segment memberships (recency
// windows, seconds since last order) have drifted, so membership is
// recomputed and the cached results are dropped.
type DormancyChecker struct {
	orders    store.OrderRepository
	refresher Refresher
	cache     Invalidator
	metrics   DormancyRecorder
	window    time.Duration
}

// NewDormancyChecker creates a dormancy check handler.
func NewDormancyChecker(orders store.OrderRepository, refresher Refresher, cache Invalidator, metrics DormancyRecorder, window time.Duration) *DormancyChecker {
	if orders == nil {
		panic("scheduler: order repository cannot be nil")
	}
	if refresher == nil {
		panic("scheduler: refresher cannot be nil")
	}
	if cache == nil {
		panic("scheduler: invalidator cannot be nil")
	}
	if metrics == nil {
		panic("scheduler: recorder cannot be nil")
	}

	return &DormancyChecker{
		orders:    orders,
		refresher: refresher,
		cache:     cache,
		metrics:   metrics,
		window:    window,
	}
}

// Handle executes one dormancy job.
//
// The check is suppressed when an order newer than the one that scheduled it
// exists: that order scheduled its own, later check, and this one is stale
// (replacement normally prevents this, but a job claimed concurrently with a
// reschedule can still fire).
func (c *DormancyChecker) Handle(ctx context.Context, job Job) error {
	var payload DormancyPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		// Unrecoverable payload; re-scheduling would loop forever.
		logger.FromContext(ctx).Error("dropping dormancy job with malformed payload",
			"job_key", job.Key,
			"error", err,
		)
		return nil
	}

	log := logger.FromContext(ctx)

	latest, err := c.orders.GetLatestOrderTimestamp(ctx, payload.UserID)
	if err != nil {
		return fmt.Errorf("dormancy check for user %q: %w", payload.UserID, err)
	}

	schedulingOrderTime := payload.FireAt.Add(-c.window)
	if latest != nil && latest.After(schedulingOrderTime) {
		log.Debug("dormancy check suppressed, newer order exists",
			"user_id", payload.UserID,
			"latest_order", latest,
		)
		c.metrics.DormancyCheck(DormancySuppressed)
		return nil
	}

	delta, err := c.refresher.Refresh(ctx, payload.UserID)
	if err != nil {
		return fmt.Errorf("dormancy check for user %q: %w", payload.UserID, err)
	}

	// A fired check always drops the caches, and a failure re-schedules the
	// job: a retried check whose earlier refresh already committed would
	// otherwise see an empty delta and never re-attempt the invalidation.
	if err := c.cache.Invalidate(ctx, payload.UserID); err != nil {
		return fmt.Errorf("dormancy check for user %q: %w", payload.UserID, err)
	}

	log.Info("dormancy check fired",
		"user_id", payload.UserID,
		"added", delta.Added,
		"removed", delta.Removed,
	)
	c.metrics.DormancyCheck(DormancyFired)
	return nil
}
