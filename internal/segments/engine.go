// Package segments owns segment membership: it recomputes which segments a
// user belongs to from their live statistics and persists the difference.
// Refreshes for the same user are serialized; different users proceed
// concurrently.
package segments

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cohortd/cohortd/internal/clock"
	"github.com/cohortd/cohortd/internal/logger"
	"github.com/cohortd/cohortd/internal/rules"
	"github.com/cohortd/cohortd/internal/stats"
	"github.com/cohortd/cohortd/internal/store"
)

// Delta describes how a refresh changed the user's membership.
// Both slices are sorted for deterministic logs and tests.
type Delta struct {
	Added   []string
	Removed []string
}

// Material reports whether the refresh changed anything. Immaterial deltas
// let callers skip cache invalidation.
func (d Delta) Material() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0
}

// DefinitionSource provides the segment definitions to evaluate against.
type DefinitionSource interface {
	ActiveSegments(ctx context.Context) ([]*store.Segment, error)
}

// StatsSource computes the user's current statistics.
type StatsSource interface {
	Compute(ctx context.Context, userID string, now time.Time) (*stats.UserStats, error)
}

// UserLocker serializes refreshes for the same user across processes. The
// release function must be called exactly once.
type UserLocker interface {
	Acquire(ctx context.Context, userID string) (release func(), err error)
}

// Engine recomputes segment membership for one user at a time (per user).
type Engine struct {
	definitions DefinitionSource
	stats       StatsSource
	memberships store.SegmentRepository
	locker      UserLocker
	clock       clock.Clock

	locks *keyedMutex
}

// NewEngine creates a membership engine.
func NewEngine(definitions DefinitionSource, statsSource StatsSource, memberships store.SegmentRepository, locker UserLocker, clk clock.Clock) *Engine {
	if definitions == nil {
		panic("segments: definition source cannot be nil")
	}
	if statsSource == nil {
		panic("segments: stats source cannot be nil")
	}
	if memberships == nil {
		panic("segments: membership repository cannot be nil")
	}
	if locker == nil {
		panic("segments: user locker cannot be nil")
	}
	if clk == nil {
		panic("segments: clock cannot be nil")
	}

	return &Engine{
		definitions: definitions,
		stats:       statsSource,
		memberships: memberships,
		locker:      locker,
		clock:       clk,
		locks:       newKeyedMutex(),
	}
}

// Refresh recomputes the user's segment membership against all active segment
// definitions and persists only the difference. It is idempotent: a second
// call with unchanged stats and definitions yields an empty delta.
//
// Concurrent refreshes for the same user are serialized, in-process by a
// keyed mutex and across processes by the user lock, which is held from the
// stats read through the membership write; the later caller re-reads state
// after the earlier one commits, so both converge.
func (e *Engine) Refresh(ctx context.Context, userID string) (Delta, error) {
	e.locks.Lock(userID)
	defer e.locks.Unlock(userID)

	release, err := e.locker.Acquire(ctx, userID)
	if err != nil {
		return Delta{}, fmt.Errorf("membership refresh for user %q: %w", userID, err)
	}
	defer release()

	log := logger.FromContext(ctx)

	userStats, err := e.stats.Compute(ctx, userID, e.clock.Now())
	if err != nil {
		return Delta{}, fmt.Errorf("membership refresh for user %q: %w", userID, err)
	}

	definitions, err := e.definitions.ActiveSegments(ctx)
	if err != nil {
		return Delta{}, fmt.Errorf("membership refresh for user %q: %w", userID, err)
	}

	current, err := e.memberships.GetMembership(ctx, userID)
	if err != nil {
		return Delta{}, fmt.Errorf("membership refresh for user %q: %w", userID, err)
	}

	desired := make(map[string]struct{}, len(definitions))
	for _, seg := range definitions {
		if seg.Compiled == nil {
			// Uncompilable definition: fail closed, user never matches it.
			log.Warn("skipping segment with invalid rule tree",
				"segment_id", seg.ID,
				"segment_name", seg.Name,
			)
			continue
		}
		if rules.Evaluate(seg.Compiled, userStats) {
			desired[seg.ID] = struct{}{}
		}
	}

	delta := diff(current, desired)
	if !delta.Material() {
		return delta, nil
	}

	if err := e.memberships.ApplyDelta(ctx, userID, delta.Added, delta.Removed); err != nil {
		return Delta{}, fmt.Errorf("membership refresh for user %q: %w", userID, err)
	}

	log.Info("segment membership updated",
		"user_id", userID,
		"added", delta.Added,
		"removed", delta.Removed,
	)

	return delta, nil
}

func diff(current, desired map[string]struct{}) Delta {
	var d Delta
	for id := range desired {
		if _, ok := current[id]; !ok {
			d.Added = append(d.Added, id)
		}
	}
	for id := range current {
		if _, ok := desired[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	return d
}
