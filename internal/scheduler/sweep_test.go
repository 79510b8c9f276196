package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cohortd/cohortd/internal/clock"
	"github.com/cohortd/cohortd/internal/segments"
	"github.com/cohortd/cohortd/internal/store"
)

type sweepOrders struct {
	dormant []string
	err     error
	cutoffs []time.Time
}

func (f *sweepOrders) CreateOrder(context.Context, *store.Order) error { return nil }

func (f *sweepOrders) GetOrders(context.Context, string) ([]*store.Order, error) { return nil, nil }

func (f *sweepOrders) GetLatestOrderTimestamp(context.Context, string) (*time.Time, error) {
	return nil, nil
}

func (f *sweepOrders) ListDormantUserIDs(_ context.Context, cutoff time.Time) ([]string, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.dormant, f.err
}

// perUserRefresher returns a configured delta or error per user ID.
type perUserRefresher struct {
	deltas map[string]segments.Delta
	errs   map[string]error
	calls  []string
}

func (f *perUserRefresher) Refresh(_ context.Context, userID string) (segments.Delta, error) {
	f.calls = append(f.calls, userID)
	if err := f.errs[userID]; err != nil {
		return segments.Delta{}, err
	}
	return f.deltas[userID], nil
}

type sweepInvalidator struct {
	users []string
}

func (f *sweepInvalidator) Invalidate(_ context.Context, userID string) error {
	f.users = append(f.users, userID)
	return nil
}

func TestSweep_RefreshesDormantUsers(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 24, 12, 0, 0, 0, time.UTC)
	orders := &sweepOrders{dormant: []string{"user_a", "user_b", "user_c"}}
	refresher := &perUserRefresher{
		deltas: map[string]segments.Delta{
			"user_a": {Added: []string{"seg_dormant"}},
			// user_b's membership was already correct.
		},
		errs: map[string]error{"user_c": errors.New("db down")},
	}
	invalidator := &sweepInvalidator{}

	sweeper := NewSweeper(orders, refresher, invalidator, &clock.Fixed{T: now}, testWindow, time.Minute)
	sweeper.sweep(context.Background())

	// The cutoff is the window behind now.
	assert.Equal(t, []time.Time{now.Add(-testWindow)}, orders.cutoffs)

	// Everyone is attempted; one failure does not stop the sweep.
	assert.Equal(t, []string{"user_a", "user_b", "user_c"}, refresher.calls)

	// Only the material change invalidates.
	assert.Equal(t, []string{"user_a"}, invalidator.users)
}

func TestSweep_ListFailureAbortsQuietly(t *testing.T) {
	t.Parallel()

	orders := &sweepOrders{err: errors.New("db down")}
	refresher := &perUserRefresher{}

	sweeper := NewSweeper(orders, refresher, &sweepInvalidator{}, &clock.Fixed{T: time.Now()}, testWindow, time.Minute)

	assert.NotPanics(t, func() { sweeper.sweep(context.Background()) })
	assert.Empty(t, refresher.calls)
}

func TestSweeper_DisabledIntervalBlocksUntilCancel(t *testing.T) {
	t.Parallel()

	sweeper := NewSweeper(&sweepOrders{}, &perUserRefresher{}, &sweepInvalidator{}, &clock.Fixed{T: time.Now()}, testWindow, 0)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after context cancellation")
	}
}
