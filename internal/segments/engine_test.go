package segments

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortd/cohortd/internal/clock"
	"github.com/cohortd/cohortd/internal/rules"
	"github.com/cohortd/cohortd/internal/stats"
	"github.com/cohortd/cohortd/internal/store"
)

type fakeDefinitions struct {
	segments []*store.Segment
	err      error
}

func (f *fakeDefinitions) ActiveSegments(context.Context) ([]*store.Segment, error) {
	return f.segments, f.err
}

type fakeStats struct {
	stats *stats.UserStats
	err   error
}

func (f *fakeStats) Compute(context.Context, string, time.Time) (*stats.UserStats, error) {
	return f.stats, f.err
}

// fakeMembershipStore keeps membership in memory and records ApplyDelta calls.
type fakeMembershipStore struct {
	mu         sync.Mutex
	membership map[string]map[string]struct{}
	applyCalls int
	applyErr   error
}

func newFakeMembershipStore() *fakeMembershipStore {
	return &fakeMembershipStore{membership: make(map[string]map[string]struct{})}
}

func (f *fakeMembershipStore) CreateSegment(context.Context, *store.Segment) error { return nil }

func (f *fakeMembershipStore) ListActiveSegments(context.Context) ([]*store.Segment, error) {
	return nil, nil
}

func (f *fakeMembershipStore) GetMembership(_ context.Context, userID string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]struct{}, len(f.membership[userID]))
	for id := range f.membership[userID] {
		out[id] = struct{}{}
	}
	return out, nil
}

func (f *fakeMembershipStore) ApplyDelta(_ context.Context, userID string, added, removed []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.applyCalls++
	if f.applyErr != nil {
		return f.applyErr
	}

	if f.membership[userID] == nil {
		f.membership[userID] = make(map[string]struct{})
	}
	for _, id := range added {
		f.membership[userID][id] = struct{}{}
	}
	for _, id := range removed {
		delete(f.membership[userID], id)
	}
	return nil
}

// fakeLocker records acquisitions and releases; it does not block, the local
// keyed mutex already serializes in-process callers.
type fakeLocker struct {
	mu       sync.Mutex
	acquired []string
	released int
	err      error
}

func (f *fakeLocker) Acquire(_ context.Context, userID string) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}

	f.mu.Lock()
	f.acquired = append(f.acquired, userID)
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}, nil
}

func segment(t *testing.T, id, tree string) *store.Segment {
	t.Helper()

	compiled, err := rules.Compile(json.RawMessage(tree))
	require.NoError(t, err)

	return &store.Segment{
		ID:       id,
		Name:     id,
		RuleTree: json.RawMessage(tree),
		Compiled: compiled,
	}
}

func powerUserStats() *stats.UserStats {
	seconds := int64(3600)
	city := "berlin"
	return &stats.UserStats{
		TotalOrders:           30,
		LTV:                   decimal.RequireFromString("900.00"),
		SecondsSinceLastOrder: &seconds,
		City:                  &city,
	}
}

func TestRefresh_AddsMatchingSegments(t *testing.T) {
	t.Parallel()

	defs := &fakeDefinitions{segments: []*store.Segment{
		segment(t, "seg_power", `{"field": "total_orders", "op": "gte", "value": 25}`),
		segment(t, "seg_berlin", `{"field": "city", "op": "eq", "value": "berlin"}`),
		segment(t, "seg_new", `{"field": "is_new_user", "op": "eq", "value": true}`),
	}}
	memberships := newFakeMembershipStore()
	engine := NewEngine(defs, &fakeStats{stats: powerUserStats()}, memberships, &fakeLocker{}, &clock.Fixed{T: time.Now()})

	delta, err := engine.Refresh(context.Background(), "user_1")

	require.NoError(t, err)
	assert.Equal(t, []string{"seg_berlin", "seg_power"}, delta.Added)
	assert.Empty(t, delta.Removed)
	assert.True(t, delta.Material())

	current, err := memberships.GetMembership(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Len(t, current, 2)
}

func TestRefresh_Idempotent(t *testing.T) {
	t.Parallel()

	defs := &fakeDefinitions{segments: []*store.Segment{
		segment(t, "seg_power", `{"field": "total_orders", "op": "gte", "value": 25}`),
	}}
	memberships := newFakeMembershipStore()
	engine := NewEngine(defs, &fakeStats{stats: powerUserStats()}, memberships, &fakeLocker{}, &clock.Fixed{T: time.Now()})

	first, err := engine.Refresh(context.Background(), "user_1")
	require.NoError(t, err)
	require.True(t, first.Material())

	second, err := engine.Refresh(context.Background(), "user_1")
	require.NoError(t, err)

	assert.False(t, second.Material())
	assert.Empty(t, second.Added)
	assert.Empty(t, second.Removed)

	// The second refresh must not touch the store at all.
	assert.Equal(t, 1, memberships.applyCalls)
}

func TestRefresh_RemovesStaleMemberships(t *testing.T) {
	t.Parallel()

	defs := &fakeDefinitions{segments: []*store.Segment{
		segment(t, "seg_dormant", `{"field": "seconds_since_last_order", "op": "gt", "value": 86400}`),
		segment(t, "seg_power", `{"field": "total_orders", "op": "gte", "value": 25}`),
	}}
	memberships := newFakeMembershipStore()
	memberships.membership["user_1"] = map[string]struct{}{
		"seg_dormant": {},
		"seg_gone":    {}, // definition no longer exists
	}

	engine := NewEngine(defs, &fakeStats{stats: powerUserStats()}, memberships, &fakeLocker{}, &clock.Fixed{T: time.Now()})

	delta, err := engine.Refresh(context.Background(), "user_1")

	require.NoError(t, err)
	assert.Equal(t, []string{"seg_power"}, delta.Added)
	assert.Equal(t, []string{"seg_dormant", "seg_gone"}, delta.Removed)
}

func TestRefresh_SkipsUncompilableSegment(t *testing.T) {
	t.Parallel()

	broken := &store.Segment{ID: "seg_broken", Name: "broken", Compiled: nil}
	defs := &fakeDefinitions{segments: []*store.Segment{
		broken,
		segment(t, "seg_power", `{"field": "total_orders", "op": "gte", "value": 25}`),
	}}
	memberships := newFakeMembershipStore()
	engine := NewEngine(defs, &fakeStats{stats: powerUserStats()}, memberships, &fakeLocker{}, &clock.Fixed{T: time.Now()})

	delta, err := engine.Refresh(context.Background(), "user_1")

	require.NoError(t, err)
	assert.Equal(t, []string{"seg_power"}, delta.Added)
	assert.NotContains(t, delta.Added, "seg_broken")
}

func TestRefresh_PropagatesSourceErrors(t *testing.T) {
	t.Parallel()

	t.Run("stats error", func(t *testing.T) {
		t.Parallel()

		engine := NewEngine(
			&fakeDefinitions{},
			&fakeStats{err: errors.New("db down")},
			newFakeMembershipStore(),
			&fakeLocker{},
			&clock.Fixed{T: time.Now()},
		)

		_, err := engine.Refresh(context.Background(), "user_1")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "user_1")
	})

	t.Run("definitions error", func(t *testing.T) {
		t.Parallel()

		engine := NewEngine(
			&fakeDefinitions{err: errors.New("catalog unavailable")},
			&fakeStats{stats: powerUserStats()},
			newFakeMembershipStore(),
			&fakeLocker{},
			&clock.Fixed{T: time.Now()},
		)

		_, err := engine.Refresh(context.Background(), "user_1")

		require.Error(t, err)
	})

	t.Run("persistence error", func(t *testing.T) {
		t.Parallel()

		memberships := newFakeMembershipStore()
		memberships.applyErr = errors.New("tx aborted")

		engine := NewEngine(
			&fakeDefinitions{segments: []*store.Segment{
				segment(t, "seg_power", `{"field": "total_orders", "op": "gte", "value": 25}`),
			}},
			&fakeStats{stats: powerUserStats()},
			memberships,
			&fakeLocker{},
			&clock.Fixed{T: time.Now()},
		)

		_, err := engine.Refresh(context.Background(), "user_1")

		require.Error(t, err)
	})
}

func TestRefresh_ConcurrentSameUserConverges(t *testing.T) {
	t.Parallel()

	defs := &fakeDefinitions{segments: []*store.Segment{
		segment(t, "seg_power", `{"field": "total_orders", "op": "gte", "value": 25}`),
	}}
	memberships := newFakeMembershipStore()
	locker := &fakeLocker{}
	engine := NewEngine(defs, &fakeStats{stats: powerUserStats()}, memberships, locker, &clock.Fixed{T: time.Now()})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Refresh(context.Background(), "user_1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Refreshes are serialized per user: only the first one sees a material
	// delta and writes.
	assert.Equal(t, 1, memberships.applyCalls)

	// Every refresh took and returned the user lock.
	assert.Len(t, locker.acquired, 10)
	assert.Equal(t, 10, locker.released)

	current, err := memberships.GetMembership(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Len(t, current, 1)
}

func TestRefresh_UserLock(t *testing.T) {
	t.Parallel()

	t.Run("held for the refresh and released", func(t *testing.T) {
		t.Parallel()

		defs := &fakeDefinitions{segments: []*store.Segment{
			segment(t, "seg_power", `{"field": "total_orders", "op": "gte", "value": 25}`),
		}}
		locker := &fakeLocker{}
		engine := NewEngine(defs, &fakeStats{stats: powerUserStats()}, newFakeMembershipStore(), locker, &clock.Fixed{T: time.Now()})

		_, err := engine.Refresh(context.Background(), "user_1")

		require.NoError(t, err)
		assert.Equal(t, []string{"user_1"}, locker.acquired)
		assert.Equal(t, 1, locker.released)
	})

	t.Run("released when the refresh fails mid-way", func(t *testing.T) {
		t.Parallel()

		locker := &fakeLocker{}
		engine := NewEngine(&fakeDefinitions{}, &fakeStats{err: errors.New("db down")}, newFakeMembershipStore(), locker, &clock.Fixed{T: time.Now()})

		_, err := engine.Refresh(context.Background(), "user_1")

		require.Error(t, err)
		assert.Equal(t, 1, locker.released)
	})

	t.Run("acquisition failure aborts the refresh", func(t *testing.T) {
		t.Parallel()

		locker := &fakeLocker{err: errors.New("pool exhausted")}
		engine := NewEngine(&fakeDefinitions{}, &fakeStats{stats: powerUserStats()}, newFakeMembershipStore(), locker, &clock.Fixed{T: time.Now()})

		_, err := engine.Refresh(context.Background(), "user_1")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "user_1")
	})
}
