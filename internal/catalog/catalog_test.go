package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortd/cohortd/internal/store"
)

type fakeSegmentRepo struct {
	segments []*store.Segment
	err      error
	calls    int
}

func (f *fakeSegmentRepo) CreateSegment(context.Context, *store.Segment) error { return nil }

func (f *fakeSegmentRepo) ListActiveSegments(context.Context) ([]*store.Segment, error) {
	f.calls++
	return f.segments, f.err
}

func (f *fakeSegmentRepo) GetMembership(context.Context, string) (map[string]struct{}, error) {
	return nil, nil
}

func (f *fakeSegmentRepo) ApplyDelta(context.Context, string, []string, []string) error {
	return nil
}

type fakeExperimentRepo struct {
	experiments []*store.Experiment
	err         error
	calls       int
}

func (f *fakeExperimentRepo) CreateExperiment(context.Context, *store.Experiment) error { return nil }

func (f *fakeExperimentRepo) ListActiveExperiments(context.Context) ([]*store.Experiment, error) {
	f.calls++
	return f.experiments, f.err
}

func newTestCatalog(t *testing.T, segments *fakeSegmentRepo, experiments *fakeExperimentRepo) *Catalog {
	t.Helper()

	c, err := New(segments, experiments, time.Minute)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestActiveSegments_ServedFromCache(t *testing.T) {
	t.Parallel()

	repo := &fakeSegmentRepo{segments: []*store.Segment{{ID: "seg_1", Name: "power_users"}}}
	c := newTestCatalog(t, repo, &fakeExperimentRepo{})

	first, err := c.ActiveSegments(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := c.ActiveSegments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, 1, repo.calls)
}

func TestActiveExperiments_ServedFromCache(t *testing.T) {
	t.Parallel()

	repo := &fakeExperimentRepo{experiments: []*store.Experiment{{ID: "exp_1"}}}
	c := newTestCatalog(t, &fakeSegmentRepo{}, repo)

	_, err := c.ActiveExperiments(context.Background())
	require.NoError(t, err)
	_, err = c.ActiveExperiments(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, repo.calls)
}

func TestInvalidate_ForcesReload(t *testing.T) {
	t.Parallel()

	segRepo := &fakeSegmentRepo{segments: []*store.Segment{{ID: "seg_1"}}}
	expRepo := &fakeExperimentRepo{}
	c := newTestCatalog(t, segRepo, expRepo)

	_, err := c.ActiveSegments(context.Background())
	require.NoError(t, err)
	_, err = c.ActiveExperiments(context.Background())
	require.NoError(t, err)

	// An administrative write changed the definitions.
	segRepo.segments = append(segRepo.segments, &store.Segment{ID: "seg_2"})
	c.Invalidate()

	reloaded, err := c.ActiveSegments(context.Background())
	require.NoError(t, err)
	assert.Len(t, reloaded, 2)

	assert.Equal(t, 2, segRepo.calls)
	_, err = c.ActiveExperiments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, expRepo.calls)
}

func TestActiveSegments_ErrorIsNotCached(t *testing.T) {
	t.Parallel()

	repo := &fakeSegmentRepo{err: errors.New("db down")}
	c := newTestCatalog(t, repo, &fakeExperimentRepo{})

	_, err := c.ActiveSegments(context.Background())
	require.Error(t, err)

	// The failure is retried on the next call instead of being served stale.
	repo.err = nil
	repo.segments = []*store.Segment{{ID: "seg_1"}}

	segments, err := c.ActiveSegments(context.Background())
	require.NoError(t, err)
	assert.Len(t, segments, 1)
}
