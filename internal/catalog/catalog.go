// Package catalog serves the active segment and experiment definitions from a
// short-lived in-process cache, so that hot read and refresh paths do not hit
// PostgreSQL for definitions on every call. The cache is a small consistency
// window, not a correctness mechanism: definitions are reloaded after TTL
// expiry at the latest.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter"

	"github.com/cohortd/cohortd/internal/store"
)

// Single-entry keys: the cached values are whole definition lists.
const (
	keySegments    = "segments"
	keyExperiments = "experiments"
)

// Catalog is a read-through, TTL-bounded view of the definition tables.
// Cached slices are shared between callers and must be treated as immutable.
type Catalog struct {
	segments    store.SegmentRepository
	experiments store.ExperimentRepository

	segmentCache    otter.Cache[string, []*store.Segment]
	experimentCache otter.Cache[string, []*store.Experiment]
}

// New creates a definition catalog over the given repositories.
// ttl bounds how stale a served definition list can be.
func New(segments store.SegmentRepository, experiments store.ExperimentRepository, ttl time.Duration) (*Catalog, error) {
	if segments == nil {
		panic("catalog: segment repository cannot be nil")
	}
	if experiments == nil {
		panic("catalog: experiment repository cannot be nil")
	}

	segmentCache, err := otter.MustBuilder[string, []*store.Segment](8).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build segment catalog cache: %w", err)
	}

	experimentCache, err := otter.MustBuilder[string, []*store.Experiment](8).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build experiment catalog cache: %w", err)
	}

	return &Catalog{
		segments:        segments,
		experiments:     experiments,
		segmentCache:    segmentCache,
		experimentCache: experimentCache,
	}, nil
}

// ActiveSegments returns the active segment definitions, compiled, serving
// from the in-process cache when fresh.
func (c *Catalog) ActiveSegments(ctx context.Context) ([]*store.Segment, error) {
	if cached, ok := c.segmentCache.Get(keySegments); ok {
		return cached, nil
	}

	segments, err := c.segments.ListActiveSegments(ctx)
	if err != nil {
		return nil, err
	}

	c.segmentCache.Set(keySegments, segments)
	return segments, nil
}

// ActiveExperiments returns the active experiment definitions, serving from
// the in-process cache when fresh.
func (c *Catalog) ActiveExperiments(ctx context.Context) ([]*store.Experiment, error) {
	if cached, ok := c.experimentCache.Get(keyExperiments); ok {
		return cached, nil
	}

	experiments, err := c.experiments.ListActiveExperiments(ctx)
	if err != nil {
		return nil, err
	}

	c.experimentCache.Set(keyExperiments, experiments)
	return experiments, nil
}

// Invalidate drops the cached definition lists. Called after administrative
// writes so new definitions take effect without waiting out the TTL.
func (c *Catalog) Invalidate() {
	c.segmentCache.Delete(keySegments)
	c.experimentCache.Delete(keyExperiments)
}

// Close shuts down the cache cleanup goroutines.
func (c *Catalog) Close() {
	c.segmentCache.Close()
	c.experimentCache.Close()
}
