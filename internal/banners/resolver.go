// Package banners builds a user's banner mixture: a small random sample drawn
// from the banner pools of the variants the user was assigned across their
// experiments. The sample is random per computation; stability over time comes
// from the cache layer, not from this package.
package banners

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/cohortd/cohortd/internal/clock"
	"github.com/cohortd/cohortd/internal/experiments"
)

// MixtureSize is the number of banners served per user.
const MixtureSize = 3

// Mixture is the banner selection computed for a user, with its lifetime
// metadata. Banners are sorted ascending and contain no duplicates.
type Mixture struct {
	Banners             []int64   `json:"banners"`
	SourceExperimentIDs []string  `json:"source_experiment_ids"`
	AssignedAt          time.Time `json:"assigned_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	TTLSeconds          int64     `json:"ttl_seconds"`
}

// AssignmentSource resolves the user's experiment assignments.
type AssignmentSource interface {
	Resolve(ctx context.Context, userID string) ([]experiments.Resolved, error)
}

// Resolver computes banner mixtures from experiment assignments.
type Resolver struct {
	assignments AssignmentSource
	clock       clock.Clock
	ttl         time.Duration
	intN        func(n int) int
}

// NewResolver creates a banner mixture resolver. ttl is the mixture lifetime
// stamped into the result (the cache layer enforces it).
func NewResolver(assignments AssignmentSource, clk clock.Clock, ttl time.Duration) *Resolver {
	if assignments == nil {
		panic("banners: assignment source cannot be nil")
	}
	if clk == nil {
		panic("banners: clock cannot be nil")
	}
	return &Resolver{
		assignments: assignments,
		clock:       clk,
		ttl:         ttl,
		intN:        rand.Intn,
	}
}

// Resolve builds the user's banner mixture.
//
// The candidate pool is the union of banner lists from the user's assigned
// variants, deduplicated keeping first appearance in experiment order. Up to
// MixtureSize banners are sampled uniformly without replacement and returned
// sorted. Users whose assignments contribute no banners get a nil mixture,
// not an error.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*Mixture, error) {
	assigned, err := r.assignments.Resolve(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("banner mixture for user %q: %w", userID, err)
	}

	var (
		pool    []int64
		seen    = make(map[int64]struct{})
		sources []string
	)
	for _, a := range assigned {
		contributed := false
		for _, banner := range a.Banners {
			if _, dup := seen[banner]; dup {
				continue
			}
			seen[banner] = struct{}{}
			pool = append(pool, banner)
			contributed = true
		}
		if contributed {
			sources = append(sources, a.ExperimentID)
		}
	}

	if len(pool) == 0 {
		return nil, nil
	}

	selected := r.sample(pool, MixtureSize)
	sort.Slice(selected, func(i, j int) bool { return selected[i] < selected[j] })

	now := r.clock.Now()
	return &Mixture{
		Banners:             selected,
		SourceExperimentIDs: sources,
		AssignedAt:          now,
		ExpiresAt:           now.Add(r.ttl),
		TTLSeconds:          int64(r.ttl / time.Second),
	}, nil
}

// sample picks up to k elements uniformly without replacement via a partial
// Fisher-Yates shuffle. The input slice is not modified.
func (r *Resolver) sample(pool []int64, k int) []int64 {
	if len(pool) <= k {
		out := make([]int64, len(pool))
		copy(out, pool)
		return out
	}

	scratch := make([]int64, len(pool))
	copy(scratch, pool)

	out := make([]int64, 0, k)
	for i := 0; i < k; i++ {
		j := i + r.intN(len(scratch)-i)
		scratch[i], scratch[j] = scratch[j], scratch[i]
		out = append(out, scratch[i])
	}
	return out
}
