// Package experiments resolves which experiments a user participates in and
// which variant they receive. Resolution is a pure read: it never mutates
// membership and never persists its output (the cache coordinator does that).
package experiments

import (
	"context"
	"fmt"

	"github.com/cohortd/cohortd/internal/assign"
	"github.com/cohortd/cohortd/internal/store"
)

// Resolved is one experiment assignment for a user.
// Banners is carried for banner mixture pooling and never serialized into
// the experiments payload.
type Resolved struct {
	ExperimentID string  `json:"experiment_id"`
	Name         string  `json:"name"`
	Variant      string  `json:"variant"`
	Banners      []int64 `json:"-"`
}

// DefinitionSource provides the active experiment definitions.
type DefinitionSource interface {
	ActiveExperiments(ctx context.Context) ([]*store.Experiment, error)
}

// MembershipSource provides the user's current segment membership.
type MembershipSource interface {
	GetMembership(ctx context.Context, userID string) (map[string]struct{}, error)
}

// Resolver computes a user's experiment assignments from stored membership.
type Resolver struct {
	definitions DefinitionSource
	memberships MembershipSource
}

// NewResolver creates an experiment resolver.
func NewResolver(definitions DefinitionSource, memberships MembershipSource) *Resolver {
	if definitions == nil {
		panic("experiments: definition source cannot be nil")
	}
	if memberships == nil {
		panic("experiments: membership source cannot be nil")
	}
	return &Resolver{definitions: definitions, memberships: memberships}
}

// Resolve returns the user's assignments for every active experiment they are
// eligible for, in experiment creation order. A user with no eligible
// experiments gets an empty list, not an error.
//
// Eligibility is OR over the experiment's targeted segments: membership in
// any one of them qualifies. Variant choice is delegated to the deterministic
// assigner, so repeated calls return identical results while definitions and
// membership are unchanged.
func (r *Resolver) Resolve(ctx context.Context, userID string) ([]Resolved, error) {
	membership, err := r.memberships.GetMembership(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("experiment resolution for user %q: %w", userID, err)
	}

	definitions, err := r.definitions.ActiveExperiments(ctx)
	if err != nil {
		return nil, fmt.Errorf("experiment resolution for user %q: %w", userID, err)
	}

	resolved := make([]Resolved, 0, len(definitions))
	for _, exp := range definitions {
		if !eligible(exp, membership) {
			continue
		}

		variantName := assign.Assign(userID, exp.ID, exp.Variants)
		if variantName == "" {
			// Misconfigured experiment (no variants); skip rather than fail
			// the whole resolution.
			continue
		}

		resolved = append(resolved, Resolved{
			ExperimentID: exp.ID,
			Name:         exp.Name,
			Variant:      variantName,
			Banners:      variantBanners(exp.Variants, variantName),
		})
	}

	return resolved, nil
}

func variantBanners(variants []assign.Variant, name string) []int64 {
	for _, v := range variants {
		if v.Name == name {
			return v.Banners
		}
	}
	return nil
}

func eligible(exp *store.Experiment, membership map[string]struct{}) bool {
	for _, segmentID := range exp.SegmentIDs {
		if _, ok := membership[segmentID]; ok {
			return true
		}
	}
	return false
}
