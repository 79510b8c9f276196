package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cohortd/cohortd/internal/banners"
	"github.com/cohortd/cohortd/internal/experiments"
	"github.com/cohortd/cohortd/internal/logger"
)

// Sources of a served result.
const (
	SourceCache = "cache"
	SourceDB    = "db"
)

// Cached artifacts, used for keys and metrics labels.
const (
	ArtifactExperiments   = "experiments"
	ArtifactBannerMixture = "banner_mixture"
)

// ExperimentsResult is the served experiment resolution with its provenance.
type ExperimentsResult struct {
	UserID      string                 `json:"user_id"`
	Source      string                 `json:"source"`
	Experiments []experiments.Resolved `json:"experiments"`
}

// MixtureResult is the served banner mixture with its provenance.
// Mixture is nil when the user's assignments contribute no banners.
type MixtureResult struct {
	UserID  string           `json:"user_id"`
	Source  string           `json:"source"`
	Mixture *banners.Mixture `json:"mixture"`
}

// ExperimentSource computes experiment resolutions on a cache miss.
type ExperimentSource interface {
	Resolve(ctx context.Context, userID string) ([]experiments.Resolved, error)
}

// MixtureSource computes banner mixtures on a cache miss.
type MixtureSource interface {
	Resolve(ctx context.Context, userID string) (*banners.Mixture, error)
}

// Recorder receives cache telemetry.
type Recorder interface {
	CacheHit(artifact string)
	CacheMiss(artifact string)
}

// Healer recomputes segment membership on demand. The coordinator uses it to
// self-heal reads for users whose membership was never computed (registered
// before the pipeline saw any of their events). The bool reports whether the
// heal changed membership.
type Healer interface {
	Heal(ctx context.Context, userID string) (bool, error)
}

// Coordinator is the read-through cache in front of experiment resolution and
// banner mixture computation. Reads serve from Redis when possible, fall back
// to recomputation on miss, and degrade to recomputation (without failing the
// request) when Redis is unavailable.
type Coordinator struct {
	store    Store
	resolver ExperimentSource
	mixtures MixtureSource
	healer   Healer
	metrics  Recorder

	experimentsTTL time.Duration
	mixtureTTL     time.Duration
}

// NewCoordinator creates a cache coordinator. healer may be nil to disable
// read-path membership self-healing.
func NewCoordinator(store Store, resolver ExperimentSource, mixtures MixtureSource, healer Healer, metrics Recorder, experimentsTTL, mixtureTTL time.Duration) *Coordinator {
	if store == nil {
		panic("cache: store cannot be nil")
	}
	if resolver == nil {
		panic("cache: experiment source cannot be nil")
	}
	if mixtures == nil {
		panic("cache: mixture source cannot be nil")
	}
	if metrics == nil {
		panic("cache: recorder cannot be nil")
	}

	return &Coordinator{
		store:          store,
		resolver:       resolver,
		mixtures:       mixtures,
		healer:         healer,
		metrics:        metrics,
		experimentsTTL: experimentsTTL,
		mixtureTTL:     mixtureTTL,
	}
}

func experimentsKey(userID string) string {
	return fmt.Sprintf("user:%s:experiments", userID)
}

func mixtureKey(userID string) string {
	return fmt.Sprintf("user:%s:banner_mixture", userID)
}

// GetExperiments serves the user's experiment resolution, tagged with whether
// it came from the cache or was recomputed.
func (c *Coordinator) GetExperiments(ctx context.Context, userID string) (*ExperimentsResult, error) {
	key := experimentsKey(userID)

	var cached []experiments.Resolved
	if hit := c.lookup(ctx, key, ArtifactExperiments, &cached); hit {
		return &ExperimentsResult{UserID: userID, Source: SourceCache, Experiments: cached}, nil
	}

	resolved, err := c.resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	// An empty resolution may mean the user's membership was simply never
	// computed. Heal once and re-resolve only if the heal changed anything.
	if len(resolved) == 0 && c.healer != nil {
		changed, healErr := c.healer.Heal(ctx, userID)
		if healErr != nil {
			logger.FromContext(ctx).Warn("membership self-heal failed",
				"user_id", userID,
				"error", healErr,
			)
		} else if changed {
			if resolved, err = c.resolver.Resolve(ctx, userID); err != nil {
				return nil, err
			}
		}
	}

	if resolved == nil {
		// Cache the empty resolution too; absence of experiments is a
		// legitimate answer, not a miss.
		resolved = []experiments.Resolved{}
	}

	c.fill(ctx, key, ArtifactExperiments, resolved, c.experimentsTTL)

	return &ExperimentsResult{UserID: userID, Source: SourceDB, Experiments: resolved}, nil
}

// GetBannerMixture serves the user's banner mixture, tagged with provenance.
// The mixture is random per computation, so the cache is what gives users a
// stable selection for the TTL window.
func (c *Coordinator) GetBannerMixture(ctx context.Context, userID string) (*MixtureResult, error) {
	key := mixtureKey(userID)

	var cached banners.Mixture
	if hit := c.lookup(ctx, key, ArtifactBannerMixture, &cached); hit {
		return &MixtureResult{UserID: userID, Source: SourceCache, Mixture: &cached}, nil
	}

	mixture, err := c.mixtures.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	if mixture != nil {
		c.fill(ctx, key, ArtifactBannerMixture, mixture, c.mixtureTTL)
	}

	return &MixtureResult{UserID: userID, Source: SourceDB, Mixture: mixture}, nil
}

// Invalidate drops both cached artifacts for the user. The next read
// recomputes from current membership.
func (c *Coordinator) Invalidate(ctx context.Context, userID string) error {
	return invalidate(ctx, c.store, userID)
}

// Invalidator drops a user's cached artifacts without the full coordinator.
// Used by the pipeline processes, which never serve reads.
type Invalidator struct {
	store Store
}

// NewInvalidator creates a standalone invalidator over the given store.
func NewInvalidator(store Store) *Invalidator {
	if store == nil {
		panic("cache: store cannot be nil")
	}
	return &Invalidator{store: store}
}

// Invalidate drops both cached artifacts for the user.
func (i *Invalidator) Invalidate(ctx context.Context, userID string) error {
	return invalidate(ctx, i.store, userID)
}

func invalidate(ctx context.Context, store Store, userID string) error {
	if err := store.Delete(ctx, experimentsKey(userID), mixtureKey(userID)); err != nil {
		return fmt.Errorf("cache invalidation for user %q: %w", userID, err)
	}
	return nil
}

// lookup tries the cache and decodes into dst. Returns true only on a usable
// hit; cache outages and corrupt payloads are logged and treated as misses.
func (c *Coordinator) lookup(ctx context.Context, key, artifact string, dst any) bool {
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.FromContext(ctx).Warn("cache read failed, serving from source",
				"key", key,
				"error", err,
			)
		}
		c.metrics.CacheMiss(artifact)
		return false
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		logger.FromContext(ctx).Warn("corrupt cache payload, serving from source",
			"key", key,
			"error", err,
		)
		c.metrics.CacheMiss(artifact)
		return false
	}

	c.metrics.CacheHit(artifact)
	return true
}

// fill writes the computed value best-effort. A failed write only costs a
// recomputation on the next read.
func (c *Coordinator) fill(ctx context.Context, key, artifact string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		logger.FromContext(ctx).Error("failed to marshal cache payload",
			"key", key,
			"artifact", artifact,
			"error", err,
		)
		return
	}

	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		logger.FromContext(ctx).Warn("cache write failed",
			"key", key,
			"error", err,
		)
	}
}
