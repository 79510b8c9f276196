package config

import (
	"fmt"
	"time"
)

// PipelineConfig tunes the event-driven refresh pipeline, the result caches,
// and the deferred dormancy scheduler.
type PipelineConfig struct {
	// DormancyWindow is the delay after an order before the user is
	// re-checked for segment changes, provided no further order arrived.
	DormancyWindow time.Duration `envconfig:"DORMANCY_WINDOW" default:"336h"` // 14 days

	// ExperimentsTTL bounds staleness of the cached experiment resolution.
	ExperimentsTTL time.Duration `envconfig:"EXPERIMENTS_TTL" default:"5m"`

	// BannerMixtureTTL bounds staleness of the cached banner mixture.
	// The mixture is primarily invalidated explicitly; the TTL is a safety net.
	BannerMixtureTTL time.Duration `envconfig:"BANNER_MIXTURE_TTL" default:"24h"`

	// CatalogTTL bounds staleness of the in-process segment/experiment
	// definitions cache.
	CatalogTTL time.Duration `envconfig:"CATALOG_TTL" default:"30s"`

	// MaxRetries is the number of handler attempts per event before the
	// message is dead-lettered.
	MaxRetries int `envconfig:"MAX_RETRIES" default:"3" validate:"min=0"`

	// RetryBackoff is the base delay between handler attempts (doubled per attempt).
	RetryBackoff time.Duration `envconfig:"RETRY_BACKOFF" default:"500ms"`

	// InvalidateTimeout bounds cache invalidation on the critical path.
	// An invalidation timeout is logged, not fatal; the refresh sweep retries it.
	InvalidateTimeout time.Duration `envconfig:"INVALIDATE_TIMEOUT" default:"2s"`

	// ScheduleTimeout bounds dormancy schedule registration.
	ScheduleTimeout time.Duration `envconfig:"SCHEDULE_TIMEOUT" default:"2s"`

	// PollInterval is the cadence at which the scheduler worker checks for due jobs.
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`

	// SweepInterval is the cadence of the batch dormant-user refresh.
	// Zero disables the sweep.
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`
}

// Validate checks if the pipeline configuration is valid.
func (c *PipelineConfig) Validate() error {
	if c.DormancyWindow <= 0 {
		return fmt.Errorf("dormancy window must be positive")
	}
	if c.ExperimentsTTL <= 0 || c.BannerMixtureTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if c.ExperimentsTTL > c.BannerMixtureTTL {
		return fmt.Errorf("experiments TTL (%s) cannot exceed banner mixture TTL (%s)", c.ExperimentsTTL, c.BannerMixtureTTL)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("scheduler poll interval must be positive")
	}
	return nil
}
