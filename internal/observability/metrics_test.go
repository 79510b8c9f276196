package observability_test

import (
	"testing"

	"github.com/cohortd/cohortd/internal/observability"
	"github.com/cohortd/cohortd/internal/testsupport"
)

// The recorder methods must land on the registered collectors with the right
// labels; a typo here silently loses telemetry.
func TestMetrics_RecorderWiring(t *testing.T) {
	m := observability.NewMetrics()

	testsupport.AssertMetricDelta(t, "cohortd_cache_hits_total",
		map[string]string{"artifact": "experiments"}, 1, func() {
			m.CacheHit("experiments")
		})

	testsupport.AssertMetricDelta(t, "cohortd_cache_misses_total",
		map[string]string{"artifact": "banner_mixture"}, 1, func() {
			m.CacheMiss("banner_mixture")
		})

	testsupport.AssertMetricDelta(t, "cohortd_pipeline_events_total",
		map[string]string{"status": "ok"}, 2, func() {
			m.EventProcessed("ok")
			m.EventProcessed("ok")
		})

	testsupport.AssertMetricDelta(t, "cohortd_pipeline_dead_letters_total",
		nil, 1, func() {
			m.EventDeadLettered()
		})

	testsupport.AssertMetricDelta(t, "cohortd_scheduler_dormancy_checks_total",
		map[string]string{"outcome": "suppressed"}, 1, func() {
			m.DormancyCheck("suppressed")
		})
}
