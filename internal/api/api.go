package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/cohortd/cohortd/internal/cache"
	"github.com/cohortd/cohortd/internal/events"
	"github.com/cohortd/cohortd/internal/segments"
	"github.com/cohortd/cohortd/internal/store"
)

// ResultReader serves the cached user-facing read models.
type ResultReader interface {
	GetExperiments(ctx context.Context, userID string) (*cache.ExperimentsResult, error)
	GetBannerMixture(ctx context.Context, userID string) (*cache.MixtureResult, error)
	Invalidate(ctx context.Context, userID string) error
}

// EventPublisher emits order events into the refresh pipeline.
type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *events.OrderPlaced) error
}

// Refresher recomputes a user's segment membership.
type Refresher interface {
	Refresh(ctx context.Context, userID string) (segments.Delta, error)
}

// DefinitionInvalidator drops the in-process definitions cache after
// administrative writes.
type DefinitionInvalidator interface {
	Invalidate()
}

// API is the main struct that holds dependencies and the router.
// It follows the Dependency Injection pattern to facilitate testing.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	users       store.UserRepository
	orders      store.OrderRepository
	segments    store.SegmentRepository
	experiments store.ExperimentRepository

	results   ResultReader
	publisher EventPublisher
	refresher Refresher
	catalog   DefinitionInvalidator
}

// NewAPI creates a new API instance.
//
// Panics if any dependency is nil; the API cannot operate partially wired.
func NewAPI(
	users store.UserRepository,
	orders store.OrderRepository,
	segmentRepo store.SegmentRepository,
	experiments store.ExperimentRepository,
	results ResultReader,
	publisher EventPublisher,
	refresher Refresher,
	catalog DefinitionInvalidator,
) *API {
	// We check the interfaces explicitly.
	// An interface is only nil if it has no underlying type and no value.
	if users == nil {
		panic("api: user repository cannot be nil")
	}
	if orders == nil {
		panic("api: order repository cannot be nil")
	}
	if segmentRepo == nil {
		panic("api: segment repository cannot be nil")
	}
	if experiments == nil {
		panic("api: experiment repository cannot be nil")
	}
	if results == nil {
		panic("api: result reader cannot be nil")
	}
	if publisher == nil {
		panic("api: event publisher cannot be nil")
	}
	if refresher == nil {
		panic("api: refresher cannot be nil")
	}
	if catalog == nil {
		panic("api: definition invalidator cannot be nil")
	}

	a := &API{
		Router:      chi.NewRouter(),
		users:       users,
		orders:      orders,
		segments:    segmentRepo,
		experiments: experiments,
		results:     results,
		publisher:   publisher,
		refresher:   refresher,
		catalog:     catalog,
	}

	a.configureRoutes()
	return a
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	// 1. Global Middleware Stack
	// RequestID: Adds a unique ID to each request context (essential for tracing).
	a.Router.Use(middleware.RequestID)
	// RealIP: correctly sets the IP if behind a proxy/LB.
	a.Router.Use(middleware.RealIP)
	// Logger: Logs request method, path, status, and duration.
	a.Router.Use(RequestLogger)
	// Metrics: Records request counts and latency per route pattern.
	a.Router.Use(RequestMetrics)
	// Recoverer: Prevents the server from crashing on panics, returning 500 instead.
	a.Router.Use(middleware.Recoverer)
	// Content-Type: Forces JSON content type for API responses.
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	// 2. Public Routes
	a.Router.Get("/health", a.handleHealthCheck)

	// 3. API V1 Routes
	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Post("/", a.handleRegisterUser)

			r.Route("/{userID}", func(r chi.Router) {
				r.Get("/experiments", a.handleGetExperiments)
				r.Get("/banner-mixture", a.handleGetBannerMixture)
				r.Delete("/cache", a.handleInvalidateCache)
			})
		})

		r.Post("/orders", a.handleCreateOrder)
		r.Post("/segments", a.handleCreateSegment)
		r.Post("/experiments", a.handleCreateExperiment)
	})
}

// handleHealthCheck verifies if the service is serving HTTP.
// Deep dependency checks live on the observability server's readiness probe.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}
