package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortd/cohortd/internal/banners"
	"github.com/cohortd/cohortd/internal/cache"
	"github.com/cohortd/cohortd/internal/events"
	"github.com/cohortd/cohortd/internal/experiments"
	"github.com/cohortd/cohortd/internal/segments"
	"github.com/cohortd/cohortd/internal/store"
)

type fakeUsers struct {
	created bool
	err     error
}

func (f *fakeUsers) RegisterUser(context.Context, string) (bool, error) {
	return f.created, f.err
}

type fakeOrderStore struct {
	err     error
	created []*store.Order
}

func (f *fakeOrderStore) CreateOrder(_ context.Context, o *store.Order) error {
	if f.err != nil {
		return f.err
	}
	o.ID = "order_generated"
	o.CreatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.created = append(f.created, o)
	return nil
}

func (f *fakeOrderStore) GetOrders(context.Context, string) ([]*store.Order, error) {
	return nil, nil
}

func (f *fakeOrderStore) GetLatestOrderTimestamp(context.Context, string) (*time.Time, error) {
	return nil, nil
}

func (f *fakeOrderStore) ListDormantUserIDs(context.Context, time.Time) ([]string, error) {
	return nil, nil
}

type fakeSegmentStore struct {
	err error
}

func (f *fakeSegmentStore) CreateSegment(_ context.Context, seg *store.Segment) error {
	if f.err != nil {
		return f.err
	}
	seg.ID = "seg_generated"
	return nil
}

func (f *fakeSegmentStore) ListActiveSegments(context.Context) ([]*store.Segment, error) {
	return nil, nil
}

func (f *fakeSegmentStore) GetMembership(context.Context, string) (map[string]struct{}, error) {
	return nil, nil
}

func (f *fakeSegmentStore) ApplyDelta(context.Context, string, []string, []string) error {
	return nil
}

type fakeExperimentStore struct {
	err error
}

func (f *fakeExperimentStore) CreateExperiment(_ context.Context, exp *store.Experiment) error {
	if f.err != nil {
		return f.err
	}
	exp.ID = "exp_generated"
	exp.Status = store.ExperimentStatusActive
	return nil
}

func (f *fakeExperimentStore) ListActiveExperiments(context.Context) ([]*store.Experiment, error) {
	return nil, nil
}

type fakeResults struct {
	experiments   *cache.ExperimentsResult
	mixture       *cache.MixtureResult
	err           error
	mixtureErr    error
	invalidateErr error
	invalidated   []string
}

func (f *fakeResults) GetExperiments(context.Context, string) (*cache.ExperimentsResult, error) {
	return f.experiments, f.err
}

func (f *fakeResults) GetBannerMixture(context.Context, string) (*cache.MixtureResult, error) {
	if f.mixtureErr != nil {
		return nil, f.mixtureErr
	}
	return f.mixture, nil
}

func (f *fakeResults) Invalidate(_ context.Context, userID string) error {
	if f.invalidateErr != nil {
		return f.invalidateErr
	}
	f.invalidated = append(f.invalidated, userID)
	return nil
}

type fakePublisher struct {
	err    error
	events []*events.OrderPlaced
}

func (f *fakePublisher) PublishOrderPlaced(_ context.Context, event *events.OrderPlaced) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

type fakeAPIRefresher struct {
	err   error
	calls int
}

func (f *fakeAPIRefresher) Refresh(context.Context, string) (segments.Delta, error) {
	f.calls++
	return segments.Delta{}, f.err
}

type fakeCatalog struct {
	invalidations int
}

func (f *fakeCatalog) Invalidate() { f.invalidations++ }

// testAPI bundles the API with its fakes for assertions.
type testAPI struct {
	api       *API
	users     *fakeUsers
	orders    *fakeOrderStore
	results   *fakeResults
	publisher *fakePublisher
	refresher *fakeAPIRefresher
	catalog   *fakeCatalog
	segments  *fakeSegmentStore
	exps      *fakeExperimentStore
}

func newTestAPI() *testAPI {
	ta := &testAPI{
		users:     &fakeUsers{},
		orders:    &fakeOrderStore{},
		segments:  &fakeSegmentStore{},
		exps:      &fakeExperimentStore{},
		results:   &fakeResults{},
		publisher: &fakePublisher{},
		refresher: &fakeAPIRefresher{},
		catalog:   &fakeCatalog{},
	}
	ta.api = NewAPI(ta.users, ta.orders, ta.segments, ta.exps, ta.results, ta.publisher, ta.refresher, ta.catalog)
	return ta
}

func (ta *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ta.api.Router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleRegisterUser(t *testing.T) {
	t.Parallel()

	t.Run("new user gets 201 and an initial refresh", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()
		ta.users.created = true

		rec := ta.do(t, http.MethodPost, "/api/v1/users", map[string]string{"user_id": "user_1"})

		assert.Equal(t, http.StatusCreated, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "user_1", body["user_id"])
		assert.Equal(t, true, body["created"])
		assert.Equal(t, 1, ta.refresher.calls)
	})

	t.Run("re-registration gets 200 without refresh", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()
		ta.users.created = false

		rec := ta.do(t, http.MethodPost, "/api/v1/users", map[string]string{"user_id": "user_1"})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, decodeBody(t, rec)["created"])
		assert.Zero(t, ta.refresher.calls)
	})

	t.Run("failed initial refresh does not fail registration", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()
		ta.users.created = true
		ta.refresher.err = errors.New("db down")

		rec := ta.do(t, http.MethodPost, "/api/v1/users", map[string]string{"user_id": "user_1"})

		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("invalid user id gets 400", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()

		rec := ta.do(t, http.MethodPost, "/api/v1/users", map[string]string{"user_id": "has spaces"})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_INVALID_INPUT", decodeBody(t, rec)["code"])
	})

	t.Run("malformed json gets 400", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/users", bytes.NewBufferString("{broken"))
		rec := httptest.NewRecorder()
		ta.api.Router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_INVALID_JSON", decodeBody(t, rec)["code"])
	})
}

func TestHandleCreateOrder(t *testing.T) {
	t.Parallel()

	t.Run("persists then publishes", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()

		rec := ta.do(t, http.MethodPost, "/api/v1/orders", map[string]string{
			"user_id": "user_1",
			"amount":  "59.90",
			"city":    "berlin",
		})

		assert.Equal(t, http.StatusCreated, rec.Code)

		require.Len(t, ta.orders.created, 1)
		assert.Equal(t, "user_1", ta.orders.created[0].UserID)

		require.Len(t, ta.publisher.events, 1)
		event := ta.publisher.events[0]
		assert.Equal(t, "order_generated", event.OrderID)
		assert.Equal(t, "user_1", event.UserID)
		require.NotNil(t, event.City)
		assert.Equal(t, "berlin", *event.City)
	})

	t.Run("publish failure still returns 201", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()
		ta.publisher.err = errors.New("broker unreachable")

		rec := ta.do(t, http.MethodPost, "/api/v1/orders", map[string]string{
			"user_id": "user_1",
			"amount":  "10.00",
		})

		// The order is durable; the sweep corrects membership if the event
		// never arrives.
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Len(t, ta.orders.created, 1)
	})

	t.Run("persistence failure gets 500", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()
		ta.orders.err = errors.New("db down")

		rec := ta.do(t, http.MethodPost, "/api/v1/orders", map[string]string{
			"user_id": "user_1",
			"amount":  "10.00",
		})

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Empty(t, ta.publisher.events)
	})

	t.Run("invalid amount gets 400", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()

		rec := ta.do(t, http.MethodPost, "/api/v1/orders", map[string]string{
			"user_id": "user_1",
			"amount":  "-5",
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, ta.orders.created)
	})
}

func TestHandleGetExperiments(t *testing.T) {
	t.Parallel()

	t.Run("bundles experiments and banner mixture with the source tag", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()
		ta.results.experiments = &cache.ExperimentsResult{
			UserID: "user_1",
			Source: cache.SourceCache,
			Experiments: []experiments.Resolved{
				{ExperimentID: "exp_1", Name: "exp one", Variant: "control"},
			},
		}
		ta.results.mixture = &cache.MixtureResult{
			UserID:  "user_1",
			Source:  cache.SourceCache,
			Mixture: &banners.Mixture{Banners: []int64{3, 7}, SourceExperimentIDs: []string{"exp_1"}},
		}

		rec := ta.do(t, http.MethodGet, "/api/v1/users/user_1/experiments", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "cache", body["source"])
		assert.Len(t, body["experiments"], 1)

		mixture, ok := body["banner_mixture"].(map[string]any)
		require.True(t, ok, "banner_mixture missing from the response")
		assert.Len(t, mixture["banners"], 2)
	})

	t.Run("banner mixture is null when assignments contribute no banners", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()
		ta.results.experiments = &cache.ExperimentsResult{UserID: "user_1", Source: cache.SourceDB}
		ta.results.mixture = &cache.MixtureResult{UserID: "user_1", Source: cache.SourceDB}

		rec := ta.do(t, http.MethodGet, "/api/v1/users/user_1/experiments", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Contains(t, body, "banner_mixture")
		assert.Nil(t, body["banner_mixture"])
	})

	t.Run("resolution failure gets 500", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()
		ta.results.err = errors.New("db down")

		rec := ta.do(t, http.MethodGet, "/api/v1/users/user_1/experiments", nil)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("mixture failure gets 500", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()
		ta.results.experiments = &cache.ExperimentsResult{UserID: "user_1", Source: cache.SourceDB}
		ta.results.mixtureErr = errors.New("db down")

		rec := ta.do(t, http.MethodGet, "/api/v1/users/user_1/experiments", nil)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("invalid user id gets 400", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()

		rec := ta.do(t, http.MethodGet, "/api/v1/users/bad*id/experiments", nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleGetBannerMixture(t *testing.T) {
	t.Parallel()

	ta := newTestAPI()
	ta.results.mixture = &cache.MixtureResult{UserID: "user_1", Source: cache.SourceDB}

	rec := ta.do(t, http.MethodGet, "/api/v1/users/user_1/banner-mixture", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "db", body["source"])
	assert.Nil(t, body["mixture"])
}

func TestHandleInvalidateCache(t *testing.T) {
	t.Parallel()

	t.Run("drops the user's cache", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()

		rec := ta.do(t, http.MethodDelete, "/api/v1/users/user_1/cache", nil)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, []string{"user_1"}, ta.results.invalidated)
	})

	t.Run("store failure gets 500", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()
		ta.results.invalidateErr = errors.New("redis down")

		rec := ta.do(t, http.MethodDelete, "/api/v1/users/user_1/cache", nil)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestHandleCreateSegment(t *testing.T) {
	t.Parallel()

	validBody := func() map[string]any {
		return map[string]any{
			"name":  "power_users",
			"rules": map[string]any{"field": "total_orders", "op": "gte", "value": 25},
		}
	}

	t.Run("creates and drops the definitions cache", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()

		rec := ta.do(t, http.MethodPost, "/api/v1/segments", validBody())

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "seg_generated", decodeBody(t, rec)["id"])
		assert.Equal(t, 1, ta.catalog.invalidations)
	})

	t.Run("duplicate name gets 409", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()
		ta.segments.err = store.ErrDuplicate

		rec := ta.do(t, http.MethodPost, "/api/v1/segments", validBody())

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "ERR_CONFLICT", decodeBody(t, rec)["code"])
		assert.Zero(t, ta.catalog.invalidations)
	})

	t.Run("invalid rule tree gets 400", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()

		body := validBody()
		body["rules"] = map[string]any{"field": "shoe_size", "op": "gt", "value": 42}

		rec := ta.do(t, http.MethodPost, "/api/v1/segments", body)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_INVALID_RULES", decodeBody(t, rec)["code"])
	})
}

func TestHandleCreateExperiment(t *testing.T) {
	t.Parallel()

	validBody := func() map[string]any {
		return map[string]any{
			"name":        "checkout_banner",
			"segment_ids": []string{"seg_1"},
			"variants": []map[string]any{
				{"name": "control", "weight": 80},
				{"name": "treatment", "weight": 20, "banners": []int64{7, 8}},
			},
		}
	}

	t.Run("creates and drops the definitions cache", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()

		rec := ta.do(t, http.MethodPost, "/api/v1/experiments", validBody())

		assert.Equal(t, http.StatusCreated, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "exp_generated", body["id"])
		assert.Equal(t, store.ExperimentStatusActive, body["status"])
		assert.Equal(t, 1, ta.catalog.invalidations)
	})

	t.Run("duplicate name gets 409", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()
		ta.exps.err = store.ErrDuplicate

		rec := ta.do(t, http.MethodPost, "/api/v1/experiments", validBody())

		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("invalid weights get 400", func(t *testing.T) {
		t.Parallel()

		ta := newTestAPI()

		body := validBody()
		body["variants"] = []map[string]any{{"name": "control", "weight": 50}}

		rec := ta.do(t, http.MethodPost, "/api/v1/experiments", body)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_INVALID_VARIANTS", decodeBody(t, rec)["code"])
	})
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	ta := newTestAPI()

	rec := ta.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}
