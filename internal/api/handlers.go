package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/cohortd/cohortd/internal/events"
	"github.com/cohortd/cohortd/internal/logger"
	"github.com/cohortd/cohortd/internal/store"
)

// handleRegisterUser processes the POST /api/v1/users request.
//
// Registration is idempotent: re-registering an existing user returns 200
// instead of 201. A first registration immediately computes membership so
// new-user segments apply before the first order arrives.
func (a *API) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req RegisterUserRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		badJSON(w, r, err)
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	created, err := a.users.RegisterUser(r.Context(), req.UserID)
	if err != nil {
		log.Error("failed to register user", "error", err)
		internalError(w, r, "Failed to register user")
		return
	}

	if created {
		if _, err := a.refresher.Refresh(r.Context(), req.UserID); err != nil {
			// Membership will be computed on first read (self-heal) or first
			// order; registration itself succeeded.
			log.Warn("initial membership refresh failed",
				slog.String("user_id", req.UserID),
				slog.String("error", err.Error()),
			)
		}
		log.Info("user registered", slog.String("user_id", req.UserID))
		render.Status(r, http.StatusCreated)
	} else {
		render.Status(r, http.StatusOK)
	}

	render.JSON(w, r, map[string]any{
		"user_id": req.UserID,
		"created": created,
	})
}

// handleCreateOrder processes the POST /api/v1/orders request.
//
// The order is persisted first, then the event is published. A failed publish
// does not fail the request: the order is durable, and the dormant-user sweep
// eventually corrects membership even if the event never arrives.
func (a *API) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req CreateOrderRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		badJSON(w, r, err)
		return
	}

	req.Sanitize()
	amount, errResp := req.Validate()
	if errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	order := &store.Order{
		UserID: req.UserID,
		Amount: amount,
		City:   req.City,
	}

	if err := a.orders.CreateOrder(r.Context(), order); err != nil {
		log.Error("failed to create order", "error", err)
		internalError(w, r, "Failed to create order")
		return
	}

	event := &events.OrderPlaced{
		UserID:    order.UserID,
		OrderID:   order.ID,
		Amount:    order.Amount,
		City:      order.City,
		Timestamp: order.CreatedAt,
	}
	if err := a.publisher.PublishOrderPlaced(r.Context(), event); err != nil {
		log.Error("failed to publish order event",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}

	log.Info("order created",
		slog.String("order_id", order.ID),
		slog.String("user_id", order.UserID),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, order)
}

// handleGetExperiments processes the GET /api/v1/users/{userID}/experiments
// request. The response bundles the resolved experiments with the user's
// banner mixture and carries a source tag ("cache" or "db") so clients and
// operators can see where the resolution came from.
func (a *API) handleGetExperiments(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if errResp := validateUserID(userID); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	result, err := a.results.GetExperiments(r.Context(), userID)
	if err != nil {
		logger.FromContext(r.Context()).Error("failed to resolve experiments",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		internalError(w, r, "Failed to resolve experiments")
		return
	}

	mixture, err := a.results.GetBannerMixture(r.Context(), userID)
	if err != nil {
		logger.FromContext(r.Context()).Error("failed to resolve banner mixture",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		internalError(w, r, "Failed to resolve experiments")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, UserExperimentsResponse{
		UserID:        userID,
		Source:        result.Source,
		Experiments:   result.Experiments,
		BannerMixture: mixture.Mixture,
	})
}

// handleGetBannerMixture processes the GET /api/v1/users/{userID}/banner-mixture
// request. Users whose experiments contribute no banners get a null mixture.
func (a *API) handleGetBannerMixture(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if errResp := validateUserID(userID); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	result, err := a.results.GetBannerMixture(r.Context(), userID)
	if err != nil {
		logger.FromContext(r.Context()).Error("failed to resolve banner mixture",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		internalError(w, r, "Failed to resolve banner mixture")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, result)
}

// handleInvalidateCache processes the DELETE /api/v1/users/{userID}/cache
// request, forcing the next read to recompute from the database.
func (a *API) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if errResp := validateUserID(userID); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	if err := a.results.Invalidate(r.Context(), userID); err != nil {
		logger.FromContext(r.Context()).Error("failed to invalidate cache",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		internalError(w, r, "Failed to invalidate cache")
		return
	}

	render.NoContent(w, r)
}

// handleCreateSegment processes the POST /api/v1/segments request.
// The rule tree is compiled during validation, so a stored segment is always
// evaluable. Existing users pick the new segment up on their next refresh.
func (a *API) handleCreateSegment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req CreateSegmentRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		badJSON(w, r, err)
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	seg := &store.Segment{
		Name:        req.Name,
		Description: req.Description,
		RuleTree:    req.Rules,
	}

	if err := a.segments.CreateSegment(r.Context(), seg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_CONFLICT",
				Message: "A segment with this name already exists",
			})
			return
		}

		log.Error("failed to create segment", "error", err)
		internalError(w, r, "Failed to create segment")
		return
	}

	a.catalog.Invalidate()

	log.Info("segment created",
		slog.String("segment_id", seg.ID),
		slog.String("segment_name", seg.Name),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, seg)
}

// handleCreateExperiment processes the POST /api/v1/experiments request.
func (a *API) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req CreateExperimentRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		badJSON(w, r, err)
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	exp := &store.Experiment{
		Name:       req.Name,
		SegmentIDs: req.SegmentIDs,
		Variants:   req.Variants,
	}

	if err := a.experiments.CreateExperiment(r.Context(), exp); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_CONFLICT",
				Message: "An experiment with this name already exists",
			})
			return
		}

		log.Error("failed to create experiment", "error", err)
		internalError(w, r, "Failed to create experiment")
		return
	}

	a.catalog.Invalidate()

	log.Info("experiment created",
		slog.String("experiment_id", exp.ID),
		slog.String("experiment_name", exp.Name),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, exp)
}

// --- Private Helpers ---

func badJSON(w http.ResponseWriter, r *http.Request, err error) {
	logger.FromContext(r.Context()).Warn("invalid json payload", slog.String("error", err.Error()))
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{
		Code:    "ERR_INVALID_JSON",
		Message: "Invalid JSON payload: " + err.Error(),
	})
}

func internalError(w http.ResponseWriter, r *http.Request, message string) {
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, ErrorResponse{
		Code:    "ERR_INTERNAL",
		Message: message,
	})
}
