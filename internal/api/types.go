// Package api implements the REST API: user registration, order intake, the
// user-facing read endpoints (experiments, banner mixture), administrative
// authoring of segments and experiments, and cache invalidation.
// It handles HTTP routing, request decoding, validation, and response formatting.
package api

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cohortd/cohortd/internal/assign"
	"github.com/cohortd/cohortd/internal/banners"
	"github.com/cohortd/cohortd/internal/experiments"
	"github.com/cohortd/cohortd/internal/rules"
)

// UserExperimentsResponse is the combined read payload: the user's resolved
// experiments plus their current banner mixture in one round trip. The source
// tag reflects where the experiment resolution came from; banner_mixture is
// null when the user's assignments contribute no banners.
type UserExperimentsResponse struct {
	UserID        string                 `json:"user_id"`
	Source        string                 `json:"source"`
	Experiments   []experiments.Resolved `json:"experiments"`
	BannerMixture *banners.Mixture       `json:"banner_mixture"`
}

// userIDRegex keeps user IDs URL-safe; they are used verbatim in cache keys
// and job keys.
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// validateUserID enforces the format and length rules for user identifiers.
func validateUserID(userID string) *ErrorResponse {
	if userID == "" {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "user_id is required",
		}
	}
	if len(userID) > 255 {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "user_id must be less than 255 characters",
		}
	}
	if !userIDRegex.MatchString(userID) {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "user_id may only contain letters, numbers, '_', '.' and '-'",
		}
	}
	return nil
}

// validateName enforces rules for human-readable resource names.
func validateName(name string) *ErrorResponse {
	if name == "" {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "name is required",
		}
	}
	if len(name) > 255 {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "name must be less than 255 characters",
		}
	}
	return nil
}

// RegisterUserRequest defines the payload for registering a user.
type RegisterUserRequest struct {
	UserID string `json:"user_id"`
}

// Sanitize cleans up input data by trimming whitespace.
func (r *RegisterUserRequest) Sanitize() {
	r.UserID = strings.TrimSpace(r.UserID)
}

// Validate checks if the request data adheres to business rules.
func (r *RegisterUserRequest) Validate() *ErrorResponse {
	return validateUserID(r.UserID)
}

// CreateOrderRequest defines the payload for recording an order.
// Amount is a decimal string ("59.90") to avoid float rounding on money.
type CreateOrderRequest struct {
	UserID string  `json:"user_id"`
	Amount string  `json:"amount"`
	City   *string `json:"city,omitempty"`
}

// Sanitize cleans up input data by trimming whitespace.
func (r *CreateOrderRequest) Sanitize() {
	r.UserID = strings.TrimSpace(r.UserID)
	r.Amount = strings.TrimSpace(r.Amount)
	if r.City != nil {
		city := strings.TrimSpace(*r.City)
		if city == "" {
			r.City = nil
		} else {
			r.City = &city
		}
	}
}

// Validate checks the request and returns the parsed amount on success.
func (r *CreateOrderRequest) Validate() (decimal.Decimal, *ErrorResponse) {
	if errResp := validateUserID(r.UserID); errResp != nil {
		return decimal.Zero, errResp
	}

	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return decimal.Zero, &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "amount must be a decimal string, e.g. \"59.90\"",
		}
	}
	if amount.IsNegative() {
		return decimal.Zero, &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "amount cannot be negative",
		}
	}

	return amount, nil
}

// CreateSegmentRequest defines the payload for authoring a segment.
type CreateSegmentRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Rules       json.RawMessage `json:"rules"`
}

// Sanitize cleans up input data by trimming whitespace.
func (r *CreateSegmentRequest) Sanitize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Description = strings.TrimSpace(r.Description)
}

// Validate checks the request, compiling the rule tree to reject malformed
// definitions at the door rather than at evaluation time.
func (r *CreateSegmentRequest) Validate() *ErrorResponse {
	if errResp := validateName(r.Name); errResp != nil {
		return errResp
	}

	if len(r.Rules) == 0 {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "rules is required",
		}
	}

	if _, err := rules.Compile(r.Rules); err != nil {
		return &ErrorResponse{
			Code:    "ERR_INVALID_RULES",
			Message: "invalid rule tree: " + err.Error(),
		}
	}

	return nil
}

// CreateExperimentRequest defines the payload for authoring an experiment.
type CreateExperimentRequest struct {
	Name       string           `json:"name"`
	SegmentIDs []string         `json:"segment_ids"`
	Variants   []assign.Variant `json:"variants"`
}

// Sanitize cleans up input data by trimming whitespace.
func (r *CreateExperimentRequest) Sanitize() {
	r.Name = strings.TrimSpace(r.Name)
	for i, id := range r.SegmentIDs {
		r.SegmentIDs[i] = strings.TrimSpace(id)
	}
	for i, v := range r.Variants {
		r.Variants[i].Name = strings.TrimSpace(v.Name)
	}
}

// Validate checks if the request data adheres to business rules.
func (r *CreateExperimentRequest) Validate() *ErrorResponse {
	if errResp := validateName(r.Name); errResp != nil {
		return errResp
	}

	if len(r.SegmentIDs) == 0 {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "segment_ids must list at least one segment",
		}
	}
	for _, id := range r.SegmentIDs {
		if id == "" {
			return &ErrorResponse{
				Code:    "ERR_INVALID_INPUT",
				Message: "segment_ids cannot contain empty entries",
			}
		}
	}

	if err := assign.ValidateVariants(r.Variants); err != nil {
		return &ErrorResponse{
			Code:    "ERR_INVALID_VARIANTS",
			Message: err.Error(),
		}
	}

	return nil
}

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`
}
