// Package stats computes point-in-time behavioral statistics for a user from
// their order history. The computation is a pure function of stored orders at
// call time; caching of downstream results is the cache coordinator's job,
// never this package's.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cohortd/cohortd/internal/rules"
	"github.com/cohortd/cohortd/internal/store"
)

// UserStats is a snapshot of a user's behavioral statistics, recomputed on
// demand and never persisted. Windowed counts are relative to the "now"
// passed to Compute, so evaluation is always against a live window.
//
// Invariant: IsNewUser == (TotalOrders == 0); for new users,
// SecondsSinceLastOrder and City are absent (nil).
type UserStats struct {
	TotalOrders           uint
	OrdersLast12Days      uint
	OrdersLast15Days      uint
	OrdersLast23Days      uint
	LTV                   decimal.Decimal
	SecondsSinceLastOrder *int64
	City                  *string
	IsNewUser             bool
}

// Compile-time check: UserStats is the statistics source for rule evaluation.
var _ rules.Stats = (*UserStats)(nil)

// Number implements rules.Stats for the numeric statistic fields.
func (s *UserStats) Number(field string) (float64, bool) {
	switch field {
	case rules.FieldTotalOrders:
		return float64(s.TotalOrders), true
	case rules.FieldOrderCountLast12Days:
		return float64(s.OrdersLast12Days), true
	case rules.FieldOrderCountLast15Days:
		return float64(s.OrdersLast15Days), true
	case rules.FieldOrderCountLast23Days:
		return float64(s.OrdersLast23Days), true
	case rules.FieldLTV:
		return s.LTV.InexactFloat64(), true
	case rules.FieldSecondsSinceLastOrder:
		if s.SecondsSinceLastOrder == nil {
			return 0, false
		}
		return float64(*s.SecondsSinceLastOrder), true
	}
	return 0, false
}

// String implements rules.Stats for the string statistic fields.
func (s *UserStats) String(field string) (string, bool) {
	if field == rules.FieldCity && s.City != nil {
		return *s.City, true
	}
	return "", false
}

// Bool implements rules.Stats for the boolean statistic fields.
func (s *UserStats) Bool(field string) (bool, bool) {
	if field == rules.FieldIsNewUser {
		return s.IsNewUser, true
	}
	return false, false
}

// Provider computes user statistics from the order repository.
type Provider struct {
	orders store.OrderRepository
}

// NewProvider creates a statistics provider over the given order repository.
func NewProvider(orders store.OrderRepository) *Provider {
	if orders == nil {
		panic("stats: order repository cannot be nil")
	}
	return &Provider{orders: orders}
}

// Compute derives the user's statistics from their full order history,
// with windowed counts relative to now.
//
// The last-order city is the city of the most recent order by timestamp;
// timestamp ties are broken by the lexicographically larger order ID to keep
// the result deterministic.
func (p *Provider) Compute(ctx context.Context, userID string, now time.Time) (*UserStats, error) {
	orders, err := p.orders.GetOrders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats for user %q: %w", userID, err)
	}

	s := &UserStats{LTV: decimal.Zero}

	if len(orders) == 0 {
		s.IsNewUser = true
		return s, nil
	}

	cutoff12 := now.Add(-12 * 24 * time.Hour)
	cutoff15 := now.Add(-15 * 24 * time.Hour)
	cutoff23 := now.Add(-23 * 24 * time.Hour)

	var latest *store.Order
	for _, o := range orders {
		s.TotalOrders++
		s.LTV = s.LTV.Add(o.Amount)

		if o.CreatedAt.After(cutoff12) {
			s.OrdersLast12Days++
		}
		if o.CreatedAt.After(cutoff15) {
			s.OrdersLast15Days++
		}
		if o.CreatedAt.After(cutoff23) {
			s.OrdersLast23Days++
		}

		if latest == nil || o.CreatedAt.After(latest.CreatedAt) ||
			(o.CreatedAt.Equal(latest.CreatedAt) && o.ID > latest.ID) {
			latest = o
		}
	}

	seconds := int64(now.Sub(latest.CreatedAt) / time.Second)
	s.SecondsSinceLastOrder = &seconds
	s.City = latest.City

	return s, nil
}
