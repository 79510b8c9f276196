package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortd/cohortd/internal/store"
)

// fakeOrderRepo serves a canned order history.
type fakeOrderRepo struct {
	orders []*store.Order
	err    error
}

func (f *fakeOrderRepo) CreateOrder(context.Context, *store.Order) error { return nil }

func (f *fakeOrderRepo) GetOrders(context.Context, string) ([]*store.Order, error) {
	return f.orders, f.err
}

func (f *fakeOrderRepo) GetLatestOrderTimestamp(context.Context, string) (*time.Time, error) {
	return nil, nil
}

func (f *fakeOrderRepo) ListDormantUserIDs(context.Context, time.Time) ([]string, error) {
	return nil, nil
}

func strPtr(s string) *string { return &s }

func order(id string, daysAgo float64, amount string, city *string, now time.Time) *store.Order {
	return &store.Order{
		ID:        id,
		UserID:    "user_1",
		Amount:    decimal.RequireFromString(amount),
		City:      city,
		CreatedAt: now.Add(-time.Duration(daysAgo * 24 * float64(time.Hour))),
	}
}

func TestCompute_NewUser(t *testing.T) {
	t.Parallel()

	provider := NewProvider(&fakeOrderRepo{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s, err := provider.Compute(context.Background(), "user_1", now)

	require.NoError(t, err)
	assert.True(t, s.IsNewUser)
	assert.Zero(t, s.TotalOrders)
	assert.True(t, s.LTV.IsZero())
	assert.Nil(t, s.SecondsSinceLastOrder)
	assert.Nil(t, s.City)
}

func TestCompute_WindowedCounts(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeOrderRepo{orders: []*store.Order{
		order("o1", 30, "10.00", nil, now), // outside all windows
		order("o2", 20, "20.00", nil, now), // inside 23d only
		order("o3", 14, "30.00", nil, now), // inside 23d and 15d
		order("o4", 5, "40.00", strPtr("berlin"), now), // inside all windows
	}}

	provider := NewProvider(repo)

	s, err := provider.Compute(context.Background(), "user_1", now)

	require.NoError(t, err)
	assert.False(t, s.IsNewUser)
	assert.Equal(t, uint(4), s.TotalOrders)
	assert.Equal(t, uint(1), s.OrdersLast12Days)
	assert.Equal(t, uint(2), s.OrdersLast15Days)
	assert.Equal(t, uint(3), s.OrdersLast23Days)
	assert.True(t, decimal.RequireFromString("100.00").Equal(s.LTV))

	require.NotNil(t, s.SecondsSinceLastOrder)
	assert.Equal(t, int64(5*24*3600), *s.SecondsSinceLastOrder)

	require.NotNil(t, s.City)
	assert.Equal(t, "berlin", *s.City)
}

func TestCompute_CityFollowsLatestOrder(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("latest order wins", func(t *testing.T) {
		t.Parallel()

		repo := &fakeOrderRepo{orders: []*store.Order{
			order("o1", 10, "10.00", strPtr("munich"), now),
			order("o2", 1, "10.00", strPtr("berlin"), now),
		}}

		s, err := NewProvider(repo).Compute(context.Background(), "user_1", now)

		require.NoError(t, err)
		require.NotNil(t, s.City)
		assert.Equal(t, "berlin", *s.City)
	})

	t.Run("timestamp tie broken by order id", func(t *testing.T) {
		t.Parallel()

		repo := &fakeOrderRepo{orders: []*store.Order{
			order("o1", 1, "10.00", strPtr("munich"), now),
			order("o2", 1, "10.00", strPtr("berlin"), now),
		}}

		s, err := NewProvider(repo).Compute(context.Background(), "user_1", now)

		require.NoError(t, err)
		require.NotNil(t, s.City)
		assert.Equal(t, "berlin", *s.City)
	})

	t.Run("latest order without city yields absent city", func(t *testing.T) {
		t.Parallel()

		repo := &fakeOrderRepo{orders: []*store.Order{
			order("o1", 10, "10.00", strPtr("munich"), now),
			order("o2", 1, "10.00", nil, now),
		}}

		s, err := NewProvider(repo).Compute(context.Background(), "user_1", now)

		require.NoError(t, err)
		assert.Nil(t, s.City)
	})
}

func TestCompute_RepositoryError(t *testing.T) {
	t.Parallel()

	repo := &fakeOrderRepo{err: errors.New("connection refused")}

	_, err := NewProvider(repo).Compute(context.Background(), "user_1", time.Now())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_1")
}

func TestUserStats_RuleLookups(t *testing.T) {
	t.Parallel()

	seconds := int64(7200)
	s := &UserStats{
		TotalOrders:           25,
		OrdersLast12Days:      2,
		LTV:                   decimal.RequireFromString("780.50"),
		SecondsSinceLastOrder: &seconds,
		City:                  strPtr("berlin"),
	}

	v, ok := s.Number("total_orders")
	require.True(t, ok)
	assert.Equal(t, 25.0, v)

	v, ok = s.Number("ltv")
	require.True(t, ok)
	assert.InDelta(t, 780.50, v, 0.001)

	v, ok = s.Number("seconds_since_last_order")
	require.True(t, ok)
	assert.Equal(t, 7200.0, v)

	city, ok := s.String("city")
	require.True(t, ok)
	assert.Equal(t, "berlin", city)

	isNew, ok := s.Bool("is_new_user")
	require.True(t, ok)
	assert.False(t, isNew)

	_, ok = s.Number("unknown_field")
	assert.False(t, ok)
}

func TestUserStats_AbsentOptionalFields(t *testing.T) {
	t.Parallel()

	s := &UserStats{IsNewUser: true}

	_, ok := s.Number("seconds_since_last_order")
	assert.False(t, ok)

	_, ok = s.String("city")
	assert.False(t, ok)
}
