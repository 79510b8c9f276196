// Package store provides the data access layer for cohortd. It handles all
// direct interactions with the PostgreSQL database using the pgx driver.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrDuplicate is returned when an insert violates a uniqueness constraint.
var ErrDuplicate = errors.New("already exists")

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// Order is a single purchase event as persisted in the 'orders' table.
// The order history is the sole input to a user's behavioral statistics.
type Order struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	City      *string         `json:"city,omitempty" db:"city"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// OrderRepository defines the persistence operations over order history.
type OrderRepository interface {
	// CreateOrder inserts a new order. A missing ID is generated; CreatedAt
	// is populated from the server clock via RETURNING.
	CreateOrder(ctx context.Context, o *Order) error

	// GetOrders returns the user's full order history, oldest first
	// (created_at ascending, id as a deterministic tiebreaker).
	GetOrders(ctx context.Context, userID string) ([]*Order, error)

	// GetLatestOrderTimestamp returns the timestamp of the user's most recent
	// order, or nil if the user has never ordered.
	GetLatestOrderTimestamp(ctx context.Context, userID string) (*time.Time, error)

	// ListDormantUserIDs returns the IDs of users whose most recent order is
	// strictly before the cutoff.
	ListDormantUserIDs(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Compile-time check to verify that PostgresOrderStore implements OrderRepository.
var _ OrderRepository = (*PostgresOrderStore)(nil)

// PostgresOrderStore is the OrderRepository backed by PostgreSQL.
type PostgresOrderStore struct {
	db *pgxpool.Pool
}

// NewPostgresOrderStore creates a new repository instance with the given connection pool.
func NewPostgresOrderStore(db *pgxpool.Pool) *PostgresOrderStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresOrderStore{db: db}
}

// CreateOrder inserts a new order row.
func (s *PostgresOrderStore) CreateOrder(ctx context.Context, o *Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	query := `
		INSERT INTO orders (id, user_id, amount, city)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := s.db.QueryRow(ctx, query, o.ID, o.UserID, o.Amount, o.City).Scan(&o.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("order %q: %w", o.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	return nil
}

// GetOrders returns the user's order history in deterministic order.
func (s *PostgresOrderStore) GetOrders(ctx context.Context, userID string) ([]*Order, error) {
	query := `
		SELECT id, user_id, amount, city, created_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders for user %q: %w", userID, err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Amount, &o.City, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		orders = append(orders, &o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return orders, nil
}

// GetLatestOrderTimestamp returns the most recent order time for the user.
func (s *PostgresOrderStore) GetLatestOrderTimestamp(ctx context.Context, userID string) (*time.Time, error) {
	query := `SELECT max(created_at) FROM orders WHERE user_id = $1`

	var ts *time.Time
	if err := s.db.QueryRow(ctx, query, userID).Scan(&ts); err != nil {
		return nil, fmt.Errorf("failed to get latest order timestamp for user %q: %w", userID, err)
	}

	return ts, nil
}

// ListDormantUserIDs finds users with order history but no order since the cutoff.
func (s *PostgresOrderStore) ListDormantUserIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `
		SELECT user_id
		FROM orders
		GROUP BY user_id
		HAVING max(created_at) < $1
		ORDER BY user_id
	`

	rows, err := s.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list dormant users: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		userIDs = append(userIDs, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return userIDs, nil
}
