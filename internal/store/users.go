package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// User is a registered user identity. Behavioral statistics are derived from
// order history, so this table only anchors identity and registration time.
type User struct {
	UserID    string    `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
}

// UserRepository defines the user identity operations.
type UserRepository interface {
	// RegisterUser inserts the user if not present. Returns false if the
	// user was already registered.
	RegisterUser(ctx context.Context, userID string) (bool, error)
}

// Compile-time check to verify that PostgresUserStore implements UserRepository.
var _ UserRepository = (*PostgresUserStore)(nil)

// PostgresUserStore is the UserRepository backed by PostgreSQL.
type PostgresUserStore struct {
	db *pgxpool.Pool
}

// NewPostgresUserStore creates a new repository instance with the given connection pool.
func NewPostgresUserStore(db *pgxpool.Pool) *PostgresUserStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresUserStore{db: db}
}

// RegisterUser inserts the user, treating duplicates as a no-op.
func (s *PostgresUserStore) RegisterUser(ctx context.Context, userID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO users (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return false, fmt.Errorf("failed to register user %q: %w", userID, err)
	}

	return tag.RowsAffected() > 0, nil
}
