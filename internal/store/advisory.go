package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spaolacci/murmur3"
)

// PostgresUserLock serializes per-user work across processes with Postgres
// session advisory locks. The consumer, the scheduler, and the API all run a
// membership engine against the same database; an in-process mutex alone
// cannot order their refreshes.
type PostgresUserLock struct {
	db *pgxpool.Pool
}

// NewPostgresUserLock creates an advisory lock manager over the pool.
func NewPostgresUserLock(db *pgxpool.Pool) *PostgresUserLock {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresUserLock{db: db}
}

// Acquire blocks until the user's lock is held and returns the release
// function. The lock lives on a dedicated pooled connection; release must be
// called exactly once and never inherits the caller's context, so a cancelled
// request still unlocks.
func (l *PostgresUserLock) Acquire(ctx context.Context, userID string) (release func(), err error) {
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for user lock %q: %w", userID, err)
	}

	id := userLockID(userID)
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to acquire user lock %q: %w", userID, err)
	}

	return func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", id); err != nil {
			// The connection's lock state is unknown; closing the session
			// releases the lock server-side.
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, nil
}

func userLockID(userID string) int64 {
	return int64(murmur3.Sum64([]byte("user_refresh:" + userID)))
}
