package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cohortd/cohortd/internal/rules"
)

// Segment is a named group of users defined by a boolean rule tree over
// computed statistics. RuleTree mirrors the JSONB 'rules' column; Compiled is
// populated on load and never serialized. A segment whose stored tree fails
// compilation (validation bypassed, e.g. by a manual DB edit) carries a nil
// Compiled and therefore never matches; the engine fails closed.
type Segment struct {
	ID          string          `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	Description string          `json:"description" db:"description"`
	RuleTree    json.RawMessage `json:"rules" db:"rules"`
	Compiled    *rules.Compiled `json:"-" db:"-"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// SegmentRepository defines persistence for segments and their memberships.
// Membership rows are a cached derived fact: they are mutated only through
// ApplyDelta, never directly by readers.
type SegmentRepository interface {
	// CreateSegment inserts a new segment. The rule tree must already be
	// validated (see rules.Compile); a missing ID is generated.
	CreateSegment(ctx context.Context, seg *Segment) error

	// ListActiveSegments returns all segments with their rule trees compiled,
	// ordered by creation (deterministic).
	ListActiveSegments(ctx context.Context) ([]*Segment, error)

	// GetMembership returns the set of segment IDs the user currently belongs to.
	GetMembership(ctx context.Context, userID string) (map[string]struct{}, error)

	// ApplyDelta atomically inserts the added memberships and deletes the
	// removed ones. Unchanged rows keep their 'since' timestamps.
	ApplyDelta(ctx context.Context, userID string, added, removed []string) error
}

// Compile-time check to verify that PostgresSegmentStore implements SegmentRepository.
var _ SegmentRepository = (*PostgresSegmentStore)(nil)

// PostgresSegmentStore is the SegmentRepository backed by PostgreSQL.
type PostgresSegmentStore struct {
	db *pgxpool.Pool
}

// NewPostgresSegmentStore creates a new repository instance with the given connection pool.
func NewPostgresSegmentStore(db *pgxpool.Pool) *PostgresSegmentStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresSegmentStore{db: db}
}

// CreateSegment inserts a new segment row.
func (s *PostgresSegmentStore) CreateSegment(ctx context.Context, seg *Segment) error {
	if seg.ID == "" {
		seg.ID = uuid.NewString()
	}

	query := `
		INSERT INTO segments (id, name, description, rules)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`

	err := s.db.QueryRow(ctx, query,
		seg.ID,
		seg.Name,
		seg.Description,
		seg.RuleTree,
	).Scan(&seg.CreatedAt, &seg.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("segment with name %q: %w", seg.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert segment: %w", err)
	}

	return nil
}

// ListActiveSegments loads every segment and compiles its rule tree.
func (s *PostgresSegmentStore) ListActiveSegments(ctx context.Context) ([]*Segment, error) {
	query := `
		SELECT id, name, description, rules, created_at, updated_at
		FROM segments
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var segments []*Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(
			&seg.ID,
			&seg.Name,
			&seg.Description,
			&seg.RuleTree,
			&seg.CreatedAt,
			&seg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan segment row: %w", err)
		}

		// Stored trees were validated at authoring; a compile failure here
		// means the row was tampered with. Leave Compiled nil (never matches).
		if compiled, err := rules.Compile(seg.RuleTree); err == nil {
			seg.Compiled = compiled
		}

		segments = append(segments, &seg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return segments, nil
}

// GetMembership returns the user's current segment ID set.
func (s *PostgresSegmentStore) GetMembership(ctx context.Context, userID string) (map[string]struct{}, error) {
	query := `SELECT segment_id FROM user_segment_memberships WHERE user_id = $1`

	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get membership for user %q: %w", userID, err)
	}
	defer rows.Close()

	membership := make(map[string]struct{})
	for rows.Next() {
		var segmentID string
		if err := rows.Scan(&segmentID); err != nil {
			return nil, fmt.Errorf("failed to scan membership row: %w", err)
		}
		membership[segmentID] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return membership, nil
}

// ApplyDelta applies the membership diff in a single transaction.
// Inserts are idempotent (ON CONFLICT DO NOTHING) so concurrent or replayed
// refreshes converge instead of failing.
func (s *PostgresSegmentStore) ApplyDelta(ctx context.Context, userID string, added, removed []string) error {
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin membership transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, segmentID := range added {
		_, err := tx.Exec(ctx, `
			INSERT INTO user_segment_memberships (user_id, segment_id)
			VALUES ($1, $2)
			ON CONFLICT (user_id, segment_id) DO NOTHING
		`, userID, segmentID)
		if err != nil {
			return fmt.Errorf("failed to add membership %q for user %q: %w", segmentID, userID, err)
		}
	}

	if len(removed) > 0 {
		_, err := tx.Exec(ctx, `
			DELETE FROM user_segment_memberships
			WHERE user_id = $1 AND segment_id = ANY($2)
		`, userID, removed)
		if err != nil {
			return fmt.Errorf("failed to remove memberships for user %q: %w", userID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit membership delta: %w", err)
	}

	return nil
}
