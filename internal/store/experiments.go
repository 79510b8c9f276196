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

	"github.com/cohortd/cohortd/internal/assign"
)

// Experiment statuses.
const (
	ExperimentStatusActive = "active"
	ExperimentStatusPaused = "paused"
)

// Experiment is an A/B(/n) construct targeting one or more segments.
// A user is eligible if member of ANY listed segment (OR semantics).
// Variants preserve declared order; their weights sum to 100.
type Experiment struct {
	ID         string           `json:"id" db:"id"`
	Name       string           `json:"name" db:"name"`
	Status     string           `json:"status" db:"status"`
	SegmentIDs []string         `json:"segment_ids" db:"-"`
	Variants   []assign.Variant `json:"variants" db:"variants"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
}

// ExperimentRepository defines persistence for experiments.
// Experiments are authored administratively and read-only to the core.
type ExperimentRepository interface {
	// CreateExperiment inserts a new experiment and its segment targeting
	// rows. Variants must already be validated (see assign.ValidateVariants).
	CreateExperiment(ctx context.Context, exp *Experiment) error

	// ListActiveExperiments returns active experiments with their targeted
	// segment IDs, ordered by creation (deterministic resolution output).
	ListActiveExperiments(ctx context.Context) ([]*Experiment, error)
}

// Compile-time check to verify that PostgresExperimentStore implements ExperimentRepository.
var _ ExperimentRepository = (*PostgresExperimentStore)(nil)

// PostgresExperimentStore is the ExperimentRepository backed by PostgreSQL.
type PostgresExperimentStore struct {
	db *pgxpool.Pool
}

// NewPostgresExperimentStore creates a new repository instance with the given connection pool.
func NewPostgresExperimentStore(db *pgxpool.Pool) *PostgresExperimentStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresExperimentStore{db: db}
}

// CreateExperiment inserts the experiment and its targeting rows transactionally.
func (s *PostgresExperimentStore) CreateExperiment(ctx context.Context, exp *Experiment) error {
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	if exp.Status == "" {
		exp.Status = ExperimentStatusActive
	}

	variantsJSON, err := json.Marshal(exp.Variants)
	if err != nil {
		return fmt.Errorf("failed to marshal variants: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin experiment transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO experiments (id, name, status, variants)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, exp.ID, exp.Name, exp.Status, variantsJSON).Scan(&exp.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("experiment with name %q: %w", exp.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert experiment: %w", err)
	}

	for _, segmentID := range exp.SegmentIDs {
		_, err := tx.Exec(ctx, `
			INSERT INTO experiment_segments (experiment_id, segment_id)
			VALUES ($1, $2)
		`, exp.ID, segmentID)
		if err != nil {
			return fmt.Errorf("failed to link experiment %q to segment %q: %w", exp.ID, segmentID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit experiment: %w", err)
	}

	return nil
}

// ListActiveExperiments loads active experiments with their segment targeting.
func (s *PostgresExperimentStore) ListActiveExperiments(ctx context.Context) ([]*Experiment, error) {
	query := `
		SELECT e.id, e.name, e.status, e.variants, e.created_at,
		       COALESCE(array_agg(es.segment_id) FILTER (WHERE es.segment_id IS NOT NULL), '{}')
		FROM experiments e
		LEFT JOIN experiment_segments es ON es.experiment_id = e.id
		WHERE e.status = $1
		GROUP BY e.id
		ORDER BY e.created_at ASC, e.id ASC
	`

	rows, err := s.db.Query(ctx, query, ExperimentStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active experiments: %w", err)
	}
	defer rows.Close()

	var experiments []*Experiment
	for rows.Next() {
		var (
			exp          Experiment
			variantsJSON []byte
		)
		if err := rows.Scan(
			&exp.ID,
			&exp.Name,
			&exp.Status,
			&variantsJSON,
			&exp.CreatedAt,
			&exp.SegmentIDs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan experiment row: %w", err)
		}

		if err := json.Unmarshal(variantsJSON, &exp.Variants); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variants for experiment %q: %w", exp.ID, err)
		}

		experiments = append(experiments, &exp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return experiments, nil
}
