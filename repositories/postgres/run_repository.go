package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/repositories"
	"github.com/upb/crypto-control-plane/services"
	"go.uber.org/zap"
)

// RunRepository implements repositories.RunRepository
type RunRepository struct {
	db     *DB
	tx     *sql.Tx
	logger *zap.Logger
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *DB, logger *zap.Logger) repositories.RunRepository {
	return &RunRepository{
		db:     db,
		logger: logger,
	}
}

// WithTx returns a new repository instance bound to the transaction
func (r *RunRepository) WithTx(tx repositories.Transaction) repositories.RunRepository {
	pgTx, ok := tx.(*Transaction)
	if !ok {
		return r
	}
	return &RunRepository{db: r.db, tx: pgTx.GetTx(), logger: r.logger}
}

func (r *RunRepository) executor(ctx context.Context) Executor {
	if r.tx != nil {
		return r.tx
	}
	return GetExecutor(ctx, r.db)
}

const runColumns = `id, request_id, operation, state, steps, reasons, started_at, ended_at`

// Create stores a newly accepted run
func (r *RunRepository) Create(ctx context.Context, snap *models.RunSnapshot) error {
	steps, reasons, err := marshalRunFields(snap)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.executor(ctx).ExecContext(ctx, query,
		snap.RunID,
		snap.RequestID,
		snap.Operation,
		snap.State,
		steps,
		reasons,
		snap.StartedAt,
		snap.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	r.logger.Debug("run created",
		zap.String("run_id", snap.RunID.String()),
		zap.String("state", string(snap.State)))
	return nil
}

// Update overwrites the stored snapshot for a run
func (r *RunRepository) Update(ctx context.Context, snap *models.RunSnapshot) error {
	steps, reasons, err := marshalRunFields(snap)
	if err != nil {
		return err
	}

	query := `
		UPDATE runs
		SET state = $2, steps = $3, reasons = $4, ended_at = $5
		WHERE id = $1
	`
	result, err := r.executor(ctx).ExecContext(ctx, query,
		snap.RunID,
		snap.State,
		steps,
		reasons,
		snap.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check run update: %w", err)
	}
	if affected == 0 {
		return services.ErrRunNotFound
	}

	r.logger.Debug("run updated",
		zap.String("run_id", snap.RunID.String()),
		zap.String("state", string(snap.State)))
	return nil
}

// GetByID retrieves a run snapshot by run ID
func (r *RunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.RunSnapshot, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE id = $1
	`
	snap, err := r.scanRun(r.executor(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, services.ErrRunNotFound
		}
		return nil, err
	}
	return snap, nil
}

// ListByState retrieves runs in a given state with pagination
func (r *RunRepository) ListByState(ctx context.Context, state models.RunState, limit, offset int) ([]*models.RunSnapshot, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE state = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`
	return r.queryRuns(ctx, query, state, limit, offset)
}

// ListRecent retrieves the most recently started runs
func (r *RunRepository) ListRecent(ctx context.Context, limit, offset int) ([]*models.RunSnapshot, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2
	`
	return r.queryRuns(ctx, query, limit, offset)
}

func (r *RunRepository) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*models.RunSnapshot, error) {
	rows, err := r.executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var snaps []*models.RunSnapshot
	for rows.Next() {
		snap, err := r.scanRun(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return snaps, nil
}

func (r *RunRepository) scanRun(row rowScanner) (*models.RunSnapshot, error) {
	snap := &models.RunSnapshot{}
	var steps, reasons []byte

	err := row.Scan(
		&snap.RunID,
		&snap.RequestID,
		&snap.Operation,
		&snap.State,
		&steps,
		&reasons,
		&snap.StartedAt,
		&snap.EndedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &snap.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run steps: %w", err)
		}
	}
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &snap.Reasons); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run reasons: %w", err)
		}
	}
	return snap, nil
}

func marshalRunFields(snap *models.RunSnapshot) ([]byte, interface{}, error) {
	steps, err := json.Marshal(snap.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal run steps: %w", err)
	}
	var reasons interface{}
	if len(snap.Reasons) > 0 {
		data, err := json.Marshal(snap.Reasons)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal run reasons: %w", err)
		}
		reasons = data
	}
	return steps, reasons, nil
}
