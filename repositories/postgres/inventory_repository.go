package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/repositories"
	"github.com/upb/crypto-control-plane/services"
	"go.uber.org/zap"
)

// InventoryRepository implements repositories.InventoryRepository. Records
// are never deleted; Update only overwrites the mutable fields and history.
type InventoryRepository struct {
	db     *DB
	tx     *sql.Tx
	logger *zap.Logger
}

// NewInventoryRepository creates a new inventory repository
func NewInventoryRepository(db *DB, logger *zap.Logger) repositories.InventoryRepository {
	return &InventoryRepository{
		db:     db,
		logger: logger,
	}
}

// WithTx returns a new repository instance bound to the transaction
func (r *InventoryRepository) WithTx(tx repositories.Transaction) repositories.InventoryRepository {
	pgTx, ok := tx.(*Transaction)
	if !ok {
		return r
	}
	return &InventoryRepository{db: r.db, tx: pgTx.GetTx(), logger: r.logger}
}

func (r *InventoryRepository) executor(ctx context.Context) Executor {
	if r.tx != nil {
		return r.tx
	}
	return GetExecutor(ctx, r.db)
}

const inventoryColumns = `id, type, state, algorithm, key_size, curve, common_name,
		subject_alt_names, not_before, not_after, created_by_run, predecessor,
		history, created_at, updated_at`

// Create stores a new record
func (r *InventoryRepository) Create(ctx context.Context, rec *models.InventoryRecord) error {
	sans, history, err := marshalRecordFields(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO inventory_records (` + inventoryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = r.executor(ctx).ExecContext(ctx, query,
		rec.ID,
		rec.Type,
		rec.State,
		rec.Algorithm,
		rec.KeySize,
		rec.Curve,
		rec.CommonName,
		sans,
		rec.NotBefore,
		rec.NotAfter,
		rec.CreatedByRun,
		rec.Predecessor,
		history,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create inventory record: %w", err)
	}

	r.logger.Debug("inventory record created",
		zap.String("id", rec.ID.String()),
		zap.String("type", string(rec.Type)))
	return nil
}

// Update overwrites a record's mutable fields and history
func (r *InventoryRepository) Update(ctx context.Context, rec *models.InventoryRecord) error {
	_, history, err := marshalRecordFields(rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE inventory_records
		SET state = $2, history = $3, updated_at = $4
		WHERE id = $1
	`
	result, err := r.executor(ctx).ExecContext(ctx, query,
		rec.ID,
		rec.State,
		history,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update inventory record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check inventory update: %w", err)
	}
	if affected == 0 {
		return services.ErrRecordNotFound
	}

	r.logger.Debug("inventory record updated",
		zap.String("id", rec.ID.String()),
		zap.String("state", string(rec.State)))
	return nil
}

// GetByID retrieves a record by ID
func (r *InventoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.InventoryRecord, error) {
	query := `
		SELECT ` + inventoryColumns + `
		FROM inventory_records
		WHERE id = $1
	`
	rec, err := r.scanRecord(r.executor(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, services.ErrRecordNotFound
		}
		return nil, err
	}
	return rec, nil
}

// GetByCreatedByRun retrieves the records a run created
func (r *InventoryRepository) GetByCreatedByRun(ctx context.Context, runID uuid.UUID) ([]*models.InventoryRecord, error) {
	query := `
		SELECT ` + inventoryColumns + `
		FROM inventory_records
		WHERE created_by_run = $1
		ORDER BY created_at ASC
	`
	return r.queryRecords(ctx, query, runID)
}

// List retrieves records with pagination, newest first
func (r *InventoryRepository) List(ctx context.Context, limit, offset int) ([]*models.InventoryRecord, error) {
	query := `
		SELECT ` + inventoryColumns + `
		FROM inventory_records
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	return r.queryRecords(ctx, query, limit, offset)
}

// ListByState retrieves records in a given state with pagination
func (r *InventoryRepository) ListByState(ctx context.Context, state models.RecordState, limit, offset int) ([]*models.InventoryRecord, error) {
	query := `
		SELECT ` + inventoryColumns + `
		FROM inventory_records
		WHERE state = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	return r.queryRecords(ctx, query, state, limit, offset)
}

// ListExpiringBefore retrieves ACTIVE certificate records whose not-after
// falls before the cutoff
func (r *InventoryRepository) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*models.InventoryRecord, error) {
	query := `
		SELECT ` + inventoryColumns + `
		FROM inventory_records
		WHERE state = $1 AND type = $2 AND not_after IS NOT NULL AND not_after < $3
		ORDER BY not_after ASC
	`
	return r.queryRecords(ctx, query, models.RecordStateActive, models.RecordTypeCertificate, cutoff)
}

func (r *InventoryRepository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*models.InventoryRecord, error) {
	rows, err := r.executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory records: %w", err)
	}
	defer rows.Close()

	var recs []*models.InventoryRecord
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate inventory records: %w", err)
	}
	return recs, nil
}

func (r *InventoryRepository) scanRecord(row rowScanner) (*models.InventoryRecord, error) {
	rec := &models.InventoryRecord{}
	var algorithm, curve, commonName sql.NullString
	var keySize sql.NullInt64
	var sans, history []byte

	err := row.Scan(
		&rec.ID,
		&rec.Type,
		&rec.State,
		&algorithm,
		&keySize,
		&curve,
		&commonName,
		&sans,
		&rec.NotBefore,
		&rec.NotAfter,
		&rec.CreatedByRun,
		&rec.Predecessor,
		&history,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan inventory record: %w", err)
	}

	rec.Algorithm = algorithm.String
	rec.Curve = curve.String
	rec.CommonName = commonName.String
	rec.KeySize = int(keySize.Int64)
	if len(sans) > 0 {
		if err := json.Unmarshal(sans, &rec.SubjectAltNames); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subject alt names: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &rec.History); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record history: %w", err)
		}
	}
	return rec, nil
}

func marshalRecordFields(rec *models.InventoryRecord) (interface{}, []byte, error) {
	var sans interface{}
	if len(rec.SubjectAltNames) > 0 {
		data, err := json.Marshal(rec.SubjectAltNames)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal subject alt names: %w", err)
		}
		sans = data
	}
	history := rec.History
	if history == nil {
		history = []models.StateTransition{}
	}
	historyData, err := json.Marshal(history)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal record history: %w", err)
	}
	return sans, historyData, nil
}
