package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/repositories"
	"github.com/upb/crypto-control-plane/services"
	"go.uber.org/zap"
)

// AuditLedgerRepository implements repositories.AuditLedgerRepository.
// The table is append-only; there is deliberately no UPDATE or DELETE here.
type AuditLedgerRepository struct {
	db     *DB
	tx     *sql.Tx
	logger *zap.Logger
}

// NewAuditLedgerRepository creates a new audit ledger repository
func NewAuditLedgerRepository(db *DB, logger *zap.Logger) repositories.AuditLedgerRepository {
	return &AuditLedgerRepository{
		db:     db,
		logger: logger,
	}
}

// WithTx returns a new repository instance bound to the transaction
func (r *AuditLedgerRepository) WithTx(tx repositories.Transaction) repositories.AuditLedgerRepository {
	pgTx, ok := tx.(*Transaction)
	if !ok {
		return r
	}
	return &AuditLedgerRepository{db: r.db, tx: pgTx.GetTx(), logger: r.logger}
}

func (r *AuditLedgerRepository) executor(ctx context.Context) Executor {
	if r.tx != nil {
		return r.tx
	}
	return GetExecutor(ctx, r.db)
}

const auditEntryColumns = `sequence, timestamp, run_id, step_id, actor, action, payload, prev_hash, hash, signature`

// Insert appends a new audit entry. The primary key on sequence makes a
// duplicate append fail instead of silently forking the chain.
func (r *AuditLedgerRepository) Insert(ctx context.Context, entry *models.AuditEntry) error {
	query := `
		INSERT INTO audit_entries (` + auditEntryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.executor(ctx).ExecContext(ctx, query,
		entry.Sequence,
		entry.Timestamp,
		entry.RunID,
		entry.StepID,
		entry.Actor,
		entry.Action,
		nullableJSON(entry.Payload),
		entry.PrevHash,
		entry.Hash,
		entry.Signature,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	r.logger.Debug("audit entry inserted",
		zap.Uint64("sequence", entry.Sequence),
		zap.String("action", string(entry.Action)))
	return nil
}

// GetBySequence retrieves an entry by its sequence number
func (r *AuditLedgerRepository) GetBySequence(ctx context.Context, seq uint64) (*models.AuditEntry, error) {
	query := `
		SELECT ` + auditEntryColumns + `
		FROM audit_entries
		WHERE sequence = $1
	`
	return r.scanEntry(r.executor(ctx).QueryRowContext(ctx, query, seq))
}

// GetLatest retrieves the entry with the highest sequence number
func (r *AuditLedgerRepository) GetLatest(ctx context.Context) (*models.AuditEntry, error) {
	query := `
		SELECT ` + auditEntryColumns + `
		FROM audit_entries
		ORDER BY sequence DESC
		LIMIT 1
	`
	return r.scanEntry(r.executor(ctx).QueryRowContext(ctx, query))
}

// GetRange retrieves entries with from <= sequence <= to, ascending
func (r *AuditLedgerRepository) GetRange(ctx context.Context, from, to uint64) ([]*models.AuditEntry, error) {
	query := `
		SELECT ` + auditEntryColumns + `
		FROM audit_entries
		WHERE sequence >= $1 AND sequence <= $2
		ORDER BY sequence ASC
	`
	return r.queryEntries(ctx, query, from, to)
}

// GetByRunID retrieves all entries for a run, ascending by sequence
func (r *AuditLedgerRepository) GetByRunID(ctx context.Context, runID uuid.UUID) ([]*models.AuditEntry, error) {
	query := `
		SELECT ` + auditEntryColumns + `
		FROM audit_entries
		WHERE run_id = $1
		ORDER BY sequence ASC
	`
	return r.queryEntries(ctx, query, runID)
}

// Count returns the number of stored entries
func (r *AuditLedgerRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.executor(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return count, nil
}

func (r *AuditLedgerRepository) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*models.AuditEntry, error) {
	rows, err := r.executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		entry, err := r.scanEntryRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *AuditLedgerRepository) scanEntry(row *sql.Row) (*models.AuditEntry, error) {
	entry, err := r.scanEntryRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, services.ErrAuditEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (r *AuditLedgerRepository) scanEntryRow(row rowScanner) (*models.AuditEntry, error) {
	entry := &models.AuditEntry{}
	var stepID, signature sql.NullString
	var payload []byte

	err := row.Scan(
		&entry.Sequence,
		&entry.Timestamp,
		&entry.RunID,
		&stepID,
		&entry.Actor,
		&entry.Action,
		&payload,
		&entry.PrevHash,
		&entry.Hash,
		&signature,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan audit entry: %w", err)
	}

	entry.StepID = stepID.String
	entry.Signature = signature.String
	if len(payload) > 0 {
		entry.Payload = payload
	}
	return entry, nil
}

// nullableJSON maps an empty JSON document to NULL
func nullableJSON(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return data
}
