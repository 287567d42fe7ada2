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

// ReportRepository implements repositories.ReportRepository
type ReportRepository struct {
	db     *DB
	tx     *sql.Tx
	logger *zap.Logger
}

// NewReportRepository creates a new compliance report repository
func NewReportRepository(db *DB, logger *zap.Logger) repositories.ReportRepository {
	return &ReportRepository{
		db:     db,
		logger: logger,
	}
}

// WithTx returns a new repository instance bound to the transaction
func (r *ReportRepository) WithTx(tx repositories.Transaction) repositories.ReportRepository {
	pgTx, ok := tx.(*Transaction)
	if !ok {
		return r
	}
	return &ReportRepository{db: r.db, tx: pgTx.GetTx(), logger: r.logger}
}

func (r *ReportRepository) executor(ctx context.Context) Executor {
	if r.tx != nil {
		return r.tx
	}
	return GetExecutor(ctx, r.db)
}

const reportColumns = `id, run_id, operation, policy_version, score, compliant, violations, warnings, generated_at`

// Create stores a new report
func (r *ReportRepository) Create(ctx context.Context, report *models.ComplianceReport) error {
	violations, err := json.Marshal(report.Violations)
	if err != nil {
		return fmt.Errorf("failed to marshal report violations: %w", err)
	}
	warnings, err := json.Marshal(report.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal report warnings: %w", err)
	}

	query := `
		INSERT INTO compliance_reports (` + reportColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.executor(ctx).ExecContext(ctx, query,
		report.ID,
		report.RunID,
		report.Operation,
		report.PolicyVersion,
		report.Score,
		report.Compliant,
		violations,
		warnings,
		report.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create compliance report: %w", err)
	}

	r.logger.Debug("compliance report created",
		zap.String("run_id", report.RunID.String()),
		zap.Int("score", report.Score))
	return nil
}

// GetByRunID retrieves the report generated for a run
func (r *ReportRepository) GetByRunID(ctx context.Context, runID uuid.UUID) (*models.ComplianceReport, error) {
	query := `
		SELECT ` + reportColumns + `
		FROM compliance_reports
		WHERE run_id = $1
	`
	report, err := r.scanReport(r.executor(ctx).QueryRowContext(ctx, query, runID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, services.ErrReportNotFound
		}
		return nil, err
	}
	return report, nil
}

// ListRecent retrieves the most recent reports
func (r *ReportRepository) ListRecent(ctx context.Context, limit, offset int) ([]*models.ComplianceReport, error) {
	query := `
		SELECT ` + reportColumns + `
		FROM compliance_reports
		ORDER BY generated_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.executor(ctx).QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query compliance reports: %w", err)
	}
	defer rows.Close()

	var reports []*models.ComplianceReport
	for rows.Next() {
		report, err := r.scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate compliance reports: %w", err)
	}
	return reports, nil
}

func (r *ReportRepository) scanReport(row rowScanner) (*models.ComplianceReport, error) {
	report := &models.ComplianceReport{}
	var violations, warnings []byte

	err := row.Scan(
		&report.ID,
		&report.RunID,
		&report.Operation,
		&report.PolicyVersion,
		&report.Score,
		&report.Compliant,
		&violations,
		&warnings,
		&report.GeneratedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan compliance report: %w", err)
	}

	if len(violations) > 0 {
		if err := json.Unmarshal(violations, &report.Violations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report violations: %w", err)
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &report.Warnings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report warnings: %w", err)
		}
	}
	return report, nil
}
