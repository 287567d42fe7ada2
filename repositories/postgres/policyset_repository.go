package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/repositories"
	"github.com/upb/crypto-control-plane/services"
	"go.uber.org/zap"
)

// PolicySetRepository implements repositories.PolicySetRepository. Sets are
// immutable per version; there is no update path.
type PolicySetRepository struct {
	db     *DB
	tx     *sql.Tx
	logger *zap.Logger
}

// NewPolicySetRepository creates a new policy set repository
func NewPolicySetRepository(db *DB, logger *zap.Logger) repositories.PolicySetRepository {
	return &PolicySetRepository{
		db:     db,
		logger: logger,
	}
}

// WithTx returns a new repository instance bound to the transaction
func (r *PolicySetRepository) WithTx(tx repositories.Transaction) repositories.PolicySetRepository {
	pgTx, ok := tx.(*Transaction)
	if !ok {
		return r
	}
	return &PolicySetRepository{db: r.db, tx: pgTx.GetTx(), logger: r.logger}
}

func (r *PolicySetRepository) executor(ctx context.Context) Executor {
	if r.tx != nil {
		return r.tx
	}
	return GetExecutor(ctx, r.db)
}

const policySetColumns = `version, name, strict_mode, effective_at, rules`

// Create stores a new policy set version
func (r *PolicySetRepository) Create(ctx context.Context, ps *models.PolicySet) error {
	rules, err := json.Marshal(ps.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal policy rules: %w", err)
	}

	query := `
		INSERT INTO policy_sets (` + policySetColumns + `)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = r.executor(ctx).ExecContext(ctx, query,
		ps.Version,
		ps.Name,
		ps.StrictMode,
		ps.EffectiveAt,
		rules,
	)
	if err != nil {
		return fmt.Errorf("failed to create policy set: %w", err)
	}

	r.logger.Debug("policy set created",
		zap.Int("version", ps.Version),
		zap.String("name", ps.Name))
	return nil
}

// GetVersion retrieves a specific policy set version
func (r *PolicySetRepository) GetVersion(ctx context.Context, version int) (*models.PolicySet, error) {
	query := `
		SELECT ` + policySetColumns + `
		FROM policy_sets
		WHERE version = $1
	`
	return r.scanSet(r.executor(ctx).QueryRowContext(ctx, query, version))
}

// GetCurrent retrieves the latest policy set whose effective-at is in the past
func (r *PolicySetRepository) GetCurrent(ctx context.Context) (*models.PolicySet, error) {
	query := `
		SELECT ` + policySetColumns + `
		FROM policy_sets
		WHERE effective_at <= CURRENT_TIMESTAMP
		ORDER BY version DESC
		LIMIT 1
	`
	return r.scanSet(r.executor(ctx).QueryRowContext(ctx, query))
}

// ListVersions lists stored versions in ascending order
func (r *PolicySetRepository) ListVersions(ctx context.Context) ([]int, error) {
	query := `SELECT version FROM policy_sets ORDER BY version ASC`

	rows, err := r.executor(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy set versions: %w", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan policy set version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate policy set versions: %w", err)
	}
	return versions, nil
}

func (r *PolicySetRepository) scanSet(row *sql.Row) (*models.PolicySet, error) {
	ps := &models.PolicySet{}
	var rules []byte

	err := row.Scan(
		&ps.Version,
		&ps.Name,
		&ps.StrictMode,
		&ps.EffectiveAt,
		&rules,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, services.ErrPolicySetNotFound
		}
		return nil, fmt.Errorf("failed to scan policy set: %w", err)
	}

	if err := json.Unmarshal(rules, &ps.Rules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy rules: %w", err)
	}
	return ps, nil
}
