package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/crypto-control-plane/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	// Check if we can query
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		-- Versioned policy sets (immutable per version)
		CREATE TABLE IF NOT EXISTS policy_sets (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			strict_mode BOOLEAN NOT NULL DEFAULT false,
			effective_at TIMESTAMPTZ NOT NULL,
			rules JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Run snapshots (accepted and terminal states)
		CREATE TABLE IF NOT EXISTS runs (
			id UUID PRIMARY KEY,
			request_id UUID NOT NULL,
			operation VARCHAR(50) NOT NULL,
			state VARCHAR(20) NOT NULL,
			steps JSONB NOT NULL,
			reasons JSONB,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ
		);

		-- Hash-chained audit entries (append-only)
		CREATE TABLE IF NOT EXISTS audit_entries (
			sequence BIGINT PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			run_id UUID NOT NULL,
			step_id VARCHAR(255),
			actor VARCHAR(255) NOT NULL,
			action VARCHAR(50) NOT NULL,
			payload JSONB,
			prev_hash VARCHAR(64) NOT NULL,
			hash VARCHAR(64) NOT NULL,
			signature VARCHAR(128)
		);

		-- Durable key and certificate records (never deleted)
		CREATE TABLE IF NOT EXISTS inventory_records (
			id UUID PRIMARY KEY,
			type VARCHAR(20) NOT NULL,
			state VARCHAR(20) NOT NULL,
			algorithm VARCHAR(50),
			key_size INTEGER,
			curve VARCHAR(50),
			common_name VARCHAR(255),
			subject_alt_names JSONB,
			not_before TIMESTAMPTZ,
			not_after TIMESTAMPTZ,
			created_by_run UUID NOT NULL,
			predecessor UUID,
			history JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		-- Compliance reports derived from run decisions
		CREATE TABLE IF NOT EXISTS compliance_reports (
			id UUID PRIMARY KEY,
			run_id UUID NOT NULL UNIQUE,
			operation VARCHAR(50) NOT NULL,
			policy_version INTEGER NOT NULL,
			score INTEGER NOT NULL,
			compliant BOOLEAN NOT NULL,
			violations JSONB,
			warnings JSONB,
			generated_at TIMESTAMPTZ NOT NULL
		);

		-- Indexes for performance
		CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_run_id ON audit_entries(run_id);
		CREATE INDEX IF NOT EXISTS idx_inventory_records_state ON inventory_records(state);
		CREATE INDEX IF NOT EXISTS idx_inventory_records_created_by_run ON inventory_records(created_by_run);
		CREATE INDEX IF NOT EXISTS idx_inventory_records_not_after ON inventory_records(not_after);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized")
	return nil
}
