package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/crypto-control-plane/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// PolicySetRepository handles versioned policy set storage. Policy sets are
// immutable per version; updates always create a new version.
type PolicySetRepository interface {
	// Create stores a new policy set version
	Create(ctx context.Context, ps *models.PolicySet) error

	// GetVersion retrieves a specific policy set version
	GetVersion(ctx context.Context, version int) (*models.PolicySet, error)

	// GetCurrent retrieves the latest policy set whose effective-at is in the past
	GetCurrent(ctx context.Context) (*models.PolicySet, error)

	// ListVersions lists stored versions in ascending order
	ListVersions(ctx context.Context) ([]int, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) PolicySetRepository
}

// AuditLedgerRepository persists hash-chained audit entries. Entries are
// append-only: there is no update or delete.
type AuditLedgerRepository interface {
	// Insert appends a new audit entry
	Insert(ctx context.Context, entry *models.AuditEntry) error

	// GetBySequence retrieves an entry by its sequence number
	GetBySequence(ctx context.Context, seq uint64) (*models.AuditEntry, error)

	// GetLatest retrieves the entry with the highest sequence number
	GetLatest(ctx context.Context) (*models.AuditEntry, error)

	// GetRange retrieves entries with from <= sequence <= to, ascending
	GetRange(ctx context.Context, from, to uint64) ([]*models.AuditEntry, error)

	// GetByRunID retrieves all entries for a run, ascending by sequence
	GetByRunID(ctx context.Context, runID uuid.UUID) ([]*models.AuditEntry, error)

	// Count returns the number of stored entries
	Count(ctx context.Context) (int64, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) AuditLedgerRepository
}

// RunRepository persists run snapshots. The in-flight run lives inside its
// workflow instance; snapshots are written on acceptance and at terminal
// transitions.
type RunRepository interface {
	// Create stores a newly accepted run
	Create(ctx context.Context, snap *models.RunSnapshot) error

	// GetByID retrieves a run snapshot by run ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.RunSnapshot, error)

	// Update overwrites the stored snapshot for a run
	Update(ctx context.Context, snap *models.RunSnapshot) error

	// ListByState retrieves runs in a given state with pagination
	ListByState(ctx context.Context, state models.RunState, limit, offset int) ([]*models.RunSnapshot, error)

	// ListRecent retrieves the most recently started runs
	ListRecent(ctx context.Context, limit, offset int) ([]*models.RunSnapshot, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) RunRepository
}

// InventoryRepository handles durable key and certificate records. Records
// are never deleted; the projector owns every mutation.
type InventoryRepository interface {
	// Create stores a new record
	Create(ctx context.Context, rec *models.InventoryRecord) error

	// GetByID retrieves a record by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.InventoryRecord, error)

	// GetByCreatedByRun retrieves the records a run created, which is how a
	// repeated commit detects its creations were already applied
	GetByCreatedByRun(ctx context.Context, runID uuid.UUID) ([]*models.InventoryRecord, error)

	// Update overwrites a record's mutable fields and history
	Update(ctx context.Context, rec *models.InventoryRecord) error

	// List retrieves records with pagination, newest first
	List(ctx context.Context, limit, offset int) ([]*models.InventoryRecord, error)

	// ListByState retrieves records in a given state with pagination
	ListByState(ctx context.Context, state models.RecordState, limit, offset int) ([]*models.InventoryRecord, error)

	// ListExpiringBefore retrieves ACTIVE certificate records whose not-after
	// falls before the cutoff
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*models.InventoryRecord, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) InventoryRepository
}

// ReportRepository persists compliance reports derived from run decisions
type ReportRepository interface {
	// Create stores a new report
	Create(ctx context.Context, report *models.ComplianceReport) error

	// GetByRunID retrieves the report generated for a run
	GetByRunID(ctx context.Context, runID uuid.UUID) (*models.ComplianceReport, error)

	// ListRecent retrieves the most recent reports
	ListRecent(ctx context.Context, limit, offset int) ([]*models.ComplianceReport, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) ReportRepository
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	PolicySets  PolicySetRepository
	AuditLedger AuditLedgerRepository
	Runs        RunRepository
	Inventory   InventoryRepository
	Reports     ReportRepository
}
