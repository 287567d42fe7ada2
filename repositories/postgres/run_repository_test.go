package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/services"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return &DB{DB: mockDB, logger: zap.NewNop()}, mock
}

func sampleSnapshot() *models.RunSnapshot {
	return &models.RunSnapshot{
		RunID:     uuid.New(),
		RequestID: uuid.New(),
		Operation: models.OperationGenerateKey,
		State:     models.RunStatePlanned,
		Steps: []models.StepStatus{
			{StepID: "keygen", Outcome: models.StepPending},
		},
		StartedAt: time.Now(),
	}
}

func TestRunRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRunRepository(db, zap.NewNop())

	snap := sampleSnapshot()
	mock.ExpectExec(`(?s)INSERT INTO runs`).
		WithArgs(snap.RunID, snap.RequestID, snap.Operation, snap.State,
			sqlmock.AnyArg(), nil, snap.StartedAt, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepository_UpdateNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRunRepository(db, zap.NewNop())

	snap := sampleSnapshot()
	snap.State = models.RunStateCompleted
	mock.ExpectExec(`(?s)UPDATE runs`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), snap)
	assert.ErrorIs(t, err, services.ErrRunNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepository_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRunRepository(db, zap.NewNop())

	runID := uuid.New()
	requestID := uuid.New()
	started := time.Now().Add(-time.Minute)
	steps, err := json.Marshal([]models.StepStatus{
		{StepID: "keygen", Outcome: models.StepSucceeded, Attempts: 2},
	})
	require.NoError(t, err)
	reasons, err := json.Marshal([]string{"step issue failed after 1 attempt(s)"})
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{
		"id", "request_id", "operation", "state", "steps", "reasons", "started_at", "ended_at",
	}).AddRow(runID.String(), requestID.String(), "generate_key", "FAILED",
		steps, reasons, started, nil)

	mock.ExpectQuery(`(?s)SELECT.+FROM runs.+WHERE id = \$1`).
		WithArgs(runID).
		WillReturnRows(rows)

	snap, err := repo.GetByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, runID, snap.RunID)
	assert.Equal(t, models.RunStateFailed, snap.State)
	require.Len(t, snap.Steps, 1)
	assert.Equal(t, models.StepSucceeded, snap.Steps[0].Outcome)
	assert.Equal(t, 2, snap.Steps[0].Attempts)
	require.Len(t, snap.Reasons, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepository_GetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRunRepository(db, zap.NewNop())

	mock.ExpectQuery(`(?s)SELECT.+FROM runs.+WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "request_id", "operation", "state", "steps", "reasons", "started_at", "ended_at",
		}))

	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, services.ErrRunNotFound)
}

func TestRunRepository_ListRecent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRunRepository(db, zap.NewNop())

	newer := sampleSnapshot()
	older := sampleSnapshot()
	rows := sqlmock.NewRows([]string{
		"id", "request_id", "operation", "state", "steps", "reasons", "started_at", "ended_at",
	}).
		AddRow(newer.RunID.String(), newer.RequestID.String(), "rotate_key", "COMPLETED",
			[]byte(`[]`), nil, time.Now(), nil).
		AddRow(older.RunID.String(), older.RequestID.String(), "generate_key", "FAILED",
			[]byte(`[]`), nil, time.Now().Add(-time.Hour), nil)

	mock.ExpectQuery(`(?s)SELECT.+FROM runs.+ORDER BY started_at DESC.+LIMIT \$1 OFFSET \$2`).
		WithArgs(20, 0).
		WillReturnRows(rows)

	snaps, err := repo.ListRecent(context.Background(), 20, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, newer.RunID, snaps[0].RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
