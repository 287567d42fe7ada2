package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/repositories"
	"github.com/upb/crypto-control-plane/services"
	"github.com/upb/crypto-control-plane/services/ledger"
)

// MockChainVerifier is a mock implementation of ChainVerifier
type MockChainVerifier struct {
	mock.Mock
}

func (m *MockChainVerifier) Verify(ctx context.Context, from, to uint64) (ledger.VerifyResult, error) {
	args := m.Called(ctx, from, to)
	return args.Get(0).(ledger.VerifyResult), args.Error(1)
}

func (m *MockChainVerifier) Head() (uint64, string) {
	args := m.Called()
	return args.Get(0).(uint64), args.String(1)
}

func (m *MockChainVerifier) Halted() bool {
	args := m.Called()
	return args.Bool(0)
}

// MockAuditRepository is a mock implementation of AuditLedgerRepository
type MockAuditRepository struct {
	mock.Mock
}

func (m *MockAuditRepository) Insert(ctx context.Context, entry *models.AuditEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockAuditRepository) GetBySequence(ctx context.Context, seq uint64) (*models.AuditEntry, error) {
	args := m.Called(ctx, seq)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AuditEntry), args.Error(1)
}

func (m *MockAuditRepository) GetLatest(ctx context.Context) (*models.AuditEntry, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AuditEntry), args.Error(1)
}

func (m *MockAuditRepository) GetRange(ctx context.Context, from, to uint64) ([]*models.AuditEntry, error) {
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.AuditEntry), args.Error(1)
}

func (m *MockAuditRepository) GetByRunID(ctx context.Context, runID uuid.UUID) ([]*models.AuditEntry, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.AuditEntry), args.Error(1)
}

func (m *MockAuditRepository) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockAuditRepository) WithTx(tx repositories.Transaction) repositories.AuditLedgerRepository {
	return m
}

func TestHandleVerify(t *testing.T) {
	logger := zap.NewNop()

	t.Run("verifies the requested range", func(t *testing.T) {
		verifier := new(MockChainVerifier)
		handler := NewAuditHandler(verifier, new(MockAuditRepository), logger)

		verifier.On("Verify", mock.Anything, uint64(10), uint64(20)).
			Return(ledger.VerifyResult{Valid: true, Checked: 11}, nil)

		w := httptest.NewRecorder()
		handler.HandleVerify(w, authedRequest(http.MethodGet, "/api/v1/audit/verify?from=10&to=20", nil))

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		data := response["data"].(map[string]interface{})
		assert.Equal(t, true, data["valid"])
		assert.Equal(t, float64(11), data["checked"])
		verifier.AssertExpectations(t)
	})

	t.Run("defaults to the whole chain", func(t *testing.T) {
		verifier := new(MockChainVerifier)
		handler := NewAuditHandler(verifier, new(MockAuditRepository), logger)

		verifier.On("Verify", mock.Anything, uint64(0), uint64(0)).
			Return(ledger.VerifyResult{Valid: true, Checked: 42}, nil)

		w := httptest.NewRecorder()
		handler.HandleVerify(w, authedRequest(http.MethodGet, "/api/v1/audit/verify", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		verifier.AssertExpectations(t)
	})

	t.Run("reports divergence without failing the request", func(t *testing.T) {
		verifier := new(MockChainVerifier)
		handler := NewAuditHandler(verifier, new(MockAuditRepository), logger)

		first := uint64(7)
		verifier.On("Verify", mock.Anything, uint64(0), uint64(0)).
			Return(ledger.VerifyResult{
				Valid:        false,
				Checked:      7,
				FirstInvalid: &first,
				Reason:       "hash mismatch",
			}, nil)

		w := httptest.NewRecorder()
		handler.HandleVerify(w, authedRequest(http.MethodGet, "/api/v1/audit/verify", nil))

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		data := response["data"].(map[string]interface{})
		assert.Equal(t, false, data["valid"])
		assert.Equal(t, float64(7), data["first_invalid"])
	})

	t.Run("maps a halted ledger to service unavailable", func(t *testing.T) {
		verifier := new(MockChainVerifier)
		handler := NewAuditHandler(verifier, new(MockAuditRepository), logger)

		verifier.On("Verify", mock.Anything, uint64(0), uint64(0)).
			Return(ledger.VerifyResult{}, services.ErrLedgerHalted)

		w := httptest.NewRecorder()
		handler.HandleVerify(w, authedRequest(http.MethodGet, "/api/v1/audit/verify", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestHandleHead(t *testing.T) {
	verifier := new(MockChainVerifier)
	handler := NewAuditHandler(verifier, new(MockAuditRepository), zap.NewNop())

	verifier.On("Head").Return(uint64(99), "abcdef")
	verifier.On("Halted").Return(false)

	w := httptest.NewRecorder()
	handler.HandleHead(w, authedRequest(http.MethodGet, "/api/v1/audit/head", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	data := response["data"].(map[string]interface{})
	assert.Equal(t, float64(99), data["sequence"])
	assert.Equal(t, "abcdef", data["hash"])
	assert.Equal(t, false, data["halted"])
}

func TestHandleListEntries(t *testing.T) {
	logger := zap.NewNop()

	t.Run("lists entries for a run", func(t *testing.T) {
		repo := new(MockAuditRepository)
		handler := NewAuditHandler(new(MockChainVerifier), repo, logger)

		runID := uuid.New()
		repo.On("GetByRunID", mock.Anything, runID).Return([]*models.AuditEntry{
			{Sequence: 1, RunID: runID, Action: models.EntryRunAccepted},
			{Sequence: 2, RunID: runID, Action: models.EntryStateChanged},
		}, nil)

		w := httptest.NewRecorder()
		handler.HandleListEntries(w, authedRequest(http.MethodGet, "/api/v1/audit/entries?run_id="+runID.String(), nil))

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		data := response["data"].([]interface{})
		assert.Len(t, data, 2)
	})

	t.Run("requires run_id", func(t *testing.T) {
		handler := NewAuditHandler(new(MockChainVerifier), new(MockAuditRepository), logger)

		w := httptest.NewRecorder()
		handler.HandleListEntries(w, authedRequest(http.MethodGet, "/api/v1/audit/entries", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects malformed run_id", func(t *testing.T) {
		handler := NewAuditHandler(new(MockChainVerifier), new(MockAuditRepository), logger)

		w := httptest.NewRecorder()
		handler.HandleListEntries(w, authedRequest(http.MethodGet, "/api/v1/audit/entries?run_id=nope", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
