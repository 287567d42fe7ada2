package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/crypto-control-plane/internal/auth"
	"github.com/upb/crypto-control-plane/middleware"
	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/services"
	"github.com/upb/crypto-control-plane/services/orchestrator"
)

// MockRunService is a mock implementation of RunService
type MockRunService struct {
	mock.Mock
}

func (m *MockRunService) Submit(ctx context.Context, input orchestrator.SubmitInput) (*models.RunSnapshot, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RunSnapshot), args.Error(1)
}

func (m *MockRunService) Status(ctx context.Context, runID uuid.UUID) (*models.RunSnapshot, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RunSnapshot), args.Error(1)
}

func (m *MockRunService) ListRuns(ctx context.Context, limit, offset int) ([]*models.RunSnapshot, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.RunSnapshot), args.Error(1)
}

func (m *MockRunService) Cancel(ctx context.Context, runID uuid.UUID, actor string) error {
	args := m.Called(ctx, runID, actor)
	return args.Error(0)
}

// authedRequest builds a request carrying operator claims and a request ID
func authedRequest(method, target string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	ctx := middleware.WithRequestID(req.Context(), "test-request")
	ctx = middleware.WithClaims(ctx, &auth.ParsedClaims{
		Subject:   "alice",
		Role:      auth.RoleOperator,
		Requester: "alice",
	})
	return req.WithContext(ctx)
}

// withURLParam injects a chi route parameter
func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestHandleSubmitRun(t *testing.T) {
	logger := zap.NewNop()

	t.Run("accepts a valid submission", func(t *testing.T) {
		svc := new(MockRunService)
		handler := NewRunHandler(svc, logger)

		snap := &models.RunSnapshot{
			RunID:     uuid.New(),
			Operation: models.OperationGenerateKey,
			State:     models.RunStatePlanned,
		}
		svc.On("Submit", mock.Anything, orchestrator.SubmitInput{
			Operation:  models.OperationGenerateKey,
			Parameters: models.Parameters{Algorithm: "RSA", KeySize: 4096},
			Requester:  "alice",
		}).Return(snap, nil)

		body, err := json.Marshal(SubmitRunRequest{
			Operation:  models.OperationGenerateKey,
			Parameters: models.Parameters{Algorithm: "RSA", KeySize: 4096},
		})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		handler.HandleSubmitRun(w, authedRequest(http.MethodPost, "/api/v1/runs", body))

		assert.Equal(t, http.StatusAccepted, w.Code)

		var response map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		data := response["data"].(map[string]interface{})
		assert.Equal(t, snap.RunID.String(), data["run_id"])
		assert.Equal(t, "PLANNED", data["state"])
		svc.AssertExpectations(t)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		handler := NewRunHandler(new(MockRunService), logger)

		w := httptest.NewRecorder()
		handler.HandleSubmitRun(w, authedRequest(http.MethodPost, "/api/v1/runs", []byte("{not json")))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects missing operation", func(t *testing.T) {
		handler := NewRunHandler(new(MockRunService), logger)

		w := httptest.NewRecorder()
		handler.HandleSubmitRun(w, authedRequest(http.MethodPost, "/api/v1/runs", []byte(`{"parameters":{}}`)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("maps plan rejection to bad request", func(t *testing.T) {
		svc := new(MockRunService)
		handler := NewRunHandler(svc, logger)

		svc.On("Submit", mock.Anything, mock.Anything).
			Return(nil, services.NewDomainError(services.ErrorTypePlan, "no plan template", nil))

		body := []byte(`{"operation":"generate_key"}`)
		w := httptest.NewRecorder()
		handler.HandleSubmitRun(w, authedRequest(http.MethodPost, "/api/v1/runs", body))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleGetRun(t *testing.T) {
	logger := zap.NewNop()

	t.Run("returns run snapshot", func(t *testing.T) {
		svc := new(MockRunService)
		handler := NewRunHandler(svc, logger)

		runID := uuid.New()
		svc.On("Status", mock.Anything, runID).Return(&models.RunSnapshot{
			RunID: runID,
			State: models.RunStateExecuting,
		}, nil)

		req := withURLParam(authedRequest(http.MethodGet, "/api/v1/runs/"+runID.String(), nil), "id", runID.String())
		w := httptest.NewRecorder()
		handler.HandleGetRun(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		data := response["data"].(map[string]interface{})
		assert.Equal(t, "EXECUTING", data["state"])
	})

	t.Run("rejects invalid run ID", func(t *testing.T) {
		handler := NewRunHandler(new(MockRunService), logger)

		req := withURLParam(authedRequest(http.MethodGet, "/api/v1/runs/nope", nil), "id", "nope")
		w := httptest.NewRecorder()
		handler.HandleGetRun(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("maps unknown run to not found", func(t *testing.T) {
		svc := new(MockRunService)
		handler := NewRunHandler(svc, logger)

		runID := uuid.New()
		svc.On("Status", mock.Anything, runID).Return(nil, services.ErrRunNotFound)

		req := withURLParam(authedRequest(http.MethodGet, "/api/v1/runs/"+runID.String(), nil), "id", runID.String())
		w := httptest.NewRecorder()
		handler.HandleGetRun(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandleListRuns(t *testing.T) {
	logger := zap.NewNop()

	t.Run("uses default pagination", func(t *testing.T) {
		svc := new(MockRunService)
		handler := NewRunHandler(svc, logger)

		svc.On("ListRuns", mock.Anything, 50, 0).Return([]*models.RunSnapshot{}, nil)

		w := httptest.NewRecorder()
		handler.HandleListRuns(w, authedRequest(http.MethodGet, "/api/v1/runs", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("honours limit and offset, capping oversized limits", func(t *testing.T) {
		svc := new(MockRunService)
		handler := NewRunHandler(svc, logger)

		svc.On("ListRuns", mock.Anything, 50, 20).Return([]*models.RunSnapshot{}, nil)

		w := httptest.NewRecorder()
		handler.HandleListRuns(w, authedRequest(http.MethodGet, "/api/v1/runs?limit=9999&offset=20", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		svc.AssertExpectations(t)
	})
}

func TestHandleCancelRun(t *testing.T) {
	logger := zap.NewNop()

	t.Run("requests cancellation as the caller", func(t *testing.T) {
		svc := new(MockRunService)
		handler := NewRunHandler(svc, logger)

		runID := uuid.New()
		svc.On("Cancel", mock.Anything, runID, "alice").Return(nil)

		req := withURLParam(authedRequest(http.MethodPost, "/api/v1/runs/"+runID.String()+"/cancel", nil), "id", runID.String())
		w := httptest.NewRecorder()
		handler.HandleCancelRun(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("maps terminal run to conflict", func(t *testing.T) {
		svc := new(MockRunService)
		handler := NewRunHandler(svc, logger)

		runID := uuid.New()
		svc.On("Cancel", mock.Anything, runID, "alice").Return(services.ErrRunAlreadyTerminal)

		req := withURLParam(authedRequest(http.MethodPost, "/api/v1/runs/"+runID.String()+"/cancel", nil), "id", runID.String())
		w := httptest.NewRecorder()
		handler.HandleCancelRun(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}
