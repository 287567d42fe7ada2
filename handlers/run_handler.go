package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/crypto-control-plane/middleware"
	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/services/orchestrator"
	"github.com/upb/crypto-control-plane/utils"
	"go.uber.org/zap"
)

// SubmitRunRequest represents a request to start a lifecycle operation
type SubmitRunRequest struct {
	Operation  models.OperationKind `json:"operation" validate:"required"`
	Parameters models.Parameters    `json:"parameters"`
}

// RunService defines the orchestrator operations the HTTP surface needs
type RunService interface {
	// Submit accepts a lifecycle request and starts its run
	Submit(ctx context.Context, input orchestrator.SubmitInput) (*models.RunSnapshot, error)

	// Status returns the current state of a run
	Status(ctx context.Context, runID uuid.UUID) (*models.RunSnapshot, error)

	// ListRuns returns recent runs with pagination
	ListRuns(ctx context.Context, limit, offset int) ([]*models.RunSnapshot, error)

	// Cancel requests cancellation of an in-flight run
	Cancel(ctx context.Context, runID uuid.UUID, actor string) error
}

// RunHandler handles run-related HTTP requests
type RunHandler struct {
	orchestrator RunService
	logger       *zap.Logger
}

// NewRunHandler creates a new RunHandler
func NewRunHandler(svc RunService, logger *zap.Logger) *RunHandler {
	return &RunHandler{
		orchestrator: svc,
		logger:       logger,
	}
}

// HandleSubmitRun handles POST /api/v1/runs
func (h *RunHandler) HandleSubmitRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		h.logger.Warn("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	snapshot, err := h.orchestrator.Submit(ctx, orchestrator.SubmitInput{
		Operation:  req.Operation,
		Parameters: req.Parameters,
		Requester:  middleware.GetRequesterFromContext(ctx),
	})
	if err != nil {
		h.logger.Warn("run submission rejected",
			zap.String("request_id", requestID),
			zap.String("operation", string(req.Operation)),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("run accepted",
		zap.String("request_id", requestID),
		zap.String("run_id", snapshot.RunID.String()),
		zap.String("operation", string(req.Operation)))

	_ = utils.WriteAccepted(w, snapshot, "")
}

// HandleGetRun handles GET /api/v1/runs/{id}
func (h *RunHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid run ID format", nil)
		return
	}

	snapshot, err := h.orchestrator.Status(ctx, runID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, snapshot)
}

// HandleListRuns handles GET /api/v1/runs
func (h *RunHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, offset := parsePagination(r, 50)

	snapshots, err := h.orchestrator.ListRuns(ctx, limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, snapshots)
}

// HandleCancelRun handles POST /api/v1/runs/{id}/cancel
func (h *RunHandler) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid run ID format", nil)
		return
	}

	actor := middleware.GetRequesterFromContext(ctx)
	if err := h.orchestrator.Cancel(ctx, runID, actor); err != nil {
		h.logger.Warn("run cancellation rejected",
			zap.String("request_id", requestID),
			zap.String("run_id", runID.String()),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("run cancellation requested",
		zap.String("request_id", requestID),
		zap.String("run_id", runID.String()),
		zap.String("actor", actor))

	_ = utils.WriteAccepted(w, nil, "Cancellation requested")
}

// parsePagination reads limit/offset query parameters with a default page size
func parsePagination(r *http.Request, defaultLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}
