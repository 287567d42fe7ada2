package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/crypto-control-plane/middleware"
	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/repositories"
	"github.com/upb/crypto-control-plane/utils"
	"go.uber.org/zap"
)

// TransitionRecordRequest carries the reason for an administrative record
// transition (revoke or compromise)
type TransitionRecordRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// RecordTransitioner applies audited administrative state transitions.
// Implemented by the inventory projector, the sole writer of records.
type RecordTransitioner interface {
	MarkRevoked(ctx context.Context, recordID uuid.UUID, actor, reason string) (*models.InventoryRecord, error)
	MarkCompromised(ctx context.Context, recordID uuid.UUID, actor, reason string) (*models.InventoryRecord, error)
}

// InventoryHandler handles inventory-related HTTP requests. Reads go to the
// repository; every mutation goes through the projector.
type InventoryHandler struct {
	repo      repositories.InventoryRepository
	projector RecordTransitioner
	logger    *zap.Logger
}

// NewInventoryHandler creates a new InventoryHandler
func NewInventoryHandler(repo repositories.InventoryRepository, projector RecordTransitioner, logger *zap.Logger) *InventoryHandler {
	return &InventoryHandler{
		repo:      repo,
		projector: projector,
		logger:    logger,
	}
}

// HandleListRecords handles GET /api/v1/inventory
func (h *InventoryHandler) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, offset := parsePagination(r, 50)

	var records []*models.InventoryRecord
	var err error

	if stateStr := r.URL.Query().Get("state"); stateStr != "" {
		state := models.RecordState(stateStr)
		records, err = h.repo.ListByState(ctx, state, limit, offset)
	} else {
		records, err = h.repo.List(ctx, limit, offset)
	}

	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, records)
}

// HandleGetRecord handles GET /api/v1/inventory/{id}
func (h *InventoryHandler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid record ID format", nil)
		return
	}

	record, err := h.repo.GetByID(r.Context(), recordID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, record)
}

// HandleRevokeRecord handles POST /api/v1/inventory/{id}/revoke
func (h *InventoryHandler) HandleRevokeRecord(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.projector.MarkRevoked)
}

// HandleCompromiseRecord handles POST /api/v1/inventory/{id}/compromise
func (h *InventoryHandler) HandleCompromiseRecord(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.projector.MarkCompromised)
}

func (h *InventoryHandler) transition(
	w http.ResponseWriter,
	r *http.Request,
	apply func(ctx context.Context, recordID uuid.UUID, actor, reason string) (*models.InventoryRecord, error),
) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid record ID format", nil)
		return
	}

	var req TransitionRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	actor := middleware.GetRequesterFromContext(ctx)
	record, err := apply(ctx, recordID, actor, req.Reason)
	if err != nil {
		h.logger.Warn("record transition rejected",
			zap.String("request_id", requestID),
			zap.String("record_id", recordID.String()),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("record transitioned",
		zap.String("request_id", requestID),
		zap.String("record_id", recordID.String()),
		zap.String("state", string(record.State)),
		zap.String("actor", actor))

	_ = utils.WriteOK(w, record)
}
