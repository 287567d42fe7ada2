package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/crypto-control-plane/repositories"
	"github.com/upb/crypto-control-plane/utils"
	"go.uber.org/zap"
)

// ReportHandler handles compliance report HTTP requests
type ReportHandler struct {
	repo   repositories.ReportRepository
	logger *zap.Logger
}

// NewReportHandler creates a new ReportHandler
func NewReportHandler(repo repositories.ReportRepository, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{
		repo:   repo,
		logger: logger,
	}
}

// HandleGetReport handles GET /api/v1/reports/{runID}
func (h *ReportHandler) HandleGetReport(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid run ID format", nil)
		return
	}

	report, err := h.repo.GetByRunID(r.Context(), runID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, report)
}

// HandleListReports handles GET /api/v1/reports
func (h *ReportHandler) HandleListReports(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r, 50)

	reports, err := h.repo.ListRecent(r.Context(), limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, reports)
}
