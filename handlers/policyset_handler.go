package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/upb/crypto-control-plane/middleware"
	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/utils"
	"go.uber.org/zap"
)

// ActivatePolicySetRequest represents a request to activate a new policy set
// version. The version number is assigned by the server.
type ActivatePolicySetRequest struct {
	Name       string              `json:"name" validate:"required"`
	StrictMode bool                `json:"strict_mode"`
	Rules      []models.PolicyRule `json:"rules" validate:"required,min=1"`
}

// PolicyService defines the policy-set operations the HTTP surface needs
type PolicyService interface {
	// Current returns the active policy set
	Current(ctx context.Context) (*models.PolicySet, error)

	// At returns a specific historical version
	At(ctx context.Context, version int) (*models.PolicySet, error)

	// ListVersions returns all stored version numbers
	ListVersions(ctx context.Context) ([]int, error)

	// Activate stores a new set as the next version and makes it current
	Activate(ctx context.Context, set *models.PolicySet) (*models.PolicySet, error)
}

// PolicySetHandler handles policy-set HTTP requests
type PolicySetHandler struct {
	policies PolicyService
	logger   *zap.Logger
}

// NewPolicySetHandler creates a new PolicySetHandler
func NewPolicySetHandler(policies PolicyService, logger *zap.Logger) *PolicySetHandler {
	return &PolicySetHandler{
		policies: policies,
		logger:   logger,
	}
}

// HandleGetCurrent handles GET /api/v1/policies/current
func (h *PolicySetHandler) HandleGetCurrent(w http.ResponseWriter, r *http.Request) {
	set, err := h.policies.Current(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, set)
}

// HandleGetVersion handles GET /api/v1/policies/{version}
func (h *PolicySetHandler) HandleGetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		_ = utils.WriteBadRequest(w, "Invalid policy version", nil)
		return
	}

	set, err := h.policies.At(r.Context(), version)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, set)
}

// HandleListVersions handles GET /api/v1/policies
func (h *PolicySetHandler) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.policies.ListVersions(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, map[string]interface{}{"versions": versions})
}

// HandleActivate handles POST /api/v1/policies
func (h *PolicySetHandler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req ActivatePolicySetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	set, err := h.policies.Activate(ctx, &models.PolicySet{
		Name:       req.Name,
		StrictMode: req.StrictMode,
		Rules:      req.Rules,
	})
	if err != nil {
		h.logger.Warn("policy set activation rejected",
			zap.String("request_id", requestID),
			zap.String("name", req.Name),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("policy set activated",
		zap.String("request_id", requestID),
		zap.Int("version", set.Version),
		zap.String("name", set.Name),
		zap.Bool("strict_mode", set.StrictMode))

	_ = utils.WriteCreated(w, set)
}
