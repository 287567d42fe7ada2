package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/upb/crypto-control-plane/repositories"
	"github.com/upb/crypto-control-plane/services/ledger"
	"github.com/upb/crypto-control-plane/utils"
	"go.uber.org/zap"
)

// ChainVerifier exposes the ledger operations the HTTP surface needs
type ChainVerifier interface {
	// Verify recomputes the chain over [from, to]
	Verify(ctx context.Context, from, to uint64) (ledger.VerifyResult, error)

	// Head returns the current sequence and hash
	Head() (uint64, string)

	// Halted reports whether the ledger refuses appends
	Halted() bool
}

// AuditHandler handles audit ledger HTTP requests
type AuditHandler struct {
	ledger ChainVerifier
	repo   repositories.AuditLedgerRepository
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(l ChainVerifier, repo repositories.AuditLedgerRepository, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		ledger: l,
		repo:   repo,
		logger: logger,
	}
}

// HandleVerify handles GET /api/v1/audit/verify
func (h *AuditHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	from := parseSequence(r, "from")
	to := parseSequence(r, "to")

	result, err := h.ledger.Verify(r.Context(), from, to)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if !result.Valid {
		h.logger.Error("ledger verification found divergence",
			zap.Int("checked", result.Checked),
			zap.String("reason", result.Reason))
	}

	_ = utils.WriteOK(w, result)
}

// HandleHead handles GET /api/v1/audit/head
func (h *AuditHandler) HandleHead(w http.ResponseWriter, r *http.Request) {
	seq, hash := h.ledger.Head()

	_ = utils.WriteOK(w, map[string]interface{}{
		"sequence": seq,
		"hash":     hash,
		"halted":   h.ledger.Halted(),
	})
}

// HandleListEntries handles GET /api/v1/audit/entries?run_id=...
func (h *AuditHandler) HandleListEntries(w http.ResponseWriter, r *http.Request) {
	runIDStr := r.URL.Query().Get("run_id")
	if runIDStr == "" {
		_ = utils.WriteBadRequest(w, "run_id query parameter is required", nil)
		return
	}
	runID, err := uuid.Parse(runIDStr)
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid run_id format", nil)
		return
	}

	entries, err := h.repo.GetByRunID(r.Context(), runID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, entries)
}

func parseSequence(r *http.Request, key string) uint64 {
	if v := r.URL.Query().Get(key); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
