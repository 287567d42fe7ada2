package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/repositories"
	"github.com/upb/crypto-control-plane/services"
	"go.uber.org/zap"
)

// genesisHash seeds the chain before the first entry exists
const genesisHash = "genesis"

// Mirror receives appended entries for forwarding to an external sink.
// Forward must never block the ledger; implementations drop on back-pressure.
type Mirror interface {
	Forward(entry *models.AuditEntry)
}

// Ledger is the append-only, hash-chained audit record. Append assigns the
// next sequence number, links the entry to the current head, and persists,
// all under one mutex. This is the single global serialization point in the
// system; every other piece of run state is run-local.
type Ledger struct {
	repo   repositories.AuditLedgerRepository
	signer Signer
	mirror Mirror
	logger *zap.Logger
	clock  func() time.Time

	mu       sync.Mutex
	sequence uint64
	headHash string
	opened   bool
	halted   bool
}

// Option configures a Ledger
type Option func(*Ledger)

// WithMirror attaches an external mirror for appended entries
func WithMirror(m Mirror) Option {
	return func(l *Ledger) {
		l.mirror = m
	}
}

// WithClock overrides the timestamp source
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		l.clock = clock
	}
}

// NewLedger creates a new Ledger instance. Call Open before appending.
func NewLedger(repo repositories.AuditLedgerRepository, signer Signer, logger *zap.Logger, opts ...Option) *Ledger {
	if signer == nil {
		signer = NopSigner{}
	}
	l := &Ledger{
		repo:   repo,
		signer: signer,
		logger: logger,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open loads the chain head from storage. A stored head whose sequence does
// not match the entry count means a write was lost; the ledger opens halted
// and refuses appends until an operator intervenes.
func (l *Ledger) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	latest, err := l.repo.GetLatest(ctx)
	if err != nil {
		if services.IsNotFoundError(err) {
			l.sequence = 0
			l.headHash = genesisHash
			l.opened = true
			return nil
		}
		return services.WrapInternal("failed to load ledger head", err)
	}

	count, err := l.repo.Count(ctx)
	if err != nil {
		return services.WrapInternal("failed to count ledger entries", err)
	}
	if uint64(count) != latest.Sequence {
		l.opened = true
		l.halted = true
		l.logger.Error("audit ledger sequence gap detected on open",
			zap.Uint64("head_sequence", latest.Sequence),
			zap.Int64("stored_entries", count))
		return services.NewDomainError(services.ErrorTypeLedgerIntegrity,
			fmt.Sprintf("sequence gap: head is %d but %d entries stored", latest.Sequence, count), nil)
	}

	l.sequence = latest.Sequence
	l.headHash = latest.Hash
	l.opened = true
	return nil
}

// Append links the entry to the chain head, persists it, and advances the
// head. It returns the assigned sequence number. Appends fail once the
// ledger is halted.
func (l *Ledger) Append(ctx context.Context, entry *models.AuditEntry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.opened {
		return 0, services.NewDomainError(services.ErrorTypeInternal, "ledger not opened", nil)
	}
	if l.halted {
		return 0, services.ErrLedgerHalted
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock().UTC()
	}
	entry.Sequence = l.sequence + 1
	entry.PrevHash = l.headHash

	hash, err := entryHash(entry)
	if err != nil {
		return 0, services.WrapInternal("failed to hash audit entry", err)
	}
	entry.Hash = hash
	entry.Signature = l.signer.Sign([]byte(hash))

	if err := l.repo.Insert(ctx, entry); err != nil {
		// The head did not advance, so the chain stays gapless.
		return 0, services.WrapInternal("failed to persist audit entry", err)
	}

	l.sequence = entry.Sequence
	l.headHash = entry.Hash

	if l.mirror != nil {
		l.mirror.Forward(entry)
	}
	return entry.Sequence, nil
}

// VerifyResult reports the outcome of a chain verification
type VerifyResult struct {
	Valid        bool    `json:"valid"`
	Checked      int     `json:"checked"`
	FirstInvalid *uint64 `json:"first_invalid,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

// Verify recomputes the chain over [from, to] and reports the first point of
// divergence. from <= 0 means from the first entry; to == 0 means up to the
// current head. A detected divergence halts the ledger.
func (l *Ledger) Verify(ctx context.Context, from, to uint64) (VerifyResult, error) {
	l.mu.Lock()
	head := l.sequence
	l.mu.Unlock()

	if from == 0 {
		from = 1
	}
	if to == 0 || to > head {
		to = head
	}
	if to < from {
		return VerifyResult{Valid: true}, nil
	}

	entries, err := l.repo.GetRange(ctx, from, to)
	if err != nil {
		return VerifyResult{}, services.WrapInternal("failed to load ledger range", err)
	}

	prev := genesisHash
	if from > 1 {
		before, err := l.repo.GetBySequence(ctx, from-1)
		if err != nil {
			return VerifyResult{}, services.WrapInternal("failed to load predecessor entry", err)
		}
		prev = before.Hash
	}

	checked := 0
	expected := from
	for _, e := range entries {
		if e.Sequence != expected {
			return l.divergence(expected, checked, "sequence gap"), nil
		}
		if e.PrevHash != prev {
			return l.divergence(e.Sequence, checked, "previous-hash link mismatch"), nil
		}
		recomputed, err := entryHash(e)
		if err != nil {
			return VerifyResult{}, services.WrapInternal("failed to recompute entry hash", err)
		}
		if recomputed != e.Hash {
			return l.divergence(e.Sequence, checked, "entry hash mismatch"), nil
		}
		if !l.signer.Verify([]byte(e.Hash), e.Signature) {
			return l.divergence(e.Sequence, checked, "entry signature mismatch"), nil
		}
		prev = e.Hash
		expected++
		checked++
	}
	if expected != to+1 {
		return l.divergence(expected, checked, "missing entries at end of range"), nil
	}
	return VerifyResult{Valid: true, Checked: checked}, nil
}

// divergence marks the ledger halted and builds the failure result
func (l *Ledger) divergence(seq uint64, checked int, reason string) VerifyResult {
	l.mu.Lock()
	l.halted = true
	l.mu.Unlock()
	l.logger.Error("audit chain integrity violated",
		zap.Uint64("sequence", seq),
		zap.String("reason", reason))
	return VerifyResult{Checked: checked, FirstInvalid: &seq, Reason: reason}
}

// Reopen re-verifies the full chain and resumes appends if it is intact.
// This is the operator path back from a halt.
func (l *Ledger) Reopen(ctx context.Context) error {
	l.mu.Lock()
	l.halted = false
	l.mu.Unlock()

	if err := l.Open(ctx); err != nil {
		return err
	}
	result, err := l.Verify(ctx, 0, 0)
	if err != nil {
		return err
	}
	if !result.Valid {
		return services.NewDomainError(services.ErrorTypeLedgerIntegrity,
			fmt.Sprintf("chain still invalid at sequence %d: %s", *result.FirstInvalid, result.Reason), nil)
	}
	return nil
}

// Head returns the current sequence number and head hash
func (l *Ledger) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence, l.headHash
}

// Halted reports whether the ledger refuses appends
func (l *Ledger) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// hashableEntry is the portion of an entry covered by its hash. The payload
// is typed JSON, so marshaling is deterministic; jcs canonicalization pins
// key order regardless of how the payload was produced.
type hashableEntry struct {
	Sequence  uint64           `json:"sequence"`
	Timestamp time.Time        `json:"timestamp"`
	RunID     uuid.UUID        `json:"run_id"`
	StepID    string           `json:"step_id,omitempty"`
	Actor     string           `json:"actor"`
	Action    models.EntryKind `json:"action"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

func entryHash(e *models.AuditEntry) (string, error) {
	raw, err := json.Marshal(hashableEntry{
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		RunID:     e.RunID,
		StepID:    e.StepID,
		Actor:     e.Actor,
		Action:    e.Action,
		Payload:   e.Payload,
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(canonical, []byte(e.PrevHash)...))
	return hex.EncodeToString(sum[:]), nil
}

// Convenience methods for recording common events

// RecordRunAccepted appends the acceptance entry for a newly created run
func (l *Ledger) RecordRunAccepted(ctx context.Context, run *models.Run) (uint64, error) {
	entry := models.NewAuditEntry(run.ID, models.EntryRunAccepted, run.Request.Requester).
		WithPayload(map[string]interface{}{
			"operation":  run.Request.Operation,
			"request_id": run.RequestID,
			"steps":      len(run.Plan.Steps),
		})
	return l.Append(ctx, entry)
}

// RecordStateChange appends a run state transition entry
func (l *Ledger) RecordStateChange(ctx context.Context, runID uuid.UUID, from, to models.RunState, reasons []string) (uint64, error) {
	entry := models.NewAuditEntry(runID, models.EntryStateChanged, "orchestrator").
		WithPayload(models.StatePayload{From: from, To: to, Reasons: reasons})
	return l.Append(ctx, entry)
}

// RecordDecision appends a policy decision entry for a step
func (l *Ledger) RecordDecision(ctx context.Context, runID uuid.UUID, decision models.Decision) (uint64, error) {
	entry := models.NewAuditEntry(runID, models.EntryPolicyDecision, "policy_engine").
		WithStep(decision.StepID).
		WithPayload(models.DecisionPayload{Decision: decision})
	return l.Append(ctx, entry)
}

// RecordStepOutcome appends a terminal step outcome entry, attributed to the
// worker kind that executed the step
func (l *Ledger) RecordStepOutcome(ctx context.Context, runID uuid.UUID, step models.Step, status models.StepStatus) (uint64, error) {
	entry := models.NewAuditEntry(runID, models.EntryStepOutcome, string(step.Worker)+"_agent").
		WithStep(step.ID).
		WithPayload(models.StepOutcomePayload{
			Action:   step.Action,
			Tool:     step.Tool,
			Outcome:  status.Outcome,
			Attempts: status.Attempts,
			Error:    status.Error,
		})
	return l.Append(ctx, entry)
}

// RecordCompensation appends a compensation entry for a previously
// succeeded step
func (l *Ledger) RecordCompensation(ctx context.Context, runID uuid.UUID, step models.Step, failed bool, errMsg string) (uint64, error) {
	entry := models.NewAuditEntry(runID, models.EntryCompensation, "orchestrator").
		WithStep(step.ID).
		WithPayload(models.CompensationPayload{
			Action: step.Compensation,
			Tool:   step.Tool,
			Failed: failed,
			Error:  errMsg,
		})
	return l.Append(ctx, entry)
}

// RecordCommit appends the inventory commit entry for a completed run
func (l *Ledger) RecordCommit(ctx context.Context, runID uuid.UUID, effects []models.Effect) (uint64, error) {
	described := make([]string, 0, len(effects))
	for _, e := range effects {
		described = append(described, e.Describe())
	}
	entry := models.NewAuditEntry(runID, models.EntryInventoryCommit, "inventory_projector").
		WithPayload(models.CommitPayload{Effects: described})
	return l.Append(ctx, entry)
}

// RecordTransition appends a record transition entry for an inventory
// mutation applied outside a run. The entry carries no run ID.
func (l *Ledger) RecordTransition(ctx context.Context, actor string, recordID uuid.UUID, from, to models.RecordState, reason string) (uint64, error) {
	entry := models.NewAuditEntry(uuid.Nil, models.EntryRecordTransition, actor).
		WithPayload(models.RecordTransitionPayload{
			RecordID: recordID,
			From:     from,
			To:       to,
			Reason:   reason,
		})
	return l.Append(ctx, entry)
}

// RecordCancelled appends a cancellation entry
func (l *Ledger) RecordCancelled(ctx context.Context, runID uuid.UUID, actor string) (uint64, error) {
	entry := models.NewAuditEntry(runID, models.EntryRunCancelled, actor)
	return l.Append(ctx, entry)
}

// RecordAlert appends an alert entry, used for compensation failures and
// other conditions needing operator attention
func (l *Ledger) RecordAlert(ctx context.Context, runID uuid.UUID, kind, message string) (uint64, error) {
	entry := models.NewAuditEntry(runID, models.EntryAlertRaised, "orchestrator").
		WithPayload(models.AlertPayload{Kind: kind, Message: message})
	return l.Append(ctx, entry)
}
