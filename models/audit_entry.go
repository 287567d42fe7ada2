package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EntryKind represents the kind of event an audit entry records
type EntryKind string

const (
	EntryRunAccepted      EntryKind = "run_accepted"
	EntryStateChanged     EntryKind = "state_changed"
	EntryPolicyDecision   EntryKind = "policy_decision"
	EntryStepOutcome      EntryKind = "step_outcome"
	EntryCompensation     EntryKind = "compensation"
	EntryInventoryCommit  EntryKind = "inventory_commit"
	EntryRecordTransition EntryKind = "record_transition"
	EntryRunCancelled     EntryKind = "run_cancelled"
	EntryAlertRaised      EntryKind = "alert_raised"
)

// AuditEntry is one immutable record in the hash-chained ledger. Sequence,
// PrevHash, Hash, and Signature are assigned by the ledger at append time;
// the chain invariant is Entry[n].PrevHash == Entry[n-1].Hash.
type AuditEntry struct {
	Sequence  uint64          `json:"sequence" db:"sequence"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	RunID     uuid.UUID       `json:"run_id" db:"run_id"`
	StepID    string          `json:"step_id,omitempty" db:"step_id"`
	Actor     string          `json:"actor" db:"actor"`
	Action    EntryKind       `json:"action" db:"action"`
	Payload   json.RawMessage `json:"payload,omitempty" db:"payload"`
	PrevHash  string          `json:"prev_hash" db:"prev_hash"`
	Hash      string          `json:"hash" db:"hash"`
	Signature string          `json:"signature,omitempty" db:"signature"`
}

// TableName returns the table name for the AuditEntry model
func (AuditEntry) TableName() string {
	return "audit_entries"
}

// NewAuditEntry creates an unsequenced audit entry for a run event.
// The ledger assigns Sequence, PrevHash, Hash, and Signature on append.
func NewAuditEntry(runID uuid.UUID, action EntryKind, actor string) *AuditEntry {
	return &AuditEntry{
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Actor:     actor,
		Action:    action,
	}
}

// WithStep sets the step this entry refers to
func (e *AuditEntry) WithStep(stepID string) *AuditEntry {
	e.StepID = stepID
	return e
}

// WithPayload marshals and attaches the event payload
func (e *AuditEntry) WithPayload(payload interface{}) *AuditEntry {
	if data, err := json.Marshal(payload); err == nil {
		e.Payload = data
	}
	return e
}

// DecisionPayload is the audit payload for a policy decision
type DecisionPayload struct {
	Decision Decision `json:"decision"`
}

// StatePayload is the audit payload for a run state transition
type StatePayload struct {
	From    RunState `json:"from"`
	To      RunState `json:"to"`
	Reasons []string `json:"reasons,omitempty"`
}

// StepOutcomePayload is the audit payload for a terminal step outcome
type StepOutcomePayload struct {
	Action   string      `json:"action"`
	Tool     string      `json:"tool"`
	Outcome  StepOutcome `json:"outcome"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error,omitempty"`
}

// CompensationPayload is the audit payload for a compensating action
type CompensationPayload struct {
	Action string `json:"action"`
	Tool   string `json:"tool"`
	Failed bool   `json:"failed"`
	Error  string `json:"error,omitempty"`
}

// CommitPayload is the audit payload for an inventory commit
type CommitPayload struct {
	Effects []string `json:"effects"`
}

// RecordTransitionPayload is the audit payload for an inventory record
// transition applied outside a run (administrative action or expiry sweep)
type RecordTransitionPayload struct {
	RecordID uuid.UUID   `json:"record_id"`
	From     RecordState `json:"from"`
	To       RecordState `json:"to"`
	Reason   string      `json:"reason,omitempty"`
}

// AlertPayload is the audit payload for a raised alert
type AlertPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
