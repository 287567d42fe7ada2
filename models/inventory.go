package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordType represents the kind of asset an inventory record tracks
type RecordType string

const (
	RecordTypeKey         RecordType = "key"
	RecordTypeCertificate RecordType = "certificate"
)

// RecordState represents the lifecycle state of an inventory record.
// Records are never deleted, only state-transitioned.
type RecordState string

const (
	RecordStateActive      RecordState = "ACTIVE"
	RecordStateExpired     RecordState = "EXPIRED"
	RecordStateRevoked     RecordState = "REVOKED"
	RecordStateCompromised RecordState = "COMPROMISED"
)

// StateTransition is one entry in a record's transition history
type StateTransition struct {
	From   RecordState `json:"from"`
	To     RecordState `json:"to"`
	RunID  uuid.UUID   `json:"run_id"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}

// InventoryRecord is a durable key or certificate record. It is mutated
// only through the inventory projector; History preserves every transition.
type InventoryRecord struct {
	ID              uuid.UUID         `json:"id" db:"id"`
	Type            RecordType        `json:"type" db:"type"`
	State           RecordState       `json:"state" db:"state"`
	Algorithm       string            `json:"algorithm,omitempty" db:"algorithm"`
	KeySize         int               `json:"key_size,omitempty" db:"key_size"`
	Curve           string            `json:"curve,omitempty" db:"curve"`
	CommonName      string            `json:"common_name,omitempty" db:"common_name"`
	SubjectAltNames []string          `json:"subject_alt_names,omitempty" db:"-"`
	NotBefore       *time.Time        `json:"not_before,omitempty" db:"not_before"`
	NotAfter        *time.Time        `json:"not_after,omitempty" db:"not_after"`
	CreatedByRun    uuid.UUID         `json:"created_by_run" db:"created_by_run"`
	Predecessor     *uuid.UUID        `json:"predecessor,omitempty" db:"predecessor"`
	History         []StateTransition `json:"history" db:"-"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the InventoryRecord model
func (InventoryRecord) TableName() string {
	return "inventory_records"
}

// NewKeyRecord creates an ACTIVE key record produced by the given run
func NewKeyRecord(runID uuid.UUID, algorithm string, keySize int, curve string) *InventoryRecord {
	now := time.Now()
	return &InventoryRecord{
		ID:           uuid.New(),
		Type:         RecordTypeKey,
		State:        RecordStateActive,
		Algorithm:    algorithm,
		KeySize:      keySize,
		Curve:        curve,
		CreatedByRun: runID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewCertificateRecord creates an ACTIVE certificate record produced by the
// given run
func NewCertificateRecord(runID uuid.UUID, commonName string, sans []string, notBefore, notAfter time.Time) *InventoryRecord {
	now := time.Now()
	return &InventoryRecord{
		ID:              uuid.New(),
		Type:            RecordTypeCertificate,
		State:           RecordStateActive,
		CommonName:      commonName,
		SubjectAltNames: sans,
		NotBefore:       &notBefore,
		NotAfter:        &notAfter,
		CreatedByRun:    runID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// WithPredecessor links the record to the record it replaces (key rotation)
func (r *InventoryRecord) WithPredecessor(id uuid.UUID) *InventoryRecord {
	r.Predecessor = &id
	return r
}

// CanTransitionTo reports whether moving to the target state is legal.
// ACTIVE may move to any other state; EXPIRED and REVOKED may still be
// marked COMPROMISED; COMPROMISED is final.
func (r *InventoryRecord) CanTransitionTo(target RecordState) bool {
	if target == r.State {
		return false
	}
	switch r.State {
	case RecordStateActive:
		return target == RecordStateExpired || target == RecordStateRevoked || target == RecordStateCompromised
	case RecordStateExpired, RecordStateRevoked:
		return target == RecordStateCompromised
	case RecordStateCompromised:
		return false
	}
	return false
}

// TransitionTo moves the record to the target state, recording the
// transition in History. Illegal transitions return an error and leave the
// record unchanged.
func (r *InventoryRecord) TransitionTo(target RecordState, runID uuid.UUID, reason string) error {
	if !r.CanTransitionTo(target) {
		return fmt.Errorf("record %s: illegal transition %s -> %s", r.ID, r.State, target)
	}
	now := time.Now()
	r.History = append(r.History, StateTransition{
		From:   r.State,
		To:     target,
		RunID:  runID,
		Reason: reason,
		At:     now,
	})
	r.State = target
	r.UpdatedAt = now
	return nil
}

// AppliedBy reports whether the given run already applied a transition or
// created this record, which makes a repeated commit a no-op.
func (r *InventoryRecord) AppliedBy(runID uuid.UUID) bool {
	if r.CreatedByRun == runID {
		return true
	}
	for _, t := range r.History {
		if t.RunID == runID {
			return true
		}
	}
	return false
}

// ExpiresWithin reports whether a certificate record expires within d,
// measured from now. Records without a NotAfter never expire.
func (r *InventoryRecord) ExpiresWithin(d time.Duration) bool {
	if r.NotAfter == nil {
		return false
	}
	return time.Until(*r.NotAfter) <= d
}

// EffectKind represents the kind of terminal effect a run applies
type EffectKind string

const (
	EffectCreateRecord EffectKind = "create_record"
	EffectTransition   EffectKind = "transition"
)

// Effect is one declared terminal effect of a completed run: either the
// creation of a new record or a state transition on an existing one.
type Effect struct {
	Kind        EffectKind       `json:"kind"`
	Record      *InventoryRecord `json:"record,omitempty"`
	RecordID    uuid.UUID        `json:"record_id,omitempty"`
	TargetState RecordState      `json:"target_state,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// Describe renders the effect as a short human-readable string
func (e Effect) Describe() string {
	switch e.Kind {
	case EffectCreateRecord:
		if e.Record != nil {
			return fmt.Sprintf("create %s %s", e.Record.Type, e.Record.ID)
		}
		return "create record"
	case EffectTransition:
		return fmt.Sprintf("transition %s -> %s", e.RecordID, e.TargetState)
	}
	return string(e.Kind)
}
