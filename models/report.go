package models

import (
	"time"

	"github.com/google/uuid"
)

// Score deductions per finding. HIGH violations weigh double; warnings cost
// a flat five points. The score never drops below zero.
const (
	deductionHigh    = 20
	deductionDefault = 10
	deductionWarning = 5
)

// ComplianceReport aggregates the policy decisions of a run into a single
// severity-weighted score for later review
type ComplianceReport struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	RunID         uuid.UUID   `json:"run_id" db:"run_id"`
	Operation     OperationKind `json:"operation" db:"operation"`
	PolicyVersion int         `json:"policy_version" db:"policy_version"`
	Score         int         `json:"score" db:"score"`
	Compliant     bool        `json:"compliant" db:"compliant"`
	Violations    []Violation `json:"violations,omitempty" db:"-"`
	Warnings      []Warning   `json:"warnings,omitempty" db:"-"`
	GeneratedAt   time.Time   `json:"generated_at" db:"generated_at"`
}

// TableName returns the table name for the ComplianceReport model
func (ComplianceReport) TableName() string {
	return "compliance_reports"
}

// NewComplianceReport builds a report from the decisions collected during a
// run's validation phase
func NewComplianceReport(runID uuid.UUID, operation OperationKind, policyVersion int, decisions []Decision) *ComplianceReport {
	r := &ComplianceReport{
		ID:            uuid.New(),
		RunID:         runID,
		Operation:     operation,
		PolicyVersion: policyVersion,
		Compliant:     true,
		GeneratedAt:   time.Now(),
	}
	for _, d := range decisions {
		r.Violations = append(r.Violations, d.Violations...)
		r.Warnings = append(r.Warnings, d.Warnings...)
		if !d.Approved {
			r.Compliant = false
		}
	}
	r.Score = scoreFindings(r.Violations, r.Warnings)
	return r
}

func scoreFindings(violations []Violation, warnings []Warning) int {
	score := 100
	for _, v := range violations {
		if v.Severity == SeverityHigh {
			score -= deductionHigh
		} else {
			score -= deductionDefault
		}
	}
	score -= deductionWarning * len(warnings)
	if score < 0 {
		score = 0
	}
	return score
}
