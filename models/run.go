package models

import (
	"time"

	"github.com/google/uuid"
)

// RunState represents the workflow state of a run
type RunState string

const (
	RunStatePlanned      RunState = "PLANNED"
	RunStateValidating   RunState = "VALIDATING"
	RunStateExecuting    RunState = "EXECUTING"
	RunStateCommitting   RunState = "COMMITTING"
	RunStateCompleted    RunState = "COMPLETED"
	RunStateCompensating RunState = "COMPENSATING"
	RunStateFailed       RunState = "FAILED"
)

// Terminal reports whether the state is a terminal run state
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// StepOutcome represents the status of a single step within a run.
// PENDING and RUNNING are transient; the other four are terminal.
type StepOutcome string

const (
	StepPending   StepOutcome = "PENDING"
	StepRunning   StepOutcome = "RUNNING"
	StepSucceeded StepOutcome = "SUCCEEDED"
	StepFailed    StepOutcome = "FAILED"
	StepSkipped   StepOutcome = "SKIPPED"
	StepTimedOut  StepOutcome = "TIMED_OUT"
)

// Terminal reports whether the outcome is terminal for the step
func (o StepOutcome) Terminal() bool {
	switch o {
	case StepSucceeded, StepFailed, StepSkipped, StepTimedOut:
		return true
	}
	return false
}

// StepStatus tracks the execution status of one plan step within a run
type StepStatus struct {
	StepID      string      `json:"step_id"`
	Outcome     StepOutcome `json:"outcome"`
	Attempts    int         `json:"attempts"`
	Output      string      `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	EndedAt     *time.Time  `json:"ended_at,omitempty"`
	Compensated bool        `json:"compensated"`
}

// Run is the mutable execution record of a single request. A Run is owned
// exclusively by the workflow instance driving it; everything else sees
// copies taken via Snapshot.
type Run struct {
	ID          uuid.UUID              `json:"id" db:"id"`
	RequestID   uuid.UUID              `json:"request_id" db:"request_id"`
	Request     *Request               `json:"request" db:"-"`
	Plan        *Plan                  `json:"plan" db:"-"`
	State       RunState               `json:"state" db:"state"`
	Steps       map[string]*StepStatus `json:"steps" db:"-"`
	Reasons     []string               `json:"reasons,omitempty" db:"-"`
	StartedAt   time.Time              `json:"started_at" db:"started_at"`
	EndedAt     *time.Time             `json:"ended_at,omitempty" db:"ended_at"`
	CancelledAt *time.Time             `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// TableName returns the table name for the Run model
func (Run) TableName() string {
	return "runs"
}

// NewRun creates a new Run in state PLANNED for an accepted request and its
// validated plan
func NewRun(req *Request, plan *Plan) *Run {
	steps := make(map[string]*StepStatus, len(plan.Steps))
	for _, s := range plan.Steps {
		steps[s.ID] = &StepStatus{StepID: s.ID, Outcome: StepPending}
	}
	return &Run{
		ID:        uuid.New(),
		RequestID: req.ID,
		Request:   req,
		Plan:      plan,
		State:     RunStatePlanned,
		Steps:     steps,
		StartedAt: time.Now(),
	}
}

// StepStatusFor returns the status record for a step ID
func (r *Run) StepStatusFor(stepID string) (*StepStatus, bool) {
	st, ok := r.Steps[stepID]
	return st, ok
}

// AddReason appends a human-readable failure reason
func (r *Run) AddReason(reason string) {
	r.Reasons = append(r.Reasons, reason)
}

// MarkEnded stamps the run's end time
func (r *Run) MarkEnded() {
	now := time.Now()
	r.EndedAt = &now
}

// MarkCancelled records that cancellation was requested
func (r *Run) MarkCancelled() {
	if r.CancelledAt == nil {
		now := time.Now()
		r.CancelledAt = &now
	}
}

// Cancelled reports whether cancellation has been requested for the run
func (r *Run) Cancelled() bool {
	return r.CancelledAt != nil
}

// SucceededSteps returns the IDs of steps that succeeded, in plan order
func (r *Run) SucceededSteps() []string {
	var out []string
	for _, s := range r.Plan.Steps {
		if st, ok := r.Steps[s.ID]; ok && st.Outcome == StepSucceeded {
			out = append(out, s.ID)
		}
	}
	return out
}

// AllStepsSucceeded reports whether every step in the plan succeeded
func (r *Run) AllStepsSucceeded() bool {
	for _, s := range r.Plan.Steps {
		st, ok := r.Steps[s.ID]
		if !ok || st.Outcome != StepSucceeded {
			return false
		}
	}
	return true
}

// RunSnapshot is an immutable copy of a run's externally visible state
type RunSnapshot struct {
	RunID     uuid.UUID     `json:"run_id"`
	RequestID uuid.UUID     `json:"request_id"`
	Operation OperationKind `json:"operation"`
	State     RunState      `json:"state"`
	Steps     []StepStatus  `json:"steps"`
	Reasons   []string      `json:"reasons,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// Snapshot copies the run's externally visible state. The caller must hold
// whatever lock guards the run.
func (r *Run) Snapshot() RunSnapshot {
	steps := make([]StepStatus, 0, len(r.Plan.Steps))
	for _, s := range r.Plan.Steps {
		if st, ok := r.Steps[s.ID]; ok {
			steps = append(steps, *st)
		}
	}
	reasons := make([]string, len(r.Reasons))
	copy(reasons, r.Reasons)

	var ended *time.Time
	if r.EndedAt != nil {
		t := *r.EndedAt
		ended = &t
	}
	snap := RunSnapshot{
		RunID:     r.ID,
		RequestID: r.RequestID,
		State:     r.State,
		Steps:     steps,
		Reasons:   reasons,
		StartedAt: r.StartedAt,
		EndedAt:   ended,
	}
	if r.Request != nil {
		snap.Operation = r.Request.Operation
	}
	return snap
}
