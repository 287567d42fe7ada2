package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkerKind identifies the worker specialization a step is dispatched to.
// The set is closed: adding a kind is a code change, not runtime registration.
type WorkerKind string

const (
	WorkerKey         WorkerKind = "key"
	WorkerCertificate WorkerKind = "certificate"
	WorkerCompliance  WorkerKind = "compliance"
	WorkerInventory   WorkerKind = "inventory"
	WorkerAudit       WorkerKind = "audit"
)

// WorkerKinds lists every worker specialization in dispatch order
func WorkerKinds() []WorkerKind {
	return []WorkerKind{WorkerKey, WorkerCertificate, WorkerCompliance, WorkerInventory, WorkerAudit}
}

// Valid reports whether the worker kind is part of the closed set
func (k WorkerKind) Valid() bool {
	switch k {
	case WorkerKey, WorkerCertificate, WorkerCompliance, WorkerInventory, WorkerAudit:
		return true
	}
	return false
}

// Step is a single tool invocation within a plan. DependsOn names step IDs
// within the same plan that must each succeed before this step may start.
type Step struct {
	ID           string            `json:"id"`
	Action       string            `json:"action"`
	Tool         string            `json:"tool"`
	Worker       WorkerKind        `json:"worker"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Compensation string            `json:"compensation,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
}

// HasCompensation reports whether the step declares a compensating action
func (s Step) HasCompensation() bool {
	return s.Compensation != ""
}

// Plan is an ordered, dependency-annotated decomposition of a Request into
// individual tool invocations. A Plan is created once and never mutated.
type Plan struct {
	ID        uuid.UUID `json:"id"`
	RequestID uuid.UUID `json:"request_id"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPlan creates a new Plan instance for the given request
func NewPlan(requestID uuid.UUID, steps []Step) *Plan {
	return &Plan{
		ID:        uuid.New(),
		RequestID: requestID,
		Steps:     steps,
		CreatedAt: time.Now(),
	}
}

// Step returns the step with the given ID, if present
func (p *Plan) Step(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks the plan for structural defects: empty plans, duplicate or
// empty step IDs, unknown worker kinds, references to undeclared dependencies,
// and dependency cycles. A plan that fails validation must never execute.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %s has no steps", p.ID)
	}

	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("plan %s contains a step with an empty id", p.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
		if s.Tool == "" {
			return fmt.Errorf("step %q has no tool binding", s.ID)
		}
		if !s.Worker.Valid() {
			return fmt.Errorf("step %q has unknown worker kind %q", s.ID, s.Worker)
		}
	}

	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return fmt.Errorf("step %q depends on itself", s.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	// Kahn's algorithm: if not every step can be ordered, the rest form a cycle.
	queue := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	ordered := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if ordered != len(p.Steps) {
		return fmt.Errorf("plan %s contains a dependency cycle", p.ID)
	}
	return nil
}
