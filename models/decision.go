package models

// Severity represents how serious a policy violation is
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Blocking reports whether a violation at this severity blocks the run.
// HIGH always blocks; MEDIUM and LOW block only under strict mode.
func (s Severity) Blocking(strictMode bool) bool {
	if s == SeverityHigh {
		return true
	}
	return strictMode
}

// Violation is a single failed rule check
type Violation struct {
	RuleID      string   `json:"rule_id"`
	Requirement string   `json:"requirement"`
	Actual      string   `json:"actual"`
	Severity    Severity `json:"severity"`
}

// Warning is an advisory finding that never blocks a run
type Warning struct {
	RuleID  string `json:"rule_id"`
	Message string `json:"message"`
}

// Decision is the immutable output of a policy evaluation for one step.
// Approved is false iff at least one violation blocks under the evaluated
// policy set's strict-mode flag. Violations always carry every failed rule,
// not just the first.
type Decision struct {
	StepID        string        `json:"step_id,omitempty"`
	Operation     OperationKind `json:"operation"`
	PolicyVersion int           `json:"policy_version"`
	Approved      bool          `json:"approved"`
	Warnings      []Warning     `json:"warnings,omitempty"`
	Violations    []Violation   `json:"violations,omitempty"`
}

// Blocked reports whether the decision rejects the step
func (d Decision) Blocked() bool {
	return !d.Approved
}

// HasWarnings reports whether the decision carries advisory findings
func (d Decision) HasWarnings() bool {
	return len(d.Warnings) > 0
}

// ViolationReasons renders the violations as human-readable reasons
func (d Decision) ViolationReasons() []string {
	out := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		out = append(out, v.RuleID+": "+v.Requirement+" (actual: "+v.Actual+", severity: "+string(v.Severity)+")")
	}
	return out
}
