package models

import (
	"time"
)

// RuleKind represents the predicate family of a policy rule
type RuleKind string

const (
	RuleKindMin        RuleKind = "min"           // numeric lower bound on a parameter
	RuleKindMax        RuleKind = "max"           // numeric upper bound on a parameter
	RuleKindAllowList  RuleKind = "allow_list"    // value must be listed; unlisted always violates
	RuleKindDenyList   RuleKind = "deny_list"     // listed values always violate
	RuleKindRequired   RuleKind = "required"      // parameter must be non-empty
	RuleKindDomain     RuleKind = "domain_format" // RFC 5280 host name checks
	RuleKindExpression RuleKind = "expression"    // CEL expression over the parameter map
)

// PolicyRule is one rule within a policy set. Field names a request
// parameter (as in Parameters.Map). Bound and Exclusive define interval
// semantics for min/max rules: Exclusive selects the open interval.
// Advisory rules produce warnings instead of violations and never block.
type PolicyRule struct {
	ID         string          `json:"id" yaml:"id"`
	Kind       RuleKind        `json:"kind" yaml:"kind"`
	Field      string          `json:"field,omitempty" yaml:"field,omitempty"`
	Operations []OperationKind `json:"operations,omitempty" yaml:"operations,omitempty"`
	Severity   Severity        `json:"severity" yaml:"severity"`
	Advisory   bool            `json:"advisory,omitempty" yaml:"advisory,omitempty"`
	Bound      float64         `json:"bound,omitempty" yaml:"bound,omitempty"`
	Exclusive  bool            `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`
	Values     []string        `json:"values,omitempty" yaml:"values,omitempty"`
	Expression string          `json:"expression,omitempty" yaml:"expression,omitempty"`
	Message    string          `json:"message,omitempty" yaml:"message,omitempty"`
}

// AppliesTo reports whether the rule is evaluated for the operation kind.
// A rule with no operations listed applies to every kind.
func (r PolicyRule) AppliesTo(kind OperationKind) bool {
	if len(r.Operations) == 0 {
		return true
	}
	for _, op := range r.Operations {
		if op == kind {
			return true
		}
	}
	return false
}

// PolicySet is a versioned, immutable collection of policy rules. Only the
// latest active version is consulted for new runs; historical versions stay
// retrievable for audit replay.
type PolicySet struct {
	Version     int          `json:"version" db:"version" yaml:"version"`
	Name        string       `json:"name" db:"name" yaml:"name"`
	StrictMode  bool         `json:"strict_mode" db:"strict_mode" yaml:"strict_mode"`
	EffectiveAt time.Time    `json:"effective_at" db:"effective_at" yaml:"effective_at"`
	Rules       []PolicyRule `json:"rules" yaml:"rules"`
}

// TableName returns the table name for the PolicySet model
func (PolicySet) TableName() string {
	return "policy_sets"
}

// RulesFor returns the rules applicable to the given operation kind,
// preserving declaration order
func (ps *PolicySet) RulesFor(kind OperationKind) []PolicyRule {
	out := make([]PolicyRule, 0, len(ps.Rules))
	for _, r := range ps.Rules {
		if r.AppliesTo(kind) {
			out = append(out, r)
		}
	}
	return out
}

// Rule returns the rule with the given ID, if present
func (ps *PolicySet) Rule(id string) (PolicyRule, bool) {
	for _, r := range ps.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return PolicyRule{}, false
}
