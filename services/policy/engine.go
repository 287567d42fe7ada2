package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/upb/crypto-control-plane/models"
	"go.uber.org/zap"
)

// EvaluationInput is one step's worth of material for the engine. Params is
// the request parameter map; the engine never mutates it.
type EvaluationInput struct {
	StepID    string
	Operation models.OperationKind
	Params    models.Parameters
}

// Engine evaluates policy rules against request parameters. Evaluation is
// pure: the same policy set and input always produce the same decision, so
// decisions are replayable from the audit record. The engine checks every
// applicable rule and reports all findings, not just the first.
type Engine struct {
	cel    *celEvaluator
	logger *zap.Logger
}

// NewEngine creates a new policy Engine instance
func NewEngine(logger *zap.Logger) (*Engine, error) {
	cel, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{cel: cel, logger: logger}, nil
}

// Evaluate runs every applicable rule of the policy set against the input
// and returns the decision. HIGH violations always block; MEDIUM and LOW
// block only when the set is in strict mode. Advisory rules contribute
// warnings and never block.
func (e *Engine) Evaluate(set *models.PolicySet, input EvaluationInput) models.Decision {
	decision := models.Decision{
		StepID:        input.StepID,
		Operation:     input.Operation,
		PolicyVersion: set.Version,
		Approved:      true,
	}

	params := input.Params.Map()
	for _, rule := range set.RulesFor(input.Operation) {
		finding := e.check(rule, input.Operation, params)
		if finding == nil {
			continue
		}
		if rule.Advisory {
			decision.Warnings = append(decision.Warnings, models.Warning{
				RuleID:  rule.ID,
				Message: finding.message(rule),
			})
			continue
		}
		decision.Violations = append(decision.Violations, models.Violation{
			RuleID:      rule.ID,
			Requirement: finding.requirement,
			Actual:      finding.actual,
			Severity:    rule.Severity,
		})
		if rule.Severity.Blocking(set.StrictMode) {
			decision.Approved = false
		}
	}
	return decision
}

// ValidateSet checks that every rule in the set is well formed. Called when
// a set is activated, so a malformed rule never reaches evaluation.
func (e *Engine) ValidateSet(set *models.PolicySet) error {
	seen := make(map[string]bool, len(set.Rules))
	for _, rule := range set.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule without id")
		}
		if seen[rule.ID] {
			return fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = true

		switch rule.Kind {
		case models.RuleKindMin, models.RuleKindMax:
			if rule.Field == "" {
				return fmt.Errorf("rule %s: %s rule needs a field", rule.ID, rule.Kind)
			}
		case models.RuleKindAllowList, models.RuleKindDenyList:
			if rule.Field == "" {
				return fmt.Errorf("rule %s: %s rule needs a field", rule.ID, rule.Kind)
			}
			if len(rule.Values) == 0 {
				return fmt.Errorf("rule %s: %s rule needs values", rule.ID, rule.Kind)
			}
		case models.RuleKindRequired, models.RuleKindDomain:
			if rule.Field == "" {
				return fmt.Errorf("rule %s: %s rule needs a field", rule.ID, rule.Kind)
			}
		case models.RuleKindExpression:
			if rule.Expression == "" {
				return fmt.Errorf("rule %s: expression rule needs an expression", rule.ID)
			}
			if err := e.cel.Compile(rule.Expression); err != nil {
				return fmt.Errorf("rule %s: %w", rule.ID, err)
			}
		default:
			return fmt.Errorf("rule %s: unknown kind %q", rule.ID, rule.Kind)
		}
	}
	return nil
}

// finding describes one failed rule check
type finding struct {
	requirement string
	actual      string
}

// message renders the finding as a warning message, preferring the rule's
// own message text
func (f *finding) message(rule models.PolicyRule) string {
	if rule.Message != "" {
		return rule.Message
	}
	return f.requirement + " (actual: " + f.actual + ")"
}

// check applies one rule and returns nil when it passes. Value-shaped rules
// skip parameters the request did not provide; the required kind exists to
// make presence itself the predicate.
func (e *Engine) check(rule models.PolicyRule, operation models.OperationKind, params map[string]interface{}) *finding {
	switch rule.Kind {
	case models.RuleKindMin, models.RuleKindMax:
		return e.checkBound(rule, params)
	case models.RuleKindAllowList:
		return e.checkAllowList(rule, params)
	case models.RuleKindDenyList:
		return e.checkDenyList(rule, params)
	case models.RuleKindRequired:
		return e.checkRequired(rule, params)
	case models.RuleKindDomain:
		return e.checkDomains(rule, params)
	case models.RuleKindExpression:
		return e.checkExpression(rule, operation, params)
	}
	return nil
}

func (e *Engine) checkBound(rule models.PolicyRule, params map[string]interface{}) *finding {
	value, ok := paramNumber(params[rule.Field])
	if !ok {
		return nil
	}

	var passes bool
	var op string
	if rule.Kind == models.RuleKindMin {
		if rule.Exclusive {
			passes, op = value > rule.Bound, ">"
		} else {
			passes, op = value >= rule.Bound, ">="
		}
	} else {
		if rule.Exclusive {
			passes, op = value < rule.Bound, "<"
		} else {
			passes, op = value <= rule.Bound, "<="
		}
	}
	if passes {
		return nil
	}
	return &finding{
		requirement: fmt.Sprintf("%s %s %s", rule.Field, op, formatNumber(rule.Bound)),
		actual:      formatNumber(value),
	}
}

func (e *Engine) checkAllowList(rule models.PolicyRule, params map[string]interface{}) *finding {
	for _, value := range paramStrings(params[rule.Field]) {
		if !containsFold(rule.Values, value) {
			return &finding{
				requirement: fmt.Sprintf("%s in [%s]", rule.Field, strings.Join(rule.Values, ", ")),
				actual:      value,
			}
		}
	}
	return nil
}

func (e *Engine) checkDenyList(rule models.PolicyRule, params map[string]interface{}) *finding {
	for _, value := range paramStrings(params[rule.Field]) {
		if containsFold(rule.Values, value) {
			return &finding{
				requirement: fmt.Sprintf("%s not in [%s]", rule.Field, strings.Join(rule.Values, ", ")),
				actual:      value,
			}
		}
	}
	return nil
}

func (e *Engine) checkRequired(rule models.PolicyRule, params map[string]interface{}) *finding {
	if paramPresent(params[rule.Field]) {
		return nil
	}
	return &finding{
		requirement: rule.Field + " must be provided",
		actual:      "missing",
	}
}

func (e *Engine) checkDomains(rule models.PolicyRule, params map[string]interface{}) *finding {
	for _, name := range paramStrings(params[rule.Field]) {
		if !ValidHostname(name) {
			return &finding{
				requirement: rule.Field + " must be a valid host name",
				actual:      name,
			}
		}
	}
	return nil
}

// checkExpression evaluates a CEL rule. Evaluation failures fail closed:
// a rule that cannot be evaluated counts as violated.
func (e *Engine) checkExpression(rule models.PolicyRule, operation models.OperationKind, params map[string]interface{}) *finding {
	passes, err := e.cel.Evaluate(rule.Expression, operation, params)
	if err != nil {
		e.logger.Error("expression rule failed to evaluate",
			zap.String("rule_id", rule.ID),
			zap.Error(err))
		return &finding{
			requirement: requirementText(rule),
			actual:      "evaluation error: " + err.Error(),
		}
	}
	if passes {
		return nil
	}
	return &finding{
		requirement: requirementText(rule),
		actual:      expressionActual(rule, params),
	}
}

// expressionActual reports the value of the parameter an expression rule
// judges, when the rule names one via Field. Without a field there is nothing
// concrete to quote.
func expressionActual(rule models.PolicyRule, params map[string]interface{}) string {
	if rule.Field != "" {
		if values := paramStrings(params[rule.Field]); len(values) > 0 {
			return strings.Join(values, ", ")
		}
		if n, ok := paramNumber(params[rule.Field]); ok {
			return formatNumber(n)
		}
	}
	return "expression evaluated to false"
}

func requirementText(rule models.PolicyRule) string {
	if rule.Message != "" {
		return rule.Message
	}
	return rule.Expression
}

// paramNumber coerces a parameter value to float64. Zero counts as absent;
// no parameter in the request schema uses zero as a meaningful value.
func paramNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), n != 0
	case int64:
		return float64(n), n != 0
	case float64:
		return n, n != 0
	}
	return 0, false
}

// paramStrings flattens a parameter into the strings a list rule checks.
// Empty strings count as absent.
func paramStrings(v interface{}) []string {
	switch s := v.(type) {
	case string:
		if s == "" {
			return nil
		}
		return []string{s}
	case []string:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if item != "" {
				out = append(out, item)
			}
		}
		return out
	}
	return nil
}

// paramPresent reports whether the request provided the parameter
func paramPresent(v interface{}) bool {
	switch t := v.(type) {
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []string:
		return len(t) > 0
	}
	return v != nil
}

// containsFold reports whether the list contains the value, ignoring case.
// Algorithm and curve names arrive in mixed case from different clients.
func containsFold(values []string, value string) bool {
	for _, v := range values {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// hostnameLabel matches one DNS label: alphanumeric with interior hyphens
var hostnameLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)

// ValidHostname checks a subject name against the host name rules certificates
// require: dotted labels of at most 63 characters, 253 total, hyphens only in
// the interior, and a wildcard allowed only as the entire leftmost label.
func ValidHostname(name string) bool {
	if name == "" || len(name) > 253 {
		return false
	}
	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return false
	}
	for i, label := range labels {
		if label == "*" {
			if i != 0 {
				return false
			}
			continue
		}
		if len(label) > 63 || !hostnameLabel.MatchString(label) {
			return false
		}
	}
	return true
}
