package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/upb/crypto-control-plane/models"
)

// celCostLimit caps the runtime cost of a single expression evaluation so a
// pathological rule cannot stall the validation phase
const celCostLimit = 10000

// celEvaluator compiles and runs expression rules. Compiled programs are
// cached per expression text; rules repeat across steps and runs, so the
// cache hit rate is high.
type celEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// newCELEvaluator builds the shared environment. Expressions see the request
// parameters as `params` and the operation kind as `operation`.
func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("operation", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}
	return &celEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile checks that an expression is well formed and yields a boolean.
// Used when a policy set is activated, so bad rules are rejected before
// they can gate a run.
func (e *celEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

// Evaluate runs the expression against the request. A true result means the
// rule passes. Evaluation errors are returned to the caller, which treats
// them as failures.
func (e *celEvaluator) Evaluate(expr string, operation models.OperationKind, params map[string]interface{}) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"params":    params,
		"operation": string(operation),
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression result is %T, not bool", out.Value())
	}
	return val, nil
}

// program returns the compiled program for the expression, compiling and
// caching it on first use
func (e *celEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Double check under the write lock
	if prg, hit = e.programs[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(celCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.programs[expr] = prg
	return prg, nil
}
