package executor

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/upb/crypto-control-plane/services"
)

// Driver is the contract a tool backend implements. A driver exposes one
// named capability (key generation, CA submission, ...) and executes a
// single action per call. Drivers must honor ctx cancellation; the executor
// additionally enforces a hard deadline around every Run call.
type Driver interface {
	// Name returns the tool name the driver is registered under
	Name() string

	// Run executes one action with the given arguments and returns the
	// tool's textual output
	Run(ctx context.Context, action string, args map[string]string) (string, error)
}

// ArgType constrains the value format of a declared argument
type ArgType string

const (
	ArgString ArgType = "string"
	ArgInt    ArgType = "int"
	ArgBool   ArgType = "bool"
)

// ArgSpec declares one argument an action accepts
type ArgSpec struct {
	Required bool
	Type     ArgType
}

// ActionSpec is the argument schema of one permitted action. Arguments not
// declared here are rejected; the schema is an allow-list, not advisory.
type ActionSpec struct {
	Args map[string]ArgSpec
}

// CheckArgs validates args against the schema: every required argument must
// be present and non-empty, no undeclared argument may appear, and typed
// values must parse. An empty optional value is treated as absent.
func (s ActionSpec) CheckArgs(action string, args map[string]string) error {
	for name, spec := range s.Args {
		value, ok := args[name]
		if !ok || value == "" {
			if spec.Required {
				return services.NewDomainError(services.ErrorTypeValidation,
					fmt.Sprintf("action %q requires argument %q", action, name), nil).
					WithDetail("action", action).
					WithDetail("argument", name)
			}
			continue
		}
		if err := spec.checkValue(value); err != nil {
			return services.NewDomainError(services.ErrorTypeValidation,
				fmt.Sprintf("argument %q of action %q: %v", name, action, err), nil).
				WithDetail("action", action).
				WithDetail("argument", name)
		}
	}

	for name := range args {
		if _, ok := s.Args[name]; !ok {
			return services.NewDomainError(services.ErrorTypeValidation,
				fmt.Sprintf("action %q does not accept argument %q", action, name), nil).
				WithDetail("action", action).
				WithDetail("argument", name)
		}
	}
	return nil
}

func (s ArgSpec) checkValue(value string) error {
	switch s.Type {
	case ArgInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("value %q is not an integer", value)
		}
	case ArgBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("value %q is not a boolean", value)
		}
	case ArgString, "":
		// any value
	default:
		return fmt.Errorf("unknown argument type %q", s.Type)
	}
	return nil
}

// ToolBinding associates a driver with the actions steps may invoke on it.
// Actions absent from the map are denied regardless of what the driver could
// execute. Rate and Burst override the executor's default token bucket for
// this tool; zero values keep the default.
type ToolBinding struct {
	Driver  Driver
	Actions map[string]ActionSpec
	Rate    rate.Limit
	Burst   int
}

// ActionNames returns the permitted actions in sorted order
func (b *ToolBinding) ActionNames() []string {
	names := make([]string, 0, len(b.Actions))
	for name := range b.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Allows reports whether the binding permits the action
func (b *ToolBinding) Allows(action string) bool {
	_, ok := b.Actions[action]
	return ok
}
