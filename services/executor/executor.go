package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/upb/crypto-control-plane/services"
)

// Result is the structured outcome of a successful tool invocation
type Result struct {
	Tool     string        `json:"tool"`
	Action   string        `json:"action"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// Config tunes the executor's invocation guardrails
type Config struct {
	// DefaultTimeout bounds invocations whose step declares no timeout
	DefaultTimeout time.Duration

	// Circuit breaker settings, applied per tool
	BreakerMaxRequests         uint32
	BreakerInterval            time.Duration
	BreakerTimeout             time.Duration
	BreakerConsecutiveFailures uint32

	// Token bucket defaults, applied per tool unless the binding overrides
	DefaultRate  rate.Limit
	DefaultBurst int
}

// DefaultConfig returns the default executor configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout:             30 * time.Second,
		BreakerMaxRequests:         3,
		BreakerInterval:            5 * time.Second,
		BreakerTimeout:             30 * time.Second,
		BreakerConsecutiveFailures: 5,
		DefaultRate:                rate.Limit(100),
		DefaultBurst:               20,
	}
}

// Executor performs uniform, bounded tool invocations. Every call runs the
// same pipeline: registry lookup, action allow-list, argument schema check,
// argument safety guard, per-tool rate limit, per-tool circuit breaker, and
// a hard deadline. Retrying is not this layer's job; transient outcomes are
// classified retryable and left to the caller.
type Executor struct {
	registry atomic.Pointer[Registry]
	cfg      *Config
	logger   *zap.Logger

	// mu guards the lazily built breaker and limiter maps
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	limiters map[string]*rate.Limiter
}

// NewExecutor creates an executor over an initial registry
func NewExecutor(reg *Registry, cfg *Config, logger *zap.Logger) *Executor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Executor{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}
	e.registry.Store(reg)
	return e
}

// Reload swaps in a new registry. Breaker state survives the swap so a
// reload cannot reset failure history; limiters are rebuilt because bindings
// may declare new rates.
func (e *Executor) Reload(reg *Registry) {
	e.registry.Store(reg)

	e.mu.Lock()
	e.limiters = make(map[string]*rate.Limiter)
	e.mu.Unlock()

	e.logger.Info("tool registry reloaded", zap.Int("tools", reg.Count()))
}

// Registry returns the currently active registry
func (e *Executor) Registry() *Registry {
	return e.registry.Load()
}

// Invoke executes one action on one tool with a hard deadline. A zero
// timeout falls back to the configured default. Unregistered tools and
// denied actions are configuration errors; unsafe or malformed arguments are
// validation errors; timeouts, open breakers, and exhausted rate limits are
// retryable outcomes distinct from tool execution failures.
func (e *Executor) Invoke(ctx context.Context, tool, action string, args map[string]string, timeout time.Duration) (*Result, error) {
	binding, ok := e.registry.Load().Binding(tool)
	if !ok {
		e.logger.Warn("tool not registered", zap.String("tool", tool))
		return nil, services.NewDomainError(services.ErrorTypeConfiguration,
			fmt.Sprintf("tool %q is not registered", tool), nil).
			WithDetail("tool", tool)
	}

	spec, ok := binding.Actions[action]
	if !ok {
		e.logger.Warn("action not permitted",
			zap.String("tool", tool),
			zap.String("action", action),
			zap.Strings("permitted", binding.ActionNames()))
		return nil, services.NewDomainError(services.ErrorTypeConfiguration,
			fmt.Sprintf("tool %q does not permit action %q", tool, action), nil).
			WithDetail("tool", tool).
			WithDetail("action", action)
	}

	if err := spec.CheckArgs(action, args); err != nil {
		return nil, err
	}
	if err := ValidateArgSafety(args); err != nil {
		e.logger.Warn("unsafe argument rejected",
			zap.String("tool", tool),
			zap.String("action", action),
			zap.Error(err))
		return nil, err
	}

	if !e.limiterFor(tool, binding).Allow() {
		e.logger.Warn("tool rate limit exceeded",
			zap.String("tool", tool),
			zap.String("action", action))
		return nil, services.NewDomainError(services.ErrorTypeRateLimit,
			fmt.Sprintf("tool %q rate limit exceeded", tool), nil).
			WithDetail("tool", tool).
			AsRetryable()
	}

	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	start := time.Now()
	out, err := e.breakerFor(tool).Execute(func() (interface{}, error) {
		return e.runBounded(ctx, binding.Driver, action, args, timeout)
	})
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = services.NewDomainError(services.ErrorTypeToolExecution,
				fmt.Sprintf("tool %q circuit breaker open", tool), err).
				WithDetail("tool", tool).
				AsRetryable()
		}
		e.logger.Warn("tool invocation failed",
			zap.String("tool", tool),
			zap.String("action", action),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, err
	}

	e.logger.Debug("tool invocation succeeded",
		zap.String("tool", tool),
		zap.String("action", action),
		zap.Duration("duration", duration))

	return &Result{
		Tool:     tool,
		Action:   action,
		Output:   out.(string),
		Duration: duration,
	}, nil
}

// runBounded executes the driver call under a hard deadline. The driver runs
// in its own goroutine so a driver that ignores ctx still cannot hold the
// invocation past the deadline; an abandoned call keeps its cancelled ctx
// and its late result is discarded.
func (e *Executor) runBounded(ctx context.Context, driver Driver, action string, args map[string]string, timeout time.Duration) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type runResult struct {
		output string
		err    error
	}
	done := make(chan runResult, 1)
	go func() {
		output, err := driver.Run(tctx, action, args)
		done <- runResult{output: output, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", classifyDriverError(driver.Name(), action, timeout, res.err)
		}
		return res.output, nil
	case <-tctx.Done():
		return "", classifyDeadline(driver.Name(), action, timeout, tctx.Err())
	}
}

// classifyDriverError maps a driver error onto the error taxonomy. Drivers
// may return pre-classified domain errors; context errors surfaced by a
// well-behaved driver are classified the same as deadline hits.
func classifyDriverError(tool, action string, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return classifyDeadline(tool, action, timeout, err)
	}
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return services.WrapToolExecution(
		fmt.Sprintf("tool %q action %q failed", tool, action), err)
}

func classifyDeadline(tool, action string, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return services.NewDomainError(services.ErrorTypeToolTimeout,
			fmt.Sprintf("tool %q action %q exceeded its %s deadline", tool, action, timeout), err).
			WithDetail("tool", tool).
			WithDetail("action", action).
			AsRetryable()
	}
	return services.NewDomainError(services.ErrorTypeCancelled,
		fmt.Sprintf("tool %q action %q cancelled", tool, action), err).
		WithDetail("tool", tool).
		WithDetail("action", action)
}

func (e *Executor) breakerFor(tool string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[tool]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        tool,
		MaxRequests: e.cfg.BreakerMaxRequests,
		Interval:    e.cfg.BreakerInterval,
		Timeout:     e.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > e.cfg.BreakerConsecutiveFailures
		},
	})
	e.breakers[tool] = cb
	return cb
}

func (e *Executor) limiterFor(tool string, binding *ToolBinding) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	if l, ok := e.limiters[tool]; ok {
		return l
	}
	limit := e.cfg.DefaultRate
	burst := e.cfg.DefaultBurst
	if binding.Rate > 0 {
		limit = binding.Rate
	}
	if binding.Burst > 0 {
		burst = binding.Burst
	}
	l := rate.NewLimiter(limit, burst)
	e.limiters[tool] = l
	return l
}

// ToolStats describes one bound tool and its breaker state
type ToolStats struct {
	Tool         string   `json:"tool"`
	Actions      []string `json:"actions"`
	BreakerState string   `json:"breaker_state"`
}

// GetToolStats reports every bound tool with its permitted actions and
// current breaker state, sorted by tool name
func (e *Executor) GetToolStats() []ToolStats {
	reg := e.registry.Load()

	e.mu.Lock()
	defer e.mu.Unlock()

	stats := make([]ToolStats, 0, reg.Count())
	for _, name := range reg.Tools() {
		binding, _ := reg.Binding(name)
		state := gobreaker.StateClosed.String()
		if cb, ok := e.breakers[name]; ok {
			state = cb.State().String()
		}
		stats = append(stats, ToolStats{
			Tool:         name,
			Actions:      binding.ActionNames(),
			BreakerState: state,
		})
	}
	return stats
}
