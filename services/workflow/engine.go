// Package workflow drives accepted runs through the orchestration state
// machine: policy validation, dependency-ordered execution on the worker
// pool, inventory commit, and compensation on failure. Every transition and
// step outcome is recorded in the audit ledger before the run moves on.
package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/upb/crypto-control-plane/internal/observability"
	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/repositories"
	"github.com/upb/crypto-control-plane/services/alerting"
	"github.com/upb/crypto-control-plane/services/dispatch"
	"github.com/upb/crypto-control-plane/services/executor"
	"github.com/upb/crypto-control-plane/services/ledger"
	"github.com/upb/crypto-control-plane/services/policy"
)

// terminalPersistTimeout bounds the terminal snapshot write
const terminalPersistTimeout = 10 * time.Second

// Config holds the workflow engine configuration
type Config struct {
	// StepAttempts is the per-step attempt budget, including the first
	// try. Only transient failures consume extra attempts.
	StepAttempts uint

	// CommitTimeout bounds the inventory commit of a completed run.
	CommitTimeout time.Duration

	// CompensationTimeout bounds each compensating call, including its
	// time in the worker queue. Compensation is never retried.
	CompensationTimeout time.Duration
}

// DefaultConfig returns the default workflow configuration
func DefaultConfig() *Config {
	return &Config{
		StepAttempts:        3,
		CommitTimeout:       30 * time.Second,
		CompensationTimeout: 60 * time.Second,
	}
}

// PolicyGate is the slice of the policy service consulted during validation
type PolicyGate interface {
	Current(ctx context.Context) (*models.PolicySet, error)
	Evaluate(set *models.PolicySet, input policy.EvaluationInput) models.Decision
}

// ToolInvoker runs one tool action. Implemented by the executor.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool, action string, args map[string]string, timeout time.Duration) (*executor.Result, error)
}

// Assigner hands tasks to the worker pool. Implemented by the dispatcher.
type Assigner interface {
	Assign(ctx context.Context, task *dispatch.Task) error
}

// Projector applies a run's terminal inventory effects exactly once and
// reports what it applied
type Projector interface {
	Commit(ctx context.Context, run *models.Run) ([]models.Effect, error)
}

// Engine holds the collaborators shared by all workflow instances. One
// Instance is started per accepted run; instances share nothing but the
// engine.
type Engine struct {
	policies  PolicyGate
	invoker   ToolInvoker
	assigner  Assigner
	projector Projector
	ledger    *ledger.Ledger
	runs      repositories.RunRepository
	reports   repositories.ReportRepository
	notifier  alerting.Notifier
	metrics   *observability.Metrics
	cfg       *Config
	logger    *zap.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithMetrics attaches Prometheus collectors to the engine
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithReports persists a compliance report for every validated run. Without
// it, decisions still land in the audit ledger but no report row is written.
func WithReports(repo repositories.ReportRepository) Option {
	return func(e *Engine) {
		e.reports = repo
	}
}

// NewEngine creates a new workflow Engine instance. A nil cfg uses the
// defaults; a nil notifier falls back to log-only alerting.
func NewEngine(
	policies PolicyGate,
	invoker ToolInvoker,
	assigner Assigner,
	projector Projector,
	auditLedger *ledger.Ledger,
	runs repositories.RunRepository,
	notifier alerting.Notifier,
	cfg *Config,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.StepAttempts == 0 {
		cfg.StepAttempts = DefaultConfig().StepAttempts
	}
	if notifier == nil {
		notifier = alerting.NewLogNotifier(logger)
	}
	e := &Engine{
		policies:  policies,
		invoker:   invoker,
		assigner:  assigner,
		projector: projector,
		ledger:    auditLedger,
		runs:      runs,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the workflow for an accepted run and returns its handle.
// ctx governs the whole execution and must outlive the submitting request.
func (e *Engine) Start(ctx context.Context, run *models.Run) *Instance {
	inst := &Instance{
		engine: e,
		run:    run,
		done:   make(chan struct{}),
	}
	go inst.drive(ctx)
	return inst
}
