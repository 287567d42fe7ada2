// Package orchestrator is the inbound facade of the control plane: it
// accepts lifecycle requests, turns them into runs, and answers status and
// cancellation queries for both in-flight and finished runs.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/repositories"
	"github.com/upb/crypto-control-plane/services"
	"github.com/upb/crypto-control-plane/services/planner"
	"github.com/upb/crypto-control-plane/services/workflow"
)

// SubmitInput carries a validated inbound lifecycle request
type SubmitInput struct {
	Operation  models.OperationKind
	Parameters models.Parameters
	Requester  string
}

// Service accepts requests and owns the registry of live workflow
// instances. Terminal runs are answered from the run repository; in-flight
// runs from their instance.
type Service struct {
	planner planner.Planner
	engine  *workflow.Engine
	runs    repositories.RunRepository
	logger  *zap.Logger

	// baseCtx governs every run's execution; it must outlive the HTTP
	// requests that submit runs and is cancelled only at shutdown.
	baseCtx context.Context

	mu        sync.Mutex
	instances map[uuid.UUID]*workflow.Instance
	wg        sync.WaitGroup
	closed    bool
}

// NewService creates a new orchestrator Service instance
func NewService(baseCtx context.Context, pl planner.Planner, engine *workflow.Engine, runs repositories.RunRepository, logger *zap.Logger) *Service {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Service{
		planner:   pl,
		engine:    engine,
		runs:      runs,
		logger:    logger,
		baseCtx:   baseCtx,
		instances: make(map[uuid.UUID]*workflow.Instance),
	}
}

// Submit accepts a lifecycle request, plans it, and starts its run. It
// returns as soon as the run is accepted; execution continues in the
// background and is observable through Status.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (*models.RunSnapshot, error) {
	if !input.Operation.Valid() {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("unknown operation kind %q", input.Operation), nil)
	}
	if input.Requester == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			"requester identity is required", nil)
	}

	req := models.NewRequest(input.Operation, input.Parameters, input.Requester)

	plan, err := s.planner.BuildPlan(req)
	if err != nil {
		s.logger.Warn("planning failed",
			zap.String("request_id", req.ID.String()),
			zap.String("operation", string(req.Operation)),
			zap.Error(err))
		return nil, err
	}

	run := models.NewRun(req, plan)
	snap := run.Snapshot()
	if err := s.runs.Create(ctx, &snap); err != nil {
		return nil, services.WrapInternal("failed to persist accepted run", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, services.NewDomainError(services.ErrorTypeConflict,
			"orchestrator is shutting down", nil)
	}
	inst := s.engine.Start(s.baseCtx, run)
	s.instances[run.ID] = inst
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		<-inst.Done()
		s.mu.Lock()
		delete(s.instances, run.ID)
		s.mu.Unlock()
	}()

	s.logger.Info("run accepted",
		zap.String("run_id", run.ID.String()),
		zap.String("operation", string(req.Operation)),
		zap.String("requester", req.Requester),
		zap.Int("steps", len(plan.Steps)))
	return &snap, nil
}

// Status returns the run's externally visible state: live runs answer from
// their instance, finished runs from storage.
func (s *Service) Status(ctx context.Context, runID uuid.UUID) (*models.RunSnapshot, error) {
	s.mu.Lock()
	inst, ok := s.instances[runID]
	s.mu.Unlock()
	if ok {
		snap := inst.Snapshot()
		return &snap, nil
	}
	return s.runs.GetByID(ctx, runID)
}

// ListRuns returns the most recently started runs from storage
func (s *Service) ListRuns(ctx context.Context, limit, offset int) ([]*models.RunSnapshot, error) {
	return s.runs.ListRecent(ctx, limit, offset)
}

// Cancel requests cancellation of an in-flight run. Cancelling a run that
// already reached a terminal state is a conflict; cancelling an unknown run
// is not found.
func (s *Service) Cancel(ctx context.Context, runID uuid.UUID, actor string) error {
	s.mu.Lock()
	inst, ok := s.instances[runID]
	s.mu.Unlock()
	if ok {
		return inst.Cancel(ctx, actor)
	}

	snap, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if snap.State.Terminal() {
		return services.ErrRunAlreadyTerminal
	}
	// Known but not live: the process restarted mid-run. There is nothing
	// left to stop; the operator resolves it through the ledger.
	return services.NewDomainError(services.ErrorTypeConflict,
		"run is not executing in this process", nil)
}

// ActiveRuns returns the number of in-flight runs
func (s *Service) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// Shutdown stops accepting new runs and waits up to timeout for in-flight
// runs to reach a terminal state
func (s *Service) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.closed = true
	active := len(s.instances)
	s.mu.Unlock()

	s.logger.Info("orchestrator draining", zap.Int("active_runs", active))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timed out with %d run(s) still active", s.ActiveRuns())
	}
}
