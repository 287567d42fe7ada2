package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/repositories"
	"github.com/upb/crypto-control-plane/services"
	"github.com/upb/crypto-control-plane/services/alerting"
	"github.com/upb/crypto-control-plane/services/dispatch"
	"github.com/upb/crypto-control-plane/services/executor"
	"github.com/upb/crypto-control-plane/services/ledger"
	"github.com/upb/crypto-control-plane/services/planner"
	"github.com/upb/crypto-control-plane/services/policy"
	"github.com/upb/crypto-control-plane/services/workflow"
)

// stubAuditRepo is the minimal in-memory ledger store the fixture needs
type stubAuditRepo struct {
	mu      sync.Mutex
	entries []*models.AuditEntry
}

func (s *stubAuditRepo) Insert(ctx context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubAuditRepo) GetBySequence(ctx context.Context, seq uint64) (*models.AuditEntry, error) {
	return nil, services.ErrAuditEntryNotFound
}

func (s *stubAuditRepo) GetLatest(ctx context.Context) (*models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil, services.ErrAuditEntryNotFound
	}
	return s.entries[len(s.entries)-1], nil
}

func (s *stubAuditRepo) GetRange(ctx context.Context, from, to uint64) ([]*models.AuditEntry, error) {
	return nil, nil
}

func (s *stubAuditRepo) GetByRunID(ctx context.Context, runID uuid.UUID) ([]*models.AuditEntry, error) {
	return nil, nil
}

func (s *stubAuditRepo) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

func (s *stubAuditRepo) WithTx(tx repositories.Transaction) repositories.AuditLedgerRepository {
	return s
}

// stubRunRepo keeps snapshots in memory, keyed by run ID
type stubRunRepo struct {
	mu    sync.Mutex
	snaps map[uuid.UUID]*models.RunSnapshot
}

func newStubRunRepo() *stubRunRepo {
	return &stubRunRepo{snaps: make(map[uuid.UUID]*models.RunSnapshot)}
}

func (s *stubRunRepo) Create(ctx context.Context, snap *models.RunSnapshot) error {
	return s.Update(ctx, snap)
}

func (s *stubRunRepo) Update(ctx context.Context, snap *models.RunSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.RunID] = snap
	return nil
}

func (s *stubRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.RunSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.snaps[id]; ok {
		return snap, nil
	}
	return nil, services.ErrRunNotFound
}

func (s *stubRunRepo) ListByState(ctx context.Context, state models.RunState, limit, offset int) ([]*models.RunSnapshot, error) {
	return nil, nil
}

func (s *stubRunRepo) ListRecent(ctx context.Context, limit, offset int) ([]*models.RunSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.RunSnapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, snap)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubRunRepo) WithTx(tx repositories.Transaction) repositories.RunRepository {
	return s
}

// approveAllGate approves every evaluated step
type approveAllGate struct {
	set *models.PolicySet
}

func (g *approveAllGate) Current(ctx context.Context) (*models.PolicySet, error) {
	return g.set, nil
}

func (g *approveAllGate) Evaluate(set *models.PolicySet, input policy.EvaluationInput) models.Decision {
	return models.Decision{
		StepID:        input.StepID,
		Operation:     input.Operation,
		PolicyVersion: set.Version,
		Approved:      true,
	}
}

// gatedInvoker answers every call with a canned result, optionally blocking
// until released
type gatedInvoker struct {
	hold chan struct{}
}

func (g *gatedInvoker) Invoke(ctx context.Context, tool, action string, args map[string]string, timeout time.Duration) (*executor.Result, error) {
	if g.hold != nil {
		select {
		case <-g.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &executor.Result{Tool: tool, Action: action, Output: "ok"}, nil
}

type nopProjector struct{}

func (nopProjector) Commit(ctx context.Context, run *models.Run) ([]models.Effect, error) {
	return nil, nil
}

// failingPlanner always rejects the request
type failingPlanner struct{}

func (failingPlanner) BuildPlan(req *models.Request) (*models.Plan, error) {
	return nil, services.NewDomainError(services.ErrorTypePlan, "no template for operation", nil)
}

type serviceFixture struct {
	svc     *Service
	runs    *stubRunRepo
	invoker *gatedInvoker
	cleanup func()
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	logger := zap.NewNop()

	auditLedger := ledger.NewLedger(&stubAuditRepo{}, ledger.NopSigner{}, logger)
	require.NoError(t, auditLedger.Open(context.Background()))

	dispatcher := dispatch.NewDispatcher(4, logger)
	require.NoError(t, dispatcher.Start())

	runs := newStubRunRepo()
	invoker := &gatedInvoker{}
	gate := &approveAllGate{set: &models.PolicySet{Version: 1, Name: "baseline", EffectiveAt: time.Now()}}
	engine := workflow.NewEngine(gate, invoker, dispatcher, nopProjector{},
		auditLedger, runs, alerting.NewLogNotifier(logger), nil, logger)

	pl := planner.NewTemplatePlanner(time.Second, logger)
	svc := NewService(context.Background(), pl, engine, runs, logger)
	return &serviceFixture{
		svc:     svc,
		runs:    runs,
		invoker: invoker,
		cleanup: func() { _ = dispatcher.Stop(2 * time.Second) },
	}
}

func waitTerminal(t *testing.T, f *serviceFixture, runID uuid.UUID) *models.RunSnapshot {
	t.Helper()
	var snap *models.RunSnapshot
	require.Eventually(t, func() bool {
		s, err := f.svc.Status(context.Background(), runID)
		if err != nil {
			return false
		}
		snap = s
		return s.State.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return snap
}

func TestService_SubmitRunsToCompletion(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	snap, err := f.svc.Submit(context.Background(), SubmitInput{
		Operation:  models.OperationGenerateKey,
		Parameters: models.Parameters{Algorithm: "RSA", KeySize: 3072},
		Requester:  "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatePlanned, snap.State)
	assert.Equal(t, models.OperationGenerateKey, snap.Operation)
	assert.NotEmpty(t, snap.Steps)

	final := waitTerminal(t, f, snap.RunID)
	assert.Equal(t, models.RunStateCompleted, final.State)

	// the instance registry drains once the run finishes
	assert.Eventually(t, func() bool {
		return f.svc.ActiveRuns() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// terminal runs are answered from storage
	stored, err := f.svc.Status(context.Background(), snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCompleted, stored.State)
}

func TestService_ConcurrentRunsCompleteIndependently(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	const runs = 8
	ids := make(chan uuid.UUID, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := f.svc.Submit(context.Background(), SubmitInput{
				Operation:  models.OperationGenerateKey,
				Parameters: models.Parameters{Algorithm: "RSA", KeySize: 3072},
				Requester:  "alice",
			})
			assert.NoError(t, err)
			if err == nil {
				ids <- snap.RunID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := 0
	for id := range ids {
		final := waitTerminal(t, f, id)
		assert.Equal(t, models.RunStateCompleted, final.State)
		seen++
	}
	assert.Equal(t, runs, seen)

	assert.Eventually(t, func() bool {
		return f.svc.ActiveRuns() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestService_SubmitValidation(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	tests := []struct {
		name  string
		input SubmitInput
	}{
		{
			name:  "unknown operation",
			input: SubmitInput{Operation: "decrypt_everything", Requester: "alice"},
		},
		{
			name:  "missing requester",
			input: SubmitInput{Operation: models.OperationGenerateKey},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), tt.input)
			require.Error(t, err)
			assert.True(t, services.IsValidationError(err))
		})
	}
}

func TestService_SubmitPlannerErrorPropagates(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	f.svc.planner = failingPlanner{}
	_, err := f.svc.Submit(context.Background(), SubmitInput{
		Operation: models.OperationGenerateKey,
		Requester: "alice",
	})
	require.Error(t, err)
	assert.True(t, services.IsPlanError(err))
}

func TestService_StatusUnknownRun(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	_, err := f.svc.Status(context.Background(), uuid.New())
	assert.True(t, services.IsNotFoundError(err))
}

func TestService_CancelSemantics(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	// unknown run
	err := f.svc.Cancel(context.Background(), uuid.New(), "tester")
	assert.True(t, services.IsNotFoundError(err))

	// terminal run
	snap, err := f.svc.Submit(context.Background(), SubmitInput{
		Operation:  models.OperationGenerateKey,
		Parameters: models.Parameters{Algorithm: "RSA", KeySize: 3072},
		Requester:  "alice",
	})
	require.NoError(t, err)
	waitTerminal(t, f, snap.RunID)
	assert.Eventually(t, func() bool {
		return f.svc.ActiveRuns() == 0
	}, 5*time.Second, 10*time.Millisecond)

	err = f.svc.Cancel(context.Background(), snap.RunID, "tester")
	assert.ErrorIs(t, err, services.ErrRunAlreadyTerminal)

	// known but not live: simulate a snapshot left behind by a restart
	orphan := &models.RunSnapshot{RunID: uuid.New(), State: models.RunStateExecuting}
	require.NoError(t, f.runs.Update(context.Background(), orphan))
	err = f.svc.Cancel(context.Background(), orphan.RunID, "tester")
	require.Error(t, err)
	assert.True(t, services.IsConflictError(err))
}

func TestService_CancelLiveRun(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()
	f.invoker.hold = make(chan struct{})

	snap, err := f.svc.Submit(context.Background(), SubmitInput{
		Operation:  models.OperationGenerateKey,
		Parameters: models.Parameters{Algorithm: "RSA", KeySize: 3072},
		Requester:  "alice",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.svc.ActiveRuns() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, f.svc.Cancel(context.Background(), snap.RunID, "tester"))
	close(f.invoker.hold)

	final := waitTerminal(t, f, snap.RunID)
	assert.Equal(t, models.RunStateFailed, final.State)
}

func TestService_ShutdownRejectsNewRuns(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	require.NoError(t, f.svc.Shutdown(time.Second))

	_, err := f.svc.Submit(context.Background(), SubmitInput{
		Operation:  models.OperationGenerateKey,
		Parameters: models.Parameters{Algorithm: "RSA", KeySize: 3072},
		Requester:  "alice",
	})
	require.Error(t, err)
	assert.True(t, services.IsConflictError(err))
}

func TestService_ShutdownDrainsActiveRuns(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()
	f.invoker.hold = make(chan struct{})

	_, err := f.svc.Submit(context.Background(), SubmitInput{
		Operation:  models.OperationGenerateKey,
		Parameters: models.Parameters{Algorithm: "RSA", KeySize: 3072},
		Requester:  "alice",
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(f.invoker.hold)
	}()
	require.NoError(t, f.svc.Shutdown(10*time.Second))
	assert.Equal(t, 0, f.svc.ActiveRuns())
}
