package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/services"
	"github.com/upb/crypto-control-plane/services/alerting"
	"github.com/upb/crypto-control-plane/services/dispatch"
	"github.com/upb/crypto-control-plane/services/policy"
)

// Instance is the workflow execution of a single run. The run record is
// owned exclusively by its instance; external readers get copies through
// Snapshot.
type Instance struct {
	engine *Engine

	mu     sync.Mutex
	run    *models.Run
	halted bool // an audit append failed mid-run; no further steps start

	done chan struct{}
}

// RunID returns the run's identifier
func (i *Instance) RunID() uuid.UUID {
	return i.run.ID
}

// Done is closed once the run reaches a terminal state
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Snapshot returns a copy of the run's externally visible state
func (i *Instance) Snapshot() models.RunSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.run.Snapshot()
}

// Cancel requests cancellation of the run. No new steps start after the
// request; in-flight tool calls finish or time out and their outcomes are
// recorded, then succeeded steps are compensated. Cancelling a run that
// already reached a terminal state is a conflict.
func (i *Instance) Cancel(ctx context.Context, actor string) error {
	i.mu.Lock()
	if i.run.State.Terminal() {
		i.mu.Unlock()
		return services.ErrRunAlreadyTerminal
	}
	if i.run.Cancelled() {
		i.mu.Unlock()
		return nil
	}
	i.run.MarkCancelled()
	i.run.AddReason("cancellation requested by " + actor)
	i.mu.Unlock()

	if _, err := i.engine.ledger.RecordCancelled(ctx, i.run.ID, actor); err != nil {
		i.engine.logger.Error("failed to record run cancellation",
			zap.String("run_id", i.run.ID.String()),
			zap.Error(err))
	}
	i.engine.logger.Info("run cancellation requested",
		zap.String("run_id", i.run.ID.String()),
		zap.String("actor", actor))
	return nil
}

// drive moves the run through the state machine from PLANNED to a terminal
// state. It is the only goroutine that mutates the run's state field.
func (i *Instance) drive(ctx context.Context) {
	defer close(i.done)

	run := i.run
	i.engine.logger.Info("run started",
		zap.String("run_id", run.ID.String()),
		zap.String("operation", string(run.Request.Operation)),
		zap.String("requester", run.Request.Requester),
		zap.Int("steps", len(run.Plan.Steps)))

	if _, err := i.engine.ledger.RecordRunAccepted(ctx, run); err != nil {
		i.addReason("audit ledger rejected the run: " + err.Error())
		i.finishFailed(ctx)
		return
	}

	if !i.transition(ctx, models.RunStateValidating, nil) {
		i.finishFailed(ctx)
		return
	}
	if !i.validate(ctx) || i.cancelRequested() {
		i.finishFailed(ctx)
		return
	}

	if !i.transition(ctx, models.RunStateExecuting, nil) {
		i.finishFailed(ctx)
		return
	}
	i.executeSteps(ctx)

	if !i.readyToCommit() {
		i.finishFailed(ctx)
		return
	}
	if !i.transition(ctx, models.RunStateCommitting, nil) {
		i.finishFailed(ctx)
		return
	}
	if err := i.commit(ctx); err != nil {
		i.addReason("inventory commit failed: " + err.Error())
		i.notify(ctx, alerting.KindCommitFailure,
			fmt.Sprintf("run %s: inventory commit failed: %v", run.ID, err))
		i.finishFailed(ctx)
		return
	}

	i.transition(ctx, models.RunStateCompleted, nil)
	i.finish(ctx)
}

// validate evaluates the pinned policy set against every step and records
// each decision. It returns false when any blocking violation was found or
// when a decision could not be audited.
func (i *Instance) validate(ctx context.Context) bool {
	run := i.run

	set, err := i.engine.policies.Current(ctx)
	if err != nil {
		i.engine.logger.Error("failed to load active policy set",
			zap.String("run_id", run.ID.String()),
			zap.Error(err))
		i.addReason("no active policy set: " + err.Error())
		return false
	}

	// The set fetched here is pinned for the whole run; a concurrent
	// activation never changes the rules applied to an in-flight run.
	approved := true
	seen := make(map[string]bool)
	decisions := make([]models.Decision, 0, len(run.Plan.Steps))
	for _, step := range run.Plan.Steps {
		decision := i.engine.policies.Evaluate(set, policy.EvaluationInput{
			StepID:    step.ID,
			Operation: run.Request.Operation,
			Params:    run.Request.Parameters,
		})
		decisions = append(decisions, decision)
		if _, err := i.engine.ledger.RecordDecision(ctx, run.ID, decision); err != nil {
			i.engine.logger.Error("failed to record policy decision",
				zap.String("run_id", run.ID.String()),
				zap.String("step_id", step.ID),
				zap.Error(err))
			i.addReason("policy decision for step " + step.ID + " could not be audited")
			return false
		}

		for _, w := range decision.Warnings {
			i.engine.logger.Warn("policy warning",
				zap.String("run_id", run.ID.String()),
				zap.String("step_id", step.ID),
				zap.String("rule_id", w.RuleID),
				zap.String("message", w.Message))
		}
		if !decision.Blocked() {
			continue
		}

		approved = false
		reasons := decision.ViolationReasons()
		for idx, reason := range reasons {
			if seen[reason] {
				continue
			}
			seen[reason] = true
			i.addReason(reason)
			if m := i.engine.metrics; m != nil {
				m.PolicyViolations.WithLabelValues(string(decision.Violations[idx].Severity)).Inc()
			}
		}
	}

	if i.engine.reports != nil {
		report := models.NewComplianceReport(run.ID, run.Request.Operation, set.Version, decisions)
		if err := i.engine.reports.Create(ctx, report); err != nil {
			// The decisions are already in the ledger; a missing report row
			// does not block the run.
			i.engine.logger.Error("failed to persist compliance report",
				zap.String("run_id", run.ID.String()),
				zap.Error(err))
		}
	}

	if !approved {
		i.engine.logger.Warn("run blocked by policy",
			zap.String("run_id", run.ID.String()),
			zap.Int("policy_version", set.Version))
	}
	return approved
}

// executeSteps schedules the plan's DAG: a step starts once every dependency
// succeeded; independent steps fan out across workers. The loop exits when
// nothing is running and nothing more can start; whatever never became
// runnable is then marked skipped.
func (i *Instance) executeSteps(ctx context.Context) {
	completions := make(chan string, len(i.run.Plan.Steps))
	running := 0
	for {
		for _, step := range i.launchable() {
			i.beginStep(step.ID)
			running++
			step := step
			go func() {
				i.runStep(ctx, step)
				completions <- step.ID
			}()
		}
		if running == 0 {
			break
		}
		<-completions
		running--
	}
	i.skipRemaining(ctx)
}

// launchable returns the steps that may start now: still pending with every
// dependency succeeded. Cancellation and audit halts stop further launches.
func (i *Instance) launchable() []models.Step {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.run.Cancelled() || i.halted {
		return nil
	}
	var out []models.Step
	for _, step := range i.run.Plan.Steps {
		st, ok := i.run.StepStatusFor(step.ID)
		if !ok || st.Outcome != models.StepPending {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			depSt, ok := i.run.StepStatusFor(dep)
			if !ok || depSt.Outcome != models.StepSucceeded {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, step)
		}
	}
	return out
}

func (i *Instance) beginStep(stepID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if st, ok := i.run.StepStatusFor(stepID); ok {
		now := time.Now()
		st.Outcome = models.StepRunning
		st.StartedAt = &now
	}
}

func (i *Instance) runStep(ctx context.Context, step models.Step) {
	output, attempts, err := i.invokeWithRetry(ctx, step)
	i.finishStep(ctx, step, output, attempts, err)
}

// invokeWithRetry drives one step's dispatch round trips. Backoff happens
// here, in the run's own goroutine; a worker is occupied only while a call
// is actually in flight.
func (i *Instance) invokeWithRetry(ctx context.Context, step models.Step) (string, int, error) {
	var (
		output   string
		lastErr  error
		attempts int
	)
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(i.engine.cfg.StepAttempts),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return retry.BackOffDelay(n, err, config)
		}),
	)
	_ = r.Do(func() error {
		attempts++
		out, err := i.dispatchOnce(ctx, step, step.Action)
		output, lastErr = out, err
		if err == nil {
			return nil
		}
		if !services.IsRetryableError(err) {
			// Deterministic failure; stop without burning attempts.
			return nil
		}
		i.engine.logger.Warn("step attempt failed",
			zap.String("run_id", i.run.ID.String()),
			zap.String("step_id", step.ID),
			zap.Int("attempt", attempts),
			zap.Error(err))
		return err
	})
	if attempts == 0 {
		lastErr = services.NewDomainError(services.ErrorTypeCancelled,
			"run ended before the step could start", ctx.Err())
	}
	return output, attempts, lastErr
}

// dispatchOnce performs one assign-and-wait round trip for an action of the
// step. The task carries ctx, so a shutdown reaches into the tool call; a
// graceful cancel does not interrupt one.
func (i *Instance) dispatchOnce(ctx context.Context, step models.Step, action string) (string, error) {
	task := dispatch.NewTask(ctx, i.run.ID, step.ID, step.Worker,
		func(taskCtx context.Context) (string, error) {
			res, err := i.engine.invoker.Invoke(taskCtx, step.Tool, action, step.Parameters, step.Timeout)
			if err != nil {
				return "", err
			}
			return res.Output, nil
		})

	if err := i.engine.assigner.Assign(ctx, task); err != nil {
		return "", services.NewDomainError(services.ErrorTypeInternal,
			fmt.Sprintf("failed to assign step %s to %s worker", step.ID, step.Worker), err)
	}
	select {
	case res := <-task.Reply():
		return res.Output, res.Err
	case <-ctx.Done():
		return "", services.NewDomainError(services.ErrorTypeCancelled,
			"run context ended while awaiting step result", ctx.Err())
	}
}

// finishStep records the step's terminal outcome and audits it
func (i *Instance) finishStep(ctx context.Context, step models.Step, output string, attempts int, err error) {
	i.mu.Lock()
	st, ok := i.run.StepStatusFor(step.ID)
	if !ok {
		i.mu.Unlock()
		return
	}
	now := time.Now()
	st.Attempts = attempts
	st.EndedAt = &now
	switch {
	case err == nil:
		st.Outcome = models.StepSucceeded
		st.Output = output
	case services.IsToolTimeoutError(err):
		st.Outcome = models.StepTimedOut
		st.Error = err.Error()
		i.run.AddReason(fmt.Sprintf("step %s timed out after %d attempt(s): %v", step.ID, attempts, err))
	default:
		st.Outcome = models.StepFailed
		st.Error = err.Error()
		i.run.AddReason(fmt.Sprintf("step %s failed after %d attempt(s): %v", step.ID, attempts, err))
	}
	status := *st
	i.mu.Unlock()

	if err == nil {
		i.engine.logger.Info("step succeeded",
			zap.String("run_id", i.run.ID.String()),
			zap.String("step_id", step.ID),
			zap.String("tool", step.Tool),
			zap.Int("attempts", attempts))
	} else {
		i.engine.logger.Warn("step did not succeed",
			zap.String("run_id", i.run.ID.String()),
			zap.String("step_id", step.ID),
			zap.String("tool", step.Tool),
			zap.String("outcome", string(status.Outcome)),
			zap.Int("attempts", attempts),
			zap.Error(err))
	}
	if m := i.engine.metrics; m != nil {
		m.StepsTotal.WithLabelValues(step.Tool, string(status.Outcome)).Inc()
		if attempts > 1 {
			m.StepRetries.Add(float64(attempts - 1))
		}
	}

	if _, lerr := i.engine.ledger.RecordStepOutcome(ctx, i.run.ID, step, status); lerr != nil {
		i.haltAudit(lerr)
	}
}

// skipRemaining marks every step that never became runnable as skipped
func (i *Instance) skipRemaining(ctx context.Context) {
	i.mu.Lock()
	now := time.Now()
	var skipped []models.Step
	for _, step := range i.run.Plan.Steps {
		st, ok := i.run.StepStatusFor(step.ID)
		if ok && st.Outcome == models.StepPending {
			st.Outcome = models.StepSkipped
			st.EndedAt = &now
			skipped = append(skipped, step)
		}
	}
	i.mu.Unlock()

	for _, step := range skipped {
		i.engine.logger.Info("step skipped",
			zap.String("run_id", i.run.ID.String()),
			zap.String("step_id", step.ID))
		if m := i.engine.metrics; m != nil {
			m.StepsTotal.WithLabelValues(step.Tool, string(models.StepSkipped)).Inc()
		}
		status := i.stepStatusCopy(step.ID)
		if _, err := i.engine.ledger.RecordStepOutcome(ctx, i.run.ID, step, status); err != nil {
			i.haltAudit(err)
		}
	}
}

// commit applies the run's terminal effects through the projector. Effects
// of a fully succeeded run must not be lost to a shutdown, so the commit
// runs detached from ctx under its own bound.
func (i *Instance) commit(ctx context.Context) error {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.engine.cfg.CommitTimeout)
	defer cancel()

	effects, err := i.engine.projector.Commit(commitCtx, i.run)
	if err != nil {
		return err
	}
	if _, lerr := i.engine.ledger.RecordCommit(commitCtx, i.run.ID, effects); lerr != nil {
		// The effects are already durable; the run still completes.
		i.engine.logger.Error("failed to record inventory commit",
			zap.String("run_id", i.run.ID.String()),
			zap.Error(lerr))
		i.notify(commitCtx, alerting.KindLedgerIntegrity,
			fmt.Sprintf("run %s: inventory commit could not be recorded: %v", i.run.ID, lerr))
	}
	return nil
}

// compensate invokes the compensating action of every succeeded step in
// reverse execution order, with the step's original arguments. Compensation
// is never retried; a failure is recorded and alerted, and the remaining
// compensations still run.
func (i *Instance) compensate(ctx context.Context) {
	// Cleanup proceeds even when the run context already ended.
	ctx = context.WithoutCancel(ctx)

	succeeded := i.succeededSteps()
	for idx := len(succeeded) - 1; idx >= 0; idx-- {
		step := succeeded[idx]
		if !step.HasCompensation() {
			continue
		}

		compCtx, cancel := context.WithTimeout(ctx, i.engine.cfg.CompensationTimeout)
		output, err := i.dispatchOnce(compCtx, step, step.Compensation)
		cancel()

		failed := err != nil
		errMsg := ""
		if failed {
			errMsg = err.Error()
			i.addReason(fmt.Sprintf("compensation %s for step %s failed: %v", step.Compensation, step.ID, err))
			i.engine.logger.Error("compensating action failed",
				zap.String("run_id", i.run.ID.String()),
				zap.String("step_id", step.ID),
				zap.String("action", step.Compensation),
				zap.Error(err))
			i.notify(ctx, alerting.KindCompensationFailure,
				fmt.Sprintf("run %s step %s: %s failed: %v", i.run.ID, step.ID, step.Compensation, err))
		} else {
			i.markCompensated(step.ID)
			i.engine.logger.Info("step compensated",
				zap.String("run_id", i.run.ID.String()),
				zap.String("step_id", step.ID),
				zap.String("action", step.Compensation),
				zap.String("output", output))
		}
		if m := i.engine.metrics; m != nil {
			result := "ok"
			if failed {
				result = "failed"
			}
			m.CompensationsTotal.WithLabelValues(result).Inc()
		}
		if _, lerr := i.engine.ledger.RecordCompensation(ctx, i.run.ID, step, failed, errMsg); lerr != nil {
			i.engine.logger.Error("failed to record compensation",
				zap.String("run_id", i.run.ID.String()),
				zap.String("step_id", step.ID),
				zap.Error(lerr))
		}
	}
}

// finishFailed drives the failure path: compensation of whatever already
// succeeded, then the terminal FAILED state. Audit failures on this path are
// logged but never block reaching the terminal state.
func (i *Instance) finishFailed(ctx context.Context) {
	i.transition(ctx, models.RunStateCompensating, i.reasonsCopy())
	i.compensate(ctx)
	i.transition(ctx, models.RunStateFailed, i.reasonsCopy())
	i.finish(ctx)
}

// finish stamps the end time, persists the terminal snapshot, and emits the
// terminal log line and metrics
func (i *Instance) finish(ctx context.Context) {
	i.mu.Lock()
	i.run.MarkEnded()
	snap := i.run.Snapshot()
	i.mu.Unlock()

	duration := snap.EndedAt.Sub(snap.StartedAt)
	if m := i.engine.metrics; m != nil {
		m.RunsTotal.WithLabelValues(string(snap.Operation), string(snap.State)).Inc()
		m.RunDuration.WithLabelValues(string(snap.Operation), string(snap.State)).Observe(duration.Seconds())
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalPersistTimeout)
	defer cancel()
	if err := i.engine.runs.Update(persistCtx, &snap); err != nil {
		i.engine.logger.Error("failed to persist terminal run snapshot",
			zap.String("run_id", snap.RunID.String()),
			zap.Error(err))
	}

	if snap.State == models.RunStateCompleted {
		i.engine.logger.Info("run completed",
			zap.String("run_id", snap.RunID.String()),
			zap.String("operation", string(snap.Operation)),
			zap.Duration("duration", duration))
	} else {
		i.engine.logger.Warn("run failed",
			zap.String("run_id", snap.RunID.String()),
			zap.String("operation", string(snap.Operation)),
			zap.Strings("reasons", snap.Reasons),
			zap.Duration("duration", duration))
	}
}

// transition moves the run to the next state and records the change. A
// false return means the change could not be audited; forward-path callers
// must route the run to the failure path.
func (i *Instance) transition(ctx context.Context, to models.RunState, reasons []string) bool {
	i.mu.Lock()
	from := i.run.State
	i.run.State = to
	i.mu.Unlock()

	i.engine.logger.Info("run state changed",
		zap.String("run_id", i.run.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	if _, err := i.engine.ledger.RecordStateChange(ctx, i.run.ID, from, to, reasons); err != nil {
		i.engine.logger.Error("failed to record state change",
			zap.String("run_id", i.run.ID.String()),
			zap.String("to", string(to)),
			zap.Error(err))
		i.addReason("state change to " + string(to) + " could not be audited")
		return false
	}
	return true
}

// haltAudit stops further step launches after a failed audit append
func (i *Instance) haltAudit(err error) {
	i.mu.Lock()
	already := i.halted
	i.halted = true
	if !already {
		i.run.AddReason("audit ledger unavailable: " + err.Error())
	}
	i.mu.Unlock()

	if !already {
		i.engine.logger.Error("audit append failed, halting run",
			zap.String("run_id", i.run.ID.String()),
			zap.Error(err))
	}
}

func (i *Instance) notify(ctx context.Context, kind, message string) {
	alert := alerting.Alert{RunID: i.run.ID, Kind: kind, Message: message}
	if err := i.engine.notifier.Notify(ctx, alert); err != nil {
		i.engine.logger.Error("failed to deliver alert",
			zap.String("kind", kind),
			zap.Error(err))
	}
}

func (i *Instance) readyToCommit() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.run.AllStepsSucceeded() && !i.run.Cancelled() && !i.halted
}

func (i *Instance) cancelRequested() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.run.Cancelled()
}

func (i *Instance) addReason(reason string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.run.AddReason(reason)
}

func (i *Instance) reasonsCopy() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.run.Reasons))
	copy(out, i.run.Reasons)
	return out
}

func (i *Instance) stepStatusCopy(stepID string) models.StepStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	if st, ok := i.run.StepStatusFor(stepID); ok {
		return *st
	}
	return models.StepStatus{StepID: stepID}
}

func (i *Instance) succeededSteps() []models.Step {
	i.mu.Lock()
	ids := i.run.SucceededSteps()
	i.mu.Unlock()

	out := make([]models.Step, 0, len(ids))
	for _, id := range ids {
		if step, ok := i.run.Plan.Step(id); ok {
			out = append(out, step)
		}
	}
	return out
}

func (i *Instance) markCompensated(stepID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if st, ok := i.run.StepStatusFor(stepID); ok {
		st.Compensated = true
	}
}
