package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/crypto-control-plane/models"
)

// DefaultQueueSize bounds each worker's task queue
const DefaultQueueSize = 16

var (
	// ErrNotStarted is returned when tasks are assigned before Start
	ErrNotStarted = errors.New("dispatcher not started")

	// ErrStopped is returned when tasks are assigned after Stop
	ErrStopped = errors.New("dispatcher stopped")
)

// DoFunc is the unit of work a worker executes for one step. The context is
// the task's own; dispatcher shutdown never cancels work in flight.
type DoFunc func(ctx context.Context) (string, error)

// Result is delivered on the task's reply channel when the worker finishes
type Result struct {
	StepID string
	Output string
	Err    error
}

// Task routes one step's work to a specialized worker. The reply channel is
// buffered so a worker can never block on an abandoned task.
type Task struct {
	RunID  uuid.UUID
	StepID string
	Kind   models.WorkerKind
	Do     DoFunc

	ctx   context.Context
	reply chan Result
}

// NewTask creates a task bound to the given context. The context governs the
// work itself; Assign takes its own context for queue admission.
func NewTask(ctx context.Context, runID uuid.UUID, stepID string, kind models.WorkerKind, do DoFunc) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Task{
		RunID:  runID,
		StepID: stepID,
		Kind:   kind,
		Do:     do,
		ctx:    ctx,
		reply:  make(chan Result, 1),
	}
}

// Reply returns the channel the worker delivers the task's result on
func (t *Task) Reply() <-chan Result {
	return t.reply
}

// Dispatcher owns one addressable worker per worker kind. Each worker
// processes one task at a time in arrival order; workers run concurrently
// with each other, so independent runs and independent plan branches
// proceed in parallel. Queues are bounded; a full queue blocks Assign, not
// the worker.
type Dispatcher struct {
	queues    map[models.WorkerKind]chan *Task
	queueSize int
	logger    *zap.Logger

	wg      sync.WaitGroup
	stopCh  chan struct{}
	mu      sync.Mutex
	started bool
	stopped bool
}

// NewDispatcher creates a dispatcher with one queue per worker kind. A
// non-positive queueSize falls back to DefaultQueueSize.
func NewDispatcher(queueSize int, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	queues := make(map[models.WorkerKind]chan *Task, len(models.WorkerKinds()))
	for _, kind := range models.WorkerKinds() {
		queues[kind] = make(chan *Task, queueSize)
	}
	return &Dispatcher{
		queues:    queues,
		queueSize: queueSize,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the workers
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errors.New("dispatcher already started")
	}
	d.started = true

	for kind, queue := range d.queues {
		d.wg.Add(1)
		go d.worker(kind, queue)
	}

	d.logger.Info("dispatcher started",
		zap.Int("workers", len(d.queues)),
		zap.Int("queue_size", d.queueSize))
	return nil
}

// Stop rejects new assignments, lets each worker drain its queue, and waits
// up to timeout for the workers to exit. Work in flight is not cancelled.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return ErrNotStarted
	}
	if d.stopped {
		d.mu.Unlock()
		return errors.New("dispatcher already stopped")
	}
	d.stopped = true
	close(d.stopCh)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("dispatcher stop timed out after %v", timeout)
	}
}

// Assign hands a task to its worker's queue. When the queue is full, Assign
// blocks until space frees up or ctx is done; back-pressure lands on the
// producing run, never on a worker. The dispatcher imposes no ordering
// across runs and never retries on a worker's behalf.
func (d *Dispatcher) Assign(ctx context.Context, task *Task) error {
	if task == nil || task.Do == nil {
		return errors.New("task has no work")
	}
	queue, ok := d.queues[task.Kind]
	if !ok {
		return fmt.Errorf("unknown worker kind %q", task.Kind)
	}

	d.mu.Lock()
	started, stopped := d.started, d.stopped
	d.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if stopped {
		return ErrStopped
	}

	select {
	case queue <- task:
		return nil
	case <-d.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(kind models.WorkerKind, queue chan *Task) {
	defer d.wg.Done()

	logger := d.logger.With(zap.String("worker", string(kind)))
	logger.Debug("worker started")

	for {
		select {
		case task := <-queue:
			d.process(logger, task)
		case <-d.stopCh:
			// Drain tasks admitted before the stop, then exit
			for {
				select {
				case task := <-queue:
					d.process(logger, task)
				default:
					logger.Debug("worker stopped")
					return
				}
			}
		}
	}
}

func (d *Dispatcher) process(logger *zap.Logger, task *Task) {
	start := time.Now()
	output, err := task.Do(task.ctx)

	if err != nil {
		logger.Debug("task failed",
			zap.String("run_id", task.RunID.String()),
			zap.String("step_id", task.StepID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	} else {
		logger.Debug("task completed",
			zap.String("run_id", task.RunID.String()),
			zap.String("step_id", task.StepID),
			zap.Duration("duration", time.Since(start)))
	}

	task.reply <- Result{StepID: task.StepID, Output: output, Err: err}
}

// DispatcherStats reports queue occupancy per worker kind
type DispatcherStats struct {
	Workers   int            `json:"workers"`
	QueueSize int            `json:"queue_size"`
	Pending   map[string]int `json:"pending"`
	Started   bool           `json:"started"`
}

// GetStats returns a point-in-time view of the dispatcher's queues
func (d *Dispatcher) GetStats() DispatcherStats {
	d.mu.Lock()
	started := d.started && !d.stopped
	d.mu.Unlock()

	pending := make(map[string]int, len(d.queues))
	for kind, queue := range d.queues {
		pending[string(kind)] = len(queue)
	}
	return DispatcherStats{
		Workers:   len(d.queues),
		QueueSize: d.queueSize,
		Pending:   pending,
		Started:   started,
	}
}
