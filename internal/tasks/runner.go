// Package tasks runs the research task pipeline: a store-backed FIFO queue,
// a worker pool that claims and executes tasks, a model-call slot pool, and
// the periodic background jobs. Task state lives entirely in the store;
// the runner only ever moves tasks forward (queued to running to a terminal
// status) and cancellation is delivered through per-task contexts.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"marketatlas/internal/bus"
	"marketatlas/internal/logging"
	"marketatlas/internal/metrics"
	"marketatlas/internal/store"
)

// ProgressFunc reports a checkpoint percentage for the running task.
type ProgressFunc func(progress int)

// Executor runs one task type. Execute returns the result payload on
// success; a ctx error means the task was cancelled or timed out.
type Executor interface {
	Type() string
	Execute(ctx context.Context, task *store.ResearchTask, report ProgressFunc) (json.RawMessage, error)
}

// TaskUpdate is published on the bus whenever a task changes status or
// progress.
type TaskUpdate struct {
	TaskID   string `json:"task_id"`
	UserID   string `json:"user_id"`
	TaskType string `json:"task_type"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// Options tunes the runner.
type Options struct {
	Workers     int
	TaskTimeout time.Duration
}

// Runner owns the worker pool and cancellation registry.
type Runner struct {
	store   *store.Store
	bus     *bus.Bus
	metrics *metrics.Metrics
	slots   *AISlots
	opts    Options

	executors map[string]Executor

	// onComplete fires after a task completes and this process wins the
	// notification flag. Optional.
	onComplete func(task *store.ResearchTask)

	mu      sync.Mutex
	running map[string]context.CancelFunc

	wake chan struct{}
	stop context.CancelFunc
	wg   *errgroup.Group
}

// NewRunner wires a runner over the store and bus.
func NewRunner(st *store.Store, b *bus.Bus, m *metrics.Metrics, slots *AISlots, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = time.Hour
	}
	return &Runner{
		store:     st,
		bus:       b,
		metrics:   m,
		slots:     slots,
		opts:      opts,
		executors: make(map[string]Executor),
		running:   make(map[string]context.CancelFunc),
		wake:      make(chan struct{}, 1),
	}
}

// RegisterExecutor installs the executor for its task type.
func (r *Runner) RegisterExecutor(e Executor) {
	r.executors[e.Type()] = e
}

// SetOnComplete installs the completion notification hook.
func (r *Runner) SetOnComplete(fn func(task *store.ResearchTask)) {
	r.onComplete = fn
}

// Start fails tasks orphaned by a previous process, then launches the
// worker pool. Workers run until ctx is cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	if _, err := r.store.FailInterruptedTasks(); err != nil {
		return fmt.Errorf("failed to recover interrupted tasks: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.stop = cancel
	g, ctx := errgroup.WithContext(ctx)
	r.wg = g

	for i := 0; i < r.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			r.workerLoop(ctx, worker)
			return nil
		})
	}
	logging.Tasks("Runner started with %d workers (task timeout %v)", r.opts.Workers, r.opts.TaskTimeout)
	return nil
}

// Stop cancels all workers and in-flight tasks and waits for them to exit.
func (r *Runner) Stop() {
	if r.stop != nil {
		r.stop()
	}
	r.slots.Stop()
	if r.wg != nil {
		_ = r.wg.Wait()
	}
	logging.Tasks("Runner stopped")
}

// Enqueue creates a task and wakes a worker.
func (r *Runner) Enqueue(userID, taskType, parametersJSON string) (*store.ResearchTask, error) {
	if _, ok := r.executors[taskType]; !ok {
		return nil, fmt.Errorf("no executor for task type %q", taskType)
	}
	t, err := r.store.CreateTask(userID, taskType, parametersJSON)
	if err != nil {
		return nil, err
	}
	r.publish(t.ID, t.UserID, t.TaskType, store.StatusQueued, 0, "")
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return t, nil
}

// Cancel cancels a queued or running task. For running tasks the executor's
// context is cancelled, which unwinds it between stages. Terminal tasks
// return store.ErrTaskFinished.
func (r *Runner) Cancel(taskID string) error {
	if err := r.store.CancelTask(taskID); err != nil {
		return err
	}

	r.mu.Lock()
	cancel, ok := r.running[taskID]
	r.mu.Unlock()
	if ok {
		cancel()
	}

	if t, err := r.store.GetTask(taskID); err == nil {
		r.publish(t.ID, t.UserID, t.TaskType, store.StatusCancelled, t.Progress, "")
	}
	return nil
}

func (r *Runner) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		task, err := r.store.ClaimNextQueued()
		if err == nil {
			r.execute(ctx, task)
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			logging.TasksError("Worker %d claim failed: %v", worker, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

func (r *Runner) execute(parent context.Context, task *store.ResearchTask) {
	exec, ok := r.executors[task.TaskType]
	if !ok {
		// Type was valid at enqueue time; treat as permanent failure.
		_ = r.store.FailTask(task.ID, fmt.Sprintf("no executor for task type %q", task.TaskType))
		return
	}

	ctx, cancel := context.WithTimeout(parent, r.opts.TaskTimeout)
	r.mu.Lock()
	r.running[task.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, task.ID)
		r.mu.Unlock()
		cancel()
	}()

	r.slots.Register(task.ID)
	defer r.slots.Unregister(task.ID)

	start := time.Now()
	r.metrics.TasksStarted.WithLabelValues(task.TaskType).Inc()
	r.metrics.TasksInFlight.Inc()
	defer r.metrics.TasksInFlight.Dec()

	r.publish(task.ID, task.UserID, task.TaskType, store.StatusRunning, 0, "")
	logging.Tasks("Executing %s task %s", task.TaskType, task.ID)

	report := func(progress int) {
		if err := r.store.SetTaskProgress(task.ID, progress); err != nil {
			logging.TasksWarn("Progress update for %s failed: %v", task.ID, err)
			return
		}
		r.publish(task.ID, task.UserID, task.TaskType, store.StatusRunning, progress, "")
	}

	result, err := exec.Execute(ctx, task, report)
	elapsed := time.Since(start)
	r.metrics.TaskDuration.WithLabelValues(task.TaskType).Observe(elapsed.Seconds())

	switch {
	case err == nil:
		if ferr := r.store.CompleteTask(task.ID, string(result)); ferr != nil {
			// Cancel landed while the executor was finishing; the terminal
			// status stands and the result is dropped.
			logging.TasksWarn("Task %s finished after terminal state: %v", task.ID, ferr)
			r.metrics.TasksFinished.WithLabelValues(task.TaskType, store.StatusCancelled).Inc()
			return
		}
		r.metrics.TasksFinished.WithLabelValues(task.TaskType, store.StatusCompleted).Inc()
		r.publish(task.ID, task.UserID, task.TaskType, store.StatusCompleted, 100, "")
		r.notifyComplete(task.ID)

	case errors.Is(err, context.Canceled):
		// Cancel already moved the row to cancelled; nothing to write.
		logging.Tasks("Task %s cancelled after %v", task.ID, elapsed)
		r.metrics.TasksFinished.WithLabelValues(task.TaskType, store.StatusCancelled).Inc()

	case errors.Is(err, context.DeadlineExceeded):
		msg := fmt.Sprintf("task timed out after %v", r.opts.TaskTimeout)
		_ = r.store.FailTask(task.ID, msg)
		r.metrics.TasksFinished.WithLabelValues(task.TaskType, store.StatusFailed).Inc()
		r.publish(task.ID, task.UserID, task.TaskType, store.StatusFailed, 0, msg)
		logging.TasksError("Task %s timed out", task.ID)

	default:
		_ = r.store.FailTask(task.ID, err.Error())
		r.metrics.TasksFinished.WithLabelValues(task.TaskType, store.StatusFailed).Inc()
		r.publish(task.ID, task.UserID, task.TaskType, store.StatusFailed, 0, err.Error())
		logging.TasksError("Task %s failed: %v", task.ID, err)
	}
}

func (r *Runner) notifyComplete(taskID string) {
	if r.onComplete == nil {
		return
	}
	won, err := r.store.MarkNotificationSent(taskID)
	if err != nil {
		logging.TasksWarn("Notification flag for %s failed: %v", taskID, err)
		return
	}
	if !won {
		return
	}
	task, err := r.store.GetTask(taskID)
	if err != nil {
		return
	}
	r.onComplete(task)
}

func (r *Runner) publish(taskID, userID, taskType, status string, progress int, errMsg string) {
	r.bus.Publish(bus.TopicTaskUpdates, TaskUpdate{
		TaskID:   taskID,
		UserID:   userID,
		TaskType: taskType,
		Status:   status,
		Progress: progress,
		Error:    errMsg,
	})
}
