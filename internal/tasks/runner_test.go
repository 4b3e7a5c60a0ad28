package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"marketatlas/internal/bus"
	"marketatlas/internal/metrics"
	"marketatlas/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeExecutor runs a scripted function.
type fakeExecutor struct {
	taskType string
	run      func(ctx context.Context, task *store.ResearchTask, report ProgressFunc) (json.RawMessage, error)
}

func (f *fakeExecutor) Type() string { return f.taskType }
func (f *fakeExecutor) Execute(ctx context.Context, task *store.ResearchTask, report ProgressFunc) (json.RawMessage, error) {
	return f.run(ctx, task, report)
}

type runnerEnv struct {
	store  *store.Store
	bus    *bus.Bus
	runner *Runner
	userID string
}

func newRunnerEnv(t *testing.T, workers int, timeout time.Duration) *runnerEnv {
	t.Helper()
	st, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	b := bus.New()
	u, err := st.CreateUser("runner@example.com", "hash", "Runner")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	slots := NewAISlots(2)
	r := NewRunner(st, b, metrics.New(), slots, Options{Workers: workers, TaskTimeout: timeout})

	t.Cleanup(func() {
		r.Stop()
		b.Close()
		st.Close()
	})
	return &runnerEnv{store: st, bus: b, runner: r, userID: u.ID}
}

func waitForStatus(t *testing.T, st *store.Store, taskID, want string) *store.ResearchTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(taskID)
		if err != nil {
			t.Fatalf("GetTask failed: %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := st.GetTask(taskID)
	t.Fatalf("Task %s never reached %s (stuck at %s)", taskID, want, task.Status)
	return nil
}

func TestRunnerExecutesTask(t *testing.T) {
	env := newRunnerEnv(t, 2, time.Minute)
	env.runner.RegisterExecutor(&fakeExecutor{
		taskType: store.TaskDiscovery,
		run: func(ctx context.Context, task *store.ResearchTask, report ProgressFunc) (json.RawMessage, error) {
			report(40)
			report(80)
			return json.RawMessage(`{"candidates":[]}`), nil
		},
	})
	if err := env.runner.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	task, err := env.runner.Enqueue(env.userID, store.TaskDiscovery, `{"theme":"AI"}`)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	done := waitForStatus(t, env.store, task.ID, store.StatusCompleted)
	if done.Progress != 100 {
		t.Errorf("Completed task should be at 100, got %d", done.Progress)
	}
	if done.ResultJSON == "" {
		t.Error("Completed task should carry a result")
	}
}

func TestRunnerPublishesProgress(t *testing.T) {
	env := newRunnerEnv(t, 1, time.Minute)
	updates, cancel := env.bus.Subscribe(bus.TopicTaskUpdates)
	defer cancel()

	release := make(chan struct{})
	env.runner.RegisterExecutor(&fakeExecutor{
		taskType: store.TaskDeepDive,
		run: func(ctx context.Context, task *store.ResearchTask, report ProgressFunc) (json.RawMessage, error) {
			report(20)
			<-release
			return json.RawMessage(`{}`), nil
		},
	})
	if err := env.runner.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	task, _ := env.runner.Enqueue(env.userID, store.TaskDeepDive, "{}")

	sawProgress := false
	timeout := time.After(5 * time.Second)
	for !sawProgress {
		select {
		case msg := <-updates:
			u := msg.Payload.(TaskUpdate)
			if u.TaskID == task.ID && u.Status == store.StatusRunning && u.Progress == 20 {
				sawProgress = true
			}
		case <-timeout:
			t.Fatal("Never saw the 20% progress update on the bus")
		}
	}
	close(release)
	waitForStatus(t, env.store, task.ID, store.StatusCompleted)
}

func TestRunnerCancelPropagation(t *testing.T) {
	env := newRunnerEnv(t, 1, time.Minute)

	started := make(chan struct{})
	sawCancel := make(chan struct{})
	env.runner.RegisterExecutor(&fakeExecutor{
		taskType: store.TaskDeepDive,
		run: func(ctx context.Context, task *store.ResearchTask, report ProgressFunc) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			close(sawCancel)
			return nil, ctx.Err()
		},
	})
	if err := env.runner.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	task, _ := env.runner.Enqueue(env.userID, store.TaskDeepDive, "{}")
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Executor never started")
	}

	if err := env.runner.Cancel(task.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	select {
	case <-sawCancel:
	case <-time.After(5 * time.Second):
		t.Fatal("Executor context was never cancelled")
	}

	got := waitForStatus(t, env.store, task.ID, store.StatusCancelled)
	if got.ResultJSON != "" {
		t.Error("Cancelled task should have no result")
	}
}

func TestRunnerCancelFinishedTaskRejected(t *testing.T) {
	env := newRunnerEnv(t, 1, time.Minute)
	env.runner.RegisterExecutor(&fakeExecutor{
		taskType: store.TaskDiscovery,
		run: func(ctx context.Context, task *store.ResearchTask, report ProgressFunc) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	})
	if err := env.runner.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	task, _ := env.runner.Enqueue(env.userID, store.TaskDiscovery, "{}")
	waitForStatus(t, env.store, task.ID, store.StatusCompleted)

	if err := env.runner.Cancel(task.ID); !errors.Is(err, store.ErrTaskFinished) {
		t.Errorf("Cancel on finished task should return ErrTaskFinished, got %v", err)
	}
}

func TestRunnerFailureRecordsError(t *testing.T) {
	env := newRunnerEnv(t, 1, time.Minute)
	env.runner.RegisterExecutor(&fakeExecutor{
		taskType: store.TaskFilingAnalysis,
		run: func(ctx context.Context, task *store.ResearchTask, report ProgressFunc) (json.RawMessage, error) {
			return nil, errors.New("provider exploded")
		},
	})
	if err := env.runner.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	task, _ := env.runner.Enqueue(env.userID, store.TaskFilingAnalysis, "{}")
	got := waitForStatus(t, env.store, task.ID, store.StatusFailed)
	if got.ErrorMessage != "provider exploded" {
		t.Errorf("Unexpected error message: %q", got.ErrorMessage)
	}
}

func TestRunnerTaskTimeout(t *testing.T) {
	env := newRunnerEnv(t, 1, 50*time.Millisecond)
	env.runner.RegisterExecutor(&fakeExecutor{
		taskType: store.TaskDeepDive,
		run: func(ctx context.Context, task *store.ResearchTask, report ProgressFunc) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	if err := env.runner.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	task, _ := env.runner.Enqueue(env.userID, store.TaskDeepDive, "{}")
	got := waitForStatus(t, env.store, task.ID, store.StatusFailed)
	if got.ErrorMessage == "" {
		t.Error("Timed-out task should carry an error message")
	}
}

func TestRunnerNotifiesExactlyOnce(t *testing.T) {
	env := newRunnerEnv(t, 2, time.Minute)
	var notified atomic.Int32
	env.runner.SetOnComplete(func(task *store.ResearchTask) {
		notified.Add(1)
	})
	env.runner.RegisterExecutor(&fakeExecutor{
		taskType: store.TaskDiscovery,
		run: func(ctx context.Context, task *store.ResearchTask, report ProgressFunc) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	})
	if err := env.runner.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	task, _ := env.runner.Enqueue(env.userID, store.TaskDiscovery, "{}")
	waitForStatus(t, env.store, task.ID, store.StatusCompleted)

	// The flag is already set; a second manual attempt must not re-notify.
	won, err := env.store.MarkNotificationSent(task.ID)
	if err != nil {
		t.Fatalf("MarkNotificationSent failed: %v", err)
	}
	if won {
		t.Error("Notification flag should already be taken")
	}
	if n := notified.Load(); n != 1 {
		t.Errorf("Expected exactly 1 notification, got %d", n)
	}
}

func TestRunnerRejectsUnknownType(t *testing.T) {
	env := newRunnerEnv(t, 1, time.Minute)
	if _, err := env.runner.Enqueue(env.userID, store.TaskComparative, "{}"); err == nil {
		t.Fatal("Enqueue without a registered executor should fail")
	}
}

func TestRunnerRecoversInterruptedTasks(t *testing.T) {
	env := newRunnerEnv(t, 1, time.Minute)

	// Simulate a task left running by a crashed process.
	orphan, _ := env.store.CreateTask(env.userID, store.TaskDiscovery, "{}")
	if _, err := env.store.ClaimNextQueued(); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	env.runner.RegisterExecutor(&fakeExecutor{
		taskType: store.TaskDiscovery,
		run: func(ctx context.Context, task *store.ResearchTask, report ProgressFunc) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	})
	if err := env.runner.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got := waitForStatus(t, env.store, orphan.ID, store.StatusFailed)
	if got.ErrorMessage == "" {
		t.Error("Recovered task should explain the interruption")
	}
}
