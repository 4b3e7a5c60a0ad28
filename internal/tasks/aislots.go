package tasks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"marketatlas/internal/ai"
	"marketatlas/internal/logging"
)

// AISlots limits concurrent model API calls independently of worker count.
// Many tasks can execute at once, but only MaxConcurrent of them may hold a
// model call in flight; executors acquire a slot per call and release it
// before doing local work, so long tasks don't starve short ones.

// SlotPhase is where a task stands relative to the slot pool.
type SlotPhase int

const (
	PhaseIdle SlotPhase = iota
	PhaseWaitingForSlot
	PhaseCallingModel
	PhaseProcessing
)

func (p SlotPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWaitingForSlot:
		return "waiting_for_slot"
	case PhaseCallingModel:
		return "calling_model"
	case PhaseProcessing:
		return "processing"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

type slotState struct {
	taskID    string
	phase     SlotPhase
	calls     int
	totalWait time.Duration
}

// AISlots is the model-call semaphore with per-task state tracking.
type AISlots struct {
	max   int
	slots chan struct{}

	mu     sync.Mutex
	states map[string]*slotState

	totalCalls int64
	executing  int32
	waiting    int32

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAISlots creates a pool of max concurrent model-call slots.
func NewAISlots(max int) *AISlots {
	if max <= 0 {
		max = 1
	}
	return &AISlots{
		max:    max,
		slots:  make(chan struct{}, max),
		states: make(map[string]*slotState),
		stopCh: make(chan struct{}),
	}
}

// Register starts tracking a task. Call Unregister when the task finishes.
func (s *AISlots) Register(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[taskID] = &slotState{taskID: taskID, phase: PhaseIdle}
}

// Unregister drops tracking for a finished task.
func (s *AISlots) Unregister(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[taskID]; ok {
		delete(s.states, taskID)
		logging.TasksDebug("AISlots: task %s done (model_calls=%d, total_wait=%v)",
			taskID, st.calls, st.totalWait)
	}
}

// Acquire blocks until a model-call slot is free, the context is cancelled,
// or the pool is stopped.
func (s *AISlots) Acquire(ctx context.Context, taskID string) error {
	s.mu.Lock()
	st, ok := s.states[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s not registered with slot pool", taskID)
	}
	st.phase = PhaseWaitingForSlot
	s.mu.Unlock()

	waitStart := time.Now()
	atomic.AddInt32(&s.waiting, 1)
	defer atomic.AddInt32(&s.waiting, -1)

	if len(s.slots) >= s.max {
		logging.TasksDebug("AISlots: task %s waiting for slot (active=%d/%d)",
			taskID, len(s.slots), s.max)
	}

	select {
	case s.slots <- struct{}{}:
		waited := time.Since(waitStart)
		s.mu.Lock()
		st.phase = PhaseCallingModel
		st.totalWait += waited
		s.mu.Unlock()
		atomic.AddInt32(&s.executing, 1)
		if waited > 100*time.Millisecond {
			logging.TasksDebug("AISlots: task %s acquired slot after %v", taskID, waited)
		}
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		st.phase = PhaseIdle
		s.mu.Unlock()
		return ctx.Err()
	case <-s.stopCh:
		return fmt.Errorf("slot pool stopped")
	}
}

// Release frees the slot after the model call returns.
func (s *AISlots) Release(taskID string) {
	select {
	case <-s.slots:
	default:
		logging.TasksError("AISlots: task %s released a slot it didn't hold", taskID)
		return
	}
	atomic.AddInt32(&s.executing, -1)
	atomic.AddInt64(&s.totalCalls, 1)

	s.mu.Lock()
	if st, ok := s.states[taskID]; ok {
		st.phase = PhaseProcessing
		st.calls++
	}
	s.mu.Unlock()
}

// Stop wakes every waiter with an error. Safe to call more than once.
func (s *AISlots) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// SlotMetrics is a snapshot of pool activity.
type SlotMetrics struct {
	MaxConcurrent int
	Executing     int
	Waiting       int
	TotalCalls    int64
}

// Metrics returns a snapshot of pool activity.
func (s *AISlots) Metrics() SlotMetrics {
	return SlotMetrics{
		MaxConcurrent: s.max,
		Executing:     int(atomic.LoadInt32(&s.executing)),
		Waiting:       int(atomic.LoadInt32(&s.waiting)),
		TotalCalls:    atomic.LoadInt64(&s.totalCalls),
	}
}

// GatedClient wraps an ai.Client so every completion first acquires a slot
// for its task and releases it when the call returns.
type GatedClient struct {
	taskID string
	slots  *AISlots
	client ai.Client
}

// NewGatedClient binds a task to the slot pool.
func NewGatedClient(taskID string, slots *AISlots, client ai.Client) *GatedClient {
	return &GatedClient{taskID: taskID, slots: slots, client: client}
}

// Complete acquires a slot, runs the model call, and releases the slot.
func (g *GatedClient) Complete(ctx context.Context, req ai.Request) (string, error) {
	if err := g.slots.Acquire(ctx, g.taskID); err != nil {
		return "", err
	}
	defer g.slots.Release(g.taskID)
	return g.client.Complete(ctx, req)
}
