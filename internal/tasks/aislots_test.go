package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketatlas/internal/ai"
)

func TestAISlotsLimitConcurrency(t *testing.T) {
	slots := NewAISlots(2)
	defer slots.Stop()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		id := string(rune('a' + i))
		slots.Register(id)
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			defer slots.Unregister(taskID)
			if err := slots.Acquire(context.Background(), taskID); err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			slots.Release(taskID)
		}(id)
	}
	wg.Wait()

	if p := peak.Load(); p > 2 {
		t.Errorf("Concurrency exceeded slot limit: peak %d", p)
	}
	if m := slots.Metrics(); m.TotalCalls != 8 {
		t.Errorf("Expected 8 total calls, got %d", m.TotalCalls)
	}
}

func TestAISlotsAcquireHonorsContext(t *testing.T) {
	slots := NewAISlots(1)
	defer slots.Stop()

	slots.Register("holder")
	if err := slots.Acquire(context.Background(), "holder"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	slots.Register("waiter")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := slots.Acquire(ctx, "waiter"); err == nil {
		t.Fatal("Acquire should fail when context expires while waiting")
	}

	slots.Release("holder")
}

func TestAISlotsRequireRegistration(t *testing.T) {
	slots := NewAISlots(1)
	defer slots.Stop()

	if err := slots.Acquire(context.Background(), "ghost"); err == nil {
		t.Fatal("Acquire for unregistered task should fail")
	}
}

func TestGatedClientWrapsCompletion(t *testing.T) {
	slots := NewAISlots(1)
	defer slots.Stop()
	slots.Register("t1")
	defer slots.Unregister("t1")

	inner := &scriptedClient{response: "ok"}
	gated := NewGatedClient("t1", slots, inner)

	out, err := gated.Complete(context.Background(), ai.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if out != "ok" {
		t.Errorf("Got %q", out)
	}
	if m := slots.Metrics(); m.TotalCalls != 1 || m.Executing != 0 {
		t.Errorf("Slot should be released after the call: %+v", m)
	}
}

type scriptedClient struct {
	response string
	err      error
}

func (s *scriptedClient) Complete(context.Context, ai.Request) (string, error) {
	return s.response, s.err
}
