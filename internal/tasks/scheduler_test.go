package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	s := NewScheduler()

	var active, overlapped atomic.Int32
	block := make(chan struct{})
	s.Add("slow-job", 10*time.Millisecond, func(ctx context.Context) error {
		if active.Add(1) > 1 {
			overlapped.Add(1)
		}
		defer active.Add(-1)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})

	j := s.jobs[0]
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Drive ticks directly instead of waiting on real tickers.
	go s.tick(ctx, j)
	time.Sleep(20 * time.Millisecond)
	s.tick(ctx, j) // overlaps; must be skipped
	close(block)
	time.Sleep(20 * time.Millisecond)

	if overlapped.Load() != 0 {
		t.Errorf("Job ran concurrently with itself %d times", overlapped.Load())
	}
	if j.skips.Load() != 1 {
		t.Errorf("Expected 1 skipped tick, got %d", j.skips.Load())
	}
}

func TestSchedulerRunsAndStops(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	s.Add("fast-job", 5*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j := s.jobs[0]

	for i := 0; i < 3; i++ {
		s.tick(ctx, j)
	}
	if runs.Load() != 3 {
		t.Errorf("Expected 3 runs, got %d", runs.Load())
	}

	stats := s.Stats()
	if len(stats) != 1 || stats[0].Runs != 3 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	// Full lifecycle: start and stop cleanly.
	s.Start(ctx)
	s.Stop()
}

func TestSchedulerErrorDoesNotCountAsRun(t *testing.T) {
	s := NewScheduler()
	s.Add("failing-job", time.Minute, func(ctx context.Context) error {
		return context.DeadlineExceeded
	})
	s.tick(context.Background(), s.jobs[0])
	if s.jobs[0].runs.Load() != 0 {
		t.Error("Failed run should not count as a successful run")
	}
}
