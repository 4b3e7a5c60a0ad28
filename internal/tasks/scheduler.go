package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"marketatlas/internal/logging"
)

// Job is one periodic background job.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	running atomic.Bool
	runs    atomic.Int64
	skips   atomic.Int64
}

// Scheduler runs jobs on independent tickers. A tick that arrives while the
// previous run is still going is skipped rather than stacked, so a slow
// provider can't pile up overlapping runs.
type Scheduler struct {
	jobs []*Job
	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(name string, interval time.Duration, run func(ctx context.Context) error) {
	s.jobs = append(s.jobs, &Job{Name: name, Interval: interval, Run: run})
}

// Start launches one goroutine per job. Each job also runs once shortly
// after startup so a fresh deployment doesn't wait a full interval.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel

	for _, job := range s.jobs {
		j := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runJob(ctx, j)
		}()
	}
	logging.Tasks("Scheduler started with %d jobs", len(s.jobs))
}

// Stop cancels all jobs and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
	logging.Tasks("Scheduler stopped")
}

// JobStats reports one job's run counters.
type JobStats struct {
	Name    string
	Runs    int64
	Skips   int64
	Running bool
}

// Stats returns counters for every job.
func (s *Scheduler) Stats() []JobStats {
	out := make([]JobStats, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStats{
			Name:    j.Name,
			Runs:    j.runs.Load(),
			Skips:   j.skips.Load(),
			Running: j.running.Load(),
		})
	}
	return out
}

func (s *Scheduler) runJob(ctx context.Context, j *Job) {
	// Initial run after a short settle delay.
	select {
	case <-ctx.Done():
		return
	case <-time.After(5 * time.Second):
		s.tick(ctx, j)
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, j)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, j *Job) {
	if !j.running.CompareAndSwap(false, true) {
		j.skips.Add(1)
		logging.TasksWarn("Job %s still running, skipping tick", j.Name)
		return
	}
	defer j.running.Store(false)

	start := time.Now()
	if err := j.Run(ctx); err != nil {
		if ctx.Err() == nil {
			logging.TasksError("Job %s failed: %v", j.Name, err)
		}
		return
	}
	j.runs.Add(1)
	logging.TasksDebug("Job %s completed in %v", j.Name, time.Since(start))
}
