// Package scheduler hosts the periodic jobs that drive timer-based rule
// evaluation, device timeout sweeps, broker health probes, and the
// opt-in retention cleanups. One goroutine per job, fixed intervals,
// panic isolation per tick.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// JobFunc is one tick of a periodic job.
type JobFunc func(ctx context.Context) error

// Job is a registered periodic job.
type Job struct {
	Name     string
	Interval time.Duration
	// Enabled jobs tick; disabled jobs stay registered so operators can
	// see them in Stats, but never run. Retention jobs register
	// disabled unless configuration explicitly turns them on.
	Enabled bool
	Run     JobFunc

	runs     atomic.Int64
	failures atomic.Int64
	lastRun  atomic.Int64 // unix seconds, 0 = never
}

// Scheduler manages job execution.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	jobs    []*Job
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a new scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	s.logger.Debug("job registered", "job", job.Name, "interval", job.Interval, "enabled", job.Enabled)
}

// Start launches one ticker goroutine per enabled job. Jobs run until
// Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	jobs := s.jobs
	s.mu.Unlock()

	enabled := 0
	for _, job := range jobs {
		if !job.Enabled {
			s.logger.Info("job disabled, not scheduling", "job", job.Name)
			continue
		}
		enabled++
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	s.logger.Info("scheduler started", "jobs", enabled, "registered", len(jobs))
}

// Stop halts all job loops and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job *Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx, job)
		}
	}
}

// tick runs one job execution with panic isolation so a faulty job
// cannot take the scheduler down.
func (s *Scheduler) tick(ctx context.Context, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			job.failures.Add(1)
			s.logger.Error("job panicked", "job", job.Name, "panic", r)
		}
	}()

	job.runs.Add(1)
	job.lastRun.Store(time.Now().Unix())
	if err := job.Run(ctx); err != nil {
		job.failures.Add(1)
		s.logger.Warn("job failed", "job", job.Name, "error", err)
	}
}

// JobStats is one job's execution summary.
type JobStats struct {
	Name     string `json:"name"`
	Interval string `json:"interval"`
	Enabled  bool   `json:"enabled"`
	Runs     int64  `json:"runs"`
	Failures int64  `json:"failures"`
	LastRun  int64  `json:"last_run,omitempty"`
}

// Stats reports per-job execution counters for the health endpoint.
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStats, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = JobStats{
			Name:     j.Name,
			Interval: j.Interval.String(),
			Enabled:  j.Enabled,
			Runs:     j.runs.Load(),
			Failures: j.failures.Load(),
			LastRun:  j.lastRun.Load(),
		}
	}
	return out
}
