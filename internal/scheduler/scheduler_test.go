package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RunsEnabledJobs(t *testing.T) {
	s := New(nil)
	var ticks atomic.Int64
	s.Register(&Job{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Enabled:  true,
		Run: func(ctx context.Context) error {
			ticks.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()
	s.Stop()

	if ticks.Load() == 0 {
		t.Fatal("enabled job never ran")
	}
}

func TestScheduler_DisabledJobNeverRuns(t *testing.T) {
	s := New(nil)
	var ticks atomic.Int64
	s.Register(&Job{
		Name:     "retention",
		Interval: 5 * time.Millisecond,
		Enabled:  false,
		Run: func(ctx context.Context) error {
			ticks.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	s.Stop()

	if got := ticks.Load(); got != 0 {
		t.Fatalf("disabled job ran %d times, want 0", got)
	}

	stats := s.Stats()
	if len(stats) != 1 || stats[0].Enabled {
		t.Fatalf("disabled job should still appear in stats as disabled, got %+v", stats)
	}
}

func TestScheduler_PanicIsolation(t *testing.T) {
	s := New(nil)
	var after atomic.Int64
	s.Register(&Job{
		Name:     "poison",
		Interval: 10 * time.Millisecond,
		Enabled:  true,
		Run: func(ctx context.Context) error {
			after.Add(1)
			panic("boom")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	cancel()
	s.Stop()

	if after.Load() < 2 {
		t.Fatalf("panicking job should keep ticking, ran %d times", after.Load())
	}
}

func TestScheduler_CountsFailures(t *testing.T) {
	s := New(nil)
	job := &Job{
		Name:     "flaky",
		Interval: 10 * time.Millisecond,
		Enabled:  true,
		Run: func(ctx context.Context) error {
			return errors.New("transient")
		},
	}
	s.Register(job)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	cancel()
	s.Stop()

	stats := s.Stats()
	if stats[0].Failures == 0 {
		t.Fatal("failures not counted")
	}
	if stats[0].Runs < stats[0].Failures {
		t.Fatalf("runs (%d) < failures (%d)", stats[0].Runs, stats[0].Failures)
	}
}
