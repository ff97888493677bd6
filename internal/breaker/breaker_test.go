package breaker

import (
	"context"
	"errors"
	"testing"
)

func TestWithDefaults(t *testing.T) {
	cfg := Config{Name: "test"}.withDefaults()
	if cfg.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.FailureThreshold)
	}
	if cfg.HalfOpenProbes != 2 {
		t.Errorf("HalfOpenProbes = %d, want 2", cfg.HalfOpenProbes)
	}
}

func TestExecuteSuccessKeepsClosed(t *testing.T) {
	b := New[string](Config{Name: "t"}, nil)
	got, err := b.Execute(context.Background(), func() (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("got %q, want ok", got)
	}
	if b.State() != StateClosed {
		t.Errorf("State() = %v, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("Allow() = false, want true while closed")
	}
}

func TestExecuteTripsOpenAfterThreshold(t *testing.T) {
	b := New[struct{}](Config{Name: "t", FailureThreshold: 2}, nil)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		if _, err := b.Execute(context.Background(), func() (struct{}, error) {
			return struct{}{}, boom
		}); !errors.Is(err, boom) {
			t.Fatalf("call %d: got err %v, want boom", i, err)
		}
	}

	if b.State() != StateOpen {
		t.Fatalf("State() = %v, want open after %d consecutive failures", b.State(), 2)
	}
	if b.Allow() {
		t.Error("Allow() = true, want false while open")
	}

	if _, err := b.Execute(context.Background(), func() (struct{}, error) {
		return struct{}{}, nil
	}); err == nil {
		t.Error("expected open-state error, got nil")
	}
}
