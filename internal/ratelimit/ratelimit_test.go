package ratelimit

import (
	"testing"
	"time"

	"github.com/Auto-one-Family/kaiser-core/internal/clock"
)

func TestAllowGlobal_BudgetEnforced(t *testing.T) {
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(Config{GlobalPerSecond: 2}, mock)

	if !l.AllowGlobal() {
		t.Fatal("1st call should be allowed")
	}
	if !l.AllowGlobal() {
		t.Fatal("2nd call should be allowed")
	}
	if l.AllowGlobal() {
		t.Fatal("3rd call within the same second should be blocked")
	}
}

func TestAllowGlobal_WindowSlides(t *testing.T) {
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(Config{GlobalPerSecond: 1}, mock)

	if !l.AllowGlobal() {
		t.Fatal("1st call should be allowed")
	}
	if l.AllowGlobal() {
		t.Fatal("2nd call should be blocked")
	}

	mock.Advance(1100 * time.Millisecond)
	if !l.AllowGlobal() {
		t.Fatal("call after the window elapses should be allowed")
	}
}

func TestAllowDevice_PerKeyIndependent(t *testing.T) {
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(Config{PerDevicePerSecond: 1}, mock)

	if !l.AllowDevice("ESP_A") {
		t.Fatal("device A first call should be allowed")
	}
	if !l.AllowDevice("ESP_B") {
		t.Fatal("device B is independent of device A's budget")
	}
	if l.AllowDevice("ESP_A") {
		t.Fatal("device A second call within window should be blocked")
	}
}

func TestAllowRule_HourlyBudget(t *testing.T) {
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(Config{}, mock)

	for i := 0; i < 3; i++ {
		if !l.AllowRule(1, 3) {
			t.Fatalf("call %d should be allowed under budget 3", i)
		}
	}
	if l.AllowRule(1, 3) {
		t.Fatal("4th call should exceed the hourly budget")
	}

	mock.Advance(61 * time.Minute)
	if !l.AllowRule(1, 3) {
		t.Fatal("call after the hourly window elapses should be allowed")
	}
}

func TestAllowRule_UnlimitedWhenZero(t *testing.T) {
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(Config{}, mock)

	for i := 0; i < 50; i++ {
		if !l.AllowRule(7, 0) {
			t.Fatalf("call %d should be unlimited with maxPerHour=0", i)
		}
	}
}

func TestStats_TracksDrops(t *testing.T) {
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(Config{GlobalPerSecond: 1, PerDevicePerSecond: 1}, mock)

	l.AllowGlobal()
	l.AllowGlobal() // dropped
	l.AllowDevice("x")
	l.AllowDevice("x") // dropped
	l.AllowRule(1, 1)
	l.AllowRule(1, 1) // dropped

	stats := l.Stats()
	if stats["dropped_global"].(int64) != 1 {
		t.Errorf("dropped_global = %v, want 1", stats["dropped_global"])
	}
	if stats["dropped_device"].(int64) != 1 {
		t.Errorf("dropped_device = %v, want 1", stats["dropped_device"])
	}
	if stats["dropped_rule"].(int64) != 1 {
		t.Errorf("dropped_rule = %v, want 1", stats["dropped_rule"])
	}
}
