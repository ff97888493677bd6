package conflict

import (
	"testing"
	"time"

	"github.com/Auto-one-Family/kaiser-core/internal/clock"
)

func testManager(t *testing.T) (*Manager, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(60*time.Second, mock, nil), mock
}

func TestAcquire_FreeResourceGranted(t *testing.T) {
	m, _ := testManager(t)
	res := Resource{DeviceID: "ESP_X", GPIO: 16}

	result, cancel := m.Acquire(res, 1, 10, false)
	if result != Granted {
		t.Fatalf("result = %v, want Granted", result)
	}
	if cancel == nil {
		t.Fatal("expected a non-nil cancel channel")
	}
}

func TestAcquire_HigherPriorityBlocked(t *testing.T) {
	m, _ := testManager(t)
	res := Resource{DeviceID: "ESP_X", GPIO: 16}

	m.Acquire(res, 1, 10, false)
	result, cancel := m.Acquire(res, 2, 20, false) // numerically higher = lower priority
	if result != Blocked {
		t.Fatalf("result = %v, want Blocked", result)
	}
	if cancel != nil {
		t.Fatal("blocked acquire should not return a cancel channel")
	}
}

func TestAcquire_LowerPriorityPreempts(t *testing.T) {
	m, _ := testManager(t)
	res := Resource{DeviceID: "ESP_X", GPIO: 16}

	_, holderCancel := m.Acquire(res, 1, 50, false)
	result, _ := m.Acquire(res, 2, 10, false) // numerically lower = higher priority
	if result != Preempted {
		t.Fatalf("result = %v, want Preempted", result)
	}
	select {
	case <-holderCancel:
	default:
		t.Fatal("original holder's cancel channel should be closed")
	}
	if holder, ok := m.HolderRule(res); !ok || holder != 2 {
		t.Fatalf("HolderRule = (%d, %v), want (2, true)", holder, ok)
	}
}

func TestAcquire_EqualPriorityFirstCome(t *testing.T) {
	m, _ := testManager(t)
	res := Resource{DeviceID: "ESP_X", GPIO: 16}

	m.Acquire(res, 1, 10, false)
	result, _ := m.Acquire(res, 2, 10, false)
	if result != Blocked {
		t.Fatalf("result = %v, want Blocked (first-come wins on equal priority)", result)
	}
}

func TestAcquire_SafetyCriticalOverridesNonSafetyHolder(t *testing.T) {
	m, _ := testManager(t)
	res := Resource{DeviceID: "ESP_X", GPIO: 16}

	_, holderCancel := m.Acquire(res, 1, 10, false) // high priority, non-safety
	result, _ := m.Acquire(res, 2, 50, true)        // low priority, but safety-critical
	if result != Preempted {
		t.Fatalf("result = %v, want Preempted", result)
	}
	select {
	case <-holderCancel:
	default:
		t.Fatal("non-safety holder should be cancelled by a safety-critical request")
	}
}

func TestAcquire_SafetyHolderCannotBePreemptedByNonSafety(t *testing.T) {
	m, _ := testManager(t)
	res := Resource{DeviceID: "ESP_X", GPIO: 16}

	m.Acquire(res, 1, 50, true)
	result, _ := m.Acquire(res, 2, 1, false)
	if result != Blocked {
		t.Fatalf("result = %v, want Blocked", result)
	}
}

func TestRelease_FreesResourceForOthers(t *testing.T) {
	m, _ := testManager(t)
	res := Resource{DeviceID: "ESP_X", GPIO: 16}

	m.Acquire(res, 1, 10, false)
	m.Release(res, 1)

	result, _ := m.Acquire(res, 2, 99, false)
	if result != Granted {
		t.Fatalf("result = %v, want Granted after release", result)
	}
}

func TestAcquire_ExpiredLockTreatedAsFree(t *testing.T) {
	m, mock := testManager(t)
	res := Resource{DeviceID: "ESP_X", GPIO: 16}

	m.Acquire(res, 1, 10, false)
	mock.Advance(61 * time.Second)

	result, _ := m.Acquire(res, 2, 99, false)
	if result != Granted {
		t.Fatalf("result = %v, want Granted once the TTL has elapsed", result)
	}
}

func TestSweep_RemovesExpiredLocks(t *testing.T) {
	m, mock := testManager(t)
	res := Resource{DeviceID: "ESP_X", GPIO: 16}

	m.Acquire(res, 1, 10, false)
	mock.Advance(61 * time.Second)

	if n := m.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if _, ok := m.HolderRule(res); ok {
		t.Fatal("resource should have no holder after sweep")
	}
}
