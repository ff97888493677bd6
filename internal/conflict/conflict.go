// Package conflict implements the Conflict Manager: priority
// locks on actuator resources so two rules never race to command the
// same (deviceId, gpio) pair. A safety-critical request pre-empts any
// non-safety holder; locks expire on a TTL so a crashed rule can't hold a
// resource forever.
package conflict

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Auto-one-Family/kaiser-core/internal/clock"
)

// Resource identifies the actuator a lock protects.
type Resource struct {
	DeviceID string
	GPIO     int
}

// Result is the outcome of an Acquire call.
type Result string

const (
	Granted   Result = "granted"
	Blocked   Result = "blocked"
	Preempted Result = "preempted"
)

type holder struct {
	ruleID    int64
	priority  int
	safety    bool
	expiresAt time.Time
	cancel    chan struct{}
}

// Manager guards actuator resources with priority locks. Safe for
// concurrent use; the resource map is a single mutex, whose contention
// is bounded by rule execution rate.
type Manager struct {
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	locks map[Resource]*holder
}

// New creates a Manager. ttl defaults to 60s.
func New(ttl time.Duration, clk clock.Clock, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		clock:  clk,
		ttl:    ttl,
		logger: logger,
		locks:  make(map[Resource]*holder),
	}
}

// Acquire grants a lock on res to ruleID if the resource is free, the
// requester's priority is numerically <= the current holder's (equal
// priority: first-come keeps the existing holder), or the request is
// safetyCritical and the holder is not — in which case the holder is
// pre-empted and signalled on its Cancel channel.
//
// The returned cancel channel is closed if this lock is later pre-empted
// by a higher-priority or safety-critical request; callers must select on
// it at each action boundary.
func (m *Manager) Acquire(res Resource, ruleID int64, priority int, safetyCritical bool) (Result, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	h, held := m.locks[res]
	if held && now.After(h.expiresAt) {
		held = false // expired lock, treat the resource as free
	}

	if !held {
		nh := &holder{ruleID: ruleID, priority: priority, safety: safetyCritical, expiresAt: now.Add(m.ttl), cancel: make(chan struct{})}
		m.locks[res] = nh
		return Granted, nh.cancel
	}

	if h.ruleID == ruleID {
		// Same rule re-acquiring (e.g. a second action in the same rule
		// targeting the same resource): refresh the TTL.
		h.expiresAt = now.Add(m.ttl)
		return Granted, h.cancel
	}

	if safetyCritical && !h.safety {
		close(h.cancel)
		m.logger.Warn("actuator lock preempted by safety-critical rule",
			"device_id", res.DeviceID, "gpio", res.GPIO, "preempted_rule", h.ruleID, "by_rule", ruleID)
		nh := &holder{ruleID: ruleID, priority: priority, safety: true, expiresAt: now.Add(m.ttl), cancel: make(chan struct{})}
		m.locks[res] = nh
		return Preempted, nh.cancel
	}

	if priority <= h.priority && !h.safety {
		// Numerically lower or equal priority wins, except equal priority
		// keeps the first-come holder.
		if priority < h.priority {
			close(h.cancel)
			nh := &holder{ruleID: ruleID, priority: priority, safety: safetyCritical, expiresAt: now.Add(m.ttl), cancel: make(chan struct{})}
			m.locks[res] = nh
			return Preempted, nh.cancel
		}
	}

	return Blocked, nil
}

// Release drops ruleID's lock on res, if it still holds it.
func (m *Manager) Release(res Resource, ruleID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.locks[res]; ok && h.ruleID == ruleID {
		delete(m.locks, res)
	}
}

// Sweep removes every lock past its TTL. Intended to run periodically
// from the Scheduler so an unreleased lock (e.g. from a rule that
// crashed mid-action) does not wedge a resource indefinitely.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	expired := 0
	for res, h := range m.locks {
		if now.After(h.expiresAt) {
			delete(m.locks, res)
			expired++
		}
	}
	return expired
}

// HolderRule reports which rule currently holds res, if any — used by
// tests asserting the "actuator command only after lock acquired"
// invariant.
func (m *Manager) HolderRule(res Resource) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.locks[res]
	if !ok {
		return 0, false
	}
	return h.ruleID, true
}

// Stats reports the number of currently-held locks.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{"held_locks": len(m.locks)}
}
