// Package ratelimit implements the Logic Engine's 3-tier sliding-window
// rate limiter: a global budget across all rules, a
// per-device budget, and a per-rule budget. All three share the same
// deque-of-timestamps algorithm; only the lookup key and the window
// differ.
package ratelimit

import (
	"strconv"
	"sync"
	"time"

	"github.com/Auto-one-Family/kaiser-core/internal/clock"
)

// window is one sliding-window counter keyed by an arbitrary string.
// Timestamps older than the window are dropped lazily on each check.
type window struct {
	mu     sync.Mutex
	period time.Duration
	budget int
	events map[string][]time.Time
}

func newWindow(period time.Duration, budget int) *window {
	return &window{period: period, budget: budget, events: make(map[string][]time.Time)}
}

// allow reports whether one more event is permitted for key at now,
// recording the event if so.
func (w *window) allow(clk clock.Clock, key string) bool {
	if w.budget <= 0 {
		return true // a non-positive budget means "unlimited" for this tier
	}
	now := clk.Now()
	cutoff := now.Add(-w.period)

	w.mu.Lock()
	defer w.mu.Unlock()

	events := w.events[key]
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= w.budget {
		w.events[key] = kept
		return false
	}
	w.events[key] = append(kept, now)
	return true
}

func (w *window) count(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events[key])
}

// Config sets the three tiers' budgets.
type Config struct {
	// GlobalPerSecond caps total rule executions per second across all
	// rules. Default 100.
	GlobalPerSecond int
	// PerDevicePerSecond caps executions targeting the same device per
	// second. Default 20.
	PerDevicePerSecond int
}

// Limiter is the Logic Engine's 3-tier rate gate. Safe for concurrent use.
type Limiter struct {
	clock  clock.Clock
	global *window
	device *window
	rule   *window

	dropped struct {
		sync.Mutex
		global, device, rule int64
	}
}

// New creates a Limiter with the given tier budgets.
func New(cfg Config, clk clock.Clock) *Limiter {
	if cfg.GlobalPerSecond <= 0 {
		cfg.GlobalPerSecond = 100
	}
	if cfg.PerDevicePerSecond <= 0 {
		cfg.PerDevicePerSecond = 20
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		clock:  clk,
		global: newWindow(time.Second, cfg.GlobalPerSecond),
		device: newWindow(time.Second, cfg.PerDevicePerSecond),
		// The per-rule tier's window is one hour; its budget varies per
		// rule (LogicRule.MaxExecutionsPerHour), so it is passed in on
		// every check rather than fixed at construction.
		rule: newWindow(time.Hour, 0),
	}
}

// AllowGlobal checks and consumes one slot of the global budget.
func (l *Limiter) AllowGlobal() bool {
	ok := l.global.allow(l.clock, "global")
	if !ok {
		l.dropped.Lock()
		l.dropped.global++
		l.dropped.Unlock()
	}
	return ok
}

// AllowDevice checks and consumes one slot of deviceID's budget.
func (l *Limiter) AllowDevice(deviceID string) bool {
	ok := l.device.allow(l.clock, deviceID)
	if !ok {
		l.dropped.Lock()
		l.dropped.device++
		l.dropped.Unlock()
	}
	return ok
}

// AllowRule checks and consumes one slot of ruleID's hourly budget.
// maxPerHour <= 0 means unlimited for that rule.
func (l *Limiter) AllowRule(ruleID int64, maxPerHour int) bool {
	if maxPerHour <= 0 {
		return true
	}
	l.rule.mu.Lock()
	key := ruleKey(ruleID)
	now := l.clock.Now()
	cutoff := now.Add(-time.Hour)
	events := l.rule.events[key]
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	allowed := len(kept) < maxPerHour
	if allowed {
		kept = append(kept, now)
	}
	l.rule.events[key] = kept
	l.rule.mu.Unlock()

	if !allowed {
		l.dropped.Lock()
		l.dropped.rule++
		l.dropped.Unlock()
	}
	return allowed
}

// Stats reports cumulative drop counts per tier, surfaced through the
// /healthz endpoint.
func (l *Limiter) Stats() map[string]any {
	l.dropped.Lock()
	defer l.dropped.Unlock()
	return map[string]any{
		"dropped_global": l.dropped.global,
		"dropped_device": l.dropped.device,
		"dropped_rule":   l.dropped.rule,
	}
}

func ruleKey(ruleID int64) string {
	return "rule:" + strconv.FormatInt(ruleID, 10)
}
