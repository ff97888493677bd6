// Package logic implements the Logic Engine: the event- and
// timer-driven cross-device rule evaluator, its condition tree walker,
// action executors, and the cooldown/rate/conflict gating that wraps
// them.
package logic

import (
	"context"
	"fmt"
	"time"

	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

// Trigger carries the sensor event that caused this evaluation, if any.
// A timer-driven evaluation has a zero Trigger; threshold leaves matching
// a zero Trigger always fall back to ReadingLookup.
type Trigger struct {
	DeviceID   string
	GPIO       int
	SensorType string
	Value      float64
	HasValue   bool
}

// ReadingLookup fetches the most recent reading for (deviceID, gpio),
// used by threshold leaves that refer to a sensor other than the one
// that triggered this evaluation.
type ReadingLookup func(ctx context.Context, deviceID string, gpio int) (*model.SensorReading, error)

// matches reports whether the trigger event refers to the same
// (deviceId, gpio, sensorType) as leaf.
func (t Trigger) matches(leaf model.Condition) bool {
	return t.HasValue && t.DeviceID == leaf.DeviceID && t.GPIO == leaf.GPIO && t.SensorType == leaf.SensorType
}

// evaluateCondition walks a LogicRule's condition tree. Compound nodes
// short-circuit: AND stops at the first false child, OR stops at the
// first true child.
func evaluateCondition(ctx context.Context, c model.Condition, trig Trigger, lookup ReadingLookup, now time.Time) (bool, error) {
	switch c.Kind {
	case model.ConditionThreshold:
		return evaluateThreshold(ctx, c, trig, lookup)
	case model.ConditionTimeWindow:
		return evaluateTimeWindow(c, now), nil
	case model.ConditionAnd:
		for _, child := range c.Children {
			ok, err := evaluateCondition(ctx, child, trig, lookup, now)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case model.ConditionOr:
		for _, child := range c.Children {
			ok, err := evaluateCondition(ctx, child, trig, lookup, now)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown condition kind %q", c.Kind)
	}
}

func evaluateThreshold(ctx context.Context, c model.Condition, trig Trigger, lookup ReadingLookup) (bool, error) {
	var value float64
	if trig.matches(c) {
		value = trig.Value
	} else {
		r, err := lookup(ctx, c.DeviceID, c.GPIO)
		if err != nil {
			return false, err
		}
		if r == nil {
			return false, nil // no reading yet: condition cannot be satisfied
		}
		if r.ProcessedValue != nil {
			value = *r.ProcessedValue
		} else {
			value = r.RawValue
		}
	}
	return compare(value, c.Operator, c.Value), nil
}

func compare(value float64, op model.Operator, threshold float64) bool {
	switch op {
	case model.OpGT:
		return value > threshold
	case model.OpLT:
		return value < threshold
	case model.OpGE:
		return value >= threshold
	case model.OpLE:
		return value <= threshold
	case model.OpEQ:
		return value == threshold
	case model.OpNE:
		return value != threshold
	default:
		return false
	}
}

// evaluateTimeWindow reports whether now falls inside [startHour,
// endHour) on one of daysOfWeek, with Mon=0..Sun=6.
// startHour > endHour is a wrap-around window spanning midnight, e.g.
// 22..6 covers 22:00-23:59 and 00:00-05:59.
func evaluateTimeWindow(c model.Condition, now time.Time) bool {
	hour := now.Hour()
	day := mondayIndexed(now.Weekday())

	if !dayMatches(c.DaysOfWeek, day) {
		// A wrap-around window spanning midnight may still be "open"
		// from the prior day's start; check that case before giving up.
		if c.StartHour > c.EndHour && hour < c.EndHour && dayMatches(c.DaysOfWeek, mondayIndexed(now.Add(-24*time.Hour).Weekday())) {
			return true
		}
		return false
	}

	if c.StartHour <= c.EndHour {
		return hour >= c.StartHour && hour < c.EndHour
	}
	// Wrap-around: true from StartHour through midnight, and from
	// midnight through EndHour.
	return hour >= c.StartHour || hour < c.EndHour
}

func dayMatches(days []int, day int) bool {
	if len(days) == 0 {
		return true // no restriction specified
	}
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

// mondayIndexed converts time.Weekday (Sun=0..Sat=6) to the rule schema's
// Mon=0..Sun=6 indexing.
func mondayIndexed(w time.Weekday) int {
	return (int(w) + 6) % 7
}
