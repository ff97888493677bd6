package logic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Auto-one-Family/kaiser-core/internal/clock"
	"github.com/Auto-one-Family/kaiser-core/internal/conflict"
	"github.com/Auto-one-Family/kaiser-core/internal/events"
	"github.com/Auto-one-Family/kaiser-core/internal/metrics"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
	"github.com/Auto-one-Family/kaiser-core/internal/ratelimit"
	"github.com/Auto-one-Family/kaiser-core/internal/repo"
)

// RuleStore is the engine's view of the logic repository, satisfied by
// *repo.LogicStore.
type RuleStore interface {
	GetByTriggerSensor(ctx context.Context, deviceID string, gpio int, sensorType string) ([]*model.LogicRule, error)
	GetTimerRules(ctx context.Context) ([]*model.LogicRule, error)
	MarkExecuted(ctx context.Context, ruleID int64, at time.Time) error
	LogExecution(ctx context.Context, e *model.RuleExecution) error
}

type actuatorResponse struct {
	success bool
	message string
}

// Config controls the engine's timeouts and rate-limit budgets.
type Config struct {
	ActionTimeout time.Duration // default 30s
	RuleTimeout   time.Duration // default 30s
	ConflictTTL   time.Duration // default 60s
	RateLimit     ratelimit.Config
}

func (c Config) withDefaults() Config {
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 30 * time.Second
	}
	if c.RuleTimeout <= 0 {
		c.RuleTimeout = 30 * time.Second
	}
	if c.ConflictTTL <= 0 {
		c.ConflictTTL = 60 * time.Second
	}
	return c
}

// Engine evaluates LogicRules on sensor events and on a timer. It gates each candidate rule on cooldown, 3-tier rate limits,
// and its condition tree, then executes its actions under the Conflict
// Manager's resource locks and logs a RuleExecution either way.
type Engine struct {
	rules     RuleStore
	readings  *repo.SensorStore
	conflicts *conflict.Manager
	limiter   *ratelimit.Limiter
	publisher CommandPublisher
	bus       *events.Bus
	clock     clock.Clock
	logger    *slog.Logger

	actionTimeout time.Duration
	ruleTimeout   time.Duration

	waitersMu sync.Mutex
	waiters   map[string]chan actuatorResponse
}

// New creates an Engine.
func New(rules RuleStore, readings *repo.SensorStore, publisher CommandPublisher, bus *events.Bus, clk clock.Clock, logger *slog.Logger, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:         rules,
		readings:      readings,
		conflicts:     conflict.New(cfg.ConflictTTL, clk, logger),
		limiter:       ratelimit.New(cfg.RateLimit, clk),
		publisher:     publisher,
		bus:           bus,
		clock:         clk,
		logger:        logger,
		actionTimeout: cfg.ActionTimeout,
		ruleTimeout:   cfg.RuleTimeout,
		waiters:       make(map[string]chan actuatorResponse),
	}
}

// EvaluateSensorData is the event-driven entry point: called
// by the sensor pipeline after every persisted reading, fired as a
// background task that the caller does not await.
func (e *Engine) EvaluateSensorData(ctx context.Context, deviceID string, gpio int, sensorType string, value float64) {
	rules, err := e.rules.GetByTriggerSensor(ctx, deviceID, gpio, sensorType)
	if err != nil {
		e.logger.Error("logic: lookup trigger rules failed", "device_id", deviceID, "gpio", gpio, "error", err)
		return
	}
	trig := Trigger{DeviceID: deviceID, GPIO: gpio, SensorType: sensorType, Value: value, HasValue: true}
	for _, rule := range rules {
		e.evaluateRuleSafely(ctx, rule, trig)
	}
}

// EvaluateTimer is the 60s timer-driven entry point: re-evaluates every enabled rule whose condition tree has a
// time-window leaf, independent of sensor activity.
func (e *Engine) EvaluateTimer(ctx context.Context) {
	rules, err := e.rules.GetTimerRules(ctx)
	if err != nil {
		e.logger.Error("logic: lookup timer rules failed", "error", err)
		return
	}
	for _, rule := range rules {
		e.evaluateRuleSafely(ctx, rule, Trigger{})
	}
}

// NotifyActuatorResponse delivers a device's command acknowledgement to
// whichever in-flight action is waiting on requestID, if any. Called by
// the actuator-response handler.
func (e *Engine) NotifyActuatorResponse(requestID string, success bool, message string) {
	e.waitersMu.Lock()
	ch, ok := e.waiters[requestID]
	e.waitersMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- actuatorResponse{success: success, message: message}:
	default:
	}
}

func (e *Engine) registerWaiter(requestID string) <-chan actuatorResponse {
	ch := make(chan actuatorResponse, 1)
	e.waitersMu.Lock()
	e.waiters[requestID] = ch
	e.waitersMu.Unlock()
	return ch
}

func (e *Engine) unregisterWaiter(requestID string) {
	e.waitersMu.Lock()
	delete(e.waiters, requestID)
	e.waitersMu.Unlock()
}

// evaluateRuleSafely recovers from a panic inside one rule's evaluation
// so a poisoned rule cannot take down evaluation of the others.
func (e *Engine) evaluateRuleSafely(ctx context.Context, rule *model.LogicRule, trig Trigger) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("logic: rule evaluation panicked", "rule_id", rule.ID, "rule_name", rule.Name, "panic", r)
		}
	}()

	ruleCtx, cancel := context.WithTimeout(ctx, e.ruleTimeout)
	defer cancel()
	e.evaluateRule(ruleCtx, rule, trig)
}

func (e *Engine) evaluateRule(ctx context.Context, rule *model.LogicRule, trig Trigger) {
	now := e.clock.Now()

	// Step 1: cooldown.
	if rule.LastExecuted != nil && now.Sub(*rule.LastExecuted) < time.Duration(rule.CooldownSec)*time.Second {
		return
	}

	// Step 2: 3-tier rate limit.
	if !e.limiter.AllowGlobal() {
		e.logger.Warn("logic: global rate limit exceeded", "rule_id", rule.ID)
		return
	}
	if !e.allowDeviceTier(rule) {
		e.logger.Warn("logic: per-device rate limit exceeded", "rule_id", rule.ID)
		return
	}
	if !e.limiter.AllowRule(rule.ID, rule.MaxExecutionsPerHour) {
		e.logger.Warn("logic: per-rule rate limit exceeded", "rule_id", rule.ID)
		return
	}

	// Step 3: condition tree.
	matched, err := evaluateCondition(ctx, rule.Conditions, trig, e.lookupReading, now)
	if err != nil {
		e.logger.Error("logic: condition evaluation error", "rule_id", rule.ID, "error", err)
		return
	}
	if !matched {
		return
	}

	// Steps 4-5: conflict-gated sequential action execution.
	start := e.clock.Now()
	results, allRequiredOK := e.runActions(ctx, rule, rule.Actions)
	duration := e.clock.Now().Sub(start)

	success := allRequiredOK
	var errMsg string
	summary := ""
	for i, r := range results {
		if i > 0 {
			summary += "; "
		}
		summary += string(r.kind)
		if r.summary != "" {
			summary += ":" + r.summary
		}
		if r.err != nil {
			success = false
			if errMsg == "" {
				errMsg = r.err.Error()
			}
		}
	}

	// Step 6: history log.
	triggerData := map[string]any{}
	if trig.HasValue {
		triggerData["device_id"] = trig.DeviceID
		triggerData["gpio"] = trig.GPIO
		triggerData["sensor_type"] = trig.SensorType
		triggerData["value"] = trig.Value
	}
	exec := &model.RuleExecution{
		RuleID:         rule.ID,
		Timestamp:      now,
		TriggerData:    triggerData,
		ActionsSummary: summary,
		Success:        success,
		DurationMS:     duration.Milliseconds(),
		ErrorMessage:   errMsg,
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	metrics.RuleExecutions.WithLabelValues(outcome).Inc()

	if err := e.rules.LogExecution(ctx, exec); err != nil {
		e.logger.Error("logic: failed to log rule execution", "rule_id", rule.ID, "error", err)
	}
	if err := e.rules.MarkExecuted(ctx, rule.ID, now); err != nil {
		e.logger.Error("logic: failed to mark rule executed", "rule_id", rule.ID, "error", err)
	}

	e.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceLogicEngine,
		Kind:      events.KindLogicExecution,
		Data: map[string]any{
			"rule_id":     rule.ID,
			"rule_name":   rule.Name,
			"success":     success,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// allowDeviceTier checks the per-device rate budget against every
// distinct device targeted by the rule's actuator-command actions. A
// rule with no such actions is exempt from this tier.
func (e *Engine) allowDeviceTier(rule *model.LogicRule) bool {
	seen := map[string]bool{}
	for _, a := range rule.Actions {
		if a.Kind != model.ActionActuatorCommand || seen[a.DeviceID] {
			continue
		}
		seen[a.DeviceID] = true
		if !e.limiter.AllowDevice(a.DeviceID) {
			return false
		}
	}
	return true
}

func (e *Engine) lookupReading(ctx context.Context, deviceID string, gpio int) (*model.SensorReading, error) {
	r, err := e.readings.GetLatestReading(ctx, deviceID, gpio)
	if err != nil {
		return nil, fmt.Errorf("lookup reading for %s/gpio%d: %w", deviceID, gpio, err)
	}
	return r, nil
}

// Stats reports conflict and rate-limiter state for operator visibility.
func (e *Engine) Stats() map[string]any {
	return map[string]any{
		"conflicts":  e.conflicts.Stats(),
		"rate_limit": e.limiter.Stats(),
	}
}

// SweepConflicts releases any actuator lock past its TTL. Intended to be
// called periodically by the Scheduler alongside the timer evaluation
// tick.
func (e *Engine) SweepConflicts() int {
	return e.conflicts.Sweep()
}
