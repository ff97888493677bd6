package logic

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Auto-one-Family/kaiser-core/internal/clock"
	"github.com/Auto-one-Family/kaiser-core/internal/events"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
	"github.com/Auto-one-Family/kaiser-core/internal/ratelimit"
)

type fakeRuleStore struct {
	mu         sync.Mutex
	byTrigger  map[string][]*model.LogicRule
	timer      []*model.LogicRule
	executions []*model.RuleExecution
	marked     map[int64]time.Time
}

func newFakeRuleStore() *fakeRuleStore {
	return &fakeRuleStore{
		byTrigger: make(map[string][]*model.LogicRule),
		marked:    make(map[int64]time.Time),
	}
}

func triggerKey(deviceID string, gpio int, sensorType string) string {
	return fmt.Sprintf("%s/%d/%s", deviceID, gpio, sensorType)
}

func (f *fakeRuleStore) addTrigger(deviceID string, gpio int, sensorType string, r *model.LogicRule) {
	key := triggerKey(deviceID, gpio, sensorType)
	f.byTrigger[key] = append(f.byTrigger[key], r)
}

func (f *fakeRuleStore) GetByTriggerSensor(ctx context.Context, deviceID string, gpio int, sensorType string) ([]*model.LogicRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byTrigger[triggerKey(deviceID, gpio, sensorType)], nil
}

func (f *fakeRuleStore) GetTimerRules(ctx context.Context) ([]*model.LogicRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timer, nil
}

func (f *fakeRuleStore) MarkExecuted(ctx context.Context, ruleID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[ruleID] = at
	for _, rules := range f.byTrigger {
		for _, r := range rules {
			if r.ID == ruleID {
				t := at
				r.LastExecuted = &t
			}
		}
	}
	for _, r := range f.timer {
		if r.ID == ruleID {
			t := at
			r.LastExecuted = &t
		}
	}
	return nil
}

func (f *fakeRuleStore) LogExecution(ctx context.Context, e *model.RuleExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions = append(f.executions, e)
	return nil
}

func (f *fakeRuleStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executions)
}

func (f *fakeRuleStore) last() *model.RuleExecution {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.executions) == 0 {
		return nil
	}
	return f.executions[len(f.executions)-1]
}

type fakePublisher struct {
	mu       sync.Mutex
	calls    []string
	autoAck  bool
	autoFail bool
	engine   *Engine
}

func (p *fakePublisher) PublishActuatorCommand(ctx context.Context, deviceID string, gpio int, command string, value float64, durationS *float64, requestID string) error {
	p.mu.Lock()
	p.calls = append(p.calls, fmt.Sprintf("%s/%d:%s", deviceID, gpio, command))
	p.mu.Unlock()
	if p.autoAck {
		p.engine.NotifyActuatorResponse(requestID, !p.autoFail, "")
	}
	return nil
}

func (p *fakePublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func testEngine(t *testing.T) (*Engine, *fakeRuleStore, *fakePublisher, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)) // Monday
	store := newFakeRuleStore()
	pub := &fakePublisher{autoAck: true}
	bus := events.New()
	e := New(store, nil, pub, bus, mock, nil, Config{
		RateLimit: ratelimit.Config{GlobalPerSecond: 1000, PerDevicePerSecond: 1000},
	})
	pub.engine = e
	return e, store, pub, mock
}

func thresholdRule(id int64, deviceID string, gpio int, sensorType string, op model.Operator, threshold float64) *model.LogicRule {
	return &model.LogicRule{
		ID:                   id,
		Name:                 fmt.Sprintf("rule-%d", id),
		Enabled:              true,
		Priority:             5,
		MaxExecutionsPerHour: 0,
		Conditions: model.Condition{
			Kind:       model.ConditionThreshold,
			DeviceID:   deviceID,
			GPIO:       gpio,
			SensorType: sensorType,
			Operator:   op,
			Value:      threshold,
		},
		Actions: []model.Action{
			{Kind: model.ActionActuatorCommand, DeviceID: deviceID, GPIO: 10, Command: "ON"},
		},
	}
}

func TestEvaluateSensorData_ConditionMatchRunsActions(t *testing.T) {
	e, store, pub, _ := testEngine(t)
	rule := thresholdRule(1, "ESP_1", 34, "soil_moisture", model.OpLT, 30)
	store.addTrigger("ESP_1", 34, "soil_moisture", rule)

	e.EvaluateSensorData(context.Background(), "ESP_1", 34, "soil_moisture", 20)

	if pub.callCount() != 1 {
		t.Fatalf("callCount = %d, want 1", pub.callCount())
	}
	if store.count() != 1 {
		t.Fatalf("executions = %d, want 1", store.count())
	}
	if !store.last().Success {
		t.Fatalf("execution should report success")
	}
}

func TestEvaluateSensorData_ConditionMismatchSkipsActions(t *testing.T) {
	e, store, pub, _ := testEngine(t)
	rule := thresholdRule(1, "ESP_1", 34, "soil_moisture", model.OpLT, 30)
	store.addTrigger("ESP_1", 34, "soil_moisture", rule)

	e.EvaluateSensorData(context.Background(), "ESP_1", 34, "soil_moisture", 80)

	if pub.callCount() != 0 {
		t.Fatalf("callCount = %d, want 0", pub.callCount())
	}
	if store.count() != 0 {
		t.Fatalf("executions = %d, want 0 (gated on condition, no log)", store.count())
	}
}

func TestEvaluateRule_CooldownBlocksReEvaluation(t *testing.T) {
	e, store, pub, mock := testEngine(t)
	rule := thresholdRule(1, "ESP_1", 34, "soil_moisture", model.OpLT, 30)
	rule.CooldownSec = 60
	store.addTrigger("ESP_1", 34, "soil_moisture", rule)

	e.EvaluateSensorData(context.Background(), "ESP_1", 34, "soil_moisture", 20)
	if pub.callCount() != 1 {
		t.Fatalf("first call count = %d, want 1", pub.callCount())
	}

	mock.Advance(10 * time.Second)
	e.EvaluateSensorData(context.Background(), "ESP_1", 34, "soil_moisture", 20)
	if pub.callCount() != 1 {
		t.Fatalf("call count during cooldown = %d, want still 1", pub.callCount())
	}

	mock.Advance(55 * time.Second)
	e.EvaluateSensorData(context.Background(), "ESP_1", 34, "soil_moisture", 20)
	if pub.callCount() != 2 {
		t.Fatalf("call count after cooldown elapsed = %d, want 2", pub.callCount())
	}
}

func TestEvaluateRule_PerRuleRateLimitEnforced(t *testing.T) {
	e, store, pub, mock := testEngine(t)
	rule := thresholdRule(1, "ESP_1", 34, "soil_moisture", model.OpLT, 30)
	rule.MaxExecutionsPerHour = 2
	store.addTrigger("ESP_1", 34, "soil_moisture", rule)

	for i := 0; i < 3; i++ {
		e.EvaluateSensorData(context.Background(), "ESP_1", 34, "soil_moisture", 20)
		mock.Advance(time.Second)
	}

	if pub.callCount() != 2 {
		t.Fatalf("callCount = %d, want 2 (third execution rate-limited)", pub.callCount())
	}
}

func TestEvaluateRule_ActuatorFailureMarksExecutionUnsuccessful(t *testing.T) {
	e, store, pub, _ := testEngine(t)
	pub.autoFail = true
	rule := thresholdRule(1, "ESP_1", 34, "soil_moisture", model.OpLT, 30)
	store.addTrigger("ESP_1", 34, "soil_moisture", rule)

	e.EvaluateSensorData(context.Background(), "ESP_1", 34, "soil_moisture", 20)

	last := store.last()
	if last == nil {
		t.Fatal("expected an execution to be logged")
	}
	if last.Success {
		t.Fatal("execution should be marked unsuccessful when device reports failure")
	}
}

func TestEvaluateRule_OneRuleErrorDoesNotBlockOthers(t *testing.T) {
	e, store, pub, _ := testEngine(t)
	broken := &model.LogicRule{
		ID:      1,
		Name:    "broken",
		Enabled: true,
		Conditions: model.Condition{
			Kind: model.ConditionKind("unknown_kind"),
		},
	}
	healthy := thresholdRule(2, "ESP_1", 34, "soil_moisture", model.OpLT, 30)

	store.addTrigger("ESP_1", 34, "soil_moisture", broken)
	store.addTrigger("ESP_1", 34, "soil_moisture", healthy)

	e.EvaluateSensorData(context.Background(), "ESP_1", 34, "soil_moisture", 20)

	if pub.callCount() != 1 {
		t.Fatalf("callCount = %d, want 1 (healthy rule still ran despite the broken rule's condition error)", pub.callCount())
	}
}

func TestEvaluateRuleSafely_RecoversFromPanic(t *testing.T) {
	e, _, _, _ := testEngine(t)
	rule := &model.LogicRule{ID: 99, Name: "panics", Conditions: model.Condition{Kind: model.ConditionAnd}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		origRules := e.rules
		e.rules = panicyRuleStore{origRules}
		defer func() { e.rules = origRules }()
		e.evaluateRuleSafely(context.Background(), rule, Trigger{})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("evaluateRuleSafely did not return; panic was not recovered")
	}
}

type panicyRuleStore struct {
	RuleStore
}

func (panicyRuleStore) LogExecution(ctx context.Context, e *model.RuleExecution) error {
	panic("boom")
}

func TestEvaluateTimer_EvaluatesTimeWindowRules(t *testing.T) {
	e, store, pub, mock := testEngine(t)
	mock.Set(time.Date(2026, 1, 5, 23, 0, 0, 0, time.UTC)) // Monday 23:00

	rule := &model.LogicRule{
		ID:      1,
		Name:    "night-light",
		Enabled: true,
		Conditions: model.Condition{
			Kind:      model.ConditionTimeWindow,
			StartHour: 22,
			EndHour:   6,
		},
		Actions: []model.Action{
			{Kind: model.ActionActuatorCommand, DeviceID: "ESP_2", GPIO: 5, Command: "ON"},
		},
	}
	store.timer = append(store.timer, rule)

	e.EvaluateTimer(context.Background())

	if pub.callCount() != 1 {
		t.Fatalf("callCount = %d, want 1", pub.callCount())
	}
	if store.count() != 1 {
		t.Fatalf("executions = %d, want 1", store.count())
	}
}

func TestRunActions_RequiredFailureAbortsRemaining(t *testing.T) {
	e, store, pub, _ := testEngine(t)
	pub.autoFail = true
	rule := &model.LogicRule{
		ID:      1,
		Name:    "abort-on-failure",
		Enabled: true,
		Conditions: model.Condition{
			Kind:       model.ConditionThreshold,
			DeviceID:   "ESP_1",
			GPIO:       34,
			SensorType: "soil_moisture",
			Operator:   model.OpLT,
			Value:      30,
		},
		Actions: []model.Action{
			{Kind: model.ActionActuatorCommand, DeviceID: "ESP_1", GPIO: 10, Command: "ON", Required: true},
			{Kind: model.ActionNotification, Message: "should not fire"},
		},
	}
	store.addTrigger("ESP_1", 34, "soil_moisture", rule)

	e.EvaluateSensorData(context.Background(), "ESP_1", 34, "soil_moisture", 20)

	if pub.callCount() != 1 {
		t.Fatalf("callCount = %d, want 1", pub.callCount())
	}
	last := store.last()
	if last == nil || last.Success {
		t.Fatal("expected a failed execution logged")
	}
}

func TestSafetyPreemptionCancelsHoldersDelay(t *testing.T) {
	e, store, pub, _ := testEngine(t)

	holder := &model.LogicRule{
		ID:       1,
		Name:     "irrigation",
		Enabled:  true,
		Priority: 10,
		Conditions: model.Condition{
			Kind:       model.ConditionThreshold,
			DeviceID:   "ESP_X",
			GPIO:       34,
			SensorType: "soil_moisture",
			Operator:   model.OpLT,
			Value:      30,
		},
		Actions: []model.Action{
			{Kind: model.ActionActuatorCommand, DeviceID: "ESP_X", GPIO: 16, Command: "ON"},
			{Kind: model.ActionDelay, DelayMS: 5000},
			{Kind: model.ActionActuatorCommand, DeviceID: "ESP_X", GPIO: 16, Command: "OFF"},
		},
	}
	safety := &model.LogicRule{
		ID:             2,
		Name:           "emergency-vent",
		Enabled:        true,
		Priority:       50,
		SafetyCritical: true,
		Conditions: model.Condition{
			Kind:       model.ConditionThreshold,
			DeviceID:   "ESP_X",
			GPIO:       4,
			SensorType: "temperature",
			Operator:   model.OpGT,
			Value:      45,
		},
		Actions: []model.Action{
			{Kind: model.ActionActuatorCommand, DeviceID: "ESP_X", GPIO: 16, Command: "OFF"},
		},
	}
	store.addTrigger("ESP_X", 34, "soil_moisture", holder)
	store.addTrigger("ESP_X", 4, "temperature", safety)

	holderDone := make(chan struct{})
	go func() {
		defer close(holderDone)
		e.EvaluateSensorData(context.Background(), "ESP_X", 34, "soil_moisture", 20)
	}()

	// Wait for the holder's first command: at that point it holds the
	// (ESP_X, 16) lock and is sitting in its 5s delay.
	deadline := time.Now().Add(2 * time.Second)
	for pub.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pub.callCount() != 1 {
		t.Fatalf("holder never published its command (callCount = %d)", pub.callCount())
	}

	// Safety-critical rule targets the same resource: the holder must be
	// displaced mid-delay, well before the 5s delay elapses.
	e.EvaluateSensorData(context.Background(), "ESP_X", 4, "temperature", 50)

	select {
	case <-holderDone:
	case <-time.After(2 * time.Second):
		t.Fatal("holder's delay was not cancelled by the safety pre-emption")
	}

	if pub.callCount() != 2 {
		t.Fatalf("callCount = %d, want 2 (holder ON + safety OFF; holder's trailing OFF must not run)", pub.callCount())
	}

	var holderExec, safetyExec *model.RuleExecution
	store.mu.Lock()
	for _, exec := range store.executions {
		switch exec.RuleID {
		case holder.ID:
			holderExec = exec
		case safety.ID:
			safetyExec = exec
		}
	}
	store.mu.Unlock()

	if holderExec == nil {
		t.Fatal("no execution logged for the pre-empted holder")
	}
	if holderExec.Success {
		t.Error("pre-empted holder's execution should report success=false")
	}
	if holderExec.ErrorMessage != "preempted" {
		t.Errorf("holder ErrorMessage = %q, want %q", holderExec.ErrorMessage, "preempted")
	}
	if safetyExec == nil || !safetyExec.Success {
		t.Fatalf("safety rule's execution = %+v, want logged with success=true", safetyExec)
	}
}
