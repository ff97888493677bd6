package logic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Auto-one-Family/kaiser-core/internal/conflict"
	"github.com/Auto-one-Family/kaiser-core/internal/events"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

// CommandPublisher is the engine's narrow view of the actuator command
// path, breaking the Engine <-> ActuatorService <-> MQTT Client cycle:
// the engine only needs to publish a command and later receive a
// response keyed by requestID, not the full MQTT client surface.
type CommandPublisher interface {
	PublishActuatorCommand(ctx context.Context, deviceID string, gpio int, command string, value float64, durationS *float64, requestID string) error
}

// errPreempted marks an action aborted because a safety-critical or
// higher-priority rule took one of this rule's actuator locks.
var errPreempted = errors.New("preempted")

// actionResult is one action's outcome, folded into the rule's overall
// execution summary.
type actionResult struct {
	kind    model.ActionKind
	summary string
	err     error
}

// runActions executes a rule's actions in order.
// Individual action failure does not abort the rule unless the action is
// marked Required. Actuator-command actions first acquire a conflict
// lock on their target resource; a blocked lock skips that action rather
// than erroring the whole rule.
//
// Pre-emption of ANY lock held by this rule aborts the whole sequential
// loop, not just the action that acquired it: every lock's cancel
// channel is funneled into a single aggregate that each subsequent
// action — delays included — selects on, so a displaced holder stops
// within one action boundary.
func (e *Engine) runActions(ctx context.Context, rule *model.LogicRule, actions []model.Action) ([]actionResult, bool) {
	var results []actionResult
	acquired := make(map[conflict.Resource]bool)
	defer func() {
		for res := range acquired {
			e.conflicts.Release(res, rule.ID)
		}
	}()

	preempted := make(chan struct{})
	var preemptOnce sync.Once
	watchDone := make(chan struct{})
	defer close(watchDone)
	watchCancel := func(cancel <-chan struct{}) {
		go func() {
			select {
			case <-cancel:
				preemptOnce.Do(func() { close(preempted) })
			case <-watchDone:
			}
		}()
	}

	for _, action := range actions {
		select {
		case <-preempted:
			results = append(results, actionResult{kind: action.Kind, err: errPreempted})
			return results, false
		default:
		}

		var res actionResult
		switch action.Kind {
		case model.ActionActuatorCommand:
			res = e.runActuatorCommand(ctx, rule, action, acquired, watchCancel, preempted)
		case model.ActionDelay:
			res = e.runDelay(ctx, action, preempted)
		case model.ActionNotification:
			res = e.runNotification(rule, action, preempted)
		default:
			res = actionResult{kind: action.Kind, err: fmt.Errorf("unknown action kind %q", action.Kind)}
		}
		results = append(results, res)
		if errors.Is(res.err, errPreempted) {
			return results, false
		}
		if res.err != nil && action.Required {
			return results, false
		}
	}
	return results, true
}

func (e *Engine) runActuatorCommand(ctx context.Context, rule *model.LogicRule, action model.Action, acquired map[conflict.Resource]bool, watchCancel func(<-chan struct{}), preempted <-chan struct{}) actionResult {
	res := conflict.Resource{DeviceID: action.DeviceID, GPIO: action.GPIO}
	result, cancel := e.conflicts.Acquire(res, rule.ID, rule.Priority, rule.SafetyCritical)
	if result == conflict.Blocked {
		return actionResult{kind: action.Kind, err: fmt.Errorf("actuator %s/gpio%d held by a higher-priority rule", action.DeviceID, action.GPIO)}
	}
	if !acquired[res] {
		acquired[res] = true
		watchCancel(cancel)
	}

	requestID := uuid.NewString()
	actionCtx, cancelTimeout := context.WithTimeout(ctx, e.actionTimeout)
	defer cancelTimeout()

	// Register before publishing: a fast device can ack before the
	// publish call returns.
	waitCh := e.registerWaiter(requestID)
	defer e.unregisterWaiter(requestID)

	if err := e.publisher.PublishActuatorCommand(actionCtx, action.DeviceID, action.GPIO, action.Command, action.Value, action.DurationS, requestID); err != nil {
		return actionResult{kind: action.Kind, err: fmt.Errorf("publish command: %w", err)}
	}

	select {
	case resp := <-waitCh:
		if !resp.success {
			return actionResult{kind: action.Kind, summary: fmt.Sprintf("%s/%d %s", action.DeviceID, action.GPIO, action.Command), err: fmt.Errorf("device reported failure: %s", resp.message)}
		}
		return actionResult{kind: action.Kind, summary: fmt.Sprintf("%s/%d %s", action.DeviceID, action.GPIO, action.Command)}
	case <-preempted:
		return actionResult{kind: action.Kind, err: errPreempted}
	case <-actionCtx.Done():
		// Best-effort: the engine published the command but does not
		// block indefinitely on an ack.
		return actionResult{kind: action.Kind, summary: fmt.Sprintf("%s/%d %s (no ack)", action.DeviceID, action.GPIO, action.Command)}
	}
}

func (e *Engine) runDelay(ctx context.Context, action model.Action, preempted <-chan struct{}) actionResult {
	timer := time.NewTimer(time.Duration(action.DelayMS) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return actionResult{kind: action.Kind, summary: fmt.Sprintf("delayed %dms", action.DelayMS)}
	case <-preempted:
		return actionResult{kind: action.Kind, err: errPreempted}
	case <-ctx.Done():
		return actionResult{kind: action.Kind, err: ctx.Err()}
	}
}

func (e *Engine) runNotification(rule *model.LogicRule, action model.Action, preempted <-chan struct{}) actionResult {
	select {
	case <-preempted:
		return actionResult{kind: action.Kind, err: errPreempted}
	default:
	}
	e.bus.Publish(events.Event{
		Timestamp: e.clock.Now(),
		Source:    events.SourceLogicEngine,
		Kind:      events.KindLogicNotification,
		Data: map[string]any{
			"rule_id":   rule.ID,
			"rule_name": rule.Name,
			"message":   action.Message,
		},
	})
	return actionResult{kind: action.Kind, summary: action.Message}
}
