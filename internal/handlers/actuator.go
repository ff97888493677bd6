package handlers

import (
	"context"

	"github.com/Auto-one-Family/kaiser-core/internal/events"
	"github.com/Auto-one-Family/kaiser-core/internal/kerrors"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

// actuatorStatusPayload mirrors an actuator's last-known state, pushed
// by the device independent of any command/response cycle.
type actuatorStatusPayload struct {
	ESPID          string  `json:"esp_id"`
	GPIO           int     `json:"gpio"`
	State          bool    `json:"state"`
	PWMValue       float64 `json:"pwm_value"`
	Timestamp      int64   `json:"timestamp"`
	EmergencyState string  `json:"emergency_state"`
}

// ActuatorStatusHandler persists unsolicited actuator state pushes and
// broadcasts them.
type ActuatorStatusHandler struct{ deps Deps }

// NewActuatorStatusHandler creates a handler.
func NewActuatorStatusHandler(deps Deps) *ActuatorStatusHandler {
	return &ActuatorStatusHandler{deps: deps.withDefaults()}
}

// Handle is registered against kaiser/<id>/esp/+/actuator/+/status.
func (h *ActuatorStatusHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	deviceID, gpio, err := h.deps.Codec.ParseActuatorTopic(topic)
	if err != nil {
		auditf(ctx, h.deps, "actuator_status_topic_parse_error", "", nil, model.SeverityWarning, map[string]any{"topic": topic, "error": err.Error()})
		return err
	}
	var p actuatorStatusPayload
	if err := unmarshalStrict(payload, &p); err != nil {
		auditf(ctx, h.deps, "actuator_status_invalid_payload", deviceID, gpioPtr(gpio), model.SeverityWarning, map[string]any{"error": err.Error()})
		return err
	}

	emergency := model.EmergencyNormal
	if p.EmergencyState != "" {
		emergency = model.EmergencyState(p.EmergencyState)
	}
	state := &model.ActuatorState{
		DeviceID:       deviceID,
		GPIO:           gpio,
		State:          p.State,
		PWMValue:       p.PWMValue,
		LastCommandTS:  normalizeTimestamp(p.Timestamp),
		EmergencyState: emergency,
	}
	if err := h.deps.DB.Actuators.UpsertState(ctx, state); err != nil {
		auditf(ctx, h.deps, "actuator_status_db_unavailable", deviceID, gpioPtr(gpio), model.SeverityCritical, map[string]any{"error": err.Error()})
		return kerrors.Wrap(kerrors.KindDBUnavailable, "upsert actuator state", err)
	}

	gv := gpio
	h.deps.Bus.Publish(events.Event{
		Timestamp: h.deps.Clock.Now(),
		Source:    events.SourceActuatorHandler,
		Kind:      events.KindActuatorStatus,
		DeviceID:  deviceID,
		GPIO:      &gv,
		Data: map[string]any{
			"device_id": deviceID,
			"gpio":      gpio,
			"state":     p.State,
			"pwm_value": p.PWMValue,
		},
	})
	return nil
}

// actuatorResponsePayload is a command acknowledgement.
type actuatorResponsePayload struct {
	Timestamp      int64   `json:"timestamp"`
	ESPID          string  `json:"esp_id"`
	GPIO           int     `json:"gpio"`
	Command        string  `json:"command"`
	Value          float64 `json:"value"`
	Success        bool    `json:"success"`
	Message        string  `json:"message"`
	DurationS      float64 `json:"duration_s"`
	EmergencyState string  `json:"emergency_state"`
	RequestID      string  `json:"request_id"`
}

// ResponseNotifier is the handler's view of the Logic Engine's inbound
// ack-delivery path — the other half of the cycle-breaking interface
// pair alongside logic.CommandPublisher.
type ResponseNotifier interface {
	NotifyActuatorResponse(requestID string, success bool, message string)
}

// ActuatorResponseHandler delivers a device's command acknowledgement
// both to the waiting Logic Engine action (if any) and to the persisted
// actuator state, then broadcasts it.
type ActuatorResponseHandler struct {
	deps   Deps
	engine ResponseNotifier
}

// NewActuatorResponseHandler creates a handler. engine may be nil in
// tests that only exercise persistence/broadcast.
func NewActuatorResponseHandler(deps Deps, engine ResponseNotifier) *ActuatorResponseHandler {
	return &ActuatorResponseHandler{deps: deps.withDefaults(), engine: engine}
}

// Handle is registered against kaiser/<id>/esp/+/actuator/+/response.
func (h *ActuatorResponseHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	deviceID, gpio, err := h.deps.Codec.ParseActuatorTopic(topic)
	if err != nil {
		auditf(ctx, h.deps, "actuator_response_topic_parse_error", "", nil, model.SeverityWarning, map[string]any{"topic": topic, "error": err.Error()})
		return err
	}
	var p actuatorResponsePayload
	if err := unmarshalStrict(payload, &p); err != nil {
		auditf(ctx, h.deps, "actuator_response_invalid_payload", deviceID, gpioPtr(gpio), model.SeverityWarning, map[string]any{"error": err.Error()})
		return err
	}

	if h.engine != nil && p.RequestID != "" {
		h.engine.NotifyActuatorResponse(p.RequestID, p.Success, p.Message)
	}

	emergency := model.EmergencyNormal
	if p.EmergencyState != "" {
		emergency = model.EmergencyState(p.EmergencyState)
	}
	state := &model.ActuatorState{
		DeviceID:       deviceID,
		GPIO:           gpio,
		State:          p.Command == "ON",
		PWMValue:       p.Value,
		LastCommandTS:  normalizeTimestamp(p.Timestamp),
		EmergencyState: emergency,
	}
	if err := h.deps.DB.Actuators.UpsertState(ctx, state); err != nil {
		auditf(ctx, h.deps, "actuator_response_db_unavailable", deviceID, gpioPtr(gpio), model.SeverityCritical, map[string]any{"error": err.Error()})
		return kerrors.Wrap(kerrors.KindDBUnavailable, "upsert actuator state", err)
	}

	gv := gpio
	h.deps.Bus.Publish(events.Event{
		Timestamp: h.deps.Clock.Now(),
		Source:    events.SourceActuatorHandler,
		Kind:      events.KindActuatorResponse,
		DeviceID:  deviceID,
		GPIO:      &gv,
		Data: map[string]any{
			"device_id": deviceID,
			"gpio":      gpio,
			"command":   p.Command,
			"success":   p.Success,
		},
	})
	return nil
}

// actuatorAlertPayload reports a device-side safety condition.
type actuatorAlertPayload struct {
	ESPID     string `json:"esp_id"`
	GPIO      int    `json:"gpio"`
	AlertType string `json:"alert_type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ActuatorAlertHandler records and broadcasts a safety alert. Alerts are
// always audited at error severity since a field device only raises one
// when a safety limit was crossed.
type ActuatorAlertHandler struct{ deps Deps }

// NewActuatorAlertHandler creates a handler.
func NewActuatorAlertHandler(deps Deps) *ActuatorAlertHandler {
	return &ActuatorAlertHandler{deps: deps.withDefaults()}
}

// Handle is registered against kaiser/<id>/esp/+/actuator/+/alert.
func (h *ActuatorAlertHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	deviceID, gpio, err := h.deps.Codec.ParseActuatorTopic(topic)
	if err != nil {
		auditf(ctx, h.deps, "actuator_alert_topic_parse_error", "", nil, model.SeverityWarning, map[string]any{"topic": topic, "error": err.Error()})
		return err
	}
	var p actuatorAlertPayload
	if err := unmarshalStrict(payload, &p); err != nil {
		auditf(ctx, h.deps, "actuator_alert_invalid_payload", deviceID, gpioPtr(gpio), model.SeverityWarning, map[string]any{"error": err.Error()})
		return err
	}

	auditf(ctx, h.deps, "actuator_alert", deviceID, gpioPtr(gpio), model.SeverityError, map[string]any{
		"alert_type": p.AlertType,
		"message":    p.Message,
	})

	gv := gpio
	h.deps.Bus.Publish(events.Event{
		Timestamp: h.deps.Clock.Now(),
		Source:    events.SourceActuatorHandler,
		Kind:      events.KindActuatorAlert,
		DeviceID:  deviceID,
		GPIO:      &gv,
		Data: map[string]any{
			"device_id":  deviceID,
			"gpio":       gpio,
			"alert_type": p.AlertType,
			"message":    p.Message,
		},
	})
	return nil
}
