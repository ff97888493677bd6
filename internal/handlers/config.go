package handlers

import (
	"context"

	"github.com/Auto-one-Family/kaiser-core/internal/events"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

// configResponsePayload acknowledges a PublishDeviceConfig push.
type configResponsePayload struct {
	ESPID   string `json:"esp_id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ConfigResponseHandler records a device's acknowledgement of a config
// push. There is nothing to persist beyond the audit trail — the
// config itself already lives in sensors/actuators config tables and
// was pushed from there.
type ConfigResponseHandler struct{ deps Deps }

// NewConfigResponseHandler creates a handler.
func NewConfigResponseHandler(deps Deps) *ConfigResponseHandler {
	return &ConfigResponseHandler{deps: deps.withDefaults()}
}

// Handle is registered against kaiser/<id>/esp/+/config_response.
func (h *ConfigResponseHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	deviceID, err := h.deps.Codec.ParseDeviceTopic(topic)
	if err != nil {
		auditf(ctx, h.deps, "config_response_topic_parse_error", "", nil, model.SeverityWarning, map[string]any{"topic": topic, "error": err.Error()})
		return err
	}
	var p configResponsePayload
	if err := unmarshalStrict(payload, &p); err != nil {
		auditf(ctx, h.deps, "config_response_invalid_payload", deviceID, nil, model.SeverityWarning, map[string]any{"error": err.Error()})
		return err
	}

	sev := model.SeverityInfo
	if !p.Success {
		sev = model.SeverityWarning
	}
	auditf(ctx, h.deps, "config_response", deviceID, nil, sev, map[string]any{
		"success": p.Success,
		"message": p.Message,
	})

	h.deps.Bus.Publish(events.Event{
		Timestamp: h.deps.Clock.Now(),
		Source:    events.SourceActuatorHandler,
		Kind:      events.KindConfigResponse,
		DeviceID:  deviceID,
		Data: map[string]any{
			"device_id": deviceID,
			"success":   p.Success,
		},
	})
	return nil
}
