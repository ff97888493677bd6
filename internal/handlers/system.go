package handlers

import (
	"context"

	"github.com/Auto-one-Family/kaiser-core/internal/events"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

// LWTHandler consumes broker-generated last-will messages. A device's
// LWT fires when the broker loses its connection, ahead of the timeout
// sweep noticing the silence, so the device is flagged offline
// immediately.
type LWTHandler struct{ deps Deps }

// NewLWTHandler creates a handler.
func NewLWTHandler(deps Deps) *LWTHandler {
	return &LWTHandler{deps: deps.withDefaults()}
}

// Handle is registered against kaiser/<id>/esp/+/lwt.
func (h *LWTHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	deviceID, err := h.deps.Codec.ParseDeviceTopic(topic)
	if err != nil {
		auditf(ctx, h.deps, "lwt_topic_parse_error", "", nil, model.SeverityWarning, map[string]any{"topic": topic, "error": err.Error()})
		return err
	}

	if err := h.deps.DB.Devices.SetStatus(ctx, deviceID, model.DeviceOffline); err != nil {
		auditf(ctx, h.deps, "lwt_db_unavailable", deviceID, nil, model.SeverityCritical, map[string]any{"error": err.Error()})
		return err
	}

	auditf(ctx, h.deps, "device_lwt", deviceID, nil, model.SeverityWarning, map[string]any{
		"payload": string(payload),
	})

	h.deps.Bus.Publish(events.Event{
		Timestamp: h.deps.Clock.Now(),
		Source:    events.SourceHealthHandler,
		Kind:      events.KindESPOffline,
		DeviceID:  deviceID,
		Data: map[string]any{
			"device_id": deviceID,
			"status":    model.DeviceOffline,
			"reason":    "lwt",
		},
	})
	return nil
}

// diagnosticsPayload carries the extended health details a device
// publishes alongside its heartbeat.
type diagnosticsPayload struct {
	ESPID     string         `json:"esp_id"`
	TS        int64          `json:"ts"`
	HeapFree  *int64         `json:"heap_free"`
	WifiRSSI  *int           `json:"wifi_rssi"`
	Details   map[string]any `json:"details"`
	ErrorCode string         `json:"error_code"`
}

// DiagnosticsHandler records extended device health details. Unlike the
// heartbeat it carries free-form detail, so the whole payload lands in
// the audit trail for the operator UI.
type DiagnosticsHandler struct{ deps Deps }

// NewDiagnosticsHandler creates a handler.
func NewDiagnosticsHandler(deps Deps) *DiagnosticsHandler {
	return &DiagnosticsHandler{deps: deps.withDefaults()}
}

// Handle is registered against kaiser/<id>/esp/+/system/diagnostics.
func (h *DiagnosticsHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	deviceID, err := h.deps.Codec.ParseDeviceTopic(topic)
	if err != nil {
		auditf(ctx, h.deps, "diagnostics_topic_parse_error", "", nil, model.SeverityWarning, map[string]any{"topic": topic, "error": err.Error()})
		return err
	}
	var p diagnosticsPayload
	if err := unmarshalStrict(payload, &p); err != nil {
		auditf(ctx, h.deps, "diagnostics_invalid_payload", deviceID, nil, model.SeverityWarning, map[string]any{"error": err.Error()})
		return err
	}

	sev := model.SeverityInfo
	if p.ErrorCode != "" {
		sev = model.SeverityError
	}
	details := map[string]any{
		"heap_free": p.HeapFree,
		"wifi_rssi": p.WifiRSSI,
	}
	for k, v := range p.Details {
		details[k] = v
	}
	if p.ErrorCode != "" {
		details["error_code"] = p.ErrorCode
	}
	auditf(ctx, h.deps, "device_diagnostics", deviceID, nil, sev, details)

	h.deps.Bus.Publish(events.Event{
		Timestamp: h.deps.Clock.Now(),
		Source:    events.SourceHealthHandler,
		Kind:      events.KindESPHealth,
		DeviceID:  deviceID,
		Data: map[string]any{
			"device_id": deviceID,
			"heap_free": p.HeapFree,
			"wifi_rssi": p.WifiRSSI,
		},
	})
	return nil
}
