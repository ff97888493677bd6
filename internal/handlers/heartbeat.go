package handlers

import (
	"context"

	"github.com/Auto-one-Family/kaiser-core/internal/events"
	"github.com/Auto-one-Family/kaiser-core/internal/kerrors"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

// heartbeatPayload is the wire shape of a device heartbeat.
type heartbeatPayload struct {
	ESPID         string  `json:"esp_id"`
	TS            int64   `json:"ts"`
	Uptime        int64   `json:"uptime"`
	HeapFree      *int64  `json:"heap_free"`
	WifiRSSI      *int    `json:"wifi_rssi"`
	SensorCount   int     `json:"sensor_count"`
	ActuatorCount int     `json:"actuator_count"`
	State         string  `json:"state"`
	ZoneID        *string `json:"zone_id"`
	ZoneAssigned  bool    `json:"zone_assigned"`
}

// HeartbeatHandler implements heartbeat ingestion: validate, reject
// unknown devices, upsert telemetry, broadcast. Online/warning/offline derivation is a
// read-side concern handled separately by the device timeout sweep
// (internal/scheduler) since it depends on wall-clock time at query
// time, not at ingestion time.
type HeartbeatHandler struct {
	deps Deps
}

// NewHeartbeatHandler creates a handler.
func NewHeartbeatHandler(deps Deps) *HeartbeatHandler {
	return &HeartbeatHandler{deps: deps.withDefaults()}
}

// Handle is registered against kaiser/<id>/esp/+/system/heartbeat.
func (h *HeartbeatHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	deviceID, err := h.deps.Codec.ParseDeviceTopic(topic)
	if err != nil {
		auditf(ctx, h.deps, "heartbeat_topic_parse_error", "", nil, model.SeverityWarning, map[string]any{"topic": topic, "error": err.Error()})
		return err
	}

	var p heartbeatPayload
	if err := unmarshalStrict(payload, &p); err != nil {
		auditf(ctx, h.deps, "heartbeat_invalid_payload", deviceID, nil, model.SeverityWarning, map[string]any{"error": err.Error()})
		return err
	}
	if p.ESPID == "" || p.ESPID != deviceID {
		err := kerrors.New(kerrors.KindValidation, "heartbeat esp_id missing or mismatched with topic")
		auditf(ctx, h.deps, "heartbeat_invalid_payload", deviceID, nil, model.SeverityWarning, map[string]any{"error": err.Error()})
		return err
	}

	// Step 2: auto-registration disabled — unknown devices are dropped.
	if _, err := h.deps.DB.Devices.GetByExternalID(ctx, deviceID); err != nil {
		if kerrors.Is(err, kerrors.KindNotFound) {
			auditf(ctx, h.deps, "heartbeat_unknown_device", deviceID, nil, model.SeverityInfo, nil)
			return kerrors.New(kerrors.KindUnknownDevice, "heartbeat for unregistered device "+deviceID)
		}
		auditf(ctx, h.deps, "heartbeat_db_unavailable", deviceID, nil, model.SeverityCritical, map[string]any{"error": err.Error()})
		return kerrors.Wrap(kerrors.KindDBUnavailable, "lookup device", err)
	}

	// Step 3: update lastSeen, telemetry, and zone assignment atomically.
	seenAt := normalizeTimestamp(p.TS)
	if err := h.deps.DB.Devices.UpdateHeartbeat(ctx, deviceID, seenAt, p.HeapFree, p.WifiRSSI); err != nil {
		auditf(ctx, h.deps, "heartbeat_db_unavailable", deviceID, nil, model.SeverityCritical, map[string]any{"error": err.Error()})
		return kerrors.Wrap(kerrors.KindDBUnavailable, "update heartbeat", err)
	}
	if p.ZoneID != nil {
		if err := h.deps.DB.Devices.SetZone(ctx, deviceID, p.ZoneID); err != nil {
			h.deps.Logger.Warn("update zone from heartbeat failed", "device_id", deviceID, "error", err)
		}
	}

	// Step 4: broadcast.
	h.deps.Bus.Publish(events.Event{
		Timestamp: h.deps.Clock.Now(),
		Source:    events.SourceHealthHandler,
		Kind:      events.KindESPHealth,
		DeviceID:  deviceID,
		Data: map[string]any{
			"device_id": deviceID,
			"status":    model.DeviceOnline,
			"heap_free": p.HeapFree,
			"wifi_rssi": p.WifiRSSI,
			"uptime":    p.Uptime,
			"state":     p.State,
		},
	})
	h.deps.Bus.Publish(events.Event{
		Timestamp: h.deps.Clock.Now(),
		Source:    events.SourceHealthHandler,
		Kind:      events.KindESPStatus,
		DeviceID:  deviceID,
		Data: map[string]any{
			"device_id": deviceID,
			"status":    model.DeviceOnline,
		},
	})

	return nil
}
