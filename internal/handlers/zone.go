package handlers

import (
	"context"

	"github.com/Auto-one-Family/kaiser-core/internal/events"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

// zoneAckPayload acknowledges a PublishZoneAssign / PublishSubzoneAssign
// push.
type zoneAckPayload struct {
	ESPID   string `json:"esp_id"`
	ZoneID  string `json:"zone_id"`
	Success bool   `json:"success"`
}

// ZoneAckHandler persists a confirmed zone assignment. Subzone
// assignments are audited and broadcast only: model.Device
// carries no subzone column, so there is nowhere to persist one — the
// subzone is scoping metadata the sensor/actuator configs themselves
// carry, not the device row.
type ZoneAckHandler struct {
	deps      Deps
	isSubzone bool
}

// NewZoneAckHandler creates the zone/ack handler.
func NewZoneAckHandler(deps Deps) *ZoneAckHandler {
	return &ZoneAckHandler{deps: deps.withDefaults()}
}

// NewSubzoneAckHandler creates the subzone/ack handler.
func NewSubzoneAckHandler(deps Deps) *ZoneAckHandler {
	return &ZoneAckHandler{deps: deps.withDefaults(), isSubzone: true}
}

// Handle is registered against kaiser/<id>/esp/+/zone/ack or
// kaiser/<id>/esp/+/subzone/ack.
func (h *ZoneAckHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	eventPrefix := "zone_ack"
	if h.isSubzone {
		eventPrefix = "subzone_ack"
	}

	deviceID, err := h.deps.Codec.ParseDeviceTopic(topic)
	if err != nil {
		auditf(ctx, h.deps, eventPrefix+"_topic_parse_error", "", nil, model.SeverityWarning, map[string]any{"topic": topic, "error": err.Error()})
		return err
	}
	var p zoneAckPayload
	if err := unmarshalStrict(payload, &p); err != nil {
		auditf(ctx, h.deps, eventPrefix+"_invalid_payload", deviceID, nil, model.SeverityWarning, map[string]any{"error": err.Error()})
		return err
	}

	if p.Success && !h.isSubzone {
		zoneID := p.ZoneID
		if err := h.deps.DB.Devices.SetZone(ctx, deviceID, &zoneID); err != nil {
			auditf(ctx, h.deps, eventPrefix+"_db_unavailable", deviceID, nil, model.SeverityCritical, map[string]any{"error": err.Error()})
			return err
		}
	}

	sev := model.SeverityInfo
	if !p.Success {
		sev = model.SeverityWarning
	}
	auditf(ctx, h.deps, eventPrefix, deviceID, nil, sev, map[string]any{
		"zone_id": p.ZoneID,
		"success": p.Success,
	})

	data := map[string]any{
		"device_id": deviceID,
		"zone_id":   p.ZoneID,
		"success":   p.Success,
	}
	if h.isSubzone {
		data["subzone_id"] = p.ZoneID
		delete(data, "zone_id")
	}
	h.deps.Bus.Publish(events.Event{
		Timestamp: h.deps.Clock.Now(),
		Source:    events.SourceActuatorHandler,
		Kind:      events.KindZoneAssigned,
		DeviceID:  deviceID,
		Data:      data,
	})
	return nil
}
