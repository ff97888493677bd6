// Package handlers wires the MQTT topic catalogue to the
// sensor, health, actuator, config, zone, and LWT handling logic,
// registering each against an internal/dispatch.Dispatcher.
// Every handler follows the same shape: parse topic, validate payload,
// do its work, audit on failure, broadcast on success, and never return
// past the worker boundary unhandled.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Auto-one-Family/kaiser-core/internal/clock"
	"github.com/Auto-one-Family/kaiser-core/internal/events"
	"github.com/Auto-one-Family/kaiser-core/internal/kerrors"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
	"github.com/Auto-one-Family/kaiser-core/internal/repo"
	"github.com/Auto-one-Family/kaiser-core/internal/topics"
)

// normalizeTimestamp converts a raw ts field to a time.Time, treating
// magnitudes above 10^11 as milliseconds.
func normalizeTimestamp(raw int64) time.Time {
	if raw > 100_000_000_000 {
		return time.UnixMilli(raw).UTC()
	}
	return time.Unix(raw, 0).UTC()
}

// auditf appends an audit entry and mirrors it on the websocket bus as
// an audit_event, logging rather than failing the caller if the audit
// store itself is unavailable — audit logging is a side-channel, not a
// gate on the handler's primary outcome.
func auditf(ctx context.Context, d Deps, eventType, deviceID string, gpio *int, severity model.Severity, details map[string]any) {
	now := d.Clock.Now().UTC()
	if d.DB != nil && d.DB.Audit != nil {
		err := d.DB.Audit.Append(ctx, &model.AuditLog{
			Timestamp: now,
			EventType: eventType,
			DeviceID:  deviceID,
			GPIO:      gpio,
			Severity:  severity,
			Details:   details,
		})
		if err != nil {
			d.Logger.Error("audit append failed", "event_type", eventType, "device_id", deviceID, "error", err)
		}
	}
	d.Bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceAudit,
		Kind:      events.KindAuditEvent,
		DeviceID:  deviceID,
		GPIO:      gpio,
		Data: map[string]any{
			"event_type": eventType,
			"device_id":  deviceID,
			"severity":   severity,
			"details":    details,
		},
	})
}

// gpioPtr is a small helper for the frequent "take the address of a local
// int" pattern needed by AuditLog.GPIO.
func gpioPtr(gpio int) *int {
	v := gpio
	return &v
}

// Deps bundles the collaborators every handler needs. Passed once at
// construction; handlers hold no other state.
type Deps struct {
	Codec   *topics.Codec
	DB      *repo.DB
	Bus     *events.Bus
	Clock   clock.Clock
	Logger  *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

func unmarshalStrict(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return kerrors.Wrap(kerrors.KindValidation, "decode payload", err)
	}
	return nil
}

func missingField(field string) error {
	return kerrors.New(kerrors.KindValidation, fmt.Sprintf("missing required field %q", field))
}
