package mqttclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

func nowUnix() int64 { return time.Now().Unix() }

// actuatorCommandPayload is the outbound wire shape for an actuator
// command.
type actuatorCommandPayload struct {
	Command   string   `json:"command"`
	Value     float64  `json:"value"`
	DurationS *float64 `json:"duration_s,omitempty"`
	RequestID string   `json:"request_id"`
	Timestamp int64    `json:"timestamp"`
}

// PublishActuatorCommand sends a command to one actuator. Satisfies
// logic.CommandPublisher, the narrow interface the Logic Engine uses to
// avoid importing this package directly.
func (c *Client) PublishActuatorCommand(ctx context.Context, deviceID string, gpio int, command string, value float64, durationS *float64, requestID string) error {
	body, err := json.Marshal(actuatorCommandPayload{
		Command:   command,
		Value:     value,
		DurationS: durationS,
		RequestID: requestID,
		Timestamp: nowUnix(),
	})
	if err != nil {
		return fmt.Errorf("marshal actuator command: %w", err)
	}
	return c.Publish(ctx, c.codec.ActuatorCommand(deviceID, gpio), body, 1, false)
}

// sensorCommandPayload requests an on-demand read from a field device.
type sensorCommandPayload struct {
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
}

// PublishSensorCommand requests an on-demand sensor read.
func (c *Client) PublishSensorCommand(ctx context.Context, deviceID string, gpio int, requestID string) error {
	body, err := json.Marshal(sensorCommandPayload{RequestID: requestID, Timestamp: nowUnix()})
	if err != nil {
		return fmt.Errorf("marshal sensor command: %w", err)
	}
	return c.Publish(ctx, c.codec.SensorCommand(deviceID, gpio), body, 1, false)
}

// processedResponsePayload is the Pi-Enhanced result handed back to the
// device that published the raw reading.
type processedResponsePayload struct {
	Value   float64 `json:"value"`
	Unit    string  `json:"unit"`
	Quality string  `json:"quality"`
	TS      int64   `json:"ts"`
}

// PublishSensorProcessed sends a Pi-Enhanced processing result back to the
// device that published the raw reading.
func (c *Client) PublishSensorProcessed(ctx context.Context, deviceID string, gpio int, value float64, unit string, quality model.Quality) error {
	body, err := json.Marshal(processedResponsePayload{Value: value, Unit: unit, Quality: string(quality), TS: nowUnix()})
	if err != nil {
		return fmt.Errorf("marshal processed response: %w", err)
	}
	return c.Publish(ctx, c.codec.SensorProcessed(deviceID, gpio), body, 1, false)
}

// PublishDeviceConfig pushes an arbitrary config blob to one device.
func (c *Client) PublishDeviceConfig(ctx context.Context, deviceID string, config map[string]any) error {
	body, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal device config: %w", err)
	}
	return c.Publish(ctx, c.codec.DeviceConfig(deviceID), body, 2, false)
}

type zoneAssignPayload struct {
	ZoneID string `json:"zone_id"`
}

// PublishZoneAssign assigns a device to a zone.
func (c *Client) PublishZoneAssign(ctx context.Context, deviceID, zoneID string) error {
	body, err := json.Marshal(zoneAssignPayload{ZoneID: zoneID})
	if err != nil {
		return fmt.Errorf("marshal zone assignment: %w", err)
	}
	return c.Publish(ctx, c.codec.ZoneAssign(deviceID), body, 1, false)
}

// PublishEmergencyStop broadcasts a fleet-wide emergency stop.
func (c *Client) PublishEmergencyStop(ctx context.Context, reason string) error {
	body, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return fmt.Errorf("marshal emergency stop: %w", err)
	}
	return c.Publish(ctx, c.codec.BroadcastEmergency(), body, 1, false)
}
