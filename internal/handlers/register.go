package handlers

import (
	"fmt"

	"github.com/Auto-one-Family/kaiser-core/internal/dispatch"
	"github.com/Auto-one-Family/kaiser-core/internal/processors"
)

// RegisterAll wires every inbound topic pattern to its handler on the
// dispatcher. Registration order is the match order, so the specific
// sensor/actuator patterns come before the catch-all device patterns.
// Sensor and actuator streams are keyed per (device, gpio) so readings
// for one sensor stay ordered while the fleet processes in parallel;
// heartbeats are keyed per device.
func RegisterAll(d *dispatch.Dispatcher, deps Deps, registry *processors.Registry, responder SensorResponder, engine SensorEngine, notifier ResponseNotifier) {
	codec := deps.Codec

	gpioKey := func(parse func(string) (string, int, error)) dispatch.KeyFunc {
		return func(topic string) string {
			deviceID, gpio, err := parse(topic)
			if err != nil {
				return ""
			}
			return fmt.Sprintf("%s/%d", deviceID, gpio)
		}
	}
	deviceKey := func(topic string) string {
		deviceID, err := codec.ParseDeviceTopic(topic)
		if err != nil {
			return ""
		}
		return deviceID
	}

	d.Register(codec.SensorDataPattern(),
		NewSensorDataHandler(deps, registry, responder, engine).Handle,
		gpioKey(codec.ParseSensorTopic))
	d.Register(codec.ActuatorStatusPattern(),
		NewActuatorStatusHandler(deps).Handle,
		gpioKey(codec.ParseActuatorTopic))
	d.Register(codec.ActuatorResponsePattern(),
		NewActuatorResponseHandler(deps, notifier).Handle,
		gpioKey(codec.ParseActuatorTopic))
	d.Register(codec.ActuatorAlertPattern(),
		NewActuatorAlertHandler(deps).Handle,
		gpioKey(codec.ParseActuatorTopic))
	d.Register(codec.HeartbeatPattern(),
		NewHeartbeatHandler(deps).Handle,
		deviceKey)
	d.Register(codec.DiagnosticsPattern(),
		NewDiagnosticsHandler(deps).Handle,
		deviceKey)
	d.Register(codec.ConfigResponsePattern(),
		NewConfigResponseHandler(deps).Handle,
		deviceKey)
	d.Register(codec.ZoneAckPattern(),
		NewZoneAckHandler(deps).Handle,
		deviceKey)
	d.Register(codec.SubzoneAckPattern(),
		NewSubzoneAckHandler(deps).Handle,
		deviceKey)
	d.Register(codec.LWTPattern(),
		NewLWTHandler(deps).Handle,
		deviceKey)
}
