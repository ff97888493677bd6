// Package topics builds and parses the kaiser/<kaiserId>/esp/<deviceId>/...
// MQTT topic namespace. Build operations are pure string
// formatting; parse operations return a typed result or a parse error so
// the dispatcher can route without repeated ad-hoc string splitting.
package topics

import (
	"strconv"
	"strings"

	"github.com/Auto-one-Family/kaiser-core/internal/kerrors"
)

// DefaultKaiserID is the literal namespace root used when configuration
// does not override it.
const DefaultKaiserID = "god"

// Category identifies the topic segment following the device ID.
type Category string

const (
	CategorySensor      Category = "sensor"
	CategoryActuator    Category = "actuator"
	CategorySystem      Category = "system"
	CategoryConfig      Category = "config_response"
	CategoryZone        Category = "zone"
	CategorySubzone     Category = "subzone"
	CategoryLWT         Category = "lwt"
)

// Verb identifies the final topic segment (the action/payload kind).
type Verb string

const (
	VerbData       Verb = "data"
	VerbStatus     Verb = "status"
	VerbResponse   Verb = "response"
	VerbAlert      Verb = "alert"
	VerbHeartbeat  Verb = "heartbeat"
	VerbDiagnostics Verb = "diagnostics"
	VerbAck        Verb = "ack"
	VerbCommand    Verb = "command"
	VerbProcessed  Verb = "processed"
	VerbConfig     Verb = "config"
	VerbAssign     Verb = "assign"
)

// Codec builds and parses topics rooted at a single kaiser namespace.
type Codec struct {
	kaiserID string
}

// New creates a Codec for the given kaiser namespace. An empty id falls
// back to DefaultKaiserID.
func New(kaiserID string) *Codec {
	if kaiserID == "" {
		kaiserID = DefaultKaiserID
	}
	return &Codec{kaiserID: kaiserID}
}

// KaiserID returns the namespace root this codec builds/parses under.
func (c *Codec) KaiserID() string { return c.kaiserID }

func (c *Codec) base() string { return "kaiser/" + c.kaiserID }

// Parsed is the typed result of parsing an inbound topic.
type Parsed struct {
	KaiserID string
	DeviceID string
	Category Category
	GPIO     string // empty when the category has no GPIO segment
	Verb     Verb
}

// --- Inbound (device -> server) subscription patterns ---

// SensorDataPattern returns the subscription filter for inbound sensor data.
func (c *Codec) SensorDataPattern() string {
	return c.base() + "/esp/+/sensor/+/data"
}

// ActuatorStatusPattern returns the subscription filter for actuator status.
func (c *Codec) ActuatorStatusPattern() string {
	return c.base() + "/esp/+/actuator/+/status"
}

// ActuatorResponsePattern returns the subscription filter for command acks.
func (c *Codec) ActuatorResponsePattern() string {
	return c.base() + "/esp/+/actuator/+/response"
}

// ActuatorAlertPattern returns the subscription filter for safety alerts.
func (c *Codec) ActuatorAlertPattern() string {
	return c.base() + "/esp/+/actuator/+/alert"
}

// HeartbeatPattern returns the subscription filter for device heartbeats.
func (c *Codec) HeartbeatPattern() string {
	return c.base() + "/esp/+/system/heartbeat"
}

// DiagnosticsPattern returns the subscription filter for health details.
func (c *Codec) DiagnosticsPattern() string {
	return c.base() + "/esp/+/system/diagnostics"
}

// ConfigResponsePattern returns the subscription filter for config acks.
func (c *Codec) ConfigResponsePattern() string {
	return c.base() + "/esp/+/config_response"
}

// ZoneAckPattern returns the subscription filter for zone assignment acks.
func (c *Codec) ZoneAckPattern() string {
	return c.base() + "/esp/+/zone/ack"
}

// SubzoneAckPattern returns the subscription filter for subzone acks.
func (c *Codec) SubzoneAckPattern() string {
	return c.base() + "/esp/+/subzone/ack"
}

// LWTPattern returns the subscription filter for last-will messages.
func (c *Codec) LWTPattern() string {
	return c.base() + "/esp/+/lwt"
}

// Subscription pairs one inbound topic filter with its QoS.
type Subscription struct {
	Pattern string
	QoS     byte
}

// AllPatterns returns every inbound subscription filter and its QoS,
// in the fixed registration order used by the dispatcher.
func (c *Codec) AllPatterns() []Subscription {
	return []Subscription{
		{c.SensorDataPattern(), 1},
		{c.ActuatorStatusPattern(), 1},
		{c.ActuatorResponsePattern(), 1},
		{c.ActuatorAlertPattern(), 1},
		{c.HeartbeatPattern(), 0},
		{c.DiagnosticsPattern(), 1},
		{c.ConfigResponsePattern(), 2},
		{c.ZoneAckPattern(), 1},
		{c.SubzoneAckPattern(), 1},
		{c.LWTPattern(), 1},
	}
}

// --- Outbound (server -> device) topic builders ---

// ActuatorCommand builds the outbound actuator command topic.
func (c *Codec) ActuatorCommand(deviceID string, gpio int) string {
	return c.deviceBase(deviceID) + "/actuator/" + strconv.Itoa(gpio) + "/command"
}

// SensorCommand builds the outbound on-demand sensor read topic.
func (c *Codec) SensorCommand(deviceID string, gpio int) string {
	return c.deviceBase(deviceID) + "/sensor/" + strconv.Itoa(gpio) + "/command"
}

// SensorProcessed builds the outbound Pi-Enhanced result topic.
func (c *Codec) SensorProcessed(deviceID string, gpio int) string {
	return c.deviceBase(deviceID) + "/sensor/" + strconv.Itoa(gpio) + "/processed"
}

// DeviceConfig builds the outbound config push topic.
func (c *Codec) DeviceConfig(deviceID string) string {
	return c.deviceBase(deviceID) + "/config"
}

// ZoneAssign builds the outbound zone assignment topic.
func (c *Codec) ZoneAssign(deviceID string) string {
	return c.deviceBase(deviceID) + "/zone/assign"
}

// SubzoneAssign builds the outbound subzone assignment topic.
func (c *Codec) SubzoneAssign(deviceID string) string {
	return c.deviceBase(deviceID) + "/subzone/assign"
}

// BroadcastEmergency builds the fleet-wide emergency-stop topic.
func (c *Codec) BroadcastEmergency() string {
	return c.base() + "/broadcast/emergency"
}

func (c *Codec) deviceBase(deviceID string) string {
	return c.base() + "/esp/" + deviceID
}

// --- Parsing ---

// ParseSensorTopic extracts (deviceID, gpio) from a sensor data/command/
// processed topic of the form kaiser/<kid>/esp/<deviceId>/sensor/<gpio>/<verb>.
func (c *Codec) ParseSensorTopic(topic string) (deviceID string, gpio int, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 7 || parts[0] != "kaiser" || parts[2] != "esp" || parts[4] != "sensor" {
		return "", 0, kerrors.New(kerrors.KindTopicParse, "malformed sensor topic: "+topic)
	}
	gpio, convErr := strconv.Atoi(parts[5])
	if convErr != nil {
		return "", 0, kerrors.Wrap(kerrors.KindTopicParse, "non-numeric gpio in topic: "+topic, convErr)
	}
	return parts[3], gpio, nil
}

// ParseActuatorTopic extracts (deviceID, gpio) from an actuator status/
// response/alert/command topic.
func (c *Codec) ParseActuatorTopic(topic string) (deviceID string, gpio int, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 7 || parts[0] != "kaiser" || parts[2] != "esp" || parts[4] != "actuator" {
		return "", 0, kerrors.New(kerrors.KindTopicParse, "malformed actuator topic: "+topic)
	}
	gpio, convErr := strconv.Atoi(parts[5])
	if convErr != nil {
		return "", 0, kerrors.Wrap(kerrors.KindTopicParse, "non-numeric gpio in topic: "+topic, convErr)
	}
	return parts[3], gpio, nil
}

// ParseDeviceTopic extracts the deviceID from any topic of the form
// kaiser/<kid>/esp/<deviceId>/<rest...>, ignoring the remainder.
func (c *Codec) ParseDeviceTopic(topic string) (deviceID string, err error) {
	parts := strings.SplitN(topic, "/", 5)
	if len(parts) < 4 || parts[0] != "kaiser" || parts[2] != "esp" {
		return "", kerrors.New(kerrors.KindTopicParse, "malformed device topic: "+topic)
	}
	return parts[3], nil
}

// Match reports whether topic satisfies the MQTT wildcard pattern
// (single-level '+' and multi-level '#'). Matching is case-sensitive and
// exact outside of wildcard positions.
func Match(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")

	for i, seg := range pp {
		if seg == "#" {
			return true // multi-level wildcard matches the remainder, including zero segments
		}
		if i >= len(tp) {
			return false
		}
		if seg == "+" {
			continue
		}
		if seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}

