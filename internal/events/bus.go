// Package events is a nil-safe publish/subscribe bus carrying the
// operational events the WebSocket Manager fans out to operator UIs
// and, separately, the events the Logic Engine consumes to
// trigger rule evaluation. Publish is non-blocking: a slow subscriber
// misses events rather than stalling the sensor/actuator pipeline.
package events

import (
	"sync"
	"time"
)

// Source identifies which pipeline stage published an event.
type Source string

const (
	SourceSensorHandler   Source = "sensor_handler"
	SourceHealthHandler   Source = "health_handler"
	SourceActuatorHandler Source = "actuator_handler"
	SourceLogicEngine     Source = "logic_engine"
	SourceWebsocket       Source = "websocket"
	SourceMQTT            Source = "mqtt"
	SourceAudit           Source = "audit"
)

// Kind identifies the websocket event catalogue, plus the
// internal mqtt_message kind used to drive Logic Engine triggers.
const (
	// KindSensorData: new processed/raw reading. Data: device_id, gpio,
	// sensor_type, value, unit, quality, ts.
	KindSensorData = "sensor_data"
	// KindESPHealth: a device heartbeat or status transition. Data:
	// device_id, status, heap_free, wifi_rssi.
	KindESPHealth = "esp_health"
	// KindESPStatus: mirrors KindESPHealth for UI components that filter
	// on the narrower "status-only" event name.
	KindESPStatus = "esp_status"
	// KindESPOffline: the timeout sweep declared a device offline. Data:
	// device_id, last_seen, status.
	KindESPOffline = "esp_offline"
	// KindActuatorStatus: an actuator's last-known state changed. Data:
	// device_id, gpio, state, pwm_value.
	KindActuatorStatus = "actuator_status"
	// KindActuatorResponse: a device acknowledged a command. Data:
	// device_id, gpio, command, success.
	KindActuatorResponse = "actuator_response"
	// KindActuatorAlert: a device reported a safety condition. Data:
	// device_id, gpio, alert_type, message.
	KindActuatorAlert = "actuator_alert"
	// KindConfigResponse: a device acknowledged a config push. Data:
	// device_id, success.
	KindConfigResponse = "config_response"
	// KindZoneAssigned: a device's zone/subzone assignment changed. Data:
	// device_id, zone_id, subzone_id.
	KindZoneAssigned = "zone_assigned"
	// KindAuditEvent: mirrors an AuditLog append for live operator feeds.
	// Data: event_type, device_id, severity, details.
	KindAuditEvent = "audit_event"
	// KindLogicExecution: a logic rule fired. Data: rule_id, rule_name,
	// success, duration_ms.
	KindLogicExecution = "logic_execution"
	// KindLogicNotification: a rule's notification action fired. Data:
	// rule_id, rule_name, message.
	KindLogicNotification = "logic_notification"
	// KindMQTTMessage: internal-only, not broadcast to websocket clients —
	// used to fan raw (topic, payload) pairs into components that need
	// them outside the dispatcher's handler table (e.g. audit mirroring).
	KindMQTTMessage = "mqtt_message"
)

// Event is one published occurrence. DeviceID and GPIO are duplicated out
// of Data for cheap filtering in the WebSocket Manager without a map
// lookup.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    Source         `json:"source"`
	Kind      string         `json:"kind"`
	DeviceID  string         `json:"device_id,omitempty"`
	GPIO      *int           `json:"gpio,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Safe for concurrent use and
// nil-safe: Publish/SubscriberCount on a nil *Bus are no-ops.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends e to every subscriber. Non-blocking: a full subscriber
// channel drops the event for that subscriber rather than stalling the
// caller (the sensor/actuator handler pipeline must never block on a
// slow UI client).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving every published Event. Callers
// must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Safe to call twice.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount reports the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
