package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Auto-one-Family/kaiser-core/internal/events"
)

func testEvent(kind, deviceID string, data map[string]any) events.Event {
	return events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSensorHandler,
		Kind:      kind,
		DeviceID:  deviceID,
		Data:      data,
	}
}

func TestClientWants(t *testing.T) {
	tests := []struct {
		name    string
		filters Filters
		event   events.Event
		want    bool
	}{
		{
			name:  "no filters receives everything",
			event: testEvent(events.KindSensorData, "ESP_A", nil),
			want:  true,
		},
		{
			name:    "type filter match",
			filters: Filters{Types: []string{"sensor_data"}},
			event:   testEvent(events.KindSensorData, "ESP_A", nil),
			want:    true,
		},
		{
			name:    "type filter mismatch",
			filters: Filters{Types: []string{"esp_health"}},
			event:   testEvent(events.KindSensorData, "ESP_A", nil),
			want:    false,
		},
		{
			name:    "esp filter match",
			filters: Filters{ESPIDs: []string{"ESP_A"}},
			event:   testEvent(events.KindSensorData, "ESP_A", nil),
			want:    true,
		},
		{
			name:    "esp filter mismatch",
			filters: Filters{ESPIDs: []string{"ESP_B"}},
			event:   testEvent(events.KindSensorData, "ESP_A", nil),
			want:    false,
		},
		{
			name:    "esp filter falls back to data esp_id",
			filters: Filters{ESPIDs: []string{"ESP_C"}},
			event:   testEvent(events.KindAuditEvent, "", map[string]any{"esp_id": "ESP_C"}),
			want:    true,
		},
		{
			name:    "sensor type filter mismatch",
			filters: Filters{SensorTypes: []string{"ph"}},
			event:   testEvent(events.KindSensorData, "ESP_A", map[string]any{"sensor_type": "ec"}),
			want:    false,
		},
		{
			name:  "mqtt mirror is opt-in",
			event: testEvent(events.KindMQTTMessage, "", nil),
			want:  false,
		},
		{
			name:    "mqtt mirror delivered when requested",
			filters: Filters{Types: []string{"mqtt_message"}},
			event:   testEvent(events.KindMQTTMessage, "", nil),
			want:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &client{filters: tt.filters}
			if got := c.wants(tt.event); got != tt.want {
				t.Errorf("wants() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientRateLimit(t *testing.T) {
	c := &client{}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		if !c.allow(now, 10) {
			t.Fatalf("delivery %d rejected inside budget", i)
		}
	}
	if c.allow(now, 10) {
		t.Fatal("11th delivery in the same second should be rejected")
	}

	// The window slides: a second later the budget is fresh.
	if !c.allow(now.Add(1100*time.Millisecond), 10) {
		t.Fatal("delivery after window slid should be accepted")
	}
}

func TestManagerEndToEnd(t *testing.T) {
	m := New(Config{PerClientPerSec: 100}, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(m.Handler))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the manager to register the connection.
	deadline := time.Now().Add(2 * time.Second)
	for m.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.ClientCount() != 1 {
		t.Fatalf("client count = %d, want 1", m.ClientCount())
	}

	m.Broadcast(testEvent(events.KindSensorData, "ESP_A", map[string]any{
		"device_id": "ESP_A",
		"value":     7.75,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := string(frame)
	if !strings.Contains(got, `"type":"sensor_data"`) || !strings.Contains(got, `"ESP_A"`) {
		t.Fatalf("unexpected frame: %s", got)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for m.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.ClientCount() != 0 {
		t.Fatal("disconnected client not swept")
	}
}

func TestManagerFilterUpdate(t *testing.T) {
	m := New(Config{PerClientPerSec: 100}, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(m.Handler))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"types":["esp_health"]}`)); err != nil {
		t.Fatalf("write filters: %v", err)
	}

	// Wait until the filter frame is applied.
	deadline := time.Now().Add(2 * time.Second)
	applied := false
	for time.Now().Before(deadline) {
		m.mu.RLock()
		for _, c := range m.clients {
			c.mu.Lock()
			applied = len(c.filters.Types) == 1
			c.mu.Unlock()
		}
		m.mu.RUnlock()
		if applied {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !applied {
		t.Fatal("filter frame never applied")
	}

	m.Broadcast(testEvent(events.KindSensorData, "ESP_A", nil))
	m.Broadcast(testEvent(events.KindESPHealth, "ESP_A", map[string]any{"status": "online"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(frame), `"type":"esp_health"`) {
		t.Fatalf("filtered client received wrong event: %s", frame)
	}
}
