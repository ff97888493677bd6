// Package ws fans server-side events out to operator browser clients
// over WebSocket. Each client registers subscription filters on connect;
// broadcasts apply those filters plus a per-client rate limit, and every
// socket write is fire-and-forget so a slow or dead client can never
// stall the sensor or actuator pipeline feeding the bus.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Auto-one-Family/kaiser-core/internal/clock"
	"github.com/Auto-one-Family/kaiser-core/internal/events"
	"github.com/Auto-one-Family/kaiser-core/internal/metrics"
)

// Filters narrows which events one client receives. Empty slices mean
// "no restriction" for that dimension.
type Filters struct {
	Types       []string `json:"types"`
	ESPIDs      []string `json:"esp_ids"`
	SensorTypes []string `json:"sensor_types"`
}

// envelope is the wire shape of every outbound frame.
type envelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// client is one connected operator UI.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	filters Filters
	window  []time.Time
}

// Config controls the fan-out limits.
type Config struct {
	// PerClientPerSec caps deliveries to one client; overflow frames are
	// dropped, not queued. Default 10.
	PerClientPerSec int
	// SendBuffer is each client's outbound channel depth. Default 64.
	SendBuffer int
}

func (c Config) withDefaults() Config {
	if c.PerClientPerSec <= 0 {
		c.PerClientPerSec = 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// Manager owns the client set and the bus subscription feeding it.
type Manager struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	stopOnce sync.Once
}

// New creates a Manager. Call Run with a bus subscription to start
// broadcasting, and use Handler as the HTTP upgrade endpoint.
func New(cfg Config, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		clock:  clk,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			// Operator UIs are served from arbitrary origins in
			// development; access control lives at the reverse proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Run consumes bus events until ctx is cancelled, broadcasting each to
// the connected clients. Intended to be started once, as a goroutine,
// from the startup sequence.
func (m *Manager) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(256)
	defer bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			m.Broadcast(e)
		}
	}
}

// Handler upgrades an HTTP request to a WebSocket session. The first
// (optional) text frame from the client carries its Filters; later
// frames replace them, so a UI can retune its subscription without
// reconnecting.
func (m *Manager) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, m.cfg.SendBuffer),
	}

	m.mu.Lock()
	m.clients[c.id] = c
	n := len(m.clients)
	m.mu.Unlock()
	metrics.WSClients.Set(float64(n))
	m.logger.Info("websocket client connected", "client_id", c.id, "remote", r.RemoteAddr, "clients", n)

	go m.writePump(c)
	m.readPump(c)
}

// Broadcast delivers one event to every client whose filters match and
// whose rate budget allows it. Safe to call from any goroutine.
func (m *Manager) Broadcast(e events.Event) {
	env := envelope{Type: e.Kind, Data: e.Data}
	frame, err := json.Marshal(env)
	if err != nil {
		m.logger.Error("websocket marshal failed", "kind", e.Kind, "error", err)
		return
	}

	m.mu.RLock()
	targets := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	now := m.clock.Now()
	for _, c := range targets {
		if !c.wants(e) {
			continue
		}
		if !c.allow(now, m.cfg.PerClientPerSec) {
			metrics.WSDropped.Inc()
			continue
		}
		select {
		case c.send <- frame:
		default:
			// Slow consumer: drop rather than queue unbounded.
			metrics.WSDropped.Inc()
		}
	}
}

// ClientCount reports the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// wants applies the client's subscription filters.
func (c *client) wants(e events.Event) bool {
	c.mu.Lock()
	f := c.filters
	c.mu.Unlock()

	// The raw MQTT mirror is opt-in only: a firehose of every broker
	// message is debug tooling, not something a dashboard should get by
	// default.
	if e.Kind == events.KindMQTTMessage && !contains(f.Types, e.Kind) {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, e.Kind) {
		return false
	}
	if len(f.ESPIDs) > 0 {
		id := e.DeviceID
		if id == "" {
			if v, ok := e.Data["esp_id"].(string); ok {
				id = v
			}
		}
		if id != "" && !contains(f.ESPIDs, id) {
			return false
		}
	}
	if len(f.SensorTypes) > 0 {
		if st, ok := e.Data["sensor_type"].(string); ok && !contains(f.SensorTypes, st) {
			return false
		}
	}
	return true
}

// allow is a sliding-window budget check over the last second.
func (c *client) allow(now time.Time, budget int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-time.Second)
	kept := c.window[:0]
	for _, t := range c.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.window = kept
	if len(c.window) >= budget {
		return false
	}
	c.window = append(c.window, now)
	return true
}

func (c *client) setFilters(f Filters) {
	c.mu.Lock()
	c.filters = f
	c.mu.Unlock()
}

// readPump consumes inbound frames (filter updates and pings) until the
// client disconnects, then removes it from the set.
func (m *Manager) readPump(c *client) {
	defer m.remove(c)
	c.conn.SetReadLimit(64 * 1024)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Filters
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Debug("websocket ignoring malformed filter frame", "client_id", c.id, "error", err)
			continue
		}
		c.setFilters(f)
		m.logger.Debug("websocket filters updated", "client_id", c.id,
			"types", len(f.Types), "esp_ids", len(f.ESPIDs), "sensor_types", len(f.SensorTypes))
	}
}

// writePump drains the client's send channel onto the socket. A write
// error marks the socket dead; readPump's exit performs the removal.
func (m *Manager) writePump(c *client) {
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			m.logger.Debug("websocket write failed", "client_id", c.id, "error", err)
			c.conn.Close()
			return
		}
	}
}

func (m *Manager) remove(c *client) {
	m.mu.Lock()
	_, present := m.clients[c.id]
	delete(m.clients, c.id)
	n := len(m.clients)
	m.mu.Unlock()
	if !present {
		return
	}
	close(c.send)
	c.conn.Close()
	metrics.WSClients.Set(float64(n))
	m.logger.Info("websocket client disconnected", "client_id", c.id, "clients", n)
}

func (m *Manager) closeAll() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		clients := make([]*client, 0, len(m.clients))
		for _, c := range m.clients {
			clients = append(clients, c)
		}
		m.mu.Unlock()
		for _, c := range clients {
			m.remove(c)
		}
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
