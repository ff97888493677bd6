package handlers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Auto-one-Family/kaiser-core/internal/clock"
	"github.com/Auto-one-Family/kaiser-core/internal/events"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
	"github.com/Auto-one-Family/kaiser-core/internal/processors"
	"github.com/Auto-one-Family/kaiser-core/internal/repo"
	"github.com/Auto-one-Family/kaiser-core/internal/topics"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	db, err := repo.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return Deps{
		Codec: topics.New("god"),
		DB:    db,
		Bus:   events.New(),
		Clock: clock.NewMock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
}

func newTestRegistry(t *testing.T) *processors.Registry {
	t.Helper()
	r := processors.NewRegistry()
	if err := processors.RegisterBuiltins(r); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	return r
}

type fakeResponder struct {
	mu    sync.Mutex
	calls []struct {
		deviceID string
		gpio     int
		value    float64
		quality  model.Quality
	}
}

func (f *fakeResponder) PublishSensorProcessed(_ context.Context, deviceID string, gpio int, value float64, _ string, quality model.Quality) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, struct {
		deviceID string
		gpio     int
		value    float64
		quality  model.Quality
	}{deviceID, gpio, value, quality})
	return nil
}

type fakeEngine struct {
	triggered chan float64
}

func (f *fakeEngine) EvaluateSensorData(_ context.Context, _ string, _ int, _ string, value float64) {
	f.triggered <- value
}

func sensorTopic(deviceID string, gpio int) string {
	return fmt.Sprintf("kaiser/god/esp/%s/sensor/%d/data", deviceID, gpio)
}

func TestSensorPipeline_PiEnhanced(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	deps.DB.Devices.Create(ctx, "ESP_ABCDEF01", "god", nil)
	deps.DB.Sensors.Upsert(ctx, &model.SensorConfig{
		DeviceID:    "ESP_ABCDEF01",
		GPIO:        34,
		SensorType:  "ph",
		Enabled:     true,
		PiEnhanced:  true,
		Calibration: map[string]float64{"slope": 3.5, "offset": -1.0},
	})

	responder := &fakeResponder{}
	engine := &fakeEngine{triggered: make(chan float64, 1)}
	h := NewSensorDataHandler(deps, newTestRegistry(t), responder, engine)

	sub := deps.Bus.Subscribe(8)
	defer deps.Bus.Unsubscribe(sub)

	payload := []byte(`{"ts":1700000000,"esp_id":"ESP_ABCDEF01","gpio":34,"sensor_type":"ph","raw":2.5,"raw_mode":true}`)
	if err := h.Handle(ctx, sensorTopic("ESP_ABCDEF01", 34), payload); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	r, err := deps.DB.Sensors.GetLatestReading(ctx, "ESP_ABCDEF01", 34)
	if err != nil || r == nil {
		t.Fatalf("latest reading: %v (%v)", r, err)
	}
	if r.ProcessedValue == nil || *r.ProcessedValue != 7.75 {
		t.Fatalf("processed value = %v, want 7.75", r.ProcessedValue)
	}
	if r.Quality != model.QualityGood {
		t.Fatalf("quality = %q, want good", r.Quality)
	}
	if got := r.Timestamp.Unix(); got != 1700000000 {
		t.Fatalf("timestamp = %d, want 1700000000", got)
	}

	if len(responder.calls) != 1 || responder.calls[0].value != 7.75 {
		t.Fatalf("responder calls = %+v, want one call with 7.75", responder.calls)
	}

	select {
	case v := <-engine.triggered:
		if v != 7.75 {
			t.Fatalf("engine triggered with %v, want 7.75", v)
		}
	case <-time.After(time.Second):
		t.Fatal("logic engine never triggered")
	}

	select {
	case e := <-sub:
		if e.Kind != events.KindSensorData {
			t.Fatalf("broadcast kind = %q, want sensor_data", e.Kind)
		}
		if e.Data["value"] != 7.75 {
			t.Fatalf("broadcast value = %v, want 7.75", e.Data["value"])
		}
	default:
		t.Fatal("no sensor_data broadcast")
	}
}

func TestSensorPipeline_DS18B20Fault(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	deps.DB.Devices.Create(ctx, "ESP_00000002", "god", nil)
	deps.DB.Sensors.Upsert(ctx, &model.SensorConfig{
		DeviceID:   "ESP_00000002",
		GPIO:       4,
		SensorType: "ds18b20",
		Enabled:    true,
		PiEnhanced: true,
	})

	responder := &fakeResponder{}
	h := NewSensorDataHandler(deps, newTestRegistry(t), responder, nil)

	payload := []byte(`{"ts":1700000000,"esp_id":"ESP_00000002","gpio":4,"sensor_type":"ds18b20","raw":-127.0,"raw_mode":true}`)
	if err := h.Handle(ctx, sensorTopic("ESP_00000002", 4), payload); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	r, err := deps.DB.Sensors.GetLatestReading(ctx, "ESP_00000002", 4)
	if err != nil || r == nil {
		t.Fatalf("latest reading: %v (%v)", r, err)
	}
	if r.ProcessedValue != nil {
		t.Fatalf("processed value = %v, want nil on fault", *r.ProcessedValue)
	}
	if r.Quality != model.QualityError {
		t.Fatalf("quality = %q, want error", r.Quality)
	}
	if r.ErrorCode == "" {
		t.Fatal("error code missing on fault reading")
	}

	entries, _ := deps.DB.Audit.Recent(ctx, 10)
	found := false
	for _, e := range entries {
		if e.EventType == "sensor_fault" && e.Severity == model.SeverityError {
			found = true
		}
	}
	if !found {
		t.Fatal("no sensor_fault audit entry with severity error")
	}
}

func TestSensorPipeline_NoConfig(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	responder := &fakeResponder{}
	h := NewSensorDataHandler(deps, newTestRegistry(t), responder, nil)

	payload := []byte(`{"ts":1700000000,"esp_id":"ESP_00000003","gpio":12,"sensor_type":"moisture","raw":2100,"raw_mode":true}`)
	if err := h.Handle(ctx, sensorTopic("ESP_00000003", 12), payload); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	r, err := deps.DB.Sensors.GetLatestReading(ctx, "ESP_00000003", 12)
	if err != nil || r == nil {
		t.Fatalf("latest reading: %v (%v)", r, err)
	}
	if r.ProcessedValue != nil {
		t.Fatal("unconfigured sensor must not be processed")
	}
	if r.Quality != model.QualityUnknown {
		t.Fatalf("quality = %q, want unknown", r.Quality)
	}
	if len(responder.calls) != 0 {
		t.Fatalf("responder called for unconfigured sensor: %+v", responder.calls)
	}
}

func TestSensorPipeline_IDMismatch(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	h := NewSensorDataHandler(deps, newTestRegistry(t), nil, nil)

	payload := []byte(`{"ts":1700000000,"esp_id":"ESP_OTHER","gpio":12,"sensor_type":"ph","raw":1,"raw_mode":true}`)
	if err := h.Handle(ctx, sensorTopic("ESP_00000004", 12), payload); err == nil {
		t.Fatal("mismatched topic/payload ids should fail validation")
	}

	if r, _ := deps.DB.Sensors.GetLatestReading(ctx, "ESP_00000004", 12); r != nil {
		t.Fatal("reading persisted despite validation failure")
	}
}

func TestSensorPipeline_MissingRaw(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	h := NewSensorDataHandler(deps, newTestRegistry(t), nil, nil)

	payload := []byte(`{"ts":1700000000,"esp_id":"ESP_00000005","gpio":5,"sensor_type":"ph","raw_mode":true}`)
	if err := h.Handle(ctx, sensorTopic("ESP_00000005", 5), payload); err == nil {
		t.Fatal("raw_mode without raw should fail validation")
	}
}

func TestNormalizeTimestamp(t *testing.T) {
	tests := []struct {
		name string
		raw  int64
		want int64
	}{
		{"seconds stay seconds", 1_700_000_000, 1_700_000_000},
		{"milliseconds recognised", 1_700_000_000_000, 1_700_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeTimestamp(tt.raw).Unix()
			if got != tt.want {
				t.Errorf("normalizeTimestamp(%d).Unix() = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}
