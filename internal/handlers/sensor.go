package handlers

import (
	"context"
	"fmt"

	"github.com/Auto-one-Family/kaiser-core/internal/events"
	"github.com/Auto-one-Family/kaiser-core/internal/kerrors"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
	"github.com/Auto-one-Family/kaiser-core/internal/processors"
)

// SensorEngine is the handler's narrow view of the Logic Engine — only
// the event-driven entry point is needed, fired as a background task
//.
type SensorEngine interface {
	EvaluateSensorData(ctx context.Context, deviceID string, gpio int, sensorType string, value float64)
}

// ActuatorCommandResponder is the handler's view of the MQTT client's
// Pi-Enhanced response publish.
type SensorResponder interface {
	PublishSensorProcessed(ctx context.Context, deviceID string, gpio int, value float64, unit string, quality model.Quality) error
}

// sensorDataPayload is the wire shape of an inbound sensor reading
//. Fields marked omitempty on the way out are optional
// here on the way in.
type sensorDataPayload struct {
	TS         int64    `json:"ts"`
	ESPID      string   `json:"esp_id"`
	GPIO       int      `json:"gpio"`
	SensorType any      `json:"sensor_type"`
	Raw        *float64 `json:"raw"`
	RawMode    bool     `json:"raw_mode"`
	Value      *float64 `json:"value"`
	Unit       string   `json:"unit"`
	Quality    string   `json:"quality"`
	ZoneID     *string  `json:"zone_id"`
	SubzoneID  *string  `json:"subzone_id"`
}

// SensorDataHandler implements the 9-step sensor ingestion pipeline
//, the hardest single piece of the system: topic/payload
// validation, optional Pi-Enhanced processing, idempotent persistence,
// a non-blocking websocket broadcast, and a fire-and-forget Logic Engine
// trigger.
type SensorDataHandler struct {
	deps      Deps
	registry  *processors.Registry
	responder SensorResponder
	engine    SensorEngine
}

// NewSensorDataHandler creates a handler. responder and engine may be
// nil in tests that only exercise the persistence/validation path.
func NewSensorDataHandler(deps Deps, registry *processors.Registry, responder SensorResponder, engine SensorEngine) *SensorDataHandler {
	return &SensorDataHandler{deps: deps.withDefaults(), registry: registry, responder: responder, engine: engine}
}

// Handle is registered against kaiser/<id>/esp/+/sensor/+/data.
func (h *SensorDataHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	deviceID, gpio, err := h.deps.Codec.ParseSensorTopic(topic)
	if err != nil {
		auditf(ctx, h.deps, "sensor_data_topic_parse_error", "", nil, model.SeverityWarning, map[string]any{"topic": topic, "error": err.Error()})
		return err
	}

	var p sensorDataPayload
	if err := unmarshalStrict(payload, &p); err != nil {
		auditf(ctx, h.deps, "sensor_data_invalid_payload", deviceID, gpioPtr(gpio), model.SeverityWarning, map[string]any{"error": err.Error()})
		return err
	}

	sensorType, ok := p.SensorType.(string)
	if p.SensorType != nil && !ok {
		err := kerrors.New(kerrors.KindValidation, "sensor_type must be a string")
		auditf(ctx, h.deps, "sensor_data_invalid_sensor_type", deviceID, gpioPtr(gpio), model.SeverityWarning, nil)
		return err
	}
	if p.ESPID == "" {
		err := missingField("esp_id")
		auditf(ctx, h.deps, "sensor_data_invalid_payload", deviceID, gpioPtr(gpio), model.SeverityWarning, map[string]any{"error": err.Error()})
		return err
	}
	if sensorType == "" {
		err := missingField("sensor_type")
		auditf(ctx, h.deps, "sensor_data_invalid_payload", deviceID, gpioPtr(gpio), model.SeverityWarning, map[string]any{"error": err.Error()})
		return err
	}
	if p.RawMode && p.Raw == nil {
		err := missingField("raw")
		auditf(ctx, h.deps, "sensor_data_invalid_payload", deviceID, gpioPtr(gpio), model.SeverityWarning, map[string]any{"error": err.Error()})
		return err
	}
	if p.ESPID != deviceID || p.GPIO != gpio {
		err := kerrors.New(kerrors.KindValidation, fmt.Sprintf("payload ids (%s/%d) do not match topic ids (%s/%d)", p.ESPID, p.GPIO, deviceID, gpio))
		auditf(ctx, h.deps, "sensor_data_id_mismatch", deviceID, gpioPtr(gpio), model.SeverityWarning, map[string]any{"error": err.Error()})
		return err
	}

	reading := &model.SensorReading{
		DeviceID:  deviceID,
		GPIO:      gpio,
		Timestamp: normalizeTimestamp(p.TS),
		Source:    model.SourceProduction,
		Quality:   model.QualityUnknown,
		Unit:      p.Unit,
	}
	if p.Raw != nil {
		reading.RawValue = *p.Raw
	} else if p.Value != nil {
		reading.RawValue = *p.Value
	}
	if p.Quality != "" {
		reading.Quality = model.Quality(p.Quality)
	}

	cfg, err := h.deps.DB.Sensors.GetByDeviceAndGPIO(ctx, deviceID, gpio)
	switch {
	case kerrors.Is(err, kerrors.KindNotFound):
		// Step 4: unconfigured sensor. Persist the raw reading untouched.
	case err != nil:
		auditf(ctx, h.deps, "sensor_data_db_unavailable", deviceID, gpioPtr(gpio), model.SeverityCritical, map[string]any{"error": err.Error()})
		return kerrors.Wrap(kerrors.KindDBUnavailable, "lookup sensor config", err)
	default:
		reading.Quality = model.QualityGood
		if cfg.PiEnhanced && p.RawMode && h.registry != nil {
			h.process(ctx, cfg, p, reading)
		}
	}

	if err := h.deps.DB.Sensors.SaveReading(ctx, reading); err != nil {
		auditf(ctx, h.deps, "sensor_data_db_unavailable", deviceID, gpioPtr(gpio), model.SeverityCritical, map[string]any{"error": err.Error()})
		return kerrors.Wrap(kerrors.KindDBUnavailable, "save reading", err)
	}

	gpioVal := gpio
	h.deps.Bus.Publish(events.Event{
		Timestamp: h.deps.Clock.Now(),
		Source:    events.SourceSensorHandler,
		Kind:      events.KindSensorData,
		DeviceID:  deviceID,
		GPIO:      &gpioVal,
		Data: map[string]any{
			"device_id":   deviceID,
			"gpio":        gpio,
			"sensor_type": sensorType,
			"value":       effectiveValue(reading),
			"unit":        reading.Unit,
			"quality":     reading.Quality,
			"ts":          reading.Timestamp.Unix(),
		},
	})

	if h.engine != nil {
		value := effectiveValue(reading)
		go h.evaluateSafely(deviceID, gpio, sensorType, value)
	}

	return nil
}

func (h *SensorDataHandler) process(ctx context.Context, cfg *model.SensorConfig, p sensorDataPayload, reading *model.SensorReading) {
	sensorType, _ := p.SensorType.(string)
	canonical := h.registry.Resolve(sensorType)
	proc, err := h.registry.Get(canonical)
	if err != nil {
		reading.Quality = model.QualityError
		reading.ErrorCode = string(kerrors.KindOf(err))
		auditf(ctx, h.deps, "sensor_processor_missing", reading.DeviceID, gpioPtr(reading.GPIO), model.SeverityError, map[string]any{"sensor_type": canonical})
		return
	}

	result, err := proc.Process(*p.Raw, cfg.Calibration, nil)
	if err != nil {
		reading.Quality = model.QualityError
		reading.ErrorCode = string(kerrors.KindProcessorFailure)
		auditf(ctx, h.deps, "sensor_processor_failure", reading.DeviceID, gpioPtr(reading.GPIO), model.SeverityError, map[string]any{"sensor_type": canonical, "error": err.Error()})
		return
	}

	if result.Quality == model.QualityError {
		// The processor recognised a hardware fault (e.g. a DS18B20 bus
		// read failure): no engineering value exists for this sample.
		reading.ProcessedValue = nil
		reading.Quality = model.QualityError
		reading.ErrorCode = string(kerrors.KindProcessorFailure)
		if fault, ok := result.Metadata["fault"].(string); ok {
			reading.ErrorCode = fault
		}
		auditf(ctx, h.deps, "sensor_fault", reading.DeviceID, gpioPtr(reading.GPIO), model.SeverityError, map[string]any{
			"sensor_type": canonical,
			"error_code":  reading.ErrorCode,
		})
		return
	}

	reading.ProcessedValue = &result.Value
	reading.Unit = result.Unit
	reading.Quality = result.Quality

	if h.responder != nil {
		if err := h.responder.PublishSensorProcessed(ctx, reading.DeviceID, reading.GPIO, result.Value, result.Unit, result.Quality); err != nil {
			h.deps.Logger.Warn("publish processed reading failed", "device_id", reading.DeviceID, "gpio", reading.GPIO, "error", err)
		}
	}
}

func (h *SensorDataHandler) evaluateSafely(deviceID string, gpio int, sensorType string, value float64) {
	defer func() {
		if r := recover(); r != nil {
			h.deps.Logger.Error("logic evaluation panicked", "device_id", deviceID, "gpio", gpio, "panic", r)
		}
	}()
	h.engine.EvaluateSensorData(context.Background(), deviceID, gpio, sensorType, value)
}

func effectiveValue(r *model.SensorReading) float64 {
	if r.ProcessedValue != nil {
		return *r.ProcessedValue
	}
	return r.RawValue
}
