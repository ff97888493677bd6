// Package processors implements the Pi-Enhanced Processor Registry
//: a catalogue of per-sensor-type transforms from raw
// ADC/digital readings to calibrated physical quantities plus a quality
// label. The registry is populated once at startup and is read-only
// thereafter; lookup is O(1).
package processors

import (
	"fmt"
	"sync"

	"github.com/Auto-one-Family/kaiser-core/internal/kerrors"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

// Range describes an inclusive [Min, Max] bound.
type Range struct {
	Min float64
	Max float64
}

// Result is a processor's output for one raw reading.
type Result struct {
	Value    float64
	Unit     string
	Quality  model.Quality
	Metadata map[string]any
}

// ValidationResult reports whether a raw value is physically plausible
// before it is run through Process.
type ValidationResult struct {
	Valid    bool
	Error    string
	Warnings []string
}

// CalibrationPoint pairs a raw observation with its known reference value,
// used by processors that support Calibrate.
type CalibrationPoint struct {
	Raw       float64
	Reference float64
}

// Processor is the capability set every sensor-type transform implements
//.
type Processor interface {
	SensorType() string
	Process(raw float64, calibration map[string]float64, params map[string]float64) (Result, error)
	Validate(raw float64) ValidationResult
	DefaultParams() map[string]float64
	ValueRange() Range
	RawValueRange() Range
}

// Calibratable is implemented by processors that support deriving a
// calibration map from paired raw/reference observations.
type Calibratable interface {
	Calibrate(points []CalibrationPoint, method string) (map[string]float64, error)
}

// Registry is the read-only-after-init sensor-type → Processor catalogue.
// Safe for concurrent reads; registration is expected to complete at
// startup before any lookups occur.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
	aliases    map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[string]Processor),
		aliases:    make(map[string]string),
	}
}

// Register adds a processor. Returns an error if its SensorType is
// already registered.
func (r *Registry) Register(p Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := p.SensorType()
	if _, exists := r.processors[key]; exists {
		return kerrors.New(kerrors.KindConfiguration, fmt.Sprintf("processor already registered for sensor type %q", key))
	}
	r.processors[key] = p
	return nil
}

// Alias registers an alternate name that resolves to a canonical sensor
// type, e.g. "temperature_sht31" → "sht31_temp".
func (r *Registry) Alias(alias, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = canonical
}

// Resolve normalises a raw sensor_type string through the alias table.
func (r *Registry) Resolve(sensorType string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[sensorType]; ok {
		return canonical
	}
	return sensorType
}

// Get looks up a processor by (already-resolved) sensor type. Returns a
// kerrors.KindProcessorMissing error if none is registered.
func (r *Registry) Get(sensorType string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[sensorType]
	if !ok {
		return nil, kerrors.New(kerrors.KindProcessorMissing, fmt.Sprintf("no processor registered for sensor type %q", sensorType))
	}
	return p, nil
}

// RegisterBuiltins registers the nine required built-in processors
// under their canonical sensor type keys, plus the
// aliases the field devices commonly publish under.
func RegisterBuiltins(r *Registry) error {
	builtins := []Processor{
		newDS18B20(),
		newSHT31Temp(),
		newSHT31Humidity(),
		newBMP280(),
		newPH(),
		newEC(),
		newMoisture(),
		newLight(),
		newCO2(),
		newFlow(),
	}
	for _, p := range builtins {
		if err := r.Register(p); err != nil {
			return err
		}
	}

	r.Alias("temperature_sht31", "sht31_temp")
	r.Alias("humidity_sht31", "sht31_humidity")
	r.Alias("temperature_ds18b20", "ds18b20")
	r.Alias("pressure_bmp280", "bmp280")
	r.Alias("ph_sensor", "ph")
	r.Alias("ec_sensor", "ec")
	r.Alias("soil_moisture", "moisture")
	r.Alias("light_sensor", "light")
	r.Alias("co2_sensor", "co2")
	r.Alias("flow_sensor", "flow")

	return nil
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func paramOr(params map[string]float64, key string, def float64) float64 {
	if params == nil {
		return def
	}
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

func calOr(cal map[string]float64, key string, def float64) float64 {
	if cal == nil {
		return def
	}
	if v, ok := cal[key]; ok {
		return v
	}
	return def
}
