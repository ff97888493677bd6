package processors

import "github.com/Auto-one-Family/kaiser-core/internal/model"

// light processes an ambient-light sensor that already reports lux
// (computed on-device by the sensor's own library). It adds an optional
// lux→footcandle conversion and a qualitative level label.
type light struct{}

func newLight() *light { return &light{} }

func (p *light) SensorType() string { return "light" }

func (p *light) Process(raw float64, calibration map[string]float64, params map[string]float64) (Result, error) {
	lux := raw + calOr(calibration, "offset", 0)
	unit := "lux"
	value := lux
	if paramOr(params, "footcandles", 0) != 0 {
		value = lux / 10.7639
		unit = "fc"
	}

	return Result{
		Value:   value,
		Unit:    unit,
		Quality: model.QualityGood,
		Metadata: map[string]any{
			"level": lightLevel(lux),
		},
	}, nil
}

func lightLevel(lux float64) string {
	switch {
	case lux < 50:
		return "dark"
	case lux < 500:
		return "dim"
	case lux < 10000:
		return "normal"
	default:
		return "bright"
	}
}

func (p *light) Validate(raw float64) ValidationResult {
	if raw < 0 {
		return ValidationResult{Valid: false, Error: "lux reading cannot be negative"}
	}
	return ValidationResult{Valid: true}
}

func (p *light) DefaultParams() map[string]float64 { return map[string]float64{"footcandles": 0} }
func (p *light) ValueRange() Range                 { return Range{Min: 0, Max: 120000} }
func (p *light) RawValueRange() Range              { return Range{Min: 0, Max: 120000} }
