package processors

import "github.com/Auto-one-Family/kaiser-core/internal/model"

// co2 processes a CO2 ppm sensor, attaching an IAQ (indoor air quality)
// label banding: excellent < 600 < good < 1000 < fair <
// 1500 < poor < 2000 < bad.
type co2 struct{}

func newCO2() *co2 { return &co2{} }

func (p *co2) SensorType() string { return "co2" }

func (p *co2) Process(raw float64, calibration map[string]float64, params map[string]float64) (Result, error) {
	ppm := raw + calOr(calibration, "offset", 0)

	quality := model.QualityGood
	if ppm < 0 || ppm > 10000 {
		quality = model.QualitySuspect
	}

	return Result{
		Value:   clamp(ppm, 0, 10000),
		Unit:    "ppm",
		Quality: quality,
		Metadata: map[string]any{
			"iaq": co2IAQLabel(ppm),
		},
	}, nil
}

func co2IAQLabel(ppm float64) string {
	switch {
	case ppm < 600:
		return "excellent"
	case ppm < 1000:
		return "good"
	case ppm < 1500:
		return "fair"
	case ppm < 2000:
		return "poor"
	default:
		return "bad"
	}
}

func (p *co2) Validate(raw float64) ValidationResult {
	if raw < 0 {
		return ValidationResult{Valid: false, Error: "co2 ppm cannot be negative"}
	}
	var warnings []string
	if raw > 5000 {
		warnings = append(warnings, "above typical sensor range, check calibration")
	}
	return ValidationResult{Valid: true, Warnings: warnings}
}

func (p *co2) DefaultParams() map[string]float64 { return map[string]float64{} }
func (p *co2) ValueRange() Range                 { return Range{Min: 0, Max: 10000} }
func (p *co2) RawValueRange() Range              { return Range{Min: 0, Max: 10000} }
