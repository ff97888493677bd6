package processors

import "github.com/Auto-one-Family/kaiser-core/internal/model"

// flow processes a liquid-flow sensor that reports L/min pre-computed
// on-device (pulse counting done in firmware). This processor is a
// pass-through that adds the ml/min and gal/min unit conversions the UI
// displays alongside the canonical L/min value.
type flow struct{}

func newFlow() *flow { return &flow{} }

func (p *flow) SensorType() string { return "flow" }

func (p *flow) Process(raw float64, calibration map[string]float64, params map[string]float64) (Result, error) {
	lpm := raw * calOr(calibration, "scale", 1.0)

	quality := model.QualityGood
	if lpm < 0 {
		quality = model.QualityError
		lpm = 0
	}

	return Result{
		Value:   lpm,
		Unit:    "L/min",
		Quality: quality,
		Metadata: map[string]any{
			"ml_per_min":  lpm * 1000,
			"gal_per_min": lpm * 0.264172,
		},
	}, nil
}

func (p *flow) Validate(raw float64) ValidationResult {
	if raw < 0 {
		return ValidationResult{Valid: false, Error: "flow rate cannot be negative"}
	}
	return ValidationResult{Valid: true}
}

func (p *flow) DefaultParams() map[string]float64 { return map[string]float64{} }
func (p *flow) ValueRange() Range                 { return Range{Min: 0, Max: 100} }
func (p *flow) RawValueRange() Range              { return Range{Min: 0, Max: 100} }
