package processors

import "github.com/Auto-one-Family/kaiser-core/internal/model"

// moisture processes a resistive/capacitive soil moisture probe by
// linearly mapping between a dry-air calibration anchor and a
// fully-saturated anchor. Some probes report a higher raw ADC value when
// drier (resistive) and some report lower (capacitive); "inverted" in
// calibration selects which convention applies.
type moisture struct{}

func newMoisture() *moisture { return &moisture{} }

func (p *moisture) SensorType() string { return "moisture" }

func (p *moisture) Process(raw float64, calibration map[string]float64, params map[string]float64) (Result, error) {
	dryRaw := calOr(calibration, "dry_raw", 3000)
	wetRaw := calOr(calibration, "wet_raw", 1200)
	inverted := calOr(calibration, "inverted", 0) != 0

	var pct float64
	if inverted {
		// Higher raw = wetter.
		pct = 100 * (raw - dryRaw) / (wetRaw - dryRaw)
	} else {
		// Higher raw = drier (typical resistive probe).
		pct = 100 * (dryRaw - raw) / (dryRaw - wetRaw)
	}

	quality := model.QualityGood
	if pct < 0 || pct > 100 {
		quality = model.QualityFair
	}
	return Result{Value: clamp(pct, 0, 100), Unit: "%", Quality: quality}, nil
}

func (p *moisture) Validate(raw float64) ValidationResult {
	if raw < 0 || raw > 4095 {
		return ValidationResult{Valid: false, Error: "raw ADC value outside 0..4095"}
	}
	return ValidationResult{Valid: true}
}

func (p *moisture) DefaultParams() map[string]float64 { return map[string]float64{} }
func (p *moisture) ValueRange() Range                 { return Range{Min: 0, Max: 100} }
func (p *moisture) RawValueRange() Range              { return Range{Min: 0, Max: 4095} }
