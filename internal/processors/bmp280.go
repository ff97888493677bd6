package processors

import (
	"math"

	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

// bmp280 processes the BMP280 barometric pressure sensor. The raw value
// is already hPa; an optional sea-level correction (calibration key
// "altitude_m") converts station pressure to sea-level-equivalent
// pressure using the standard barometric formula.
type bmp280 struct{}

func newBMP280() *bmp280 { return &bmp280{} }

func (p *bmp280) SensorType() string { return "bmp280" }

func (p *bmp280) Process(raw float64, calibration map[string]float64, params map[string]float64) (Result, error) {
	v := raw
	meta := map[string]any{}

	if alt, ok := calibration["altitude_m"]; ok && alt != 0 {
		v = raw / math.Pow(1-alt/44330.0, 5.255)
		meta["sea_level_corrected"] = true
		meta["altitude_m"] = alt
	}

	quality := model.QualityGood
	if v < 300 || v > 1100 {
		quality = model.QualitySuspect
	}

	return Result{Value: clamp(v, 300, 1100), Unit: "hPa", Quality: quality, Metadata: meta}, nil
}

func (p *bmp280) Validate(raw float64) ValidationResult {
	if raw < 300 || raw > 1100 {
		return ValidationResult{Valid: true, Warnings: []string{"outside typical 300..1100hPa range"}}
	}
	return ValidationResult{Valid: true}
}

func (p *bmp280) DefaultParams() map[string]float64 { return map[string]float64{} }
func (p *bmp280) ValueRange() Range                 { return Range{Min: 300, Max: 1100} }
func (p *bmp280) RawValueRange() Range              { return Range{Min: 300, Max: 1100} }
