package processors

import "github.com/Auto-one-Family/kaiser-core/internal/model"

// The SHT31 is a combined temperature/humidity sensor that reports both
// values already converted to engineering units. Because this pipeline's
// reading model is one (value, unit) pair per gpio, the device is
// registered as two independent processor entries — "sht31_temp" and
// "sht31_humidity" — rather than one processor returning a tuple
//.

type sht31Temp struct{}

func newSHT31Temp() *sht31Temp { return &sht31Temp{} }

func (p *sht31Temp) SensorType() string { return "sht31_temp" }

func (p *sht31Temp) Process(raw float64, calibration map[string]float64, params map[string]float64) (Result, error) {
	v := raw + calOr(calibration, "offset", 0)
	quality := model.QualityGood
	if v < -40 || v > 125 {
		quality = model.QualitySuspect
	}
	return Result{Value: clamp(v, -40, 125), Unit: "C", Quality: quality}, nil
}

func (p *sht31Temp) Validate(raw float64) ValidationResult {
	if raw < -40 || raw > 125 {
		return ValidationResult{Valid: true, Warnings: []string{"outside datasheet range -40..125C"}}
	}
	return ValidationResult{Valid: true}
}

func (p *sht31Temp) DefaultParams() map[string]float64 { return map[string]float64{} }
func (p *sht31Temp) ValueRange() Range                 { return Range{Min: -40, Max: 125} }
func (p *sht31Temp) RawValueRange() Range              { return Range{Min: -40, Max: 125} }

type sht31Humidity struct{}

func newSHT31Humidity() *sht31Humidity { return &sht31Humidity{} }

func (p *sht31Humidity) SensorType() string { return "sht31_humidity" }

func (p *sht31Humidity) Process(raw float64, calibration map[string]float64, params map[string]float64) (Result, error) {
	v := raw + calOr(calibration, "offset", 0)
	quality := model.QualityGood
	if v < 0 || v > 100 {
		quality = model.QualitySuspect
	}
	return Result{Value: clamp(v, 0, 100), Unit: "%RH", Quality: quality}, nil
}

func (p *sht31Humidity) Validate(raw float64) ValidationResult {
	if raw < 0 || raw > 100 {
		return ValidationResult{Valid: true, Warnings: []string{"outside 0..100%RH range"}}
	}
	return ValidationResult{Valid: true}
}

func (p *sht31Humidity) DefaultParams() map[string]float64 { return map[string]float64{} }
func (p *sht31Humidity) ValueRange() Range                 { return Range{Min: 0, Max: 100} }
func (p *sht31Humidity) RawValueRange() Range              { return Range{Min: 0, Max: 100} }
