package processors

import "github.com/Auto-one-Family/kaiser-core/internal/model"

// ds18b20 processes the DS18B20 one-wire temperature sensor. The device
// already returns degrees Celsius; this processor's job is fault
// detection (the sensor reports -127 on a bus read failure and 85 as its
// power-on reset value) and physical-range clamping.
type ds18b20 struct{}

func newDS18B20() *ds18b20 { return &ds18b20{} }

func (p *ds18b20) SensorType() string { return "ds18b20" }

func (p *ds18b20) Process(raw float64, calibration map[string]float64, params map[string]float64) (Result, error) {
	offset := calOr(calibration, "offset", 0)
	v := raw + offset

	if raw == -127 {
		return Result{Value: 0, Unit: "C", Quality: model.QualityError, Metadata: map[string]any{"fault": "bus_read_failure"}}, nil
	}

	quality := model.QualityGood
	meta := map[string]any{}
	if raw == 85 {
		quality = model.QualitySuspect
		meta["note"] = "power_on_reset_value"
	}

	v = clamp(v, -55, 125)
	return Result{Value: v, Unit: "C", Quality: quality, Metadata: meta}, nil
}

func (p *ds18b20) Validate(raw float64) ValidationResult {
	if raw == -127 {
		return ValidationResult{Valid: false, Error: "bus read failure (-127)"}
	}
	var warnings []string
	if raw == 85 {
		warnings = append(warnings, "reads as power-on reset value")
	}
	if raw < -55 || raw > 125 {
		warnings = append(warnings, "outside datasheet range -55..125C")
	}
	return ValidationResult{Valid: true, Warnings: warnings}
}

func (p *ds18b20) DefaultParams() map[string]float64 { return map[string]float64{} }
func (p *ds18b20) ValueRange() Range                 { return Range{Min: -55, Max: 125} }
func (p *ds18b20) RawValueRange() Range              { return Range{Min: -55, Max: 125} }
