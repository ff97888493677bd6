package processors

import (
	"fmt"

	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

// ph processes an analog pH probe. Raw input is a 0..4095 ADC reading (or
// a voltage if "voltage_mode" param is set); a 2-point calibration
// (calibration keys "ph4_raw"/"ph4_ref" and "ph7_raw"/"ph7_ref") maps raw
// to pH linearly. Optional temperature compensation nudges slope per °C
// deviation from 25°C.
type ph struct{}

func newPH() *ph { return &ph{} }

func (p *ph) SensorType() string { return "ph" }

func (p *ph) Process(raw float64, calibration map[string]float64, params map[string]float64) (Result, error) {
	// A pre-computed linear calibration (keys "slope"/"offset") wins over
	// the 2-point form; probes calibrated off-line ship their fit
	// directly.
	if slope, ok := calibration["slope"]; ok {
		v := slope*raw + calOr(calibration, "offset", 0)
		if tempC, ok := params["temperature_c"]; ok {
			v += 0.03 * (tempC - 25.0)
		}
		quality := model.QualityGood
		if v < 0 || v > 14 {
			quality = model.QualitySuspect
		}
		return Result{Value: clamp(v, 0, 14), Unit: "pH", Quality: quality}, nil
	}

	lowRaw := calOr(calibration, "ph4_raw", 3000)
	lowRef := calOr(calibration, "ph4_ref", 4.0)
	highRaw := calOr(calibration, "ph7_raw", 1500)
	highRef := calOr(calibration, "ph7_ref", 7.0)

	if highRaw == lowRaw {
		return Result{}, fmt.Errorf("ph calibration points must differ: ph4_raw == ph7_raw (%v)", lowRaw)
	}

	slope := (highRef - lowRef) / (highRaw - lowRaw)
	v := lowRef + slope*(raw-lowRaw)

	if tempC, ok := params["temperature_c"]; ok {
		v += 0.03 * (tempC - 25.0) // empirical Nernstian drift compensation
	}

	quality := model.QualityGood
	if v < 0 || v > 14 {
		quality = model.QualitySuspect
	}
	return Result{Value: clamp(v, 0, 14), Unit: "pH", Quality: quality}, nil
}

func (p *ph) Validate(raw float64) ValidationResult {
	if raw < 0 || raw > 4095 {
		return ValidationResult{Valid: false, Error: "raw ADC value outside 0..4095"}
	}
	return ValidationResult{Valid: true}
}

func (p *ph) DefaultParams() map[string]float64 { return map[string]float64{"temperature_c": 25.0} }
func (p *ph) ValueRange() Range                 { return Range{Min: 0, Max: 14} }
func (p *ph) RawValueRange() Range              { return Range{Min: 0, Max: 4095} }

func (p *ph) Calibrate(points []CalibrationPoint, method string) (map[string]float64, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("ph calibration needs at least 2 points, got %d", len(points))
	}
	// Use the two points bracketing the widest reference spread.
	lo, hi := points[0], points[0]
	for _, pt := range points[1:] {
		if pt.Reference < lo.Reference {
			lo = pt
		}
		if pt.Reference > hi.Reference {
			hi = pt
		}
	}
	return map[string]float64{
		"ph4_raw": lo.Raw, "ph4_ref": lo.Reference,
		"ph7_raw": hi.Raw, "ph7_ref": hi.Reference,
	}, nil
}
