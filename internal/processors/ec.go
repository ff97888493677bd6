package processors

import (
	"fmt"

	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

// ec processes an electrical-conductivity probe, two-point calibrated
// against 1413 and 12880 µS/cm reference solutions, with temperature
// compensation: ec = ec_raw / (1 + 0.02*(T-25)).
type ec struct{}

func newEC() *ec { return &ec{} }

func (p *ec) SensorType() string { return "ec" }

func (p *ec) Process(raw float64, calibration map[string]float64, params map[string]float64) (Result, error) {
	lowRaw := calOr(calibration, "low_raw", 1000)
	lowRef := calOr(calibration, "low_ref", 1413)
	highRaw := calOr(calibration, "high_raw", 3000)
	highRef := calOr(calibration, "high_ref", 12880)

	if highRaw == lowRaw {
		return Result{}, fmt.Errorf("ec calibration points must differ: low_raw == high_raw (%v)", lowRaw)
	}

	slope := (highRef - lowRef) / (highRaw - lowRaw)
	ecRaw := lowRef + slope*(raw-lowRaw)

	tempC := paramOr(params, "temperature_c", 25.0)
	ecComp := ecRaw / (1 + 0.02*(tempC-25.0))

	unit := "uS/cm"
	value := ecComp
	switch paramOr(params, "output_unit", 0) {
	case 1: // mS/cm
		value = ecComp / 1000.0
		unit = "mS/cm"
	case 2: // ppm (0.5 conversion factor, common for NaCl-calibrated meters)
		value = ecComp * 0.5
		unit = "ppm"
	}

	quality := model.QualityGood
	if ecComp < 0 || ecComp > 20000 {
		quality = model.QualitySuspect
	}
	return Result{Value: value, Unit: unit, Quality: quality, Metadata: map[string]any{"ec_uS_cm": ecComp}}, nil
}

func (p *ec) Validate(raw float64) ValidationResult {
	if raw < 0 || raw > 4095 {
		return ValidationResult{Valid: false, Error: "raw ADC value outside 0..4095"}
	}
	return ValidationResult{Valid: true}
}

func (p *ec) DefaultParams() map[string]float64 {
	return map[string]float64{"temperature_c": 25.0, "output_unit": 0}
}
func (p *ec) ValueRange() Range    { return Range{Min: 0, Max: 20000} }
func (p *ec) RawValueRange() Range { return Range{Min: 0, Max: 4095} }

func (p *ec) Calibrate(points []CalibrationPoint, method string) (map[string]float64, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("ec calibration needs at least 2 points, got %d", len(points))
	}
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
		"low_raw": lo.Raw, "low_ref": lo.Reference,
		"high_raw": hi.Raw, "high_ref": hi.Reference,
	}, nil
}
