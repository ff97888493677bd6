package processors

import (
	"testing"

	"github.com/Auto-one-Family/kaiser-core/internal/kerrors"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

func TestRegisterBuiltinsPopulatesRegistry(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}

	for _, want := range []string{"ds18b20", "sht31_temp", "sht31_humidity", "bmp280", "ph", "ec", "moisture", "light", "co2", "flow"} {
		if _, err := r.Get(want); err != nil {
			t.Errorf("Get(%q) error = %v", want, err)
		}
	}
}

func TestDuplicateRegistrationIsError(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(newDS18B20()); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := r.Register(newDS18B20()); kerrors.KindOf(err) != kerrors.KindConfiguration {
		t.Errorf("expected KindConfiguration on duplicate, got %v", err)
	}
}

func TestResolveAlias(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	if got := r.Resolve("temperature_sht31"); got != "sht31_temp" {
		t.Errorf("Resolve(temperature_sht31) = %q, want sht31_temp", got)
	}
	if got := r.Resolve("unaliased_type"); got != "unaliased_type" {
		t.Errorf("Resolve(unaliased_type) = %q, want passthrough", got)
	}
}

func TestGetMissingProcessor(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("nonexistent"); kerrors.KindOf(err) != kerrors.KindProcessorMissing {
		t.Errorf("expected KindProcessorMissing, got %v", err)
	}
}

func TestDS18B20FaultAndClamp(t *testing.T) {
	p := newDS18B20()

	res, err := p.Process(-127, nil, nil)
	if err != nil {
		t.Fatalf("Process(-127) error = %v", err)
	}
	if res.Quality != model.QualityError {
		t.Errorf("Quality = %v, want error for bus-read-failure value", res.Quality)
	}

	res, err = p.Process(200, nil, nil)
	if err != nil {
		t.Fatalf("Process(200) error = %v", err)
	}
	if res.Value != 125 {
		t.Errorf("Value = %v, want clamped to 125", res.Value)
	}
}

func TestPHTwoPointCalibration(t *testing.T) {
	p := newPH()
	cal := map[string]float64{"ph4_raw": 3000, "ph4_ref": 4.0, "ph7_raw": 1500, "ph7_ref": 7.0}

	res, err := p.Process(1500, cal, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Value < 6.9 || res.Value > 7.1 {
		t.Errorf("Value = %v, want ~7.0 at the ph7 calibration raw point", res.Value)
	}
}

func TestECTemperatureCompensation(t *testing.T) {
	p := newEC()
	params := map[string]float64{"temperature_c": 35.0}
	res, err := p.Process(2000, nil, params)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Value <= 0 {
		t.Errorf("Value = %v, want positive EC reading", res.Value)
	}
}

func TestMoistureInvertedVsNormal(t *testing.T) {
	p := newMoisture()

	normal, _ := p.Process(1200, map[string]float64{"dry_raw": 3000, "wet_raw": 1200}, nil)
	if normal.Value < 99 {
		t.Errorf("normal-mode wet_raw input should read near 100%%, got %v", normal.Value)
	}

	inverted, _ := p.Process(1200, map[string]float64{"dry_raw": 3000, "wet_raw": 1200, "inverted": 1}, nil)
	if inverted.Value > 1 {
		t.Errorf("inverted-mode wet_raw input should read near 0%%, got %v", inverted.Value)
	}
}

func TestCO2IAQBands(t *testing.T) {
	p := newCO2()
	cases := []struct {
		ppm  float64
		want string
	}{{500, "excellent"}, {800, "good"}, {1200, "fair"}, {1800, "poor"}, {2500, "bad"}}
	for _, tc := range cases {
		res, _ := p.Process(tc.ppm, nil, nil)
		if res.Metadata["iaq"] != tc.want {
			t.Errorf("Process(%v).Metadata[iaq] = %v, want %v", tc.ppm, res.Metadata["iaq"], tc.want)
		}
	}
}

func TestFlowConversions(t *testing.T) {
	p := newFlow()
	res, err := p.Process(2.0, nil, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Value != 2.0 {
		t.Errorf("Value = %v, want 2.0 L/min pass-through", res.Value)
	}
	if res.Metadata["ml_per_min"] != 2000.0 {
		t.Errorf("ml_per_min = %v, want 2000", res.Metadata["ml_per_min"])
	}
}
