package control

import (
	"math"
	"testing"
)

func TestFilterStateApply(t *testing.T) {
	var f FilterState
	target := VehicleAngles{PitchDeg: 10, RollDeg: -20}

	got := f.Apply(target, 0.3)
	if math.Abs(got.PitchDeg-3) > 1e-9 || math.Abs(got.RollDeg+6) > 1e-9 {
		t.Fatalf("first step = %+v, want pitch=3 roll=-6", got)
	}

	got = f.Apply(target, 0.3)
	if math.Abs(got.PitchDeg-5.1) > 1e-9 || math.Abs(got.RollDeg+10.2) > 1e-9 {
		t.Fatalf("second step = %+v, want pitch=5.1 roll=-10.2", got)
	}
}

func TestFilterStateConverges(t *testing.T) {
	var f FilterState
	target := VehicleAngles{PitchDeg: 500, RollDeg: -500}
	for range 200 {
		f.Apply(target, 0.3)
	}
	if math.Abs(f.Pitch-500) > 1e-6 || math.Abs(f.Roll+500) > 1e-6 {
		t.Errorf("filter did not converge without clamping: %+v", f)
	}
}

func TestFilterStateZeroFactorHolds(t *testing.T) {
	f := FilterState{Pitch: 4, Roll: 2}
	got := f.Apply(VehicleAngles{PitchDeg: 90, RollDeg: 90}, 0)
	if got.PitchDeg != 4 || got.RollDeg != 2 {
		t.Errorf("factor 0 moved the filter: %+v", got)
	}
}

func TestFilterStateReset(t *testing.T) {
	f := FilterState{Pitch: 4, Roll: 2}
	f.Reset()
	if f != (FilterState{}) {
		t.Errorf("Reset left %+v", f)
	}
}
