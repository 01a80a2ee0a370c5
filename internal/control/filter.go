package control

// FilterState is the exponential moving average carried between samples.
type FilterState struct {
	Pitch float64
	Roll  float64
}

// Apply moves each axis toward target by factor and returns the new filtered
// angles. No clamping is applied; only lag is introduced.
func (f *FilterState) Apply(target VehicleAngles, factor float64) VehicleAngles {
	f.Pitch += (target.PitchDeg - f.Pitch) * factor
	f.Roll += (target.RollDeg - f.Roll) * factor
	return f.Angles()
}

// Angles returns the current filtered angles.
func (f FilterState) Angles() VehicleAngles {
	return VehicleAngles{PitchDeg: f.Pitch, RollDeg: f.Roll}
}

// Reset returns the filter to level.
func (f *FilterState) Reset() {
	*f = FilterState{}
}
