package control

// Params are the resolved tuning values the pipeline runs with.
type Params struct {
	MaxPitchDeg       float64
	MaxRollDeg        float64
	SmoothingFactor   float64
	PitchThresholdDeg float64
	RollThresholdDeg  float64
}

// Reading is everything one sample produced, kept for status reporting.
type Reading struct {
	Mapped   VehicleAngles `json:"mapped"`
	Filtered VehicleAngles `json:"filtered"`
	Adjusted VehicleAngles `json:"adjusted"`
	Command  Command       `json:"command"`
}

// Pipeline chains mapping, smoothing, calibration and the response curves.
// The zero value is ready to use: level filter, zero offset.
type Pipeline struct {
	filter FilterState
	offset Offset
}

// Step runs one raw sample through the pipeline. It returns false, leaving
// the filter untouched, when the sample contains NaN or infinite angles.
func (p *Pipeline) Step(s RawMotionSample, o Orientation, params Params) (Reading, bool) {
	if !s.Finite() {
		return Reading{}, false
	}
	beta, gamma := s.Degrees()
	mapped := MapToVehicle(beta, gamma, o)
	filtered := p.filter.Apply(mapped, params.SmoothingFactor)
	adjusted := p.offset.Apply(filtered)

	return Reading{
		Mapped:   mapped,
		Filtered: filtered,
		Adjusted: adjusted,
		Command: Command{
			ThrottlePct: Throttle(adjusted.PitchDeg, params.MaxPitchDeg, params.PitchThresholdDeg),
			SteeringDeg: Steering(adjusted.RollDeg, params.MaxRollDeg, params.RollThresholdDeg),
		},
	}, true
}

// Calibrate takes the current filtered angles as the zero point.
func (p *Pipeline) Calibrate() Offset {
	p.offset = Calibrate(p.filter.Angles())
	return p.offset
}

// Offset returns the active zero point.
func (p *Pipeline) Offset() Offset {
	return p.offset
}

// SetOffset replaces the zero point, e.g. when restoring a saved calibration.
func (p *Pipeline) SetOffset(o Offset) {
	p.offset = o
}

// Filtered returns the current filter output.
func (p *Pipeline) Filtered() VehicleAngles {
	return p.filter.Angles()
}

// ResetFilter discards smoothing history. The offset is kept.
func (p *Pipeline) ResetFilter() {
	p.filter.Reset()
}
