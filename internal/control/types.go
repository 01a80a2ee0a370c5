// Package control holds the signal path that turns handheld tilt readings into
// vehicle commands: orientation remapping, exponential smoothing, calibration
// and the throttle/steering response curves.
//
// Everything in this package is free of I/O and locking. Callers that share a
// Pipeline between goroutines are responsible for serialising access.
package control

import (
	"fmt"
	"math"
)

// SteeringCenter is the steering angle that drives straight ahead.
const SteeringCenter = 90

// Neutral is the command that stops the vehicle with the wheels centred.
var Neutral = Command{ThrottlePct: 0, SteeringDeg: SteeringCenter}

// RawMotionSample is one device-frame rotation reading from the motion sensor.
type RawMotionSample struct {
	BetaRad  float64 `json:"beta"`
	GammaRad float64 `json:"gamma"`
}

// Degrees converts the sample to degrees.
func (s RawMotionSample) Degrees() (betaDeg, gammaDeg float64) {
	return RadToDeg(s.BetaRad), RadToDeg(s.GammaRad)
}

// Finite reports whether both angles are usable numbers.
func (s RawMotionSample) Finite() bool {
	return isFinite(s.BetaRad) && isFinite(s.GammaRad)
}

// VehicleAngles is tilt expressed in the vehicle frame. Positive pitch means
// tilted forward (accelerate), positive roll means tilted right (steer right).
type VehicleAngles struct {
	PitchDeg float64 `json:"pitch_deg"`
	RollDeg  float64 `json:"roll_deg"`
}

// Command is a normalised vehicle control command.
type Command struct {
	ThrottlePct int `json:"throttle_pct"` // [-100, 100]
	SteeringDeg int `json:"steering_deg"` // [0, 180], 90 is centre
}

func (c Command) String() string {
	return fmt.Sprintf("throttle=%d%% steering=%d°", c.ThrottlePct, c.SteeringDeg)
}

// RadToDeg converts radians to degrees.
func RadToDeg(v float64) float64 {
	return v * (180 / math.Pi)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
