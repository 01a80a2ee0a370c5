package control

import "math"

// MinSpan replaces a non-positive maximum tilt so the curves never divide by
// zero.
const MinSpan = 1e-3

const (
	throttleExponent = 1.3
	steeringExponent = 1.5
)

// Throttle maps calibrated pitch to a throttle percentage in [-100, 100].
// Inside the dead zone the result is 0.
func Throttle(pitchAdj, maxPitch, threshold float64) int {
	if math.IsNaN(pitchAdj) || math.Abs(pitchAdj) < threshold {
		return 0
	}
	curved := shape(pitchAdj, maxPitch, throttleExponent)
	return int(math.Round(curved * 100))
}

// Steering maps calibrated roll to a steering angle in [0, 180]. Inside the
// dead zone the result is SteeringCenter.
func Steering(rollAdj, maxRoll, threshold float64) int {
	if math.IsNaN(rollAdj) || math.Abs(rollAdj) < threshold {
		return SteeringCenter
	}
	curved := shape(rollAdj, maxRoll, steeringExponent)
	return int(math.Round(clamp(SteeringCenter+curved*SteeringCenter, 0, 180)))
}

// GuardSpan returns span, or MinSpan when span is not a usable positive value.
func GuardSpan(span float64) float64 {
	if !(span >= MinSpan) {
		return MinSpan
	}
	return span
}

// shape normalises adj against span into [-1, 1] and applies a sign-preserving
// power law.
func shape(adj, span, exponent float64) float64 {
	normalized := clamp(adj/GuardSpan(span), -1, 1)
	return math.Copysign(math.Pow(math.Abs(normalized), exponent), normalized)
}
