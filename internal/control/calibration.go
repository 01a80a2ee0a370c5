package control

// Offset is the zero point subtracted from filtered angles. The zero value
// treats the device's raw level position as centre.
type Offset struct {
	ZeroPitch float64 `json:"zero_pitch"`
	ZeroRoll  float64 `json:"zero_roll"`
}

// Calibrate captures filtered as the new zero point.
func Calibrate(filtered VehicleAngles) Offset {
	return Offset{ZeroPitch: filtered.PitchDeg, ZeroRoll: filtered.RollDeg}
}

// Apply subtracts the zero point from filtered.
func (o Offset) Apply(filtered VehicleAngles) VehicleAngles {
	return VehicleAngles{
		PitchDeg: filtered.PitchDeg - o.ZeroPitch,
		RollDeg:  filtered.RollDeg - o.ZeroRoll,
	}
}
