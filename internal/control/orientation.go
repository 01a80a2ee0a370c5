package control

import (
	"fmt"
	"strings"
)

// Orientation is the current screen orientation of the handheld device.
type Orientation int32

const (
	PortraitUp Orientation = iota
	LandscapeLeft
	LandscapeRight
)

func (o Orientation) String() string {
	switch o {
	case LandscapeLeft:
		return "landscape-left"
	case LandscapeRight:
		return "landscape-right"
	default:
		return "portrait-up"
	}
}

// ParseOrientation accepts the names produced by String, case-insensitively,
// with either dashes or underscores.
func ParseOrientation(s string) (Orientation, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	switch norm {
	case "portrait-up", "portrait":
		return PortraitUp, nil
	case "landscape-left":
		return LandscapeLeft, nil
	case "landscape-right":
		return LandscapeRight, nil
	}
	return PortraitUp, fmt.Errorf("unknown orientation %q", s)
}

// MapToVehicle remaps device-frame beta/gamma (degrees) into vehicle pitch and
// roll for the given screen orientation. The two landscape variants mirror
// each other; anything that is not landscape uses the portrait mapping.
func MapToVehicle(betaDeg, gammaDeg float64, o Orientation) VehicleAngles {
	switch o {
	case LandscapeLeft:
		return VehicleAngles{PitchDeg: -gammaDeg, RollDeg: -betaDeg}
	case LandscapeRight:
		return VehicleAngles{PitchDeg: gammaDeg, RollDeg: betaDeg}
	default:
		return VehicleAngles{PitchDeg: betaDeg, RollDeg: gammaDeg}
	}
}
