// Command curveplot draws the throttle and steering response curves for a
// control config as PNG files, so a tuning change can be checked before it
// reaches the vehicle.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/tiltdrive/internal/config"
	"github.com/banshee-data/tiltdrive/internal/control"
)

var (
	configPath = flag.String("config", "", "Control config JSON (built-in defaults when empty)")
	outDir     = flag.String("out", ".", "Directory the PNG files are written to")
	step       = flag.Float64("step", 0.25, "Angle step in degrees")
)

// curve samples f across 1.2 times span on either side of level.
func curve(f func(adj float64) int, span, stepDeg float64) plotter.XYs {
	limit := span * 1.2
	pts := make(plotter.XYs, 0, int(2*limit/stepDeg)+1)
	for a := -limit; a <= limit; a += stepDeg {
		pts = append(pts, plotter.XY{X: a, Y: float64(f(a))})
	}
	return pts
}

func throttleCurve(p control.Params, stepDeg float64) plotter.XYs {
	return curve(func(a float64) int {
		return control.Throttle(a, p.MaxPitchDeg, p.PitchThresholdDeg)
	}, p.MaxPitchDeg, stepDeg)
}

func steeringCurve(p control.Params, stepDeg float64) plotter.XYs {
	return curve(func(a float64) int {
		return control.Steering(a, p.MaxRollDeg, p.RollThresholdDeg)
	}, p.MaxRollDeg, stepDeg)
}

func savePlot(title, xLabel, yLabel string, pts plotter.XYs, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("create line: %w", err)
	}
	line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	line.Width = vg.Points(1.5)
	p.Add(line)

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func run(cfg *config.ControlConfig, dir string, stepDeg float64) ([]string, error) {
	if stepDeg <= 0 {
		return nil, fmt.Errorf("step must be positive, got %v", stepDeg)
	}
	params := cfg.Params()

	throttlePath := filepath.Join(dir, "throttle_curve.png")
	if err := savePlot(
		fmt.Sprintf("Throttle (max %.0f°, threshold %.1f°)", params.MaxPitchDeg, params.PitchThresholdDeg),
		"Adjusted pitch (deg)", "Throttle (%)",
		throttleCurve(params, stepDeg), throttlePath); err != nil {
		return nil, err
	}

	steeringPath := filepath.Join(dir, "steering_curve.png")
	if err := savePlot(
		fmt.Sprintf("Steering (max %.0f°, threshold %.1f°)", params.MaxRollDeg, params.RollThresholdDeg),
		"Adjusted roll (deg)", "Servo angle (deg)",
		steeringCurve(params, stepDeg), steeringPath); err != nil {
		return nil, err
	}
	return []string{throttlePath, steeringPath}, nil
}

func main() {
	flag.Parse()

	cfg := config.DefaultControlConfig()
	if *configPath != "" {
		loaded, err := config.LoadControlConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}

	files, err := run(cfg, *outDir, *step)
	if err != nil {
		log.Fatal(err)
	}
	for _, f := range files {
		log.Printf("wrote %s", f)
	}
}
