package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/tiltdrive/internal/control"
	"github.com/banshee-data/tiltdrive/internal/monitoring"
	"github.com/banshee-data/tiltdrive/internal/protocol"
	"github.com/banshee-data/tiltdrive/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical control defaults file.
const DefaultConfigPath = "config/control.defaults.json"

// ControlConfig is the controller configuration. The schema matches the
// /api/config endpoint so the same JSON can be used for startup configuration
// and runtime updates. Nil fields fall back to the Get* defaults.
type ControlConfig struct {
	// Signal path
	MaxPitchDeg       *float64 `json:"max_pitch_deg,omitempty"`
	MaxRollDeg        *float64 `json:"max_roll_deg,omitempty"`
	SmoothingFactor   *float64 `json:"smoothing_factor,omitempty"`
	PitchThresholdDeg *float64 `json:"pitch_threshold_deg,omitempty"`
	RollThresholdDeg  *float64 `json:"roll_threshold_deg,omitempty"`
	SampleIntervalMs  *int     `json:"sample_interval_ms,omitempty"`

	// Vehicle link
	Protocol   *string `json:"protocol,omitempty"` // "line" or "split"
	SerialPort *string `json:"serial_port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty"`
	DataBits   *int    `json:"data_bits,omitempty"`
	StopBits   *int    `json:"stop_bits,omitempty"`
	Parity     *string `json:"parity,omitempty"` // "N", "E" or "O"

	// MQTT (optional)
	MQTTBroker           *string `json:"mqtt_broker,omitempty"`
	MQTTMotionTopic      *string `json:"mqtt_motion_topic,omitempty"`
	MQTTOrientationTopic *string `json:"mqtt_orientation_topic,omitempty"`
	MQTTTelemetryTopic   *string `json:"mqtt_telemetry_topic,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// EmptyControlConfig returns a ControlConfig with all fields set to nil.
func EmptyControlConfig() *ControlConfig {
	return &ControlConfig{}
}

// DefaultControlConfig returns a config with every field populated with its
// default value.
func DefaultControlConfig() *ControlConfig {
	c := EmptyControlConfig()
	return &ControlConfig{
		MaxPitchDeg:          ptrFloat64(c.GetMaxPitchDeg()),
		MaxRollDeg:           ptrFloat64(c.GetMaxRollDeg()),
		SmoothingFactor:      ptrFloat64(c.GetSmoothingFactor()),
		PitchThresholdDeg:    ptrFloat64(c.GetPitchThresholdDeg()),
		RollThresholdDeg:     ptrFloat64(c.GetRollThresholdDeg()),
		SampleIntervalMs:     ptrInt(c.GetSampleIntervalMs()),
		Protocol:             ptrString(c.GetProtocol()),
		SerialPort:           ptrString(c.GetSerialPort()),
		BaudRate:             ptrInt(c.GetBaudRate()),
		DataBits:             ptrInt(c.GetDataBits()),
		StopBits:             ptrInt(c.GetStopBits()),
		Parity:               ptrString(c.GetParity()),
		MQTTBroker:           ptrString(c.GetMQTTBroker()),
		MQTTMotionTopic:      ptrString(c.GetMQTTMotionTopic()),
		MQTTOrientationTopic: ptrString(c.GetMQTTOrientationTopic()),
		MQTTTelemetryTopic:   ptrString(c.GetMQTTTelemetryTopic()),
	}
}

// LoadControlConfig loads a ControlConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted from
// the file keep their defaults, so partial configs are safe.
func LoadControlConfig(path string) (*ControlConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyControlConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching from the current
// directory up to the repository root. Panics if the file cannot be loaded;
// intended for test setup.
func MustLoadDefaultConfig() *ControlConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/<pkg>/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadControlConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// MaxSampleIntervalMs bounds sample_interval_ms. A slower sensor is of no use
// for driving.
const MaxSampleIntervalMs = 60_000

// Validate checks the values that would make the controller misbehave.
// Non-positive max tilt is not an error; Params substitutes a minimum span.
func (c *ControlConfig) Validate() error {
	if c.SmoothingFactor != nil {
		if v := *c.SmoothingFactor; !(v >= 0 && v < 1) {
			return fmt.Errorf("smoothing_factor must be in [0, 1), got %v", v)
		}
	}
	if c.PitchThresholdDeg != nil && !(*c.PitchThresholdDeg >= 0) {
		return fmt.Errorf("pitch_threshold_deg must be non-negative, got %v", *c.PitchThresholdDeg)
	}
	if c.RollThresholdDeg != nil && !(*c.RollThresholdDeg >= 0) {
		return fmt.Errorf("roll_threshold_deg must be non-negative, got %v", *c.RollThresholdDeg)
	}
	if c.SampleIntervalMs != nil {
		if v := *c.SampleIntervalMs; v <= 0 || v > MaxSampleIntervalMs {
			return fmt.Errorf("sample_interval_ms must be in [1, %d], got %d", MaxSampleIntervalMs, v)
		}
	}
	if c.Protocol != nil {
		if _, err := protocol.ByName(*c.Protocol); err != nil {
			return err
		}
	}
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	if _, err := c.PortOptions().Normalize(); err != nil {
		return fmt.Errorf("serial framing: %w", err)
	}
	return nil
}

// Merge overlays the non-nil fields of patch onto a copy of c and returns the
// result. Neither input is modified.
func (c *ControlConfig) Merge(patch *ControlConfig) *ControlConfig {
	out := c.Clone()
	if patch == nil {
		return out
	}
	if patch.MaxPitchDeg != nil {
		out.MaxPitchDeg = ptrFloat64(*patch.MaxPitchDeg)
	}
	if patch.MaxRollDeg != nil {
		out.MaxRollDeg = ptrFloat64(*patch.MaxRollDeg)
	}
	if patch.SmoothingFactor != nil {
		out.SmoothingFactor = ptrFloat64(*patch.SmoothingFactor)
	}
	if patch.PitchThresholdDeg != nil {
		out.PitchThresholdDeg = ptrFloat64(*patch.PitchThresholdDeg)
	}
	if patch.RollThresholdDeg != nil {
		out.RollThresholdDeg = ptrFloat64(*patch.RollThresholdDeg)
	}
	if patch.SampleIntervalMs != nil {
		out.SampleIntervalMs = ptrInt(*patch.SampleIntervalMs)
	}
	if patch.Protocol != nil {
		out.Protocol = ptrString(*patch.Protocol)
	}
	if patch.SerialPort != nil {
		out.SerialPort = ptrString(*patch.SerialPort)
	}
	if patch.BaudRate != nil {
		out.BaudRate = ptrInt(*patch.BaudRate)
	}
	if patch.DataBits != nil {
		out.DataBits = ptrInt(*patch.DataBits)
	}
	if patch.StopBits != nil {
		out.StopBits = ptrInt(*patch.StopBits)
	}
	if patch.Parity != nil {
		out.Parity = ptrString(*patch.Parity)
	}
	if patch.MQTTBroker != nil {
		out.MQTTBroker = ptrString(*patch.MQTTBroker)
	}
	if patch.MQTTMotionTopic != nil {
		out.MQTTMotionTopic = ptrString(*patch.MQTTMotionTopic)
	}
	if patch.MQTTOrientationTopic != nil {
		out.MQTTOrientationTopic = ptrString(*patch.MQTTOrientationTopic)
	}
	if patch.MQTTTelemetryTopic != nil {
		out.MQTTTelemetryTopic = ptrString(*patch.MQTTTelemetryTopic)
	}
	return out
}

// Clone returns a deep copy of c. A nil receiver yields an empty config.
func (c *ControlConfig) Clone() *ControlConfig {
	if c == nil {
		return EmptyControlConfig()
	}
	return EmptyControlConfig().mergeFrom(c)
}

func (c *ControlConfig) mergeFrom(src *ControlConfig) *ControlConfig {
	data, err := json.Marshal(src)
	if err != nil {
		// All fields are plain scalars; Marshal cannot fail.
		panic(err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		panic(err)
	}
	return c
}

// Params resolves the signal-path values the control pipeline runs with.
// A non-positive max tilt is replaced by control.MinSpan and logged.
func (c *ControlConfig) Params() control.Params {
	maxPitch, maxRoll := c.GetMaxPitchDeg(), c.GetMaxRollDeg()
	if g := control.GuardSpan(maxPitch); g != maxPitch {
		monitoring.Logf("config: max_pitch_deg %v is not positive, using %v", maxPitch, g)
		maxPitch = g
	}
	if g := control.GuardSpan(maxRoll); g != maxRoll {
		monitoring.Logf("config: max_roll_deg %v is not positive, using %v", maxRoll, g)
		maxRoll = g
	}
	return control.Params{
		MaxPitchDeg:       maxPitch,
		MaxRollDeg:        maxRoll,
		SmoothingFactor:   c.GetSmoothingFactor(),
		PitchThresholdDeg: c.GetPitchThresholdDeg(),
		RollThresholdDeg:  c.GetRollThresholdDeg(),
	}
}

// GetMaxPitchDeg returns the max_pitch_deg value or the default.
func (c *ControlConfig) GetMaxPitchDeg() float64 {
	if c.MaxPitchDeg == nil {
		return 35
	}
	return *c.MaxPitchDeg
}

// GetMaxRollDeg returns the max_roll_deg value or the default.
func (c *ControlConfig) GetMaxRollDeg() float64 {
	if c.MaxRollDeg == nil {
		return 25
	}
	return *c.MaxRollDeg
}

// GetSmoothingFactor returns the smoothing_factor value or the default.
func (c *ControlConfig) GetSmoothingFactor() float64 {
	if c.SmoothingFactor == nil {
		return 0.3
	}
	return *c.SmoothingFactor
}

// GetPitchThresholdDeg returns the pitch_threshold_deg value or the default.
func (c *ControlConfig) GetPitchThresholdDeg() float64 {
	if c.PitchThresholdDeg == nil {
		return 4
	}
	return *c.PitchThresholdDeg
}

// GetRollThresholdDeg returns the roll_threshold_deg value or the default.
func (c *ControlConfig) GetRollThresholdDeg() float64 {
	if c.RollThresholdDeg == nil {
		return 2
	}
	return *c.RollThresholdDeg
}

// GetSampleIntervalMs returns the sample_interval_ms value or the default
// (20 Hz).
func (c *ControlConfig) GetSampleIntervalMs() int {
	if c.SampleIntervalMs == nil {
		return 50
	}
	return *c.SampleIntervalMs
}

// GetSampleInterval returns the sample interval as a time.Duration.
func (c *ControlConfig) GetSampleInterval() time.Duration {
	return time.Duration(c.GetSampleIntervalMs()) * time.Millisecond
}

// GetProtocol returns the wire protocol name or the default.
func (c *ControlConfig) GetProtocol() string {
	if c.Protocol == nil || *c.Protocol == "" {
		return protocol.NameLine
	}
	return *c.Protocol
}

// GetSerialPort returns the serial device path or the default rfcomm device.
func (c *ControlConfig) GetSerialPort() string {
	if c.SerialPort == nil || *c.SerialPort == "" {
		return "/dev/rfcomm0"
	}
	return *c.SerialPort
}

// GetBaudRate returns the baud_rate value or the default.
func (c *ControlConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return 9600
	}
	return *c.BaudRate
}

// GetDataBits returns the data_bits value or the default.
func (c *ControlConfig) GetDataBits() int {
	if c.DataBits == nil {
		return 8
	}
	return *c.DataBits
}

// GetStopBits returns the stop_bits value or the default.
func (c *ControlConfig) GetStopBits() int {
	if c.StopBits == nil {
		return 1
	}
	return *c.StopBits
}

func (c *ControlConfig) GetParity() string {
	if c.Parity == nil || *c.Parity == "" {
		return "N"
	}
	return *c.Parity
}

// PortOptions returns the serial framing for the vehicle link.
func (c *ControlConfig) PortOptions() serialmux.PortOptions {
	return serialmux.PortOptions{
		BaudRate: c.GetBaudRate(),
		DataBits: c.GetDataBits(),
		StopBits: c.GetStopBits(),
		Parity:   c.GetParity(),
	}
}

// GetMQTTBroker returns the broker URL. Empty means MQTT is disabled.
func (c *ControlConfig) GetMQTTBroker() string {
	if c.MQTTBroker == nil {
		return ""
	}
	return *c.MQTTBroker
}

// GetMQTTMotionTopic returns the topic raw motion samples arrive on.
func (c *ControlConfig) GetMQTTMotionTopic() string {
	if c.MQTTMotionTopic == nil || *c.MQTTMotionTopic == "" {
		return "tiltdrive/motion"
	}
	return *c.MQTTMotionTopic
}

// GetMQTTOrientationTopic returns the topic screen orientation changes arrive on.
func (c *ControlConfig) GetMQTTOrientationTopic() string {
	if c.MQTTOrientationTopic == nil || *c.MQTTOrientationTopic == "" {
		return "tiltdrive/orientation"
	}
	return *c.MQTTOrientationTopic
}

// GetMQTTTelemetryTopic returns the topic telemetry frames are published on.
func (c *ControlConfig) GetMQTTTelemetryTopic() string {
	if c.MQTTTelemetryTopic == nil || *c.MQTTTelemetryTopic == "" {
		return "tiltdrive/telemetry"
	}
	return *c.MQTTTelemetryTopic
}
