// Package controller owns one tilt-drive session: the sensor subscription,
// the control pipeline state, the latest-command slot and the dispatcher.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/tiltdrive/internal/config"
	"github.com/banshee-data/tiltdrive/internal/control"
	"github.com/banshee-data/tiltdrive/internal/dispatch"
	"github.com/banshee-data/tiltdrive/internal/monitoring"
	"github.com/banshee-data/tiltdrive/internal/protocol"
	"github.com/banshee-data/tiltdrive/internal/sensor"
	"github.com/banshee-data/tiltdrive/internal/serialmux"
	"github.com/banshee-data/tiltdrive/internal/telemetry"
	"github.com/banshee-data/tiltdrive/internal/timeutil"
)

var (
	ErrAlreadyActive = errors.New("controller already active")
	ErrNotActive     = errors.New("controller not active")
)

// Link is the vehicle link as the controller sees it.
type Link interface {
	dispatch.Link
	Stats() serialmux.Stats
}

// Recorder persists session history. Implementations must not block.
type Recorder interface {
	StartSession(cfg *config.ControlConfig) string
	EndSession(sessionID string)
	RecordTransmission(sessionID string, t dispatch.Transmission)
	RecordCalibration(sessionID string, o control.Offset)
}

// Publisher receives live telemetry frames. Implementations must not block.
type Publisher interface {
	Publish(telemetry.Frame)
}

type Option func(*Controller)

func WithClock(c timeutil.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

func WithRecorder(r Recorder) Option {
	return func(ctl *Controller) { ctl.recorder = r }
}

func WithPublisher(p Publisher) Option {
	return func(ctl *Controller) { ctl.publisher = p }
}

// WithDispatchInterval overrides dispatch.TickInterval.
func WithDispatchInterval(d time.Duration) Option {
	return func(ctl *Controller) { ctl.tickInterval = d }
}

// Controller is safe for concurrent use. The sensor handler and the dispatch
// tick only meet at the latest-command slot, which is swapped atomically.
type Controller struct {
	link         Link
	source       sensor.Source
	clock        timeutil.Clock
	recorder     Recorder
	publisher    Publisher
	tickInterval time.Duration
	dispatcher   *dispatch.Dispatcher

	lifeMu    sync.Mutex // serialises Activate, Deactivate and UpdateConfig
	active    atomic.Bool
	sub       sensor.Subscription
	cancelSub context.CancelFunc
	session   atomic.Pointer[string]

	mu         sync.Mutex // guards the fields below
	cfg        *config.ControlConfig
	params     control.Params
	pipeline   control.Pipeline
	last       control.Reading
	hasReading bool

	orientation atomic.Int32
	latest      atomic.Pointer[control.Command]
	samples     atomic.Uint64
	dropped     atomic.Uint64
}

// New returns an idle controller. cfg is validated and copied.
func New(cfg *config.ControlConfig, link Link, source sensor.Source, opts ...Option) (*Controller, error) {
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	enc, err := protocol.ByName(cfg.GetProtocol())
	if err != nil {
		return nil, err
	}

	c := &Controller{
		link:         link,
		source:       source,
		clock:        timeutil.RealClock{},
		tickInterval: dispatch.TickInterval,
		cfg:          cfg,
		params:       cfg.Params(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dispatcher = dispatch.New(link, enc,
		dispatch.WithClock(c.clock),
		dispatch.WithInterval(c.tickInterval),
		dispatch.WithObserver(c.observe),
	)
	neutral := control.Neutral
	c.latest.Store(&neutral)
	return c, nil
}

// Activate subscribes to the sensor and starts dispatching. If the sensor
// cannot be subscribed the controller stays idle and the error is returned.
// The subscription outlives ctx's cancellation; only Deactivate ends it.
func (c *Controller) Activate(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.active.Load() {
		return ErrAlreadyActive
	}

	c.mu.Lock()
	c.pipeline.ResetFilter()
	c.last, c.hasReading = control.Reading{}, false
	interval := c.cfg.GetSampleInterval()
	cfg := c.cfg.Clone()
	c.mu.Unlock()

	neutral := control.Neutral
	c.latest.Store(&neutral)

	// Samples are accepted from the moment the subscription exists. Every
	// exit short of success, a panicking source included, returns to idle.
	c.active.Store(true)
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	activated := false
	defer func() {
		if !activated {
			cancel()
			c.active.Store(false)
		}
	}()

	sub, err := c.source.Subscribe(subCtx, interval, c.HandleSample)
	if err != nil {
		monitoring.Logf("activate failed: %v", err)
		return fmt.Errorf("activate: %w", err)
	}

	if c.recorder != nil {
		id := c.recorder.StartSession(cfg)
		c.session.Store(&id)
	}
	if err := c.dispatcher.Start(c.Latest); err != nil {
		sub.Unsubscribe()
		c.endSession()
		return fmt.Errorf("activate: %w", err)
	}
	c.sub, c.cancelSub = sub, cancel
	activated = true
	monitoring.Logf("controller active, sampling every %v", interval)
	return nil
}

// Deactivate unsubscribes from the sensor and stops the dispatcher, which
// writes one final neutral command if the link is up. The calibration offset
// is kept for the next activation.
func (c *Controller) Deactivate() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if !c.active.Load() {
		return ErrNotActive
	}

	if c.sub != nil {
		c.sub.Unsubscribe()
		c.cancelSub()
	}
	c.sub, c.cancelSub = nil, nil
	c.active.Store(false)

	if err := c.dispatcher.Stop(); err != nil {
		monitoring.Logf("deactivate: %v", err)
	}
	neutral := control.Neutral
	c.latest.Store(&neutral)
	c.endSession()
	monitoring.Logf("controller idle")
	return nil
}

func (c *Controller) endSession() {
	id := c.session.Swap(nil)
	if id != nil && c.recorder != nil {
		c.recorder.EndSession(*id)
	}
}

// Resume restarts a dispatcher that a link disconnection halted. Commands
// already delivered before the drop are not repeated.
func (c *Controller) Resume() error {
	if !c.active.Load() {
		return ErrNotActive
	}
	return c.dispatcher.Resume()
}

// HandleSample runs one raw sensor reading through the pipeline and publishes
// the resulting command to the latest-command slot. Non-finite readings are
// dropped and counted. Samples arriving while idle are ignored.
func (c *Controller) HandleSample(s control.RawMotionSample) {
	if !c.active.Load() {
		return
	}
	o := control.Orientation(c.orientation.Load())

	c.mu.Lock()
	reading, ok := c.pipeline.Step(s, o, c.params)
	if ok {
		c.last, c.hasReading = reading, true
	}
	c.mu.Unlock()

	if !ok {
		c.dropped.Add(1)
		monitoring.Debugf("dropped non-finite sample beta=%v gamma=%v", s.BetaRad, s.GammaRad)
		return
	}
	c.samples.Add(1)
	cmd := reading.Command
	c.latest.Store(&cmd)
}

// Latest returns the most recently computed command.
func (c *Controller) Latest() control.Command {
	return *c.latest.Load()
}

// Calibrate takes the current filtered angles as the new zero point.
func (c *Controller) Calibrate() control.Offset {
	c.mu.Lock()
	off := c.pipeline.Calibrate()
	c.mu.Unlock()

	monitoring.Logf("calibrated: zero pitch %.2f°, zero roll %.2f°", off.ZeroPitch, off.ZeroRoll)
	if id := c.session.Load(); id != nil && c.recorder != nil {
		c.recorder.RecordCalibration(*id, off)
	}
	return off
}

// SetOffset restores a previously captured zero point.
func (c *Controller) SetOffset(o control.Offset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipeline.SetOffset(o)
}

// SetOrientation records the screen orientation used for the next sample.
func (c *Controller) SetOrientation(o control.Orientation) {
	if control.Orientation(c.orientation.Swap(int32(o))) != o {
		monitoring.Logf("orientation now %s", o)
	}
}

func (c *Controller) Orientation() control.Orientation {
	return control.Orientation(c.orientation.Load())
}

// Config returns a copy of the active configuration.
func (c *Controller) Config() *config.ControlConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Clone()
}

// UpdateConfig overlays patch on the active configuration. A material change
// to the smoothing factor or sample interval resets the filter, and a new
// interval is pushed to a live sensor subscription. Changing the protocol
// takes effect on the next tick.
func (c *Controller) UpdateConfig(patch *config.ControlConfig) (*config.ControlConfig, error) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	next := c.cfg.Merge(patch)
	if err := next.Validate(); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	enc, err := protocol.ByName(next.GetProtocol())
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	prev := c.cfg
	intervalChanged := next.GetSampleInterval() != prev.GetSampleInterval()
	resetFilter := intervalChanged || materialChange(prev.GetSmoothingFactor(), next.GetSmoothingFactor())
	if resetFilter {
		c.pipeline.ResetFilter()
	}
	c.cfg = next
	c.params = next.Params()
	out := next.Clone()
	c.mu.Unlock()

	if intervalChanged && c.sub != nil {
		c.sub.SetInterval(next.GetSampleInterval())
	}
	c.dispatcher.SetEncoder(enc)

	monitoring.Logf("config updated (filter reset: %v)", resetFilter)
	return out, nil
}

const smoothingEpsilon = 1e-3

func materialChange(a, b float64) bool {
	d := a - b
	return d > smoothingEpsilon || d < -smoothingEpsilon
}

// Snapshot is a point-in-time view of the controller for status reporting.
type Snapshot struct {
	State       dispatch.State   `json:"state"`
	Active      bool             `json:"active"`
	SessionID   string           `json:"session_id,omitempty"`
	Orientation string           `json:"orientation"`
	Reading     *control.Reading `json:"reading,omitempty"`
	Command     control.Command  `json:"command"`
	LastSent    *control.Command `json:"last_sent,omitempty"`
	Offset      control.Offset   `json:"offset"`
	Protocol    string           `json:"protocol"`
	Samples     uint64           `json:"samples"`
	Dropped     uint64           `json:"dropped_samples"`
	Link        serialmux.Status `json:"link"`
	LinkStats   serialmux.Stats  `json:"link_stats"`
	At          time.Time        `json:"at"`
}

func (c *Controller) Snapshot() Snapshot {
	snap := Snapshot{
		State:       c.dispatcher.State(),
		Active:      c.active.Load(),
		Orientation: c.Orientation().String(),
		Command:     c.Latest(),
		Protocol:    c.dispatcher.Encoder().Name(),
		Samples:     c.samples.Load(),
		Dropped:     c.dropped.Load(),
		Link:        c.link.Status(),
		LinkStats:   c.link.Stats(),
		At:          c.clock.Now(),
	}
	if id := c.session.Load(); id != nil {
		snap.SessionID = *id
	}
	if cmd, ok := c.dispatcher.LastSent(); ok {
		snap.LastSent = &cmd
	}

	c.mu.Lock()
	snap.Offset = c.pipeline.Offset()
	if c.hasReading {
		r := c.last
		snap.Reading = &r
	}
	c.mu.Unlock()
	return snap
}

// TransmissionEvent is the telemetry form of a dispatch.Transmission.
type TransmissionEvent struct {
	dispatch.Transmission
	Error string `json:"error,omitempty"`
}

// observe runs on the dispatcher goroutine for every write attempt.
func (c *Controller) observe(t dispatch.Transmission) {
	if id := c.session.Load(); id != nil && c.recorder != nil {
		c.recorder.RecordTransmission(*id, t)
	}
	if c.publisher != nil {
		ev := TransmissionEvent{Transmission: t}
		if t.Err != nil {
			ev.Error = t.Err.Error()
		}
		c.publisher.Publish(telemetry.Frame{Kind: telemetry.KindTransmission, At: t.At, Data: ev})
	}
}
