// Package dispatch transmits the most recently computed vehicle command over
// the link on a fixed tick, independent of the sensor sampling rate. A command
// is only written when it differs from the last one successfully written.
package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/tiltdrive/internal/control"
	"github.com/banshee-data/tiltdrive/internal/monitoring"
	"github.com/banshee-data/tiltdrive/internal/protocol"
	"github.com/banshee-data/tiltdrive/internal/serialmux"
	"github.com/banshee-data/tiltdrive/internal/timeutil"
)

// TickInterval is the fixed transmit period. At most one command is written
// per tick.
const TickInterval = 100 * time.Millisecond

var (
	ErrNotActive     = errors.New("dispatcher not active")
	ErrAlreadyActive = errors.New("dispatcher already active")
)

// State is the dispatcher lifecycle state.
type State int32

const (
	// Idle: no session, no tick.
	Idle State = iota
	// Active: ticking and transmitting while the link is connected.
	Active
	// Halted: the link dropped mid-session. Ticking stopped; Resume restarts
	// it without forgetting the last command written.
	Halted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Halted:
		return "halted"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Link is the part of the vehicle link the dispatcher needs. Status
// transitions arrive on the WatchStatus channel so a disconnect is seen even
// when the link is back up by the next tick.
type Link interface {
	Write([]byte) (int, error)
	Status() serialmux.Status
	WatchStatus() (string, chan serialmux.Status)
	UnwatchStatus(string)
}

// LatestFunc returns the most recently computed command. It is called once
// per tick and must not block.
type LatestFunc func() control.Command

// Transmission describes one write attempt.
type Transmission struct {
	Command control.Command `json:"command"`
	Bytes   int             `json:"bytes"`
	Final   bool            `json:"final"`
	Err     error           `json:"-"`
	At      time.Time       `json:"at"`
}

// Observer receives every write attempt. It runs on the dispatcher goroutine
// and must not block.
type Observer func(Transmission)

type Option func(*Dispatcher)

// WithClock replaces the clock used for the tick and timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithInterval overrides TickInterval.
func WithInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.interval = interval }
}

// WithObserver registers fn to be told about every write attempt.
func WithObserver(fn Observer) Option {
	return func(d *Dispatcher) { d.observer = fn }
}

// Dispatcher rate-limits and de-duplicates commands on their way to the link.
type Dispatcher struct {
	link     Link
	clock    timeutil.Clock
	interval time.Duration
	observer Observer

	lifeMu sync.Mutex // serialises Start, Resume and Stop

	mu       sync.Mutex
	state    State
	encoder  protocol.Encoder
	latest   LatestFunc
	lastSent *control.Command
	ticker   timeutil.Ticker
	status   chan serialmux.Status
	stop     chan struct{}
	done     chan struct{}
}

// New returns an Idle dispatcher writing to link with enc.
func New(link Link, enc protocol.Encoder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		link:     link,
		encoder:  enc,
		clock:    timeutil.RealClock{},
		interval: TickInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start moves Idle to Active and begins ticking. The last-sent command is
// cleared, so the first tick on a connected link always transmits.
func (d *Dispatcher) Start(latest LatestFunc) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Idle {
		return ErrAlreadyActive
	}
	d.latest = latest
	d.lastSent = nil
	d.startLocked()
	monitoring.Logf("dispatcher started, tick every %v", d.interval)
	return nil
}

// Resume restarts ticking after a disconnection halted it. The last-sent
// command is kept, so an unchanged command is not written again.
func (d *Dispatcher) Resume() error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	d.mu.Lock()
	state, done := d.state, d.done
	d.mu.Unlock()

	switch state {
	case Active:
		return nil
	case Idle:
		return ErrNotActive
	}

	// The halted loop may still be on its way out.
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	d.startLocked()
	monitoring.Logf("dispatcher resumed")
	return nil
}

func (d *Dispatcher) startLocked() {
	watchID, status := d.link.WatchStatus()
	d.status = status
	d.ticker = d.clock.NewTicker(d.interval)
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	d.state = Active
	go d.run(d.ticker, watchID, status, d.stop, d.done)
}

// haltLocked stops ticking after the link dropped. lastSent is kept.
func (d *Dispatcher) haltLocked() {
	d.state = Halted
	d.ticker.Stop()
	monitoring.Logf("dispatcher halted: link disconnected")
}

// disconnectedLocked drains pending status events and reports whether any of
// them was Disconnected.
func (d *Dispatcher) disconnectedLocked() bool {
	dropped := false
	for {
		select {
		case st, ok := <-d.status:
			if !ok {
				return dropped
			}
			if st == serialmux.Disconnected {
				dropped = true
			}
		default:
			return dropped
		}
	}
}

// Stop returns the dispatcher to Idle. When it returns the tick loop has
// exited and, if the link is connected, exactly one neutral command has been
// written regardless of what was last sent.
func (d *Dispatcher) Stop() error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	d.mu.Lock()
	if d.state == Idle {
		d.mu.Unlock()
		return ErrNotActive
	}
	ticker, stop, done := d.ticker, d.stop, d.done
	d.state = Idle
	d.mu.Unlock()

	ticker.Stop()
	close(stop)
	<-done

	d.mu.Lock()
	enc := d.encoder
	d.mu.Unlock()

	var final *Transmission
	if d.link.Status() == serialmux.Connected {
		t := d.transmit(enc, control.Neutral, true, d.clock.Now())
		final = &t
	}

	d.mu.Lock()
	d.lastSent = nil
	d.latest = nil
	d.mu.Unlock()

	if final != nil {
		d.observe(*final)
	}
	monitoring.Logf("dispatcher stopped")
	return nil
}

func (d *Dispatcher) run(ticker timeutil.Ticker, watchID string, status chan serialmux.Status, stop, done chan struct{}) {
	defer close(done)
	defer d.link.UnwatchStatus(watchID)
	for {
		select {
		case <-stop:
			return
		case st, ok := <-status:
			if !ok {
				// link closed; the next tick sees Disconnected
				status = nil
				continue
			}
			if st != serialmux.Disconnected {
				continue
			}
			d.mu.Lock()
			if d.state == Active {
				d.haltLocked()
			}
			d.mu.Unlock()
			return
		case now := <-ticker.C():
			if !d.tick(now) {
				return
			}
		}
	}
}

// tick handles one period. It returns false when the loop should exit. The
// link write happens without holding mu.
func (d *Dispatcher) tick(now time.Time) bool {
	d.mu.Lock()
	if d.state != Active {
		d.mu.Unlock()
		return false
	}

	st := d.link.Status()
	if d.disconnectedLocked() || st == serialmux.Disconnected {
		d.haltLocked()
		d.mu.Unlock()
		return false
	}
	if st == serialmux.Connecting {
		d.mu.Unlock()
		return true
	}

	cmd := d.latest()
	if d.lastSent != nil && *d.lastSent == cmd {
		d.mu.Unlock()
		return true
	}
	enc := d.encoder
	d.mu.Unlock()

	t := d.transmit(enc, cmd, false, now)

	d.mu.Lock()
	// lastSent only advances on success, and not if the session or the
	// protocol changed while the write was in flight.
	if t.Err == nil && d.state == Active && d.encoder.Name() == enc.Name() {
		sent := cmd
		d.lastSent = &sent
	}
	d.mu.Unlock()

	d.observe(t)
	return true
}

// transmit encodes and writes cmd. A failed command is retried on the next
// tick because the caller leaves lastSent alone.
func (d *Dispatcher) transmit(enc protocol.Encoder, cmd control.Command, final bool, now time.Time) Transmission {
	n, err := d.link.Write(enc.Encode(cmd))
	if err != nil {
		monitoring.Logf("dispatch %v failed: %v", cmd, err)
	} else {
		monitoring.Debugf("dispatched %v", cmd)
	}
	return Transmission{Command: cmd, Bytes: n, Final: final, Err: err, At: now}
}

func (d *Dispatcher) observe(t Transmission) {
	if d.observer != nil {
		d.observer(t)
	}
}

// SetEncoder switches the wire protocol. The last-sent command is forgotten
// so the current command is repeated in the new format on the next tick.
func (d *Dispatcher) SetEncoder(enc protocol.Encoder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.encoder.Name() == enc.Name() {
		return
	}
	d.encoder = enc
	d.lastSent = nil
}

// Encoder returns the active encoder.
func (d *Dispatcher) Encoder() protocol.Encoder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.encoder
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// LastSent returns the last command successfully written in this session.
func (d *Dispatcher) LastSent() (control.Command, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastSent == nil {
		return control.Command{}, false
	}
	return *d.lastSent, true
}
