package dispatch

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tiltdrive/internal/control"
	"github.com/banshee-data/tiltdrive/internal/protocol"
	"github.com/banshee-data/tiltdrive/internal/serialmux"
	"github.com/banshee-data/tiltdrive/internal/timeutil"
)

// latestBox mimics the controller's latest-command slot.
type latestBox struct {
	p atomic.Pointer[control.Command]
}

func newLatestBox(c control.Command) *latestBox {
	b := &latestBox{}
	b.Set(c)
	return b
}

func (b *latestBox) Set(c control.Command)  { b.p.Store(&c) }
func (b *latestBox) Load() control.Command { return *b.p.Load() }

type fixture struct {
	d     *Dispatcher
	link  *serialmux.SerialMux[*serialmux.TestableSerialPort]
	port  *serialmux.TestableSerialPort
	clock *timeutil.MockClock
	box   *latestBox
	sent  chan Transmission
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	port := serialmux.NewTestableSerialPort()
	f := &fixture{
		link:  serialmux.NewSerialMux(port),
		port:  port,
		clock: timeutil.NewMockClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)),
		box:   newLatestBox(control.Neutral),
		sent:  make(chan Transmission, 32),
	}
	f.d = New(f.link, protocol.LineEncoder{},
		WithClock(f.clock),
		WithObserver(func(tr Transmission) { f.sent <- tr }),
	)
	t.Cleanup(func() { f.d.Stop() })
	return f
}

func (f *fixture) start(t *testing.T) *timeutil.MockTicker {
	t.Helper()
	require.NoError(t, f.d.Start(f.box.Load))
	select {
	case tk := <-f.clock.TickerCreated():
		return tk
	case <-time.After(time.Second):
		t.Fatal("dispatcher never created its ticker")
		return nil
	}
}

// tick runs one period directly. The mock ticker is left alone so the loop
// goroutine stays parked.
func (f *fixture) tick() bool {
	return f.d.tick(f.clock.Now())
}

func (f *fixture) writes() []string {
	return f.port.GetWrites()
}

func TestUnchangedCommandIsSentOnce(t *testing.T) {
	f := newFixture(t)
	f.box.Set(control.Command{ThrottlePct: 75, SteeringDeg: 90})
	f.start(t)

	for range 3 {
		assert.True(t, f.tick())
	}

	assert.Equal(t, []string{"T75:S90\n"}, f.writes())
	last, ok := f.d.LastSent()
	require.True(t, ok)
	assert.Equal(t, control.Command{ThrottlePct: 75, SteeringDeg: 90}, last)
}

func TestOnlyLatestCommandIsSentPerTick(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.box.Set(control.Command{ThrottlePct: 10, SteeringDeg: 90})
	f.box.Set(control.Command{ThrottlePct: 20, SteeringDeg: 95})
	f.box.Set(control.Command{ThrottlePct: 30, SteeringDeg: 100})
	f.tick()

	f.box.Set(control.Command{ThrottlePct: 31, SteeringDeg: 100})
	f.tick()

	assert.Equal(t, []string{"T30:S100\n", "T31:S100\n"}, f.writes())
}

func TestStopSendsFinalNeutral(t *testing.T) {
	f := newFixture(t)
	f.box.Set(control.Command{ThrottlePct: 75, SteeringDeg: 90})
	tk := f.start(t)
	f.tick()

	require.NoError(t, f.d.Stop())

	assert.Equal(t, []string{"T75:S90\n", "T0:S90\n"}, f.writes())
	assert.Equal(t, Idle, f.d.State())
	assert.True(t, tk.Stopped(), "ticker still running after Stop")
	_, ok := f.d.LastSent()
	assert.False(t, ok, "lastSent should be cleared by Stop")
}

func TestStopBypassesDedup(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.tick() // sends neutral

	require.NoError(t, f.d.Stop())
	assert.Equal(t, []string{"T0:S90\n", "T0:S90\n"}, f.writes())

	var final Transmission
	for len(f.sent) > 0 {
		final = <-f.sent
	}
	assert.True(t, final.Final)
	assert.Equal(t, control.Neutral, final.Command)
}

func TestStopWhileDisconnectedWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.link.SetStatus(serialmux.Disconnected)

	require.NoError(t, f.d.Stop())
	assert.Empty(t, f.writes())
}

func TestWriteFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	f.box.Set(control.Command{ThrottlePct: -41, SteeringDeg: 180})
	f.start(t)

	f.port.SetWriteError(errors.New("resource temporarily unavailable"))
	f.tick()

	_, ok := f.d.LastSent()
	assert.False(t, ok, "failed write must not update lastSent")
	tr := <-f.sent
	assert.ErrorIs(t, tr.Err, serialmux.ErrWriteFailed)

	f.tick()
	assert.Equal(t, []string{"T-41:S180\n"}, f.writes())
	tr = <-f.sent
	assert.NoError(t, tr.Err)
	assert.Equal(t, len("T-41:S180\n"), tr.Bytes)
}

func TestConnectingSkipsTick(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.link.SetStatus(serialmux.Connecting)

	assert.True(t, f.tick(), "connecting should not stop the loop")
	assert.Empty(t, f.writes())
	assert.Equal(t, Active, f.d.State())

	f.link.SetStatus(serialmux.Connected)
	f.tick()
	assert.Equal(t, []string{"T0:S90\n"}, f.writes())
}

func TestDisconnectHaltsAndResumeKeepsLastSent(t *testing.T) {
	f := newFixture(t)
	f.box.Set(control.Command{ThrottlePct: 50, SteeringDeg: 90})
	tk := f.start(t)

	tk.Trigger(f.clock.Now())
	<-f.sent

	f.link.SetStatus(serialmux.Disconnected)
	tk.Trigger(f.clock.Now())
	require.Eventually(t, func() bool { return f.d.State() == Halted }, time.Second, time.Millisecond)
	assert.True(t, tk.Stopped())

	last, ok := f.d.LastSent()
	require.True(t, ok, "halt must keep lastSent")
	assert.Equal(t, control.Command{ThrottlePct: 50, SteeringDeg: 90}, last)

	f.link.SetStatus(serialmux.Connected)
	require.NoError(t, f.d.Resume())
	assert.Equal(t, Active, f.d.State())
	var resumed *timeutil.MockTicker
	select {
	case resumed = <-f.clock.TickerCreated():
	case <-time.After(time.Second):
		t.Fatal("Resume did not create a ticker")
	}

	// Same command: nothing is resent.
	assert.True(t, f.d.tick(f.clock.Now()))
	assert.Equal(t, []string{"T50:S90\n"}, f.writes())

	// Changed command goes out through the resumed loop.
	f.box.Set(control.Command{ThrottlePct: 55, SteeringDeg: 90})
	resumed.Trigger(f.clock.Now())
	select {
	case tr := <-f.sent:
		assert.Equal(t, control.Command{ThrottlePct: 55, SteeringDeg: 90}, tr.Command)
	case <-time.After(time.Second):
		t.Fatal("resumed loop did not transmit")
	}
}

func TestStartClearsLastSent(t *testing.T) {
	f := newFixture(t)
	f.box.Set(control.Command{ThrottlePct: 75, SteeringDeg: 90})
	f.start(t)
	f.tick()
	require.NoError(t, f.d.Stop())

	f.start(t)
	f.tick()
	assert.Equal(t, []string{"T75:S90\n", "T0:S90\n", "T75:S90\n"}, f.writes())
}

func TestLifecycleErrors(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.d.Stop(), ErrNotActive)
	assert.ErrorIs(t, f.d.Resume(), ErrNotActive)

	f.start(t)
	assert.ErrorIs(t, f.d.Start(f.box.Load), ErrAlreadyActive)
	assert.NoError(t, f.d.Resume(), "Resume while active is a no-op")
}

func TestSetEncoderResendsInNewFormat(t *testing.T) {
	f := newFixture(t)
	f.box.Set(control.Command{ThrottlePct: 75, SteeringDeg: 90})
	f.d.SetEncoder(protocol.SplitEncoder{})
	f.start(t)

	f.tick()
	f.tick()
	f.d.SetEncoder(protocol.SplitEncoder{}) // same protocol, no resend
	f.tick()
	f.d.SetEncoder(protocol.LineEncoder{})
	f.tick()

	assert.Equal(t, []string{"A+075\nD090\n", "T75:S90\n"}, f.writes())
	assert.Equal(t, protocol.NameLine, f.d.Encoder().Name())
}

func TestLoopTransmitsOnTicker(t *testing.T) {
	f := newFixture(t)
	f.box.Set(control.Command{ThrottlePct: 12, SteeringDeg: 80})
	f.start(t)

	f.clock.Advance(TickInterval)
	select {
	case tr := <-f.sent:
		assert.Equal(t, control.Command{ThrottlePct: 12, SteeringDeg: 80}, tr.Command)
		assert.False(t, tr.Final)
		assert.Equal(t, f.clock.Now(), tr.At)
	case <-time.After(time.Second):
		t.Fatal("no transmission after tick")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "halted", Halted.String())
}

func TestDisconnectBetweenTicksHalts(t *testing.T) {
	f := newFixture(t)
	f.box.Set(control.Command{ThrottlePct: 20, SteeringDeg: 90})
	tk := f.start(t)
	tk.Trigger(f.clock.Now())
	<-f.sent

	// The link drops and comes back before the next tick.
	f.link.SetStatus(serialmux.Disconnected)
	f.link.SetStatus(serialmux.Connected)
	f.box.Set(control.Command{ThrottlePct: 80, SteeringDeg: 150})
	tk.Trigger(f.clock.Now())

	require.Eventually(t, func() bool { return f.d.State() == Halted }, time.Second, time.Millisecond)
	assert.False(t, f.tick())
	assert.Equal(t, []string{"T20:S90\n"}, f.writes())

	require.NoError(t, f.d.Resume())
	var resumed *timeutil.MockTicker
	select {
	case resumed = <-f.clock.TickerCreated():
	case <-time.After(time.Second):
		t.Fatal("Resume did not create a ticker")
	}
	resumed.Trigger(f.clock.Now())
	select {
	case tr := <-f.sent:
		assert.Equal(t, control.Command{ThrottlePct: 80, SteeringDeg: 150}, tr.Command)
	case <-time.After(time.Second):
		t.Fatal("resumed loop did not transmit")
	}
	assert.Equal(t, []string{"T20:S90\n", "T80:S150\n"}, f.writes())
}

func TestStatusWatchReleasedOnStop(t *testing.T) {
	link := newStallingLink()
	close(link.release)
	d := New(link, protocol.LineEncoder{}, WithClock(timeutil.NewMockClock(time.Now())))

	require.NoError(t, d.Start(newLatestBox(control.Neutral).Load))
	assert.Equal(t, 1, link.watching())
	require.NoError(t, d.Stop())
	assert.Equal(t, 0, link.watching())
}

// stallingLink is a connected link whose writes wait for release.
type stallingLink struct {
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	watches map[string]chan serialmux.Status
	nextID  int
}

func newStallingLink() *stallingLink {
	return &stallingLink{
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
		watches: make(map[string]chan serialmux.Status),
	}
}

func (l *stallingLink) Write(p []byte) (int, error) {
	l.entered <- struct{}{}
	<-l.release
	return len(p), nil
}

func (l *stallingLink) Status() serialmux.Status { return serialmux.Connected }

func (l *stallingLink) WatchStatus() (string, chan serialmux.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := strconv.Itoa(l.nextID)
	ch := make(chan serialmux.Status, 1)
	l.watches[id] = ch
	return id, ch
}

func (l *stallingLink) UnwatchStatus(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.watches[id]; ok {
		close(ch)
		delete(l.watches, id)
	}
}

func (l *stallingLink) watching() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.watches)
}

func TestStalledWriteDoesNotBlockAccessors(t *testing.T) {
	link := newStallingLink()
	clock := timeutil.NewMockClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	d := New(link, protocol.LineEncoder{}, WithClock(clock))
	box := newLatestBox(control.Command{ThrottlePct: 30, SteeringDeg: 90})
	require.NoError(t, d.Start(box.Load))
	t.Cleanup(func() {
		select {
		case <-link.release:
		default:
			close(link.release)
		}
		d.Stop()
	})

	tickDone := make(chan bool, 1)
	go func() { tickDone <- d.tick(clock.Now()) }()

	select {
	case <-link.entered:
	case <-time.After(time.Second):
		t.Fatal("tick never reached the link")
	}

	accessed := make(chan State, 1)
	go func() {
		_, _ = d.LastSent()
		_ = d.Encoder()
		accessed <- d.State()
	}()
	select {
	case st := <-accessed:
		assert.Equal(t, Active, st)
	case <-time.After(time.Second):
		t.Fatal("accessors blocked behind a stalled write")
	}

	close(link.release)
	assert.True(t, <-tickDone)
	last, ok := d.LastSent()
	require.True(t, ok)
	assert.Equal(t, control.Command{ThrottlePct: 30, SteeringDeg: 90}, last)
}

func TestEncoderChangeDuringWriteForcesResend(t *testing.T) {
	link := newStallingLink()
	clock := timeutil.NewMockClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	d := New(link, protocol.LineEncoder{}, WithClock(clock))
	require.NoError(t, d.Start(newLatestBox(control.Command{ThrottlePct: 30, SteeringDeg: 90}).Load))
	t.Cleanup(func() { d.Stop() })

	tickDone := make(chan bool, 1)
	go func() { tickDone <- d.tick(clock.Now()) }()
	<-link.entered

	d.SetEncoder(protocol.SplitEncoder{})
	close(link.release)
	<-tickDone

	_, ok := d.LastSent()
	assert.False(t, ok, "a command written in the old format must go out again")
}
