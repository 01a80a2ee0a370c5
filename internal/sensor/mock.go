package sensor

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/tiltdrive/internal/control"
	"github.com/banshee-data/tiltdrive/internal/timeutil"
)

// MockSource produces a slow, smooth figure-of-eight tilt so the whole
// pipeline can run without a handheld device.
type MockSource struct {
	Clock timeutil.Clock

	// Fail, when set, is returned (wrapped in ErrUnavailable) by Subscribe.
	Fail error

	// Amplitudes in radians and periods of the two axes.
	BetaAmplitude, GammaAmplitude float64
	BetaPeriod, GammaPeriod       time.Duration
}

// NewMockSource returns a MockSource with a gentle default motion.
func NewMockSource(clock timeutil.Clock) *MockSource {
	return &MockSource{
		Clock:          clock,
		BetaAmplitude:  0.35,
		GammaAmplitude: 0.25,
		BetaPeriod:     8 * time.Second,
		GammaPeriod:    5 * time.Second,
	}
}

// SampleAt returns the simulated reading elapsed into the motion.
func (m *MockSource) SampleAt(elapsed time.Duration) control.RawMotionSample {
	return control.RawMotionSample{
		BetaRad:  m.BetaAmplitude * wave(elapsed, m.BetaPeriod),
		GammaRad: m.GammaAmplitude * wave(elapsed, m.GammaPeriod),
	}
}

func wave(elapsed, period time.Duration) float64 {
	if period <= 0 {
		return 0
	}
	return math.Sin(2 * math.Pi * elapsed.Seconds() / period.Seconds())
}

func (m *MockSource) Subscribe(ctx context.Context, interval time.Duration, h Handler) (Subscription, error) {
	if m.Fail != nil {
		return nil, errors.Join(ErrUnavailable, m.Fail)
	}
	clock := m.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &mockSubscription{
		ticker: clock.NewTicker(interval),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	start := clock.Now()
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case now := <-s.ticker.C():
				h(m.SampleAt(now.Sub(start)))
			}
		}
	}()
	return s, nil
}

type mockSubscription struct {
	ticker timeutil.Ticker
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *mockSubscription) SetInterval(d time.Duration) {
	s.ticker.Reset(d)
}

func (s *mockSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.stop)
	})
	<-s.done
}
