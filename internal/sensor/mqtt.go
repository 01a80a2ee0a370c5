package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/tiltdrive/internal/control"
	"github.com/banshee-data/tiltdrive/internal/monitoring"
	"github.com/banshee-data/tiltdrive/internal/timeutil"
)

const tokenTimeout = 5 * time.Second

// DialMQTT connects to broker. The client reconnects on its own after the
// first successful connection.
func DialMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(tokenTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			monitoring.Logf("mqtt: connection lost: %v", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(tokenTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", broker, err)
	}
	monitoring.Logf("mqtt: connected to broker at %s", broker)
	return client, nil
}

// MQTTSource receives motion samples that the handheld publishes as JSON
// {"beta": <rad>, "gamma": <rad>} on a topic. The device may publish faster
// than requested; extra samples are dropped.
type MQTTSource struct {
	client           mqtt.Client
	motionTopic      string
	orientationTopic string
	clock            timeutil.Clock
}

func NewMQTTSource(client mqtt.Client, motionTopic, orientationTopic string) *MQTTSource {
	return &MQTTSource{
		client:           client,
		motionTopic:      motionTopic,
		orientationTopic: orientationTopic,
		clock:            timeutil.RealClock{},
	}
}

// SetClock replaces the clock used for rate limiting.
func (m *MQTTSource) SetClock(c timeutil.Clock) {
	m.clock = c
}

func (m *MQTTSource) Subscribe(ctx context.Context, interval time.Duration, h Handler) (Subscription, error) {
	if !m.client.IsConnectionOpen() {
		return nil, fmt.Errorf("%w: mqtt broker not connected", ErrUnavailable)
	}

	s := &mqttSubscription{
		client:  m.client,
		topic:   m.motionTopic,
		clock:   m.clock,
		handler: h,
		stop:    make(chan struct{}),
	}
	s.interval.Store(int64(interval))

	token := m.client.Subscribe(m.motionTopic, 0, s.onMessage)
	if !token.WaitTimeout(tokenTimeout) {
		return nil, fmt.Errorf("%w: subscribe to %s timed out", ErrUnavailable, m.motionTopic)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: subscribe to %s: %w", ErrUnavailable, m.motionTopic, err)
	}
	monitoring.Logf("mqtt: subscribed to %s", m.motionTopic)

	go func() {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
		case <-s.stop:
		}
	}()
	return s, nil
}

// WatchOrientation subscribes fn to screen orientation changes. Payloads are
// either a bare name ("landscape-left") or JSON {"orientation": "..."}.
func (m *MQTTSource) WatchOrientation(fn OrientationFunc) error {
	token := m.client.Subscribe(m.orientationTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		o, err := parseOrientation(msg.Payload())
		if err != nil {
			monitoring.Logf("mqtt: %s: %v", m.orientationTopic, err)
			return
		}
		fn(o)
	})
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("subscribe to %s timed out", m.orientationTopic)
	}
	return token.Error()
}

func parseOrientation(payload []byte) (control.Orientation, error) {
	text := strings.TrimSpace(string(payload))
	if strings.HasPrefix(text, "{") {
		var msg struct {
			Orientation string `json:"orientation"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return control.PortraitUp, fmt.Errorf("bad orientation message: %w", err)
		}
		text = msg.Orientation
	}
	return control.ParseOrientation(strings.Trim(text, `"`))
}

type mqttSubscription struct {
	client   mqtt.Client
	topic    string
	clock    timeutil.Clock
	interval atomic.Int64
	stop     chan struct{}

	mu      sync.Mutex // held while the handler runs
	handler Handler
	last    time.Time
	closed  bool
}

func (s *mqttSubscription) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var sample control.RawMotionSample
	if err := json.Unmarshal(msg.Payload(), &sample); err != nil {
		monitoring.Logf("mqtt: %s unmarshal error: %v", s.topic, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	now := s.clock.Now()
	if !s.last.IsZero() && now.Sub(s.last) < time.Duration(s.interval.Load()) {
		return
	}
	s.last = now
	s.handler(sample)
}

func (s *mqttSubscription) SetInterval(d time.Duration) {
	s.interval.Store(int64(d))
}

func (s *mqttSubscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()

	if token := s.client.Unsubscribe(s.topic); token.WaitTimeout(tokenTimeout) && token.Error() != nil {
		monitoring.Logf("mqtt: unsubscribe %s: %v", s.topic, token.Error())
	}
}
