package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/tiltdrive/internal/monitoring"
)

const publishTimeout = 2 * time.Second

// MQTTPublisher forwards hub frames to an MQTT topic. Snapshots are retained
// so a dashboard that connects late sees the current state immediately.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
}

func NewMQTTPublisher(client mqtt.Client, topic string) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: topic}
}

// Publish sends one frame.
func (p *MQTTPublisher) Publish(f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", f.Kind, err)
	}
	token := p.client.Publish(p.topic, 0, f.Kind == KindSnapshot, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", p.topic)
	}
	return token.Error()
}

// Run publishes every frame from hub until ctx is done. Frames that arrive
// while the broker is unreachable are dropped.
func (p *MQTTPublisher) Run(ctx context.Context, hub *Hub) {
	id, frames := hub.Subscribe()
	defer hub.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if !p.client.IsConnectionOpen() {
				monitoring.Debugf("mqtt: broker offline, dropping %s frame", f.Kind)
				continue
			}
			if err := p.Publish(f); err != nil {
				monitoring.Logf("mqtt: %v", err)
			}
		}
	}
}
