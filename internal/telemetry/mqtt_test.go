package telemetry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tiltdrive/internal/testutil"
)

func TestMQTTPublisher_Publish(t *testing.T) {
	client := testutil.NewFakeMQTTClient()
	p := NewMQTTPublisher(client, "tiltdrive/telemetry")

	require.NoError(t, p.Publish(Frame{Kind: KindSnapshot, At: t0, Data: map[string]int{"throttle_pct": 41}}))
	require.NoError(t, p.Publish(Frame{Kind: KindTransmission, At: t0, Data: "T41:S90"}))

	pubs := client.Published()
	require.Len(t, pubs, 2)
	assert.Equal(t, "tiltdrive/telemetry", pubs[0].Topic)
	assert.True(t, pubs[0].Retained, "snapshots are retained")
	assert.False(t, pubs[1].Retained)

	var decoded struct {
		Kind string         `json:"kind"`
		Data map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(pubs[0].Payload, &decoded))
	assert.Equal(t, "snapshot", decoded.Kind)
	assert.Equal(t, 41, decoded.Data["throttle_pct"])
}

func TestMQTTPublisher_PublishDisconnected(t *testing.T) {
	client := testutil.NewFakeMQTTClient()
	client.SetConnected(false)
	p := NewMQTTPublisher(client, "t")

	assert.Error(t, p.Publish(Frame{Kind: KindSnapshot}))
}

func TestMQTTPublisher_Run(t *testing.T) {
	client := testutil.NewFakeMQTTClient()
	p := NewMQTTPublisher(client, "tiltdrive/telemetry")
	hub := NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx, hub)
	}()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.Publish(Frame{Kind: KindTransmission, At: t0, Data: "T1:S90"})
	require.Eventually(t, func() bool { return len(client.Published()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Zero(t, hub.Subscribers())
}
