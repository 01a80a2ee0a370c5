// Package telemetry fans controller events out to live consumers: websocket
// clients and, optionally, an MQTT topic.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tiltdrive/internal/timeutil"
)

type Kind string

const (
	KindSnapshot     Kind = "snapshot"
	KindTransmission Kind = "transmission"
)

// Frame is one telemetry event. Data is JSON-encoded as-is.
type Frame struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

const subscriberBuffer = 32

// Hub delivers frames to every subscriber without ever blocking the
// publisher. A subscriber that falls behind loses frames.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]chan Frame
	closed      bool
	dropped     atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]chan Frame)}
}

func (h *Hub) Subscribe() (string, <-chan Frame) {
	id := uuid.NewString()
	ch := make(chan Frame, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subscribers[id] = ch
	return id, ch
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Publish hands f to every subscriber with room for it.
func (h *Hub) Publish(f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- f:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close closes every subscriber channel. Later subscribers get a closed
// channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}

// PublishEvery publishes a frame built by fn on every tick until ctx is done.
func (h *Hub) PublishEvery(ctx context.Context, clock timeutil.Clock, interval time.Duration, kind Kind, fn func() any) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			h.Publish(Frame{Kind: kind, At: now, Data: fn()})
		}
	}
}
