package testutil

import (
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// FakeToken is an already completed mqtt.Token.
type FakeToken struct {
	Err error
}

func (t FakeToken) Wait() bool                     { return true }
func (t FakeToken) WaitTimeout(time.Duration) bool { return true }
func (t FakeToken) Error() error                   { return t.Err }

func (t FakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// FakeMessage is an inbound mqtt.Message.
type FakeMessage struct {
	TopicName string
	Body      []byte
}

func (m FakeMessage) Duplicate() bool   { return false }
func (m FakeMessage) Qos() byte         { return 0 }
func (m FakeMessage) Retained() bool    { return false }
func (m FakeMessage) Topic() string     { return m.TopicName }
func (m FakeMessage) MessageID() uint16 { return 0 }
func (m FakeMessage) Payload() []byte   { return m.Body }
func (m FakeMessage) Ack()              {}

// Publication records one Publish call.
type Publication struct {
	Topic    string
	Retained bool
	Payload  []byte
}

// FakeMQTTClient is an in-memory mqtt.Client. Deliver plays the broker,
// invoking the handler subscribed to a topic.
type FakeMQTTClient struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]mqtt.MessageHandler
	published []Publication

	// SubscribeErr, when set, fails every Subscribe.
	SubscribeErr error
}

var _ mqtt.Client = (*FakeMQTTClient)(nil)

// NewFakeMQTTClient returns a connected fake client.
func NewFakeMQTTClient() *FakeMQTTClient {
	return &FakeMQTTClient{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

// SetConnected simulates the broker connection dropping or returning.
func (c *FakeMQTTClient) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func (c *FakeMQTTClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *FakeMQTTClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *FakeMQTTClient) Connect() mqtt.Token {
	c.SetConnected(true)
	return FakeToken{}
}

func (c *FakeMQTTClient) Disconnect(uint) { c.SetConnected(false) }

func (c *FakeMQTTClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return FakeToken{Err: errors.New("not connected")}
	}
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = append([]byte(nil), p...)
	case string:
		body = []byte(p)
	}
	c.published = append(c.published, Publication{Topic: topic, Retained: retained, Payload: body})
	return FakeToken{}
}

func (c *FakeMQTTClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubscribeErr != nil {
		return FakeToken{Err: c.SubscribeErr}
	}
	c.handlers[topic] = callback
	return FakeToken{}
}

func (c *FakeMQTTClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		if tok := c.Subscribe(topic, qos, callback); tok.Error() != nil {
			return tok
		}
	}
	return FakeToken{}
}

func (c *FakeMQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return FakeToken{}
}

func (c *FakeMQTTClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
}

func (c *FakeMQTTClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// Subscribed reports whether a handler is registered for topic.
func (c *FakeMQTTClient) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[topic]
	return ok
}

// Deliver invokes the handler for topic synchronously. It reports false if
// nothing is subscribed.
func (c *FakeMQTTClient) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h(c, FakeMessage{TopicName: topic, Body: payload})
	return true
}

// Published returns every publication so far.
func (c *FakeMQTTClient) Published() []Publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Publication(nil), c.published...)
}
