package pubsub

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/nerrad567/robotlink-core/internal/infrastructure/mqtt"
)

// mqttBus is the subset of *mqtt.Client used by MQTTLayer.
type mqttBus interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Topics() mqtt.Topics
}

// MQTTLayer routes group messages through an MQTT broker.
//
// Publish sends to <prefix>/group/<name>. Start subscribes to the group
// wildcard and hands every received message to the local members of that
// group, so a message published by any process sharing the broker reaches
// subscribers in all of them.
type MQTTLayer struct {
	bus    mqttBus
	qos    byte
	local  *Local
	logger Logger
	closed atomic.Bool
}

// NewMQTTLayer creates an MQTT-backed layer. Call Start before use.
func NewMQTTLayer(client *mqtt.Client, qos byte) *MQTTLayer {
	return newMQTTLayer(client, qos)
}

func newMQTTLayer(bus mqttBus, qos byte) *MQTTLayer {
	return &MQTTLayer{
		bus:    bus,
		qos:    qos,
		local:  NewLocal(),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for relay diagnostics.
func (m *MQTTLayer) SetLogger(logger Logger) {
	m.logger = logger
}

// Start subscribes to all group topics.
func (m *MQTTLayer) Start() error {
	topic := m.bus.Topics().AllGroups()
	if err := m.bus.Subscribe(topic, m.qos, m.relay); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	m.logger.Info("pubsub relay subscribed", "backend", "mqtt", "topic", topic)
	return nil
}

func (m *MQTTLayer) relay(topic string, payload []byte) error {
	group, ok := m.bus.Topics().GroupFromTopic(topic)
	if !ok {
		m.logger.Debug("ignoring message on unexpected topic", "topic", topic)
		return nil
	}
	m.local.deliver(group, payload)
	return nil
}

// Publish sends payload to the group topic.
func (m *MQTTLayer) Publish(ctx context.Context, group string, payload []byte) error {
	if !validGroup(group) {
		return ErrInvalidGroup
	}
	if m.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", group, err)
	}
	if err := m.bus.Publish(m.bus.Topics().Group(group), payload, m.qos, false); err != nil {
		return fmt.Errorf("publishing to %s: %w", group, err)
	}
	return nil
}

// Join adds sub to group.
func (m *MQTTLayer) Join(group string, sub Subscriber) {
	m.local.Join(group, sub)
}

// Leave removes a subscriber from group.
func (m *MQTTLayer) Leave(group string, subscriberID string) {
	m.local.Leave(group, subscriberID)
}

// Close unsubscribes from the group wildcard. The MQTT client itself is
// owned by the caller.
func (m *MQTTLayer) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return m.bus.Unsubscribe(m.bus.Topics().AllGroups())
}
