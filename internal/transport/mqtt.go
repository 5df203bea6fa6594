// Package transport wraps the MQTT connection: publishing, wildcard
// subscriptions and the resilience manager that keeps the connection alive.
package transport

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler processes one delivered message. Handlers must never panic: a
// failure inside the delivery callback would stop message delivery, so
// decode problems are logged and the message dropped inside the handler.
type Handler func(topic string, payload []byte)

// Client is the narrow transport surface the core depends on. The production
// implementation wraps the paho MQTT client; tests substitute a fake.
type Client interface {
	Connect() error
	Subscribe(topic string, h Handler) error
	Publish(topic string, payload []byte) error
	IsConnected() bool
	Disconnect()
}

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// QoS for both subscriptions and publishes. At-least-once by default.
	QoS byte
	// OpTimeout bounds connect/subscribe/publish token waits.
	OpTimeout time.Duration
}

// MQTTClient implements Client over paho.
type MQTTClient struct {
	c       mqtt.Client
	qos     byte
	timeout time.Duration
}

// NewMQTTClient builds the paho-backed client. onLost is invoked from paho's
// connection-lost callback; the resilience manager registers itself here.
// Automatic reconnection in paho is disabled: reconnects are owned by the
// Manager so they can be health-checked and single-flighted.
func NewMQTTClient(cfg MQTTConfig, onLost func(error)) *MQTTClient {
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(cfg.OpTimeout)
	if onLost != nil {
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { onLost(err) })
	}

	return &MQTTClient{c: mqtt.NewClient(opts), qos: cfg.QoS, timeout: cfg.OpTimeout}
}

// Connect establishes the broker connection.
func (m *MQTTClient) Connect() error {
	tok := m.c.Connect()
	if !tok.WaitTimeout(m.timeout) {
		return fmt.Errorf("connect: timeout after %s", m.timeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Subscribe registers a handler for a topic filter (wildcards allowed).
func (m *MQTTClient) Subscribe(topic string, h Handler) error {
	tok := m.c.Subscribe(topic, m.qos, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if !tok.WaitTimeout(m.timeout) {
		return fmt.Errorf("subscribe %s: timeout after %s", topic, m.timeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Publish sends a payload to a topic at the configured QoS, not retained.
func (m *MQTTClient) Publish(topic string, payload []byte) error {
	if !m.c.IsConnected() {
		return fmt.Errorf("publish %s: not connected", topic)
	}
	tok := m.c.Publish(topic, m.qos, false, payload)
	if !tok.WaitTimeout(m.timeout) {
		return fmt.Errorf("publish %s: timeout after %s", topic, m.timeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports the broker connection state.
func (m *MQTTClient) IsConnected() bool {
	return m.c.IsConnected()
}

// Disconnect closes the connection, allowing in-flight work to finish.
func (m *MQTTClient) Disconnect() {
	m.c.Disconnect(250)
}
