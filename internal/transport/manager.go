package transport

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mayoruang/drone9/internal/observability"
)

// Manager owns connection resilience: it connects and subscribes on startup,
// re-checks connection health on a fixed interval independent of message
// traffic, and schedules a single delayed reconnect when the transport
// reports a lost connection. All reconnect paths are single-flight guarded
// so overlapping attempts cannot race.
type Manager struct {
	client Client

	mu   sync.Mutex
	subs []subscription
	// subscribed tracks topics registered with the live connection so a
	// repeated resubscribe cannot duplicate delivery.
	subscribed map[string]bool

	reconnecting   atomic.Bool
	initialized    atomic.Bool
	checkEvery     time.Duration
	reconnectDelay time.Duration
}

type subscription struct {
	topic   string
	handler Handler
}

// NewManager creates a resilience manager over the given client.
func NewManager(client Client, checkEvery, reconnectDelay time.Duration) *Manager {
	if checkEvery <= 0 {
		checkEvery = time.Minute
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Manager{
		client:         client,
		subscribed:     make(map[string]bool),
		checkEvery:     checkEvery,
		reconnectDelay: reconnectDelay,
	}
}

// Register adds a topic subscription to restore on every (re)connect.
// Call before Start.
func (m *Manager) Register(topic string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, subscription{topic: topic, handler: h})
}

// Start connects and subscribes. A failure is logged but not returned as
// fatal: the process starts degraded and the health loop keeps retrying.
func (m *Manager) Start(ctx context.Context) {
	if err := m.setup(); err != nil {
		log.Printf("transport: startup connect failed, continuing degraded: %v", err)
	}
	m.initialized.Store(true)
	go m.healthLoop(ctx)
}

// setup connects if needed and restores all registered subscriptions.
func (m *Manager) setup() error {
	if !m.client.IsConnected() {
		if err := m.client.Connect(); err != nil {
			observability.TransportConnected.Set(0)
			return err
		}
		log.Printf("transport: connected")
		// A fresh clean session has no server-side subscriptions.
		m.mu.Lock()
		m.subscribed = make(map[string]bool)
		m.mu.Unlock()
	}
	observability.TransportConnected.Set(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if m.subscribed[s.topic] {
			continue
		}
		if err := m.client.Subscribe(s.topic, s.handler); err != nil {
			return err
		}
		m.subscribed[s.topic] = true
		log.Printf("transport: subscribed to %s", s.topic)
	}
	return nil
}

// healthLoop re-checks the connection on a fixed interval.
func (m *Manager) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.checkEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkConnection()
		}
	}
}

// checkConnection reconnects when the transport is down, single-flight.
func (m *Manager) checkConnection() {
	if !m.initialized.Load() || m.client.IsConnected() {
		if m.client.IsConnected() {
			observability.TransportConnected.Set(1)
		}
		return
	}
	observability.TransportConnected.Set(0)
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer m.reconnecting.Store(false)

	log.Printf("transport: connection down, reconnecting")
	if err := m.setup(); err != nil {
		observability.ReconnectAttempts.WithLabelValues("failed").Inc()
		log.Printf("transport: reconnect failed: %v", err)
		return
	}
	observability.ReconnectAttempts.WithLabelValues("ok").Inc()
	log.Printf("transport: reconnected")
}

// HandleConnectionLost is wired as the transport's connection-lost callback.
// It schedules one reconnect attempt after a fixed delay; the single-flight
// guard covers the waiting period so the health loop cannot start a
// competing attempt.
func (m *Manager) HandleConnectionLost(err error) {
	log.Printf("transport: connection lost: %v", err)
	observability.TransportConnected.Set(0)
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.reconnecting.Store(false)
		time.Sleep(m.reconnectDelay)
		if err := m.setup(); err != nil {
			observability.ReconnectAttempts.WithLabelValues("failed").Inc()
			log.Printf("transport: reconnect failed: %v", err)
			return
		}
		observability.ReconnectAttempts.WithLabelValues("ok").Inc()
		log.Printf("transport: reconnected")
	}()
}

// Publish forwards to the underlying client.
func (m *Manager) Publish(topic string, payload []byte) error {
	return m.client.Publish(topic, payload)
}

// Connected reports transport health for the ops endpoint.
func (m *Manager) Connected() bool {
	return m.client.IsConnected()
}

// Stop disconnects the transport.
func (m *Manager) Stop() {
	m.client.Disconnect()
	observability.TransportConnected.Set(0)
}
