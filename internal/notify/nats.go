// Package notify publishes normalized drone updates to NATS subjects for
// downstream consumers (dashboards, alerting, archival).
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Mayoruang/drone9/internal/model"
)

// subjectPrefix is the root of the per-drone update subject space. Updates
// for drone X go to fleet.drones.<uuid>.updates, so consumers can subscribe
// to one drone or to fleet.drones.*.updates for everything.
const subjectPrefix = "fleet.drones"

// NATSNotifier publishes drone updates to NATS. Publishing is best-effort;
// a failed publish is logged and dropped, never surfaced to the ingest path.
type NATSNotifier struct {
	conn *nats.Conn
}

// Connect establishes a NATS connection with reconnect enabled.
func Connect(url string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("nats: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats: reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSNotifier{conn: conn}, nil
}

// Publish sends one drone update, fire-and-forget.
func (n *NATSNotifier) Publish(update model.DroneUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		log.Printf("notify: encode update for drone %s: %v", update.DroneID, err)
		return
	}
	subject := fmt.Sprintf("%s.%s.updates", subjectPrefix, update.DroneID)
	if err := n.conn.Publish(subject, payload); err != nil {
		log.Printf("notify: publish %s: %v", subject, err)
	}
}

// Close drains and closes the connection.
func (n *NATSNotifier) Close() {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}
