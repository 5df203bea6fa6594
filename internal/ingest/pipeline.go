// Package ingest decodes inbound telemetry, farewell and command-response
// messages and forwards them to the violation engine, the time-series sink
// and the notification sink.
package ingest

import (
	"context"
	"encoding/json"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/Mayoruang/drone9/internal/geofence"
	"github.com/Mayoruang/drone9/internal/model"
	"github.com/Mayoruang/drone9/internal/observability"
	"github.com/Mayoruang/drone9/internal/status"
)

// Topic filters the pipeline subscribes to.
const (
	TelemetryTopicFilter = "drones/+/telemetry"
	ResponsesTopicFilter = "drones/+/responses"
)

var (
	telemetryTopicRe = regexp.MustCompile(`^drones/([^/]+)/telemetry$`)
	responsesTopicRe = regexp.MustCompile(`^drones/([^/]+)/responses$`)
)

// Store is the slice of the persistence collaborator the pipeline needs.
// GetDrone returns nil (no error) when the drone does not exist.
type Store interface {
	GetDrone(ctx context.Context, id uuid.UUID) (*model.Drone, error)
	SaveDrone(ctx context.Context, d *model.Drone) error
}

// TimeseriesSink receives every normalized telemetry sample. Write must not
// block the delivery callback.
type TimeseriesSink interface {
	Write(sample *model.TelemetrySample)
}

// Evaluator runs the geofence violation check for a sample.
type Evaluator interface {
	Evaluate(ctx context.Context, drone *model.Drone, sample *model.TelemetrySample) (geofence.Result, error)
}

// Notifier receives normalized per-drone updates, fire-and-forget.
type Notifier interface {
	Publish(update model.DroneUpdate)
}

// ResponseHandler correlates command responses back to the tracker.
type ResponseHandler interface {
	HandleResponse(droneID uuid.UUID, resp model.CommandResponse)
}

// Pipeline is the telemetry ingestion pipeline. Its handlers run on the
// transport delivery callback and never propagate errors upward: a panic or
// error escaping the callback would stop message delivery, so malformed
// input is logged and dropped here.
type Pipeline struct {
	store     Store
	sink      TimeseriesSink
	engine    Evaluator
	notifier  Notifier
	responses ResponseHandler

	// opTimeout bounds the persistence work done per message.
	opTimeout time.Duration
}

// New creates a pipeline. sink, engine, notifier and responses may be nil in
// partial deployments; nil collaborators are skipped.
func New(store Store, sink TimeseriesSink, engine Evaluator, notifier Notifier, responses ResponseHandler) *Pipeline {
	return &Pipeline{
		store:     store,
		sink:      sink,
		engine:    engine,
		notifier:  notifier,
		responses: responses,
		opTimeout: 10 * time.Second,
	}
}

// HandleTelemetry processes one message from a drone's telemetry topic.
// The drone identity comes from the topic path, never from the payload, so a
// drone cannot impersonate another.
func (p *Pipeline) HandleTelemetry(topic string, payload []byte) {
	droneID, ok := droneIDFromTopic(telemetryTopicRe, topic)
	if !ok {
		log.Printf("ingest: cannot extract drone id from topic %q, dropping", topic)
		observability.MessagesDropped.WithLabelValues("bad_topic").Inc()
		return
	}

	if model.ProbeMessageType(payload) == model.MessageTypeFarewell {
		p.handleFarewell(droneID, payload)
		return
	}

	sample, claimedID, err := model.DecodeTelemetry(payload)
	if err != nil {
		log.Printf("ingest: malformed telemetry from drone %s: %v", droneID, err)
		observability.MessagesDropped.WithLabelValues("decode").Inc()
		return
	}
	if claimedID != "" && claimedID != droneID.String() {
		log.Printf("ingest: drone %s payload claims id %q, using topic identity", droneID, claimedID)
	}
	sample.DroneID = droneID
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	observability.MessagesIngested.WithLabelValues("telemetry").Inc()

	// The time-series write is buffered and never blocks this callback.
	if p.sink != nil {
		p.sink.Write(sample)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opTimeout)
	defer cancel()

	drone, err := p.store.GetDrone(ctx, droneID)
	if err != nil {
		log.Printf("ingest: load drone %s failed: %v", droneID, err)
		return
	}
	if drone == nil {
		log.Printf("ingest: telemetry for unknown drone %s, dropping", droneID)
		observability.MessagesDropped.WithLabelValues("unknown_drone").Inc()
		return
	}

	drone.LastHeartbeatAt = sample.Timestamp
	p.applySelfStatus(drone, sample)
	if err := p.store.SaveDrone(ctx, drone); err != nil {
		log.Printf("ingest: save heartbeat for drone %s failed: %v", droneID, err)
	}

	if p.engine != nil {
		if _, err := p.engine.Evaluate(ctx, drone, sample); err != nil {
			log.Printf("ingest: violation check for drone %s failed: %v", droneID, err)
		}
	}

	if p.notifier != nil {
		p.notifier.Publish(model.DroneUpdate{
			DroneID:      drone.ID,
			SerialNumber: drone.SerialNumber,
			Status:       drone.Status,
			Sample:       sample,
		})
	}
}

// applySelfStatus applies a self-reported telemetry status through the state
// machine. It is ignored while the drone is in GEOFENCE_VIOLATION.
func (p *Pipeline) applySelfStatus(drone *model.Drone, sample *model.TelemetrySample) {
	if sample.Status == "" {
		return
	}
	reported, ok := model.ParseDroneStatus(sample.Status)
	if !ok {
		log.Printf("ingest: drone %s reported invalid status %q", drone.ID, sample.Status)
		return
	}
	next, changed := status.Apply(drone.Status, reported, status.SourceTelemetry)
	if !changed {
		return
	}
	log.Printf("ingest: drone %s (%s) status %s -> %s (self-reported)",
		drone.SerialNumber, drone.ID, drone.Status, next)
	drone.Status = next
	observability.StatusTransitions.WithLabelValues(string(next)).Inc()
}

// handleFarewell processes a drone's voluntary shutdown announcement:
// status OFFLINE, offline metadata, farewell text. Violation checking is
// skipped for farewells.
func (p *Pipeline) handleFarewell(droneID uuid.UUID, payload []byte) {
	var fw model.Farewell
	if err := json.Unmarshal(payload, &fw); err != nil {
		log.Printf("ingest: malformed farewell from drone %s: %v", droneID, err)
		observability.MessagesDropped.WithLabelValues("decode").Inc()
		return
	}
	observability.MessagesIngested.WithLabelValues("farewell").Inc()
	log.Printf("ingest: farewell from drone %s: %s", droneID, fw.Message)

	ctx, cancel := context.WithTimeout(context.Background(), p.opTimeout)
	defer cancel()

	drone, err := p.store.GetDrone(ctx, droneID)
	if err != nil {
		log.Printf("ingest: load drone %s failed: %v", droneID, err)
		return
	}
	if drone == nil {
		log.Printf("ingest: farewell from unknown drone %s, dropping", droneID)
		observability.MessagesDropped.WithLabelValues("unknown_drone").Inc()
		return
	}

	drone.LastFarewell = fw.Message
	if next, changed := status.Apply(drone.Status, model.StatusOffline, status.SourceFarewell); changed {
		when := time.Now()
		if fw.Timestamp != nil {
			when = *fw.Timestamp
		}
		drone.Status = next
		drone.OfflineAt = &when
		if drone.OfflineReason == "" {
			drone.OfflineReason = "Drone initiated shutdown: " + fw.Message
		}
		if fw.IssuedBy != "" && drone.OfflineBy == "" {
			drone.OfflineBy = fw.IssuedBy
		}
		observability.StatusTransitions.WithLabelValues(string(next)).Inc()
		log.Printf("ingest: drone %s (%s) is now offline", drone.SerialNumber, droneID)
	}

	if err := p.store.SaveDrone(ctx, drone); err != nil {
		log.Printf("ingest: save drone %s failed: %v", droneID, err)
	}

	if p.notifier != nil {
		p.notifier.Publish(model.DroneUpdate{
			DroneID:      drone.ID,
			SerialNumber: drone.SerialNumber,
			Status:       drone.Status,
			Farewell:     fw.Message,
		})
	}
}

// HandleResponse processes one message from a drone's responses topic and
// forwards the status update to the command tracker.
func (p *Pipeline) HandleResponse(topic string, payload []byte) {
	droneID, ok := droneIDFromTopic(responsesTopicRe, topic)
	if !ok {
		log.Printf("ingest: cannot extract drone id from topic %q, dropping", topic)
		observability.MessagesDropped.WithLabelValues("bad_topic").Inc()
		return
	}

	var resp model.CommandResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		log.Printf("ingest: malformed command response from drone %s: %v", droneID, err)
		observability.MessagesDropped.WithLabelValues("decode").Inc()
		return
	}
	if resp.CommandID == "" {
		log.Printf("ingest: command response from drone %s without commandId, dropping", droneID)
		observability.MessagesDropped.WithLabelValues("decode").Inc()
		return
	}
	observability.MessagesIngested.WithLabelValues("response").Inc()

	if p.responses != nil {
		p.responses.HandleResponse(droneID, resp)
	}
}

// droneIDFromTopic extracts and validates the drone UUID embedded in a topic
// path.
func droneIDFromTopic(re *regexp.Regexp, topic string) (uuid.UUID, bool) {
	m := re.FindStringSubmatch(topic)
	if m == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(m[1])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
