package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Mayoruang/drone9/internal/geofence"
	"github.com/Mayoruang/drone9/internal/model"
)

type fakeStore struct {
	drones map[uuid.UUID]*model.Drone
	saves  int
}

func (f *fakeStore) GetDrone(ctx context.Context, id uuid.UUID) (*model.Drone, error) {
	return f.drones[id], nil
}

func (f *fakeStore) SaveDrone(ctx context.Context, d *model.Drone) error {
	f.saves++
	f.drones[d.ID] = d
	return nil
}

type fakeSink struct {
	samples []*model.TelemetrySample
}

func (f *fakeSink) Write(sample *model.TelemetrySample) {
	f.samples = append(f.samples, sample)
}

type fakeEvaluator struct {
	calls int
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, drone *model.Drone, sample *model.TelemetrySample) (geofence.Result, error) {
	f.calls++
	return geofence.Result{NewStatus: drone.Status}, nil
}

type fakeNotifier struct {
	updates []model.DroneUpdate
}

func (f *fakeNotifier) Publish(update model.DroneUpdate) {
	f.updates = append(f.updates, update)
}

type fakeResponses struct {
	droneIDs  []uuid.UUID
	responses []model.CommandResponse
}

func (f *fakeResponses) HandleResponse(droneID uuid.UUID, resp model.CommandResponse) {
	f.droneIDs = append(f.droneIDs, droneID)
	f.responses = append(f.responses, resp)
}

type fixture struct {
	store     *fakeStore
	sink      *fakeSink
	engine    *fakeEvaluator
	notifier  *fakeNotifier
	responses *fakeResponses
	pipeline  *Pipeline
	droneID   uuid.UUID
}

func newFixture(status model.DroneStatus) *fixture {
	id := uuid.New()
	f := &fixture{
		store: &fakeStore{drones: map[uuid.UUID]*model.Drone{
			id: {ID: id, SerialNumber: "SN-001", Status: status},
		}},
		sink:      &fakeSink{},
		engine:    &fakeEvaluator{},
		notifier:  &fakeNotifier{},
		responses: &fakeResponses{},
		droneID:   id,
	}
	f.pipeline = New(f.store, f.sink, f.engine, f.notifier, f.responses)
	return f
}

func telemetryTopic(id uuid.UUID) string {
	return fmt.Sprintf("drones/%s/telemetry", id)
}

func TestHandleTelemetry(t *testing.T) {
	f := newFixture(model.StatusIdle)
	payload := []byte(`{"latitude": 40.0, "longitude": -74.0, "altitude": 50.0, "batteryLevel": 85.5, "status": "FLYING"}`)

	f.pipeline.HandleTelemetry(telemetryTopic(f.droneID), payload)

	if len(f.sink.samples) != 1 {
		t.Fatalf("sink received %d samples, want 1", len(f.sink.samples))
	}
	sample := f.sink.samples[0]
	if sample.DroneID != f.droneID {
		t.Errorf("sample drone id = %s, want topic identity %s", sample.DroneID, f.droneID)
	}
	if sample.Timestamp.IsZero() {
		t.Error("missing timestamp should be stamped at ingestion")
	}
	if sample.BatteryLevel == nil || *sample.BatteryLevel != 85.5 {
		t.Errorf("battery = %v", sample.BatteryLevel)
	}

	drone := f.store.drones[f.droneID]
	if drone.Status != model.StatusFlying {
		t.Errorf("self-reported status not applied: %s", drone.Status)
	}
	if drone.LastHeartbeatAt.IsZero() {
		t.Error("heartbeat not updated")
	}
	if f.engine.calls != 1 {
		t.Errorf("evaluator called %d times, want 1", f.engine.calls)
	}
	if len(f.notifier.updates) != 1 {
		t.Fatalf("notifier received %d updates, want 1", len(f.notifier.updates))
	}
	if f.notifier.updates[0].Sample == nil {
		t.Error("telemetry update should carry the sample")
	}
}

func TestHandleTelemetryIdentityFromTopic(t *testing.T) {
	// A payload claiming another drone's id must not override the topic.
	f := newFixture(model.StatusFlying)
	other := uuid.New()
	payload := []byte(fmt.Sprintf(`{"droneId": %q, "latitude": 1.0, "longitude": 2.0}`, other))

	f.pipeline.HandleTelemetry(telemetryTopic(f.droneID), payload)

	if len(f.sink.samples) != 1 {
		t.Fatal("sample not ingested")
	}
	if f.sink.samples[0].DroneID != f.droneID {
		t.Errorf("sample attributed to claimed id %s", f.sink.samples[0].DroneID)
	}
}

func TestHandleTelemetryAliases(t *testing.T) {
	f := newFixture(model.StatusIdle)
	payload := []byte(`{"drone_id": "x", "battery_percentage": 42.0, "flight_status": "FLYING", "latitude": 0, "longitude": 0}`)

	f.pipeline.HandleTelemetry(telemetryTopic(f.droneID), payload)

	if len(f.sink.samples) != 1 {
		t.Fatal("sample not ingested")
	}
	s := f.sink.samples[0]
	if s.BatteryLevel == nil || *s.BatteryLevel != 42.0 {
		t.Errorf("battery_percentage alias not coalesced: %v", s.BatteryLevel)
	}
	if f.store.drones[f.droneID].Status != model.StatusFlying {
		t.Errorf("flight_status alias not applied: %s", f.store.drones[f.droneID].Status)
	}
}

func TestHandleTelemetryBadTopic(t *testing.T) {
	f := newFixture(model.StatusFlying)
	f.pipeline.HandleTelemetry("drones/not-a-uuid/telemetry", []byte(`{}`))
	f.pipeline.HandleTelemetry("other/topic", []byte(`{}`))

	if len(f.sink.samples) != 0 || f.store.saves != 0 {
		t.Error("messages with bad topics must be dropped")
	}
}

func TestHandleTelemetryMalformedPayload(t *testing.T) {
	f := newFixture(model.StatusFlying)
	f.pipeline.HandleTelemetry(telemetryTopic(f.droneID), []byte(`{not json`))

	if len(f.sink.samples) != 0 || f.store.saves != 0 {
		t.Error("malformed payloads must be dropped before any side effect")
	}
}

func TestHandleTelemetryUnknownDrone(t *testing.T) {
	f := newFixture(model.StatusFlying)
	unknown := uuid.New()
	f.pipeline.HandleTelemetry(telemetryTopic(unknown), []byte(`{"latitude": 1.0, "longitude": 2.0}`))

	// The raw sample still reaches the sink; everything downstream is skipped.
	if len(f.sink.samples) != 1 {
		t.Errorf("sink received %d samples", len(f.sink.samples))
	}
	if f.store.saves != 0 || f.engine.calls != 0 || len(f.notifier.updates) != 0 {
		t.Error("unknown drone must not reach store, engine or notifier")
	}
}

func TestHandleTelemetryPreservesPayloadTimestamp(t *testing.T) {
	f := newFixture(model.StatusFlying)
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	payload := []byte(fmt.Sprintf(`{"timestamp": %q, "latitude": 1.0, "longitude": 2.0}`, ts.Format(time.RFC3339)))

	f.pipeline.HandleTelemetry(telemetryTopic(f.droneID), payload)

	if len(f.sink.samples) != 1 {
		t.Fatal("sample not ingested")
	}
	if !f.sink.samples[0].Timestamp.Equal(ts) {
		t.Errorf("payload timestamp replaced: %v", f.sink.samples[0].Timestamp)
	}
}

func TestHandleFarewell(t *testing.T) {
	f := newFixture(model.StatusFlying)
	payload := []byte(`{"type": "FAREWELL", "message": "battery low, landing", "issuedBy": "drone"}`)

	f.pipeline.HandleTelemetry(telemetryTopic(f.droneID), payload)

	drone := f.store.drones[f.droneID]
	if drone.Status != model.StatusOffline {
		t.Errorf("status after farewell = %s, want OFFLINE", drone.Status)
	}
	if drone.LastFarewell != "battery low, landing" {
		t.Errorf("farewell text = %q", drone.LastFarewell)
	}
	if drone.OfflineAt == nil || drone.OfflineReason == "" {
		t.Errorf("offline metadata not recorded: %+v", drone)
	}
	if f.engine.calls != 0 {
		t.Error("farewells must skip violation checking")
	}
	if len(f.sink.samples) != 0 {
		t.Error("farewells are not telemetry samples")
	}
	if len(f.notifier.updates) != 1 || f.notifier.updates[0].Farewell == "" {
		t.Errorf("farewell update not published: %+v", f.notifier.updates)
	}
}

func TestHandleFarewellFromViolation(t *testing.T) {
	// A grounded drone is no longer violating airspace.
	f := newFixture(model.StatusGeofenceViolation)
	f.pipeline.HandleTelemetry(telemetryTopic(f.droneID), []byte(`{"type": "FAREWELL", "message": "shutdown"}`))

	if got := f.store.drones[f.droneID].Status; got != model.StatusOffline {
		t.Errorf("status = %s, want OFFLINE", got)
	}
}

func TestSelfStatusIgnoredDuringViolation(t *testing.T) {
	f := newFixture(model.StatusGeofenceViolation)
	f.pipeline.HandleTelemetry(telemetryTopic(f.droneID), []byte(`{"status": "FLYING", "latitude": 1.0, "longitude": 2.0}`))

	if got := f.store.drones[f.droneID].Status; got != model.StatusGeofenceViolation {
		t.Errorf("self-report escaped violation: %s", got)
	}
}

func TestHandleResponse(t *testing.T) {
	f := newFixture(model.StatusFlying)
	topic := fmt.Sprintf("drones/%s/responses", f.droneID)
	f.pipeline.HandleResponse(topic, []byte(`{"commandId": "cmd-1", "status": "EXECUTING"}`))

	if len(f.responses.responses) != 1 {
		t.Fatalf("tracker received %d responses, want 1", len(f.responses.responses))
	}
	if f.responses.droneIDs[0] != f.droneID {
		t.Errorf("response drone id = %s", f.responses.droneIDs[0])
	}
	if f.responses.responses[0].CommandID != "cmd-1" || f.responses.responses[0].Status != "EXECUTING" {
		t.Errorf("response = %+v", f.responses.responses[0])
	}
}

func TestHandleResponseMissingCommandID(t *testing.T) {
	f := newFixture(model.StatusFlying)
	topic := fmt.Sprintf("drones/%s/responses", f.droneID)
	f.pipeline.HandleResponse(topic, []byte(`{"status": "COMPLETED"}`))
	f.pipeline.HandleResponse(topic, []byte(`not json`))

	if len(f.responses.responses) != 0 {
		t.Error("responses without commandId must be dropped")
	}
}
