package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Mayoruang/drone9/internal/model"
)

// fakePublisher records published messages and optionally fails.
type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMsg
	err       error
}

type publishedMsg struct {
	topic   string
	payload []byte
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMsg{topic, payload})
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakePublisher) last() publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

// fakeDrones is an in-memory DroneStore.
type fakeDrones struct {
	drones map[uuid.UUID]*model.Drone
}

func (f *fakeDrones) GetDrone(ctx context.Context, id uuid.UUID) (*model.Drone, error) {
	return f.drones[id], nil
}

func (f *fakeDrones) ListDrones(ctx context.Context) ([]*model.Drone, error) {
	out := make([]*model.Drone, 0, len(f.drones))
	for _, d := range f.drones {
		out = append(out, d)
	}
	return out, nil
}

// fakePositions returns a fixed latest sample.
type fakePositions struct {
	sample *model.TelemetrySample
	err    error
}

func (f *fakePositions) Latest(ctx context.Context, droneID uuid.UUID) (*model.TelemetrySample, error) {
	return f.sample, f.err
}

func newTestTracker(pub *fakePublisher, statuses ...model.DroneStatus) (*Tracker, []uuid.UUID) {
	drones := &fakeDrones{drones: make(map[uuid.UUID]*model.Drone)}
	ids := make([]uuid.UUID, 0, len(statuses))
	for i, s := range statuses {
		id := uuid.New()
		drones.drones[id] = &model.Drone{
			ID:           id,
			SerialNumber: fmt.Sprintf("SN-%03d", i),
			Status:       s,
		}
		ids = append(ids, id)
	}
	return NewTracker(pub, drones, nil, nil), ids
}

func TestSendLifecycle(t *testing.T) {
	pub := &fakePublisher{}
	tr, ids := newTestTracker(pub, model.StatusFlying)

	res := tr.Send(context.Background(), ids[0], Request{
		Action:         model.ActionTakeoff,
		Parameters:     map[string]any{},
		Priority:       5,
		TimeoutSeconds: 60,
		Cancellable:    true,
	}, "operator")

	if !res.Success {
		t.Fatalf("Send failed: %+v", res)
	}
	if res.Status != model.CommandSent {
		t.Errorf("result status = %s, want SENT", res.Status)
	}
	wantTopic := "drones/" + ids[0].String() + "/commands"
	if res.Topic != wantTopic {
		t.Errorf("topic = %s, want %s", res.Topic, wantTopic)
	}
	if pub.count() != 1 {
		t.Fatalf("published %d messages, want 1", pub.count())
	}

	cmd := tr.Get(res.CommandID)
	if cmd == nil {
		t.Fatal("command not tracked")
	}
	if cmd.Status != model.CommandSent || cmd.ExecutedAt == nil {
		t.Errorf("tracked command = %+v", cmd)
	}

	var env map[string]any
	if err := json.Unmarshal(pub.last().payload, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env["commandId"] != res.CommandID {
		t.Errorf("envelope commandId = %v", env["commandId"])
	}
	if env["type"] != "TAKEOFF" {
		t.Errorf("envelope type = %v", env["type"])
	}
}

func TestSendDroneNotFound(t *testing.T) {
	pub := &fakePublisher{}
	tr, _ := newTestTracker(pub)

	res := tr.Send(context.Background(), uuid.New(), Request{Action: model.ActionLand}, "operator")
	if res.Success || res.ErrorCode != CodeDroneNotFound {
		t.Fatalf("expected DRONE_NOT_FOUND, got %+v", res)
	}
	if pub.count() != 0 {
		t.Error("nothing should be published for unknown drone")
	}
}

func TestSendUnavailableDrone(t *testing.T) {
	pub := &fakePublisher{}
	tr, ids := newTestTracker(pub, model.StatusOffline)

	res := tr.Send(context.Background(), ids[0], Request{Action: model.ActionLand}, "operator")
	if res.Success || res.ErrorCode != CodeBusinessError {
		t.Fatalf("expected BUSINESS_ERROR for OFFLINE drone, got %+v", res)
	}
}

func TestSendToViolatingDrone(t *testing.T) {
	// Recovery commands stay deliverable to a drone in violation.
	pub := &fakePublisher{}
	tr, ids := newTestTracker(pub, model.StatusGeofenceViolation)

	res := tr.ReturnToHome(context.Background(), ids[0], "operator")
	if !res.Success {
		t.Fatalf("RTH to violating drone should succeed, got %+v", res)
	}
}

func TestSendPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	tr, ids := newTestTracker(pub, model.StatusFlying)

	res := tr.Send(context.Background(), ids[0], Request{Action: model.ActionLand}, "operator")
	if res.Success || res.ErrorCode != CodeSendFailed {
		t.Fatalf("expected MQTT_SEND_FAILED, got %+v", res)
	}
	if res.CommandID == "" {
		t.Fatal("failed sends must still carry the correlation id")
	}
	cmd := tr.Get(res.CommandID)
	if cmd == nil || cmd.Status != model.CommandFailed {
		t.Errorf("tracked command after publish failure = %+v", cmd)
	}
}

func TestValidateParameters(t *testing.T) {
	tests := []struct {
		name   string
		action string
		params map[string]any
		want   bool
	}{
		{"move with position", model.ActionMoveTo, map[string]any{"latitude": 1.0, "longitude": 2.0}, true},
		{"move missing longitude", model.ActionMoveTo, map[string]any{"latitude": 1.0}, false},
		{"altitude in range", model.ActionSetAltitude, map[string]any{"altitude": 120.0}, true},
		{"altitude too high", model.ActionSetAltitude, map[string]any{"altitude": 600.0}, false},
		{"altitude negative", model.ActionSetAltitude, map[string]any{"altitude": -1.0}, false},
		{"altitude as string", model.ActionSetAltitude, map[string]any{"altitude": "250"}, true},
		{"altitude missing", model.ActionSetAltitude, map[string]any{}, false},
		{"speed in range", model.ActionSetSpeed, map[string]any{"speed": 15}, true},
		{"speed too fast", model.ActionSetSpeed, map[string]any{"speed": 31.0}, false},
		{"parameterless land", model.ActionLand, nil, true},
		{"unknown action", "SELF_DESTRUCT", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateParameters(tt.action, tt.params); got != tt.want {
				t.Errorf("ValidateParameters(%s, %v) = %v, want %v", tt.action, tt.params, got, tt.want)
			}
		})
	}
}

func TestSendInvalidParameters(t *testing.T) {
	pub := &fakePublisher{}
	tr, ids := newTestTracker(pub, model.StatusFlying)

	res := tr.Send(context.Background(), ids[0], Request{
		Action:     model.ActionSetAltitude,
		Parameters: map[string]any{"altitude": 600.0},
	}, "operator")
	if res.Success || res.ErrorCode != CodeInvalidParameters {
		t.Fatalf("expected INVALID_PARAMETERS, got %+v", res)
	}
}

func TestConcurrentSendsUniqueIDs(t *testing.T) {
	pub := &fakePublisher{}
	tr, ids := newTestTracker(pub, model.StatusFlying)

	const n = 50
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = tr.Send(context.Background(), ids[0], Request{
				Action:      model.ActionHover,
				Parameters:  map[string]any{},
				Cancellable: true,
			}, "operator")
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, r := range results {
		if !r.Success {
			t.Fatalf("concurrent send failed: %+v", r)
		}
		if seen[r.CommandID] {
			t.Fatalf("duplicate command id %s", r.CommandID)
		}
		seen[r.CommandID] = true
	}
	if pub.count() != n {
		t.Errorf("published %d, want %d", pub.count(), n)
	}
}

func TestEmergencyStop(t *testing.T) {
	pub := &fakePublisher{}
	tr, ids := newTestTracker(pub, model.StatusFlying)

	res := tr.EmergencyStop(context.Background(), ids[0], "operator")
	if !res.Success {
		t.Fatalf("EmergencyStop: %+v", res)
	}
	if res.Cancellable {
		t.Error("emergency stop must not be cancellable")
	}
	if res.TimeoutSeconds != 10 {
		t.Errorf("emergency stop timeout = %d, want 10", res.TimeoutSeconds)
	}

	var env map[string]any
	if err := json.Unmarshal(pub.last().payload, &env); err != nil {
		t.Fatal(err)
	}
	if env["priority"] != float64(10) {
		t.Errorf("priority = %v, want 10", env["priority"])
	}
	// EMERGENCY_STOP maps to LAND on the wire.
	if env["type"] != "LAND" {
		t.Errorf("wire type = %v, want LAND", env["type"])
	}
}

func TestEmergencyStopAll(t *testing.T) {
	pub := &fakePublisher{}
	tr, _ := newTestTracker(pub, model.StatusFlying, model.StatusIdle, model.StatusOffline)

	results := tr.EmergencyStopAll(context.Background(), "operator")
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	ok, failed := 0, 0
	for _, r := range results {
		if r.Success {
			ok++
		} else {
			failed++
		}
	}
	if ok != 2 || failed != 1 {
		t.Errorf("ok=%d failed=%d, want 2/1 (offline drone unavailable)", ok, failed)
	}
}

func TestHoverUsesLatestPosition(t *testing.T) {
	lat, lon, alt := 51.5074, -0.1278, 42.0
	pub := &fakePublisher{}
	drones := &fakeDrones{drones: make(map[uuid.UUID]*model.Drone)}
	id := uuid.New()
	drones.drones[id] = &model.Drone{ID: id, SerialNumber: "SN-000", Status: model.StatusFlying}
	tr := NewTracker(pub, drones, &fakePositions{
		sample: &model.TelemetrySample{Latitude: &lat, Longitude: &lon, Altitude: &alt},
	}, nil)

	res := tr.Hover(context.Background(), id, "operator")
	if !res.Success {
		t.Fatalf("Hover: %+v", res)
	}
	var env struct {
		Parameters map[string]float64 `json:"parameters"`
	}
	if err := json.Unmarshal(pub.last().payload, &env); err != nil {
		t.Fatal(err)
	}
	if env.Parameters["latitude"] != lat || env.Parameters["longitude"] != lon || env.Parameters["altitude"] != alt {
		t.Errorf("hover parameters = %v", env.Parameters)
	}
}

func TestHoverPositionError(t *testing.T) {
	pub := &fakePublisher{}
	drones := &fakeDrones{drones: make(map[uuid.UUID]*model.Drone)}
	id := uuid.New()
	drones.drones[id] = &model.Drone{ID: id, Status: model.StatusFlying}
	tr := NewTracker(pub, drones, &fakePositions{err: errors.New("sink down")}, nil)

	res := tr.Hover(context.Background(), id, "operator")
	if res.Success || res.ErrorCode != CodePositionError {
		t.Fatalf("expected POSITION_ERROR, got %+v", res)
	}
}

func TestCancel(t *testing.T) {
	pub := &fakePublisher{}
	tr, ids := newTestTracker(pub, model.StatusFlying)

	res := tr.SendQuick(context.Background(), ids[0], model.ActionHover, "operator")
	if !res.Success {
		t.Fatal(res.Message)
	}

	if !tr.Cancel(res.CommandID, "operator") {
		t.Fatal("cancel of a cancellable SENT command should succeed")
	}
	cmd := tr.Get(res.CommandID)
	if cmd.Status != model.CommandCancelled || cmd.CompletedAt == nil {
		t.Errorf("after cancel: %+v", cmd)
	}

	// Terminal commands cannot be cancelled again.
	if tr.Cancel(res.CommandID, "operator") {
		t.Error("second cancel should fail")
	}
	// Unknown ids fail.
	if tr.Cancel(uuid.NewString(), "operator") {
		t.Error("cancel of unknown command should fail")
	}
}

func TestCancelNonCancellable(t *testing.T) {
	pub := &fakePublisher{}
	tr, ids := newTestTracker(pub, model.StatusFlying)

	res := tr.EmergencyStop(context.Background(), ids[0], "operator")
	if tr.Cancel(res.CommandID, "operator") {
		t.Error("emergency stop must not be cancellable")
	}
}

func TestHandleResponseLifecycle(t *testing.T) {
	pub := &fakePublisher{}
	tr, ids := newTestTracker(pub, model.StatusFlying)
	res := tr.SendQuick(context.Background(), ids[0], model.ActionTakeoff, "operator")

	steps := []model.CommandStatus{model.CommandReceived, model.CommandExecuting, model.CommandCompleted}
	for _, s := range steps {
		tr.HandleResponse(ids[0], model.CommandResponse{CommandID: res.CommandID, Status: string(s)})
		if got := tr.Get(res.CommandID).Status; got != s {
			t.Fatalf("after %s response, status = %s", s, got)
		}
	}
	if tr.Get(res.CommandID).CompletedAt == nil {
		t.Error("COMPLETED should set CompletedAt")
	}

	// Responses after a terminal state are ignored.
	tr.HandleResponse(ids[0], model.CommandResponse{CommandID: res.CommandID, Status: string(model.CommandFailed)})
	if got := tr.Get(res.CommandID).Status; got != model.CommandCompleted {
		t.Errorf("terminal status mutated to %s", got)
	}
}

func TestHandleResponseFailure(t *testing.T) {
	pub := &fakePublisher{}
	tr, ids := newTestTracker(pub, model.StatusFlying)
	res := tr.SendQuick(context.Background(), ids[0], model.ActionTakeoff, "operator")

	tr.HandleResponse(ids[0], model.CommandResponse{
		CommandID: res.CommandID,
		Status:    string(model.CommandFailed),
		Message:   "motor fault",
	})
	cmd := tr.Get(res.CommandID)
	if cmd.Status != model.CommandFailed || cmd.ErrorMessage != "motor fault" {
		t.Errorf("after FAILED response: %+v", cmd)
	}
}

func TestHandleResponseUnknownStatus(t *testing.T) {
	pub := &fakePublisher{}
	tr, ids := newTestTracker(pub, model.StatusFlying)
	res := tr.SendQuick(context.Background(), ids[0], model.ActionTakeoff, "operator")

	tr.HandleResponse(ids[0], model.CommandResponse{CommandID: res.CommandID, Status: "EXPLODED"})
	if got := tr.Get(res.CommandID).Status; got != model.CommandSent {
		t.Errorf("unknown status must be ignored, got %s", got)
	}
}

func TestHistoryOrderingAndLimit(t *testing.T) {
	pub := &fakePublisher{}
	tr, ids := newTestTracker(pub, model.StatusFlying)

	var sent []string
	for i := 0; i < 5; i++ {
		res := tr.SendQuick(context.Background(), ids[0], model.ActionHover, "operator")
		sent = append(sent, res.CommandID)
		time.Sleep(2 * time.Millisecond)
	}

	hist := tr.History(ids[0], 3)
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	// Newest first.
	if hist[0].ID != sent[4] {
		t.Errorf("history[0] = %s, want most recent %s", hist[0].ID, sent[4])
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].IssuedAt.After(hist[i-1].IssuedAt) {
			t.Error("history not ordered newest first")
		}
	}
}

func TestMarkTimedOut(t *testing.T) {
	pub := &fakePublisher{}
	tr, ids := newTestTracker(pub, model.StatusFlying)
	res := tr.SendQuick(context.Background(), ids[0], model.ActionTakeoff, "operator")

	if !tr.MarkTimedOut(res.CommandID) {
		t.Fatal("MarkTimedOut on SENT command should succeed")
	}
	if got := tr.Get(res.CommandID).Status; got != model.CommandTimeout {
		t.Errorf("status = %s, want TIMEOUT", got)
	}
	if tr.MarkTimedOut(res.CommandID) {
		t.Error("MarkTimedOut on terminal command should fail")
	}
}

func TestSendOffline(t *testing.T) {
	pub := &fakePublisher{}
	tr, ids := newTestTracker(pub, model.StatusIdle)

	res := tr.SendOffline(context.Background(), ids[0], "maintenance window", 30, "admin")
	if !res.Success {
		t.Fatalf("SendOffline: %+v", res)
	}

	var env map[string]any
	if err := json.Unmarshal(pub.last().payload, &env); err != nil {
		t.Fatal(err)
	}
	if env["type"] != "OFFLINE_COMMAND" {
		t.Errorf("type = %v", env["type"])
	}
	if env["reason"] != "maintenance window" {
		t.Errorf("reason = %v", env["reason"])
	}
	if env["gracePeriodSeconds"] != float64(30) {
		t.Errorf("gracePeriodSeconds = %v", env["gracePeriodSeconds"])
	}
	if env["issuedBy"] != "admin" {
		t.Errorf("issuedBy = %v", env["issuedBy"])
	}
}
