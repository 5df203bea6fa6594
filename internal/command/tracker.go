// Package command implements the command dispatch and correlation tracker:
// it validates control commands, publishes them to a drone's command topic
// and tracks their lifecycle by correlation id.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Mayoruang/drone9/internal/model"
	"github.com/Mayoruang/drone9/internal/observability"
)

// Caller-facing error codes carried in Result.
const (
	CodeDroneNotFound     = "DRONE_NOT_FOUND"
	CodeInvalidParameters = "INVALID_PARAMETERS"
	CodeSendFailed        = "MQTT_SEND_FAILED"
	CodeBusinessError     = "BUSINESS_ERROR"
	CodeSystemError       = "SYSTEM_ERROR"
	CodePositionError     = "POSITION_ERROR"
)

// Publisher publishes a payload to a transport topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// DroneStore is the slice of the persistence collaborator the tracker needs.
// GetDrone returns nil (no error) when the drone does not exist.
type DroneStore interface {
	GetDrone(ctx context.Context, id uuid.UUID) (*model.Drone, error)
	ListDrones(ctx context.Context) ([]*model.Drone, error)
}

// PositionSource resolves a drone's most recent position, used by Hover.
type PositionSource interface {
	Latest(ctx context.Context, droneID uuid.UUID) (*model.TelemetrySample, error)
}

// Request describes a command to dispatch.
type Request struct {
	Action         string
	Parameters     map[string]any
	Priority       int
	TimeoutSeconds int
	Cancellable    bool
}

// Result is the structured outcome of a dispatch attempt. No error is ever
// thrown across the transport boundary; failures surface here with a code.
type Result struct {
	Success        bool                `json:"success"`
	CommandID      string              `json:"commandId,omitempty"`
	DroneID        uuid.UUID           `json:"droneId"`
	Action         string              `json:"action"`
	Message        string              `json:"message"`
	ErrorCode      string              `json:"errorCode,omitempty"`
	Status         model.CommandStatus `json:"status,omitempty"`
	IssuedAt       time.Time           `json:"issuedAt"`
	TimeoutSeconds int                 `json:"timeoutSeconds,omitempty"`
	Cancellable    bool                `json:"cancellable"`
	Topic          string              `json:"mqttTopic,omitempty"`
}

func failure(droneID uuid.UUID, action, message, code string) Result {
	return Result{
		Success:   false,
		DroneID:   droneID,
		Action:    action,
		Message:   message,
		ErrorCode: code,
		IssuedAt:  time.Now(),
	}
}

// Tracker dispatches commands and tracks their lifecycle.
//
// Two documented constraints inherited from the system's design: commands are
// tracked for the process lifetime unless a durable Store is supplied, and no
// timer forces SENT commands to TIMEOUT — timeoutSeconds is advisory metadata
// for the drone-side executor. MarkTimedOut exists for operators that decide
// otherwise. Concurrent Sends for one drone are not serialized; multiple
// in-flight commands may coexist.
type Tracker struct {
	pub       Publisher
	drones    DroneStore
	positions PositionSource
	store     Store
}

// NewTracker creates a tracker. positions may be nil, in which case Hover
// falls back to default coordinates.
func NewTracker(pub Publisher, drones DroneStore, positions PositionSource, store Store) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{pub: pub, drones: drones, positions: positions, store: store}
}

// availability is the set of statuses that accept commands.
// GEOFENCE_VIOLATION is deliberately included so emergency recovery commands
// (return-to-home, land, emergency stop) stay deliverable to a drone that has
// been forced into violation status.
func available(s model.DroneStatus) bool {
	switch s {
	case model.StatusOnline, model.StatusFlying, model.StatusIdle, model.StatusGeofenceViolation:
		return true
	}
	return false
}

// Send validates and dispatches a command to a drone.
func (t *Tracker) Send(ctx context.Context, droneID uuid.UUID, req Request, issuer string) Result {
	drone, err := t.drones.GetDrone(ctx, droneID)
	if err != nil {
		observability.CommandsDispatched.WithLabelValues("system_error").Inc()
		return failure(droneID, req.Action, fmt.Sprintf("system error: %v", err), CodeSystemError)
	}
	if drone == nil {
		observability.CommandsDispatched.WithLabelValues("not_found").Inc()
		return failure(droneID, req.Action, "drone not found", CodeDroneNotFound)
	}
	if !available(drone.Status) {
		observability.CommandsDispatched.WithLabelValues("unavailable").Inc()
		return failure(droneID, req.Action,
			fmt.Sprintf("drone %s is not available, status: %s", drone.SerialNumber, drone.Status),
			CodeBusinessError)
	}
	if !ValidateParameters(req.Action, req.Parameters) {
		observability.CommandsDispatched.WithLabelValues("invalid_params").Inc()
		return failure(droneID, req.Action, "invalid command parameters", CodeInvalidParameters)
	}

	now := time.Now()
	cmd := &model.Command{
		ID:             uuid.NewString(),
		DroneID:        droneID,
		Action:         req.Action,
		Parameters:     req.Parameters,
		Priority:       req.Priority,
		TimeoutSeconds: req.TimeoutSeconds,
		Cancellable:    req.Cancellable,
		IssuedBy:       issuer,
		IssuedAt:       now,
		Status:         model.CommandPending,
	}
	if err := t.store.Put(cmd); err != nil {
		log.Printf("command: store %s failed: %v", cmd.ID, err)
	}

	topic := commandTopic(droneID)
	payload, err := json.Marshal(newEnvelope(cmd))
	if err != nil {
		observability.CommandsDispatched.WithLabelValues("system_error").Inc()
		return failure(droneID, req.Action, fmt.Sprintf("encode envelope: %v", err), CodeSystemError)
	}

	if err := t.pub.Publish(topic, payload); err != nil {
		cmd.Status = model.CommandFailed
		cmd.ErrorMessage = fmt.Sprintf("publish failed: %v", err)
		if perr := t.store.Put(cmd); perr != nil {
			log.Printf("command: store %s failed: %v", cmd.ID, perr)
		}
		log.Printf("command: publish %s (%s) to drone %s failed: %v", cmd.ID, req.Action, droneID, err)
		observability.CommandsDispatched.WithLabelValues("send_failed").Inc()
		r := failure(droneID, req.Action, "command delivery failed: transport unavailable", CodeSendFailed)
		r.CommandID = cmd.ID
		return r
	}

	executed := time.Now()
	cmd.Status = model.CommandSent
	cmd.ExecutedAt = &executed
	if err := t.store.Put(cmd); err != nil {
		log.Printf("command: store %s failed: %v", cmd.ID, err)
	}
	observability.CommandsDispatched.WithLabelValues("sent").Inc()
	log.Printf("command: %s (%s) sent to drone %s by %s", cmd.ID, req.Action, droneID, issuer)

	return Result{
		Success:        true,
		CommandID:      cmd.ID,
		DroneID:        droneID,
		Action:         req.Action,
		Message:        "command sent",
		Status:         model.CommandSent,
		IssuedAt:       now,
		TimeoutSeconds: req.TimeoutSeconds,
		Cancellable:    req.Cancellable,
		Topic:          topic,
	}
}

// SendQuick dispatches a parameterless command with quick-command defaults:
// high priority, 30 second timeout, cancellable.
func (t *Tracker) SendQuick(ctx context.Context, droneID uuid.UUID, action, issuer string) Result {
	return t.Send(ctx, droneID, Request{
		Action:         action,
		Parameters:     map[string]any{},
		Priority:       8,
		TimeoutSeconds: 30,
		Cancellable:    true,
	}, issuer)
}

// ReturnToHome dispatches a return-to-home quick command.
func (t *Tracker) ReturnToHome(ctx context.Context, droneID uuid.UUID, issuer string) Result {
	return t.SendQuick(ctx, droneID, model.ActionReturnToHome, issuer)
}

// Land dispatches a land quick command.
func (t *Tracker) Land(ctx context.Context, droneID uuid.UUID, issuer string) Result {
	return t.SendQuick(ctx, droneID, model.ActionLand, issuer)
}

// Hover dispatches a hover command targeting the drone's current position,
// resolved from the time-series sink. Falls back to defaults when no recent
// telemetry is available.
func (t *Tracker) Hover(ctx context.Context, droneID uuid.UUID, issuer string) Result {
	lat, lon, alt := 34.0522, -118.2437, 10.0
	if t.positions != nil {
		sample, err := t.positions.Latest(ctx, droneID)
		if err != nil {
			log.Printf("command: resolve hover position for drone %s failed: %v", droneID, err)
			return failure(droneID, model.ActionHover,
				fmt.Sprintf("failed to resolve drone position: %v", err), CodePositionError)
		}
		if sample != nil {
			if sample.Latitude != nil {
				lat = *sample.Latitude
			}
			if sample.Longitude != nil {
				lon = *sample.Longitude
			}
			if sample.Altitude != nil {
				alt = *sample.Altitude
			}
		}
	}
	return t.Send(ctx, droneID, Request{
		Action:         model.ActionHover,
		Parameters:     map[string]any{"latitude": lat, "longitude": lon, "altitude": alt},
		Priority:       8,
		TimeoutSeconds: 30,
		Cancellable:    true,
	}, issuer)
}

// EmergencyStop dispatches an emergency stop: maximum priority, short
// timeout, never cancellable.
func (t *Tracker) EmergencyStop(ctx context.Context, droneID uuid.UUID, issuer string) Result {
	return t.Send(ctx, droneID, Request{
		Action:         model.ActionEmergencyStop,
		Parameters:     map[string]any{"reason": "User emergency stop"},
		Priority:       10,
		TimeoutSeconds: 10,
		Cancellable:    false,
	}, issuer)
}

// EmergencyStopAll emergency-stops every drone known to the store.
func (t *Tracker) EmergencyStopAll(ctx context.Context, issuer string) []Result {
	log.Printf("command: emergency stop all drones requested by %s", issuer)
	drones, err := t.drones.ListDrones(ctx)
	if err != nil {
		return []Result{failure(uuid.Nil, model.ActionEmergencyStop,
			fmt.Sprintf("list drones: %v", err), CodeSystemError)}
	}
	results := make([]Result, 0, len(drones))
	for _, d := range drones {
		results = append(results, t.EmergencyStop(ctx, d.ID, issuer))
	}
	return results
}

// SendOffline publishes an offline command telling the drone to shut down
// after the given grace period. The drone acknowledges with a farewell
// message on its telemetry topic, which moves it to OFFLINE.
func (t *Tracker) SendOffline(ctx context.Context, droneID uuid.UUID, reason string, gracePeriodSeconds int, issuer string) Result {
	drone, err := t.drones.GetDrone(ctx, droneID)
	if err != nil {
		return failure(droneID, "OFFLINE_COMMAND", fmt.Sprintf("system error: %v", err), CodeSystemError)
	}
	if drone == nil {
		return failure(droneID, "OFFLINE_COMMAND", "drone not found", CodeDroneNotFound)
	}

	payload, err := json.Marshal(offlineEnvelope{
		Type:               "OFFLINE_COMMAND",
		Reason:             reason,
		Timestamp:          time.Now().Format(time.RFC3339Nano),
		IssuedBy:           issuer,
		GracePeriodSeconds: gracePeriodSeconds,
	})
	if err != nil {
		return failure(droneID, "OFFLINE_COMMAND", fmt.Sprintf("encode envelope: %v", err), CodeSystemError)
	}
	if err := t.pub.Publish(commandTopic(droneID), payload); err != nil {
		return failure(droneID, "OFFLINE_COMMAND", "command delivery failed: transport unavailable", CodeSendFailed)
	}
	return Result{
		Success:  true,
		DroneID:  droneID,
		Action:   "OFFLINE_COMMAND",
		Message:  "offline command sent",
		IssuedAt: time.Now(),
		Topic:    commandTopic(droneID),
	}
}

// Cancel cancels a tracked command. It returns false when the command does
// not exist, is not flagged cancellable, is already in a terminal state, or
// when the cancel envelope cannot be published.
func (t *Tracker) Cancel(commandID, actor string) bool {
	cmd, err := t.store.Get(commandID)
	if err != nil {
		log.Printf("command: load %s for cancel failed: %v", commandID, err)
		return false
	}
	if cmd == nil {
		log.Printf("command: %s not found for cancellation", commandID)
		return false
	}
	if !cmd.Cancellable {
		log.Printf("command: %s is not cancellable", commandID)
		return false
	}
	if cmd.Status.Terminal() {
		log.Printf("command: %s already in terminal state %s", commandID, cmd.Status)
		return false
	}

	payload, err := json.Marshal(cancelEnvelope{
		Action:     "CANCEL_COMMAND",
		Parameters: map[string]string{"commandId": commandID},
		Timestamp:  time.Now().Format(time.RFC3339Nano),
	})
	if err != nil {
		log.Printf("command: encode cancel for %s failed: %v", commandID, err)
		return false
	}
	if err := t.pub.Publish(commandTopic(cmd.DroneID), payload); err != nil {
		log.Printf("command: publish cancel for %s failed: %v", commandID, err)
		return false
	}

	now := time.Now()
	cmd.Status = model.CommandCancelled
	cmd.CompletedAt = &now
	if err := t.store.Put(cmd); err != nil {
		log.Printf("command: store %s failed: %v", commandID, err)
	}
	log.Printf("command: %s cancelled by %s", commandID, actor)
	return true
}

// Get returns the tracked command with the given id, or nil when unknown.
func (t *Tracker) Get(commandID string) *model.Command {
	cmd, err := t.store.Get(commandID)
	if err != nil {
		log.Printf("command: load %s failed: %v", commandID, err)
		return nil
	}
	return cmd
}

// History returns commands for the drone ordered by issued-at descending,
// truncated to limit.
func (t *Tracker) History(droneID uuid.UUID, limit int) []*model.Command {
	cmds, err := t.store.ForDrone(droneID)
	if err != nil {
		log.Printf("command: history for drone %s failed: %v", droneID, err)
		return nil
	}
	sortByIssuedDesc(cmds)
	if limit > 0 && len(cmds) > limit {
		cmds = cmds[:limit]
	}
	return cmds
}

// HandleResponse applies a drone's command response to the tracked command.
// Responses update lifecycle status only; they never mutate the payload.
func (t *Tracker) HandleResponse(droneID uuid.UUID, resp model.CommandResponse) {
	cmd, err := t.store.Get(resp.CommandID)
	if err != nil {
		log.Printf("command: load %s for response failed: %v", resp.CommandID, err)
		return
	}
	if cmd == nil {
		log.Printf("command: response for unknown command %s from drone %s", resp.CommandID, droneID)
		return
	}
	if cmd.Status.Terminal() {
		log.Printf("command: response %s for %s ignored, already %s", resp.Status, resp.CommandID, cmd.Status)
		return
	}

	now := time.Now()
	switch model.CommandStatus(resp.Status) {
	case model.CommandReceived:
		cmd.Status = model.CommandReceived
	case model.CommandExecuting:
		cmd.Status = model.CommandExecuting
	case model.CommandCompleted:
		cmd.Status = model.CommandCompleted
		cmd.CompletedAt = &now
	case model.CommandFailed:
		cmd.Status = model.CommandFailed
		cmd.CompletedAt = &now
		cmd.ErrorMessage = resp.Message
	default:
		log.Printf("command: unknown response status %q for %s", resp.Status, resp.CommandID)
		return
	}

	if err := t.store.Put(cmd); err != nil {
		log.Printf("command: store %s failed: %v", resp.CommandID, err)
	}
	log.Printf("command: %s -> %s (drone %s)", resp.CommandID, cmd.Status, droneID)
}

// MarkTimedOut forces a non-terminal command to TIMEOUT. No timer in the
// tracker calls this; timeout enforcement belongs to the drone-side executor
// or an operator.
func (t *Tracker) MarkTimedOut(commandID string) bool {
	cmd, err := t.store.Get(commandID)
	if err != nil || cmd == nil || cmd.Status.Terminal() {
		return false
	}
	now := time.Now()
	cmd.Status = model.CommandTimeout
	cmd.CompletedAt = &now
	if err := t.store.Put(cmd); err != nil {
		log.Printf("command: store %s failed: %v", commandID, err)
	}
	return true
}

// ValidateParameters checks action-specific parameter constraints before
// dispatch.
func ValidateParameters(action string, params map[string]any) bool {
	switch action {
	case model.ActionMoveTo:
		_, hasLat := params["latitude"]
		_, hasLon := params["longitude"]
		return hasLat && hasLon
	case model.ActionSetAltitude:
		alt, ok := numericParam(params, "altitude")
		return ok && alt >= 0 && alt <= 500
	case model.ActionSetSpeed:
		speed, ok := numericParam(params, "speed")
		return ok && speed >= 0 && speed <= 30
	case model.ActionArm, model.ActionDisarm, model.ActionTakeoff, model.ActionLand,
		model.ActionReturnToHome, model.ActionHover, model.ActionEmergencyStop:
		return true
	default:
		log.Printf("command: unknown action %q", action)
		return false
	}
}

func numericParam(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func commandTopic(droneID uuid.UUID) string {
	return "drones/" + droneID.String() + "/commands"
}
