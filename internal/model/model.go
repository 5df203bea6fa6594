// Package model defines the domain types shared across the fleet core:
// drones, geofences, violations, telemetry samples and commands.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// DroneStatus is the single authoritative status of a drone.
type DroneStatus string

const (
	StatusOffline           DroneStatus = "OFFLINE"
	StatusOnline            DroneStatus = "ONLINE"
	StatusFlying            DroneStatus = "FLYING"
	StatusIdle              DroneStatus = "IDLE"
	StatusError             DroneStatus = "ERROR"
	StatusLowBattery        DroneStatus = "LOW_BATTERY"
	StatusTrajectoryError   DroneStatus = "TRAJECTORY_ERROR"
	StatusGeofenceViolation DroneStatus = "GEOFENCE_VIOLATION"
)

// ParseDroneStatus maps a self-reported status string to a DroneStatus.
// The second return is false for unknown values.
func ParseDroneStatus(s string) (DroneStatus, bool) {
	switch DroneStatus(s) {
	case StatusOffline, StatusOnline, StatusFlying, StatusIdle,
		StatusError, StatusLowBattery, StatusTrajectoryError, StatusGeofenceViolation:
		return DroneStatus(s), true
	}
	return "", false
}

// Drone is the persistent drone record. The core reads and mutates only
// Status, LastHeartbeatAt, the offline fields and LastFarewell; everything
// else is owned by the management plane.
type Drone struct {
	ID              uuid.UUID
	SerialNumber    string
	Status          DroneStatus
	LastHeartbeatAt time.Time

	OfflineReason string
	OfflineAt     *time.Time
	OfflineBy     string
	LastFarewell  string

	// AuthorizedGeofences is the set of restricted zones this drone may enter.
	AuthorizedGeofences map[uuid.UUID]bool
}

// Authorized reports whether the drone may enter the given geofence.
func (d *Drone) Authorized(geofenceID uuid.UUID) bool {
	return d.AuthorizedGeofences[geofenceID]
}

// GeofenceType classifies how a geofence gates drone movement.
type GeofenceType string

const (
	NoFlyZone      GeofenceType = "NO_FLY_ZONE"
	FlyZone        GeofenceType = "FLY_ZONE"
	RestrictedZone GeofenceType = "RESTRICTED_ZONE"
)

// Geofence is a polygonal region in WGS-84 coordinates. The boundary ring is
// ordered lon/lat pairs and implicitly closed.
type Geofence struct {
	ID          uuid.UUID
	Name        string
	Description string
	Type        GeofenceType
	Boundary    orb.Ring
	AltitudeMin *float64
	AltitudeMax *float64
	Active      bool

	// AuthorizedDrones is only non-empty for RESTRICTED_ZONE geofences.
	AuthorizedDrones map[uuid.UUID]bool
}

// AcceptsDroneBindings reports whether drones may be bound to this geofence.
// Only restricted zones carry an authorized-drone set.
func (g *Geofence) AcceptsDroneBindings() bool {
	return g.Type == RestrictedZone
}

// ViolationType classifies how a geofence rule was broken.
type ViolationType string

const (
	ViolationEntry          ViolationType = "ENTRY"
	ViolationExit           ViolationType = "EXIT"
	ViolationAltitudeBreach ViolationType = "ALTITUDE_BREACH"
	ViolationTime           ViolationType = "TIME_VIOLATION"
)

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Violation is the audit record created when a drone transitions into a
// violating state. Exactly one record exists per geofence per transition.
type Violation struct {
	ID         uuid.UUID
	GeofenceID uuid.UUID
	DroneID    uuid.UUID
	Type       ViolationType
	Severity   Severity
	Longitude  float64
	Latitude   float64
	Altitude   float64
	OccurredAt time.Time

	Resolved   bool
	ResolvedAt *time.Time
	ResolvedBy string
	Notes      string
}

// TelemetrySample is one normalized telemetry message. Immutable once
// constructed; the core forwards it to the time-series sink but never
// persists it itself.
type TelemetrySample struct {
	DroneID        uuid.UUID `json:"droneId"`
	Timestamp      time.Time `json:"timestamp"`
	BatteryLevel   *float64  `json:"batteryLevel,omitempty"`
	BatteryVoltage *float64  `json:"batteryVoltage,omitempty"`
	Latitude       *float64  `json:"latitude,omitempty"`
	Longitude      *float64  `json:"longitude,omitempty"`
	Altitude       *float64  `json:"altitude,omitempty"`
	Speed          *float64  `json:"speed,omitempty"`
	Heading        *float64  `json:"heading,omitempty"`
	Satellites     *int      `json:"satellites,omitempty"`
	SignalStrength *float64  `json:"signalStrength,omitempty"`
	FlightMode     string    `json:"flightMode,omitempty"`
	Temperature    *float64  `json:"temperature,omitempty"`
	Status         string    `json:"status,omitempty"` // self-reported, optional
	IsArmed        *bool     `json:"isArmed,omitempty"`
}

// HasPosition reports whether the sample carries a usable position.
func (s *TelemetrySample) HasPosition() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// AltitudeOrZero returns the altitude or 0 when absent.
func (s *TelemetrySample) AltitudeOrZero() float64 {
	if s.Altitude == nil {
		return 0
	}
	return *s.Altitude
}

// CommandStatus is the lifecycle state of a tracked command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandSent      CommandStatus = "SENT"
	CommandReceived  CommandStatus = "RECEIVED"
	CommandExecuting CommandStatus = "EXECUTING"
	CommandCompleted CommandStatus = "COMPLETED"
	CommandFailed    CommandStatus = "FAILED"
	CommandCancelled CommandStatus = "CANCELLED"
	CommandTimeout   CommandStatus = "TIMEOUT"
)

// Terminal reports whether the status admits no further transitions.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandCancelled, CommandTimeout:
		return true
	}
	return false
}

// Semantic command actions accepted by the dispatch tracker.
const (
	ActionArm           = "ARM"
	ActionDisarm        = "DISARM"
	ActionTakeoff       = "TAKEOFF"
	ActionLand          = "LAND"
	ActionReturnToHome  = "RETURN_TO_HOME"
	ActionHover         = "HOVER"
	ActionMoveTo        = "MOVE_TO"
	ActionSetAltitude   = "SET_ALTITUDE"
	ActionSetSpeed      = "SET_SPEED"
	ActionEmergencyStop = "EMERGENCY_STOP"
)

// Command is a tracked control command. It lives for the process lifetime of
// the tracker unless a durable store is configured.
type Command struct {
	ID             string // correlation id, globally unique
	DroneID        uuid.UUID
	Action         string
	Parameters     map[string]any
	Priority       int
	TimeoutSeconds int
	Cancellable    bool
	IssuedBy       string
	IssuedAt       time.Time
	ExecutedAt     *time.Time
	CompletedAt    *time.Time
	Status         CommandStatus
	ErrorMessage   string
}
