// Package status implements the drone status state machine. All status
// writes in the core go through Apply so the GEOFENCE_VIOLATION precedence
// rule lives in exactly one place.
package status

import "github.com/Mayoruang/drone9/internal/model"

// Source identifies which part of the system proposes a transition.
type Source int

const (
	// SourceTelemetry is a self-reported status inside a telemetry sample.
	SourceTelemetry Source = iota
	// SourceViolation is the geofence violation engine.
	SourceViolation
	// SourceCommand is a command-completion event (e.g. an offline command).
	SourceCommand
	// SourceFarewell is a drone-initiated farewell message.
	SourceFarewell
)

func (s Source) String() string {
	switch s {
	case SourceTelemetry:
		return "telemetry"
	case SourceViolation:
		return "violation-engine"
	case SourceCommand:
		return "command"
	case SourceFarewell:
		return "farewell"
	}
	return "unknown"
}

// Apply decides whether current may become proposed given the source of the
// proposal. It returns the resulting status and whether it differs from
// current. Rules:
//
//   - While a drone is in GEOFENCE_VIOLATION, only the violation engine may
//     change its status via telemetry flow; farewell and command events may
//     still force OFFLINE (a grounded drone is no longer violating airspace).
//   - GEOFENCE_VIOLATION itself is only ever set by the violation engine;
//     drones cannot self-report into it.
//   - ERROR and TRAJECTORY_ERROR are only ever self-reported; the core never
//     synthesizes them.
func Apply(current, proposed model.DroneStatus, src Source) (model.DroneStatus, bool) {
	if proposed == current {
		return current, false
	}

	switch proposed {
	case model.StatusGeofenceViolation:
		if src != SourceViolation {
			return current, false
		}
	case model.StatusError, model.StatusTrajectoryError:
		if src != SourceTelemetry {
			return current, false
		}
	}

	if current == model.StatusGeofenceViolation {
		switch src {
		case SourceViolation:
			// The engine clears its own status once the drone is confirmed
			// outside all violating regions.
		case SourceFarewell, SourceCommand:
			if proposed != model.StatusOffline {
				return current, false
			}
		default:
			return current, false
		}
	}

	return proposed, true
}
