// Package storage provides the persistence collaborator (drones, geofences,
// violations) and the ClickHouse time-series sink for telemetry.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/Mayoruang/drone9/internal/model"
)

var (
	// ErrInvalidBinding is returned when drones are bound to a geofence
	// type that does not carry an authorized-drone set. Only restricted
	// zones accept bindings.
	ErrInvalidBinding = errors.New("storage: only RESTRICTED_ZONE geofences accept drone bindings")

	// ErrUnknownDrone is returned when a bind request references a drone
	// that does not exist.
	ErrUnknownDrone = errors.New("storage: unknown drone id in bind request")

	// ErrNotFound is returned by mutating operations whose target record
	// does not exist.
	ErrNotFound = errors.New("storage: record not found")

	// ErrAlreadyResolved is returned when resolving a violation twice.
	ErrAlreadyResolved = errors.New("storage: violation already resolved")
)

// Store is the persistence collaborator consumed by the core. GetDrone
// returns nil (no error) when the drone does not exist.
type Store interface {
	GetDrone(ctx context.Context, id uuid.UUID) (*model.Drone, error)
	SaveDrone(ctx context.Context, d *model.Drone) error
	ListDrones(ctx context.Context) ([]*model.Drone, error)

	ActiveGeofences(ctx context.Context) ([]model.Geofence, error)
	AuthorizedGeofences(ctx context.Context, droneID uuid.UUID) ([]uuid.UUID, error)
	SaveGeofence(ctx context.Context, g *model.Geofence) error
	BindDrones(ctx context.Context, geofenceID uuid.UUID, droneIDs []uuid.UUID) error
	UnbindDrone(ctx context.Context, geofenceID, droneID uuid.UUID) error

	SaveViolation(ctx context.Context, v *model.Violation) error
	ResolveViolation(ctx context.Context, violationID uuid.UUID, notes, resolvedBy string) error

	Close()
}
