// Package geofence implements the airspace violation engine: it tests drone
// positions against active geofences and drives GEOFENCE_VIOLATION status
// transitions, creating one violation record per geofence per transition.
package geofence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/Mayoruang/drone9/internal/model"
	"github.com/Mayoruang/drone9/internal/observability"
	"github.com/Mayoruang/drone9/internal/status"
)

// Store is the slice of the persistence collaborator the engine needs.
type Store interface {
	ActiveGeofences(ctx context.Context) ([]model.Geofence, error)
	SaveDrone(ctx context.Context, d *model.Drone) error
	SaveViolation(ctx context.Context, v *model.Violation) error
}

// Result reports the outcome of one evaluation.
type Result struct {
	// Violations lists the geofences violated at this position.
	Violations []uuid.UUID
	// Transitioned is true when the drone's status changed.
	Transitioned bool
	// NewStatus is the drone's status after evaluation.
	NewStatus model.DroneStatus
}

// Engine evaluates telemetry positions against a cached snapshot of active
// geofences. Geofence definitions change rarely (administrative CRUD), so the
// snapshot is refreshed on a timer rather than queried per sample.
type Engine struct {
	store Store

	mu       sync.RWMutex
	snapshot []model.Geofence

	refreshEvery time.Duration
}

// NewEngine creates an engine backed by the given store. Call Refresh once
// before the first evaluation, then Run to keep the snapshot current.
func NewEngine(store Store, refreshEvery time.Duration) *Engine {
	if refreshEvery <= 0 {
		refreshEvery = time.Minute
	}
	return &Engine{store: store, refreshEvery: refreshEvery}
}

// Refresh reloads the active-geofence snapshot from the store.
func (e *Engine) Refresh(ctx context.Context) error {
	fences, err := e.store.ActiveGeofences(ctx)
	if err != nil {
		return err
	}
	for i := range fences {
		fences[i].Boundary = closeRing(fences[i].Boundary)
	}
	e.mu.Lock()
	e.snapshot = fences
	e.mu.Unlock()
	return nil
}

// Run refreshes the snapshot on a fixed interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Refresh(ctx); err != nil {
				log.Printf("geofence: snapshot refresh failed: %v", err)
			}
		}
	}
}

// Snapshot returns the current active geofences.
func (e *Engine) Snapshot() []model.Geofence {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// Evaluate tests the sample position against all active geofences and applies
// the resulting status transition to the drone. On a transition into
// violation it creates one violation record per violated geofence before the
// status write, so a violation is never silently lost if the status write
// fails. Re-evaluating while the drone stays inside the same violating region
// creates no further records.
func (e *Engine) Evaluate(ctx context.Context, drone *model.Drone, sample *model.TelemetrySample) (Result, error) {
	res := Result{NewStatus: drone.Status}
	if !sample.HasPosition() {
		return res, nil
	}

	lon, lat := *sample.Longitude, *sample.Latitude
	alt := sample.AltitudeOrZero()
	point := orb.Point{lon, lat}

	type hit struct {
		geofence *model.Geofence
		severity model.Severity
	}
	var hits []hit

	e.mu.RLock()
	for i := range e.snapshot {
		g := &e.snapshot[i]
		if !Contains(g, point, sample.Altitude) {
			continue
		}
		switch g.Type {
		case model.NoFlyZone:
			hits = append(hits, hit{g, model.SeverityCritical})
		case model.RestrictedZone:
			if !drone.Authorized(g.ID) {
				hits = append(hits, hit{g, model.SeverityHigh})
			}
		case model.FlyZone:
			// Fly zones never violate.
		}
	}
	e.mu.RUnlock()

	for _, h := range hits {
		res.Violations = append(res.Violations, h.geofence.ID)
	}

	var proposed model.DroneStatus
	switch {
	case len(hits) > 0:
		proposed = model.StatusGeofenceViolation
	case drone.Status == model.StatusGeofenceViolation:
		// Confirmed outside all violating regions: recover to FLYING.
		proposed = model.StatusFlying
	default:
		return res, nil
	}

	next, changed := status.Apply(drone.Status, proposed, status.SourceViolation)
	if !changed {
		return res, nil
	}

	if next == model.StatusGeofenceViolation {
		// New violation event: write the audit trail first. Record-save
		// failures are logged and do not block the status transition.
		when := sample.Timestamp
		if when.IsZero() {
			when = time.Now()
		}
		for _, h := range hits {
			v := &model.Violation{
				ID:         uuid.New(),
				GeofenceID: h.geofence.ID,
				DroneID:    drone.ID,
				Type:       model.ViolationEntry,
				Severity:   h.severity,
				Longitude:  lon,
				Latitude:   lat,
				Altitude:   alt,
				OccurredAt: when,
			}
			if err := e.store.SaveViolation(ctx, v); err != nil {
				log.Printf("geofence: save violation for drone %s geofence %s failed: %v",
					drone.ID, h.geofence.ID, err)
				continue
			}
			observability.ViolationsCreated.WithLabelValues(string(h.severity)).Inc()
		}
		log.Printf("geofence: drone %s (%s) violated %d geofence(s) at (%.6f, %.6f)",
			drone.SerialNumber, drone.ID, len(hits), lat, lon)
	} else {
		log.Printf("geofence: drone %s (%s) left all violating regions, recovering to %s",
			drone.SerialNumber, drone.ID, next)
	}

	drone.Status = next
	if err := e.store.SaveDrone(ctx, drone); err != nil {
		return res, err
	}
	observability.StatusTransitions.WithLabelValues(string(next)).Inc()

	res.Transitioned = true
	res.NewStatus = next
	return res, nil
}

// Contains reports whether the point lies within the geofence boundary.
// Points on a ring vertex or edge count as inside. Altitude bounds are
// checked only when both min and max are set on the geofence and the sample
// carries an altitude.
func Contains(g *model.Geofence, point orb.Point, altitude *float64) bool {
	if len(g.Boundary) < 3 {
		return false
	}
	if !planar.RingContains(closeRing(g.Boundary), point) {
		return false
	}
	if g.AltitudeMin != nil && g.AltitudeMax != nil && altitude != nil {
		if *altitude < *g.AltitudeMin || *altitude > *g.AltitudeMax {
			return false
		}
	}
	return true
}

// closeRing appends the first point when the ring is not explicitly closed.
func closeRing(r orb.Ring) orb.Ring {
	if len(r) < 3 || r.Closed() {
		return r
	}
	out := make(orb.Ring, len(r)+1)
	copy(out, r)
	out[len(r)] = r[0]
	return out
}
