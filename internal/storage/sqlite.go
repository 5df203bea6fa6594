package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Mayoruang/drone9/internal/model"
)

// SQLiteStore implements Store over a local SQLite database. Intended for
// development and tests; production deployments use PostgresStore.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a SQLite database at the given
// path. Pass ":memory:" for an in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// table-lock errors, and keeps :memory: databases on one handle.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

func (s *SQLiteStore) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS drones (
		drone_id            TEXT PRIMARY KEY,
		serial_number       TEXT NOT NULL UNIQUE,
		status              TEXT NOT NULL DEFAULT 'OFFLINE',
		last_heartbeat_at   TEXT,
		offline_reason      TEXT NOT NULL DEFAULT '',
		offline_at          TEXT,
		offline_by          TEXT NOT NULL DEFAULT '',
		last_farewell       TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS geofences (
		geofence_id     TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		geofence_type   TEXT NOT NULL,
		boundary        TEXT NOT NULL,
		altitude_min    REAL,
		altitude_max    REAL,
		active          INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS geofence_drones (
		geofence_id     TEXT NOT NULL,
		drone_id        TEXT NOT NULL,
		PRIMARY KEY (geofence_id, drone_id)
	);

	CREATE TABLE IF NOT EXISTS geofence_violations (
		violation_id    TEXT PRIMARY KEY,
		geofence_id     TEXT NOT NULL,
		drone_id        TEXT NOT NULL,
		violation_type  TEXT NOT NULL,
		severity        TEXT NOT NULL,
		longitude       REAL NOT NULL,
		latitude        REAL NOT NULL,
		altitude        REAL NOT NULL DEFAULT 0,
		occurred_at     TEXT NOT NULL,
		resolved        INTEGER NOT NULL DEFAULT 0,
		resolved_at     TEXT,
		resolved_by     TEXT NOT NULL DEFAULT '',
		notes           TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_violations_drone ON geofence_violations(drone_id, occurred_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	return nil
}

// GetDrone loads a drone with its authorized-geofence set. Returns nil, nil
// when the drone does not exist.
func (s *SQLiteStore) GetDrone(ctx context.Context, id uuid.UUID) (*model.Drone, error) {
	d := &model.Drone{ID: id, AuthorizedGeofences: make(map[uuid.UUID]bool)}
	var status string
	var heartbeat, offlineAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT serial_number, status, last_heartbeat_at, offline_reason, offline_at, offline_by, last_farewell
		FROM drones WHERE drone_id = ?
	`, id.String()).Scan(&d.SerialNumber, &status, &heartbeat, &d.OfflineReason, &offlineAt, &d.OfflineBy, &d.LastFarewell)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get drone %s: %w", id, err)
	}
	d.Status = model.DroneStatus(status)
	if heartbeat.Valid {
		d.LastHeartbeatAt, _ = time.Parse(time.RFC3339Nano, heartbeat.String)
	}
	if offlineAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, offlineAt.String); err == nil {
			d.OfflineAt = &t
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT geofence_id FROM geofence_drones WHERE drone_id = ?`, id.String())
	if err != nil {
		return nil, fmt.Errorf("get drone %s geofences: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan geofence id: %w", err)
		}
		gid, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse geofence id %q: %w", raw, err)
		}
		d.AuthorizedGeofences[gid] = true
	}
	return d, rows.Err()
}

// SaveDrone upserts a drone record.
func (s *SQLiteStore) SaveDrone(ctx context.Context, d *model.Drone) error {
	var heartbeat any
	if !d.LastHeartbeatAt.IsZero() {
		heartbeat = d.LastHeartbeatAt.Format(time.RFC3339Nano)
	}
	var offlineAt any
	if d.OfflineAt != nil {
		offlineAt = d.OfflineAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drones (drone_id, serial_number, status, last_heartbeat_at, offline_reason, offline_at, offline_by, last_farewell)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (drone_id) DO UPDATE SET
			status = excluded.status,
			last_heartbeat_at = excluded.last_heartbeat_at,
			offline_reason = excluded.offline_reason,
			offline_at = excluded.offline_at,
			offline_by = excluded.offline_by,
			last_farewell = excluded.last_farewell
	`, d.ID.String(), d.SerialNumber, string(d.Status), heartbeat, d.OfflineReason, offlineAt, d.OfflineBy, d.LastFarewell)
	if err != nil {
		return fmt.Errorf("save drone %s: %w", d.ID, err)
	}
	return nil
}

// ListDrones returns all drone records.
func (s *SQLiteStore) ListDrones(ctx context.Context) ([]*model.Drone, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT drone_id FROM drones ORDER BY serial_number`)
	if err != nil {
		return nil, fmt.Errorf("list drones: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan drone id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse drone id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drones: %w", err)
	}

	drones := make([]*model.Drone, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDrone(ctx, id)
		if err != nil {
			return nil, err
		}
		if d != nil {
			drones = append(drones, d)
		}
	}
	return drones, nil
}

// ActiveGeofences returns all active geofences with their authorized drones.
func (s *SQLiteStore) ActiveGeofences(ctx context.Context) ([]model.Geofence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT geofence_id, name, description, geofence_type, boundary, altitude_min, altitude_max, active
		FROM geofences WHERE active = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("query active geofences: %w", err)
	}
	defer rows.Close()

	var fences []model.Geofence
	for rows.Next() {
		var g model.Geofence
		var rawID, gType, boundary string
		if err := rows.Scan(&rawID, &g.Name, &g.Description, &gType, &boundary, &g.AltitudeMin, &g.AltitudeMax, &g.Active); err != nil {
			return nil, fmt.Errorf("scan geofence: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("parse geofence id %q: %w", rawID, err)
		}
		g.ID = id
		g.Type = model.GeofenceType(gType)
		if err := json.Unmarshal([]byte(boundary), &g.Boundary); err != nil {
			return nil, fmt.Errorf("decode boundary for geofence %s: %w", g.ID, err)
		}
		g.AuthorizedDrones = make(map[uuid.UUID]bool)
		fences = append(fences, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate geofences: %w", err)
	}

	for i := range fences {
		bound, err := s.boundDrones(ctx, fences[i].ID)
		if err != nil {
			return nil, err
		}
		for _, id := range bound {
			fences[i].AuthorizedDrones[id] = true
		}
	}
	return fences, nil
}

func (s *SQLiteStore) boundDrones(ctx context.Context, geofenceID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT drone_id FROM geofence_drones WHERE geofence_id = ?`, geofenceID.String())
	if err != nil {
		return nil, fmt.Errorf("query bound drones: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan drone id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse drone id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AuthorizedGeofences returns the geofence ids the drone is bound to.
func (s *SQLiteStore) AuthorizedGeofences(ctx context.Context, droneID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT geofence_id FROM geofence_drones WHERE drone_id = ?`, droneID.String())
	if err != nil {
		return nil, fmt.Errorf("query authorized geofences: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan geofence id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse geofence id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveGeofence upserts a geofence definition.
func (s *SQLiteStore) SaveGeofence(ctx context.Context, g *model.Geofence) error {
	boundary, err := json.Marshal(g.Boundary)
	if err != nil {
		return fmt.Errorf("encode boundary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO geofences (geofence_id, name, description, geofence_type, boundary, altitude_min, altitude_max, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (geofence_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			geofence_type = excluded.geofence_type,
			boundary = excluded.boundary,
			altitude_min = excluded.altitude_min,
			altitude_max = excluded.altitude_max,
			active = excluded.active
	`, g.ID.String(), g.Name, g.Description, string(g.Type), string(boundary), g.AltitudeMin, g.AltitudeMax, g.Active)
	if err != nil {
		return fmt.Errorf("save geofence %s: %w", g.ID, err)
	}
	return nil
}

// BindDrones authorizes drones for a geofence. Only restricted zones carry
// drone bindings, and every referenced drone must exist.
func (s *SQLiteStore) BindDrones(ctx context.Context, geofenceID uuid.UUID, droneIDs []uuid.UUID) error {
	var gType string
	err := s.db.QueryRowContext(ctx, `SELECT geofence_type FROM geofences WHERE geofence_id = ?`, geofenceID.String()).Scan(&gType)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get geofence %s: %w", geofenceID, err)
	}
	if model.GeofenceType(gType) != model.RestrictedZone {
		return ErrInvalidBinding
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bind: %w", err)
	}
	defer tx.Rollback()

	for _, droneID := range droneIDs {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM drones WHERE drone_id = ?`, droneID.String()).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check drone %s: %w", droneID, err)
		}
		if exists == 0 {
			return ErrUnknownDrone
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO geofence_drones (geofence_id, drone_id) VALUES (?, ?)
		`, geofenceID.String(), droneID.String()); err != nil {
			return fmt.Errorf("bind drone %s: %w", droneID, err)
		}
	}
	return tx.Commit()
}

// UnbindDrone removes a drone's authorization for a geofence.
func (s *SQLiteStore) UnbindDrone(ctx context.Context, geofenceID, droneID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM geofence_drones WHERE geofence_id = ? AND drone_id = ?
	`, geofenceID.String(), droneID.String())
	if err != nil {
		return fmt.Errorf("unbind drone %s: %w", droneID, err)
	}
	return nil
}

// SaveViolation inserts a violation record.
func (s *SQLiteStore) SaveViolation(ctx context.Context, v *model.Violation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO geofence_violations
			(violation_id, geofence_id, drone_id, violation_type, severity, longitude, latitude, altitude, occurred_at, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, v.ID.String(), v.GeofenceID.String(), v.DroneID.String(), string(v.Type), string(v.Severity),
		v.Longitude, v.Latitude, v.Altitude, v.OccurredAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save violation %s: %w", v.ID, err)
	}
	return nil
}

// ResolveViolation marks a violation resolved. Resolving twice is rejected.
func (s *SQLiteStore) ResolveViolation(ctx context.Context, violationID uuid.UUID, notes, resolvedBy string) error {
	var resolved int
	err := s.db.QueryRowContext(ctx, `SELECT resolved FROM geofence_violations WHERE violation_id = ?`, violationID.String()).Scan(&resolved)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get violation %s: %w", violationID, err)
	}
	if resolved != 0 {
		return ErrAlreadyResolved
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE geofence_violations
		SET resolved = 1, resolved_at = ?, resolved_by = ?, notes = ?
		WHERE violation_id = ?
	`, time.Now().UTC().Format(time.RFC3339Nano), resolvedBy, notes, violationID.String())
	if err != nil {
		return fmt.Errorf("resolve violation %s: %w", violationID, err)
	}
	return nil
}
