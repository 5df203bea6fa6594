package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Mayoruang/drone9/internal/model"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PostgresStore implements Store over a PostgreSQL connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CreateSchema creates the PostgreSQL tables.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS drones (
		drone_id            UUID PRIMARY KEY,
		serial_number       TEXT NOT NULL UNIQUE,
		status              TEXT NOT NULL DEFAULT 'OFFLINE',
		last_heartbeat_at   TIMESTAMPTZ,
		offline_reason      TEXT NOT NULL DEFAULT '',
		offline_at          TIMESTAMPTZ,
		offline_by          TEXT NOT NULL DEFAULT '',
		last_farewell       TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS geofences (
		geofence_id     UUID PRIMARY KEY,
		name            TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		geofence_type   TEXT NOT NULL,
		boundary        JSONB NOT NULL,
		altitude_min    DOUBLE PRECISION,
		altitude_max    DOUBLE PRECISION,
		active          BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE INDEX IF NOT EXISTS idx_geofences_active ON geofences(active);

	CREATE TABLE IF NOT EXISTS geofence_drones (
		geofence_id     UUID NOT NULL REFERENCES geofences(geofence_id) ON DELETE CASCADE,
		drone_id        UUID NOT NULL REFERENCES drones(drone_id) ON DELETE CASCADE,
		PRIMARY KEY (geofence_id, drone_id)
	);

	CREATE TABLE IF NOT EXISTS geofence_violations (
		violation_id    UUID PRIMARY KEY,
		geofence_id     UUID NOT NULL,
		drone_id        UUID NOT NULL,
		violation_type  TEXT NOT NULL,
		severity        TEXT NOT NULL,
		longitude       DOUBLE PRECISION NOT NULL,
		latitude        DOUBLE PRECISION NOT NULL,
		altitude        DOUBLE PRECISION NOT NULL DEFAULT 0,
		occurred_at     TIMESTAMPTZ NOT NULL,
		resolved        BOOLEAN NOT NULL DEFAULT FALSE,
		resolved_at     TIMESTAMPTZ,
		resolved_by     TEXT NOT NULL DEFAULT '',
		notes           TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_violations_drone ON geofence_violations(drone_id, occurred_at DESC);
	CREATE INDEX IF NOT EXISTS idx_violations_geofence ON geofence_violations(geofence_id, occurred_at DESC);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// GetDrone loads a drone with its authorized-geofence set. Returns nil, nil
// when the drone does not exist.
func (s *PostgresStore) GetDrone(ctx context.Context, id uuid.UUID) (*model.Drone, error) {
	d := &model.Drone{ID: id, AuthorizedGeofences: make(map[uuid.UUID]bool)}
	var heartbeat, offlineAt *time.Time

	err := s.pool.QueryRow(ctx, `
		SELECT serial_number, status, last_heartbeat_at, offline_reason, offline_at, offline_by, last_farewell
		FROM drones WHERE drone_id = $1
	`, id).Scan(&d.SerialNumber, &d.Status, &heartbeat, &d.OfflineReason, &offlineAt, &d.OfflineBy, &d.LastFarewell)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get drone %s: %w", id, err)
	}
	if heartbeat != nil {
		d.LastHeartbeatAt = *heartbeat
	}
	d.OfflineAt = offlineAt

	rows, err := s.pool.Query(ctx, `SELECT geofence_id FROM geofence_drones WHERE drone_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get drone %s geofences: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var gid uuid.UUID
		if err := rows.Scan(&gid); err != nil {
			return nil, fmt.Errorf("scan geofence id: %w", err)
		}
		d.AuthorizedGeofences[gid] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate geofence ids: %w", err)
	}
	return d, nil
}

// SaveDrone upserts a drone record.
func (s *PostgresStore) SaveDrone(ctx context.Context, d *model.Drone) error {
	var heartbeat *time.Time
	if !d.LastHeartbeatAt.IsZero() {
		heartbeat = &d.LastHeartbeatAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO drones (drone_id, serial_number, status, last_heartbeat_at, offline_reason, offline_at, offline_by, last_farewell)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (drone_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			offline_reason = EXCLUDED.offline_reason,
			offline_at = EXCLUDED.offline_at,
			offline_by = EXCLUDED.offline_by,
			last_farewell = EXCLUDED.last_farewell
	`, d.ID, d.SerialNumber, d.Status, heartbeat, d.OfflineReason, d.OfflineAt, d.OfflineBy, d.LastFarewell)
	if err != nil {
		return fmt.Errorf("save drone %s: %w", d.ID, err)
	}
	return nil
}

// ListDrones returns all drone records.
func (s *PostgresStore) ListDrones(ctx context.Context) ([]*model.Drone, error) {
	rows, err := s.pool.Query(ctx, `SELECT drone_id FROM drones ORDER BY serial_number`)
	if err != nil {
		return nil, fmt.Errorf("list drones: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan drone id: %w", err)
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
func (s *PostgresStore) ActiveGeofences(ctx context.Context) ([]model.Geofence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT geofence_id, name, description, geofence_type, boundary, altitude_min, altitude_max, active
		FROM geofences WHERE active
	`)
	if err != nil {
		return nil, fmt.Errorf("query active geofences: %w", err)
	}
	defer rows.Close()

	var fences []model.Geofence
	for rows.Next() {
		var g model.Geofence
		var boundary []byte
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.Type, &boundary, &g.AltitudeMin, &g.AltitudeMax, &g.Active); err != nil {
			return nil, fmt.Errorf("scan geofence: %w", err)
		}
		if err := json.Unmarshal(boundary, &g.Boundary); err != nil {
			return nil, fmt.Errorf("decode boundary for geofence %s: %w", g.ID, err)
		}
		g.AuthorizedDrones = make(map[uuid.UUID]bool)
		fences = append(fences, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate geofences: %w", err)
	}

	for i := range fences {
		ids, err := s.boundDrones(ctx, fences[i].ID)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			fences[i].AuthorizedDrones[id] = true
		}
	}
	return fences, nil
}

func (s *PostgresStore) boundDrones(ctx context.Context, geofenceID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT drone_id FROM geofence_drones WHERE geofence_id = $1`, geofenceID)
	if err != nil {
		return nil, fmt.Errorf("query bound drones: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan drone id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AuthorizedGeofences returns the geofence ids the drone is bound to.
func (s *PostgresStore) AuthorizedGeofences(ctx context.Context, droneID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT geofence_id FROM geofence_drones WHERE drone_id = $1`, droneID)
	if err != nil {
		return nil, fmt.Errorf("query authorized geofences: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan geofence id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveGeofence upserts a geofence definition. Drone bindings are managed
// separately via BindDrones and UnbindDrone.
func (s *PostgresStore) SaveGeofence(ctx context.Context, g *model.Geofence) error {
	boundary, err := json.Marshal(g.Boundary)
	if err != nil {
		return fmt.Errorf("encode boundary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO geofences (geofence_id, name, description, geofence_type, boundary, altitude_min, altitude_max, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (geofence_id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			geofence_type = EXCLUDED.geofence_type,
			boundary = EXCLUDED.boundary,
			altitude_min = EXCLUDED.altitude_min,
			altitude_max = EXCLUDED.altitude_max,
			active = EXCLUDED.active
	`, g.ID, g.Name, g.Description, g.Type, boundary, g.AltitudeMin, g.AltitudeMax, g.Active)
	if err != nil {
		return fmt.Errorf("save geofence %s: %w", g.ID, err)
	}
	return nil
}

// BindDrones authorizes drones for a geofence. Only restricted zones carry
// drone bindings, and every referenced drone must exist.
func (s *PostgresStore) BindDrones(ctx context.Context, geofenceID uuid.UUID, droneIDs []uuid.UUID) error {
	var gType model.GeofenceType
	err := s.pool.QueryRow(ctx, `SELECT geofence_type FROM geofences WHERE geofence_id = $1`, geofenceID).Scan(&gType)
	if err == pgx.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get geofence %s: %w", geofenceID, err)
	}
	if gType != model.RestrictedZone {
		return ErrInvalidBinding
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin bind: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, droneID := range droneIDs {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM drones WHERE drone_id = $1)`, droneID).Scan(&exists); err != nil {
			return fmt.Errorf("check drone %s: %w", droneID, err)
		}
		if !exists {
			return ErrUnknownDrone
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO geofence_drones (geofence_id, drone_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, geofenceID, droneID); err != nil {
			return fmt.Errorf("bind drone %s: %w", droneID, err)
		}
	}
	return tx.Commit(ctx)
}

// UnbindDrone removes a drone's authorization for a geofence.
func (s *PostgresStore) UnbindDrone(ctx context.Context, geofenceID, droneID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM geofence_drones WHERE geofence_id = $1 AND drone_id = $2
	`, geofenceID, droneID)
	if err != nil {
		return fmt.Errorf("unbind drone %s: %w", droneID, err)
	}
	return nil
}

// SaveViolation inserts a violation record.
func (s *PostgresStore) SaveViolation(ctx context.Context, v *model.Violation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO geofence_violations
			(violation_id, geofence_id, drone_id, violation_type, severity, longitude, latitude, altitude, occurred_at, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)
	`, v.ID, v.GeofenceID, v.DroneID, v.Type, v.Severity, v.Longitude, v.Latitude, v.Altitude, v.OccurredAt)
	if err != nil {
		return fmt.Errorf("save violation %s: %w", v.ID, err)
	}
	return nil
}

// ResolveViolation marks a violation resolved. Resolving twice is rejected.
func (s *PostgresStore) ResolveViolation(ctx context.Context, violationID uuid.UUID, notes, resolvedBy string) error {
	var resolved bool
	err := s.pool.QueryRow(ctx, `SELECT resolved FROM geofence_violations WHERE violation_id = $1`, violationID).Scan(&resolved)
	if err == pgx.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get violation %s: %w", violationID, err)
	}
	if resolved {
		return ErrAlreadyResolved
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE geofence_violations
		SET resolved = TRUE, resolved_at = NOW(), resolved_by = $2, notes = $3
		WHERE violation_id = $1
	`, violationID, resolvedBy, notes)
	if err != nil {
		return fmt.Errorf("resolve violation %s: %w", violationID, err)
	}
	return nil
}
