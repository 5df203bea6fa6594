package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"github.com/Mayoruang/drone9/internal/model"
	"github.com/Mayoruang/drone9/internal/observability"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseSink writes telemetry samples to ClickHouse. Writes are
// buffered and flushed in batches; Write never blocks the ingest path.
type ClickHouseSink struct {
	conn driver.Conn

	buf        chan model.TelemetrySample
	batchSize  int
	flushEvery time.Duration
}

// OpenClickHouse opens a connection to ClickHouse and returns a sink with
// the given buffer capacity.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig, bufferSize int) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	if bufferSize <= 0 {
		bufferSize = 4096
	}
	return &ClickHouseSink{
		conn:       conn,
		buf:        make(chan model.TelemetrySample, bufferSize),
		batchSize:  500,
		flushEvery: 2 * time.Second,
	}, nil
}

// Close closes the ClickHouse connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

// CreateSchema creates the ClickHouse telemetry table.
func (s *ClickHouseSink) CreateSchema(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS telemetry (
		drone_id        UUID,
		timestamp       DateTime64(3),
		battery_level   Nullable(Float64),
		battery_voltage Nullable(Float64),
		latitude        Nullable(Float64),
		longitude       Nullable(Float64),
		altitude        Nullable(Float64),
		speed           Nullable(Float64),
		heading         Nullable(Float64),
		satellites      Nullable(Int32),
		signal_strength Nullable(Float64),
		flight_mode     LowCardinality(String),
		temperature     Nullable(Float64),
		status          LowCardinality(String),
		is_armed        Nullable(Bool),
		created_at      DateTime64(3) DEFAULT now64(3)
	)
	ENGINE = MergeTree()
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (drone_id, timestamp)
	SETTINGS index_granularity = 8192`

	if err := s.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Write queues a sample for batched insertion. When the buffer is full the
// sample is dropped and counted; telemetry is high-volume and lossy by
// contract, the ingest path must not stall on the sink.
func (s *ClickHouseSink) Write(sample *model.TelemetrySample) {
	select {
	case s.buf <- *sample:
	default:
		observability.TelemetrySinkDropped.Inc()
	}
}

// Run flushes buffered samples in batches until ctx is cancelled. A final
// flush drains whatever is still buffered on shutdown.
func (s *ClickHouseSink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	pending := make([]model.TelemetrySample, 0, s.batchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := s.insertBatch(context.Background(), pending); err != nil {
			log.Printf("clickhouse: flush %d samples: %v", len(pending), err)
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case sample := <-s.buf:
					pending = append(pending, sample)
				default:
					flush()
					return
				}
			}
		case sample := <-s.buf:
			pending = append(pending, sample)
			if len(pending) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *ClickHouseSink) insertBatch(ctx context.Context, samples []model.TelemetrySample) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO telemetry (drone_id, timestamp, battery_level, battery_voltage, latitude, longitude, altitude, speed, heading, satellites, signal_strength, flight_mode, temperature, status, is_armed)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, t := range samples {
		err = batch.Append(t.DroneID, t.Timestamp, t.BatteryLevel, t.BatteryVoltage,
			t.Latitude, t.Longitude, t.Altitude, t.Speed, t.Heading, toInt32(t.Satellites),
			t.SignalStrength, t.FlightMode, t.Temperature, t.Status, t.IsArmed)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// Query retrieves telemetry for a drone within [from, to], newest first.
func (s *ClickHouseSink) Query(ctx context.Context, droneID uuid.UUID, from, to time.Time, limit int) ([]model.TelemetrySample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.conn.Query(ctx, `
		SELECT drone_id, timestamp, battery_level, battery_voltage, latitude, longitude, altitude, speed, heading, satellites, signal_strength, flight_mode, temperature, status, is_armed
		FROM telemetry
		WHERE drone_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, droneID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer rows.Close()

	var samples []model.TelemetrySample
	for rows.Next() {
		var t model.TelemetrySample
		var sats *int32
		err := rows.Scan(&t.DroneID, &t.Timestamp, &t.BatteryLevel, &t.BatteryVoltage,
			&t.Latitude, &t.Longitude, &t.Altitude, &t.Speed, &t.Heading, &sats,
			&t.SignalStrength, &t.FlightMode, &t.Temperature, &t.Status, &t.IsArmed)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if sats != nil {
			n := int(*sats)
			t.Satellites = &n
		}
		samples = append(samples, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return samples, nil
}

func toInt32(v *int) *int32 {
	if v == nil {
		return nil
	}
	n := int32(*v)
	return &n
}

// Latest returns the most recent sample for a drone, or nil when the drone
// has no recorded telemetry.
func (s *ClickHouseSink) Latest(ctx context.Context, droneID uuid.UUID) (*model.TelemetrySample, error) {
	samples, err := s.Query(ctx, droneID, time.Unix(0, 0), time.Now().Add(time.Hour), 1)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}
	return &samples[0], nil
}
