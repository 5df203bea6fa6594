// Package main provides fleetd, the drone fleet telemetry and command daemon.
//
// fleetd subscribes to per-drone MQTT topics, ingests telemetry into
// ClickHouse, evaluates positions against geofences, dispatches commands with
// correlation tracking, and publishes normalized drone updates to NATS.
//
// Usage:
//
//	fleetd [options]
//
// Options:
//
//	-mqtt-url URL       MQTT broker URL (default: tcp://localhost:1883, env: MQTT_URL)
//	-mqtt-client ID     MQTT client id (default: fleetd, env: MQTT_CLIENT_ID)
//	-mqtt-user USER     MQTT username (env: MQTT_USERNAME)
//	-mqtt-password PASS MQTT password (env: MQTT_PASSWORD)
//	-pg-host HOST       PostgreSQL host (default: localhost, env: POSTGRES_HOST)
//	-pg-port PORT       PostgreSQL port (default: 5432, env: POSTGRES_PORT)
//	-pg-database DB     PostgreSQL database (default: fleet, env: POSTGRES_DATABASE)
//	-pg-user USER       PostgreSQL user (default: fleet, env: POSTGRES_USER)
//	-pg-password PASS   PostgreSQL password (default: fleet, env: POSTGRES_PASSWORD)
//	-sqlite PATH        Use SQLite at PATH instead of PostgreSQL (dev mode)
//	-ch-host HOST       ClickHouse host (default: localhost, env: CLICKHOUSE_HOST)
//	-ch-port PORT       ClickHouse port (default: 9000, env: CLICKHOUSE_PORT)
//	-ch-database DB     ClickHouse database (default: fleet, env: CLICKHOUSE_DATABASE)
//	-ch-user USER       ClickHouse user (default: default, env: CLICKHOUSE_USER)
//	-ch-password PASS   ClickHouse password (env: CLICKHOUSE_PASSWORD)
//	-nats-url URL       NATS server URL (default: nats://localhost:4222, env: NATS_URL)
//	-redis-addr ADDR    Redis address for the durable command store (optional, env: REDIS_ADDR)
//	-ops-port N         HTTP port for health/metrics (default: 8081)
//	-refresh-interval D Geofence snapshot refresh interval (default: 1m)
//	-check-interval D   Transport health-check interval (default: 30s)
//	-reconnect-delay D  Delay before reconnect after connection loss (default: 5s)
//	-create-schema      Create database schemas and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mayoruang/drone9/internal/api"
	"github.com/Mayoruang/drone9/internal/command"
	"github.com/Mayoruang/drone9/internal/geofence"
	"github.com/Mayoruang/drone9/internal/ingest"
	"github.com/Mayoruang/drone9/internal/notify"
	"github.com/Mayoruang/drone9/internal/storage"
	"github.com/Mayoruang/drone9/internal/transport"
)

func main() {
	// MQTT flags.
	mqttURL := flag.String("mqtt-url", envOrDefault("MQTT_URL", "tcp://localhost:1883"), "MQTT broker URL")
	mqttClient := flag.String("mqtt-client", envOrDefault("MQTT_CLIENT_ID", "fleetd"), "MQTT client id")
	mqttUser := flag.String("mqtt-user", envOrDefault("MQTT_USERNAME", ""), "MQTT username")
	mqttPassword := flag.String("mqtt-password", envOrDefault("MQTT_PASSWORD", ""), "MQTT password")

	// PostgreSQL flags.
	pgHost := flag.String("pg-host", envOrDefault("POSTGRES_HOST", "localhost"), "PostgreSQL host")
	pgPort := flag.Int("pg-port", envOrDefaultInt("POSTGRES_PORT", 5432), "PostgreSQL port")
	pgUser := flag.String("pg-user", envOrDefault("POSTGRES_USER", "fleet"), "PostgreSQL user")
	pgPassword := flag.String("pg-password", envOrDefault("POSTGRES_PASSWORD", "fleet"), "PostgreSQL password")
	pgDB := flag.String("pg-database", envOrDefault("POSTGRES_DATABASE", "fleet"), "PostgreSQL database")
	sqlitePath := flag.String("sqlite", "", "Use SQLite at this path instead of PostgreSQL")

	// ClickHouse flags.
	chHost := flag.String("ch-host", envOrDefault("CLICKHOUSE_HOST", "localhost"), "ClickHouse host")
	chPort := flag.Int("ch-port", envOrDefaultInt("CLICKHOUSE_PORT", 9000), "ClickHouse port")
	chUser := flag.String("ch-user", envOrDefault("CLICKHOUSE_USER", "default"), "ClickHouse user")
	chPassword := flag.String("ch-password", envOrDefault("CLICKHOUSE_PASSWORD", ""), "ClickHouse password")
	chDB := flag.String("ch-database", envOrDefault("CLICKHOUSE_DATABASE", "fleet"), "ClickHouse database")

	// NATS and Redis.
	natsURL := flag.String("nats-url", envOrDefault("NATS_URL", "nats://localhost:4222"), "NATS server URL")
	redisAddr := flag.String("redis-addr", envOrDefault("REDIS_ADDR", ""), "Redis address for the durable command store (optional)")

	// Ops and tuning.
	opsPort := flag.Int("ops-port", 8081, "HTTP port for health and metrics")
	refreshInterval := flag.Duration("refresh-interval", time.Minute, "Geofence snapshot refresh interval")
	checkInterval := flag.Duration("check-interval", 30*time.Second, "Transport health-check interval")
	reconnectDelay := flag.Duration("reconnect-delay", 5*time.Second, "Delay before reconnect after connection loss")
	createSchema := flag.Bool("create-schema", false, "Create database schemas and exit")

	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence store: SQLite for development, PostgreSQL otherwise.
	var (
		store fleetStore
		pg    *storage.PostgresStore
		err   error
	)
	if *sqlitePath != "" {
		sq, err := storage.OpenSQLite(*sqlitePath)
		if err != nil {
			fatal("opening SQLite: %v", err)
		}
		store = sq
	} else {
		pg, err = storage.OpenPostgres(ctx, storage.PostgresConfig{
			Host:     *pgHost,
			Port:     *pgPort,
			Database: *pgDB,
			User:     *pgUser,
			Password: *pgPassword,
		})
		if err != nil {
			fatal("opening PostgreSQL: %v", err)
		}
		store = pg
	}
	defer store.Close()

	// Time-series sink.
	sink, err := storage.OpenClickHouse(ctx, storage.ClickHouseConfig{
		Host:     *chHost,
		Port:     *chPort,
		Database: *chDB,
		User:     *chUser,
		Password: *chPassword,
	}, 0)
	if err != nil {
		fatal("opening ClickHouse: %v", err)
	}
	defer sink.Close()

	if *createSchema {
		if pg != nil {
			if err := pg.CreateSchema(ctx); err != nil {
				fatal("creating PostgreSQL schema: %v", err)
			}
		}
		if err := sink.CreateSchema(ctx); err != nil {
			fatal("creating ClickHouse schema: %v", err)
		}
		log.Println("schemas created")
		return
	}

	go sink.Run(ctx)

	// Notification sink.
	notifier, err := notify.Connect(*natsURL)
	if err != nil {
		fatal("connecting NATS: %v", err)
	}
	defer notifier.Close()

	// Command store: in-memory by default, Redis when configured.
	var cmdStore command.Store = command.NewMemoryStore()
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			fatal("pinging Redis: %v", err)
		}
		defer rdb.Close()
		cmdStore = command.NewRedisStore(rdb, 24*time.Hour)
	}

	// Transport. The manager owns reconnects, so it registers itself as the
	// connection-lost callback through the closure below.
	var manager *transport.Manager
	client := transport.NewMQTTClient(transport.MQTTConfig{
		BrokerURL: *mqttURL,
		ClientID:  *mqttClient,
		Username:  *mqttUser,
		Password:  *mqttPassword,
		QoS:       1,
	}, func(err error) { manager.HandleConnectionLost(err) })
	manager = transport.NewManager(client, *checkInterval, *reconnectDelay)

	// Violation engine.
	engine := geofence.NewEngine(store, *refreshInterval)
	if err := engine.Refresh(ctx); err != nil {
		log.Printf("initial geofence refresh failed, starting with empty snapshot: %v", err)
	}
	go engine.Run(ctx)

	// Command tracker and ingest pipeline.
	tracker := command.NewTracker(manager, store, sink, cmdStore)
	pipeline := ingest.New(store, sink, engine, notifier, tracker)

	manager.Register(ingest.TelemetryTopicFilter, pipeline.HandleTelemetry)
	manager.Register(ingest.ResponsesTopicFilter, pipeline.HandleResponse)
	manager.Start(ctx)
	defer manager.Stop()

	// Ops server.
	ops := api.NewServer(manager, *opsPort)
	go func() {
		if err := ops.Run(); err != nil {
			log.Printf("ops server: %v", err)
		}
	}()

	log.Printf("fleetd running: mqtt=%s ops=:%d", *mqttURL, *opsPort)

	// Wait for shutdown.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down")
	cancel()
}

// fleetStore is the persistence surface fleetd wires: the slices consumed by
// the pipeline, the violation engine and the command tracker.
type fleetStore interface {
	ingest.Store
	geofence.Store
	command.DroneStore
	Close()
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error "+format+"\n", args...)
	os.Exit(1)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
