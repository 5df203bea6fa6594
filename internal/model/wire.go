package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageTypeFarewell is the type discriminator a drone sends on the
// telemetry topic before a voluntary shutdown.
const MessageTypeFarewell = "FAREWELL"

// ProbeMessageType decodes only the "type" discriminator of a payload so the
// pipeline can branch before a full decode. An empty string means ordinary
// telemetry.
func ProbeMessageType(payload []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.Type
}

// telemetryWire mirrors the JSON drones publish. Several fields arrive under
// more than one key depending on firmware; DecodeTelemetry coalesces the
// aliases.
type telemetryWire struct {
	DroneID      string `json:"droneId"`
	DroneIDSnake string `json:"drone_id"`

	Timestamp *time.Time `json:"timestamp"`

	BatteryLevel      *float64 `json:"batteryLevel"`
	BatteryPercentage *float64 `json:"battery_percentage"`
	BatteryLevelAlt   *float64 `json:"battery_level"`
	BatteryVoltage    *float64 `json:"batteryVoltage"`

	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	Altitude       *float64 `json:"altitude"`
	Speed          *float64 `json:"speed"`
	Heading        *float64 `json:"heading"`
	Satellites     *int     `json:"satellites"`
	SignalStrength *float64 `json:"signalStrength"`
	FlightMode     string   `json:"flightMode"`
	Temperature    *float64 `json:"temperature"`

	Status       string `json:"status"`
	FlightStatus string `json:"flight_status"`

	IsArmed *bool `json:"isArmed"`
}

// DecodeTelemetry parses a telemetry payload into a normalized sample. The
// drone id inside the payload is ignored by the pipeline (identity comes from
// the topic); it is decoded anyway so callers can log impersonation attempts.
func DecodeTelemetry(payload []byte) (*TelemetrySample, string, error) {
	var w telemetryWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, "", err
	}

	s := &TelemetrySample{
		BatteryVoltage: w.BatteryVoltage,
		Latitude:       w.Latitude,
		Longitude:      w.Longitude,
		Altitude:       w.Altitude,
		Speed:          w.Speed,
		Heading:        w.Heading,
		Satellites:     w.Satellites,
		SignalStrength: w.SignalStrength,
		FlightMode:     w.FlightMode,
		Temperature:    w.Temperature,
		IsArmed:        w.IsArmed,
	}
	if w.Timestamp != nil {
		s.Timestamp = *w.Timestamp
	}

	switch {
	case w.BatteryLevel != nil:
		s.BatteryLevel = w.BatteryLevel
	case w.BatteryPercentage != nil:
		s.BatteryLevel = w.BatteryPercentage
	case w.BatteryLevelAlt != nil:
		s.BatteryLevel = w.BatteryLevelAlt
	}

	s.Status = w.Status
	if s.Status == "" {
		s.Status = w.FlightStatus
	}

	claimed := w.DroneID
	if claimed == "" {
		claimed = w.DroneIDSnake
	}
	return s, claimed, nil
}

// Farewell is the message a drone publishes before going offline.
type Farewell struct {
	Type             string     `json:"type"`
	DroneID          string     `json:"droneId"`
	SerialNumber     string     `json:"serialNumber"`
	Message          string     `json:"message"`
	Timestamp        *time.Time `json:"timestamp"`
	IssuedBy         string     `json:"issuedBy"`
	BatteryRemaining *float64   `json:"batteryRemaining"`
}

// CommandResponse is published by a drone on its responses topic to report
// command progress. Only the correlation id and status are trusted; the
// tracker never mutates command payloads from responses.
type CommandResponse struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// DroneUpdate is the normalized per-drone update handed to the notification
// sink after ingestion. Downstream consumers (dashboards, gateways) subscribe
// to these; the core does not fan out to browsers itself.
type DroneUpdate struct {
	DroneID      uuid.UUID        `json:"droneId"`
	SerialNumber string           `json:"serialNumber"`
	Status       DroneStatus      `json:"status"`
	Farewell     string           `json:"farewell,omitempty"`
	Sample       *TelemetrySample `json:"telemetry,omitempty"`
}
