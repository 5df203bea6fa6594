package command

import (
	"time"

	"github.com/Mayoruang/drone9/internal/model"
)

// envelope is the wire format published on drones/{id}/commands. The "type"
// field carries the wire-level action, not the semantic one.
type envelope struct {
	CommandID      string         `json:"commandId"`
	Type           string         `json:"type"`
	Parameters     map[string]any `json:"parameters"`
	Priority       int            `json:"priority"`
	TimeoutSeconds int            `json:"timeoutSeconds"`
	Cancellable    bool           `json:"cancellable"`
	IssuedBy       string         `json:"issuedBy"`
	IssuedAt       string         `json:"issuedAt"`
	Timestamp      string         `json:"timestamp"`
}

type cancelEnvelope struct {
	Action     string            `json:"action"`
	Parameters map[string]string `json:"parameters"`
	Timestamp  string            `json:"timestamp"`
}

type offlineEnvelope struct {
	Type               string `json:"type"`
	Reason             string `json:"reason"`
	Timestamp          string `json:"timestamp"`
	IssuedBy           string `json:"issuedBy"`
	GracePeriodSeconds int    `json:"gracePeriodSeconds"`
}

func newEnvelope(cmd *model.Command) envelope {
	params := cmd.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return envelope{
		CommandID:      cmd.ID,
		Type:           WireAction(cmd.Action),
		Parameters:     params,
		Priority:       cmd.Priority,
		TimeoutSeconds: cmd.TimeoutSeconds,
		Cancellable:    cmd.Cancellable,
		IssuedBy:       cmd.IssuedBy,
		IssuedAt:       cmd.IssuedAt.Format(time.RFC3339Nano),
		Timestamp:      time.Now().Format(time.RFC3339Nano),
	}
}

// WireAction maps a semantic action to the wire-level type understood by the
// drone executor. Hover becomes a GOTO to the current position and an
// emergency stop becomes an immediate land.
func WireAction(action string) string {
	switch action {
	case model.ActionHover, model.ActionMoveTo:
		return "GOTO"
	case model.ActionReturnToHome:
		return "RTL"
	case model.ActionEmergencyStop:
		return "LAND"
	default:
		return action
	}
}
