package broadcast

import (
	"encoding/json"
	"fmt"
	"time"
)

// Dashboard message types.
const (
	TypeEvent = "event"

	// EventStates carries the coalesced list of Entry values.
	EventStates = "robot.states"

	// EventReload tells dashboards to refresh cached robot metadata.
	EventReload = "robot.reload"
)

// Envelope is the JSON frame sent to dashboard clients.
type Envelope struct {
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Entry is the latest known state of one robot as shown to dashboards.
type Entry struct {
	DeviceID           string          `json:"device_id"`
	DisplayID          string          `json:"display_id"`
	Owner              string          `json:"owner"`
	State              json.RawMessage `json:"state"`
	ConnectionDuration string          `json:"connection_duration"`
	Timestamp          time.Time       `json:"timestamp"`
}

// ReloadPayload identifies the robot whose metadata changed.
type ReloadPayload struct {
	DeviceID string `json:"device_id"`
}

// EncodeEvent marshals an event envelope stamped with at.
func EncodeEvent(eventType string, payload any, at time.Time) ([]byte, error) {
	data, err := json.Marshal(Envelope{
		Type:      TypeEvent,
		EventType: eventType,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", eventType, err)
	}
	return data, nil
}

// FormatDuration renders d as HH:MM:SS, truncated to whole seconds. Hours
// are not wrapped at 24.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
