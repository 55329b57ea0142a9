package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type messageKind int

const (
	kindStateReport messageKind = iota + 1
	kindPong
)

// inbound is a parsed robot frame.
type inbound struct {
	kind messageKind

	// State report fields. DisplayID and Owner are "" when the robot sent
	// null.
	DisplayID string
	Owner     string
	State     json.RawMessage
}

// parseMessage classifies a robot frame.
//
// A state report must carry device_id (or the older robot_id), owner and a
// non-null state. A heartbeat reply carries pong with any value.
func parseMessage(data []byte) (inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return inbound{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if fields == nil {
		return inbound{}, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}

	idRaw, hasID := fields["device_id"]
	if !hasID {
		idRaw, hasID = fields["robot_id"]
	}
	ownerRaw, hasOwner := fields["owner"]
	state, hasState := fields["state"]

	if hasID && hasOwner && hasState {
		if isNull(state) {
			return inbound{}, fmt.Errorf("%w: state is null", ErrMalformedMessage)
		}
		displayID, err := optionalString(idRaw)
		if err != nil {
			return inbound{}, fmt.Errorf("%w: device_id: %w", ErrMalformedMessage, err)
		}
		owner, err := optionalString(ownerRaw)
		if err != nil {
			return inbound{}, fmt.Errorf("%w: owner: %w", ErrMalformedMessage, err)
		}
		return inbound{kind: kindStateReport, DisplayID: displayID, Owner: owner, State: state}, nil
	}

	if _, ok := fields["pong"]; ok {
		return inbound{kind: kindPong}, nil
	}

	return inbound{}, fmt.Errorf("%w: expected device_id, owner and state, or pong", ErrMalformedMessage)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func optionalString(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("expected string")
	}
	return s, nil
}

// pingFrame is the heartbeat probe sent to robots.
type pingFrame struct {
	Ping int64 `json:"ping"`
}

func encodePing(at time.Time) []byte {
	data, _ := json.Marshal(pingFrame{Ping: at.UnixMilli()}) //nolint:errcheck // Fixed struct cannot fail
	return data
}
