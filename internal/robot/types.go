package robot

import (
	"encoding/json"
	"strings"
	"time"
)

// Unknown is how unset identity fields appear on the wire. Robots send it
// to mean "no value" and dashboards receive it for unset fields.
const Unknown = "unknown"

// Robot is the identity record of one robot.
type Robot struct {
	ID       int64
	UniqueID string

	// DisplayID is the human-chosen name. Nil until first reported.
	DisplayID *string

	// Owner is nil until a report names an existing principal.
	Owner *Principal

	LastConnected time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DisplayLabel returns the display id, or Unknown when unset.
func (r *Robot) DisplayLabel() string {
	if r == nil || r.DisplayID == nil {
		return Unknown
	}
	return *r.DisplayID
}

// OwnerLabel returns the owner's username, or Unknown when unset.
func (r *Robot) OwnerLabel() string {
	if r == nil || r.Owner == nil {
		return Unknown
	}
	return r.Owner.Username
}

// Principal is a user that may own robots.
type Principal struct {
	ID        int64
	Username  string
	CreatedAt time.Time
}

// Snapshot is one state report as received from a robot. State is opaque
// JSON and is stored verbatim.
type Snapshot struct {
	RobotUniqueID string
	State         json.RawMessage
	ReceivedAt    time.Time
}

// Hint normalises an identity value received from a robot: blank values and
// the Unknown sentinel become nil.
func Hint(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" || v == Unknown {
		return nil
	}
	return &v
}
