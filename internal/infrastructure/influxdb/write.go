package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by RobotLink.
const (
	MeasurementRobotState = "robot_state"
	MeasurementIngest     = "ingest"
)

// WriteRobotState records the numeric and boolean fields of one robot state
// snapshot at its receive time. Points with no fields are dropped, as
// InfluxDB rejects them.
//
// Parameters:
//   - uniqueRobotID: Robot identifier, stored as the robot tag
//   - fields: Flattened state values (see ingest.StateFields)
//   - receivedAt: When the state report arrived
func (c *Client) WriteRobotState(uniqueRobotID string, fields map[string]any, receivedAt time.Time) {
	if len(fields) == 0 {
		return
	}
	c.WritePointWithTime(MeasurementRobotState,
		map[string]string{"robot_id": uniqueRobotID},
		fields,
		receivedAt,
	)
}

// WriteFlushStats records the outcome of one robot buffer flush.
//
// Parameters:
//   - uniqueRobotID: Robot whose buffer was flushed
//   - persisted: Number of snapshots written
//   - took: Duration of the flush including the store write
func (c *Client) WriteFlushStats(uniqueRobotID string, persisted int, took time.Duration) {
	c.WritePointWithTime(MeasurementIngest,
		map[string]string{"robot_id": uniqueRobotID},
		map[string]any{
			"persisted":   persisted,
			"duration_ms": float64(took.Microseconds()) / 1000,
		},
		time.Now(),
	)
}

// WritePointWithTime writes a custom point with an explicit timestamp.
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Tag key-value pairs (indexed)
//   - fields: Field key-value pairs (values)
//   - timestamp: Point timestamp
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
