// Package influxdb mirrors robot telemetry into InfluxDB v2.
//
// SQLite holds the durable state history; InfluxDB, when enabled, receives
// the numeric fields of each persisted snapshot for dashboards and
// long-range queries.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry mirror off
//	}
//	defer client.Close()
//
//	client.WriteRobotState("R-1", map[string]any{"battery": 87.5}, time.Now())
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Batch errors are delivered to the SetOnError callback.
package influxdb
