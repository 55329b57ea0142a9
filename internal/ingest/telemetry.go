package ingest

import (
	"bytes"
	"encoding/json"
	"time"
)

// maxFieldDepth bounds how deep nested state objects are flattened.
const maxFieldDepth = 3

// TelemetrySink receives numeric telemetry after a batch is persisted.
// *influxdb.Client satisfies it.
type TelemetrySink interface {
	WriteRobotState(uniqueID string, fields map[string]any, receivedAt time.Time)
	WriteFlushStats(uniqueID string, persisted int, took time.Duration)
}

// StateFields flattens the numeric and boolean leaves of a JSON object
// state into dotted field names:
//
//	{"battery":42,"pose":{"x":1.5},"mode":"auto"} -> {"battery":42, "pose.x":1.5}
//
// Non-object states yield nil.
func StateFields(state json.RawMessage) map[string]any {
	dec := json.NewDecoder(bytes.NewReader(state))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil
	}

	fields := make(map[string]any)
	flattenFields(fields, "", obj, 1)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func flattenFields(out map[string]any, prefix string, obj map[string]any, depth int) {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case json.Number:
			if f, err := val.Float64(); err == nil {
				out[key] = f
			}
		case bool:
			out[key] = val
		case map[string]any:
			if depth < maxFieldDepth {
				flattenFields(out, key, val, depth+1)
			}
		}
	}
}
