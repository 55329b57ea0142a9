// Package pubsub provides group-addressed publish/subscribe for RobotLink Core.
//
// Sessions and dashboard clients join named groups ("robot.<unique_id>",
// "frontend_updates"); anything published to a group reaches every member
// that is joined at the time of publication.
//
// Three backends implement Layer:
//   - Local: in-process fan-out, used for single-node deployments and tests
//   - MQTTLayer: publishes to <prefix>/group/<name> on the MQTT bus
//   - NATSLayer: publishes to <prefix>.group.<name> on a NATS server
//
// The broker-backed layers keep membership in a Local and relay everything
// they receive on the group wildcard into it, so several RobotLink processes
// can share one broker.
//
// Join and Leave are idempotent.
package pubsub
