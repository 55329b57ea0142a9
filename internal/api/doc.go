// Package api implements the HTTP and WebSocket edge of RobotLink Core.
//
// This package provides:
//   - The robot WebSocket endpoint, delegated to the session manager
//   - The dashboard WebSocket endpoint, fed from the frontend_updates group
//   - Optional HS256 token verification for dashboard clients
//   - Health and metrics endpoints
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Architecture
//
// Robots connect to /ws/robots/?unique_robot_id=<id>. Each connection is a
// session owned by internal/session. Dashboards connect to /ws/frontend/ and
// receive the coalesced robot.states and robot.reload events published by
// internal/broadcast through the pub/sub layer.
//
// # Security
//
// Robots are identified by the id in the handshake URL only. Dashboard tokens
// are issued by an external auth service; this package only verifies them,
// and only when security.dashboard_token_secret is set.
package api
