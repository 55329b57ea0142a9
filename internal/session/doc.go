// Package session binds robot WebSocket connections to robot identities.
//
// A Session moves through Connecting, Active, Closing and Closed:
//
//   - Connecting: the unique_robot_id query parameter is required (close
//     code 4001 when missing) and the robot is registered on first contact
//     (close code 4002 when the registry fails).
//   - Active: every state report is buffered for persistence, offered to the
//     broadcast coalescer and checked for identity updates. Heartbeat
//     replies refresh liveness. Anything else is logged and ignored.
//   - Closing: the liveness monitor is stopped, the robot's group is left,
//     and the robot's buffer is flushed before the socket is closed with the
//     reason's code (4003 liveness timeout, 1001 server shutdown).
//
// Teardown runs exactly once per session no matter how many causes race.
//
// The Manager is the http.Handler for the robot endpoint and tracks live
// sessions so that Shutdown can close them all.
package session
