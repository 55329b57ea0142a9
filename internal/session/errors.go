package session

import (
	"errors"

	"github.com/gorilla/websocket"
)

var (
	// ErrMissingIdentifier means the handshake carried no unique_robot_id.
	ErrMissingIdentifier = errors.New("session: missing unique_robot_id")

	// ErrRegistrationFailure means the robot could not be registered.
	ErrRegistrationFailure = errors.New("session: registration failure")

	// ErrMalformedMessage means an inbound frame matched no known shape.
	ErrMalformedMessage = errors.New("session: malformed message")

	// ErrLivenessTimeout means the robot did not answer a heartbeat in time.
	// It is a normal disconnect, reported for logging only.
	ErrLivenessTimeout = errors.New("session: liveness timeout")

	// ErrShuttingDown is returned for connections arriving during shutdown.
	ErrShuttingDown = errors.New("session: server shutting down")
)

// WebSocket close codes sent to robots.
const (
	CloseMissingIdentifier   = 4001
	CloseRegistrationFailure = 4002
	CloseLivenessTimeout     = 4003
	CloseServerShutdown      = websocket.CloseGoingAway
	ClosePeerGone            = websocket.CloseNormalClosure
)

// closeReason describes why a session is ending.
type closeReason struct {
	code int
	text string
	err  error
}

var (
	reasonPeerGone = closeReason{code: ClosePeerGone, text: "closed"}
	reasonTimeout  = closeReason{code: CloseLivenessTimeout, text: "liveness timeout", err: ErrLivenessTimeout}
	reasonShutdown = closeReason{code: CloseServerShutdown, text: "server shutdown"}
)
