package robot

import "errors"

// Domain errors for the robot package. Check with errors.Is.
var (
	// ErrRobotNotFound is returned when no robot has the given unique id.
	ErrRobotNotFound = errors.New("robot: not found")

	// ErrPrincipalNotFound is returned when no principal has the given username.
	ErrPrincipalNotFound = errors.New("robot: principal not found")

	// ErrInvalidUniqueID is returned for an empty unique robot id.
	ErrInvalidUniqueID = errors.New("robot: unique id is required")
)
