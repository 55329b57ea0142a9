package pubsub

import "errors"

var (
	// ErrInvalidGroup is returned when a group name is empty.
	ErrInvalidGroup = errors.New("pubsub: invalid group name")

	// ErrClosed is returned when publishing on a closed layer.
	ErrClosed = errors.New("pubsub: layer closed")
)
