package pubsub

import (
	"context"
	"strings"
)

// Well-known group names.
const (
	// FrontendGroup is joined by every dashboard client.
	FrontendGroup = "frontend_updates"

	robotGroupPrefix = "robot."
)

// RobotGroup returns the per-robot group name for a unique id.
func RobotGroup(uniqueID string) string {
	return robotGroupPrefix + uniqueID
}

// Subscriber receives messages published to the groups it has joined.
//
// Deliver is called from the publisher's goroutine and must not block; a
// subscriber with a full outbound queue should drop the message.
type Subscriber interface {
	ID() string
	Deliver(group string, payload []byte)
}

// Layer is a group-addressed publish/subscribe transport.
type Layer interface {
	// Publish sends payload to all current members of group.
	Publish(ctx context.Context, group string, payload []byte) error

	// Join adds sub to group. Joining twice is a no-op.
	Join(group string, sub Subscriber)

	// Leave removes the subscriber with the given id from group. Leaving a
	// group that was never joined is a no-op.
	Leave(group string, subscriberID string)
}

// Logger defines the logging interface used by the broker-backed layers.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

func validGroup(group string) bool {
	return strings.TrimSpace(group) != ""
}
