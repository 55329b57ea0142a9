package pubsub

import (
	"context"
	"fmt"
	"sync"
)

// Local is an in-process Layer.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Deliver is called without holding the membership lock, so a
//     subscriber may Join or Leave from inside Deliver.
type Local struct {
	mu     sync.RWMutex
	groups map[string]map[string]Subscriber
}

// NewLocal creates an empty in-process layer.
func NewLocal() *Local {
	return &Local{groups: make(map[string]map[string]Subscriber)}
}

// Publish delivers payload to every member of group.
func (l *Local) Publish(ctx context.Context, group string, payload []byte) error {
	if !validGroup(group) {
		return ErrInvalidGroup
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", group, err)
	}
	l.deliver(group, payload)
	return nil
}

func (l *Local) deliver(group string, payload []byte) int {
	l.mu.RLock()
	members := make([]Subscriber, 0, len(l.groups[group]))
	for _, sub := range l.groups[group] {
		members = append(members, sub)
	}
	l.mu.RUnlock()

	for _, sub := range members {
		sub.Deliver(group, payload)
	}
	return len(members)
}

// Join adds sub to group.
func (l *Local) Join(group string, sub Subscriber) {
	if !validGroup(group) || sub == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	members, ok := l.groups[group]
	if !ok {
		members = make(map[string]Subscriber)
		l.groups[group] = members
	}
	members[sub.ID()] = sub
}

// Leave removes a subscriber from group.
func (l *Local) Leave(group string, subscriberID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	members, ok := l.groups[group]
	if !ok {
		return
	}
	delete(members, subscriberID)
	if len(members) == 0 {
		delete(l.groups, group)
	}
}

// Members returns the number of subscribers in group.
func (l *Local) Members(group string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.groups[group])
}

// Groups returns the number of groups with at least one member.
func (l *Local) Groups() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.groups)
}
