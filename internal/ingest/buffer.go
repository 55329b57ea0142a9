package ingest

import (
	"context"
	"sort"
	"sync"

	"github.com/nerrad567/robotlink-core/internal/robot"
)

// DefaultCapacity is the per-robot buffer size used when none is configured.
const DefaultCapacity = 100

// Buffer holds pending snapshots per robot.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Drains of the same robot are serialised; drains of different robots
//     run independently.
type Buffer struct {
	mu       sync.Mutex
	slots    map[string]*slot
	capacity int
}

type slot struct {
	// mu guards entries.
	mu      sync.Mutex
	entries []robot.Snapshot

	// flushMu is held for the whole of a drain, including the store write.
	flushMu sync.Mutex
}

// NewBuffer creates a buffer with the given per-robot capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		slots:    make(map[string]*slot),
		capacity: capacity,
	}
}

// Capacity returns the per-robot capacity.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Ensure creates the robot's slot if it does not exist.
func (b *Buffer) Ensure(uniqueID string) {
	b.slot(uniqueID, true)
}

func (b *Buffer) slot(uniqueID string, create bool) *slot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.slots[uniqueID]
	if !ok && create {
		s = &slot{}
		b.slots[uniqueID] = s
	}
	return s
}

// Append adds a snapshot to the end of its robot's buffer and returns the
// new length. full reports whether the buffer reached capacity.
func (b *Buffer) Append(snap robot.Snapshot) (size int, full bool) {
	// The slot is locked before b.mu is released so that Release cannot
	// drop it between lookup and append.
	b.mu.Lock()
	s, ok := b.slots[snap.RobotUniqueID]
	if !ok {
		s = &slot{}
		b.slots[snap.RobotUniqueID] = s
	}
	s.mu.Lock()
	b.mu.Unlock()

	s.entries = append(s.entries, snap)
	size = len(s.entries)
	s.mu.Unlock()

	return size, size >= b.capacity
}

// Len returns the number of pending snapshots for a robot.
func (b *Buffer) Len(uniqueID string) int {
	s := b.slot(uniqueID, false)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Pending returns the total number of buffered snapshots.
func (b *Buffer) Pending() int {
	total := 0
	for _, s := range b.snapshotSlots() {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// Robots returns the ids of robots with pending snapshots, sorted.
func (b *Buffer) Robots() []string {
	b.mu.Lock()
	ids := make([]string, 0, len(b.slots))
	slots := make([]*slot, 0, len(b.slots))
	for id, s := range b.slots {
		ids = append(ids, id)
		slots = append(slots, s)
	}
	b.mu.Unlock()

	pending := ids[:0]
	for i, s := range slots {
		s.mu.Lock()
		n := len(s.entries)
		s.mu.Unlock()
		if n > 0 {
			pending = append(pending, ids[i])
		}
	}
	sort.Strings(pending)
	return pending
}

func (b *Buffer) snapshotSlots() []*slot {
	b.mu.Lock()
	defer b.mu.Unlock()
	slots := make([]*slot, 0, len(b.slots))
	for _, s := range b.slots {
		slots = append(slots, s)
	}
	return slots
}

// Release drops the robot's slot if it is empty and no drain is running.
func (b *Buffer) Release(uniqueID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.slots[uniqueID]
	if !ok {
		return
	}
	if !s.flushMu.TryLock() {
		return
	}
	defer s.flushMu.Unlock()

	s.mu.Lock()
	empty := len(s.entries) == 0
	s.mu.Unlock()
	if empty {
		delete(b.slots, uniqueID)
	}
}

// WriteFunc persists one robot's batch. It must be all-or-nothing.
type WriteFunc func(ctx context.Context, uniqueID string, batch []robot.Snapshot) error

// Drain writes the robot's current entries with write and, if the write
// succeeds, removes exactly those entries. It returns the number written.
// On error the buffer is unchanged.
func (b *Buffer) Drain(ctx context.Context, uniqueID string, write WriteFunc) (int, error) {
	s := b.slot(uniqueID, false)
	if s == nil {
		return 0, nil
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	n := len(s.entries)
	batch := make([]robot.Snapshot, n)
	copy(batch, s.entries)
	s.mu.Unlock()

	if n == 0 {
		return 0, nil
	}

	if err := write(ctx, uniqueID, batch); err != nil {
		return 0, err
	}

	// Only drains remove entries and drains are serialised by flushMu, so
	// the first n entries are still the ones just written.
	s.mu.Lock()
	rest := make([]robot.Snapshot, len(s.entries)-n)
	copy(rest, s.entries[n:])
	s.entries = rest
	s.mu.Unlock()

	return n, nil
}
