package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/robotlink-core/internal/robot"
)

// DefaultFlushInterval is used when no interval is configured.
const DefaultFlushInterval = 10 * time.Second

// Logger defines the logging interface used by the Flusher.
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

// Stats is a point-in-time view of ingest counters.
type Stats struct {
	Received      uint64 `json:"received"`
	Persisted     uint64 `json:"persisted"`
	Overflows     uint64 `json:"overflows"`
	FailedFlushes uint64 `json:"failed_flushes"`
	Pending       int    `json:"pending"`
	Parked        int    `json:"parked"`
}

// Flusher owns the state buffer and moves its contents to the store.
type Flusher struct {
	buffer   *Buffer
	store    robot.SnapshotStore
	interval time.Duration
	logger   Logger

	telemetry TelemetrySink

	hookMu     sync.RWMutex
	onOverflow func(uniqueID string, size int)

	// parked holds robots whose row is missing from the store. Their
	// snapshots stay buffered but are not retried until Track is called.
	parkedMu sync.Mutex
	parked   map[string]struct{}

	received      atomic.Uint64
	persisted     atomic.Uint64
	overflows     atomic.Uint64
	failedFlushes atomic.Uint64
}

// NewFlusher creates a flusher draining buffer into store every interval.
func NewFlusher(buffer *Buffer, store robot.SnapshotStore, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Flusher{
		buffer:   buffer,
		store:    store,
		interval: interval,
		logger:   noopLogger{},
		parked:   make(map[string]struct{}),
	}
}

// SetLogger sets the logger for the flusher.
func (f *Flusher) SetLogger(logger Logger) {
	f.logger = logger
}

// SetTelemetry mirrors persisted snapshots to sink. Must be called before Run.
func (f *Flusher) SetTelemetry(sink TelemetrySink) {
	f.telemetry = sink
}

// SetOnOverflow registers a callback invoked when a robot's buffer reaches
// capacity, before the forced flush.
func (f *Flusher) SetOnOverflow(fn func(uniqueID string, size int)) {
	f.hookMu.Lock()
	f.onOverflow = fn
	f.hookMu.Unlock()
}

// Buffer returns the underlying buffer.
func (f *Flusher) Buffer() *Buffer {
	return f.buffer
}

// Track prepares the buffer for a connected robot and resumes flushing a
// parked robot, whose row the registry has just recreated.
func (f *Flusher) Track(uniqueID string) {
	f.buffer.Ensure(uniqueID)

	f.parkedMu.Lock()
	_, wasParked := f.parked[uniqueID]
	delete(f.parked, uniqueID)
	f.parkedMu.Unlock()

	if wasParked {
		f.logger.Info("resuming flushes for robot", "robot", uniqueID, "pending", f.buffer.Len(uniqueID))
	}
}

func (f *Flusher) isParked(uniqueID string) bool {
	f.parkedMu.Lock()
	defer f.parkedMu.Unlock()
	_, ok := f.parked[uniqueID]
	return ok
}

// park stops retries for a robot and reports whether it was newly parked.
func (f *Flusher) park(uniqueID string) bool {
	f.parkedMu.Lock()
	defer f.parkedMu.Unlock()
	if _, ok := f.parked[uniqueID]; ok {
		return false
	}
	f.parked[uniqueID] = struct{}{}
	return true
}

// Record appends a snapshot. When the robot's buffer reaches capacity it is
// flushed immediately on the caller's goroutine; a failed forced flush
// keeps the data buffered and is reported but not returned.
func (f *Flusher) Record(ctx context.Context, snap robot.Snapshot) {
	f.received.Add(1)

	size, full := f.buffer.Append(snap)
	if !full || f.isParked(snap.RobotUniqueID) {
		return
	}

	f.overflows.Add(1)
	f.logger.Warn("buffer capacity reached, flushing immediately",
		"robot", snap.RobotUniqueID, "size", size, "capacity", f.buffer.Capacity())

	f.hookMu.RLock()
	hook := f.onOverflow
	f.hookMu.RUnlock()
	if hook != nil {
		hook(snap.RobotUniqueID, size)
	}

	if _, err := f.FlushRobot(ctx, snap.RobotUniqueID); err != nil {
		f.logger.Error("forced flush failed", "robot", snap.RobotUniqueID, "error", err)
	}
}

// Run flushes all buffers every interval until ctx is cancelled. Flush
// errors are logged and retried on the next tick.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Info("flush scheduler started", "interval", f.interval.String())
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("flush scheduler stopped")
			return nil
		case <-ticker.C:
			if n, err := f.FlushAll(ctx); err != nil {
				f.logger.Error("scheduled flush incomplete", "persisted", n, "error", err)
			} else if n > 0 {
				f.logger.Info("flushed buffered states", "persisted", n)
			}
		}
	}
}

// FlushRobot drains one robot's buffer in a single transaction.
func (f *Flusher) FlushRobot(ctx context.Context, uniqueID string) (int, error) {
	start := time.Now()
	n, err := f.buffer.Drain(ctx, uniqueID, f.write)
	if err != nil {
		f.failedFlushes.Add(1)
		if errors.Is(err, robot.ErrRobotNotFound) && f.park(uniqueID) {
			f.logger.Error("robot row missing, holding buffered states until it reconnects",
				"robot", uniqueID, "pending", f.buffer.Len(uniqueID))
		}
		return 0, fmt.Errorf("%w: robot %s: %w", ErrPersistenceFailure, uniqueID, err)
	}
	if n > 0 {
		f.persisted.Add(uint64(n))
		f.logger.Debug("robot buffer flushed", "robot", uniqueID, "persisted", n)
		if f.telemetry != nil {
			f.telemetry.WriteFlushStats(uniqueID, n, time.Since(start))
		}
	}
	return n, nil
}

// FlushAll drains every non-empty buffer, one transaction per robot. A
// failure for one robot does not stop the others; all failures are joined.
// Parked robots are skipped.
func (f *Flusher) FlushAll(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, id := range f.buffer.Robots() {
		if f.isParked(id) {
			continue
		}
		n, err := f.FlushRobot(ctx, id)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Stats returns the current ingest counters.
func (f *Flusher) Stats() Stats {
	return Stats{
		Received:      f.received.Load(),
		Persisted:     f.persisted.Load(),
		Overflows:     f.overflows.Load(),
		FailedFlushes: f.failedFlushes.Load(),
		Pending:       f.buffer.Pending(),
		Parked:        f.parkedCount(),
	}
}

func (f *Flusher) parkedCount() int {
	f.parkedMu.Lock()
	defer f.parkedMu.Unlock()
	return len(f.parked)
}

func (f *Flusher) write(ctx context.Context, uniqueID string, batch []robot.Snapshot) error {
	if err := f.store.InsertBatch(ctx, uniqueID, batch); err != nil {
		return err
	}
	if f.telemetry != nil {
		for _, snap := range batch {
			f.telemetry.WriteRobotState(uniqueID, StateFields(snap.State), snap.ReceivedAt)
		}
	}
	return nil
}
