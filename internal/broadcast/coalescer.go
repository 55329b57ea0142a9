package broadcast

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/robotlink-core/internal/pubsub"
)

// DefaultInterval is the publish period used when none is configured.
const DefaultInterval = time.Second

// Publisher sends a payload to a pub/sub group. pubsub.Layer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, group string, payload []byte) error
}

// Logger defines the logging interface used by the Coalescer.
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

// Stats is a point-in-time view of coalescer counters.
type Stats struct {
	Updates   uint64 `json:"updates"`
	Coalesced uint64 `json:"coalesced"`
	Published uint64 `json:"published"`
	Failures  uint64 `json:"failures"`
	Pending   int    `json:"pending"`
}

type pending struct {
	entry Entry
	seq   uint64
}

// Coalescer holds the latest Entry per robot and publishes them on a timer.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Coalescer struct {
	pub      Publisher
	group    string
	interval time.Duration
	logger   Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]pending
	seq     uint64

	updates   atomic.Uint64
	coalesced atomic.Uint64
	published atomic.Uint64
	failures  atomic.Uint64
}

// NewCoalescer creates a coalescer publishing to the frontend group every
// interval.
func NewCoalescer(pub Publisher, interval time.Duration) *Coalescer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Coalescer{
		pub:      pub,
		group:    pubsub.FrontendGroup,
		interval: interval,
		logger:   noopLogger{},
		now:      time.Now,
		entries:  make(map[string]pending),
	}
}

// SetLogger sets the logger for the coalescer.
func (c *Coalescer) SetLogger(logger Logger) {
	c.logger = logger
}

// Update replaces the entry for e.DeviceID.
func (c *Coalescer) Update(e Entry) {
	c.updates.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[e.DeviceID]; ok {
		c.coalesced.Add(1)
	}
	c.seq++
	c.entries[e.DeviceID] = pending{entry: e, seq: c.seq}
}

// Pending returns the number of entries waiting to be published.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush publishes all current entries as one event and returns how many were
// sent. An empty map publishes nothing.
func (c *Coalescer) Flush(ctx context.Context) (int, error) {
	c.mu.Lock()
	if len(c.entries) == 0 {
		c.mu.Unlock()
		return 0, nil
	}
	batch := make([]Entry, 0, len(c.entries))
	seqs := make(map[string]uint64, len(c.entries))
	for id, p := range c.entries {
		batch = append(batch, p.entry)
		seqs[id] = p.seq
	}
	c.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].DeviceID < batch[j].DeviceID })

	data, err := EncodeEvent(EventStates, batch, c.now())
	if err != nil {
		c.failures.Add(1)
		return 0, fmt.Errorf("%w: %w", ErrPublishFailure, err)
	}
	if err := c.pub.Publish(ctx, c.group, data); err != nil {
		c.failures.Add(1)
		return 0, fmt.Errorf("%w: %w", ErrPublishFailure, err)
	}

	c.mu.Lock()
	for id, seq := range seqs {
		if p, ok := c.entries[id]; ok && p.seq == seq {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()

	c.published.Add(uint64(len(batch)))
	return len(batch), nil
}

// PublishReload sends a reload event for one robot immediately.
func (c *Coalescer) PublishReload(ctx context.Context, uniqueID string) error {
	data, err := EncodeEvent(EventReload, ReloadPayload{DeviceID: uniqueID}, c.now())
	if err != nil {
		return err
	}
	if err := c.pub.Publish(ctx, c.group, data); err != nil {
		return fmt.Errorf("%w: reload %s: %w", ErrPublishFailure, uniqueID, err)
	}
	return nil
}

// Run publishes every interval until ctx is cancelled. Publish failures are
// logged and retried on the next tick.
func (c *Coalescer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("broadcast coalescer started", "interval", c.interval.String())
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("broadcast coalescer stopped")
			return nil
		case <-ticker.C:
			n, err := c.Flush(ctx)
			if err != nil {
				c.logger.Error("broadcast publish failed", "pending", c.Pending(), "error", err)
				continue
			}
			if n > 0 {
				c.logger.Debug("broadcast published", "entries", n)
			}
		}
	}
}

// Stats returns the current coalescer counters.
func (c *Coalescer) Stats() Stats {
	return Stats{
		Updates:   c.updates.Load(),
		Coalesced: c.coalesced.Load(),
		Published: c.published.Load(),
		Failures:  c.failures.Load(),
		Pending:   c.Pending(),
	}
}
