package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/robotlink-core/internal/pubsub"
)

// fakePublisher records publishes and can fail or block.
type fakePublisher struct {
	mu     sync.Mutex
	frames [][]byte
	groups []string
	fail   error

	// hook, when set, runs before the publish is recorded.
	hook func()
}

func (p *fakePublisher) Publish(_ context.Context, group string, payload []byte) error {
	if p.hook != nil {
		p.hook()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.groups = append(p.groups, group)
	p.frames = append(p.frames, payload)
	return nil
}

func (p *fakePublisher) setFail(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

type statesFrame struct {
	Type      string  `json:"type"`
	EventType string  `json:"event_type"`
	Timestamp string  `json:"timestamp"`
	Payload   []Entry `json:"payload"`
}

func (p *fakePublisher) states(t *testing.T, i int) statesFrame {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var f statesFrame
	if err := json.Unmarshal(p.frames[i], &f); err != nil {
		t.Fatalf("unmarshal frame %d: %v", i, err)
	}
	return f
}

func entry(id, state string) Entry {
	return Entry{
		DeviceID:           id,
		DisplayID:          "unknown",
		Owner:              "unknown",
		State:              json.RawMessage(state),
		ConnectionDuration: "00:00:01",
		Timestamp:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCoalescer_LastWriteWins(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCoalescer(pub, time.Hour)

	c.Update(entry("r1", `{"battery":40}`))
	c.Update(entry("r1", `{"battery":42}`))

	n, err := c.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Flush() = %d entries, want 1", n)
	}

	f := pub.states(t, 0)
	if f.Type != TypeEvent || f.EventType != EventStates {
		t.Errorf("envelope = %s/%s", f.Type, f.EventType)
	}
	if len(f.Payload) != 1 || string(f.Payload[0].State) != `{"battery":42}` {
		t.Errorf("payload = %+v, want only the later report", f.Payload)
	}
	if pub.groups[0] != pubsub.FrontendGroup {
		t.Errorf("group = %q, want %q", pub.groups[0], pubsub.FrontendGroup)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() after publish = %d, want 0", c.Pending())
	}

	stats := c.Stats()
	if stats.Updates != 2 || stats.Coalesced != 1 || stats.Published != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestCoalescer_SortedByDeviceID(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCoalescer(pub, time.Hour)

	for _, id := range []string{"r3", "r1", "r2"} {
		c.Update(entry(id, `{}`))
	}
	if _, err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	f := pub.states(t, 0)
	var ids []string
	for _, e := range f.Payload {
		ids = append(ids, e.DeviceID)
	}
	if len(ids) != 3 || ids[0] != "r1" || ids[1] != "r2" || ids[2] != "r3" {
		t.Errorf("order = %v, want [r1 r2 r3]", ids)
	}
}

func TestCoalescer_EmptyFlushPublishesNothing(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCoalescer(pub, time.Hour)

	n, err := c.Flush(context.Background())
	if n != 0 || err != nil {
		t.Errorf("Flush() = %d, %v", n, err)
	}
	if pub.count() != 0 {
		t.Error("empty map should not publish")
	}
}

func TestCoalescer_FailureKeepsEntries(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCoalescer(pub, time.Hour)
	c.Update(entry("r1", `{"n":1}`))

	pub.setFail(errors.New("layer down"))
	_, err := c.Flush(context.Background())
	if !errors.Is(err, ErrPublishFailure) {
		t.Fatalf("Flush() error = %v, want ErrPublishFailure", err)
	}
	if c.Pending() != 1 {
		t.Fatalf("Pending() after failure = %d, want 1", c.Pending())
	}

	pub.setFail(nil)
	n, err := c.Flush(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("retry Flush() = %d, %v", n, err)
	}
	if c.Stats().Failures != 1 {
		t.Errorf("Failures = %d, want 1", c.Stats().Failures)
	}
}

func TestCoalescer_UpdateDuringPublishSurvives(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCoalescer(pub, time.Hour)
	c.Update(entry("r1", `{"n":1}`))
	c.Update(entry("r2", `{"n":1}`))

	// Overwrite r1 while its first value is being published.
	pub.hook = func() {
		pub.hook = nil
		c.Update(entry("r1", `{"n":2}`))
	}

	if _, err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if c.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1 (the newer r1)", c.Pending())
	}

	if _, err := c.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush() error = %v", err)
	}
	f := pub.states(t, 1)
	if len(f.Payload) != 1 || string(f.Payload[0].State) != `{"n":2}` {
		t.Errorf("second publish = %+v, want r1 n=2", f.Payload)
	}
}

func TestCoalescer_PublishReload(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCoalescer(pub, time.Hour)

	if err := c.PublishReload(context.Background(), "r1"); err != nil {
		t.Fatalf("PublishReload() error = %v", err)
	}

	var f struct {
		EventType string        `json:"event_type"`
		Payload   ReloadPayload `json:"payload"`
	}
	if err := json.Unmarshal(pub.frames[0], &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.EventType != EventReload || f.Payload.DeviceID != "r1" {
		t.Errorf("reload frame = %+v", f)
	}

	pub.setFail(errors.New("down"))
	if err := c.PublishReload(context.Background(), "r1"); !errors.Is(err, ErrPublishFailure) {
		t.Errorf("PublishReload() error = %v, want ErrPublishFailure", err)
	}
}

func TestCoalescer_RunPublishesOnTick(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCoalescer(pub, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.Update(entry("r1", `{}`))

	deadline := time.After(2 * time.Second)
	for pub.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("coalescer never published")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop")
	}
}

func TestCoalescer_WithLocalLayer(t *testing.T) {
	layer := pubsub.NewLocal()
	sink := &collector{id: "dash"}
	layer.Join(pubsub.FrontendGroup, sink)

	c := NewCoalescer(layer, time.Hour)
	c.Update(entry("r1", `{"battery":42}`))
	if _, err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(sink.frames) != 1 {
		t.Fatalf("dashboard received %d frames, want 1", len(sink.frames))
	}
}

type collector struct {
	id     string
	frames [][]byte
}

func (c *collector) ID() string { return c.id }

func (c *collector) Deliver(_ string, payload []byte) {
	c.frames = append(c.frames, payload)
}
