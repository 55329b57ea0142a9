package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/robotlink-core/internal/infrastructure/config"
	"github.com/nerrad567/robotlink-core/internal/pubsub"
	"github.com/nerrad567/robotlink-core/internal/robot"
)

func TestHandshake_MissingIdentifier(t *testing.T) {
	env := setupEnv(t, envOptions{})

	for _, id := range []string{"", "   "} {
		conn := env.dial(t, id)
		if code := readClose(t, conn, 2*time.Second); code != CloseMissingIdentifier {
			t.Errorf("id %q: close code = %d, want %d", id, code, CloseMissingIdentifier)
		}
	}
	if env.manager.Stats().Rejected != 2 {
		t.Errorf("Rejected = %d, want 2", env.manager.Stats().Rejected)
	}
}

type failingRegistry struct{}

func (failingRegistry) RegisterIfAbsent(context.Context, string, string, string) (*robot.Robot, bool, error) {
	return nil, false, errors.New("database is locked")
}

func (failingRegistry) ApplyUpdate(context.Context, string, string, string) (bool, error) {
	return false, nil
}

func (failingRegistry) Touch(context.Context, string) error { return nil }

func TestHandshake_RegistrationFailure(t *testing.T) {
	env := setupEnv(t, envOptions{registry: failingRegistry{}})

	conn := env.dial(t, "r1")
	if code := readClose(t, conn, 2*time.Second); code != CloseRegistrationFailure {
		t.Errorf("close code = %d, want %d", code, CloseRegistrationFailure)
	}
	if env.manager.Count() != 0 {
		t.Error("rejected connection must not become a session")
	}
}

func TestSession_RegistersOnConnect(t *testing.T) {
	env := setupEnv(t, envOptions{})
	env.dial(t, "r1")

	waitFor(t, "session", func() bool { return env.manager.Count() == 1 })

	rb, err := env.registry.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rb.DisplayLabel() != robot.Unknown || rb.OwnerLabel() != robot.Unknown {
		t.Errorf("new robot labels = %q/%q, want unknown/unknown", rb.DisplayLabel(), rb.OwnerLabel())
	}
	if rb.LastConnected.IsZero() {
		t.Error("last_connected should be set on connect")
	}
}

// The worked example: one report updates identity, buffers one snapshot and
// produces one reload; after a flush exactly one row exists.
func TestSession_StateReportScenario(t *testing.T) {
	env := setupEnv(t, envOptions{})
	if _, err := env.principals.GetOrCreate(context.Background(), "alice"); err != nil {
		t.Fatalf("creating principal: %v", err)
	}

	conn := env.dial(t, "r1")
	send(t, conn, `{"device_id":"rover-7","owner":"alice","state":{"battery":42}}`)

	waitFor(t, "reload", func() bool { return env.dashboard.countContaining(`"robot.reload"`) == 1 })

	if got := env.flusher.Buffer().Len("r1"); got != 1 {
		t.Errorf("buffered = %d, want 1", got)
	}
	if env.coalescer.Pending() != 1 {
		t.Errorf("coalescer pending = %d, want 1", env.coalescer.Pending())
	}

	rb, err := env.registry.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rb.DisplayLabel() != "rover-7" || rb.OwnerLabel() != "alice" {
		t.Errorf("labels = %q/%q, want rover-7/alice", rb.DisplayLabel(), rb.OwnerLabel())
	}

	// Same identity again: no further reload.
	send(t, conn, `{"device_id":"rover-7","owner":"alice","state":{"battery":41}}`)
	waitFor(t, "second report", func() bool { return env.flusher.Stats().Received == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := env.dashboard.countContaining(`"robot.reload"`); n != 1 {
		t.Errorf("reload events = %d, want 1", n)
	}

	if _, err := env.flusher.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll() error = %v", err)
	}
	if got := env.rows(t, "r1"); got != 2 {
		t.Errorf("rows = %d, want 2", got)
	}

	if _, err := env.coalescer.Flush(context.Background()); err != nil {
		t.Fatalf("coalescer Flush() error = %v", err)
	}
	if env.dashboard.countContaining(`"battery":41`) != 1 || env.dashboard.countContaining(`"battery":42`) != 0 {
		t.Errorf("dashboard should see only the latest state, frames = %v", env.dashboard.frames)
	}
	if env.dashboard.countContaining(`"display_id":"rover-7"`) != 1 {
		t.Errorf("entry should carry reported display id, frames = %v", env.dashboard.frames)
	}
}

func TestSession_LegacyRobotIDKey(t *testing.T) {
	env := setupEnv(t, envOptions{})
	conn := env.dial(t, "r1")

	send(t, conn, `{"robot_id":"rover-9","owner":"unknown","state":"idle"}`)
	waitFor(t, "report", func() bool { return env.flusher.Stats().Received == 1 })

	waitFor(t, "identity update", func() bool {
		rb, err := env.registry.Get(context.Background(), "r1")
		return err == nil && rb.DisplayLabel() == "rover-9"
	})
}

func TestSession_DisconnectFlushes(t *testing.T) {
	env := setupEnv(t, envOptions{})
	conn := env.dial(t, "r1")

	for i := 0; i < 3; i++ {
		send(t, conn, `{"device_id":"unknown","owner":"unknown","state":{"n":1}}`)
	}
	waitFor(t, "reports", func() bool { return env.flusher.Stats().Received == 3 })

	conn.Close() //nolint:errcheck // Simulate robot vanishing

	// The session leaves the manager only after teardown, flush included.
	waitFor(t, "teardown", func() bool { return env.manager.Count() == 0 })
	if got := env.rows(t, "r1"); got != 3 {
		t.Errorf("rows after disconnect = %d, want 3", got)
	}
	if got := env.flusher.Buffer().Len("r1"); got != 0 {
		t.Errorf("buffer after disconnect = %d, want 0", got)
	}
}

func TestSession_OverflowPersistsEverything(t *testing.T) {
	env := setupEnv(t, envOptions{capacity: 3})
	conn := env.dial(t, "r1")

	const reports = 10
	for i := 0; i < reports; i++ {
		send(t, conn, `{"device_id":"unknown","owner":"unknown","state":{"n":1}}`)
	}
	waitFor(t, "reports", func() bool { return env.flusher.Stats().Received == reports })

	if env.flusher.Stats().Overflows == 0 {
		t.Error("expected at least one overflow")
	}

	conn.Close() //nolint:errcheck // Disconnect to force the final flush
	waitFor(t, "teardown", func() bool { return env.manager.Count() == 0 })

	if got := env.rows(t, "r1"); got != reports {
		t.Errorf("rows = %d, want %d (no loss, no duplicates)", got, reports)
	}
}

func TestSession_MalformedKeepsConnectionOpen(t *testing.T) {
	env := setupEnv(t, envOptions{})
	conn := env.dial(t, "r1")

	for _, frame := range []string{
		`not json`,
		`{"foo":1}`,
		`{"device_id":"x","owner":"y","state":null}`,
		`{"device_id":"x","state":{}}`,
		`[1,2,3]`,
	} {
		send(t, conn, frame)
	}
	send(t, conn, `{"device_id":"x","owner":"y","state":{"ok":true}}`)

	waitFor(t, "valid report", func() bool { return env.flusher.Stats().Received == 1 })
	if got := env.manager.Stats().Malformed; got != 5 {
		t.Errorf("Malformed = %d, want 5", got)
	}
	if env.manager.Count() != 1 {
		t.Error("session should stay open after malformed frames")
	}
}

func TestSession_RelaysGroupMessages(t *testing.T) {
	env := setupEnv(t, envOptions{})
	conn := env.dial(t, "r1")
	waitFor(t, "join", func() bool { return env.layer.Members(pubsub.RobotGroup("r1")) == 1 })

	if err := env.layer.Publish(context.Background(), pubsub.RobotGroup("r1"), []byte(`{"cmd":"dock"}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"cmd":"dock"}` {
		t.Errorf("relayed = %s", data)
	}

	conn.Close() //nolint:errcheck // Disconnect
	waitFor(t, "leave", func() bool { return env.layer.Members(pubsub.RobotGroup("r1")) == 0 })
}

func TestLiveness_SilentRobotClosed(t *testing.T) {
	const (
		ping = 150 * time.Millisecond
		pong = 100 * time.Millisecond
	)
	env := setupEnv(t, envOptions{ws: config.WebSocketConfig{PingInterval: ping, PongTimeout: pong}})

	start := time.Now()
	conn := env.dial(t, "r1")

	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck // Test deadline
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected ping, got %v", err)
	}
	var frame map[string]json.Number
	if err := json.Unmarshal(data, &frame); err != nil || frame["ping"] == "" {
		t.Fatalf("ping frame = %s", data)
	}
	if elapsed := time.Since(start); elapsed < ping-20*time.Millisecond {
		t.Errorf("ping after %v, want >= %v", elapsed, ping)
	}

	code := readClose(t, conn, 3*time.Second)
	elapsed := time.Since(start)
	if code != CloseLivenessTimeout {
		t.Errorf("close code = %d, want %d", code, CloseLivenessTimeout)
	}
	if elapsed < ping {
		t.Errorf("closed after %v, before the first ping interval", elapsed)
	}
	if elapsed > ping+pong+time.Second {
		t.Errorf("closed after %v, want about %v", elapsed, ping+pong)
	}
	waitFor(t, "teardown", func() bool { return env.manager.Count() == 0 })
	if env.manager.Stats().LivenessTimeouts != 1 {
		t.Errorf("LivenessTimeouts = %d, want 1", env.manager.Stats().LivenessTimeouts)
	}
}

func TestLiveness_RespondingRobotStays(t *testing.T) {
	env := setupEnv(t, envOptions{ws: config.WebSocketConfig{
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  100 * time.Millisecond,
	}})
	conn := env.dial(t, "r1")

	var (
		mu    sync.Mutex
		pings int
	)
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), `"ping"`) {
				mu.Lock()
				pings++
				mu.Unlock()
				select {
				case <-stop:
					return
				default:
				}
				conn.WriteMessage(websocket.TextMessage, []byte(`{"pong":true}`)) //nolint:errcheck // Reader goroutine is the only writer
			}
		}
	}()

	time.Sleep(800 * time.Millisecond)
	close(stop)

	mu.Lock()
	got := pings
	mu.Unlock()
	if got < 3 {
		t.Errorf("pings = %d, want several heartbeat cycles", got)
	}
	if env.manager.Count() != 1 {
		t.Error("responsive robot should stay connected")
	}
	if env.manager.Stats().LivenessTimeouts != 0 {
		t.Error("no liveness timeout expected")
	}
	conn.Close() //nolint:errcheck // Stop reader
	<-readerDone
}

func TestManager_Shutdown(t *testing.T) {
	env := setupEnv(t, envOptions{})
	conn := env.dial(t, "r1")

	send(t, conn, `{"device_id":"unknown","owner":"unknown","state":{"n":1}}`)
	waitFor(t, "report", func() bool { return env.flusher.Stats().Received == 1 })

	type result struct {
		code int
		err  error
	}
	results := make(chan result, 1)
	go func() {
		code, err := closeCode(conn, 5*time.Second)
		results <- result{code, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if r := <-results; r.err != nil || r.code != CloseServerShutdown {
		t.Errorf("close = %d, %v; want %d", r.code, r.err, CloseServerShutdown)
	}
	if got := env.rows(t, "r1"); got != 1 {
		t.Errorf("rows after shutdown = %d, want 1", got)
	}

	// New robots are refused once shutdown has begun.
	_, resp, err := websocket.DefaultDialer.Dial(env.url("r2"), nil)
	if err == nil {
		t.Fatal("dial after shutdown should fail")
	}
	if resp == nil || resp.StatusCode != 503 {
		t.Errorf("dial after shutdown response = %v", resp)
	}
}

func TestLiveness_PingCadence(t *testing.T) {
	const (
		ping   = 100 * time.Millisecond
		window = 1050 * time.Millisecond
	)
	// A pong timeout longer than the interval must not slow the heartbeat.
	env := setupEnv(t, envOptions{ws: config.WebSocketConfig{
		PingInterval: ping,
		PongTimeout:  300 * time.Millisecond,
	}})
	conn := env.dial(t, "r1")

	var (
		mu    sync.Mutex
		pings int
	)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), `"ping"`) {
				mu.Lock()
				pings++
				mu.Unlock()
				conn.WriteMessage(websocket.TextMessage, []byte(`{"pong":true}`)) //nolint:errcheck // Reader goroutine is the only writer
			}
		}
	}()

	time.Sleep(window)
	mu.Lock()
	got := pings
	mu.Unlock()

	if want := int(window/ping) - 2; got < want {
		t.Errorf("pings in %v = %d, want at least %d", window, got, want)
	}
	if env.manager.Stats().LivenessTimeouts != 0 {
		t.Error("no liveness timeout expected")
	}
	conn.Close() //nolint:errcheck // Stop reader
	<-readerDone
}

func TestManager_ShutdownWhileStreaming(t *testing.T) {
	env := setupEnv(t, envOptions{capacity: 10})
	conn := env.dial(t, "r1")

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			frame := fmt.Sprintf(`{"device_id":"unknown","owner":"unknown","state":{"n":%d}}`, i)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
	}()

	waitFor(t, "reports", func() bool { return env.flusher.Stats().Received > 50 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if got := env.flusher.Buffer().Pending(); got != 0 {
		t.Errorf("Pending() after shutdown = %d, want 0", got)
	}
	received := env.flusher.Stats().Received
	if got := env.rows(t, "r1"); uint64(got) != received {
		t.Errorf("rows = %d, want every received report (%d)", got, received)
	}

	close(stop)
	conn.Close() //nolint:errcheck // Unblock writer
	<-writerDone
}
