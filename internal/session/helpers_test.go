package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/robotlink-core/internal/broadcast"
	"github.com/nerrad567/robotlink-core/internal/infrastructure/config"
	"github.com/nerrad567/robotlink-core/internal/infrastructure/database"
	"github.com/nerrad567/robotlink-core/internal/ingest"
	"github.com/nerrad567/robotlink-core/internal/pubsub"
	"github.com/nerrad567/robotlink-core/internal/robot"
	_ "github.com/nerrad567/robotlink-core/migrations" // registers schema
)

type testEnv struct {
	manager    *Manager
	server     *httptest.Server
	db         *database.DB
	registry   *robot.Registry
	principals *robot.SQLitePrincipalRepository
	store      *robot.SQLiteSnapshotStore
	flusher    *ingest.Flusher
	coalescer  *broadcast.Coalescer
	layer      *pubsub.Local
	dashboard  *frameRecorder
}

type envOptions struct {
	ws       config.WebSocketConfig
	capacity int
	registry Registry
}

func setupEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	env := &testEnv{
		db:         db,
		principals: robot.NewSQLitePrincipalRepository(db.DB),
		store:      robot.NewSQLiteSnapshotStore(db.DB),
		layer:      pubsub.NewLocal(),
		dashboard:  newFrameRecorder("dashboard"),
	}
	env.registry = robot.NewRegistry(robot.NewSQLiteRepository(db.DB), env.principals)
	env.flusher = ingest.NewFlusher(ingest.NewBuffer(opts.capacity), env.store, time.Hour)
	env.coalescer = broadcast.NewCoalescer(env.layer, time.Hour)
	env.layer.Join(pubsub.FrontendGroup, env.dashboard)

	var reg Registry = env.registry
	if opts.registry != nil {
		reg = opts.registry
	}
	if opts.ws.PingInterval == 0 {
		opts.ws.PingInterval = time.Hour
	}
	if opts.ws.PongTimeout == 0 {
		opts.ws.PongTimeout = time.Hour
	}

	env.manager = NewManager(opts.ws, Deps{
		Registry:  reg,
		Flusher:   env.flusher,
		Coalescer: env.coalescer,
		PubSub:    env.layer,
	})
	env.server = httptest.NewServer(env.manager)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.manager.Shutdown(ctx) //nolint:errcheck // Test cleanup
		env.server.Close()
	})
	return env
}

func (e *testEnv) url(uniqueID string) string {
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/"
	if uniqueID != "" {
		u += "?" + QueryParam + "=" + url.QueryEscape(uniqueID)
	}
	return u
}

func (e *testEnv) dial(t *testing.T, uniqueID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url(uniqueID), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck // Test cleanup
	return conn
}

func (e *testEnv) rows(t *testing.T, uniqueID string) int {
	t.Helper()
	n, err := e.store.CountByRobot(context.Background(), uniqueID)
	if err != nil {
		t.Fatalf("CountByRobot: %v", err)
	}
	return n
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// closeCode reads until the server closes the connection and returns the
// close code.
func closeCode(conn *websocket.Conn, timeout time.Duration) (int, error) {
	conn.SetReadDeadline(time.Now().Add(timeout)) //nolint:errcheck // Test deadline
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code, nil
		}
		return 0, err
	}
}

func readClose(t *testing.T, conn *websocket.Conn, timeout time.Duration) int {
	t.Helper()
	code, err := closeCode(conn, timeout)
	if err != nil {
		t.Fatalf("expected close frame, got %v", err)
	}
	return code
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// frameRecorder is a pubsub.Subscriber that keeps every payload.
type frameRecorder struct {
	id     string
	mu     sync.Mutex
	frames []string
}

func newFrameRecorder(id string) *frameRecorder {
	return &frameRecorder{id: id}
}

func (r *frameRecorder) ID() string { return r.id }

func (r *frameRecorder) Deliver(_ string, payload []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, string(payload))
	r.mu.Unlock()
}

func (r *frameRecorder) countContaining(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if strings.Contains(f, substr) {
			n++
		}
	}
	return n
}
