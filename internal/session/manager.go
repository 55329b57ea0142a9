package session

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/robotlink-core/internal/broadcast"
	"github.com/nerrad567/robotlink-core/internal/infrastructure/config"
	"github.com/nerrad567/robotlink-core/internal/ingest"
	"github.com/nerrad567/robotlink-core/internal/pubsub"
	"github.com/nerrad567/robotlink-core/internal/robot"
)

// Defaults applied when the WebSocket configuration leaves a field unset.
const (
	DefaultPingInterval   = 60 * time.Second
	DefaultPongTimeout    = 10 * time.Second
	DefaultMaxMessageSize = 64 * 1024
	DefaultSendBuffer     = 64

	// writeTimeout bounds every frame written to a robot.
	writeTimeout = 10 * time.Second

	// teardownFlushTimeout bounds the forced flush on disconnect.
	teardownFlushTimeout = 30 * time.Second

	// QueryParam carries the robot's unique id in the handshake URL.
	QueryParam = "unique_robot_id"
)

// Registry is the subset of *robot.Registry used by sessions.
type Registry interface {
	RegisterIfAbsent(ctx context.Context, uniqueID, displayHint, ownerHint string) (*robot.Robot, bool, error)
	ApplyUpdate(ctx context.Context, uniqueID, displayID, owner string) (bool, error)
	Touch(ctx context.Context, uniqueID string) error
}

// Logger defines the logging interface used by sessions.
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

// Deps holds the collaborators shared by all sessions.
type Deps struct {
	Registry  Registry
	Flusher   *ingest.Flusher
	Coalescer *broadcast.Coalescer
	PubSub    pubsub.Layer
	Logger    Logger
}

// Stats is a point-in-time view of session counters.
type Stats struct {
	Active           int    `json:"active"`
	Accepted         uint64 `json:"accepted"`
	Rejected         uint64 `json:"rejected"`
	Malformed        uint64 `json:"malformed"`
	LivenessTimeouts uint64 `json:"liveness_timeouts"`
}

// Manager accepts robot connections and tracks live sessions.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Manager struct {
	cfg       config.WebSocketConfig
	registry  Registry
	flusher   *ingest.Flusher
	coalescer *broadcast.Coalescer
	layer     pubsub.Layer
	logger    Logger
	upgrader  websocket.Upgrader
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup

	accepted         atomic.Uint64
	rejected         atomic.Uint64
	malformed        atomic.Uint64
	livenessTimeouts atomic.Uint64
}

// NewManager creates a Manager. Zero-valued cfg fields take the package
// defaults.
func NewManager(cfg config.WebSocketConfig, deps Deps) *Manager {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Manager{
		cfg:       cfg,
		registry:  deps.Registry,
		flusher:   deps.Flusher,
		coalescer: deps.Coalescer,
		layer:     deps.PubSub,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Robots are not browsers; origin is meaningless here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// ServeHTTP upgrades a robot connection and runs its session until it
// closes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	closing := m.closing
	if !closing {
		m.wg.Add(1)
	}
	m.mu.Unlock()
	if closing {
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}
	defer m.wg.Done()

	uniqueID := strings.TrimSpace(r.URL.Query().Get(QueryParam))

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("robot websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if uniqueID == "" {
		m.reject(conn, CloseMissingIdentifier, ErrMissingIdentifier)
		m.logger.Error("connection refused", "remote", r.RemoteAddr, "error", ErrMissingIdentifier)
		return
	}

	rb, _, err := m.registry.RegisterIfAbsent(r.Context(), uniqueID, "", "")
	if err != nil {
		m.reject(conn, CloseRegistrationFailure, ErrRegistrationFailure)
		m.logger.Error("robot registration failed", "robot", uniqueID, "error", err)
		return
	}
	if err := m.registry.Touch(r.Context(), uniqueID); err != nil {
		m.logger.Warn("updating last_connected failed", "robot", uniqueID, "error", err)
	}

	s := newSession(m, conn, rb)
	m.add(s)
	m.accepted.Add(1)
	m.logger.Info("robot connected",
		"robot", uniqueID, "display_id", rb.DisplayLabel(), "owner", rb.OwnerLabel(),
		"session", s.id, "connected", m.Count())

	s.serve()

	m.remove(s)
	m.logger.Info("robot disconnected", "robot", uniqueID, "session", s.id, "connected", m.Count())
}

// reject closes a freshly upgraded connection with code.
func (m *Manager) reject(conn *websocket.Conn, code int, cause error) {
	m.rejected.Add(1)
	msg := websocket.FormatCloseMessage(code, cause.Error())
	//nolint:errcheck // Best-effort close frame; the connection is dropped regardless
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	conn.Close() //nolint:errcheck // Already closing
}

func (m *Manager) add(s *Session) {
	m.mu.Lock()
	m.sessions[s.id] = s
	closing := m.closing
	m.mu.Unlock()

	// Shutdown began during the handshake and did not see this session.
	if closing {
		go s.teardown(reasonShutdown)
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stats returns the current session counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Active:           m.Count(),
		Accepted:         m.accepted.Load(),
		Rejected:         m.rejected.Load(),
		Malformed:        m.malformed.Load(),
		LivenessTimeouts: m.livenessTimeouts.Load(),
	}
}

// Shutdown stops accepting robots, closes every live session with code
// 1001 and waits until all of them have finished teardown (including the
// forced flush) or ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		go s.teardown(reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newSessionID() string {
	return uuid.NewString()
}
