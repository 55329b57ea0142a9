package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/robotlink-core/internal/broadcast"
	"github.com/nerrad567/robotlink-core/internal/infrastructure/config"
	"github.com/nerrad567/robotlink-core/internal/infrastructure/database"
	"github.com/nerrad567/robotlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/robotlink-core/internal/ingest"
	"github.com/nerrad567/robotlink-core/internal/pubsub"
	"github.com/nerrad567/robotlink-core/internal/robot"
	"github.com/nerrad567/robotlink-core/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// and robot sessions to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is implemented by every infrastructure client the server
// reports on (database, MQTT, InfluxDB).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f(ctx).
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Sessions  *session.Manager
	PubSub    pubsub.Layer
	Registry  *robot.Registry      // optional; robot count in metrics
	Flusher   *ingest.Flusher      // optional; ingest stats in metrics
	Coalescer *broadcast.Coalescer // optional; broadcast stats in metrics
	DB        *database.DB         // optional; pool stats in metrics

	// PubSubBackend is reported in metrics ("local", "mqtt" or "nats").
	PubSubBackend string

	// HealthChecks are run by GET /api/v1/health, keyed by component name.
	HealthChecks map[string]HealthChecker

	Version string
}

// Server is the HTTP server for RobotLink Core.
//
// It manages the HTTP listener, routes, middleware, and the dashboard hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg           config.APIConfig
	wsCfg         config.WebSocketConfig
	secCfg        config.SecurityConfig
	logger        *logging.Logger
	sessions      *session.Manager
	registry      *robot.Registry
	flusher       *ingest.Flusher
	coalescer     *broadcast.Coalescer
	db            *database.DB
	pubsubBackend string
	healthChecks  map[string]HealthChecker
	version       string
	startTime     time.Time
	hub           *Hub

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc // stops the hub on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Logger, Sessions and PubSub are required; the rest are optional
//
// Returns:
//   - *Server: Server ready to Start
//   - error: If a required dependency is missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if deps.PubSub == nil {
		return nil, fmt.Errorf("pub/sub layer is required")
	}

	backend := deps.PubSubBackend
	if backend == "" {
		backend = "local"
	}

	return &Server{
		cfg:           deps.Config,
		wsCfg:         deps.WS,
		secCfg:        deps.Security,
		logger:        deps.Logger,
		sessions:      deps.Sessions,
		registry:      deps.Registry,
		flusher:       deps.Flusher,
		coalescer:     deps.Coalescer,
		db:            deps.DB,
		pubsubBackend: backend,
		healthChecks:  deps.HealthChecks,
		version:       deps.Version,
		startTime:     time.Now(),
		hub:           NewHub(deps.WS, deps.PubSub, deps.Logger),
	}, nil
}

// Start binds the listener and serves HTTP in a background goroutine.
//
// Binding happens before Start returns, so a port conflict is reported to
// the caller rather than logged from the serve goroutine.
//
// Parameters:
//   - ctx: Parent context for the dashboard hub
//
// Returns:
//   - error: If already started or the listener cannot bind
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	var hubCtx context.Context
	hubCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(hubCtx)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		addr := s.server.Addr
		s.server = nil
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	srv := s.server
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// Robot sessions are hijacked connections that http.Server.Shutdown does not
// track, so they are torn down first; each one flushes its buffered state
// before closing. Dashboard clients are then disconnected and in-flight
// requests are given up to 10 seconds to complete.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	cancel := s.cancel
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down", "robot_sessions", s.sessions.Count())

	var errs []error
	if err := s.sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing robot sessions: %w", err))
	}

	if cancel != nil {
		cancel()
	}

	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down API server: %w", err))
	}
	return errors.Join(errs...)
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// Hub returns the dashboard hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
