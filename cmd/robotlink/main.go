// RobotLink Core - robot state ingestion and fan-out service
//
// This is the main entry point for the RobotLink Core application.
// RobotLink accepts persistent WebSocket connections from robots, buffers
// their state reports, persists them in batches and fans coalesced updates
// out to dashboards:
//   - One session per robot connection, with an application-level heartbeat
//   - Per-robot buffers flushed on a timer, on overflow and on disconnect
//   - Latest-state-wins dashboard broadcasts over a pluggable pub/sub layer
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/robotlink-core/migrations"

	"github.com/nerrad567/robotlink-core/internal/api"
	"github.com/nerrad567/robotlink-core/internal/broadcast"
	"github.com/nerrad567/robotlink-core/internal/infrastructure/config"
	"github.com/nerrad567/robotlink-core/internal/infrastructure/database"
	"github.com/nerrad567/robotlink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/robotlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/robotlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/robotlink-core/internal/ingest"
	"github.com/nerrad567/robotlink-core/internal/pubsub"
	"github.com/nerrad567/robotlink-core/internal/robot"
	"github.com/nerrad567/robotlink-core/internal/session"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// Default configuration file path
	defaultConfigPath = "configs/config.yaml"

	// finalFlushTimeout bounds the last FlushAll after every session has closed.
	finalFlushTimeout = 30 * time.Second

	// startupCheckTimeout bounds the health checks run before serving.
	startupCheckTimeout = 10 * time.Second
)

func main() {
	// Cancel on Ctrl+C or SIGTERM so run can shut down gracefully.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // Linear startup/shutdown sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting RobotLink Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	checks := map[string]api.HealthChecker{"database": db}

	// Group messaging backend
	layer, closeLayer, err := startPubSub(cfg, log, checks)
	if err != nil {
		return err
	}
	defer closeLayer()

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Robot registry
	registry := robot.NewRegistry(
		robot.NewSQLiteRepository(db.DB),
		robot.NewSQLitePrincipalRepository(db.DB),
	)
	registry.SetLogger(log.Component("registry"))
	if n, countErr := registry.Count(ctx); countErr == nil {
		log.Info("robot registry initialised", "robots", n)
	}

	// State buffer and flush scheduler
	flusher := ingest.NewFlusher(
		ingest.NewBuffer(cfg.Ingest.MaxCacheSize),
		robot.NewSQLiteSnapshotStore(db.DB),
		cfg.Ingest.FlushInterval,
	)
	ingestLog := log.Component("ingest")
	flusher.SetLogger(ingestLog)
	flusher.SetOnOverflow(func(uniqueID string, size int) {
		ingestLog.Debug("buffer full, forcing flush", "robot", uniqueID, "size", size)
	})
	if influxClient != nil {
		flusher.SetTelemetry(influxClient)
	}

	// Dashboard broadcast
	coalescer := broadcast.NewCoalescer(layer, cfg.Broadcast.FrontendUpdateInterval)
	coalescer.SetLogger(log.Component("broadcast"))

	// Robot sessions
	sessions := session.NewManager(cfg.WebSocket, session.Deps{
		Registry:  registry,
		Flusher:   flusher,
		Coalescer: coalescer,
		PubSub:    layer,
		Logger:    log.Component("session"),
	})

	// Verify all connections are healthy
	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	server, err := api.New(api.Deps{
		Config:        cfg.API,
		WS:            cfg.WebSocket,
		Security:      cfg.Security,
		Logger:        log.Component("api"),
		Sessions:      sessions,
		PubSub:        layer,
		Registry:      registry,
		Flusher:       flusher,
		Coalescer:     coalescer,
		DB:            db,
		PubSubBackend: cfg.PubSub.Backend,
		HealthChecks:  checks,
		Version:       version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	// Background tasks share one cancellable group.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return flusher.Run(gctx) })
	g.Go(func() error { return coalescer.Run(gctx) })

	if err := server.Start(gctx); err != nil {
		stop()
		_ = g.Wait() //nolint:errcheck // Tasks only return on cancellation
		return fmt.Errorf("starting API server: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal", "address", server.Addr())

	<-gctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Sessions flush their own buffers as they close.
	if closeErr := server.Close(); closeErr != nil {
		log.Error("error closing API server", "error", closeErr)
	}

	if waitErr := g.Wait(); waitErr != nil {
		log.Error("background task failed", "error", waitErr)
	}

	// Anything still buffered (a session that failed its own flush) gets one
	// more attempt before the database closes.
	flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	if n, flushErr := flusher.FlushAll(flushCtx); flushErr != nil {
		log.Error("final flush incomplete", "persisted", n, "pending", flusher.Buffer().Pending(), "error", flushErr)
	} else {
		log.Info("final flush complete", "persisted", n)
	}

	log.Info("RobotLink Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses ROBOTLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ROBOTLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// startPubSub builds the configured group-messaging layer. Broker-backed
// layers add their connection to checks. The returned func releases the
// layer and its connection.
func startPubSub(cfg *config.Config, log *logging.Logger, checks map[string]api.HealthChecker) (pubsub.Layer, func(), error) {
	pubLog := log.Component("pubsub")

	switch cfg.PubSub.Backend {
	case config.PubSubMQTT:
		client, err := mqtt.Connect(cfg.MQTT, mqtt.Topics{Prefix: cfg.PubSub.TopicPrefix})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
		}
		client.SetLogger(pubLog)
		client.SetOnConnect(func() {
			pubLog.Info("MQTT reconnected")
		})
		client.SetOnDisconnect(func(err error) {
			pubLog.Warn("MQTT disconnected", "error", err)
		})

		// #nosec G115 -- QoS validated to 0..2
		layer := pubsub.NewMQTTLayer(client, byte(cfg.MQTT.QoS))
		layer.SetLogger(pubLog)
		if err := layer.Start(); err != nil {
			client.Close() //nolint:errcheck // Already failing
			return nil, nil, fmt.Errorf("subscribing to MQTT groups: %w", err)
		}
		checks["mqtt"] = client
		log.Info("pub/sub backend ready",
			"backend", "mqtt",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
		return layer, func() {
			log.Info("disconnecting from MQTT")
			if err := layer.Close(); err != nil {
				log.Warn("error unsubscribing MQTT groups", "error", err)
			}
			if err := client.Close(); err != nil {
				log.Error("error closing MQTT", "error", err)
			}
		}, nil

	case config.PubSubNATS:
		nc, err := pubsub.ConnectNATS(cfg.NATS, pubLog)
		if err != nil {
			return nil, nil, err
		}
		layer := pubsub.NewNATSLayer(nc, pubsub.Subjects{Prefix: cfg.PubSub.TopicPrefix})
		layer.SetLogger(pubLog)
		if err := layer.Start(); err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("subscribing to NATS groups: %w", err)
		}
		checks["nats"] = api.HealthCheckFunc(func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats not connected")
			}
			return nil
		})
		log.Info("pub/sub backend ready", "backend", "nats", "url", nc.ConnectedUrl())
		return layer, func() {
			log.Info("disconnecting from NATS")
			if err := layer.Close(); err != nil {
				log.Warn("error unsubscribing NATS groups", "error", err)
			}
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		}, nil

	default:
		log.Info("pub/sub backend ready", "backend", "local")
		return pubsub.NewLocal(), func() {}, nil
	}
}

// healthCheck runs every registered check and returns the first failure.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	ctx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()

	for name, check := range checks {
		if err := check.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
