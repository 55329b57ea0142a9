package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/robotlink-core/internal/broadcast"
	"github.com/nerrad567/robotlink-core/internal/ingest"
	"github.com/nerrad567/robotlink-core/internal/session"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	Sessions      session.Stats    `json:"sessions"`
	Dashboards    WSMetrics        `json:"dashboards"`
	Ingest        *ingest.Stats    `json:"ingest,omitempty"`
	Broadcast     *broadcast.Stats `json:"broadcast,omitempty"`
	PubSub        PubSubMetrics    `json:"pubsub"`
	Robots        *RobotMetrics    `json:"robots,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains dashboard hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// PubSubMetrics describes the group-messaging backend.
type PubSubMetrics struct {
	Backend string `json:"backend"`
}

// RobotMetrics contains registry statistics.
type RobotMetrics struct {
	Registered int `json:"registered"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Sessions: s.sessions.Stats(),
		Dashboards: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		PubSub: PubSubMetrics{Backend: s.pubsubBackend},
	}

	if s.flusher != nil {
		stats := s.flusher.Stats()
		metrics.Ingest = &stats
	}

	if s.coalescer != nil {
		stats := s.coalescer.Stats()
		metrics.Broadcast = &stats
	}

	if s.registry != nil {
		if n, err := s.registry.Count(r.Context()); err != nil {
			s.logger.Warn("counting robots for metrics", "error", err)
		} else {
			metrics.Robots = &RobotMetrics{Registered: n}
		}
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
