package robot

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/nerrad567/robotlink-core/internal/infrastructure/config"
	"github.com/nerrad567/robotlink-core/internal/infrastructure/database"
	_ "github.com/nerrad567/robotlink-core/migrations" // registers schema
)

// setupTestDB opens an in-memory database with the full schema applied.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close() //nolint:errcheck // Test cleanup
	})

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}

func setupRegistry(t *testing.T) (*Registry, *database.DB) {
	t.Helper()
	db := setupTestDB(t)
	return NewRegistry(NewSQLiteRepository(db.DB), NewSQLitePrincipalRepository(db.DB)), db
}

func strPtr(s string) *string { return &s }

// historyEntry is a stored snapshot as read back by listHistory.
type historyEntry struct {
	State     json.RawMessage
	Timestamp time.Time
}

// listHistory returns every stored snapshot of a robot, newest first.
func listHistory(t *testing.T, db *sql.DB, uniqueID string) []historyEntry {
	t.Helper()

	rows, err := db.QueryContext(context.Background(), `
		SELECT h.state, h.timestamp
		FROM robot_state_history h
		JOIN robots r ON r.id = h.robot_id
		WHERE r.unique_robot_id = ?
		ORDER BY h.timestamp DESC, h.id DESC`, uniqueID)
	if err != nil {
		t.Fatalf("querying state history: %v", err)
	}
	defer rows.Close()

	var entries []historyEntry
	for rows.Next() {
		var state, ts string
		if err := rows.Scan(&state, &ts); err != nil {
			t.Fatalf("scanning state history: %v", err)
		}
		entries = append(entries, historyEntry{State: json.RawMessage(state), Timestamp: parseTime(ts)})
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterating state history: %v", err)
	}
	return entries
}
