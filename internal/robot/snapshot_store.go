package robot

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/robotlink-core/internal/infrastructure/database"
)

// SnapshotStore persists robot state snapshots.
type SnapshotStore interface {
	// InsertBatch writes all snapshots of one robot in a single
	// transaction: either every row is stored or none is.
	InsertBatch(ctx context.Context, uniqueID string, snapshots []Snapshot) error
}

// SQLiteSnapshotStore implements SnapshotStore on the robot_state_history table.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// NewSQLiteSnapshotStore creates a new SQLite snapshot store.
func NewSQLiteSnapshotStore(db *sql.DB) *SQLiteSnapshotStore {
	return &SQLiteSnapshotStore{db: db}
}

// InsertBatch returns ErrRobotNotFound when the robot row is missing; no
// rows are written in that case.
func (s *SQLiteSnapshotStore) InsertBatch(ctx context.Context, uniqueID string, snapshots []Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	return database.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		var robotID int64
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM robots WHERE unique_robot_id = ?", uniqueID,
		).Scan(&robotID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrRobotNotFound
			}
			return fmt.Errorf("resolving robot: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO robot_state_history (robot_id, state, timestamp) VALUES (?, ?, ?)",
		)
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()

		for _, snap := range snapshots {
			state, err := compactState(snap.State)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, robotID, state, snap.ReceivedAt.UTC().Format(timeLayout)); err != nil {
				return fmt.Errorf("inserting snapshot: %w", err)
			}
		}
		return nil
	})
}

// CountByRobot returns the number of stored snapshots for a robot.
func (s *SQLiteSnapshotStore) CountByRobot(ctx context.Context, uniqueID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM robot_state_history h
		JOIN robots r ON r.id = h.robot_id
		WHERE r.unique_robot_id = ?`, uniqueID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting state history: %w", err)
	}
	return n, nil
}

func compactState(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "null", nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", fmt.Errorf("invalid state JSON: %w", err)
	}
	return buf.String(), nil
}
