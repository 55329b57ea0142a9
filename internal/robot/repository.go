package robot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// timeLayout is the text format for timestamps stored in SQLite. It is fixed
// width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Repository defines persistence for robot identity records.
type Repository interface {
	// GetByUniqueID returns ErrRobotNotFound if the robot does not exist.
	GetByUniqueID(ctx context.Context, uniqueID string) (*Robot, error)

	// InsertIfAbsent creates the robot unless its unique id is already
	// stored. created reports whether this call inserted the row.
	InsertIfAbsent(ctx context.Context, r *Robot) (created bool, err error)

	// FillUnset sets display_id and owner_id only where they are currently
	// NULL and the given value is non-nil. It reports whether the row changed.
	FillUnset(ctx context.Context, uniqueID string, displayID *string, ownerID *int64, at time.Time) (bool, error)

	// Touch updates last_connected.
	Touch(ctx context.Context, uniqueID string, at time.Time) error

	// Count returns the number of known robots.
	Count(ctx context.Context) (int, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed robot repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByUniqueID retrieves a robot and its owner.
func (r *SQLiteRepository) GetByUniqueID(ctx context.Context, uniqueID string) (*Robot, error) {
	query := `
		SELECT r.id, r.unique_robot_id, r.display_id, r.last_connected, r.created_at, r.updated_at,
			p.id, p.username, p.created_at
		FROM robots r
		LEFT JOIN principals p ON p.id = r.owner_id
		WHERE r.unique_robot_id = ?`

	var (
		robot                           Robot
		displayID                       sql.NullString
		lastConnected, created, updated string
		ownerID                         sql.NullInt64
		ownerName, ownerCreated         sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, uniqueID).Scan(
		&robot.ID, &robot.UniqueID, &displayID, &lastConnected, &created, &updated,
		&ownerID, &ownerName, &ownerCreated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRobotNotFound
		}
		return nil, fmt.Errorf("querying robot by unique id: %w", err)
	}

	if displayID.Valid {
		robot.DisplayID = &displayID.String
	}
	robot.LastConnected = parseTime(lastConnected)
	robot.CreatedAt = parseTime(created)
	robot.UpdatedAt = parseTime(updated)
	if ownerID.Valid {
		robot.Owner = &Principal{
			ID:        ownerID.Int64,
			Username:  ownerName.String,
			CreatedAt: parseTime(ownerCreated.String),
		}
	}
	return &robot, nil
}

// InsertIfAbsent relies on the UNIQUE constraint on unique_robot_id, so
// concurrent first connections of the same robot cannot create duplicates.
func (r *SQLiteRepository) InsertIfAbsent(ctx context.Context, robot *Robot) (bool, error) {
	if robot.UniqueID == "" {
		return false, ErrInvalidUniqueID
	}

	now := time.Now().UTC()
	if robot.LastConnected.IsZero() {
		robot.LastConnected = now
	}
	robot.CreatedAt = now
	robot.UpdatedAt = now

	var ownerID any
	if robot.Owner != nil {
		ownerID = robot.Owner.ID
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO robots (unique_robot_id, display_id, owner_id, last_connected, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(unique_robot_id) DO NOTHING`,
		robot.UniqueID,
		nullableString(robot.DisplayID),
		ownerID,
		robot.LastConnected.UTC().Format(timeLayout),
		now.Format(timeLayout),
		now.Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("inserting robot: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking inserted rows: %w", err)
	}
	return n == 1, nil
}

// FillUnset performs the conditional update in a single statement so that a
// concurrent writer cannot be overwritten.
func (r *SQLiteRepository) FillUnset(ctx context.Context, uniqueID string, displayID *string, ownerID *int64, at time.Time) (bool, error) {
	if displayID == nil && ownerID == nil {
		return false, nil
	}

	var owner any
	if ownerID != nil {
		owner = *ownerID
	}
	display := nullableString(displayID)
	ts := at.UTC().Format(timeLayout)

	result, err := r.db.ExecContext(ctx, `
		UPDATE robots
		SET display_id = COALESCE(display_id, ?),
			owner_id = COALESCE(owner_id, ?),
			last_connected = ?,
			updated_at = ?
		WHERE unique_robot_id = ?
			AND ((display_id IS NULL AND ? IS NOT NULL) OR (owner_id IS NULL AND ? IS NOT NULL))`,
		display, owner, ts, ts, uniqueID, display, owner,
	)
	if err != nil {
		return false, fmt.Errorf("updating robot identity: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking updated rows: %w", err)
	}
	return n > 0, nil
}

// Touch updates last_connected.
func (r *SQLiteRepository) Touch(ctx context.Context, uniqueID string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE robots SET last_connected = ? WHERE unique_robot_id = ?",
		at.UTC().Format(timeLayout), uniqueID,
	)
	if err != nil {
		return fmt.Errorf("touching robot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking touched rows: %w", err)
	}
	if n == 0 {
		return ErrRobotNotFound
	}
	return nil
}

// Count returns the number of known robots.
func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM robots").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting robots: %w", err)
	}
	return n, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
