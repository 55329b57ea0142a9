package robot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PrincipalRepository defines persistence for robot owners.
type PrincipalRepository interface {
	// GetByUsername returns ErrPrincipalNotFound if no such principal exists.
	GetByUsername(ctx context.Context, username string) (*Principal, error)

	// GetOrCreate returns the principal, creating it if needed.
	GetOrCreate(ctx context.Context, username string) (*Principal, error)
}

// SQLitePrincipalRepository implements PrincipalRepository using SQLite.
type SQLitePrincipalRepository struct {
	db *sql.DB
}

// NewSQLitePrincipalRepository creates a new SQLite-backed principal repository.
func NewSQLitePrincipalRepository(db *sql.DB) *SQLitePrincipalRepository {
	return &SQLitePrincipalRepository{db: db}
}

// GetByUsername retrieves a principal by username.
func (r *SQLitePrincipalRepository) GetByUsername(ctx context.Context, username string) (*Principal, error) {
	var (
		p       Principal
		created string
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT id, username, created_at FROM principals WHERE username = ?", username,
	).Scan(&p.ID, &p.Username, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPrincipalNotFound
		}
		return nil, fmt.Errorf("querying principal: %w", err)
	}
	p.CreatedAt = parseTime(created)
	return &p, nil
}

// GetOrCreate inserts the principal if absent and returns the stored row.
func (r *SQLitePrincipalRepository) GetOrCreate(ctx context.Context, username string) (*Principal, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("principal username is required")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO principals (username, created_at) VALUES (?, ?)
		ON CONFLICT(username) DO NOTHING`,
		username, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting principal: %w", err)
	}
	return r.GetByUsername(ctx, username)
}
