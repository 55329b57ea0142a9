package robot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Logger defines the logging interface used by the Registry.
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

// Registry manages robot identity records.
//
// It never deletes robots and never overwrites a set DisplayID or Owner.
// All methods are safe for concurrent use; uniqueness is enforced by the
// store.
type Registry struct {
	robots     Repository
	principals PrincipalRepository
	logger     Logger
	now        func() time.Time
}

// NewRegistry creates a registry over the given repositories.
func NewRegistry(robots Repository, principals PrincipalRepository) *Registry {
	return &Registry{
		robots:     robots,
		principals: principals,
		logger:     noopLogger{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RegisterIfAbsent returns the robot with uniqueID, creating it first if it
// does not exist. Hints are applied only on creation; blank or Unknown hints
// leave the field unset. An owner hint creates the principal if needed.
//
// If another caller creates the same robot concurrently, the existing row is
// returned with created=false.
func (r *Registry) RegisterIfAbsent(ctx context.Context, uniqueID, displayHint, ownerHint string) (*Robot, bool, error) {
	uniqueID = strings.TrimSpace(uniqueID)
	if uniqueID == "" {
		return nil, false, ErrInvalidUniqueID
	}

	robot := &Robot{
		UniqueID:      uniqueID,
		DisplayID:     Hint(displayHint),
		LastConnected: r.now(),
	}
	if owner := Hint(ownerHint); owner != nil {
		p, err := r.principals.GetOrCreate(ctx, *owner)
		if err != nil {
			return nil, false, fmt.Errorf("resolving owner %q: %w", *owner, err)
		}
		robot.Owner = p
	}

	created, err := r.robots.InsertIfAbsent(ctx, robot)
	if err != nil {
		return nil, false, fmt.Errorf("registering robot %q: %w", uniqueID, err)
	}

	stored, err := r.robots.GetByUniqueID(ctx, uniqueID)
	if err != nil {
		return nil, false, fmt.Errorf("fetching robot %q: %w", uniqueID, err)
	}

	if created {
		r.logger.Info("robot registered", "robot", uniqueID)
	}
	return stored, created, nil
}

// ApplyUpdate fills in the robot's DisplayID and Owner from a state report.
//
// DisplayID is replaced only while unset and only by a set value. Owner is
// replaced only while unset and only when the named principal already
// exists. It returns true when the stored record changed. An unknown robot
// is logged and reported as no change.
func (r *Registry) ApplyUpdate(ctx context.Context, uniqueID, displayID, owner string) (bool, error) {
	current, err := r.robots.GetByUniqueID(ctx, uniqueID)
	if err != nil {
		if errors.Is(err, ErrRobotNotFound) {
			r.logger.Info("robot does not exist, skipping identity update", "robot", uniqueID)
			return false, nil
		}
		return false, fmt.Errorf("fetching robot %q: %w", uniqueID, err)
	}

	var newDisplay *string
	if current.DisplayID == nil {
		newDisplay = Hint(displayID)
	}

	var newOwner *int64
	if current.Owner == nil {
		if name := Hint(owner); name != nil {
			p, err := r.principals.GetByUsername(ctx, *name)
			switch {
			case err == nil:
				newOwner = &p.ID
			case errors.Is(err, ErrPrincipalNotFound):
				r.logger.Info("owner does not exist, skipping owner update", "robot", uniqueID, "owner", *name)
			default:
				return false, fmt.Errorf("resolving owner %q: %w", *name, err)
			}
		}
	}

	if newDisplay == nil && newOwner == nil {
		r.logger.Debug("no identity update needed", "robot", uniqueID)
		return false, nil
	}

	updated, err := r.robots.FillUnset(ctx, uniqueID, newDisplay, newOwner, r.now())
	if err != nil {
		return false, fmt.Errorf("updating robot %q: %w", uniqueID, err)
	}
	if updated {
		r.logger.Info("robot identity updated", "robot", uniqueID,
			"display_id", derefOr(newDisplay, current.DisplayLabel()),
			"owner", ownerLabel(owner, newOwner, current))
	}
	return updated, nil
}

// Touch records a (re)connection of the robot.
func (r *Registry) Touch(ctx context.Context, uniqueID string) error {
	return r.robots.Touch(ctx, uniqueID, r.now())
}

// Get returns the robot with uniqueID or ErrRobotNotFound.
func (r *Registry) Get(ctx context.Context, uniqueID string) (*Robot, error) {
	return r.robots.GetByUniqueID(ctx, uniqueID)
}

// Count returns the number of known robots.
func (r *Registry) Count(ctx context.Context) (int, error) {
	return r.robots.Count(ctx)
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

func ownerLabel(reported string, newOwner *int64, current *Robot) string {
	if newOwner != nil {
		return strings.TrimSpace(reported)
	}
	return current.OwnerLabel()
}
