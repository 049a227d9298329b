// Package repository defines persistence interfaces for sessions and
// executions. Implementations are pure adapters; business rules live in the
// service layer.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/runbox/runbox/internal/session/models"
)

// ErrNotFound is returned when the requested record does not exist.
// Implementations wrap it so callers can use errors.Is.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err means a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// SessionFilter narrows session list queries.
type SessionFilter struct {
	Status     models.SessionStatus
	TemplateID string
	Limit      int
	Offset     int
}

// SessionRepository stores session records.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error)
	CountSessions(ctx context.Context, filter SessionFilter) (int, error)

	// ListSessionsByStatus returns all sessions in any of the given statuses.
	ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]*models.Session, error)

	// FindIdleSessions returns non-terminal sessions whose last activity
	// predates the given instant.
	FindIdleSessions(ctx context.Context, activityBefore time.Time) ([]*models.Session, error)

	// FindExpiredSessions returns non-terminal sessions created before the
	// given instant.
	FindExpiredSessions(ctx context.Context, createdBefore time.Time) ([]*models.Session, error)

	Close() error
}

// ExecutionRepository stores execution records.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, execution *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	UpdateExecution(ctx context.Context, execution *models.Execution) error

	// ListExecutionsBySession returns executions for a session sorted by
	// created_at descending. limit <= 0 means no limit.
	ListExecutionsBySession(ctx context.Context, sessionID string, limit int) ([]*models.Execution, error)

	// ListActiveExecutionsBySession returns PENDING and RUNNING executions
	// for a session (used to mark them crashed when the container is lost).
	ListActiveExecutionsBySession(ctx context.Context, sessionID string) ([]*models.Execution, error)

	// ListExecutionsByStatus returns all executions in any of the given
	// statuses (used by the crash-retry passes).
	ListExecutionsByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.Execution, error)

	CountExecutionsBySession(ctx context.Context, sessionID string) (int, error)
}
