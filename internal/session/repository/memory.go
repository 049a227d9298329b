package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runbox/runbox/internal/session/models"
)

// MemoryRepository provides in-memory session and execution storage.
// Used in tests and for ephemeral single-process deployments.
type MemoryRepository struct {
	sessions   map[string]*models.Session
	executions map[string]*models.Execution
	mu         sync.RWMutex
}

var (
	_ SessionRepository   = (*MemoryRepository)(nil)
	_ ExecutionRepository = (*MemoryRepository)(nil)
)

// NewMemoryRepository creates a new in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions:   make(map[string]*models.Session),
		executions: make(map[string]*models.Execution),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// Session operations

// CreateSession creates a new session record
func (r *MemoryRepository) CreateSession(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = session.CreatedAt
	}
	session.UpdatedAt = now

	copied := *session
	r.sessions[session.ID] = &copied
	return nil
}

// GetSession retrieves a session by ID
func (r *MemoryRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	copied := *session
	return &copied, nil
}

// UpdateSession updates an existing session record
func (r *MemoryRepository) UpdateSession(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; !ok {
		return fmt.Errorf("session %s: %w", session.ID, ErrNotFound)
	}
	session.UpdatedAt = time.Now().UTC()
	copied := *session
	r.sessions[session.ID] = &copied
	return nil
}

// ListSessions returns sessions matching the filter, newest first
func (r *MemoryRepository) ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := r.filterSessions(filter)
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*models.Session{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// CountSessions returns the number of sessions matching the filter
func (r *MemoryRepository) CountSessions(ctx context.Context, filter SessionFilter) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filter.Limit = 0
	filter.Offset = 0
	return len(r.filterSessions(filter)), nil
}

func (r *MemoryRepository) filterSessions(filter SessionFilter) []*models.Session {
	matched := make([]*models.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.TemplateID != "" && s.TemplateID != filter.TemplateID {
			continue
		}
		copied := *s
		matched = append(matched, &copied)
	}
	return matched
}

// ListSessionsByStatus returns all sessions in any of the given statuses
func (r *MemoryRepository) ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[models.SessionStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	var matched []*models.Session
	for _, s := range r.sessions {
		if wanted[s.Status] {
			copied := *s
			matched = append(matched, &copied)
		}
	}
	return matched, nil
}

// FindIdleSessions returns non-terminal sessions idle since before the instant
func (r *MemoryRepository) FindIdleSessions(ctx context.Context, activityBefore time.Time) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Session
	for _, s := range r.sessions {
		if s.Status.IsTerminal() {
			continue
		}
		if s.LastActivityAt.Before(activityBefore) {
			copied := *s
			matched = append(matched, &copied)
		}
	}
	return matched, nil
}

// FindExpiredSessions returns non-terminal sessions created before the instant
func (r *MemoryRepository) FindExpiredSessions(ctx context.Context, createdBefore time.Time) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Session
	for _, s := range r.sessions {
		if s.Status.IsTerminal() {
			continue
		}
		if s.CreatedAt.Before(createdBefore) {
			copied := *s
			matched = append(matched, &copied)
		}
	}
	return matched, nil
}

// Execution operations

// CreateExecution creates a new execution record
func (r *MemoryRepository) CreateExecution(ctx context.Context, execution *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if execution.ID == "" {
		execution.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now
	}
	execution.UpdatedAt = now

	copied := *execution
	r.executions[execution.ID] = &copied
	return nil
}

// GetExecution retrieves an execution by ID
func (r *MemoryRepository) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	execution, ok := r.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	copied := *execution
	return &copied, nil
}

// UpdateExecution updates an existing execution record
func (r *MemoryRepository) UpdateExecution(ctx context.Context, execution *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.executions[execution.ID]; !ok {
		return fmt.Errorf("execution %s: %w", execution.ID, ErrNotFound)
	}
	execution.UpdatedAt = time.Now().UTC()
	copied := *execution
	r.executions[execution.ID] = &copied
	return nil
}

// ListExecutionsBySession returns executions for a session, newest first
func (r *MemoryRepository) ListExecutionsBySession(ctx context.Context, sessionID string, limit int) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Execution
	for _, e := range r.executions {
		if e.SessionID == sessionID {
			copied := *e
			matched = append(matched, &copied)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// ListActiveExecutionsBySession returns PENDING and RUNNING executions
func (r *MemoryRepository) ListActiveExecutionsBySession(ctx context.Context, sessionID string) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Execution
	for _, e := range r.executions {
		if e.SessionID != sessionID {
			continue
		}
		if e.Status == models.ExecutionPending || e.Status == models.ExecutionRunning {
			copied := *e
			matched = append(matched, &copied)
		}
	}
	return matched, nil
}

// ListExecutionsByStatus returns all executions in any of the given statuses
func (r *MemoryRepository) ListExecutionsByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[models.ExecutionStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	var matched []*models.Execution
	for _, e := range r.executions {
		if wanted[e.Status] {
			copied := *e
			matched = append(matched, &copied)
		}
	}
	return matched, nil
}

// CountExecutionsBySession returns the number of executions for a session
func (r *MemoryRepository) CountExecutionsBySession(ctx context.Context, sessionID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, e := range r.executions {
		if e.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}
