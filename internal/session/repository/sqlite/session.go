package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/runbox/runbox/internal/session/models"
	"github.com/runbox/runbox/internal/session/repository"
)

const sessionColumns = `id, template_id, status, status_reason, resources, workspace_uri,
	runtime_type, runtime_node_id, container_id, executor_port, env_vars, timeout_seconds,
	requested_dependencies, installed_dependencies, dependency_install_status,
	created_at, updated_at, last_activity_at, completed_at`

// CreateSession creates a new session record
func (r *Repository) CreateSession(ctx context.Context, session *models.Session) error {
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

	resourcesJSON, envJSON, requestedJSON, installedJSON, err := marshalSessionColumns(session)
	if err != nil {
		return err
	}

	query := r.db.Rebind(`
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = r.db.ExecContext(ctx, query,
		session.ID, session.TemplateID, session.Status, session.StatusReason,
		resourcesJSON, session.WorkspaceURI, session.RuntimeType, session.RuntimeNodeID,
		session.ContainerID, session.ExecutorPort, envJSON, session.TimeoutSeconds,
		requestedJSON, installedJSON, session.DepsStatus,
		session.CreatedAt, session.UpdatedAt, session.LastActivityAt, session.CompletedAt)
	return err
}

// GetSession retrieves a session by ID
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := r.ro.Rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`)
	row := r.ro.QueryRowContext(ctx, query, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, repository.ErrNotFound)
	}
	return session, err
}

// UpdateSession updates an existing session record
func (r *Repository) UpdateSession(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = time.Now().UTC()

	resourcesJSON, envJSON, requestedJSON, installedJSON, err := marshalSessionColumns(session)
	if err != nil {
		return err
	}

	query := r.db.Rebind(`
		UPDATE sessions
		SET template_id = ?, status = ?, status_reason = ?, resources = ?, workspace_uri = ?,
			runtime_type = ?, runtime_node_id = ?, container_id = ?, executor_port = ?,
			env_vars = ?, timeout_seconds = ?, requested_dependencies = ?,
			installed_dependencies = ?, dependency_install_status = ?,
			updated_at = ?, last_activity_at = ?, completed_at = ?
		WHERE id = ?
	`)
	result, err := r.db.ExecContext(ctx, query,
		session.TemplateID, session.Status, session.StatusReason, resourcesJSON,
		session.WorkspaceURI, session.RuntimeType, session.RuntimeNodeID, session.ContainerID,
		session.ExecutorPort, envJSON, session.TimeoutSeconds, requestedJSON,
		installedJSON, session.DepsStatus,
		session.UpdatedAt, session.LastActivityAt, session.CompletedAt,
		session.ID)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("session %s: %w", session.ID, repository.ErrNotFound)
	}
	return nil
}

// ListSessions returns sessions matching the filter, newest first
func (r *Repository) ListSessions(ctx context.Context, filter repository.SessionFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.TemplateID != "" {
		query += ` AND template_id = ?`
		args = append(args, filter.TemplateID)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

// CountSessions returns the number of sessions matching the filter
func (r *Repository) CountSessions(ctx context.Context, filter repository.SessionFilter) (int, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.TemplateID != "" {
		query += ` AND template_id = ?`
		args = append(args, filter.TemplateID)
	}

	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(query), args...).Scan(&count)
	return count, err
}

// ListSessionsByStatus returns all sessions in any of the given statuses
func (r *Repository) ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]*models.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status IN (`
	args := make([]interface{}, 0, len(statuses))
	for i, s := range statuses {
		if i > 0 {
			query += `, `
		}
		query += `?`
		args = append(args, s)
	}
	query += `)`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

// FindIdleSessions returns non-terminal sessions idle since before the instant
func (r *Repository) FindIdleSessions(ctx context.Context, activityBefore time.Time) ([]*models.Session, error) {
	query := r.ro.Rebind(`
		SELECT ` + sessionColumns + ` FROM sessions
		WHERE status IN (?, ?) AND last_activity_at < ?
	`)
	rows, err := r.ro.QueryContext(ctx, query,
		models.SessionCreating, models.SessionRunning, activityBefore.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

// FindExpiredSessions returns non-terminal sessions created before the instant
func (r *Repository) FindExpiredSessions(ctx context.Context, createdBefore time.Time) ([]*models.Session, error) {
	query := r.ro.Rebind(`
		SELECT ` + sessionColumns + ` FROM sessions
		WHERE status IN (?, ?) AND created_at < ?
	`)
	rows, err := r.ro.QueryContext(ctx, query,
		models.SessionCreating, models.SessionRunning, createdBefore.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var resourcesJSON, envJSON, requestedJSON, installedJSON string
	var completedAt sql.NullTime

	err := row.Scan(
		&session.ID, &session.TemplateID, &session.Status, &session.StatusReason,
		&resourcesJSON, &session.WorkspaceURI, &session.RuntimeType, &session.RuntimeNodeID,
		&session.ContainerID, &session.ExecutorPort, &envJSON, &session.TimeoutSeconds,
		&requestedJSON, &installedJSON, &session.DepsStatus,
		&session.CreatedAt, &session.UpdatedAt, &session.LastActivityAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		session.CompletedAt = &completedAt.Time
	}

	if err := json.Unmarshal([]byte(resourcesJSON), &session.Resources); err != nil {
		return nil, fmt.Errorf("failed to deserialize session resources: %w", err)
	}
	if envJSON != "" && envJSON != "{}" {
		if err := json.Unmarshal([]byte(envJSON), &session.EnvVars); err != nil {
			return nil, fmt.Errorf("failed to deserialize session env vars: %w", err)
		}
	}
	if requestedJSON != "" && requestedJSON != "[]" {
		if err := json.Unmarshal([]byte(requestedJSON), &session.RequestedDeps); err != nil {
			return nil, fmt.Errorf("failed to deserialize requested dependencies: %w", err)
		}
	}
	if installedJSON != "" && installedJSON != "[]" {
		if err := json.Unmarshal([]byte(installedJSON), &session.InstalledDeps); err != nil {
			return nil, fmt.Errorf("failed to deserialize installed dependencies: %w", err)
		}
	}
	return session, nil
}

func scanSessions(rows *sql.Rows) ([]*models.Session, error) {
	var result []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

func marshalSessionColumns(session *models.Session) (resources, env, requested, installed string, err error) {
	resourcesBytes, err := json.Marshal(session.Resources)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to serialize session resources: %w", err)
	}

	env = "{}"
	if session.EnvVars != nil {
		envBytes, err := json.Marshal(session.EnvVars)
		if err != nil {
			return "", "", "", "", fmt.Errorf("failed to serialize session env vars: %w", err)
		}
		env = string(envBytes)
	}

	requested = "[]"
	if session.RequestedDeps != nil {
		requestedBytes, err := json.Marshal(session.RequestedDeps)
		if err != nil {
			return "", "", "", "", fmt.Errorf("failed to serialize requested dependencies: %w", err)
		}
		requested = string(requestedBytes)
	}

	installed = "[]"
	if session.InstalledDeps != nil {
		installedBytes, err := json.Marshal(session.InstalledDeps)
		if err != nil {
			return "", "", "", "", fmt.Errorf("failed to serialize installed dependencies: %w", err)
		}
		installed = string(installedBytes)
	}

	return string(resourcesBytes), env, requested, installed, nil
}
