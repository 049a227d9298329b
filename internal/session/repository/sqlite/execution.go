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

const executionColumns = `id, session_id, code, language, timeout_seconds, event, env_vars,
	status, error_detail, exit_code, stdout, stderr, return_value, metrics, retry_count,
	last_heartbeat_at, created_at, updated_at, completed_at`

// CreateExecution creates a new execution record
func (r *Repository) CreateExecution(ctx context.Context, execution *models.Execution) error {
	if execution.ID == "" {
		execution.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now
	}
	execution.UpdatedAt = now

	eventJSON, envJSON, returnJSON, metricsJSON, err := marshalExecutionColumns(execution)
	if err != nil {
		return err
	}

	query := r.db.Rebind(`
		INSERT INTO executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = r.db.ExecContext(ctx, query,
		execution.ID, execution.SessionID, execution.Code, execution.Language,
		execution.TimeoutSeconds, eventJSON, envJSON, execution.Status, execution.ErrorDetail,
		execution.ExitCode, execution.Stdout, execution.Stderr, returnJSON, metricsJSON,
		execution.RetryCount, execution.LastHeartbeatAt,
		execution.CreatedAt, execution.UpdatedAt, execution.CompletedAt)
	return err
}

// GetExecution retrieves an execution by ID
func (r *Repository) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	query := r.ro.Rebind(`SELECT ` + executionColumns + ` FROM executions WHERE id = ?`)
	row := r.ro.QueryRowContext(ctx, query, id)
	execution, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, repository.ErrNotFound)
	}
	return execution, err
}

// UpdateExecution updates an existing execution record
func (r *Repository) UpdateExecution(ctx context.Context, execution *models.Execution) error {
	execution.UpdatedAt = time.Now().UTC()

	eventJSON, envJSON, returnJSON, metricsJSON, err := marshalExecutionColumns(execution)
	if err != nil {
		return err
	}

	query := r.db.Rebind(`
		UPDATE executions
		SET status = ?, error_detail = ?, exit_code = ?, stdout = ?, stderr = ?,
			return_value = ?, metrics = ?, retry_count = ?, event = ?, env_vars = ?,
			last_heartbeat_at = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`)
	result, err := r.db.ExecContext(ctx, query,
		execution.Status, execution.ErrorDetail, execution.ExitCode, execution.Stdout,
		execution.Stderr, returnJSON, metricsJSON, execution.RetryCount, eventJSON, envJSON,
		execution.LastHeartbeatAt, execution.UpdatedAt, execution.CompletedAt,
		execution.ID)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("execution %s: %w", execution.ID, repository.ErrNotFound)
	}
	return nil
}

// ListExecutionsBySession returns executions for a session, newest first
func (r *Repository) ListExecutionsBySession(ctx context.Context, sessionID string, limit int) ([]*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE session_id = ? ORDER BY created_at DESC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanExecutions(rows)
}

// ListActiveExecutionsBySession returns PENDING and RUNNING executions
func (r *Repository) ListActiveExecutionsBySession(ctx context.Context, sessionID string) ([]*models.Execution, error) {
	query := r.ro.Rebind(`
		SELECT ` + executionColumns + ` FROM executions
		WHERE session_id = ? AND status IN (?, ?)
	`)
	rows, err := r.ro.QueryContext(ctx, query,
		sessionID, models.ExecutionPending, models.ExecutionRunning)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanExecutions(rows)
}

// ListExecutionsByStatus returns all executions in any of the given statuses
func (r *Repository) ListExecutionsByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.Execution, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + executionColumns + ` FROM executions WHERE status IN (`
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
	return scanExecutions(rows)
}

// CountExecutionsBySession returns the number of executions for a session
func (r *Repository) CountExecutionsBySession(ctx context.Context, sessionID string) (int, error) {
	query := r.ro.Rebind(`SELECT COUNT(*) FROM executions WHERE session_id = ?`)
	var count int
	err := r.ro.QueryRowContext(ctx, query, sessionID).Scan(&count)
	return count, err
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	execution := &models.Execution{}
	var eventJSON, envJSON, returnJSON, metricsJSON string
	var exitCode sql.NullInt64
	var lastHeartbeat, completedAt sql.NullTime

	err := row.Scan(
		&execution.ID, &execution.SessionID, &execution.Code, &execution.Language,
		&execution.TimeoutSeconds, &eventJSON, &envJSON, &execution.Status, &execution.ErrorDetail,
		&exitCode, &execution.Stdout, &execution.Stderr, &returnJSON, &metricsJSON,
		&execution.RetryCount, &lastHeartbeat,
		&execution.CreatedAt, &execution.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		execution.ExitCode = &code
	}
	if lastHeartbeat.Valid {
		execution.LastHeartbeatAt = &lastHeartbeat.Time
	}
	if completedAt.Valid {
		execution.CompletedAt = &completedAt.Time
	}

	if eventJSON != "" && eventJSON != "null" {
		execution.Event = json.RawMessage(eventJSON)
	}
	if envJSON != "" && envJSON != "{}" {
		if err := json.Unmarshal([]byte(envJSON), &execution.EnvVars); err != nil {
			return nil, fmt.Errorf("failed to deserialize execution env vars: %w", err)
		}
	}
	if returnJSON != "" && returnJSON != "null" {
		execution.ReturnValue = json.RawMessage(returnJSON)
	}
	if metricsJSON != "" && metricsJSON != "{}" {
		if err := json.Unmarshal([]byte(metricsJSON), &execution.Metrics); err != nil {
			return nil, fmt.Errorf("failed to deserialize execution metrics: %w", err)
		}
	}
	return execution, nil
}

func scanExecutions(rows *sql.Rows) ([]*models.Execution, error) {
	var result []*models.Execution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, execution)
	}
	return result, rows.Err()
}

func marshalExecutionColumns(execution *models.Execution) (event, env, returnValue, metrics string, err error) {
	event = "null"
	if len(execution.Event) > 0 {
		event = string(execution.Event)
	}

	env = "{}"
	if execution.EnvVars != nil {
		envBytes, err := json.Marshal(execution.EnvVars)
		if err != nil {
			return "", "", "", "", fmt.Errorf("failed to serialize execution env vars: %w", err)
		}
		env = string(envBytes)
	}

	returnValue = "null"
	if len(execution.ReturnValue) > 0 {
		returnValue = string(execution.ReturnValue)
	}

	metricsBytes, err := json.Marshal(execution.Metrics)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to serialize execution metrics: %w", err)
	}

	return event, env, returnValue, string(metricsBytes), nil
}
