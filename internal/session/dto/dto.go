// Package dto defines the request and response shapes of the session REST
// surface. Conversion to and from models happens here, keeping handler code
// thin.
package dto

import (
	"encoding/json"
	"time"

	"github.com/runbox/runbox/internal/session/models"
)

// CreateSessionRequest creates a new sandbox session from a template.
type CreateSessionRequest struct {
	TemplateID string `json:"template_id" binding:"required"`

	// TimeoutSeconds is the session wall-clock budget; 0 selects the
	// configured default, values above the configured maximum are clamped.
	TimeoutSeconds int `json:"timeout,omitempty"`

	Resources *models.ResourceLimits `json:"resource_limit,omitempty"`
	EnvVars   map[string]string      `json:"env_vars,omitempty"`

	// Dependencies are pip-style requirement specs installed before the
	// executor starts.
	Dependencies          []string `json:"dependencies,omitempty"`
	InstallTimeoutSeconds int      `json:"install_timeout,omitempty"`
	FailOnDependencyError bool     `json:"fail_on_dependency_error,omitempty"`
	AllowVersionConflicts bool     `json:"allow_version_conflicts,omitempty"`

	// WaitForReady blocks the request until the session is RUNNING (bounded
	// by the configured readiness deadline) instead of returning CREATING.
	WaitForReady bool `json:"wait_for_ready,omitempty"`
}

// ExecuteRequest submits code to a RUNNING session.
type ExecuteRequest struct {
	Code           string            `json:"code" binding:"required"`
	Language       string            `json:"language" binding:"required"`
	TimeoutSeconds int               `json:"timeout,omitempty"`
	Event          json.RawMessage   `json:"event,omitempty"`
	EnvVars        map[string]string `json:"env_vars,omitempty"`
}

// ListSessionsQuery narrows GET /sessions.
type ListSessionsQuery struct {
	Status     string `form:"status"`
	TemplateID string `form:"template_id"`
	Limit      int    `form:"limit,default=50"`
	Offset     int    `form:"offset"`
}

// SessionResponse is the client-visible session view.
type SessionResponse struct {
	ID             string                `json:"id"`
	TemplateID     string                `json:"template_id"`
	Status         string                `json:"status"`
	StatusReason   string                `json:"status_reason,omitempty"`
	Resources      models.ResourceLimits `json:"resources"`
	WorkspaceURI   string                `json:"workspace_uri"`
	RuntimeType    string                `json:"runtime_type"`
	TimeoutSeconds int                   `json:"timeout_seconds"`
	EnvVars        map[string]string     `json:"env_vars,omitempty"`

	RequestedDependencies   []string `json:"requested_dependencies,omitempty"`
	InstalledDependencies   []string `json:"installed_dependencies,omitempty"`
	DependencyInstallStatus string   `json:"dependency_install_status"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// SessionListResponse pages sessions.
type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// ExecutionResponse is the client-visible execution view.
type ExecutionResponse struct {
	ID             string                  `json:"id"`
	SessionID      string                  `json:"session_id"`
	Status         string                  `json:"status"`
	Language       string                  `json:"language"`
	TimeoutSeconds int                     `json:"timeout_seconds"`
	ErrorDetail    string                  `json:"error_detail,omitempty"`
	ExitCode       *int                    `json:"exit_code,omitempty"`
	Stdout         string                  `json:"stdout,omitempty"`
	Stderr         string                  `json:"stderr,omitempty"`
	ReturnValue    json.RawMessage         `json:"return_value,omitempty"`
	Metrics        models.ExecutionMetrics `json:"metrics"`
	RetryCount     int                     `json:"retry_count"`
	CreatedAt      time.Time               `json:"created_at"`
	CompletedAt    *time.Time              `json:"completed_at,omitempty"`
}

// ExecutionListResponse lists a session's executions.
type ExecutionListResponse struct {
	Executions []ExecutionResponse `json:"executions"`
	Total      int                 `json:"total"`
}

// FromSession converts a model to its response shape.
func FromSession(s *models.Session) SessionResponse {
	return SessionResponse{
		ID:             s.ID,
		TemplateID:     s.TemplateID,
		Status:         string(s.Status),
		StatusReason:   s.StatusReason,
		Resources:      s.Resources,
		WorkspaceURI:   s.WorkspaceURI,
		RuntimeType:    string(s.RuntimeType),
		TimeoutSeconds: s.TimeoutSeconds,
		EnvVars:        s.EnvVars,

		RequestedDependencies:   s.RequestedDeps,
		InstalledDependencies:   s.InstalledDeps,
		DependencyInstallStatus: string(s.DepsStatus),

		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		LastActivityAt: s.LastActivityAt,
		CompletedAt:    s.CompletedAt,
	}
}

// FromSessions converts a model slice.
func FromSessions(sessions []*models.Session) []SessionResponse {
	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, FromSession(s))
	}
	return out
}

// FromExecution converts a model to its response shape.
func FromExecution(e *models.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:             e.ID,
		SessionID:      e.SessionID,
		Status:         string(e.Status),
		Language:       string(e.Language),
		TimeoutSeconds: e.TimeoutSeconds,
		ErrorDetail:    e.ErrorDetail,
		ExitCode:       e.ExitCode,
		Stdout:         e.Stdout,
		Stderr:         e.Stderr,
		ReturnValue:    e.ReturnValue,
		Metrics:        e.Metrics,
		RetryCount:     e.RetryCount,
		CreatedAt:      e.CreatedAt,
		CompletedAt:    e.CompletedAt,
	}
}

// FromExecutions converts a model slice.
func FromExecutions(executions []*models.Execution) []ExecutionResponse {
	out := make([]ExecutionResponse, 0, len(executions))
	for _, e := range executions {
		out = append(out, FromExecution(e))
	}
	return out
}
