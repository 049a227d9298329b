// Package models defines the session and execution domain entities and
// their lifecycle state machines.
package models

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the lifecycle state of a session
type SessionStatus string

const (
	// SessionCreating means the container is being provisioned
	SessionCreating SessionStatus = "CREATING"
	// SessionRunning means the container is up and the executor is ready
	SessionRunning SessionStatus = "RUNNING"
	// SessionCompleted means the container exited cleanly
	SessionCompleted SessionStatus = "COMPLETED"
	// SessionFailed means provisioning or the executor failed
	SessionFailed SessionStatus = "FAILED"
	// SessionTimeout means the session hit its wall-clock timeout
	SessionTimeout SessionStatus = "TIMEOUT"
	// SessionTerminated means the session was terminated (client or cleanup)
	SessionTerminated SessionStatus = "TERMINATED"
)

// sessionTransitions enumerates the legal session state machine edges.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionCreating: {SessionRunning, SessionFailed, SessionTerminated},
	SessionRunning:  {SessionCompleted, SessionFailed, SessionTimeout, SessionTerminated},
}

// IsTerminal reports whether the status is one a session never leaves.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionTimeout, SessionTerminated:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> next is legal.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DependencyInstallStatus tracks the per-session package install step
type DependencyInstallStatus string

const (
	DepsPending    DependencyInstallStatus = "PENDING"
	DepsInstalling DependencyInstallStatus = "INSTALLING"
	DepsCompleted  DependencyInstallStatus = "COMPLETED"
	DepsFailed     DependencyInstallStatus = "FAILED"
)

// RuntimeType selects the container runtime hosting a session
type RuntimeType string

const (
	RuntimeLocal   RuntimeType = "local"
	RuntimeCluster RuntimeType = "cluster"
)

// ResourceLimits holds the resource spec of a session or template.
// CPU, Memory and Disk use Kubernetes-style quantity strings ("1", "512Mi").
type ResourceLimits struct {
	CPU          string `json:"cpu"`
	Memory       string `json:"memory"`
	Disk         string `json:"disk"`
	MaxProcesses int    `json:"max_processes,omitempty"`
}

// Session represents a sandbox instance with a lifecycle independent of any
// particular code execution inside it.
type Session struct {
	ID              string                  `json:"id"`
	TemplateID      string                  `json:"template_id"`
	Status          SessionStatus           `json:"status"`
	StatusReason    string                  `json:"status_reason,omitempty"`
	Resources       ResourceLimits          `json:"resources"`
	WorkspaceURI    string                  `json:"workspace_uri"`
	RuntimeType     RuntimeType             `json:"runtime_type"`
	RuntimeNodeID   string                  `json:"runtime_node_id,omitempty"`
	ContainerID     string                  `json:"container_id,omitempty"`
	ExecutorPort    int                     `json:"executor_port,omitempty"`
	EnvVars         map[string]string       `json:"env_vars,omitempty"`
	TimeoutSeconds  int                     `json:"timeout_seconds"`
	RequestedDeps   []string                `json:"requested_dependencies,omitempty"`
	InstalledDeps   []string                `json:"installed_dependencies,omitempty"`
	DepsStatus      DependencyInstallStatus `json:"dependency_install_status"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
	LastActivityAt  time.Time               `json:"last_activity_at"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
}

// CanTransitionTo reports whether the session may move to the given status.
func (s *Session) CanTransitionTo(next SessionStatus) bool {
	return s.Status.CanTransitionTo(next)
}

// IsTerminal reports whether the session is in a terminal state.
func (s *Session) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// Touch records client activity, pushing back the idle-timeout horizon.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}

// ExecutionStatus represents the lifecycle state of a single code run
type ExecutionStatus string

const (
	// ExecutionPending means the run is persisted but not yet submitted
	ExecutionPending ExecutionStatus = "PENDING"
	// ExecutionRunning means the executor accepted the run
	ExecutionRunning ExecutionStatus = "RUNNING"
	// ExecutionCompleted means the run finished and reported a result
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	// ExecutionFailed means the run failed (user error or executor rejection)
	ExecutionFailed ExecutionStatus = "FAILED"
	// ExecutionTimeout means the run exceeded its own timeout
	ExecutionTimeout ExecutionStatus = "TIMEOUT"
	// ExecutionCrashed means the container was lost while the run was live
	ExecutionCrashed ExecutionStatus = "CRASHED"
)

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending: {ExecutionRunning, ExecutionFailed, ExecutionCrashed},
	ExecutionRunning: {ExecutionCompleted, ExecutionFailed, ExecutionTimeout, ExecutionCrashed},
	// Retry path: a crashed execution is re-queued until the retry budget runs out.
	ExecutionCrashed: {ExecutionPending, ExecutionFailed},
}

// IsTerminal reports whether the status is final. CRASHED is not terminal:
// it is the only state from which retry is legal.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTimeout:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> next is legal.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	for _, allowed := range executionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Language identifies the execution language
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageShell      Language = "shell"
)

// IsValid reports whether the language is one the executor supports.
func (l Language) IsValid() bool {
	switch l {
	case LanguagePython, LanguageJavaScript, LanguageShell:
		return true
	}
	return false
}

// ExecutionMetrics carries executor-reported run measurements
type ExecutionMetrics struct {
	DurationMS   int64   `json:"duration_ms"`
	CPUTimeMS    int64   `json:"cpu_time_ms"`
	MemoryPeakMB float64 `json:"memory_peak_mb"`
}

// Execution represents a single code-run request inside a session.
// The Event payload is forwarded opaquely to the executor; only JSON
// well-formedness is validated.
type Execution struct {
	ID              string            `json:"id"`
	SessionID       string            `json:"session_id"`
	Code            string            `json:"code"`
	Language        Language          `json:"language"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	Event           json.RawMessage   `json:"event,omitempty"`
	EnvVars         map[string]string `json:"env_vars,omitempty"`
	Status          ExecutionStatus   `json:"status"`
	ErrorDetail     string            `json:"error_detail,omitempty"`
	ExitCode        *int              `json:"exit_code,omitempty"`
	Stdout          string            `json:"stdout,omitempty"`
	Stderr          string            `json:"stderr,omitempty"`
	ReturnValue     json.RawMessage   `json:"return_value,omitempty"`
	Metrics         ExecutionMetrics  `json:"metrics"`
	RetryCount      int               `json:"retry_count"`
	LastHeartbeatAt *time.Time        `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// CanTransitionTo reports whether the execution may move to the given status.
func (e *Execution) CanTransitionTo(next ExecutionStatus) bool {
	return e.Status.CanTransitionTo(next)
}

// IsTerminal reports whether the execution is in a terminal state.
func (e *Execution) IsTerminal() bool {
	return e.Status.IsTerminal()
}
