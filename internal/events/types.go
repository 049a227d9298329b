// Package events provides event types and utilities for the Runbox event system.
package events

// Event types for sessions
const (
	SessionCreated      = "session.created"
	SessionStateChanged = "session.state_changed"
	SessionTerminated   = "session.terminated"
	SessionRecovered    = "session.recovered"
)

// Event types for executions
const (
	ExecutionSubmitted = "execution.submitted"
	ExecutionCompleted = "execution.completed"
	ExecutionFailed    = "execution.failed"
	ExecutionCrashed   = "execution.crashed"
	ExecutionRetried   = "execution.retried"
)

// Event types for templates
const (
	TemplateCreated = "template.created"
	TemplateUpdated = "template.updated"
	TemplateDeleted = "template.deleted"
)

// Event types for runtime nodes
const (
	NodeRegistered   = "node.registered"
	NodeStateChanged = "node.state_changed"
)

// Event types for containers
const (
	ContainerStarted       = "container.started"
	ContainerExited        = "container.exited"
	ContainerOrphanRemoved = "container.orphan_removed"
)
