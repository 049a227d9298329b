// Package runtime defines the container scheduler port: uniform lifecycle
// operations over a container runtime. Two implementations exist, the local
// Docker daemon and a Kubernetes cluster.
package runtime

import (
	"context"
	"errors"
	"time"

	session "github.com/runbox/runbox/internal/session/models"
)

// ErrNotFound is returned when the container is unknown to the runtime.
var ErrNotFound = errors.New("container not found")

// ErrAlreadyExists is returned when a different container holds the
// requested name.
var ErrAlreadyExists = errors.New("container name already in use")

// IsNotFound reports whether err means an unknown container.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err means a name collision.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// Well-known labels applied to every container the control plane creates.
const (
	LabelManagedBy  = "runbox.managed"
	LabelSessionID  = "runbox.session_id"
	LabelTemplateID = "runbox.template_id"
)

// ContainerConfig is the runtime-independent container spec.
type ContainerConfig struct {
	Name        string
	Image       string
	Entrypoint  []string // non-empty when the dependency install wrapper applies
	EnvVars     map[string]string
	CPUMillis   int64
	MemoryBytes int64
	DiskBytes   int64
	// WorkspaceURI points into object storage (objstore://bucket/prefix).
	// Implementations surface it at /workspace inside the container.
	WorkspaceURI string
	Labels       map[string]string
	Network      string
}

// ContainerInfo is the runtime-independent view of a container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	Status    string // created, running, exited, dead, pending
	ExitCode  int
	StartedAt time.Time
	ExitedAt  time.Time
	IP        string
	Labels    map[string]string
}

// Running reports whether the container is currently running.
func (i *ContainerInfo) Running() bool {
	return i.Status == "running"
}

// WaitResult is the outcome of waiting for a container to exit.
type WaitResult struct {
	ExitCode int64
	// TimedOut means the wait deadline elapsed while the container was
	// still running; the container is left untouched.
	TimedOut bool
}

// Runtime is the container scheduler port.
type Runtime interface {
	// Type identifies which session runtime variant this implementation serves.
	Type() session.RuntimeType

	// Create creates a container without starting it. Idempotent on
	// cfg.Name: a repeat call with the same name and session label returns
	// the existing id; a name collision with a different session returns
	// ErrAlreadyExists.
	Create(ctx context.Context, cfg ContainerConfig) (string, error)

	// Start starts a created container. Idempotent.
	Start(ctx context.Context, containerID string) error

	// Stop gracefully stops a container, force-killing after the grace
	// period. Returns once the container is not running. Idempotent.
	Stop(ctx context.Context, containerID string, grace time.Duration) error

	// Remove deletes the container record. Idempotent.
	Remove(ctx context.Context, containerID string, force bool) error

	// Inspect returns container details, or ErrNotFound.
	Inspect(ctx context.Context, containerID string) (*ContainerInfo, error)

	// IsRunning reports liveness. An unknown container is false, not an error.
	IsRunning(ctx context.Context, containerID string) (bool, error)

	// Logs returns the tail of the combined stdout+stderr stream.
	Logs(ctx context.Context, containerID string, tail int) (string, error)

	// Wait blocks until the container exits or the timeout elapses.
	Wait(ctx context.Context, containerID string, timeout time.Duration) (*WaitResult, error)

	// List returns containers matching all given labels.
	List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)

	// Ping checks runtime reachability.
	Ping(ctx context.Context) error

	Close() error
}
