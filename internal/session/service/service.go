// Package service orchestrates the session lifecycle: creation and
// provisioning, code execution dispatch, termination, and the state
// transitions driven by executor callbacks and background reconciliation.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/common/config"
	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/events/bus"
	execclient "github.com/runbox/runbox/internal/executor/client"
	nodemodels "github.com/runbox/runbox/internal/node/models"
	"github.com/runbox/runbox/internal/runtime"
	"github.com/runbox/runbox/internal/scheduler"
	"github.com/runbox/runbox/internal/session/dto"
	"github.com/runbox/runbox/internal/session/models"
	"github.com/runbox/runbox/internal/session/repository"
	"github.com/runbox/runbox/internal/storage"
	templatemodels "github.com/runbox/runbox/internal/template/models"
	templaterepo "github.com/runbox/runbox/internal/template/repository"
)

const eventSource = "session-service"

// ContainerScheduler is the slice of the scheduler the session service uses.
type ContainerScheduler interface {
	SelectNode(ctx context.Context, req scheduler.ScheduleRequest) (*nodemodels.RuntimeNode, error)
	CreateContainer(ctx context.Context, sess *models.Session, tmpl *templatemodels.Template, node *nodemodels.RuntimeNode, install scheduler.InstallOptions) (string, error)
	Destroy(ctx context.Context, containerID string) error
}

// ExecutorClient is the slice of the executor client the session service uses.
type ExecutorClient interface {
	Submit(ctx context.Context, baseURL string, req execclient.ExecuteRequest) (*execclient.ExecuteResponse, error)
	Health(ctx context.Context, baseURL string) (*execclient.HealthResponse, error)
}

// Service is the session use-case orchestrator. All session state changes go
// through it, under a per-session lock.
type Service struct {
	sessions   repository.SessionRepository
	executions repository.ExecutionRepository
	templates  templaterepo.TemplateRepository
	runtime    runtime.Runtime
	scheduler  ContainerScheduler
	store      storage.Store
	executor   ExecutorClient
	bus        bus.EventBus

	sessionCfg   config.SessionConfig
	executorPort int
	readiness    time.Duration
	bucket       string

	locks  sessionLocks
	logger *logger.Logger
}

// NewService wires the session orchestrator.
func NewService(
	sessions repository.SessionRepository,
	executions repository.ExecutionRepository,
	templates templaterepo.TemplateRepository,
	rt runtime.Runtime,
	sched ContainerScheduler,
	store storage.Store,
	executor ExecutorClient,
	eventBus bus.EventBus,
	cfg *config.Config,
	log *logger.Logger,
) *Service {
	return &Service{
		sessions:     sessions,
		executions:   executions,
		templates:    templates,
		runtime:      rt,
		scheduler:    sched,
		store:        store,
		executor:     executor,
		bus:          eventBus,
		sessionCfg:   cfg.Sessions,
		executorPort: cfg.Executor.Port,
		readiness:    time.Duration(cfg.Scheduler.ReadinessWait) * time.Second,
		bucket:       cfg.Storage.Bucket,
		logger:       log.WithFields(zap.String("component", "session-service")),
	}
}

// CreateSession provisions a new sandbox session from a template. The
// container is created and started synchronously; readiness (executor up,
// dependencies installed) is reported via callback, or awaited here when the
// request asks to wait.
func (s *Service) CreateSession(ctx context.Context, req dto.CreateSessionRequest) (*models.Session, error) {
	timeout, err := s.clampTimeout(req.TimeoutSeconds)
	if err != nil {
		return nil, err
	}

	tmpl, err := s.templates.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		if errors.Is(err, templaterepo.ErrNotFound) {
			return nil, apperrors.NotFound("template", req.TemplateID)
		}
		return nil, apperrors.Internal("failed to load template", err)
	}

	depsStatus := models.DepsCompleted
	if len(req.Dependencies) > 0 {
		depsStatus = models.DepsPending
	}
	resources := s.effectiveResources(req.Resources, tmpl)

	// Capacity is checked before anything is persisted: a request the
	// cluster cannot place leaves no session row behind.
	node, err := s.scheduler.SelectNode(ctx, scheduler.ScheduleRequest{
		TemplateID: tmpl.ID,
		Image:      tmpl.Image,
		Resources:  resources,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:             uuid.New().String(),
		TemplateID:     tmpl.ID,
		Status:         models.SessionCreating,
		Resources:      resources,
		RuntimeType:    s.runtime.Type(),
		EnvVars:        req.EnvVars,
		TimeoutSeconds: timeout,
		RequestedDeps:  req.Dependencies,
		DepsStatus:     depsStatus,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	sess.WorkspaceURI = storage.BuildURI(s.bucket, fmt.Sprintf("sessions/%s/", sess.ID))

	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, apperrors.Internal("failed to persist session", err)
	}
	s.publish(ctx, events.SessionCreated, map[string]interface{}{
		"session_id":  sess.ID,
		"template_id": tmpl.ID,
	})

	if err := s.provision(ctx, sess, tmpl, node, req); err != nil {
		return nil, err
	}

	if req.WaitForReady {
		s.awaitReady(ctx, sess.ID)
	}
	return s.loadSession(ctx, sess.ID)
}

// provision starts the container on the pre-selected node. Any failure flips
// the session to FAILED before the error propagates.
func (s *Service) provision(ctx context.Context, sess *models.Session, tmpl *templatemodels.Template, node *nodemodels.RuntimeNode, req dto.CreateSessionRequest) error {
	installTimeout := req.InstallTimeoutSeconds
	if installTimeout <= 0 {
		installTimeout = s.sessionCfg.InstallTimeout
	}
	containerID, err := s.scheduler.CreateContainer(ctx, sess, tmpl, node, scheduler.InstallOptions{
		TimeoutSec:            installTimeout,
		FailOnError:           req.FailOnDependencyError,
		AllowVersionConflicts: req.AllowVersionConflicts,
	})
	if err != nil {
		s.failProvisioning(ctx, sess, err)
		return err
	}

	unlock := s.locks.lock(sess.ID)
	defer unlock()
	current, err := s.loadSession(ctx, sess.ID)
	if err != nil {
		return err
	}
	current.ContainerID = containerID
	current.RuntimeNodeID = node.ID
	if len(current.RequestedDeps) > 0 {
		current.DepsStatus = models.DepsInstalling
	}
	current.UpdatedAt = time.Now().UTC()
	if err := s.sessions.UpdateSession(ctx, current); err != nil {
		return apperrors.Internal("failed to persist container binding", err)
	}
	return nil
}

func (s *Service) failProvisioning(ctx context.Context, sess *models.Session, cause error) {
	unlock := s.locks.lock(sess.ID)
	defer unlock()
	current, err := s.loadSession(ctx, sess.ID)
	if err != nil {
		return
	}
	if err := s.transition(ctx, current, models.SessionFailed, cause.Error()); err != nil {
		s.logger.Warn("Failed to mark session failed after provisioning error",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}

// awaitReady polls until the session leaves CREATING, bounded by the
// readiness deadline. Readiness itself is driven by the container_ready
// callback; if the callback is delayed past the executor actually being up,
// the poll promotes the session directly.
func (s *Service) awaitReady(ctx context.Context, sessionID string) {
	deadline := time.Now().Add(s.readiness)
	for {
		sess, err := s.loadSession(ctx, sessionID)
		if err != nil || sess.Status != models.SessionCreating {
			return
		}
		if time.Now().After(deadline) {
			return
		}

		if url, err := s.executorURL(ctx, sess); err == nil {
			if _, err := s.executor.Health(ctx, url); err == nil && sess.DepsStatus == models.DepsCompleted {
				if err := s.MarkContainerReady(ctx, sessionID, sess.ContainerID, s.executorPort, "", nil); err != nil {
					s.logger.Debug("Readiness promotion failed",
						zap.String("session_id", sessionID), zap.Error(err))
				}
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// GetSession returns a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.loadSession(ctx, id)
}

// ListSessions returns sessions matching the query plus the unpaged total.
func (s *Service) ListSessions(ctx context.Context, query dto.ListSessionsQuery) ([]*models.Session, int, error) {
	if query.Status != "" && !isKnownSessionStatus(query.Status) {
		return nil, 0, apperrors.Validation(fmt.Sprintf("unknown session status %q", query.Status))
	}
	filter := repository.SessionFilter{
		Status:     models.SessionStatus(query.Status),
		TemplateID: query.TemplateID,
		Limit:      query.Limit,
		Offset:     query.Offset,
	}
	sessions, err := s.sessions.ListSessions(ctx, filter)
	if err != nil {
		return nil, 0, apperrors.Internal("failed to list sessions", err)
	}
	total, err := s.sessions.CountSessions(ctx, filter)
	if err != nil {
		return nil, 0, apperrors.Internal("failed to count sessions", err)
	}
	return sessions, total, nil
}

// TerminateSession moves a session to TERMINATED and best-effort releases
// its container and workspace. Idempotent: terminal sessions are returned
// unchanged.
func (s *Service) TerminateSession(ctx context.Context, id string) (*models.Session, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	sess, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.IsTerminal() {
		return sess, nil
	}

	if err := s.transition(ctx, sess, models.SessionTerminated, "client requested termination"); err != nil {
		return nil, err
	}
	s.releaseResources(ctx, sess)
	s.publish(ctx, events.SessionTerminated, map[string]interface{}{"session_id": sess.ID})
	return sess, nil
}

// releaseResources destroys the container and deletes the workspace prefix.
// Both steps are best-effort; failures are logged and left to the cleanup
// loops. A non-empty WorkspaceURI on a terminal session is the marker that
// the prefix still needs deleting.
func (s *Service) releaseResources(ctx context.Context, sess *models.Session) {
	if sess.ContainerID != "" {
		if err := s.scheduler.Destroy(ctx, sess.ContainerID); err != nil {
			s.logger.Warn("Failed to destroy container on terminate",
				zap.String("session_id", sess.ID),
				zap.String("container_id", sess.ContainerID),
				zap.Error(err))
		}
	}
	s.deleteWorkspace(ctx, sess)
}

// deleteWorkspace removes the session's workspace prefix and clears the URI
// on success. Caller holds the session lock.
func (s *Service) deleteWorkspace(ctx context.Context, sess *models.Session) {
	if sess.WorkspaceURI == "" {
		return
	}
	if _, err := s.store.DeletePrefix(ctx, sess.WorkspaceURI); err != nil {
		s.logger.Warn("Failed to delete workspace",
			zap.String("session_id", sess.ID),
			zap.String("workspace_uri", sess.WorkspaceURI),
			zap.Error(err))
		return
	}
	sess.WorkspaceURI = ""
	sess.UpdatedAt = time.Now().UTC()
	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		s.logger.Warn("Failed to record workspace deletion",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}

// PurgeWorkspace retries workspace deletion for a terminated session whose
// earlier delete failed. Used by the abandoned-workspace cleanup pass.
func (s *Service) PurgeWorkspace(ctx context.Context, sessionID string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.WorkspaceURI == "" {
		return nil
	}
	if _, err := s.store.DeletePrefix(ctx, sess.WorkspaceURI); err != nil {
		return err
	}
	sess.WorkspaceURI = ""
	sess.UpdatedAt = time.Now().UTC()
	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		return apperrors.Internal("failed to record workspace deletion", err)
	}
	return nil
}

// transition applies a state-machine edge and persists it. Caller holds the
// session lock.
func (s *Service) transition(ctx context.Context, sess *models.Session, next models.SessionStatus, reason string) error {
	if !sess.CanTransitionTo(next) {
		return apperrors.Validation(
			fmt.Sprintf("illegal session transition %s -> %s", sess.Status, next))
	}
	from := sess.Status
	now := time.Now().UTC()
	sess.Status = next
	sess.StatusReason = reason
	sess.UpdatedAt = now
	if next.IsTerminal() {
		sess.CompletedAt = &now
	}
	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		return apperrors.Internal("failed to persist session transition", err)
	}

	s.publish(ctx, events.SessionStateChanged, map[string]interface{}{
		"session_id": sess.ID,
		"from":       string(from),
		"to":         string(next),
		"reason":     reason,
	})
	s.logger.Info("Session state changed",
		zap.String("session_id", sess.ID),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.String("reason", reason),
	)
	return nil
}

// executorURL resolves the executor endpoint for a session from the
// container's current address.
func (s *Service) executorURL(ctx context.Context, sess *models.Session) (string, error) {
	if sess.ContainerID == "" {
		return "", apperrors.ExecutorUnreachable(fmt.Errorf("session %s has no container", sess.ID))
	}
	info, err := s.runtime.Inspect(ctx, sess.ContainerID)
	if err != nil {
		return "", apperrors.ExecutorUnreachable(err)
	}
	if info.IP == "" {
		return "", apperrors.ExecutorUnreachable(fmt.Errorf("container %s has no address", sess.ContainerID))
	}
	port := sess.ExecutorPort
	if port == 0 {
		port = s.executorPort
	}
	return execclient.BaseURL(info.IP, port), nil
}

func (s *Service) loadSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, apperrors.NotFound("session", id)
		}
		return nil, apperrors.Internal("failed to load session", err)
	}
	return sess, nil
}

// clampTimeout applies the configured default and maximum. Values over the
// maximum are clamped, not rejected; zero means "use the default".
func (s *Service) clampTimeout(timeout int) (int, error) {
	if timeout == 0 {
		return s.sessionCfg.DefaultTimeout, nil
	}
	if timeout < 0 {
		return 0, apperrors.Validation("timeout must be positive")
	}
	if timeout > s.sessionCfg.MaxTimeout {
		return s.sessionCfg.MaxTimeout, nil
	}
	return timeout, nil
}

// effectiveResources layers request overrides on template defaults on
// configured defaults, field by field.
func (s *Service) effectiveResources(req *models.ResourceLimits, tmpl *templatemodels.Template) models.ResourceLimits {
	out := models.ResourceLimits{
		CPU:          s.sessionCfg.DefaultCPU,
		Memory:       s.sessionCfg.DefaultMemory,
		Disk:         s.sessionCfg.DefaultDisk,
		MaxProcesses: s.sessionCfg.MaxProcesses,
	}
	apply := func(limits models.ResourceLimits) {
		if limits.CPU != "" {
			out.CPU = limits.CPU
		}
		if limits.Memory != "" {
			out.Memory = limits.Memory
		}
		if limits.Disk != "" {
			out.Disk = limits.Disk
		}
		if limits.MaxProcesses > 0 {
			out.MaxProcesses = limits.MaxProcesses
		}
	}
	apply(tmpl.DefaultResources)
	if req != nil {
		apply(*req)
	}
	return out
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, eventSource, data)); err != nil {
		s.logger.Debug("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

func isKnownSessionStatus(status string) bool {
	switch models.SessionStatus(status) {
	case models.SessionCreating, models.SessionRunning, models.SessionCompleted,
		models.SessionFailed, models.SessionTimeout, models.SessionTerminated:
		return true
	}
	return false
}
