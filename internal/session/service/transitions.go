package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/scheduler"
	"github.com/runbox/runbox/internal/session/models"
)

// ExecutionResult is the executor-reported outcome of a run, delivered via
// callback.
type ExecutionResult struct {
	ExecutionID string
	Status      string // completed, failed, timeout, crashed
	Stdout      string
	Stderr      string
	ExitCode    *int
	ReturnValue json.RawMessage
	Metrics     models.ExecutionMetrics
}

// MarkContainerReady handles the container_ready callback: the executor is
// up, the session may serve executions. Idempotent; sessions already past
// CREATING are left alone.
func (s *Service) MarkContainerReady(ctx context.Context, sessionID, containerID string, executorPort int, depsStatus string, installedDeps []string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != models.SessionCreating {
		return nil
	}

	if containerID != "" && sess.ContainerID == "" {
		sess.ContainerID = containerID
	}
	if executorPort > 0 {
		sess.ExecutorPort = executorPort
	}
	if depsStatus != "" {
		sess.DepsStatus = models.DependencyInstallStatus(depsStatus)
	} else if sess.DepsStatus == models.DepsPending || sess.DepsStatus == models.DepsInstalling {
		sess.DepsStatus = models.DepsCompleted
	}
	if len(installedDeps) > 0 {
		sess.InstalledDeps = installedDeps
	}

	// A ready callback with deps_status=FAILED means the install failed but
	// the session was created without fail_on_dependency_error; the executor
	// is up, so the session still runs. The hard-failure path arrives as a
	// container exit instead.
	reason := "container ready"
	if sess.DepsStatus == models.DepsFailed {
		reason = "container ready, dependency install failed"
	}
	return s.transition(ctx, sess, models.SessionRunning, reason)
}

// MarkContainerExited handles the container_exited callback. Live executions
// are crashed; the session transitions by exit reason and code.
func (s *Service) MarkContainerExited(ctx context.Context, sessionID string, exitCode int, reason string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.IsTerminal() {
		return nil
	}

	s.crashActiveExecutions(ctx, sessionID, "container exited")

	var next models.SessionStatus
	var statusReason string
	switch {
	case reason == "sigterm":
		// Client terminations are already terminal before this callback
		// lands; a sigterm exit seen here came from outside the control
		// plane (manual docker stop, node eviction) and is a failure.
		next, statusReason = models.SessionFailed, "container stopped externally"
	case exitCode == scheduler.DepsFailExitCode:
		next, statusReason = models.SessionFailed, "dependency install failed"
	case exitCode != 0:
		next, statusReason = models.SessionFailed, "container exited nonzero"
	default:
		next, statusReason = models.SessionCompleted, "container exited"
	}
	if !sess.CanTransitionTo(next) {
		// CREATING has no COMPLETED/TIMEOUT edges; an early exit is a failure.
		next, statusReason = models.SessionFailed, "container exited during provisioning"
	}
	if err := s.transition(ctx, sess, next, statusReason); err != nil {
		return err
	}
	s.publish(ctx, events.ContainerExited, map[string]interface{}{
		"session_id":   sessionID,
		"container_id": sess.ContainerID,
		"exit_code":    exitCode,
		"reason":       reason,
	})

	if sess.ContainerID != "" {
		if err := s.scheduler.Destroy(ctx, sess.ContainerID); err != nil {
			s.logger.Warn("Failed to remove exited container",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return nil
}

// ApplyExecutionResult handles the execution_result callback. Idempotent:
// results for executions already in a terminal state are ignored.
func (s *Service) ApplyExecutionResult(ctx context.Context, result ExecutionResult) error {
	exec, err := s.GetExecution(ctx, result.ExecutionID)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(exec.SessionID)
	defer unlock()

	exec, err = s.GetExecution(ctx, result.ExecutionID)
	if err != nil {
		return err
	}
	if exec.IsTerminal() {
		return nil
	}

	next, eventType, err := executionOutcome(result.Status)
	if err != nil {
		return err
	}
	if !exec.CanTransitionTo(next) {
		return apperrors.Conflict(
			"execution " + exec.ID + " cannot move from " + string(exec.Status) + " to " + string(next))
	}

	now := time.Now().UTC()
	exec.Status = next
	exec.Stdout = result.Stdout
	exec.Stderr = result.Stderr
	exec.ExitCode = result.ExitCode
	exec.ReturnValue = result.ReturnValue
	exec.Metrics = result.Metrics
	exec.UpdatedAt = now
	if next.IsTerminal() {
		exec.CompletedAt = &now
	}
	if err := s.executions.UpdateExecution(ctx, exec); err != nil {
		return apperrors.Internal("failed to persist execution result", err)
	}

	if sess, err := s.loadSession(ctx, exec.SessionID); err == nil {
		sess.Touch(now)
		sess.UpdatedAt = now
		if err := s.sessions.UpdateSession(ctx, sess); err != nil {
			s.logger.Warn("Failed to record session activity",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}

	s.publish(ctx, eventType, map[string]interface{}{
		"execution_id": exec.ID,
		"session_id":   exec.SessionID,
		"status":       string(next),
	})
	return nil
}

// RecordHeartbeat handles the executor heartbeat for a live execution.
func (s *Service) RecordHeartbeat(ctx context.Context, executionID string) error {
	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	exec.LastHeartbeatAt = &now
	exec.UpdatedAt = now
	if err := s.executions.UpdateExecution(ctx, exec); err != nil {
		return apperrors.Internal("failed to persist heartbeat", err)
	}

	if sess, err := s.loadSession(ctx, exec.SessionID); err == nil {
		sess.Touch(now)
		sess.UpdatedAt = now
		if err := s.sessions.UpdateSession(ctx, sess); err != nil {
			s.logger.Warn("Failed to record session activity",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	return nil
}

// FailSession moves a session to FAILED, crashing live executions and
// releasing the container. Used by the reconciliation loops.
func (s *Service) FailSession(ctx context.Context, sessionID, reason string) error {
	return s.closeSession(ctx, sessionID, models.SessionFailed, reason, false)
}

// TimeoutSession moves a session to TIMEOUT when its wall-clock budget is
// spent.
func (s *Service) TimeoutSession(ctx context.Context, sessionID, reason string) error {
	return s.closeSession(ctx, sessionID, models.SessionTimeout, reason, false)
}

// ExpireSession terminates a session for idle or lifetime reasons, releasing
// the container and the workspace.
func (s *Service) ExpireSession(ctx context.Context, sessionID, reason string) error {
	return s.closeSession(ctx, sessionID, models.SessionTerminated, reason, true)
}

func (s *Service) closeSession(ctx context.Context, sessionID string, next models.SessionStatus, reason string, deleteWorkspace bool) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.IsTerminal() {
		return nil
	}
	if !sess.CanTransitionTo(next) {
		next = models.SessionFailed
	}

	s.crashActiveExecutions(ctx, sessionID, reason)
	if err := s.transition(ctx, sess, next, reason); err != nil {
		return err
	}

	if sess.ContainerID != "" {
		if err := s.scheduler.Destroy(ctx, sess.ContainerID); err != nil {
			s.logger.Warn("Failed to destroy container",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	if deleteWorkspace {
		s.deleteWorkspace(ctx, sess)
	}
	return nil
}

// RecoverSession replaces a lost container with a fresh one reusing the same
// workspace and env. Caller has established that the old container is gone.
func (s *Service) RecoverSession(ctx context.Context, sessionID string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.IsTerminal() {
		return nil
	}

	tmpl, err := s.templates.GetTemplate(ctx, sess.TemplateID)
	if err != nil {
		return apperrors.Internal("failed to load template for recovery", err)
	}

	if sess.ContainerID != "" {
		if err := s.scheduler.Destroy(ctx, sess.ContainerID); err != nil {
			s.logger.Warn("Failed to remove container remains during recovery",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	s.crashActiveExecutions(ctx, sessionID, "container lost")

	node, err := s.scheduler.SelectNode(ctx, scheduler.ScheduleRequest{
		TemplateID: tmpl.ID,
		Image:      tmpl.Image,
		Resources:  sess.Resources,
	})
	if err != nil {
		return err
	}
	containerID, err := s.scheduler.CreateContainer(ctx, sess, tmpl, node, scheduler.InstallOptions{
		TimeoutSec: s.sessionCfg.InstallTimeout,
	})
	if err != nil {
		return err
	}

	sess.ContainerID = containerID
	sess.RuntimeNodeID = node.ID
	sess.UpdatedAt = time.Now().UTC()
	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		return apperrors.Internal("failed to persist recovered container", err)
	}

	s.publish(ctx, events.SessionRecovered, map[string]interface{}{
		"session_id":   sessionID,
		"container_id": containerID,
	})
	s.logger.Info("Session recovered with fresh container",
		zap.String("session_id", sessionID),
		zap.String("container_id", containerID),
	)
	return nil
}

// crashActiveExecutions flips PENDING/RUNNING executions to CRASHED. Caller
// holds the session lock.
func (s *Service) crashActiveExecutions(ctx context.Context, sessionID, reason string) {
	active, err := s.executions.ListActiveExecutionsBySession(ctx, sessionID)
	if err != nil {
		s.logger.Warn("Failed to list active executions",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	now := time.Now().UTC()
	for _, exec := range active {
		if !exec.CanTransitionTo(models.ExecutionCrashed) {
			continue
		}
		exec.Status = models.ExecutionCrashed
		exec.ErrorDetail = reason
		exec.UpdatedAt = now
		if err := s.executions.UpdateExecution(ctx, exec); err != nil {
			s.logger.Warn("Failed to mark execution crashed",
				zap.String("execution_id", exec.ID), zap.Error(err))
			continue
		}
		s.publish(ctx, events.ExecutionCrashed, map[string]interface{}{
			"execution_id": exec.ID,
			"session_id":   sessionID,
			"reason":       reason,
		})
	}
}

func executionOutcome(status string) (models.ExecutionStatus, string, error) {
	switch status {
	case "completed":
		return models.ExecutionCompleted, events.ExecutionCompleted, nil
	case "failed":
		return models.ExecutionFailed, events.ExecutionFailed, nil
	case "timeout":
		return models.ExecutionTimeout, events.ExecutionFailed, nil
	case "crashed":
		return models.ExecutionCrashed, events.ExecutionCrashed, nil
	}
	return "", "", apperrors.Validation("unknown execution result status " + status)
}
