// Package cleanup runs the background hygiene loops: idle and lifetime
// expiry, per-session wall-clock timeouts, stuck-provisioning detection,
// orphan container removal, abandoned workspace deletion and crashed
// execution finalization.
package cleanup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/common/config"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/events/bus"
	"github.com/runbox/runbox/internal/runtime"
	"github.com/runbox/runbox/internal/session/models"
	"github.com/runbox/runbox/internal/session/repository"
	"github.com/runbox/runbox/internal/session/service"
)

const eventSource = "cleanup"

// Destroyer is the slice of the scheduler cleanup needs.
type Destroyer interface {
	Destroy(ctx context.Context, containerID string) error
}

// Service owns the cleanup passes. Each pass tolerates per-session failures
// and keeps scanning.
type Service struct {
	sessions   repository.SessionRepository
	executions repository.ExecutionRepository
	runtime    runtime.Runtime
	destroyer  Destroyer
	lifecycle  *service.Service
	bus        bus.EventBus
	cfg        config.CleanupConfig
	maxRetries int
	logger     *logger.Logger
}

// NewService wires the cleanup loops. maxRetries is the per-execution crash
// retry budget from the session config.
func NewService(sessions repository.SessionRepository, executions repository.ExecutionRepository, rt runtime.Runtime, destroyer Destroyer, lifecycle *service.Service, eventBus bus.EventBus, cfg config.CleanupConfig, maxRetries int, log *logger.Logger) *Service {
	return &Service{
		sessions:   sessions,
		executions: executions,
		runtime:    rt,
		destroyer:  destroyer,
		lifecycle:  lifecycle,
		bus:        eventBus,
		cfg:        cfg,
		maxRetries: maxRetries,
		logger:     log.WithFields(zap.String("component", "cleanup")),
	}
}

// CleanupIdleSessions terminates sessions with no activity past the idle
// threshold. Disabled when idle_timeout is negative.
func (s *Service) CleanupIdleSessions(ctx context.Context) error {
	idle := s.cfg.IdleTimeoutDuration()
	if idle == 0 {
		return nil
	}

	sessions, err := s.sessions.FindIdleSessions(ctx, time.Now().UTC().Add(-idle))
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := s.lifecycle.ExpireSession(ctx, sess.ID, "idle timeout"); err != nil {
			s.logger.Warn("Failed to expire idle session",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	if len(sessions) > 0 {
		s.logger.Info("Idle sessions expired", zap.Int("count", len(sessions)))
	}
	return nil
}

// CleanupExpiredSessions terminates sessions past the max lifetime and
// times out sessions past their own wall-clock budget.
func (s *Service) CleanupExpiredSessions(ctx context.Context) error {
	if lifetime := s.cfg.MaxLifetimeDuration(); lifetime > 0 {
		sessions, err := s.sessions.FindExpiredSessions(ctx, time.Now().UTC().Add(-lifetime))
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			if err := s.lifecycle.ExpireSession(ctx, sess.ID, "max lifetime exceeded"); err != nil {
				s.logger.Warn("Failed to expire session",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
		}
	}

	// Per-session wall-clock timeout.
	running, err := s.sessions.ListSessionsByStatus(ctx, models.SessionRunning)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, sess := range running {
		if sess.TimeoutSeconds <= 0 {
			continue
		}
		deadline := sess.CreatedAt.Add(time.Duration(sess.TimeoutSeconds) * time.Second)
		if now.Before(deadline) {
			continue
		}
		if err := s.lifecycle.TimeoutSession(ctx, sess.ID, "session timeout exceeded"); err != nil {
			s.logger.Warn("Failed to time out session",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	return nil
}

// CleanupStuckCreating fails sessions that have sat in CREATING past the
// provisioning deadline.
func (s *Service) CleanupStuckCreating(ctx context.Context) error {
	threshold := time.Duration(s.cfg.CreatingTimeout) * time.Second
	sessions, err := s.sessions.ListSessionsByStatus(ctx, models.SessionCreating)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, sess := range sessions {
		if now.Sub(sess.CreatedAt) < threshold {
			continue
		}
		s.logger.Warn("Session stuck in CREATING",
			zap.String("session_id", sess.ID),
			zap.Duration("age", now.Sub(sess.CreatedAt)))
		if err := s.lifecycle.FailSession(ctx, sess.ID, "provisioning deadline exceeded"); err != nil {
			s.logger.Warn("Failed to fail stuck session",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	return nil
}

// CleanupOrphanContainers removes managed containers whose session is gone
// or already terminal. These accumulate when a terminate's best-effort
// destroy failed.
func (s *Service) CleanupOrphanContainers(ctx context.Context) error {
	containers, err := s.runtime.List(ctx, map[string]string{runtime.LabelManagedBy: "true"})
	if err != nil {
		return err
	}

	removed := 0
	for i := range containers {
		ctr := &containers[i]
		sessionID := ctr.Labels[runtime.LabelSessionID]
		if !s.isOrphan(ctx, sessionID, ctr.ID) {
			continue
		}

		if err := s.destroyer.Destroy(ctx, ctr.ID); err != nil {
			s.logger.Warn("Failed to remove orphan container",
				zap.String("container_id", ctr.ID),
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}
		removed++
		s.publish(ctx, events.ContainerOrphanRemoved, map[string]interface{}{
			"container_id": ctr.ID,
			"session_id":   sessionID,
		})
	}
	if removed > 0 {
		s.logger.Info("Orphan containers removed", zap.Int("count", removed))
	}
	return nil
}

// CleanupAbandonedWorkspaces retries workspace deletion for terminated
// sessions still carrying a workspace URI, which means the delete at
// termination time failed.
func (s *Service) CleanupAbandonedWorkspaces(ctx context.Context) error {
	sessions, err := s.sessions.ListSessionsByStatus(ctx, models.SessionTerminated)
	if err != nil {
		return err
	}

	purged := 0
	for _, sess := range sessions {
		if sess.WorkspaceURI == "" {
			continue
		}
		if err := s.lifecycle.PurgeWorkspace(ctx, sess.ID); err != nil {
			s.logger.Warn("Failed to purge abandoned workspace",
				zap.String("session_id", sess.ID),
				zap.String("workspace_uri", sess.WorkspaceURI),
				zap.Error(err))
			continue
		}
		purged++
	}
	if purged > 0 {
		s.logger.Info("Abandoned workspaces purged", zap.Int("count", purged))
	}
	return nil
}

// CleanupCrashedExecutions finalizes CRASHED executions that will never be
// retried: their session is terminal or their retry budget is spent. The
// retry path itself moves those to FAILED. Crashed executions of a live
// session with budget left belong to the recovery loop and are skipped.
func (s *Service) CleanupCrashedExecutions(ctx context.Context) error {
	crashed, err := s.executions.ListExecutionsByStatus(ctx, models.ExecutionCrashed)
	if err != nil {
		return err
	}

	finalized := 0
	for _, exec := range crashed {
		sess, err := s.sessions.GetSession(ctx, exec.SessionID)
		if err == nil && sess.Status == models.SessionRunning && exec.RetryCount < s.maxRetries {
			continue
		}
		if _, err := s.lifecycle.RetryExecution(ctx, exec.ID); err != nil {
			s.logger.Warn("Failed to finalize crashed execution",
				zap.String("execution_id", exec.ID),
				zap.String("session_id", exec.SessionID),
				zap.Error(err))
			continue
		}
		finalized++
	}
	if finalized > 0 {
		s.logger.Info("Crashed executions finalized", zap.Int("count", finalized))
	}
	return nil
}

// isOrphan reports whether a managed container has no live owning session.
func (s *Service) isOrphan(ctx context.Context, sessionID, containerID string) bool {
	if sessionID == "" {
		return true
	}
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if repository.IsNotFound(err) {
			return true
		}
		// Database trouble is not evidence of orphanhood.
		return false
	}
	if sess.IsTerminal() {
		return true
	}
	// A live session pointing at a different container means this one was
	// replaced by recovery.
	return sess.ContainerID != "" && sess.ContainerID != containerID
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, eventSource, data)); err != nil {
		s.logger.Debug("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
