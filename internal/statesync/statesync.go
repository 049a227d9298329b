// Package statesync reconciles session records against the container
// runtime, which is the truth source for container liveness. A session the
// database believes is live but whose container is gone is recovered once,
// or failed.
package statesync

import (
	"context"

	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/runtime"
	"github.com/runbox/runbox/internal/session/models"
	"github.com/runbox/runbox/internal/session/repository"
	"github.com/runbox/runbox/internal/session/service"
)

// Service runs the startup and periodic reconciliation passes.
type Service struct {
	sessions  repository.SessionRepository
	runtime   runtime.Runtime
	lifecycle *service.Service
	logger    *logger.Logger
}

// NewService wires the state-sync loops.
func NewService(sessions repository.SessionRepository, rt runtime.Runtime, lifecycle *service.Service, log *logger.Logger) *Service {
	return &Service{
		sessions:  sessions,
		runtime:   rt,
		lifecycle: lifecycle,
		logger:    log.WithFields(zap.String("component", "statesync")),
	}
}

// ReconcileStartup checks every session the database believes is live,
// including those still provisioning. Run once before serving traffic.
func (s *Service) ReconcileStartup(ctx context.Context) error {
	return s.reconcile(ctx, models.SessionRunning, models.SessionCreating)
}

// ReconcilePeriodic checks RUNNING sessions only. Registered as a periodic
// task on the health-check interval.
func (s *Service) ReconcilePeriodic(ctx context.Context) error {
	return s.reconcile(ctx, models.SessionRunning)
}

// reconcile scans sessions in the given statuses; one session's failure
// never stops the scan.
func (s *Service) reconcile(ctx context.Context, statuses ...models.SessionStatus) error {
	sessions, err := s.sessions.ListSessionsByStatus(ctx, statuses...)
	if err != nil {
		return err
	}

	checked, recovered, failed := 0, 0, 0
	for _, sess := range sessions {
		if sess.ContainerID == "" {
			// Still waiting on provisioning; the stuck-creating loop owns it.
			continue
		}
		checked++

		alive, err := s.runtime.IsRunning(ctx, sess.ContainerID)
		if err != nil {
			s.logger.Warn("Liveness check failed, leaving session untouched",
				zap.String("session_id", sess.ID),
				zap.String("container_id", sess.ContainerID),
				zap.Error(err))
			continue
		}
		if alive {
			continue
		}

		s.logger.Warn("Container lost, attempting recovery",
			zap.String("session_id", sess.ID),
			zap.String("container_id", sess.ContainerID))
		if err := s.lifecycle.RecoverSession(ctx, sess.ID); err != nil {
			recoveredErr := s.lifecycle.FailSession(ctx, sess.ID, "container lost and recovery failed")
			if recoveredErr != nil {
				s.logger.Error("Failed to mark unrecoverable session failed",
					zap.String("session_id", sess.ID), zap.Error(recoveredErr))
			}
			failed++
			continue
		}
		// The lost container crashed this session's live executions; put
		// them back in flight on the fresh one.
		s.lifecycle.ResubmitCrashedExecutions(ctx, sess.ID)
		recovered++
	}

	if checked > 0 {
		s.logger.Debug("Reconciliation pass finished",
			zap.Int("checked", checked),
			zap.Int("recovered", recovered),
			zap.Int("failed", failed),
		)
	}
	return nil
}
