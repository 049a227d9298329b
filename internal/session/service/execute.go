package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/events"
	execclient "github.com/runbox/runbox/internal/executor/client"
	"github.com/runbox/runbox/internal/session/dto"
	"github.com/runbox/runbox/internal/session/models"
	"github.com/runbox/runbox/internal/session/repository"
)

// Execute persists a new execution and submits it to the session's executor.
// The execution id is returned as soon as the executor acknowledges; results
// arrive later via callback. Submit failures mark the execution FAILED but
// never touch the container: the health loop decides whether the session is
// actually lost.
func (s *Service) Execute(ctx context.Context, sessionID string, req dto.ExecuteRequest) (*models.Execution, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionRunning {
		return nil, apperrors.Validation("session_not_running").
			WithDetail(fmt.Sprintf("session %s is %s", sessionID, sess.Status))
	}

	exec, err := s.buildExecution(sess, req)
	if err != nil {
		return nil, err
	}
	if err := s.executions.CreateExecution(ctx, exec); err != nil {
		return nil, apperrors.Internal("failed to persist execution", err)
	}

	if err := s.submit(ctx, sess, exec); err != nil {
		return exec, err
	}

	sess.Touch(time.Now().UTC())
	sess.UpdatedAt = sess.LastActivityAt
	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		s.logger.Warn("Failed to record session activity",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return exec, nil
}

func (s *Service) buildExecution(sess *models.Session, req dto.ExecuteRequest) (*models.Execution, error) {
	lang := models.Language(req.Language)
	if !lang.IsValid() {
		return nil, apperrors.Validation(fmt.Sprintf("unsupported language %q", req.Language))
	}
	timeout, err := s.clampTimeout(req.TimeoutSeconds)
	if err != nil {
		return nil, err
	}
	if len(req.Event) > 0 && !json.Valid(req.Event) {
		return nil, apperrors.Validation("event payload is not valid JSON")
	}

	now := time.Now().UTC()
	return &models.Execution{
		ID:             uuid.New().String(),
		SessionID:      sess.ID,
		Code:           req.Code,
		Language:       lang,
		TimeoutSeconds: timeout,
		Event:          req.Event,
		EnvVars:        req.EnvVars,
		Status:         models.ExecutionPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// submit dispatches one execution to the executor and applies the outcome to
// the execution record. Caller holds the session lock.
func (s *Service) submit(ctx context.Context, sess *models.Session, exec *models.Execution) error {
	url, err := s.executorURL(ctx, sess)
	if err != nil {
		s.failExecution(ctx, exec, "executor_unreachable")
		return err
	}

	_, err = s.executor.Submit(ctx, url, execclient.ExecuteRequest{
		ExecutionID: exec.ID,
		SessionID:   sess.ID,
		Code:        exec.Code,
		Language:    string(exec.Language),
		Event:       exec.Event,
		Timeout:     exec.TimeoutSeconds,
		EnvVars:     exec.EnvVars,
	})
	if err != nil {
		if apperrors.IsValidation(err) {
			s.failExecution(ctx, exec, err.Error())
		} else {
			s.failExecution(ctx, exec, "executor_unreachable")
		}
		return err
	}

	exec.Status = models.ExecutionRunning
	exec.UpdatedAt = time.Now().UTC()
	if err := s.executions.UpdateExecution(ctx, exec); err != nil {
		return apperrors.Internal("failed to persist execution submit", err)
	}
	s.publish(ctx, events.ExecutionSubmitted, map[string]interface{}{
		"execution_id": exec.ID,
		"session_id":   sess.ID,
	})
	return nil
}

func (s *Service) failExecution(ctx context.Context, exec *models.Execution, detail string) {
	if !exec.CanTransitionTo(models.ExecutionFailed) {
		return
	}
	now := time.Now().UTC()
	exec.Status = models.ExecutionFailed
	exec.ErrorDetail = detail
	exec.UpdatedAt = now
	exec.CompletedAt = &now
	if err := s.executions.UpdateExecution(ctx, exec); err != nil {
		s.logger.Warn("Failed to persist execution failure",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
	s.publish(ctx, events.ExecutionFailed, map[string]interface{}{
		"execution_id": exec.ID,
		"session_id":   exec.SessionID,
		"detail":       detail,
	})
}

// GetExecution returns an execution by id. Pure read, never triggers work.
func (s *Service) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	exec, err := s.executions.GetExecution(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, apperrors.NotFound("execution", id)
		}
		return nil, apperrors.Internal("failed to load execution", err)
	}
	return exec, nil
}

// ListExecutions returns a session's executions, newest first.
func (s *Service) ListExecutions(ctx context.Context, sessionID string, limit int) ([]*models.Execution, int, error) {
	if _, err := s.loadSession(ctx, sessionID); err != nil {
		return nil, 0, err
	}
	executions, err := s.executions.ListExecutionsBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, 0, apperrors.Internal("failed to list executions", err)
	}
	total, err := s.executions.CountExecutionsBySession(ctx, sessionID)
	if err != nil {
		return nil, 0, apperrors.Internal("failed to count executions", err)
	}
	return executions, total, nil
}

// RetryExecution re-submits a crashed execution. When the retry budget is
// exhausted the execution goes to FAILED instead.
func (s *Service) RetryExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(exec.SessionID)
	defer unlock()

	exec, err = s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != models.ExecutionCrashed {
		return nil, apperrors.Validation(
			fmt.Sprintf("execution %s is %s; only crashed executions can be retried", executionID, exec.Status))
	}

	if exec.RetryCount >= s.sessionCfg.MaxRetryAttempts {
		s.failExecution(ctx, exec, "retry budget exhausted")
		return exec, nil
	}

	sess, err := s.loadSession(ctx, exec.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionRunning {
		s.failExecution(ctx, exec, "session no longer running")
		return exec, nil
	}

	exec.Status = models.ExecutionPending
	exec.RetryCount++
	exec.ErrorDetail = ""
	exec.UpdatedAt = time.Now().UTC()
	if err := s.executions.UpdateExecution(ctx, exec); err != nil {
		return nil, apperrors.Internal("failed to persist execution retry", err)
	}
	s.publish(ctx, events.ExecutionRetried, map[string]interface{}{
		"execution_id": exec.ID,
		"session_id":   exec.SessionID,
		"retry_count":  exec.RetryCount,
	})

	if err := s.submit(ctx, sess, exec); err != nil {
		return exec, err
	}
	return exec, nil
}

// ResubmitCrashedExecutions retries every CRASHED execution of a session.
// Called after a session is recovered with a fresh container; executions
// past their retry budget are finalized as FAILED by RetryExecution.
func (s *Service) ResubmitCrashedExecutions(ctx context.Context, sessionID string) {
	executions, err := s.executions.ListExecutionsBySession(ctx, sessionID, 0)
	if err != nil {
		s.logger.Warn("Failed to list executions for resubmit",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	for _, exec := range executions {
		if exec.Status != models.ExecutionCrashed {
			continue
		}
		if _, err := s.RetryExecution(ctx, exec.ID); err != nil {
			s.logger.Warn("Failed to retry crashed execution",
				zap.String("execution_id", exec.ID),
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
}
