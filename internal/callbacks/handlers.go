// Package callbacks receives the executor-to-control-plane notifications:
// container readiness, container exit, execution results and heartbeats.
// All routes are authenticated by the shared callback token and are safe to
// retry.
package callbacks

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/httpmw"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/session/models"
	"github.com/runbox/runbox/internal/session/service"
)

type Handlers struct {
	service *service.Service
	logger  *logger.Logger
}

func NewHandlers(svc *service.Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "callback-handlers")),
	}
}

// RegisterRoutes wires the internal callback endpoints behind bearer auth.
func RegisterRoutes(router *gin.Engine, svc *service.Service, token string, log *logger.Logger) {
	handlers := NewHandlers(svc, log)
	internal := router.Group("/internal", httpmw.BearerToken(token))
	internal.POST("/sessions/:id/container_ready", handlers.httpContainerReady)
	internal.POST("/sessions/:id/container_exited", handlers.httpContainerExited)
	internal.POST("/executions/:id/result", handlers.httpExecutionResult)
	internal.POST("/executions/:id/heartbeat", handlers.httpHeartbeat)
}

type containerReadyRequest struct {
	ContainerID  string   `json:"container_id"`
	ExecutorPort int      `json:"executor_port"`
	DepsStatus   string   `json:"deps_status,omitempty"`
	Installed    []string `json:"installed_dependencies,omitempty"`
}

func (h *Handlers) httpContainerReady(c *gin.Context) {
	var req containerReadyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, h.logger, apperrors.Validation("invalid container_ready payload"))
		return
	}
	sessionID := c.Param("id")
	err := h.service.MarkContainerReady(c.Request.Context(), sessionID, req.ContainerID, req.ExecutorPort, req.DepsStatus, req.Installed)
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	h.logger.Debug("container_ready applied", zap.String("session_id", sessionID))
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

type containerExitedRequest struct {
	ExitCode int    `json:"exit_code"`
	Reason   string `json:"reason,omitempty"`
}

func (h *Handlers) httpContainerExited(c *gin.Context) {
	var req containerExitedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, h.logger, apperrors.Validation("invalid container_exited payload"))
		return
	}
	sessionID := c.Param("id")
	if err := h.service.MarkContainerExited(c.Request.Context(), sessionID, req.ExitCode, req.Reason); err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

type executionResultRequest struct {
	Status      string                  `json:"status" binding:"required"`
	Stdout      string                  `json:"stdout,omitempty"`
	Stderr      string                  `json:"stderr,omitempty"`
	ExitCode    *int                    `json:"exit_code,omitempty"`
	ReturnValue json.RawMessage         `json:"return_value,omitempty"`
	Metrics     models.ExecutionMetrics `json:"metrics"`
}

func (h *Handlers) httpExecutionResult(c *gin.Context) {
	var req executionResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, h.logger, apperrors.Validation("invalid execution result payload"))
		return
	}
	err := h.service.ApplyExecutionResult(c.Request.Context(), service.ExecutionResult{
		ExecutionID: c.Param("id"),
		Status:      req.Status,
		Stdout:      req.Stdout,
		Stderr:      req.Stderr,
		ExitCode:    req.ExitCode,
		ReturnValue: req.ReturnValue,
		Metrics:     req.Metrics,
	})
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

func (h *Handlers) httpHeartbeat(c *gin.Context) {
	if err := h.service.RecordHeartbeat(c.Request.Context(), c.Param("id")); err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}
