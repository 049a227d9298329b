// Package handlers exposes the session and execution REST surface.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/httpmw"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/session/dto"
	"github.com/runbox/runbox/internal/session/service"
	"github.com/runbox/runbox/internal/storage"
)

type Handlers struct {
	service *service.Service
	files   *FilesHandler
	logger  *logger.Logger
}

func NewHandlers(svc *service.Service, files *FilesHandler, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		files:   files,
		logger:  log.WithFields(zap.String("component", "session-handlers")),
	}
}

// RegisterRoutes wires the session endpoints under the API group.
func RegisterRoutes(api *gin.RouterGroup, svc *service.Service, store storage.Store, inlineLimit int64, presignTTL int, log *logger.Logger) {
	files := NewFilesHandler(svc, store, inlineLimit, presignTTL, log)
	handlers := NewHandlers(svc, files, log)

	api.POST("/sessions", handlers.httpCreateSession)
	api.GET("/sessions", handlers.httpListSessions)
	api.GET("/sessions/:id", handlers.httpGetSession)
	api.DELETE("/sessions/:id", handlers.httpTerminateSession)

	api.POST("/sessions/:id/executions/execute", handlers.httpExecute)
	api.GET("/sessions/:id/executions", handlers.httpListExecutions)
	api.GET("/executions/:id/status", handlers.httpExecutionStatus)
	api.GET("/executions/:id/result", handlers.httpExecutionResult)

	api.POST("/sessions/:id/files/*path", files.httpUpload)
	api.GET("/sessions/:id/files/*path", files.httpDownload)
	api.DELETE("/sessions/:id/files/*path", files.httpDelete)
}

func (h *Handlers) httpCreateSession(c *gin.Context) {
	var req dto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, h.logger, apperrors.Validation("invalid session payload"))
		return
	}
	sess, err := h.service.CreateSession(c.Request.Context(), req)
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromSession(sess))
}

func (h *Handlers) httpListSessions(c *gin.Context) {
	var query dto.ListSessionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		httpmw.WriteError(c, h.logger, apperrors.Validation("invalid list query"))
		return
	}
	sessions, total, err := h.service.ListSessions(c.Request.Context(), query)
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.SessionListResponse{
		Sessions: dto.FromSessions(sessions),
		Total:    total,
		Limit:    query.Limit,
		Offset:   query.Offset,
	})
}

func (h *Handlers) httpGetSession(c *gin.Context) {
	sess, err := h.service.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromSession(sess))
}

func (h *Handlers) httpTerminateSession(c *gin.Context) {
	sess, err := h.service.TerminateSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromSession(sess))
}

func (h *Handlers) httpExecute(c *gin.Context) {
	var req dto.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, h.logger, apperrors.Validation("invalid execute payload"))
		return
	}
	exec, err := h.service.Execute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		// A persisted-but-failed execution is still returned so the caller
		// can poll its record.
		if exec != nil {
			c.JSON(apperrors.GetHTTPStatus(err), gin.H{
				"execution": dto.FromExecution(exec),
				"error":     err.Error(),
			})
			return
		}
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromExecution(exec))
}

func (h *Handlers) httpListExecutions(c *gin.Context) {
	limit := 50
	if v, ok := c.GetQuery("limit"); ok {
		if parsed, err := parsePositiveInt(v); err == nil {
			limit = parsed
		}
	}
	executions, total, err := h.service.ListExecutions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ExecutionListResponse{
		Executions: dto.FromExecutions(executions),
		Total:      total,
	})
}

func (h *Handlers) httpExecutionStatus(c *gin.Context) {
	exec, err := h.service.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"execution_id": exec.ID,
		"session_id":   exec.SessionID,
		"status":       string(exec.Status),
		"retry_count":  exec.RetryCount,
		"created_at":   exec.CreatedAt,
	})
}

func (h *Handlers) httpExecutionResult(c *gin.Context) {
	exec, err := h.service.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	if !exec.IsTerminal() {
		httpmw.WriteError(c, h.logger, apperrors.Conflict("execution has not finished").
			WithDetail(string(exec.Status)))
		return
	}
	c.JSON(http.StatusOK, dto.FromExecution(exec))
}
