// Package monitoring exposes the read-only operational surface: managed
// containers, runtime nodes and the service health endpoint.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/httpmw"
	"github.com/runbox/runbox/internal/common/logger"
	noderepo "github.com/runbox/runbox/internal/node/repository"
	"github.com/runbox/runbox/internal/runtime"
	"github.com/runbox/runbox/internal/session/models"
	"github.com/runbox/runbox/internal/session/repository"
	"github.com/runbox/runbox/internal/version"
)

const defaultLogTail = 100

type Handlers struct {
	runtime  runtime.Runtime
	nodes    noderepo.NodeRepository
	sessions repository.SessionRepository
	started  time.Time
	logger   *logger.Logger
}

func NewHandlers(rt runtime.Runtime, nodes noderepo.NodeRepository, sessions repository.SessionRepository, log *logger.Logger) *Handlers {
	return &Handlers{
		runtime:  rt,
		nodes:    nodes,
		sessions: sessions,
		started:  time.Now(),
		logger:   log.WithFields(zap.String("component", "monitoring-handlers")),
	}
}

// RegisterRoutes wires the monitoring endpoints under the API group.
func RegisterRoutes(api *gin.RouterGroup, rt runtime.Runtime, nodes noderepo.NodeRepository, sessions repository.SessionRepository, log *logger.Logger) *Handlers {
	handlers := NewHandlers(rt, nodes, sessions, log)
	api.GET("/containers", handlers.httpListContainers)
	api.GET("/containers/:id", handlers.httpGetContainer)
	api.GET("/containers/:id/logs", handlers.httpContainerLogs)
	api.GET("/nodes", handlers.httpListNodes)
	return handlers
}

func (h *Handlers) httpListContainers(c *gin.Context) {
	containers, err := h.runtime.List(c.Request.Context(), map[string]string{runtime.LabelManagedBy: "true"})
	if err != nil {
		httpmw.WriteError(c, h.logger, apperrors.UpstreamUnavailable("container runtime", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"containers": containers, "total": len(containers)})
}

func (h *Handlers) httpGetContainer(c *gin.Context) {
	info, err := h.runtime.Inspect(c.Request.Context(), c.Param("id"))
	if err != nil {
		if runtime.IsNotFound(err) {
			httpmw.WriteError(c, h.logger, apperrors.NotFound("container", c.Param("id")))
			return
		}
		httpmw.WriteError(c, h.logger, apperrors.UpstreamUnavailable("container runtime", err))
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handlers) httpContainerLogs(c *gin.Context) {
	tail := defaultLogTail
	if v, ok := c.GetQuery("tail"); ok {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			httpmw.WriteError(c, h.logger, apperrors.Validation("tail must be a positive integer"))
			return
		}
		tail = parsed
	}

	logs, err := h.runtime.Logs(c.Request.Context(), c.Param("id"), tail)
	if err != nil {
		if runtime.IsNotFound(err) {
			httpmw.WriteError(c, h.logger, apperrors.NotFound("container", c.Param("id")))
			return
		}
		httpmw.WriteError(c, h.logger, apperrors.UpstreamUnavailable("container runtime", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"container_id": c.Param("id"), "logs": logs, "tail": tail})
}

func (h *Handlers) httpListNodes(c *gin.Context) {
	nodes, err := h.nodes.ListNodes(c.Request.Context())
	if err != nil {
		httpmw.WriteError(c, h.logger, apperrors.Internal("failed to list nodes", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "total": len(nodes)})
}

// HTTPHealth reports liveness plus a coarse workload summary. Registered on
// the root router so it stays outside the API group.
func (h *Handlers) HTTPHealth(c *gin.Context) {
	ctx := c.Request.Context()

	status := "ok"
	if err := h.runtime.Ping(ctx); err != nil {
		status = "degraded"
	}

	active := 0
	if n, err := h.sessions.CountSessions(ctx, repository.SessionFilter{Status: models.SessionRunning}); err == nil {
		active = n
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":          status,
		"version":         version.Version,
		"git_commit":      version.GitCommit,
		"uptime_seconds":  int(time.Since(h.started).Seconds()),
		"active_sessions": active,
	})
}
