// Package handlers exposes template management over REST.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/httpmw"
	"github.com/runbox/runbox/internal/common/logger"
	session "github.com/runbox/runbox/internal/session/models"
	"github.com/runbox/runbox/internal/template/models"
	"github.com/runbox/runbox/internal/template/service"
)

type Handlers struct {
	service *service.Service
	logger  *logger.Logger
}

func NewHandlers(svc *service.Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "template-handlers")),
	}
}

// RegisterRoutes wires the template endpoints under the API group.
func RegisterRoutes(api *gin.RouterGroup, svc *service.Service, log *logger.Logger) {
	handlers := NewHandlers(svc, log)
	api.POST("/templates", handlers.httpCreateTemplate)
	api.GET("/templates", handlers.httpListTemplates)
	api.GET("/templates/:id", handlers.httpGetTemplate)
	api.PATCH("/templates/:id", handlers.httpUpdateTemplate)
	api.DELETE("/templates/:id", handlers.httpDeleteTemplate)
}

type templateRequest struct {
	Name           string                 `json:"name"`
	Description    string                 `json:"description"`
	Image          string                 `json:"image"`
	DefaultTimeout int                    `json:"default_timeout"`
	Resources      session.ResourceLimits `json:"default_resources"`
	PreInstalled   []string               `json:"pre_installed_packages"`
	Security       models.SecurityContext `json:"security_context"`
}

func (r *templateRequest) toModel() *models.Template {
	return &models.Template{
		Name:             r.Name,
		Description:      r.Description,
		Image:            r.Image,
		DefaultTimeout:   r.DefaultTimeout,
		DefaultResources: r.Resources,
		PreInstalled:     r.PreInstalled,
		Security:         r.Security,
	}
}

func (h *Handlers) httpCreateTemplate(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, h.logger, apperrors.Validation("invalid template payload"))
		return
	}
	tmpl, err := h.service.CreateTemplate(c.Request.Context(), req.toModel())
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, tmpl)
}

func (h *Handlers) httpListTemplates(c *gin.Context) {
	list, err := h.service.ListTemplates(c.Request.Context())
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": list, "total": len(list)})
}

func (h *Handlers) httpGetTemplate(c *gin.Context) {
	tmpl, err := h.service.GetTemplate(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

func (h *Handlers) httpUpdateTemplate(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, h.logger, apperrors.Validation("invalid template payload"))
		return
	}
	tmpl, err := h.service.UpdateTemplate(c.Request.Context(), c.Param("id"), req.toModel())
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

func (h *Handlers) httpDeleteTemplate(c *gin.Context) {
	if err := h.service.DeleteTemplate(c.Request.Context(), c.Param("id")); err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
