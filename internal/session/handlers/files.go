package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/httpmw"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/session/service"
	"github.com/runbox/runbox/internal/storage"
)

// maxUploadBytes bounds a single file upload.
const maxUploadBytes = 256 << 20

// FilesHandler serves the per-session workspace file API. Files live under
// the session's object-storage prefix; small files are served inline, large
// ones through a presigned URL.
type FilesHandler struct {
	service     *service.Service
	store       storage.Store
	inlineLimit int64
	presignTTL  time.Duration
	logger      *logger.Logger
}

func NewFilesHandler(svc *service.Service, store storage.Store, inlineLimit int64, presignTTLSec int, log *logger.Logger) *FilesHandler {
	return &FilesHandler{
		service:     svc,
		store:       store,
		inlineLimit: inlineLimit,
		presignTTL:  time.Duration(presignTTLSec) * time.Second,
		logger:      log.WithFields(zap.String("component", "files-handlers")),
	}
}

// resolve maps a request path onto the session's workspace prefix.
func (h *FilesHandler) resolve(c *gin.Context) (uri string, isDir bool, err error) {
	sess, err := h.service.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		return "", false, err
	}

	rel := strings.TrimPrefix(c.Param("path"), "/")
	if strings.Contains(rel, "..") {
		return "", false, apperrors.Validation("file path must not contain ..")
	}
	base := strings.TrimSuffix(sess.WorkspaceURI, "/")
	if rel == "" {
		return base + "/", true, nil
	}
	return base + "/" + rel, strings.HasSuffix(rel, "/"), nil
}

func (h *FilesHandler) httpUpload(c *gin.Context) {
	uri, isDir, err := h.resolve(c)
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	if isDir {
		httpmw.WriteError(c, h.logger, apperrors.Validation("upload target must be a file path"))
		return
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes+1))
	if err != nil {
		httpmw.WriteError(c, h.logger, apperrors.Internal("failed to read upload body", err))
		return
	}
	if int64(len(data)) > maxUploadBytes {
		httpmw.WriteError(c, h.logger, apperrors.Validation("file exceeds the upload size limit"))
		return
	}

	contentType := c.ContentType()
	if err := h.store.Upload(c.Request.Context(), uri, data, contentType); err != nil {
		httpmw.WriteError(c, h.logger, apperrors.UpstreamUnavailable("object storage", err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"uri": uri, "size": len(data)})
}

// httpDownload serves a file inline when it is small enough, otherwise
// returns a presigned URL. Directory paths list the prefix.
func (h *FilesHandler) httpDownload(c *gin.Context) {
	uri, isDir, err := h.resolve(c)
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	if isDir {
		h.list(c, uri)
		return
	}

	info, err := h.store.Info(c.Request.Context(), uri)
	if err != nil {
		if storage.IsNotFound(err) {
			httpmw.WriteError(c, h.logger, apperrors.NotFound("file", c.Param("path")))
			return
		}
		httpmw.WriteError(c, h.logger, apperrors.UpstreamUnavailable("object storage", err))
		return
	}

	if info.Size > h.inlineLimit {
		url, err := h.store.Presign(c.Request.Context(), uri, h.presignTTL)
		if err != nil {
			httpmw.WriteError(c, h.logger, apperrors.UpstreamUnavailable("object storage", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"url":        url,
			"size":       info.Size,
			"expires_in": int(h.presignTTL.Seconds()),
		})
		return
	}

	data, err := h.store.Download(c.Request.Context(), uri)
	if err != nil {
		if storage.IsNotFound(err) {
			httpmw.WriteError(c, h.logger, apperrors.NotFound("file", c.Param("path")))
			return
		}
		httpmw.WriteError(c, h.logger, apperrors.UpstreamUnavailable("object storage", err))
		return
	}
	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, data)
}

func (h *FilesHandler) list(c *gin.Context, prefix string) {
	limit := 1000
	if v, ok := c.GetQuery("limit"); ok {
		if parsed, err := parsePositiveInt(v); err == nil {
			limit = parsed
		}
	}
	objects, err := h.store.List(c.Request.Context(), prefix, limit)
	if err != nil {
		httpmw.WriteError(c, h.logger, apperrors.UpstreamUnavailable("object storage", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": objects, "total": len(objects)})
}

func (h *FilesHandler) httpDelete(c *gin.Context) {
	uri, isDir, err := h.resolve(c)
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}

	if isDir {
		deleted, err := h.store.DeletePrefix(c.Request.Context(), uri)
		if err != nil {
			httpmw.WriteError(c, h.logger, apperrors.UpstreamUnavailable("object storage", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
		return
	}
	if err := h.store.Delete(c.Request.Context(), uri); err != nil {
		httpmw.WriteError(c, h.logger, apperrors.UpstreamUnavailable("object storage", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": 1})
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, apperrors.Validation("limit must be a positive integer")
	}
	return n, nil
}
