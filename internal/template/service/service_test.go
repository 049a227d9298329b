package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/template/models"
	"github.com/runbox/runbox/internal/template/repository"
)

func newService(t *testing.T) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return NewService(repository.NewMemoryRepository(), nil, log)
}

func TestCreateTemplateValidation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.CreateTemplate(ctx, &models.Template{Image: "img"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = svc.CreateTemplate(ctx, &models.Template{Name: "n"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestCreateTemplateNameConflict(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.CreateTemplate(ctx, &models.Template{Name: "py", Image: "img"})
	require.NoError(t, err)

	_, err = svc.CreateTemplate(ctx, &models.Template{Name: "py", Image: "other"})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestUpdateTemplatePartial(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	created, err := svc.CreateTemplate(ctx, &models.Template{
		Name: "py", Image: "img", DefaultTimeout: 300,
	})
	require.NoError(t, err)

	updated, err := svc.UpdateTemplate(ctx, created.ID, &models.Template{Image: "img:v2"})
	require.NoError(t, err)
	assert.Equal(t, "py", updated.Name)
	assert.Equal(t, "img:v2", updated.Image)
	assert.Equal(t, 300, updated.DefaultTimeout)
}

func TestDeleteTemplateFreesName(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	created, err := svc.CreateTemplate(ctx, &models.Template{Name: "py", Image: "img"})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteTemplate(ctx, created.ID))

	_, err = svc.GetTemplate(ctx, created.ID)
	assert.True(t, apperrors.IsNotFound(err))

	// Soft delete frees the name for reuse.
	_, err = svc.CreateTemplate(ctx, &models.Template{Name: "py", Image: "img"})
	assert.NoError(t, err)
}

func TestSeedIsIdempotent(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	seed := `
templates:
  - name: python-default
    description: Python sandbox
    image: runbox/python:3.12
    default_timeout: 300
    cpu: "1"
    memory: 512Mi
    disk: 1Gi
    pre_installed_packages: [requests]
  - name: node-default
    image: runbox/node:22
`
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	require.NoError(t, svc.Seed(ctx, path))
	require.NoError(t, svc.Seed(ctx, path))

	list, err := svc.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	byName := map[string]*models.Template{}
	for _, tmpl := range list {
		byName[tmpl.Name] = tmpl
	}
	require.Contains(t, byName, "python-default")
	assert.Equal(t, "runbox/python:3.12", byName["python-default"].Image)
	assert.Equal(t, "512Mi", byName["python-default"].DefaultResources.Memory)
	assert.Equal(t, []string{"requests"}, byName["python-default"].PreInstalled)
}

func TestSeedMissingFileFails(t *testing.T) {
	svc := newService(t)
	assert.Error(t, svc.Seed(context.Background(), "/does/not/exist.yaml"))
	assert.NoError(t, svc.Seed(context.Background(), ""))
}
