// Package repository defines persistence for session templates.
package repository

import (
	"context"
	"errors"

	"github.com/runbox/runbox/internal/template/models"
)

// ErrNotFound is returned when the requested template does not exist.
var ErrNotFound = errors.New("template not found")

// ErrNameTaken is returned when a non-deleted template already holds the name.
var ErrNameTaken = errors.New("template name already in use")

// TemplateRepository stores session templates. Deletes are soft so that
// sessions created from a template keep a resolvable reference.
type TemplateRepository interface {
	CreateTemplate(ctx context.Context, template *models.Template) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	GetTemplateByName(ctx context.Context, name string) (*models.Template, error)
	UpdateTemplate(ctx context.Context, template *models.Template) error
	ListTemplates(ctx context.Context) ([]*models.Template, error)
	DeleteTemplate(ctx context.Context, id string) error
	Close() error
}
