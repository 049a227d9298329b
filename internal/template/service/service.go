// Package service implements template management: CRUD over the template
// repository plus startup seeding from a YAML file.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/events/bus"
	session "github.com/runbox/runbox/internal/session/models"
	"github.com/runbox/runbox/internal/template/models"
	"github.com/runbox/runbox/internal/template/repository"
)

const eventSource = "template-service"

// Service manages session templates.
type Service struct {
	templates repository.TemplateRepository
	bus       bus.EventBus
	logger    *logger.Logger
}

// NewService creates the template service.
func NewService(templates repository.TemplateRepository, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		templates: templates,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "template-service")),
	}
}

// CreateTemplate validates and persists a new template.
func (s *Service) CreateTemplate(ctx context.Context, tmpl *models.Template) (*models.Template, error) {
	if err := validate(tmpl); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tmpl.ID = uuid.New().String()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now
	if err := s.templates.CreateTemplate(ctx, tmpl); err != nil {
		if errors.Is(err, repository.ErrNameTaken) {
			return nil, apperrors.Conflict(fmt.Sprintf("template name %q is already in use", tmpl.Name))
		}
		return nil, apperrors.Internal("failed to persist template", err)
	}

	s.publish(ctx, events.TemplateCreated, tmpl.ID)
	return tmpl, nil
}

// GetTemplate returns a template by id.
func (s *Service) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	tmpl, err := s.templates.GetTemplate(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("template", id)
		}
		return nil, apperrors.Internal("failed to load template", err)
	}
	return tmpl, nil
}

// ListTemplates returns all live templates.
func (s *Service) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	list, err := s.templates.ListTemplates(ctx)
	if err != nil {
		return nil, apperrors.Internal("failed to list templates", err)
	}
	return list, nil
}

// UpdateTemplate applies changes to an existing template. Running sessions
// keep the configuration they were created with.
func (s *Service) UpdateTemplate(ctx context.Context, id string, update *models.Template) (*models.Template, error) {
	current, err := s.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.Name != "" {
		current.Name = update.Name
	}
	if update.Image != "" {
		current.Image = update.Image
	}
	if update.Description != "" {
		current.Description = update.Description
	}
	if update.DefaultTimeout > 0 {
		current.DefaultTimeout = update.DefaultTimeout
	}
	if update.DefaultResources != (session.ResourceLimits{}) {
		current.DefaultResources = update.DefaultResources
	}
	if update.PreInstalled != nil {
		current.PreInstalled = update.PreInstalled
	}
	current.Security = update.Security
	current.UpdatedAt = time.Now().UTC()

	if err := validate(current); err != nil {
		return nil, err
	}
	if err := s.templates.UpdateTemplate(ctx, current); err != nil {
		if errors.Is(err, repository.ErrNameTaken) {
			return nil, apperrors.Conflict(fmt.Sprintf("template name %q is already in use", current.Name))
		}
		return nil, apperrors.Internal("failed to persist template update", err)
	}

	s.publish(ctx, events.TemplateUpdated, current.ID)
	return current, nil
}

// DeleteTemplate soft-deletes a template; sessions created from it keep a
// resolvable reference.
func (s *Service) DeleteTemplate(ctx context.Context, id string) error {
	if err := s.templates.DeleteTemplate(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NotFound("template", id)
		}
		return apperrors.Internal("failed to delete template", err)
	}
	s.publish(ctx, events.TemplateDeleted, id)
	return nil
}

// seedFile is the YAML shape of the template seed.
type seedFile struct {
	Templates []seedTemplate `yaml:"templates"`
}

type seedTemplate struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	Image          string   `yaml:"image"`
	DefaultTimeout int      `yaml:"default_timeout"`
	CPU            string   `yaml:"cpu"`
	Memory         string   `yaml:"memory"`
	Disk           string   `yaml:"disk"`
	PreInstalled   []string `yaml:"pre_installed_packages"`
}

// Seed loads templates from a YAML file, creating any whose name is not
// already taken. Re-running against the same file is a no-op.
func (s *Service) Seed(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read template seed %s: %w", path, err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("failed to parse template seed %s: %w", path, err)
	}

	created := 0
	for _, entry := range seed.Templates {
		if _, err := s.templates.GetTemplateByName(ctx, entry.Name); err == nil {
			continue
		}
		_, err := s.CreateTemplate(ctx, &models.Template{
			Name:           entry.Name,
			Description:    entry.Description,
			Image:          entry.Image,
			DefaultTimeout: entry.DefaultTimeout,
			DefaultResources: session.ResourceLimits{
				CPU:    entry.CPU,
				Memory: entry.Memory,
				Disk:   entry.Disk,
			},
			PreInstalled: entry.PreInstalled,
		})
		if err != nil {
			if apperrors.IsConflict(err) {
				continue
			}
			return fmt.Errorf("failed to seed template %q: %w", entry.Name, err)
		}
		created++
	}

	s.logger.Info("Template seed applied",
		zap.String("path", path),
		zap.Int("created", created),
		zap.Int("total", len(seed.Templates)),
	)
	return nil
}

func validate(tmpl *models.Template) error {
	if tmpl.Name == "" {
		return apperrors.Validation("template name is required")
	}
	if tmpl.Image == "" {
		return apperrors.Validation("template image is required")
	}
	if tmpl.DefaultTimeout < 0 {
		return apperrors.Validation("default timeout must not be negative")
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType, templateID string) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, eventSource, map[string]interface{}{"template_id": templateID})
	if err := s.bus.Publish(ctx, eventType, event); err != nil {
		s.logger.Debug("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
