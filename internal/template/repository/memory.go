package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runbox/runbox/internal/template/models"
)

// MemoryRepository provides in-memory template storage for tests.
type MemoryRepository struct {
	templates map[string]*models.Template
	mu        sync.RWMutex
}

var _ TemplateRepository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory template repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{templates: make(map[string]*models.Template)}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error { return nil }

// CreateTemplate creates a new template, enforcing name uniqueness among
// non-deleted templates
func (r *MemoryRepository) CreateTemplate(ctx context.Context, template *models.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.templates {
		if existing.DeletedAt == nil && existing.Name == template.Name {
			return fmt.Errorf("template %q: %w", template.Name, ErrNameTaken)
		}
	}

	if template.ID == "" {
		template.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}
	template.UpdatedAt = now

	copied := *template
	r.templates[template.ID] = &copied
	return nil
}

// GetTemplate retrieves a template by ID
func (r *MemoryRepository) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	template, ok := r.templates[id]
	if !ok || template.DeletedAt != nil {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	copied := *template
	return &copied, nil
}

// GetTemplateByName retrieves a non-deleted template by name
func (r *MemoryRepository) GetTemplateByName(ctx context.Context, name string) (*models.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, template := range r.templates {
		if template.DeletedAt == nil && template.Name == name {
			copied := *template
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("template %q: %w", name, ErrNotFound)
}

// UpdateTemplate updates an existing template
func (r *MemoryRepository) UpdateTemplate(ctx context.Context, template *models.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.templates[template.ID]
	if !ok || existing.DeletedAt != nil {
		return fmt.Errorf("template %s: %w", template.ID, ErrNotFound)
	}
	for _, other := range r.templates {
		if other.ID != template.ID && other.DeletedAt == nil && other.Name == template.Name {
			return fmt.Errorf("template %q: %w", template.Name, ErrNameTaken)
		}
	}
	template.UpdatedAt = time.Now().UTC()
	copied := *template
	r.templates[template.ID] = &copied
	return nil
}

// ListTemplates returns all non-deleted templates sorted by name
func (r *MemoryRepository) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Template, 0, len(r.templates))
	for _, template := range r.templates {
		if template.DeletedAt == nil {
			copied := *template
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// DeleteTemplate soft-deletes a template
func (r *MemoryRepository) DeleteTemplate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	template, ok := r.templates[id]
	if !ok || template.DeletedAt != nil {
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	now := time.Now().UTC()
	template.DeletedAt = &now
	template.UpdatedAt = now
	return nil
}
