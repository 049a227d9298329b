// Package sqlite provides the SQL-backed template repository.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/runbox/runbox/internal/template/models"
	"github.com/runbox/runbox/internal/template/repository"
)

// Repository provides SQL-backed template storage.
type Repository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ repository.TemplateRepository = (*Repository)(nil)

// NewWithDB creates a repository with existing database connections.
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize template schema: %w", err)
	}
	return repo, nil
}

// Close is a no-op; connections are shared with the pool owner.
func (r *Repository) Close() error { return nil }

func (r *Repository) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			image TEXT NOT NULL,
			default_resources TEXT NOT NULL DEFAULT '{}',
			default_timeout INTEGER NOT NULL DEFAULT 300,
			pre_installed_packages TEXT NOT NULL DEFAULT '[]',
			security_context TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			deleted_at_millis INTEGER NOT NULL DEFAULT 0
		)`,
		// Uniqueness holds among live rows only; deleted_at_millis
		// disambiguates soft-deleted name reuse.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_templates_name ON templates(name, deleted_at_millis)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const templateColumns = `id, name, description, image, default_resources, default_timeout,
	pre_installed_packages, security_context, created_at, updated_at, deleted_at_millis`

// CreateTemplate creates a new template
func (r *Repository) CreateTemplate(ctx context.Context, template *models.Template) error {
	if template.ID == "" {
		template.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}
	template.UpdatedAt = now

	if taken, err := r.nameTaken(ctx, template.Name, ""); err != nil {
		return err
	} else if taken {
		return fmt.Errorf("template %q: %w", template.Name, repository.ErrNameTaken)
	}

	resourcesJSON, packagesJSON, securityJSON, err := marshalTemplateColumns(template)
	if err != nil {
		return err
	}

	query := r.db.Rebind(`
		INSERT INTO templates (` + templateColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`)
	_, err = r.db.ExecContext(ctx, query,
		template.ID, template.Name, template.Description, template.Image,
		resourcesJSON, template.DefaultTimeout, packagesJSON, securityJSON,
		template.CreatedAt, template.UpdatedAt)
	return err
}

// GetTemplate retrieves a non-deleted template by ID
func (r *Repository) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	query := r.ro.Rebind(`
		SELECT ` + templateColumns + ` FROM templates
		WHERE id = ? AND deleted_at_millis = 0
	`)
	template, err := scanTemplate(r.ro.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, repository.ErrNotFound)
	}
	return template, err
}

// GetTemplateByName retrieves a non-deleted template by name
func (r *Repository) GetTemplateByName(ctx context.Context, name string) (*models.Template, error) {
	query := r.ro.Rebind(`
		SELECT ` + templateColumns + ` FROM templates
		WHERE name = ? AND deleted_at_millis = 0
	`)
	template, err := scanTemplate(r.ro.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %q: %w", name, repository.ErrNotFound)
	}
	return template, err
}

// UpdateTemplate updates an existing template
func (r *Repository) UpdateTemplate(ctx context.Context, template *models.Template) error {
	template.UpdatedAt = time.Now().UTC()

	if taken, err := r.nameTaken(ctx, template.Name, template.ID); err != nil {
		return err
	} else if taken {
		return fmt.Errorf("template %q: %w", template.Name, repository.ErrNameTaken)
	}

	resourcesJSON, packagesJSON, securityJSON, err := marshalTemplateColumns(template)
	if err != nil {
		return err
	}

	query := r.db.Rebind(`
		UPDATE templates
		SET name = ?, description = ?, image = ?, default_resources = ?,
			default_timeout = ?, pre_installed_packages = ?, security_context = ?,
			updated_at = ?
		WHERE id = ? AND deleted_at_millis = 0
	`)
	result, err := r.db.ExecContext(ctx, query,
		template.Name, template.Description, template.Image, resourcesJSON,
		template.DefaultTimeout, packagesJSON, securityJSON, template.UpdatedAt,
		template.ID)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("template %s: %w", template.ID, repository.ErrNotFound)
	}
	return nil
}

// ListTemplates returns all non-deleted templates sorted by name
func (r *Repository) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates
		WHERE deleted_at_millis = 0 ORDER BY name ASC`
	rows, err := r.ro.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Template
	for rows.Next() {
		template, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, template)
	}
	return result, rows.Err()
}

// DeleteTemplate soft-deletes a template
func (r *Repository) DeleteTemplate(ctx context.Context, id string) error {
	now := time.Now().UTC()
	query := r.db.Rebind(`
		UPDATE templates
		SET deleted_at_millis = ?, updated_at = ?
		WHERE id = ? AND deleted_at_millis = 0
	`)
	result, err := r.db.ExecContext(ctx, query, now.UnixMilli(), now, id)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("template %s: %w", id, repository.ErrNotFound)
	}
	return nil
}

func (r *Repository) nameTaken(ctx context.Context, name, excludeID string) (bool, error) {
	query := `SELECT COUNT(*) FROM templates WHERE name = ? AND deleted_at_millis = 0`
	args := []interface{}{name}
	if excludeID != "" {
		query += ` AND id != ?`
		args = append(args, excludeID)
	}
	var count int
	if err := r.ro.QueryRowContext(ctx, r.ro.Rebind(query), args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(row rowScanner) (*models.Template, error) {
	template := &models.Template{}
	var resourcesJSON, packagesJSON, securityJSON string
	var deletedAtMillis int64

	err := row.Scan(
		&template.ID, &template.Name, &template.Description, &template.Image,
		&resourcesJSON, &template.DefaultTimeout, &packagesJSON, &securityJSON,
		&template.CreatedAt, &template.UpdatedAt, &deletedAtMillis)
	if err != nil {
		return nil, err
	}
	if deletedAtMillis > 0 {
		deletedAt := time.UnixMilli(deletedAtMillis).UTC()
		template.DeletedAt = &deletedAt
	}

	if err := json.Unmarshal([]byte(resourcesJSON), &template.DefaultResources); err != nil {
		return nil, fmt.Errorf("failed to deserialize template resources: %w", err)
	}
	if packagesJSON != "" && packagesJSON != "[]" {
		if err := json.Unmarshal([]byte(packagesJSON), &template.PreInstalled); err != nil {
			return nil, fmt.Errorf("failed to deserialize template packages: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(securityJSON), &template.Security); err != nil {
		return nil, fmt.Errorf("failed to deserialize template security context: %w", err)
	}
	return template, nil
}

func marshalTemplateColumns(template *models.Template) (resources, packages, security string, err error) {
	resourcesBytes, err := json.Marshal(template.DefaultResources)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to serialize template resources: %w", err)
	}

	packages = "[]"
	if template.PreInstalled != nil {
		packagesBytes, err := json.Marshal(template.PreInstalled)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to serialize template packages: %w", err)
		}
		packages = string(packagesBytes)
	}

	securityBytes, err := json.Marshal(template.Security)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to serialize template security context: %w", err)
	}

	return string(resourcesBytes), packages, string(securityBytes), nil
}
