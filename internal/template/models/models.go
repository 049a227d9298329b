// Package models defines the session template entity.
package models

import (
	"time"

	session "github.com/runbox/runbox/internal/session/models"
)

// SecurityContext holds the isolation settings baked into a template.
type SecurityContext struct {
	RunAsUser    int  `json:"run_as_user,omitempty"`
	ReadOnlyRoot bool `json:"read_only_root,omitempty"`
	NoNewPrivs   bool `json:"no_new_privileges,omitempty"`
}

// Template is a reusable session blueprint: container image, default
// resources, default timeout, pre-installed packages, security context.
// Updating a template only affects future sessions.
type Template struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	Image           string                 `json:"image"`
	DefaultResources session.ResourceLimits `json:"default_resources"`
	DefaultTimeout  int                    `json:"default_timeout"`
	PreInstalled    []string               `json:"pre_installed_packages,omitempty"`
	Security        SecurityContext        `json:"security_context"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	DeletedAt       *time.Time             `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the template has been soft-deleted.
func (t *Template) IsDeleted() bool {
	return t.DeletedAt != nil
}
