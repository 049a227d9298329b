// Package sqlite provides SQL-backed repository implementations for sessions
// and executions. Despite the package name it also serves PostgreSQL through
// the shared dialect helpers; the SQL sticks to the common subset.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Repository provides SQL-backed session and execution storage.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a repository with existing database connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// initSchema creates the database tables if they don't exist
func (r *Repository) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			template_id TEXT NOT NULL,
			status TEXT NOT NULL,
			status_reason TEXT NOT NULL DEFAULT '',
			resources TEXT NOT NULL DEFAULT '{}',
			workspace_uri TEXT NOT NULL DEFAULT '',
			runtime_type TEXT NOT NULL DEFAULT 'local',
			runtime_node_id TEXT NOT NULL DEFAULT '',
			container_id TEXT NOT NULL DEFAULT '',
			executor_port INTEGER NOT NULL DEFAULT 0,
			env_vars TEXT NOT NULL DEFAULT '{}',
			timeout_seconds INTEGER NOT NULL DEFAULT 300,
			requested_dependencies TEXT NOT NULL DEFAULT '[]',
			installed_dependencies TEXT NOT NULL DEFAULT '[]',
			dependency_install_status TEXT NOT NULL DEFAULT 'COMPLETED',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_activity_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_updated ON sessions(status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_template ON sessions(template_id)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			code TEXT NOT NULL,
			language TEXT NOT NULL,
			timeout_seconds INTEGER NOT NULL DEFAULT 300,
			event TEXT NOT NULL DEFAULT 'null',
			env_vars TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			error_detail TEXT NOT NULL DEFAULT '',
			exit_code INTEGER,
			stdout TEXT NOT NULL DEFAULT '',
			stderr TEXT NOT NULL DEFAULT '',
			return_value TEXT NOT NULL DEFAULT 'null',
			metrics TEXT NOT NULL DEFAULT '{}',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_heartbeat_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_session_created ON executions(session_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status_updated ON executions(status, updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
