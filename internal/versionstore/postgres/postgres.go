// Package postgres provides a PostgreSQL-backed version store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/canopysync/canopy/internal/logging"
	"github.com/canopysync/canopy/internal/metrics"
	"github.com/canopysync/canopy/internal/protocol"
	"github.com/canopysync/canopy/internal/versionstore"
)

// Store is a PostgreSQL version store.
type Store struct {
	db        *sql.DB
	retention int
}

// New creates a new PostgreSQL version store retaining the given number of
// historical versions per project.
func New(databaseURL string, retention int) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if retention < 1 {
		retention = 1
	}
	return &Store{db: db, retention: retention}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs SQL migration files.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// Get returns the current project state. Unknown projects yield a
// zero-valued Project.
func (s *Store) Get(ctx context.Context, projectID string) (*versionstore.Project, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_project", time.Since(start)) }()

	p := &versionstore.Project{ID: projectID}
	err := s.db.QueryRowContext(ctx,
		`SELECT version, snapshot, marker FROM projects WHERE id = $1`,
		projectID,
	).Scan(&p.Version, &p.Snapshot, &p.Marker)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", projectID, err)
	}
	return p, nil
}

// MarkerAt returns the marker recorded at version.
func (s *Store) MarkerAt(ctx context.Context, projectID string, version int64) ([]byte, error) {
	if version == 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() { metrics.RecordDBQuery("marker_at", time.Since(start)) }()

	var marker []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT marker FROM project_history WHERE project_id = $1 AND version = $2`,
		projectID, version,
	).Scan(&marker)
	if err == sql.ErrNoRows {
		return nil, protocol.NotFound("version history")
	}
	if err != nil {
		return nil, fmt.Errorf("marker at %s@%d: %w", projectID, version, err)
	}
	return marker, nil
}

// CompareAndSwap installs a new snapshot if the version still matches,
// appends the marker to history, and purges rows past the retention limit.
// Single attempt: a lost race returns ErrStaleVersion.
func (s *Store) CompareAndSwap(ctx context.Context, projectID string, expected int64, snapshot, marker []byte) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("compare_and_swap", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO projects (id, version) VALUES ($1, 0) ON CONFLICT (id) DO NOTHING`,
		projectID,
	); err != nil {
		return 0, fmt.Errorf("ensure project %s: %w", projectID, err)
	}

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT version FROM projects WHERE id = $1 FOR UPDATE`,
		projectID,
	).Scan(&current); err != nil {
		return 0, fmt.Errorf("lock project %s: %w", projectID, err)
	}

	if current != expected {
		return 0, versionstore.ErrStaleVersion
	}

	newVersion := current + 1
	if _, err := tx.ExecContext(ctx,
		`UPDATE projects SET version = $2, snapshot = $3, marker = $4, updated_at = now() WHERE id = $1`,
		projectID, newVersion, snapshot, marker,
	); err != nil {
		return 0, fmt.Errorf("update project %s: %w", projectID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO project_history (project_id, version, marker) VALUES ($1, $2, $3)`,
		projectID, newVersion, marker,
	); err != nil {
		return 0, fmt.Errorf("append history %s@%d: %w", projectID, newVersion, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM project_history WHERE project_id = $1 AND version <= $2`,
		projectID, newVersion-int64(s.retention),
	); err != nil {
		return 0, fmt.Errorf("purge history %s: %w", projectID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return newVersion, nil
}
