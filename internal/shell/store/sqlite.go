package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", ErrConnectionFailed, err)
	}
	// Every connection to :memory: opens a fresh database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", ErrConnectionFailed, err)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", ErrMigrationFailed, err)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Resource Operations
// =============================================================================

// resourceRow represents a resource row in the database.
type resourceRow struct {
	Deployment  string `db:"deployment"`
	LogicalID   string `db:"logical_id"`
	Kind        string `db:"kind"`
	Fingerprint string `db:"fingerprint"`
	Payload     string `db:"payload"`
	UpdatedAt   string `db:"updated_at"`
}

func (s *SQLiteStore) GetResource(ctx context.Context, deployment, logicalID string) (*Resource, error) {
	query := `SELECT * FROM resources WHERE deployment = ? AND logical_id = ?`

	var row resourceRow
	err := s.db.GetContext(ctx, &row, query, deployment, logicalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetResource", recordResource, deployment+"/"+logicalID, ErrNotFound, nil)
		}
		return nil, NewStoreError("GetResource", recordResource, deployment+"/"+logicalID, nil, err)
	}

	return rowToResource(&row), nil
}

// PutResource inserts the resource or replaces the record with the same
// deployment and logical ID.
func (s *SQLiteStore) PutResource(ctx context.Context, resource *Resource) error {
	id := resource.Deployment + "/" + resource.LogicalID
	if resource.Deployment == "" || resource.LogicalID == "" {
		return NewStoreError("PutResource", recordResource, id, ErrInvalidRecord, nil)
	}
	if len(resource.Payload) == 0 {
		resource.Payload = []byte("null")
	}
	if resource.UpdatedAt.IsZero() {
		resource.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO resources (deployment, logical_id, kind, fingerprint, payload, updated_at)
		VALUES (:deployment, :logical_id, :kind, :fingerprint, :payload, :updated_at)
		ON CONFLICT (deployment, logical_id) DO UPDATE SET
			kind = excluded.kind,
			fingerprint = excluded.fingerprint,
			payload = excluded.payload,
			updated_at = excluded.updated_at`

	row := map[string]any{
		"deployment":  resource.Deployment,
		"logical_id":  resource.LogicalID,
		"kind":        resource.Kind,
		"fingerprint": resource.Fingerprint,
		"payload":     string(resource.Payload),
		"updated_at":  resource.UpdatedAt.Format(time.RFC3339),
	}

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("PutResource", recordResource, id, nil, err)
	}
	return nil
}

func (s *SQLiteStore) ListResources(ctx context.Context, deployment string) ([]Resource, error) {
	query := `SELECT * FROM resources WHERE deployment = ? ORDER BY rowid`

	var rows []resourceRow
	if err := s.db.SelectContext(ctx, &rows, query, deployment); err != nil {
		return nil, NewStoreError("ListResources", recordResource, deployment, nil, err)
	}

	resources := make([]Resource, 0, len(rows))
	for i := range rows {
		resources = append(resources, *rowToResource(&rows[i]))
	}
	return resources, nil
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID         string  `db:"id"`
	Deployment string  `db:"deployment"`
	Status     string  `db:"status"`
	Stage      string  `db:"stage"`
	Error      *string `db:"error"`
	StartedAt  string  `db:"started_at"`
	FinishedAt *string `db:"finished_at"`
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO runs (id, deployment, status, stage, error, started_at, finished_at)
		VALUES (:id, :deployment, :status, :stage, :error, :started_at, :finished_at)`

	_, err := s.db.NamedExecContext(ctx, query, runToRow(run))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewStoreError("CreateRun", recordRun, run.ID, ErrDuplicateRun, nil)
		}
		return NewStoreError("CreateRun", recordRun, run.ID, nil, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *Run) error {
	query := `
		UPDATE runs SET
			status = :status,
			stage = :stage,
			error = :error,
			finished_at = :finished_at
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, query, runToRow(run))
	if err != nil {
		return NewStoreError("UpdateRun", recordRun, run.ID, nil, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return NewStoreError("UpdateRun", recordRun, run.ID, nil, err)
	}
	if rows == 0 {
		return NewStoreError("UpdateRun", recordRun, run.ID, ErrNotFound, nil)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT * FROM runs WHERE id = ?`

	var row runRow
	err := s.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", recordRun, id, ErrNotFound, nil)
		}
		return nil, NewStoreError("GetRun", recordRun, id, nil, err)
	}

	return rowToRun(&row), nil
}

// ListRuns returns the runs of a deployment, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, deployment string, opts ListOptions) ([]Run, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM runs WHERE deployment = ? ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, deployment, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListRuns", recordRun, deployment, nil, err)
	}

	runs := make([]Run, 0, len(rows))
	for i := range rows {
		runs = append(runs, *rowToRun(&rows[i]))
	}
	return runs, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

// rowToResource converts a database row to a Resource.
func rowToResource(row *resourceRow) *Resource {
	updatedAt, _ := time.Parse(time.RFC3339, row.UpdatedAt)
	return &Resource{
		Deployment:  row.Deployment,
		LogicalID:   row.LogicalID,
		Kind:        row.Kind,
		Fingerprint: row.Fingerprint,
		Payload:     []byte(row.Payload),
		UpdatedAt:   updatedAt,
	}
}

func runToRow(run *Run) map[string]any {
	var errMsg, finishedAt *string
	if run.Error != "" {
		errMsg = &run.Error
	}
	if run.FinishedAt != nil {
		f := run.FinishedAt.Format(time.RFC3339)
		finishedAt = &f
	}
	stage := run.Stage
	if stage == "" {
		stage = "uninitialized"
	}
	return map[string]any{
		"id":          run.ID,
		"deployment":  run.Deployment,
		"status":      string(run.Status),
		"stage":       stage,
		"error":       errMsg,
		"started_at":  run.StartedAt.Format(time.RFC3339),
		"finished_at": finishedAt,
	}
}

// rowToRun converts a database row to a Run.
func rowToRun(row *runRow) *Run {
	startedAt, _ := time.Parse(time.RFC3339, row.StartedAt)

	run := &Run{
		ID:         row.ID,
		Deployment: row.Deployment,
		Status:     RunStatus(row.Status),
		Stage:      row.Stage,
		StartedAt:  startedAt,
	}
	if row.Error != nil {
		run.Error = *row.Error
	}
	if row.FinishedAt != nil && *row.FinishedAt != "" {
		t, _ := time.Parse(time.RFC3339, *row.FinishedAt)
		run.FinishedAt = &t
	}
	return run
}
