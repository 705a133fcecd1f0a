package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cherve/cherve/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

// Journal is the SQLite run journal: runs, their steps, and an audit trail
// of record mutations.
type Journal struct {
	db   *sqlx.DB
	path string
}

// Config holds journal configuration.
type Config struct {
	Path string
}

// NewJournal creates a journal for the database at cfg.Path. Call Init and
// Migrate before use, or use Open.
func NewJournal(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &Journal{path: cfg.Path}, nil
}

// Open creates, initializes and migrates the journal at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	j, err := NewJournal(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := j.Init(ctx); err != nil {
		return nil, err
	}
	if err := j.Migrate(ctx); err != nil {
		_ = j.Close()
		return nil, err
	}
	return j, nil
}

// Init opens the database connection and enables WAL mode.
func (j *Journal) Init(ctx context.Context) error {
	dsn := j.path
	if j.path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(j.path), 0700); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
		dsn = "file:" + j.path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// One writer per process; an in-memory database also lives on a
	// single connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	j.db = db
	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (j *Journal) Migrate(_ context.Context) error {
	if j.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(j.db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (j *Journal) HealthCheck(ctx context.Context) error {
	if j.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return j.db.PingContext(ctx)
}

// StartRun records a new running run. An empty id gets a fresh UUID.
func (j *Journal) StartRun(ctx context.Context, id, command, site string) (*Run, error) {
	if id == "" {
		id = uuid.New().String()
	}
	run := &Run{
		ID:        id,
		Command:   command,
		Site:      site,
		Status:    engine.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO runs (id, command, site, status, started_at)
		VALUES (:id, :command, :site, :status, :started_at)
	`, run)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// FinishRun marks a run terminal. runErr, when set, is stored as the run's
// error message.
func (j *Journal) FinishRun(ctx context.Context, id string, status engine.RunStatus, runErr error) error {
	if !status.IsTerminal() {
		return fmt.Errorf("run status %s is not terminal", status)
	}

	var msg *string
	if runErr != nil {
		s := runErr.Error()
		msg = &s
	}

	result, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, msg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return requireRow(result, "run", id)
}

// GetRun retrieves a run by ID.
func (j *Journal) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	err := j.db.GetContext(ctx, run,
		`SELECT id, command, site, status, started_at, finished_at, error FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the newest runs first, optionally only those for site.
func (j *Journal) ListRuns(ctx context.Context, site string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	runs := []*Run{}
	err := j.db.SelectContext(ctx, &runs, `
		SELECT id, command, site, status, started_at, finished_at, error
		FROM runs
		WHERE (? = '' OR site = ?)
		ORDER BY started_at DESC
		LIMIT ?
	`, site, site, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// RecordStep appends a step to a run. It implements engine.StepRecorder.
func (j *Journal) RecordStep(ctx context.Context, runID string, step engine.StepRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO steps (run_id, name, status, duration_ms, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, step.Name, step.Status, step.Duration.Milliseconds(), engine.Tail(step.Detail, 4096), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record step %s: %w", step.Name, err)
	}
	return nil
}

// Steps returns a run's steps in recording order.
func (j *Journal) Steps(ctx context.Context, runID string) ([]*Step, error) {
	steps := []*Step{}
	err := j.db.SelectContext(ctx, &steps, `
		SELECT id, run_id, name, status, duration_ms, detail, recorded_at
		FROM steps
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return steps, nil
}

// Audit appends an audit entry. ID and At are filled when empty.
func (j *Journal) Audit(ctx context.Context, entry *AuditEntry) error {
	if entry.Entity == "" || entry.EntityID == "" || entry.Action == "" {
		return fmt.Errorf("audit entry needs entity, entity id and action")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO audit (id, run_id, entity, entity_id, action, detail, at)
		VALUES (:id, :run_id, :entity, :entity_id, :action, :detail, :at)
	`, entry)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries newest first. Empty filters match all.
func (j *Journal) ListAudit(ctx context.Context, entity, entityID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries := []*AuditEntry{}
	err := j.db.SelectContext(ctx, &entries, `
		SELECT id, run_id, entity, entity_id, action, detail, at
		FROM audit
		WHERE (? = '' OR entity = ?)
		  AND (? = '' OR entity_id = ?)
		ORDER BY at DESC, rowid DESC
		LIMIT ?
	`, entity, entity, entityID, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// Prune deletes finished runs (and their steps) older than cutoff.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx,
		`DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return result.RowsAffected()
}

func requireRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError("%s %s not found", kind, id)
	}
	return nil
}
