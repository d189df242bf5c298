// Package journal keeps a SQLite history of provisioning runs.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/dorcha-inc/envprov/internal/provision"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultListLimit is how many runs List returns when no limit is given
const DefaultListLimit = 20

// Entry is one recorded run
type Entry struct {
	RunID      string                  `json:"run_id"`
	Command    string                  `json:"command"`
	Manifest   string                  `json:"manifest"`
	Kind       provision.Kind          `json:"kind"`
	Stage      provision.State         `json:"stage"`
	Subject    string                  `json:"subject,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
	Cause      string                  `json:"cause,omitempty"`
	Detail     string                  `json:"detail,omitempty"`
	ExitCode   int                     `json:"exit_code"`
	Tools      []provision.ToolOutcome `json:"tools,omitempty"`
	Verified   []string                `json:"verified,omitempty"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
}

// Journal is the run history store
type Journal struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the journal at path and migrates it
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}

	// #nosec G301 -- journal directory permissions 0755 are acceptable for the envprov home
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// one writer per process is all a CLI run needs
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	j := &Journal{db: db, path: path}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	zap.L().Debug("Opened run journal", zap.String("path", path))
	return j, nil
}

func (j *Journal) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(j.db, &sqlite.Config{})
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

// Close closes the journal
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Record appends a terminal result
func (j *Journal) Record(ctx context.Context, command, manifestPath string, result *provision.Result) error {
	tools, err := json.Marshal(emptyIfNil(result.Tools))
	if err != nil {
		return fmt.Errorf("failed to encode tool outcomes: %w", err)
	}
	verified, err := json.Marshal(emptyIfNil(result.Verified))
	if err != nil {
		return fmt.Errorf("failed to encode verified artifacts: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, command, manifest, kind, stage, subject, reason, cause, detail,
			exit_code, tools, verified, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID, command, manifestPath,
		string(result.Kind), string(result.Stage),
		result.Subject, result.Reason, string(result.Cause), result.Detail,
		result.ExitCode(), string(tools), string(verified),
		result.StartedAt.UnixMilli(), result.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", result.RunID, err)
	}
	return nil
}

// List returns the most recent runs, newest first
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, command, manifest, kind, stage, subject, reason, cause, detail,
			exit_code, tools, verified, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e                   Entry
			kind, stage         string
			tools, verified     string
			startedMs, finishMs int64
		)
		if err := rows.Scan(&e.RunID, &e.Command, &e.Manifest, &kind, &stage, &e.Subject, &e.Reason,
			&e.Cause, &e.Detail, &e.ExitCode, &tools, &verified, &startedMs, &finishMs); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		e.Kind = provision.Kind(kind)
		e.Stage = provision.State(stage)
		e.StartedAt = time.UnixMilli(startedMs)
		e.FinishedAt = time.UnixMilli(finishMs)
		if err := json.Unmarshal([]byte(tools), &e.Tools); err != nil {
			return nil, fmt.Errorf("failed to decode tool outcomes of run %s: %w", e.RunID, err)
		}
		if err := json.Unmarshal([]byte(verified), &e.Verified); err != nil {
			return nil, fmt.Errorf("failed to decode verified artifacts of run %s: %w", e.RunID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return entries, nil
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
