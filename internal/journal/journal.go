// Package journal keeps a local SQLite history of update runs and the
// patches each one applied.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/lanternops/gamepatch/internal/logging"
	"github.com/lanternops/gamepatch/internal/manifest"
	"github.com/lanternops/gamepatch/internal/updater"
)

var log = logging.L("journal")

// writeTimeout bounds each recorder write so a wedged database never stalls
// an update run.
const writeTimeout = 5 * time.Second

var migrations = []string{
	`CREATE TABLE runs (
		id            TEXT PRIMARY KEY,
		started_at    INTEGER NOT NULL,
		finished_at   INTEGER,
		local_start   INTEGER NOT NULL,
		remote        INTEGER NOT NULL DEFAULT 0,
		steps_applied INTEGER NOT NULL DEFAULT 0,
		outcome       TEXT NOT NULL DEFAULT 'running',
		error         TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE patches (
		run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		version     INTEGER NOT NULL,
		seq         INTEGER NOT NULL,
		local_file  TEXT NOT NULL,
		patch_file  TEXT NOT NULL,
		kind        TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		applied_at  INTEGER NOT NULL,
		PRIMARY KEY (run_id, version, seq)
	)`,
	`CREATE INDEX idx_runs_started ON runs(started_at DESC)`,
}

// Run is one row of the runs table.
type Run struct {
	ID           string    `yaml:"id"`
	StartedAt    time.Time `yaml:"startedAt"`
	FinishedAt   time.Time `yaml:"finishedAt,omitempty"`
	LocalStart   int       `yaml:"localStart"`
	Remote       int       `yaml:"remote"`
	StepsApplied int       `yaml:"stepsApplied"`
	Outcome      string    `yaml:"outcome"`
	Error        string    `yaml:"error,omitempty"`
}

// PatchRecord is one row of the patches table.
type PatchRecord struct {
	Version   int           `yaml:"version"`
	LocalFile string        `yaml:"localFile"`
	PatchFile string        `yaml:"patchFile"`
	Kind      string        `yaml:"kind"`
	Duration  time.Duration `yaml:"duration"`
	AppliedAt time.Time     `yaml:"appliedAt"`
}

// Journal implements updater.Recorder on top of SQLite.
type Journal struct {
	db *sql.DB
}

var _ updater.Recorder = (*Journal)(nil)

// Open opens (or creates) the journal database at path and applies pending
// migrations.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite takes pragmas as statements, not DSN params.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	j := &Journal{db: db}
	if err := j.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// migrate applies migrations newer than PRAGMA user_version.
func (j *Journal) migrate(ctx context.Context) error {
	var current int
	if err := j.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > len(migrations) {
		return fmt.Errorf("journal schema version %d is newer than supported %d", current, len(migrations))
	}

	for i := current; i < len(migrations); i++ {
		tx, err := j.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) exec(query string, args ...any) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := j.db.ExecContext(ctx, query, args...); err != nil {
		log.Warn("journal write failed", logging.KeyError, err)
	}
}

func (j *Journal) RunStarted(s *updater.Session) {
	j.exec(`INSERT INTO runs (id, started_at, local_start) VALUES (?, ?, ?)`,
		s.RunID, s.StartedAt.UnixMilli(), s.LocalAtStart)
}

func (j *Journal) PatchApplied(s *updater.Session, p manifest.Patch, elapsed time.Duration) {
	j.exec(`INSERT INTO patches (run_id, version, seq, local_file, patch_file, kind, duration_ms, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.RunID, s.Version, s.PatchIndex, p.LocalFile, p.PatchFile, p.Kind(),
		elapsed.Milliseconds(), time.Now().UnixMilli())
}

func (j *Journal) StepCompleted(s *updater.Session, _ int) {
	j.exec(`UPDATE runs SET steps_applied = ? WHERE id = ?`, s.Applied, s.RunID)
}

func (j *Journal) RunFinished(s *updater.Session, err error) {
	outcome, msg := "success", ""
	if err != nil {
		outcome, msg = s.Kind.String(), err.Error()
	}
	j.exec(`UPDATE runs SET finished_at = ?, remote = ?, steps_applied = ?, outcome = ?, error = ? WHERE id = ?`,
		time.Now().UnixMilli(), s.Remote, s.Applied, outcome, msg, s.RunID)
}

// Runs returns the most recent runs, newest first.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, local_start, remote, steps_applied, outcome, error
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.LocalStart, &r.Remote, &r.StepsApplied, &r.Outcome, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ErrRunNotFound is returned by Patches for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Patches returns the patches applied by one run, in application order.
func (j *Journal) Patches(ctx context.Context, runID string) ([]PatchRecord, error) {
	var exists int
	err := j.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT version, local_file, patch_file, kind, duration_ms, applied_at
		FROM patches WHERE run_id = ? ORDER BY version, seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query patches: %w", err)
	}
	defer rows.Close()

	var out []PatchRecord
	for rows.Next() {
		var (
			p       PatchRecord
			ms      int64
			applied int64
		)
		if err := rows.Scan(&p.Version, &p.LocalFile, &p.PatchFile, &p.Kind, &ms, &applied); err != nil {
			return nil, fmt.Errorf("scan patch: %w", err)
		}
		p.Duration = time.Duration(ms) * time.Millisecond
		p.AppliedAt = time.UnixMilli(applied)
		out = append(out, p)
	}
	return out, rows.Err()
}
