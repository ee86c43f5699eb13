// Package searchindex maintains the SQLite catalog of session transcripts:
// an incremental mtime-driven scan, full-text or substring search with a
// deterministic ranking formula, and database maintenance.
package searchindex

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Options configures the index store and scanner.
type Options struct {
	// Path is the database file location.
	Path string
	// SessionDirs are the roots scanned for .jsonl transcripts.
	SessionDirs []string
	// IncludeSubagents indexes transcripts found under subagents directories.
	IncludeSubagents bool
	// MaxSessionsPerProject prunes the oldest sessions of a project beyond
	// this count. Zero keeps everything.
	MaxSessionsPerProject int
}

// Index is the SQLite-backed session catalog. Reads may run concurrently;
// writes are serialized internally and retried on busy locks.
type Index struct {
	db   *sql.DB
	path string
	opts Options

	mu         sync.Mutex // serializes writers
	ftsEnabled bool
}

// metadata keys.
const (
	metaFTSWarning  = "fts_warning"
	metaLastRefresh = "last_refresh"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id           TEXT PRIMARY KEY,
		project_encoded      TEXT NOT NULL,
		project_display_name TEXT NOT NULL,
		project_path         TEXT NOT NULL,
		summary              TEXT,
		file_path            TEXT NOT NULL UNIQUE,
		file_created_at      INTEGER NOT NULL,
		file_modified_at     INTEGER NOT NULL,
		indexed_at           INTEGER NOT NULL,
		size_bytes           INTEGER NOT NULL,
		line_count           INTEGER NOT NULL,
		duration_ms          INTEGER,
		has_subagents        INTEGER NOT NULL DEFAULT 0,
		is_subagent          INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_encoded)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_modified ON sessions(file_modified_at)`,

	`CREATE TABLE IF NOT EXISTS file_mtimes (
		file_path  TEXT PRIMARY KEY,
		mtime_ns   INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS index_metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// ftsSchema is applied only when the driver supports FTS5. The virtual table
// mirrors the sessions table in content-sync mode via triggers.
var ftsSchema = []string{
	`CREATE VIRTUAL TABLE IF NOT EXISTS sessions_fts USING fts5(
		summary, project_display_name,
		content='sessions', content_rowid='rowid'
	)`,
	`CREATE TRIGGER IF NOT EXISTS sessions_fts_ai AFTER INSERT ON sessions BEGIN
		INSERT INTO sessions_fts(rowid, summary, project_display_name)
		VALUES (new.rowid, new.summary, new.project_display_name);
	END`,
	`CREATE TRIGGER IF NOT EXISTS sessions_fts_ad AFTER DELETE ON sessions BEGIN
		INSERT INTO sessions_fts(sessions_fts, rowid, summary, project_display_name)
		VALUES ('delete', old.rowid, old.summary, old.project_display_name);
	END`,
	`CREATE TRIGGER IF NOT EXISTS sessions_fts_au AFTER UPDATE ON sessions BEGIN
		INSERT INTO sessions_fts(sessions_fts, rowid, summary, project_display_name)
		VALUES ('delete', old.rowid, old.summary, old.project_display_name);
		INSERT INTO sessions_fts(rowid, summary, project_display_name)
		VALUES (new.rowid, new.summary, new.project_display_name);
	END`,
}

// Open opens (or creates) the index database and ensures the schema exists.
func Open(opts Options) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	// auto_vacuum must be set before the first table is created for
	// incremental vacuum to be available later.
	dsn := opts.Path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=auto_vacuum(incremental)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open search database: %w", err)
	}

	ix := &Index{db: db, path: opts.Path, opts: opts}
	if err := ix.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return ix, nil
}

// SafeInitialize opens the database, and on a failed integrity check renames
// the corrupt file aside (.corrupt suffix), removes WAL/SHM companions and
// re-initializes a fresh database.
func SafeInitialize(opts Options) (*Index, error) {
	ix, err := Open(opts)
	if err == nil {
		verr := ix.VerifyIntegrity(context.Background())
		if verr == nil {
			return ix, nil
		}
		slog.Error("search database failed integrity check, recovering", "path", opts.Path, "error", verr)
		ix.Close()
	} else {
		slog.Error("search database unreadable, recovering", "path", opts.Path, "error", err)
	}

	if err := quarantineDatabase(opts.Path); err != nil {
		return nil, err
	}
	ix, err = Open(opts)
	if err != nil {
		return nil, fmt.Errorf("re-initialize search database: %w", err)
	}
	return ix, nil
}

// quarantineDatabase moves a damaged database file aside and removes its
// WAL/SHM companions.
func quarantineDatabase(path string) error {
	corrupt := path + ".corrupt"
	if err := os.Rename(path, corrupt); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("quarantine corrupt database: %w", err)
	}
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")
	slog.Warn("corrupt search database moved aside", "path", corrupt)
	return nil
}

func (ix *Index) initSchema() error {
	for _, stmt := range schema {
		if _, err := ix.db.Exec(stmt); err != nil {
			return fmt.Errorf("create index schema: %w", err)
		}
	}

	// Probe FTS5 by creating the virtual table. Search falls back to
	// substring matching when the module is unavailable.
	ix.ftsEnabled = true
	for _, stmt := range ftsSchema {
		if _, err := ix.db.Exec(stmt); err != nil {
			ix.ftsEnabled = false
			slog.Warn("fts5 unavailable, falling back to substring search", "error", err)
			ix.setMetadata(metaFTSWarning, fmt.Sprintf("fts5 unavailable: %v", err))
			break
		}
	}
	return nil
}

// FTSEnabled reports whether full-text search is active.
func (ix *Index) FTSEnabled() bool {
	return ix.ftsEnabled
}

// Close closes the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

func (ix *Index) setMetadata(key, value string) {
	_, err := ix.db.Exec(
		`INSERT INTO index_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		slog.Warn("write index metadata failed", "key", key, "error", err)
	}
}

func (ix *Index) metadata(key string) string {
	var value string
	if err := ix.db.QueryRow(`SELECT value FROM index_metadata WHERE key = ?`, key).Scan(&value); err != nil {
		return ""
	}
	return value
}

// Stats summarizes the index for health reporting.
type Stats struct {
	Sessions    int       `json:"sessions"`
	Projects    int       `json:"projects"`
	FTSEnabled  bool      `json:"fts_enabled"`
	LastRefresh time.Time `json:"last_refresh"`
}

// Stats returns session and project counts plus the last refresh time.
func (ix *Index) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	st.FTSEnabled = ix.ftsEnabled

	err := ix.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT project_encoded) FROM sessions`,
	).Scan(&st.Sessions, &st.Projects)
	if err != nil {
		return Stats{}, fmt.Errorf("index stats: %w", err)
	}

	if raw := ix.metadata(metaLastRefresh); raw != "" {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			st.LastRefresh = t
		}
	}
	return st, nil
}

// executeWithRetry runs fn with bounded retries on busy-lock errors,
// backing off exponentially between attempts.
func executeWithRetry(fn func() error) error {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(100<<i) * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "database is locked") || strings.Contains(s, "busy")
}
