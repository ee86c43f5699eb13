package searchindex

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/sessionrelay/internal/transcript"
)

// scanBufferSize allows very long transcript lines during metadata extraction.
const scanBufferSize = 4 * 1024 * 1024

// RefreshStats reports one incremental refresh pass.
type RefreshStats struct {
	Scanned int `json:"scanned"`
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
	Removed int `json:"removed"`
}

// sessionMeta is what one transcript file contributes to the catalog.
type sessionMeta struct {
	sessionID    string
	encoded      string
	displayName  string
	projectPath  string
	summary      string
	filePath     string
	created      time.Time
	modified     time.Time
	sizeBytes    int64
	lineCount    int
	durationMs   int64
	hasDuration  bool
	hasSubagents bool
	isSubagent   bool
}

// Refresh walks the configured session directories and re-indexes files whose
// mtime or size changed since the last pass. Rows for files that no longer
// exist are removed.
func (ix *Index) Refresh(ctx context.Context) (RefreshStats, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var stats RefreshStats
	seen := make(map[string]bool)

	for _, root := range ix.opts.SessionDirs {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Missing roots and unreadable subtrees are not fatal.
				slog.Debug("index walk error", "path", path, "error", err)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
				return nil
			}

			isSubagent := underSubagentsDir(path)
			if isSubagent && !ix.opts.IncludeSubagents {
				return nil
			}

			seen[path] = true
			stats.Scanned++

			info, err := d.Info()
			if err != nil {
				return nil
			}
			changed, err := ix.fileChanged(ctx, path, info)
			if err != nil {
				return err
			}
			if !changed {
				stats.Skipped++
				return nil
			}

			meta, err := extractSessionMeta(path, info, isSubagent)
			if err != nil {
				slog.Warn("session file unreadable, skipping", "path", path, "error", err)
				return nil
			}
			if err := ix.upsertSession(ctx, meta, info); err != nil {
				return err
			}
			stats.Indexed++
			return nil
		})
		if err != nil {
			return stats, fmt.Errorf("refresh index: %w", err)
		}
	}

	removed, err := ix.removeVanished(ctx, seen)
	if err != nil {
		return stats, err
	}
	stats.Removed = removed

	if err := ix.pruneProjects(ctx); err != nil {
		return stats, err
	}

	ix.setMetadata(metaLastRefresh, time.Now().UTC().Format(time.RFC3339))
	slog.Info("index refresh complete",
		"scanned", stats.Scanned, "indexed", stats.Indexed,
		"skipped", stats.Skipped, "removed", stats.Removed)
	return stats, nil
}

// fileChanged compares the observed mtime and size to the stored ones.
func (ix *Index) fileChanged(ctx context.Context, path string, info fs.FileInfo) (bool, error) {
	var mtime, size int64
	err := ix.db.QueryRowContext(ctx,
		`SELECT mtime_ns, size_bytes FROM file_mtimes WHERE file_path = ?`, path,
	).Scan(&mtime, &size)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read file mtime: %w", err)
	}
	return mtime != info.ModTime().UnixNano() || size != info.Size(), nil
}

func (ix *Index) upsertSession(ctx context.Context, meta sessionMeta, info fs.FileInfo) error {
	return executeWithRetry(func() error {
		tx, err := ix.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin index write: %w", err)
		}
		defer tx.Rollback()

		var duration interface{}
		if meta.hasDuration {
			duration = meta.durationMs
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO sessions
			 (session_id, project_encoded, project_display_name, project_path, summary,
			  file_path, file_created_at, file_modified_at, indexed_at,
			  size_bytes, line_count, duration_ms, has_subagents, is_subagent)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			meta.sessionID, meta.encoded, meta.displayName, meta.projectPath, meta.summary,
			meta.filePath, meta.created.UnixMilli(), meta.modified.UnixMilli(), time.Now().UnixMilli(),
			meta.sizeBytes, meta.lineCount, duration, boolToInt(meta.hasSubagents), boolToInt(meta.isSubagent),
		)
		if err != nil {
			return fmt.Errorf("upsert session row: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO file_mtimes (file_path, mtime_ns, size_bytes) VALUES (?, ?, ?)
			 ON CONFLICT(file_path) DO UPDATE SET mtime_ns = excluded.mtime_ns, size_bytes = excluded.size_bytes`,
			meta.filePath, info.ModTime().UnixNano(), info.Size(),
		)
		if err != nil {
			return fmt.Errorf("upsert file mtime: %w", err)
		}
		return tx.Commit()
	})
}

// removeVanished drops rows for files the walk no longer found.
func (ix *Index) removeVanished(ctx context.Context, seen map[string]bool) (int, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT file_path FROM sessions`)
	if err != nil {
		return 0, fmt.Errorf("list indexed files: %w", err)
	}
	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err == nil && !seen[path] {
			stale = append(stale, path)
		}
	}
	rows.Close()

	for _, path := range stale {
		err := executeWithRetry(func() error {
			if _, err := ix.db.ExecContext(ctx, `DELETE FROM sessions WHERE file_path = ?`, path); err != nil {
				return err
			}
			_, err := ix.db.ExecContext(ctx, `DELETE FROM file_mtimes WHERE file_path = ?`, path)
			return err
		})
		if err != nil {
			return len(stale), fmt.Errorf("remove vanished session: %w", err)
		}
	}
	return len(stale), nil
}

// pruneProjects enforces the per-project session cap, dropping the oldest.
func (ix *Index) pruneProjects(ctx context.Context) error {
	limit := ix.opts.MaxSessionsPerProject
	if limit <= 0 {
		return nil
	}
	return executeWithRetry(func() error {
		_, err := ix.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE rowid IN (
				SELECT rowid FROM (
					SELECT rowid, ROW_NUMBER() OVER (
						PARTITION BY project_encoded ORDER BY file_modified_at DESC
					) AS rank FROM sessions
				) WHERE rank > ?
			)`, limit)
		if err != nil {
			return fmt.Errorf("prune project sessions: %w", err)
		}
		return nil
	})
}

// extractSessionMeta reads just enough of a transcript to index it: the first
// summary line, the line count and the total turn duration.
func extractSessionMeta(path string, info fs.FileInfo, isSubagent bool) (sessionMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return sessionMeta{}, err
	}
	defer f.Close()

	meta := sessionMeta{
		sessionID:  strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		filePath:   path,
		modified:   info.ModTime(),
		sizeBytes:  info.Size(),
		isSubagent: isSubagent,
	}
	meta.encoded = filepath.Base(filepath.Dir(path))
	if isSubagent {
		// subagent transcripts live one level below the project directory.
		meta.encoded = filepath.Base(filepath.Dir(filepath.Dir(path)))
	}
	meta.projectPath = DecodeProjectPath(meta.encoded)
	meta.displayName = filepath.Base(meta.projectPath)
	meta.hasSubagents = dirExists(filepath.Join(filepath.Dir(path), "subagents"))

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		meta.lineCount++
		rec := transcript.ParseRecord(line)
		if rec == nil {
			continue
		}
		if rec.Type == "summary" && meta.summary == "" {
			meta.summary = rec.Summary
		}
		if rec.Type == "system" && rec.Subtype == "turn_duration" && rec.DurationMs != nil {
			meta.durationMs += *rec.DurationMs
			meta.hasDuration = true
		}
		if meta.created.IsZero() && rec.Timestamp != "" {
			if t, terr := time.Parse(time.RFC3339, rec.Timestamp); terr == nil {
				meta.created = t
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return sessionMeta{}, err
	}
	if meta.created.IsZero() {
		meta.created = info.ModTime()
	}
	return meta, nil
}

// DecodeProjectPath turns an encoded project directory name back into a
// filesystem path: dashes become separators, a leading dash marks the root.
func DecodeProjectPath(encoded string) string {
	if encoded == "" {
		return ""
	}
	if strings.HasPrefix(encoded, "-") {
		return "/" + strings.ReplaceAll(encoded[1:], "-", "/")
	}
	return strings.ReplaceAll(encoded, "-", "/")
}

func underSubagentsDir(path string) bool {
	return strings.Contains(filepath.ToSlash(path), "/subagents/")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
