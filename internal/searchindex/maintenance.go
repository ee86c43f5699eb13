package searchindex

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// backupPrefix names backup files; rotation matches on it.
const backupPrefix = "search-"

// Backup writes an online copy of the database into dir and removes all but
// the keep newest generations. keep <= 0 keeps everything.
func (ix *Index) Backup(ctx context.Context, dir string, keep int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	dest := filepath.Join(dir, backupPrefix+time.Now().Format("20060102-150405")+".db")
	err := executeWithRetry(func() error {
		_, err := ix.db.ExecContext(ctx, `VACUUM INTO ?`, dest)
		return err
	})
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("backup database: %w", err)
	}

	if err := rotateBackups(dir, keep); err != nil {
		slog.Warn("backup rotation failed", "dir", dir, "error", err)
	}
	slog.Info("search database backed up", "path", dest)
	return dest, nil
}

// rotateBackups removes all but the keep newest backup files.
func rotateBackups(dir string, keep int) error {
	if keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), ".db") {
			backups = append(backups, e.Name())
		}
	}
	if len(backups) <= keep {
		return nil
	}

	// Timestamped names sort chronologically.
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// Vacuum reclaims free pages via incremental vacuum.
func (ix *Index) Vacuum(ctx context.Context) error {
	err := executeWithRetry(func() error {
		_, err := ix.db.ExecContext(ctx, `PRAGMA incremental_vacuum`)
		return err
	})
	if err != nil {
		return fmt.Errorf("vacuum database: %w", err)
	}
	return nil
}

// Checkpoint truncates the write-ahead log.
func (ix *Index) Checkpoint(ctx context.Context) error {
	err := executeWithRetry(func() error {
		_, err := ix.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
		return err
	})
	if err != nil {
		return fmt.Errorf("checkpoint database: %w", err)
	}
	return nil
}

// VerifyIntegrity runs the SQLite integrity check.
func (ix *Index) VerifyIntegrity(ctx context.Context) error {
	var result string
	if err := ix.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}
