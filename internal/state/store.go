// Package state persists per-session resume points so watching can restart
// from the last processed byte after a crash or redeploy.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/sessionrelay/internal/transcript"
)

// SessionState is the persisted resume point for one watched session.
type SessionState struct {
	FilePosition      int64              `json:"file_position"`
	LineNumber        int                `json:"line_number"`
	ProcessingContext transcript.Context `json:"processing_context"`
	LastModified      time.Time          `json:"last_modified"`
}

// Store reads and writes state files under a single directory, one JSON file
// per sanitized session id.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is created lazily on
// first save.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Load returns the persisted state, or nil when the file is missing or
// corrupt. Corruption is non-fatal: the caller resumes from a fresh context.
func (s *Store) Load(sessionID string) *SessionState {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		return nil
	}
	var st SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil
	}
	return &st
}

// Save writes the state atomically: temp file in the same directory, sync,
// rename.
func (s *Store) Save(sessionID string, st *SessionState) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmpFile, err := os.CreateTemp(s.dir, "state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.path(sessionID)); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	cleanup = false
	return nil
}

// Delete removes the state file. Missing files are fine.
func (s *Store) Delete(sessionID string) error {
	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, SanitizeID(sessionID)+".json")
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
var repeatedUnderscores = regexp.MustCompile(`_+`)

// SanitizeID makes a session id safe to use as a filename: unsafe characters
// become underscores, runs collapse, and a leading dot is stripped.
func SanitizeID(sessionID string) string {
	out := unsafeChars.ReplaceAllString(sessionID, "_")
	out = repeatedUnderscores.ReplaceAllString(out, "_")
	out = strings.TrimLeft(out, ".")
	if out == "" {
		out = "_"
	}
	return out
}
