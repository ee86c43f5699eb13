// Package watcher observes session transcript files for appends and
// deletions and signals the session runtime. It never parses file content.
package watcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces bursts of write events into one change signal.
const debounceDelay = 100 * time.Millisecond

// Watcher multiplexes one fsnotify instance across all watched sessions.
// Parent directories are watched too so a recreated file is picked up on
// platforms that drop the inode watch.
type Watcher struct {
	fsw       *fsnotify.Watcher
	onChange  func(sessionID string)
	onDeleted func(sessionID string)

	mu       sync.Mutex
	byPath   map[string]string // cleaned path -> session id
	dirRefs  map[string]int
	pending  map[string]*time.Timer // session id -> debounce timer
	started  bool
	stopped  bool
	done     chan struct{}
}

// New creates a watcher. Callbacks run on the watcher goroutine and must not
// block for long; the session runtime hands work off to its own loop.
func New(onChange, onDeleted func(sessionID string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsw:       fsw,
		onChange:  onChange,
		onDeleted: onDeleted,
		byPath:    make(map[string]string),
		dirRefs:   make(map[string]int),
		pending:   make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}, nil
}

// Start begins dispatching events. Idempotent.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.loop()
}

// Stop closes the watcher and cancels pending debounce timers.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	for id, t := range w.pending {
		t.Stop()
		delete(w.pending, id)
	}
	w.mu.Unlock()

	w.fsw.Close()
	if started {
		<-w.done
	}
}

// Add registers a session file. The file itself and its parent directory are
// both watched.
func (w *Watcher) Add(sessionID, path string) error {
	clean := filepath.Clean(path)
	dir := filepath.Dir(clean)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return fmt.Errorf("watcher stopped")
	}
	if _, exists := w.byPath[clean]; exists {
		return nil
	}

	if err := w.fsw.Add(clean); err != nil {
		return fmt.Errorf("watch %s: %w", clean, err)
	}
	if w.dirRefs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			slog.Warn("failed to watch parent directory", "dir", dir, "error", err)
		}
	}
	w.dirRefs[dir]++
	w.byPath[clean] = sessionID
	return nil
}

// Remove unregisters a session file.
func (w *Watcher) Remove(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, id := range w.byPath {
		if id != sessionID {
			continue
		}
		delete(w.byPath, path)
		_ = w.fsw.Remove(path)
		dir := filepath.Dir(path)
		w.dirRefs[dir]--
		if w.dirRefs[dir] <= 0 {
			delete(w.dirRefs, dir)
			_ = w.fsw.Remove(dir)
		}
		if t, ok := w.pending[sessionID]; ok {
			t.Stop()
			delete(w.pending, sessionID)
		}
	}
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	clean := filepath.Clean(ev.Name)

	w.mu.Lock()
	sessionID, watched := w.byPath[clean]
	w.mu.Unlock()
	if !watched {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		w.mu.Lock()
		if t, ok := w.pending[sessionID]; ok {
			t.Stop()
			delete(w.pending, sessionID)
		}
		w.mu.Unlock()
		slog.Info("session file deleted", "session_id", sessionID, "path", clean)
		w.onDeleted(sessionID)
	case ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create):
		w.signalChange(sessionID)
	}
}

// signalChange arms (or re-arms) the session's debounce timer.
func (w *Watcher) signalChange(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.pending[sessionID]; ok {
		t.Stop()
	}
	w.pending[sessionID] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.pending, sessionID)
		stopped := w.stopped
		w.mu.Unlock()
		if !stopped {
			w.onChange(sessionID)
		}
	})
}
