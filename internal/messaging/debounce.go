package messaging

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Platform edit delays, roughly half of each platform's published rate
// budget so a busy session never trips the limiter.
const (
	TelegramDebounce = 500 * time.Millisecond
	SlackDebounce    = 2 * time.Second
)

// UpdateFunc performs the actual platform edit with the latest content.
type UpdateFunc func(content Content) error

type pendingUpdate struct {
	timer   *time.Timer
	fn      UpdateFunc
	content Content
}

// Debouncer keeps at most one pending edit per (destination, message) key.
// Scheduling again before the timer fires replaces the content and restarts
// the delay, so only the newest state reaches the platform.
type Debouncer struct {
	mu      sync.Mutex
	pending map[string]*pendingUpdate
	delays  map[string]time.Duration
	stopped bool
}

// NewDebouncer creates a debouncer with per-kind delays (destination kind ->
// delay). Unknown kinds flush after the Telegram delay.
func NewDebouncer(delays map[string]time.Duration) *Debouncer {
	if delays == nil {
		delays = map[string]time.Duration{}
	}
	return &Debouncer{
		pending: make(map[string]*pendingUpdate),
		delays:  delays,
	}
}

func (d *Debouncer) delay(kind string) time.Duration {
	if dur, ok := d.delays[kind]; ok && dur > 0 {
		return dur
	}
	return TelegramDebounce
}

// Schedule installs or refreshes the pending edit for key. destKind selects
// the platform delay.
func (d *Debouncer) Schedule(key, destKind string, fn UpdateFunc, content Content) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		p.fn = fn
		p.content = content
		p.timer = time.AfterFunc(d.delay(destKind), func() { d.fire(key) })
		return
	}
	p := &pendingUpdate{fn: fn, content: content}
	p.timer = time.AfterFunc(d.delay(destKind), func() { d.fire(key) })
	d.pending[key] = p
}

func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	if err := p.fn(p.content); err != nil {
		slog.Warn("debounced update failed", "key", key, "error", err)
	}
}

// Flush executes every pending update immediately. Called before a session
// stops and on shutdown.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		keys = append(keys, key)
	}
	d.mu.Unlock()
	for _, key := range keys {
		d.fire(key)
	}
}

// FlushPrefix executes pending updates whose key starts with prefix, leaving
// other keys' coalescing windows intact. Called when a single session stops.
func (d *Debouncer) FlushPrefix(prefix string) {
	d.mu.Lock()
	var keys []string
	for key, p := range d.pending {
		if strings.HasPrefix(key, prefix) {
			p.timer.Stop()
			keys = append(keys, key)
		}
	}
	d.mu.Unlock()
	for _, key := range keys {
		d.fire(key)
	}
}

// CancelAll drops pending updates without executing them.
func (d *Debouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// Stop cancels everything and rejects further scheduling.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// PendingCount reports keys with a pending update.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
