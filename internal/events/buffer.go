// Package events keeps a small per-session history of emitted block events
// for SSE replay on reconnect.
package events

import (
	"fmt"
	"sync"
)

// Capacity is the per-session ring size.
const Capacity = 20

// Entry is one buffered event: its wire name and single-line JSON data.
type Entry struct {
	ID   string
	Name string
	Data []byte
}

// Buffer is a bounded ring with monotonically increasing ids. Ids are
// zero-padded so lexicographic order matches emission order.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	counter int
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Add appends an event, evicting the oldest entry when full, and returns the
// assigned id.
func (b *Buffer) Add(name string, data []byte) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counter++
	id := fmt.Sprintf("evt_%06d", b.counter)
	b.entries = append(b.entries, Entry{ID: id, Name: name, Data: data})
	if len(b.entries) > Capacity {
		b.entries = b.entries[len(b.entries)-Capacity:]
	}
	return id
}

// GetSince returns entries strictly after the given id. An empty, unknown,
// or already-evicted id yields the full current contents, matching SSE
// reconnect semantics.
func (b *Buffer) GetSince(id string) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id != "" {
		for i, e := range b.entries {
			if e.ID == id {
				out := make([]Entry, len(b.entries)-i-1)
				copy(out, b.entries[i+1:])
				return out
			}
		}
	}
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Clear empties the buffer and resets the id counter.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.counter = 0
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
