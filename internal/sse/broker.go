// Package sse fans block events out to Server-Sent-Events subscribers with
// replay on reconnect.
package sse

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nextlevelbuilder/sessionrelay/internal/events"
	"github.com/nextlevelbuilder/sessionrelay/pkg/protocol"
)

const (
	keepAliveInterval = 15 * time.Second
	// subscriberBuffer bounds per-subscriber queueing; a subscriber that
	// cannot drain is dropped rather than stalling the broadcast.
	subscriberBuffer = 64
)

type subscriber struct {
	ch     chan events.Entry
	closed chan struct{}
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.closed) })
}

// Broker tracks per-session subscriber sets.
type Broker struct {
	mu      sync.Mutex
	buffers *events.Manager
	subs    map[string]map[*subscriber]struct{}
}

// NewBroker wires the broker to the replay buffers.
func NewBroker(buffers *events.Manager) *Broker {
	return &Broker{
		buffers: buffers,
		subs:    make(map[string]map[*subscriber]struct{}),
	}
}

// SubscriberCount reports live subscribers for a session.
func (b *Broker) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

// Broadcast delivers a buffered entry to every live subscriber. A subscriber
// whose queue is full is closed and dropped.
func (b *Broker) Broadcast(sessionID string, entry events.Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[sessionID] {
		select {
		case sub.ch <- entry:
		default:
			slog.Warn("dropping slow sse subscriber", "session_id", sessionID)
			sub.close()
			delete(b.subs[sessionID], sub)
		}
	}
}

// CloseSession sends a synthetic session_ended to all subscribers and closes
// them.
func (b *Broker) CloseSession(sessionID, reason string) {
	ended := events.Entry{
		Name: protocol.EventSessionEnded,
		Data: protocol.MarshalSessionEnded(reason),
	}
	b.mu.Lock()
	set := b.subs[sessionID]
	delete(b.subs, sessionID)
	b.mu.Unlock()

	for sub := range set {
		select {
		case sub.ch <- ended:
		default:
		}
		sub.close()
	}
}

// Shutdown closes every subscriber across all sessions.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	sessions := make([]string, 0, len(b.subs))
	for id := range b.subs {
		sessions = append(sessions, id)
	}
	b.mu.Unlock()
	for _, id := range sessions {
		b.CloseSession(id, protocol.EndReasonShutdown)
	}
}

func (b *Broker) subscribe(sessionID string) *subscriber {
	sub := &subscriber{
		ch:     make(chan events.Entry, subscriberBuffer),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*subscriber]struct{})
	}
	b.subs[sessionID][sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Broker) unsubscribe(sessionID string, sub *subscriber) {
	b.mu.Lock()
	delete(b.subs[sessionID], sub)
	b.mu.Unlock()
	sub.close()
}

// Serve handles one SSE connection: replays buffered events after the
// client's Last-Event-ID, then streams live events with periodic keep-alive
// comments until the client goes away or the session ends.
func (b *Broker) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := b.subscribe(sessionID)
	defer b.unsubscribe(sessionID, sub)

	// Replay before streaming so a reconnecting client misses nothing that
	// is still buffered.
	lastID := r.Header.Get("Last-Event-ID")
	for _, entry := range b.buffers.Get(sessionID).GetSince(lastID) {
		if err := writeFrame(w, entry); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.closed:
			// Drain anything queued before the close (session_ended).
			for {
				select {
				case entry := <-sub.ch:
					if err := writeFrame(w, entry); err != nil {
						return
					}
				default:
					flusher.Flush()
					return
				}
			}
		case entry := <-sub.ch:
			if err := writeFrame(w, entry); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, entry events.Entry) error {
	if entry.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", entry.ID); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", entry.Name, entry.Data)
	return err
}
