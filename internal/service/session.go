package service

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/sessionrelay/internal/channels"
	"github.com/nextlevelbuilder/sessionrelay/internal/config"
	"github.com/nextlevelbuilder/sessionrelay/internal/destinations"
	"github.com/nextlevelbuilder/sessionrelay/internal/events"
	"github.com/nextlevelbuilder/sessionrelay/internal/messaging"
	"github.com/nextlevelbuilder/sessionrelay/internal/state"
	"github.com/nextlevelbuilder/sessionrelay/internal/telemetry"
	"github.com/nextlevelbuilder/sessionrelay/internal/transcript"
	"github.com/nextlevelbuilder/sessionrelay/pkg/protocol"
)

// dispatchTimeout bounds one platform send or edit.
const dispatchTimeout = 30 * time.Second

// sendQueueSize is the per-destination backlog of undelivered messages.
const sendQueueSize = 256

// sessionRuntime is the per-session read position and processor state.
type sessionRuntime struct {
	id   string
	path string

	mu     sync.Mutex
	offset int64
	line   int
	pctx   transcript.Context
}

// startSession begins watching a session. Called by the destination manager
// when the first destination attaches or a persisted session is restored.
func (s *Service) startSession(sessionID string) {
	s.cfgMu.Lock()
	path := config.ExpandHome(s.cfg.Sessions[sessionID].Path)
	s.cfgMu.Unlock()
	if path == "" {
		slog.Warn("session has no transcript path", "session_id", sessionID)
		return
	}

	rt := &sessionRuntime{
		id:   sessionID,
		path: path,
		pctx: transcript.NewContext(),
	}
	if st := s.store.Load(sessionID); st != nil {
		rt.offset = st.FilePosition
		rt.line = st.LineNumber
		rt.pctx = st.ProcessingContext
		slog.Debug("resumed session state", "session_id", sessionID, "offset", rt.offset, "line", rt.line)
	}

	s.mu.Lock()
	if _, exists := s.sessions[sessionID]; exists {
		s.mu.Unlock()
		return
	}
	s.sessions[sessionID] = rt
	s.mu.Unlock()

	// Catch up on existing content without publishing: only new appends
	// after the attach reach the destinations.
	s.processNew(rt, false)

	if err := s.watch.Add(sessionID, path); err != nil {
		slog.Warn("watch failed", "session_id", sessionID, "path", path, "error", err)
	}
	slog.Info("session started", "session_id", sessionID, "path", path)
}

// stopSession tears a session down and announces the end to SSE clients.
func (s *Service) stopSession(sessionID, reason string) {
	s.mu.Lock()
	rt, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.debouncer.FlushPrefix(sessionID + "|")
	s.saveState(rt)
	s.watch.Remove(sessionID)
	s.broker.CloseSession(sessionID, reason)
	s.buffers.Remove(sessionID)
	s.tracker.DropSession(sessionID)
	slog.Info("session stopped", "session_id", sessionID, "reason", reason)
}

func (s *Service) runtime(sessionID string) *sessionRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

// onChange is the watcher callback for appended content.
func (s *Service) onChange(sessionID string) {
	rt := s.runtime(sessionID)
	if rt == nil {
		return
	}
	s.processNew(rt, true)
}

// onDeleted handles transcript deletion: the stream ends but the attached
// destinations stay configured.
func (s *Service) onDeleted(sessionID string) {
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.debouncer.FlushPrefix(sessionID + "|")
	s.watch.Remove(sessionID)
	s.broker.CloseSession(sessionID, protocol.EndReasonFileDeleted)
	s.buffers.Remove(sessionID)
	s.tracker.DropSession(sessionID)
	if err := s.store.Delete(sessionID); err != nil {
		slog.Warn("state delete failed", "session_id", sessionID, "error", err)
	}
	slog.Info("session file deleted", "session_id", sessionID)
}

// processNew consumes newly appended lines. With publish false the events
// still reach the buffers, SSE clients and the tracker, but no platform
// messages go out.
func (s *Service) processNew(rt *sessionRuntime, publish bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	res, err := transcript.ReadNewLines(rt.path, rt.offset)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("transcript read failed", "session_id", rt.id, "error", err)
		}
		return
	}
	if res.Truncated {
		// Rotation: forget derived state and start over from the new file.
		rt.pctx = transcript.NewContext()
		rt.line = 0
		s.tracker.DropSession(rt.id)
		s.buffers.Get(rt.id).Clear()
	}

	if len(res.Records) > 0 {
		_, span := telemetry.Tracer("service").Start(context.Background(), "process_batch")
		span.SetAttributes(
			attribute.String("session_id", rt.id),
			attribute.Int("records", len(res.Records)),
			attribute.Bool("publish", publish),
		)
		for _, rec := range res.Records {
			evs, next := transcript.Process(rt.pctx, rec)
			rt.pctx = next
			for _, ev := range evs {
				s.emit(rt.id, ev, publish)
			}
		}
		span.End()
	}

	rt.offset = res.NewOffset
	rt.line += res.Lines
	if len(res.Records) > 0 || res.Truncated {
		s.saveStateLocked(rt)
	}
}

// emit fans one event out to the replay buffer, SSE subscribers and, when
// publishing, the attached destinations.
func (s *Service) emit(sessionID string, ev protocol.Event, publish bool) {
	data, err := protocol.MarshalEvent(ev)
	if err != nil {
		slog.Warn("event marshal failed", "session_id", sessionID, "error", err)
		return
	}
	id := s.buffers.Get(sessionID).Add(ev.EventName(), data)
	s.broker.Broadcast(sessionID, events.Entry{ID: id, Name: ev.EventName(), Data: data})

	actions := s.tracker.HandleEvent(sessionID, ev)
	if !publish {
		return
	}
	for _, action := range actions {
		s.dispatch(sessionID, action)
	}
}

// dispatch hands one action to every attached destination's send worker.
// Platform calls never run on the processor goroutine; per-destination
// ordering is preserved by the serial worker.
func (s *Service) dispatch(sessionID string, action messaging.Action) {
	for _, dest := range s.manager.Destinations(sessionID) {
		pub, ok := s.publishers[dest.Kind]
		if !ok {
			continue
		}
		s.enqueueDelivery(dest.Key(), func() {
			s.deliver(sessionID, pub, dest, action)
		})
	}
}

// deliver runs on a destination's send worker. New messages go out
// immediately; edits are debounced per (session, destination, message).
func (s *Service) deliver(sessionID string, pub channels.Publisher, dest destinations.Destination, action messaging.Action) {
	mid, tracked := s.tracker.MessageID(sessionID, action.MessageKey, dest.Key())
	if action.ForceNew || !tracked {
		s.sendNew(sessionID, action.MessageKey, pub, dest, action.Content)
		return
	}

	key := sessionID + "|" + dest.Key() + "|" + action.MessageKey
	s.debouncer.Schedule(key, dest.Kind, func(content messaging.Content) error {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		err := channels.EditWithRetry(ctx, pub, dest, mid, content)
		if errors.Is(err, channels.ErrMessageNotFound) {
			s.tracker.ForgetMessageID(sessionID, action.MessageKey, dest.Key())
			s.sendNew(sessionID, action.MessageKey, pub, dest, content)
			return nil
		}
		return err
	}, action.Content)
}

// enqueueDelivery hands task to the destination's serial worker, starting one
// on first use. A full backlog drops the message rather than blocking the
// processor. queueMu stays held across the channel send so closeQueues cannot
// close the channel underneath it.
func (s *Service) enqueueDelivery(destKey string, task func()) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if s.queuesClosed {
		return
	}
	q, ok := s.queues[destKey]
	if !ok {
		q = make(chan func(), sendQueueSize)
		s.queues[destKey] = q
		s.queueWG.Add(1)
		go func() {
			defer s.queueWG.Done()
			for t := range q {
				t()
			}
		}()
	}

	s.deliveryWG.Add(1)
	wrapped := func() {
		defer s.deliveryWG.Done()
		task()
	}
	select {
	case q <- wrapped:
	default:
		s.deliveryWG.Done()
		slog.Warn("send queue full, dropping message", "destination", destKey)
	}
}

// closeQueues stops accepting deliveries and waits for the queued ones.
func (s *Service) closeQueues() {
	s.queueMu.Lock()
	s.queuesClosed = true
	for _, q := range s.queues {
		close(q)
	}
	s.queueMu.Unlock()
	s.queueWG.Wait()
}

// waitDeliveries blocks until every queued delivery has run. The service
// tests synchronize on it after driving the watcher callbacks.
func (s *Service) waitDeliveries() {
	s.deliveryWG.Wait()
}

func (s *Service) sendNew(sessionID, messageKey string, pub channels.Publisher, dest destinations.Destination, content messaging.Content) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	pid, ok := channels.SendWithRetry(ctx, pub, dest, content)
	if ok && pid != "" {
		s.tracker.RecordMessageID(sessionID, messageKey, dest.Key(), pid)
	}
}

func (s *Service) saveState(rt *sessionRuntime) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s.saveStateLocked(rt)
}

func (s *Service) saveStateLocked(rt *sessionRuntime) {
	st := &state.SessionState{
		FilePosition:      rt.offset,
		LineNumber:        rt.line,
		ProcessingContext: rt.pctx,
		LastModified:      time.Now(),
	}
	if err := s.store.Save(rt.id, st); err != nil {
		slog.Warn("state save failed", "session_id", rt.id, "error", err)
	}
}
