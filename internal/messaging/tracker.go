package messaging

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/sessionrelay/internal/timeline"
	"github.com/nextlevelbuilder/sessionrelay/pkg/protocol"
)

// replayHistory bounds the per-session catch-up buffer.
const replayHistory = 50

// turnState accumulates one assistant turn: its text, ordered tool calls,
// and the optional closing duration.
type turnState struct {
	key        string
	texts      []string
	tools      []protocol.ToolCallContent
	toolIdx    map[string]int
	durationMs int64
	closed     bool
}

func (t *turnState) body() string {
	var parts []string
	for _, txt := range t.texts {
		parts = append(parts, timeline.RenderBlock(protocol.AssistantContent{Text: txt}))
	}
	for _, tc := range t.tools {
		parts = append(parts, timeline.RenderBlock(tc))
	}
	if t.durationMs > 0 {
		parts = append(parts, timeline.RenderBlock(protocol.DurationContent{DurationMs: t.durationMs}))
	}
	return strings.Join(parts, "\n")
}

// questionState tracks a pending AskUserQuestion message.
type questionState struct {
	key     string
	content protocol.QuestionContent
}

// sessionState is the tracker's per-session view.
type sessionState struct {
	current   *turnState
	questions map[string]*questionState // tool_use_id -> state
	// messageIDs: message key -> destination key -> platform message id.
	messageIDs map[string]map[string]string
	replay     []string
}

// Tracker converts block events into messaging actions and remembers the
// ephemeral platform message ids needed for edits. Ids are intentionally not
// persisted: after a restart everything starts as new messages.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*sessionState)}
}

func (tr *Tracker) session(sessionID string) *sessionState {
	st, ok := tr.sessions[sessionID]
	if !ok {
		st = &sessionState{
			questions:  make(map[string]*questionState),
			messageIDs: make(map[string]map[string]string),
		}
		tr.sessions[sessionID] = st
	}
	return st
}

// HandleEvent folds one event and returns the resulting actions, in order.
func (tr *Tracker) HandleEvent(sessionID string, ev protocol.Event) []Action {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	st := tr.session(sessionID)

	switch e := ev.(type) {
	case protocol.AddBlock:
		return tr.handleAdd(st, e)
	case protocol.UpdateBlock:
		return tr.handleUpdate(st, e)
	case protocol.ClearAll:
		tr.sessions[sessionID] = &sessionState{
			questions:  make(map[string]*questionState),
			messageIDs: make(map[string]map[string]string),
		}
		return []Action{{
			MessageKey: uuid.NewString(),
			ForceNew:   true,
			Content:    Content{Kind: KindCompaction, Text: "✂ Context compacted"},
		}}
	}
	return nil
}

func (tr *Tracker) handleAdd(st *sessionState, e protocol.AddBlock) []Action {
	switch c := e.Content.(type) {
	case protocol.UserContent:
		if st.current != nil {
			st.current.closed = true
			st.current = nil
		}
		body := timeline.RenderBlock(c)
		st.remember(body)
		return []Action{{
			MessageKey: uuid.NewString(),
			ForceNew:   true,
			Content:    Content{Kind: KindUser, Text: body},
		}}

	case protocol.AssistantContent:
		turn := tr.openTurn(st)
		turn.texts = append(turn.texts, c.Text)
		return tr.turnAction(st, turn)

	case protocol.ToolCallContent:
		turn := tr.openTurn(st)
		turn.toolIdx[c.ToolUseID] = len(turn.tools)
		turn.tools = append(turn.tools, c)
		return tr.turnAction(st, turn)

	case protocol.DurationContent:
		if st.current == nil {
			return nil
		}
		turn := st.current
		turn.durationMs = c.DurationMs
		actions := tr.turnAction(st, turn)
		// A duration closes the turn; the next assistant text starts fresh.
		turn.closed = true
		st.current = nil
		return actions

	case protocol.SystemContent:
		body := timeline.RenderBlock(c)
		st.remember(body)
		return []Action{{
			MessageKey: uuid.NewString(),
			ForceNew:   true,
			Content:    Content{Kind: KindSystem, Text: body},
		}}

	case protocol.QuestionContent:
		q := &questionState{key: uuid.NewString(), content: c}
		st.questions[c.ToolUseID] = q
		body := timeline.RenderBlock(c)
		st.remember(body)
		return []Action{{
			MessageKey: q.key,
			ForceNew:   true,
			Content:    Content{Kind: KindQuestion, Text: body, Question: &c},
		}}

	case protocol.ThinkingContent:
		// Visible over SSE and markdown only.
		return nil
	}
	return nil
}

func (tr *Tracker) handleUpdate(st *sessionState, e protocol.UpdateBlock) []Action {
	switch c := e.Content.(type) {
	case protocol.ToolCallContent:
		if st.current == nil {
			return nil
		}
		i, ok := st.current.toolIdx[c.ToolUseID]
		if !ok {
			return nil
		}
		st.current.tools[i] = c
		return tr.turnAction(st, st.current)

	case protocol.QuestionContent:
		q, ok := st.questions[c.ToolUseID]
		if !ok {
			return nil
		}
		q.content = c
		body := timeline.RenderBlock(c)
		st.remember(body)
		return []Action{{
			MessageKey: q.key,
			Content: Content{
				Kind:           KindQuestion,
				Text:           body,
				Question:       &c,
				RemoveKeyboard: true,
			},
		}}
	}
	return nil
}

func (tr *Tracker) openTurn(st *sessionState) *turnState {
	if st.current == nil {
		st.current = &turnState{
			key:     uuid.NewString(),
			toolIdx: make(map[string]int),
		}
	}
	return st.current
}

func (tr *Tracker) turnAction(st *sessionState, turn *turnState) []Action {
	body := turn.body()
	st.remember(body)
	return []Action{{
		MessageKey: turn.key,
		Content:    Content{Kind: KindTurn, Text: body},
	}}
}

func (st *sessionState) remember(body string) {
	st.replay = append(st.replay, body)
	if len(st.replay) > replayHistory {
		st.replay = st.replay[len(st.replay)-replayHistory:]
	}
}

// RecordMessageID stores the platform id a publisher returned for a new
// message, enabling future edits on that destination.
func (tr *Tracker) RecordMessageID(sessionID, messageKey, destKey, platformID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	st := tr.session(sessionID)
	if st.messageIDs[messageKey] == nil {
		st.messageIDs[messageKey] = make(map[string]string)
	}
	st.messageIDs[messageKey][destKey] = platformID
}

// MessageID returns the recorded platform id, if any.
func (tr *Tracker) MessageID(sessionID, messageKey, destKey string) (string, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	st, ok := tr.sessions[sessionID]
	if !ok {
		return "", false
	}
	id, ok := st.messageIDs[messageKey][destKey]
	return id, ok
}

// ForgetMessageID drops a recorded id, used when the platform reports the
// message gone.
func (tr *Tracker) ForgetMessageID(sessionID, messageKey, destKey string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if st, ok := tr.sessions[sessionID]; ok {
		delete(st.messageIDs[messageKey], destKey)
	}
}

// RenderReplay returns a batched catch-up body from the last n rendered
// message bodies.
func (tr *Tracker) RenderReplay(sessionID string, n int) string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	st, ok := tr.sessions[sessionID]
	if !ok || n <= 0 {
		return ""
	}
	replay := st.replay
	if len(replay) > n {
		replay = replay[len(replay)-n:]
	}
	return strings.Join(replay, "\n\n")
}

// ReplaySize reports how many rendered bodies are available for replay.
func (tr *Tracker) ReplaySize(sessionID string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	st, ok := tr.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(st.replay)
}

// DropSession clears all tracker state for a session.
func (tr *Tracker) DropSession(sessionID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.sessions, sessionID)
}
