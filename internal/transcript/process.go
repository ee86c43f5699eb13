package transcript

import (
	"encoding/json"
	"strings"

	"github.com/nextlevelbuilder/sessionrelay/pkg/protocol"
)

const askUserQuestionTool = "AskUserQuestion"

// Context is the per-session processor state. It is serializable and owned
// by the session loop; Process never mutates its argument, it returns a
// successor built from a copy.
type Context struct {
	// BlockIDs maps tool_use_id to the block that owns it.
	BlockIDs map[string]string `json:"block_ids"`
	// ToolCalls caches full tool-call payloads so progress and result
	// updates can re-emit complete content.
	ToolCalls map[string]protocol.ToolCallContent `json:"tool_calls"`
	// Questions caches AskUserQuestion payloads pending an answer.
	Questions map[string]protocol.QuestionContent `json:"questions"`
}

// NewContext returns an empty processor context.
func NewContext() Context {
	return Context{
		BlockIDs:  map[string]string{},
		ToolCalls: map[string]protocol.ToolCallContent{},
		Questions: map[string]protocol.QuestionContent{},
	}
}

// clone returns a context whose maps are independent of the receiver.
func (c Context) clone() Context {
	next := Context{
		BlockIDs:  make(map[string]string, len(c.BlockIDs)),
		ToolCalls: make(map[string]protocol.ToolCallContent, len(c.ToolCalls)),
		Questions: make(map[string]protocol.QuestionContent, len(c.Questions)),
	}
	for k, v := range c.BlockIDs {
		next.BlockIDs[k] = v
	}
	for k, v := range c.ToolCalls {
		next.ToolCalls[k] = v
	}
	for k, v := range c.Questions {
		next.Questions[k] = v
	}
	return next
}

// Process turns one classified record into zero or more events plus the
// successor context.
func Process(ctx Context, rec *Record) ([]protocol.Event, Context) {
	lt := Classify(rec)
	if lt == LineInvisible {
		return nil, ctx
	}
	next := ctx.clone()

	switch lt {
	case LineUserInput:
		return []protocol.Event{protocol.AddBlock{
			BlockID: protocol.NewBlockID(),
			Content: protocol.UserContent{Text: userText(rec)},
		}}, next

	case LineLocalCommandOutput:
		return []protocol.Event{protocol.AddBlock{
			BlockID: protocol.NewBlockID(),
			Content: protocol.SystemContent{Text: localCommandStdout(rec)},
		}}, next

	case LineAssistantText:
		return []protocol.Event{protocol.AddBlock{
			BlockID:   protocol.NewBlockID(),
			Content:   protocol.AssistantContent{Text: assistantText(rec), RequestID: rec.RequestID},
			RequestID: rec.RequestID,
		}}, next

	case LineThinking:
		return []protocol.Event{protocol.AddBlock{
			BlockID:   protocol.NewBlockID(),
			Content:   protocol.ThinkingContent{RequestID: rec.RequestID},
			RequestID: rec.RequestID,
		}}, next

	case LineToolUse:
		return processToolUse(next, rec)

	case LineTurnDuration:
		var ms int64
		if rec.DurationMs != nil && *rec.DurationMs > 0 {
			ms = *rec.DurationMs
		}
		return []protocol.Event{protocol.AddBlock{
			BlockID: protocol.NewBlockID(),
			Content: protocol.DurationContent{DurationMs: ms},
		}}, next

	case LineToolResult:
		return processToolResult(next, rec)

	case LineCompactBoundary:
		return []protocol.Event{protocol.ClearAll{}}, NewContext()

	case LineBashProgress, LineHookProgress, LineAgentProgress,
		LineQueryUpdate, LineSearchResults, LineWaitingForTask:
		return processProgress(next, rec, lt)
	}
	return nil, ctx
}

func processToolUse(next Context, rec *Record) ([]protocol.Event, Context) {
	blocks, _ := rec.Message.ContentBlocks()
	var events []protocol.Event
	for _, b := range blocks {
		if b.Type != "tool_use" {
			continue
		}
		id := protocol.NewBlockID()
		if b.Name == askUserQuestionTool {
			q := protocol.QuestionContent{
				ToolUseID: b.ID,
				Questions: parseQuestions(b.Input),
			}
			next.BlockIDs[b.ID] = id
			next.Questions[b.ID] = q
			events = append(events, protocol.AddBlock{BlockID: id, Content: q})
			continue
		}
		tc := protocol.ToolCallContent{
			ToolName:  b.Name,
			ToolUseID: b.ID,
			Label:     ToolLabel(b.Name, b.Input),
			RequestID: rec.RequestID,
		}
		next.BlockIDs[b.ID] = id
		next.ToolCalls[b.ID] = tc
		events = append(events, protocol.AddBlock{
			BlockID:   id,
			Content:   tc,
			RequestID: rec.RequestID,
		})
	}
	return events, next
}

func processToolResult(next Context, rec *Record) ([]protocol.Event, Context) {
	blocks, _ := rec.Message.ContentBlocks()
	var events []protocol.Event
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		useID := b.ToolUseID

		if q, ok := next.Questions[useID]; ok {
			q.Answers = rec.ToolResultAnswers()
			next.Questions[useID] = q
			events = append(events, protocol.UpdateBlock{BlockID: next.BlockIDs[useID], Content: q})
			continue
		}

		if tc, ok := next.ToolCalls[useID]; ok {
			if tc.ToolName == "Task" {
				tc.Result = truncateChars(rec.ToolResultText(), taskResultLen)
			} else {
				tc.Result = TruncateResult(blockText(b.Content))
			}
			tc.IsError = b.IsError
			tc.ResultIsFinal = true
			tc.ProgressText = ""
			next.ToolCalls[useID] = tc
			events = append(events, protocol.UpdateBlock{BlockID: next.BlockIDs[useID], Content: tc})
			continue
		}

		// Orphaned result, typically after a compaction dropped the call.
		events = append(events, protocol.AddBlock{
			BlockID: protocol.NewBlockID(),
			Content: protocol.SystemContent{Text: TruncateResult(blockText(b.Content))},
		})
	}
	return events, next
}

func processProgress(next Context, rec *Record, lt LineType) ([]protocol.Event, Context) {
	parent := rec.ParentToolUseID
	if parent == "" {
		parent = rec.ToolUseID
	}
	tc, ok := next.ToolCalls[parent]
	if !ok {
		if lt == LineWaitingForTask {
			return []protocol.Event{protocol.AddBlock{
				BlockID: protocol.NewBlockID(),
				Content: protocol.SystemContent{Text: ProgressText(lt, rec)},
			}}, next
		}
		return nil, next
	}
	// A result is terminal; late progress (hook noise) never reopens it.
	if tc.ResultIsFinal {
		return nil, next
	}
	tc.ProgressText = ProgressText(lt, rec)
	next.ToolCalls[parent] = tc
	return []protocol.Event{protocol.UpdateBlock{BlockID: next.BlockIDs[parent], Content: tc}}, next
}

func userText(rec *Record) string {
	if s, ok := rec.Message.ContentString(); ok {
		return s
	}
	blocks, _ := rec.Message.ContentBlocks()
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func assistantText(rec *Record) string {
	blocks, ok := rec.Message.ContentBlocks()
	if !ok {
		s, _ := rec.Message.ContentString()
		return s
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" && b.Text != noContentPlaceholder {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// localCommandStdout pulls the text between local-command-stdout markers.
func localCommandStdout(rec *Record) string {
	s, ok := rec.Message.ContentString()
	if !ok {
		blocks, _ := rec.Message.ContentBlocks()
		for _, b := range blocks {
			if b.Type == "text" && strings.Contains(b.Text, "<local-command-stdout>") {
				s = b.Text
				break
			}
		}
	}
	const openTag, closeTag = "<local-command-stdout>", "</local-command-stdout>"
	start := strings.Index(s, openTag)
	if start < 0 {
		return strings.TrimSpace(s)
	}
	rest := s[start+len(openTag):]
	if end := strings.Index(rest, closeTag); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

type questionInput struct {
	Questions []struct {
		Header   string `json:"header"`
		Question string `json:"question"`
		Options  []struct {
			Label       string `json:"label"`
			Description string `json:"description"`
		} `json:"options"`
		MultiSelect bool `json:"multiSelect"`
	} `json:"questions"`
}

func parseQuestions(input json.RawMessage) []protocol.Question {
	var in questionInput
	if len(input) > 0 {
		_ = json.Unmarshal(input, &in)
	}
	out := make([]protocol.Question, 0, len(in.Questions))
	for _, q := range in.Questions {
		pq := protocol.Question{
			Header:      q.Header,
			Question:    q.Question,
			MultiSelect: q.MultiSelect,
		}
		for _, o := range q.Options {
			pq.Options = append(pq.Options, protocol.QuestionOption{Label: o.Label, Description: o.Description})
		}
		out = append(out, pq)
	}
	return out
}
