// Package transcript parses append-only JSONL session files and turns each
// record into block events with stable identities.
package transcript

import "encoding/json"

// Record is one parsed JSONL line. The schema is under-specified upstream, so
// every field is optional and unknown structure is tolerated.
type Record struct {
	Type                    string          `json:"type"`
	Subtype                 string          `json:"subtype"`
	IsMeta                  bool            `json:"isMeta"`
	IsSidechain             bool            `json:"isSidechain"`
	ParentToolUseID         string          `json:"parentToolUseID"`
	ToolUseID               string          `json:"toolUseID"`
	SourceToolAssistantUUID string          `json:"sourceToolAssistantUUID"`
	RequestID               string          `json:"requestId"`
	Timestamp               string          `json:"timestamp"`
	Summary                 string          `json:"summary"`
	Message                 *Message        `json:"message"`
	ToolUseResult           json.RawMessage `json:"toolUseResult"`

	// Progress payloads appear at the top level on progress records.
	HookName        string `json:"hookName"`
	FullOutput      string `json:"fullOutput"`
	Query           string `json:"query"`
	ResultCount     *int   `json:"resultCount"`
	TaskDescription string `json:"taskDescription"`

	// Turn duration in milliseconds on system/turn_duration records.
	DurationMs *int64 `json:"durationMs"`

	// Content for system records that carry text directly.
	Content json.RawMessage `json:"content"`
}

// Message is the inner message envelope on user and assistant records.
// Content is either a plain string or a list of content blocks.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlock is one element of a structured message content list.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// ParseRecord decodes one JSONL line. Returns nil on malformed JSON.
func ParseRecord(line []byte) *Record {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil
	}
	return &rec
}

// ContentString returns the message content when it is a plain string.
func (m *Message) ContentString() (string, bool) {
	if m == nil || len(m.Content) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// ContentBlocks returns the message content when it is a block list.
func (m *Message) ContentBlocks() ([]ContentBlock, bool) {
	if m == nil || len(m.Content) == 0 {
		return nil, false
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// blockText flattens a content value that may be a string or a list of text
// blocks into plain text. Used for tool_result content and system text.
func blockText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	out := ""
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// toolUseResultObject is the structured form of toolUseResult.
type toolUseResultObject struct {
	Content json.RawMessage   `json:"content"`
	Answers map[string]string `json:"answers"`
}

// ToolResultText extracts display text from a toolUseResult value, which may
// be a string, null, or an object carrying content blocks.
func (r *Record) ToolResultText() string {
	if len(r.ToolUseResult) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.ToolUseResult, &s); err == nil {
		return s
	}
	var obj toolUseResultObject
	if err := json.Unmarshal(r.ToolUseResult, &obj); err != nil {
		return ""
	}
	return blockText(obj.Content)
}

// ToolResultAnswers extracts AskUserQuestion answers from toolUseResult.
func (r *Record) ToolResultAnswers() map[string]string {
	if len(r.ToolUseResult) == 0 {
		return nil
	}
	var obj toolUseResultObject
	if err := json.Unmarshal(r.ToolUseResult, &obj); err != nil {
		return nil
	}
	return obj.Answers
}
