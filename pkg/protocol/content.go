package protocol

// Block types (payload.type on add_block).
const (
	BlockUser      = "user"
	BlockAssistant = "assistant"
	BlockToolCall  = "tool_call"
	BlockQuestion  = "question"
	BlockThinking  = "thinking"
	BlockDuration  = "duration"
	BlockSystem    = "system"
)

// BlockContent is the closed union of block payloads. Exactly seven concrete
// types implement it.
type BlockContent interface {
	BlockType() string
}

// UserContent is operator input echoed into the transcript.
type UserContent struct {
	Text string `json:"text"`
}

// AssistantContent is a model text response.
type AssistantContent struct {
	Text      string `json:"text"`
	RequestID string `json:"request_id,omitempty"`
}

// ToolCallContent tracks one tool invocation through its whole lifecycle:
// created on tool_use, updated by progress records, finalized by the result.
type ToolCallContent struct {
	ToolName      string `json:"tool_name"`
	ToolUseID     string `json:"tool_use_id"`
	Label         string `json:"label"`
	Result        string `json:"result,omitempty"`
	IsError       bool   `json:"is_error,omitempty"`
	ProgressText  string `json:"progress_text,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	ResultIsFinal bool   `json:"result_is_final,omitempty"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one prompt inside an AskUserQuestion tool call.
type Question struct {
	Header      string           `json:"header"`
	Question    string           `json:"question"`
	Options     []QuestionOption `json:"options"`
	MultiSelect bool             `json:"multi_select,omitempty"`
}

// QuestionContent is an AskUserQuestion tool call. Answers maps a question
// header to the selected label (or comma-joined labels for multi-select);
// nil while the question is pending.
type QuestionContent struct {
	ToolUseID string            `json:"tool_use_id"`
	Questions []Question        `json:"questions"`
	Answers   map[string]string `json:"answers,omitempty"`
}

// ThinkingContent marks a reasoning interval.
type ThinkingContent struct {
	RequestID string `json:"request_id,omitempty"`
}

// DurationContent reports elapsed turn time.
type DurationContent struct {
	DurationMs int64 `json:"duration_ms"`
}

// SystemContent is host-side output (local command stdout, orphaned results,
// compaction notices).
type SystemContent struct {
	Text string `json:"text"`
}

func (UserContent) BlockType() string      { return BlockUser }
func (AssistantContent) BlockType() string { return BlockAssistant }
func (ToolCallContent) BlockType() string  { return BlockToolCall }
func (QuestionContent) BlockType() string  { return BlockQuestion }
func (ThinkingContent) BlockType() string  { return BlockThinking }
func (DurationContent) BlockType() string  { return BlockDuration }
func (SystemContent) BlockType() string    { return BlockSystem }

// ContentRequestID returns the grouping key carried by the content, if any.
func ContentRequestID(c BlockContent) string {
	switch v := c.(type) {
	case AssistantContent:
		return v.RequestID
	case ToolCallContent:
		return v.RequestID
	case ThinkingContent:
		return v.RequestID
	}
	return ""
}
