package transcript

import "strings"

// LineType is the semantic class of one transcript record.
type LineType string

const (
	LineUserInput          LineType = "user_input"
	LineToolResult         LineType = "tool_result"
	LineLocalCommandOutput LineType = "local_command_output"
	LineAssistantText      LineType = "assistant_text"
	LineToolUse            LineType = "tool_use"
	LineThinking           LineType = "thinking"
	LineTurnDuration       LineType = "turn_duration"
	LineCompactBoundary    LineType = "compact_boundary"
	LineBashProgress       LineType = "bash_progress"
	LineHookProgress       LineType = "hook_progress"
	LineAgentProgress      LineType = "agent_progress"
	LineQueryUpdate        LineType = "query_update"
	LineSearchResults      LineType = "search_results"
	LineWaitingForTask     LineType = "waiting_for_task"
	LineInvisible          LineType = "invisible"
)

const noContentPlaceholder = "(no content)"

// progressSubtypes maps progress record subtypes to line types.
var progressSubtypes = map[string]LineType{
	"bash_progress":           LineBashProgress,
	"hook_progress":           LineHookProgress,
	"agent_progress":          LineAgentProgress,
	"query_update":            LineQueryUpdate,
	"search_results_received": LineSearchResults,
	"waiting_for_task":        LineWaitingForTask,
}

// Classify maps a record to its line type. Defensive by construction:
// anything unrecognized, sidechain noise, and meta expansions all resolve to
// LineInvisible rather than erroring.
func Classify(rec *Record) LineType {
	if rec == nil || rec.IsSidechain || rec.IsMeta {
		return LineInvisible
	}

	switch rec.Type {
	case "user":
		return classifyUser(rec)
	case "assistant":
		return classifyAssistant(rec)
	case "system":
		switch rec.Subtype {
		case "turn_duration":
			return LineTurnDuration
		case "compact_boundary":
			return LineCompactBoundary
		}
		return LineInvisible
	case "progress":
		if lt, ok := progressSubtypes[rec.Subtype]; ok {
			return lt
		}
		return LineInvisible
	}
	// summary, file-history-snapshot, queue-operation, pr-link, unknown.
	return LineInvisible
}

func classifyUser(rec *Record) LineType {
	if s, ok := rec.Message.ContentString(); ok {
		if strings.Contains(s, "<local-command-stdout>") {
			return LineLocalCommandOutput
		}
		if strings.TrimSpace(s) == "" {
			return LineInvisible
		}
		return LineUserInput
	}

	blocks, ok := rec.Message.ContentBlocks()
	if !ok {
		return LineInvisible
	}
	hasText := false
	for _, b := range blocks {
		switch b.Type {
		case "tool_result":
			return LineToolResult
		case "text":
			if strings.Contains(b.Text, "<local-command-stdout>") {
				return LineLocalCommandOutput
			}
			if strings.TrimSpace(b.Text) != "" {
				hasText = true
			}
		}
	}
	if hasText {
		return LineUserInput
	}
	return LineInvisible
}

func classifyAssistant(rec *Record) LineType {
	blocks, ok := rec.Message.ContentBlocks()
	if !ok {
		// Some transports flatten single text content to a string.
		if s, sok := rec.Message.ContentString(); sok && strings.TrimSpace(s) != "" && s != noContentPlaceholder {
			return LineAssistantText
		}
		return LineInvisible
	}
	if len(blocks) == 0 {
		return LineInvisible
	}
	var fallback LineType = LineInvisible
	for _, b := range blocks {
		switch b.Type {
		case "tool_use":
			return LineToolUse
		case "text":
			if strings.TrimSpace(b.Text) != "" && b.Text != noContentPlaceholder {
				fallback = LineAssistantText
			}
		case "thinking":
			if fallback == LineInvisible {
				fallback = LineThinking
			}
		}
	}
	return fallback
}
