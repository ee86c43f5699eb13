package transcript

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mattn/go-runewidth"
)

const (
	labelWidth    = 60
	progressWidth = 76
	taskResultLen = 80
)

// toolInput is the superset of input fields the label table reads.
type toolInput struct {
	Description string `json:"description"`
	Command     string `json:"command"`
	FilePath    string `json:"file_path"`
	Pattern     string `json:"pattern"`
	Query       string `json:"query"`
	URL         string `json:"url"`
}

// truncateLabel shortens s to the given display width, appending an ellipsis
// when anything was cut.
func truncateLabel(s string, width int) string {
	return runewidth.Truncate(s, width, "…")
}

// ToolLabel abbreviates a tool invocation for one-line display.
func ToolLabel(toolName string, input json.RawMessage) string {
	var in toolInput
	if len(input) > 0 {
		// Malformed input falls through to the empty struct.
		_ = json.Unmarshal(input, &in)
	}

	switch toolName {
	case "Bash":
		if in.Description != "" {
			return truncateLabel(in.Description, labelWidth)
		}
		if in.Command != "" {
			return truncateLabel(in.Command, labelWidth)
		}
	case "Read", "Write", "Edit", "NotebookEdit":
		if in.FilePath != "" {
			return filepath.Base(in.FilePath)
		}
	case "Glob", "Grep":
		if in.Pattern != "" {
			return truncateLabel(in.Pattern, labelWidth)
		}
	case "Task":
		if in.Description != "" {
			return truncateLabel(in.Description, labelWidth)
		}
	case "WebSearch":
		if in.Query != "" {
			return truncateLabel(in.Query, labelWidth)
		}
	case "WebFetch":
		if in.URL != "" {
			return truncateLabel(in.URL, labelWidth)
		}
	case "TodoWrite":
		return "todos"
	}
	return "…"
}

// ProgressText derives the transient status line for a progress record.
func ProgressText(lt LineType, rec *Record) string {
	switch lt {
	case LineBashProgress:
		lines := strings.Split(rec.FullOutput, "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			if s := strings.TrimSpace(lines[i]); s != "" {
				return truncateLabel(s, progressWidth)
			}
		}
		return "running…"
	case LineHookProgress:
		return "Hook: " + rec.HookName
	case LineAgentProgress:
		return "Agent: working…"
	case LineQueryUpdate:
		return "Searching: " + rec.Query
	case LineSearchResults:
		n := 0
		if rec.ResultCount != nil {
			n = *rec.ResultCount
		}
		return fmt.Sprintf("%d results", n)
	case LineWaitingForTask:
		return "Waiting: " + rec.TaskDescription
	}
	return ""
}

// TruncateResult trims tool output for display: at most four lines plus an
// ellipsis line, empty output replaced by a placeholder.
func TruncateResult(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(no output)"
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= 5 {
		return s
	}
	return strings.Join(lines[:4], "\n") + "\n…"
}

// truncateChars cuts s to at most n runes. Used for Task summaries where the
// upstream caps by character count rather than display width.
func truncateChars(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
