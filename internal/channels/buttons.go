package channels

import (
	"fmt"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/sessionrelay/pkg/protocol"
)

const (
	// maxVisibleOptions caps buttons per question; the rest collapse into
	// an overflow row.
	maxVisibleOptions = 5
	maxButtonLabel    = 30
)

// Button is one platform-neutral answer button.
type Button struct {
	Label string
	// Data is the callback payload: "q:{tool_use_id}:{question index}:{option index}".
	Data string
}

// QuestionButtons lays out the answer buttons for a question block, one row
// per question option, capped with an overflow row.
func QuestionButtons(q *protocol.QuestionContent) [][]Button {
	var rows [][]Button
	for qi, question := range q.Questions {
		visible := question.Options
		overflow := 0
		if len(visible) > maxVisibleOptions {
			overflow = len(visible) - maxVisibleOptions
			visible = visible[:maxVisibleOptions]
		}
		for oi, opt := range visible {
			rows = append(rows, []Button{{
				Label: runewidth.Truncate(opt.Label, maxButtonLabel, "…"),
				Data:  fmt.Sprintf("q:%s:%d:%d", q.ToolUseID, qi, oi),
			}})
		}
		if overflow > 0 {
			rows = append(rows, []Button{{
				Label: fmt.Sprintf("%d more in CLI", overflow),
				Data:  fmt.Sprintf("q:%s:%d:more", q.ToolUseID, qi),
			}})
		}
	}
	return rows
}

// Truncate shortens a string to maxLen bytes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// TruncateRunes shortens a string to at most maxRunes runes without cutting
// a character in half. Used for platform message caps.
func TruncateRunes(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes-1]) + "…"
}
