package timeline

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/sessionrelay/pkg/protocol"
)

// RenderMarkdown renders the whole timeline as plain markdown text. Blocks
// are separated by a blank line except between consecutive blocks that share
// a request id.
func (tl *Timeline) RenderMarkdown() string {
	var sb strings.Builder
	prevReqID := ""
	for i, b := range tl.blocks {
		reqID := protocol.ContentRequestID(b.Content)
		if i > 0 {
			if reqID != "" && reqID == prevReqID {
				sb.WriteString("\n")
			} else {
				sb.WriteString("\n\n")
			}
		}
		sb.WriteString(RenderBlock(b.Content))
		prevReqID = reqID
	}
	return sb.String()
}

// RenderBlock renders a single block in its text form.
func RenderBlock(c protocol.BlockContent) string {
	switch v := c.(type) {
	case protocol.UserContent:
		return prefixed("❯ ", "  ", v.Text)
	case protocol.AssistantContent:
		return prefixed("● ", "  ", v.Text)
	case protocol.ToolCallContent:
		return renderToolCall(v)
	case protocol.ThinkingContent:
		return "✱ Thinking…"
	case protocol.DurationContent:
		return "✱ Crunched for " + formatDuration(v.DurationMs)
	case protocol.SystemContent:
		return v.Text
	case protocol.QuestionContent:
		return renderQuestion(v)
	}
	return ""
}

func renderToolCall(v protocol.ToolCallContent) string {
	head := fmt.Sprintf("● %s(%s)", v.ToolName, v.Label)
	switch {
	case v.Result != "":
		marker := "  └ "
		if v.IsError {
			marker = "  ✗ "
		}
		return head + "\n" + prefixed(marker, "    ", v.Result)
	case v.ProgressText != "":
		return head + "\n  └ " + v.ProgressText
	}
	return head
}

func renderQuestion(v protocol.QuestionContent) string {
	var sb strings.Builder
	for i, q := range v.Questions {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("❓ " + q.Header)
		if q.Question != "" {
			sb.WriteString(": " + q.Question)
		}
		if v.Answers != nil {
			if sel, ok := v.Answers[q.Header]; ok {
				sb.WriteString("\n✓ " + sel)
				continue
			}
			sb.WriteString("\n✓ (answered)")
			continue
		}
		for _, o := range q.Options {
			sb.WriteString("\n○ " + o.Label)
		}
		sb.WriteString("\n(awaiting response)")
	}
	return sb.String()
}

// prefixed renders the first line with head and continuation lines with cont.
func prefixed(head, cont, text string) string {
	lines := strings.Split(text, "\n")
	var sb strings.Builder
	for i, line := range lines {
		if i == 0 {
			sb.WriteString(head + line)
			continue
		}
		sb.WriteString("\n" + cont + line)
	}
	return sb.String()
}

func formatDuration(ms int64) string {
	secs := ms / 1000
	if secs >= 60 {
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	}
	return fmt.Sprintf("%ds", secs)
}
