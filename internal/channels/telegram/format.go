package telegram

import (
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/sessionrelay/internal/channels"
	"github.com/nextlevelbuilder/sessionrelay/internal/messaging"
)

// markdownEscaper escapes the characters the legacy Markdown parse mode
// treats as formatting. Session text is user/agent controlled and must never
// toggle formatting or break the message.
var markdownEscaper = strings.NewReplacer(
	"_", "\\_",
	"*", "\\*",
	"`", "\\`",
	"[", "\\[",
)

// EscapeMarkdown escapes Telegram Markdown control characters in s.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// formatText renders message content as Telegram Markdown, capped at the
// platform message limit.
func formatText(content messaging.Content) string {
	text := EscapeMarkdown(content.Text)
	if content.Kind == messaging.KindSystem || content.Kind == messaging.KindCompaction {
		return "_" + truncateEscaped(text, telegramMessageLimit-2) + "_"
	}
	return truncateEscaped(text, telegramMessageLimit)
}

// truncateEscaped caps escaped text at limit runes. The cut can land between
// a backslash and the character it escapes; the orphaned backslash is dropped
// so the tail stays well formed.
func truncateEscaped(s string, limit int) string {
	t := channels.TruncateRunes(s, limit)
	if t == s {
		return t
	}
	if head, ok := strings.CutSuffix(t, "…"); ok && strings.HasSuffix(head, `\`) {
		t = strings.TrimSuffix(head, `\`) + "…"
	}
	return t
}

// questionKeyboard builds the inline keyboard for a question message, or nil
// when the content carries no question or the keyboard should be removed.
func questionKeyboard(content messaging.Content) *telego.InlineKeyboardMarkup {
	if content.Question == nil || content.RemoveKeyboard {
		return nil
	}

	var rows [][]telego.InlineKeyboardButton
	for _, row := range channels.QuestionButtons(content.Question) {
		buttons := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tu.InlineKeyboardButton(b.Label).WithCallbackData(b.Data))
		}
		rows = append(rows, buttons)
	}
	if len(rows) == 0 {
		return nil
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
}
