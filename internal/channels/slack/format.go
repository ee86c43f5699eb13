package slack

import (
	"strings"

	"github.com/slack-go/slack"

	"github.com/nextlevelbuilder/sessionrelay/internal/channels"
	"github.com/nextlevelbuilder/sessionrelay/internal/messaging"
)

const (
	// maxBlocks is the Slack cap on blocks per message.
	maxBlocks = 50
	// maxSectionText is the Slack cap on text length in a section block.
	maxSectionText = 3000
)

// mrkdwnEscaper escapes the control characters of Slack's mrkdwn format.
// Session text must never be interpreted as channel links or commands.
var mrkdwnEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

// EscapeMrkdwn escapes &, < and > for Slack mrkdwn text.
func EscapeMrkdwn(s string) string {
	return mrkdwnEscaper.Replace(s)
}

// buildBlocks renders message content as Block Kit blocks: the body as
// mrkdwn sections (chunked to the per-section text cap) plus an actions
// block with the question buttons. The total is capped at the platform
// block limit.
func buildBlocks(content messaging.Content) []slack.Block {
	var blocks []slack.Block

	text := EscapeMrkdwn(content.Text)
	if content.Kind == messaging.KindSystem || content.Kind == messaging.KindCompaction {
		text = "_" + text + "_"
	}

	for _, chunk := range chunkText(text, maxSectionText) {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, chunk, false, false), nil, nil,
		))
	}

	if actions := questionActions(content); actions != nil {
		blocks = append(blocks, actions...)
	}

	if len(blocks) > maxBlocks {
		blocks = blocks[:maxBlocks]
	}
	return blocks
}

// messageOptions wraps the blocks for PostMessage/UpdateMessage.
func messageOptions(content messaging.Content) []slack.MsgOption {
	blocks := buildBlocks(content)
	return []slack.MsgOption{
		slack.MsgOptionBlocks(blocks...),
		// Fallback text for notifications and clients without Block Kit.
		slack.MsgOptionText(channels.TruncateRunes(content.Text, maxSectionText), false),
	}
}

// questionActions builds the action blocks for a question message, one
// actions block per button row.
func questionActions(content messaging.Content) []slack.Block {
	if content.Question == nil || content.RemoveKeyboard {
		return nil
	}

	var blocks []slack.Block
	for _, row := range channels.QuestionButtons(content.Question) {
		elements := make([]slack.BlockElement, 0, len(row))
		for _, b := range row {
			elements = append(elements, slack.NewButtonBlockElement(
				b.Data, b.Data,
				slack.NewTextBlockObject(slack.PlainTextType, b.Label, true, false),
			))
		}
		blocks = append(blocks, slack.NewActionBlock("", elements...))
	}
	return blocks
}

// chunkText splits s into pieces of at most max runes, breaking on newlines
// where possible. Empty input yields a single empty chunk so a message always
// has a body section.
func chunkText(s string, max int) []string {
	if s == "" {
		return []string{" "}
	}

	var chunks []string
	runes := []rune(s)
	for len(runes) > 0 {
		if len(runes) <= max {
			chunks = append(chunks, string(runes))
			break
		}
		cut := max
		for i := max - 1; i > max/2; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
		if len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	return chunks
}
