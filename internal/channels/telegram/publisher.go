// Package telegram adapts the messaging pipeline to the Telegram Bot API
// using long polling.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/sessionrelay/internal/channels"
	"github.com/nextlevelbuilder/sessionrelay/internal/destinations"
	"github.com/nextlevelbuilder/sessionrelay/internal/messaging"
)

// telegramMessageLimit is the Bot API cap on message text length.
const telegramMessageLimit = 4096

// telegramGeneralTopicID is the fixed topic ID for the "General" topic in
// forum supergroups. The API rejects it on send; General is addressed by
// omitting the thread id.
const telegramGeneralTopicID = 1

// resolveThreadIDForSend returns the thread ID for Telegram send API calls.
// General topic (1) must be omitted or Telegram answers "thread not found".
func resolveThreadIDForSend(threadID int) int {
	if threadID == telegramGeneralTopicID {
		return 0
	}
	return threadID
}

// Publisher sends and edits session messages in Telegram chats.
type Publisher struct {
	bot *telego.Bot
}

// NewPublisher creates a Telegram publisher. proxy is an optional HTTP proxy
// URL for restricted networks.
func NewPublisher(token, proxy string) (*Publisher, error) {
	var opts []telego.BotOption

	if proxy != "" {
		proxyURL, parseErr := url.Parse(proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Publisher{bot: bot}, nil
}

// Kind returns the destination kind this publisher serves.
func (p *Publisher) Kind() string {
	return destinations.KindTelegram
}

// Validate checks the bot token against the API.
func (p *Publisher) Validate(ctx context.Context) error {
	if _, err := p.bot.GetMe(ctx); err != nil {
		return fmt.Errorf("%w: getMe: %v", channels.ErrAuth, err)
	}
	return nil
}

// Send posts a new message and returns its message id.
func (p *Publisher) Send(ctx context.Context, dest destinations.Destination, content messaging.Content) (string, error) {
	msg := tu.Message(tu.ID(dest.ChatID), formatText(content))
	msg.ParseMode = telego.ModeMarkdown
	if threadID := resolveThreadIDForSend(dest.ThreadID); threadID > 0 {
		msg.MessageThreadID = threadID
	}
	if markup := questionKeyboard(content); markup != nil {
		msg.ReplyMarkup = markup
	}

	sent, err := p.bot.SendMessage(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// Edit replaces the text (and keyboard) of a previously sent message.
func (p *Publisher) Edit(ctx context.Context, dest destinations.Destination, messageID string, content messaging.Content) error {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("bad telegram message id %q: %w", messageID, err)
	}

	params := &telego.EditMessageTextParams{
		ChatID:    tu.ID(dest.ChatID),
		MessageID: id,
		Text:      formatText(content),
		ParseMode: telego.ModeMarkdown,
	}
	if markup := questionKeyboard(content); markup != nil {
		params.ReplyMarkup = markup
	}

	_, err = p.bot.EditMessageText(ctx, params)
	switch {
	case err == nil:
		return nil
	case isNotModified(err):
		// Identical content; nothing to do.
		return nil
	case isMessageGone(err):
		return channels.ErrMessageNotFound
	}
	return fmt.Errorf("telegram edit: %w", err)
}

// Close releases the underlying HTTP client. Long polling is owned by the
// inbound Bot, not the publisher.
func (p *Publisher) Close() error {
	return nil
}

// isNotModified reports whether the API rejected an edit because the message
// already has that exact content.
func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

// isMessageGone reports whether the target message no longer exists or can no
// longer be edited.
func isMessageGone(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "message to edit not found") ||
		strings.Contains(s, "message can't be edited") ||
		strings.Contains(s, "message to delete not found")
}
