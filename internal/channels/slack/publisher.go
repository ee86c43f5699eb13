// Package slack adapts the messaging pipeline to the Slack Web API, with
// Socket Mode for inbound commands and button clicks.
package slack

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/nextlevelbuilder/sessionrelay/internal/channels"
	"github.com/nextlevelbuilder/sessionrelay/internal/destinations"
	"github.com/nextlevelbuilder/sessionrelay/internal/messaging"
)

// Publisher posts and updates session messages in Slack channels.
type Publisher struct {
	client *slack.Client
}

// NewPublisher creates a Slack publisher. appToken (xapp-) is optional and
// only needed when the inbound Socket Mode bot is enabled.
func NewPublisher(botToken, appToken string) *Publisher {
	var opts []slack.Option
	if appToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(appToken))
	}
	return &Publisher{client: slack.New(botToken, opts...)}
}

// Kind returns the destination kind this publisher serves.
func (p *Publisher) Kind() string {
	return destinations.KindSlack
}

// Validate checks the bot token against the API.
func (p *Publisher) Validate(ctx context.Context) error {
	if _, err := p.client.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("%w: auth.test: %v", channels.ErrAuth, err)
	}
	return nil
}

// Send posts a new message and returns its timestamp, Slack's message id.
func (p *Publisher) Send(ctx context.Context, dest destinations.Destination, content messaging.Content) (string, error) {
	_, timestamp, err := p.client.PostMessageContext(ctx, dest.Channel, messageOptions(content)...)
	if err != nil {
		return "", fmt.Errorf("slack send: %w", err)
	}
	return timestamp, nil
}

// Edit replaces the blocks of a previously posted message.
func (p *Publisher) Edit(ctx context.Context, dest destinations.Destination, messageID string, content messaging.Content) error {
	_, _, _, err := p.client.UpdateMessageContext(ctx, dest.Channel, messageID, messageOptions(content)...)
	switch {
	case err == nil:
		return nil
	case isMessageGone(err):
		return channels.ErrMessageNotFound
	}
	return fmt.Errorf("slack edit: %w", err)
}

// Close releases API resources. The Web API client is stateless.
func (p *Publisher) Close() error {
	return nil
}

// isMessageGone reports whether the target message no longer exists or is
// outside the editable window.
func isMessageGone(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "message_not_found") ||
		strings.Contains(s, "cant_update_message") ||
		strings.Contains(s, "edit_window_closed")
}
