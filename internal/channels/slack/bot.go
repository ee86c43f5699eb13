package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/nextlevelbuilder/sessionrelay/internal/channels"
	"github.com/nextlevelbuilder/sessionrelay/internal/searchindex"
)

const (
	// searchCommandLimit caps search invocations per user per minute.
	searchCommandLimit = 10
	// searchResultLimit is how many hits a search reply shows.
	searchResultLimit = 5
)

// Searcher is the slice of the search index the slash commands use.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]searchindex.Result, error)
}

// SessionLister reports sessions that currently have attached destinations.
type SessionLister interface {
	Sessions() []string
}

// Bot receives Slack events over Socket Mode and answers slash commands and
// question-button clicks.
type Bot struct {
	client       *slack.Client
	socketClient *socketmode.Client
	search       Searcher
	sessions     SessionLister
	limiter      *channels.WindowLimiter
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewBot wraps the publisher's API client with Socket Mode event handling.
// The publisher must have been built with an app-level token.
func NewBot(p *Publisher, search Searcher, sessions SessionLister) *Bot {
	return &Bot{
		client:       p.client,
		socketClient: socketmode.New(p.client, socketmode.OptionDebug(false)),
		search:       search,
		sessions:     sessions,
		limiter:      channels.NewWindowLimiter(searchCommandLimit, time.Minute),
	}
}

// Start connects Socket Mode and begins handling events.
func (b *Bot) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	auth, err := b.client.AuthTestContext(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: auth.test: %v", channels.ErrAuth, err)
	}
	slog.Info("slack bot connected", "bot_user", auth.UserID, "team", auth.Team)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.handleEvents(runCtx)
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.socketClient.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Warn("slack socket mode exited", "error", err)
		}
	}()

	return nil
}

// Stop disconnects Socket Mode and waits for the event goroutines to exit.
func (b *Bot) Stop(ctx context.Context) error {
	slog.Info("stopping slack bot")
	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bot) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-b.socketClient.Events:
			if !ok {
				return
			}
			switch event.Type {
			case socketmode.EventTypeConnecting:
				slog.Debug("slack socket mode connecting")
			case socketmode.EventTypeConnectionError:
				slog.Warn("slack socket mode connection error", "data", fmt.Sprintf("%v", event.Data))
			case socketmode.EventTypeConnected:
				slog.Debug("slack socket mode connected")
			case socketmode.EventTypeSlashCommand:
				b.handleSlashCommand(ctx, event)
			case socketmode.EventTypeInteractive:
				b.handleInteractive(ctx, event)
			case socketmode.EventTypeEventsAPI:
				// Events API callbacks only need the ack.
				if event.Request != nil {
					b.socketClient.Ack(*event.Request)
				}
			}
		}
	}
}

func (b *Bot) handleSlashCommand(ctx context.Context, event socketmode.Event) {
	cmd, ok := event.Data.(slack.SlashCommand)
	if !ok {
		if event.Request != nil {
			b.socketClient.Ack(*event.Request)
		}
		return
	}

	respond := func(text string) {
		b.socketClient.Ack(*event.Request, map[string]interface{}{
			"response_type": "ephemeral",
			"text":          text,
		})
	}

	verb, args := splitCommandText(cmd.Text)
	slog.Debug("slack slash command", "command", cmd.Command, "verb", verb, "user", cmd.UserID)

	switch verb {
	case "sessions":
		sessions := b.sessions.Sessions()
		if len(sessions) == 0 {
			respond("No sessions attached.")
			return
		}
		var sb strings.Builder
		sb.WriteString("Attached sessions:\n")
		for _, id := range sessions {
			sb.WriteString("• ")
			sb.WriteString(id)
			sb.WriteString("\n")
		}
		respond(sb.String())

	case "search":
		if b.search == nil {
			respond("Search is unavailable.")
			return
		}
		if args == "" {
			respond(fmt.Sprintf("Usage: %s search <query>", cmd.Command))
			return
		}
		if ok, retry := b.limiter.Allow(cmd.UserID); !ok {
			respond(fmt.Sprintf("Rate limit exceeded, retry in %ds.", retry))
			return
		}
		results, err := b.search.Search(ctx, args, searchResultLimit)
		if err != nil {
			slog.Warn("slack search command failed", "query", args, "error", err)
			respond("Search failed, try again later.")
			return
		}
		respond(formatSearchResults(args, results))

	default:
		respond(fmt.Sprintf("Commands:\n%[1]s search <query> — Search session transcripts\n%[1]s sessions — List attached sessions", cmd.Command))
	}
}

// handleInteractive acknowledges question-button clicks. Answers are only
// accepted in the CLI, so the ack is ephemeral and changes nothing.
func (b *Bot) handleInteractive(ctx context.Context, event socketmode.Event) {
	callback, ok := event.Data.(slack.InteractionCallback)
	if event.Request != nil {
		b.socketClient.Ack(*event.Request)
	}
	if !ok || callback.Type != slack.InteractionTypeBlockActions {
		return
	}

	slog.Debug("slack block action received", "user", callback.User.ID, "channel", callback.Channel.ID)
	_, err := b.client.PostEphemeralContext(ctx, callback.Channel.ID, callback.User.ID,
		slack.MsgOptionText("Respond in the CLI to answer this question.", false))
	if err != nil {
		slog.Warn("slack ephemeral ack failed", "error", err)
	}
}

// splitCommandText separates the subcommand verb from its arguments.
func splitCommandText(text string) (string, string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}
	parts := strings.SplitN(text, " ", 2)
	verb := strings.ToLower(parts[0])
	if len(parts) == 1 {
		return verb, ""
	}
	return verb, strings.TrimSpace(parts[1])
}

func formatSearchResults(query string, results []searchindex.Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No sessions matched %q.", query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Top matches for %q:\n", query)
	for i, r := range results {
		summary := r.Summary
		if summary == "" {
			summary = "(no summary)"
		}
		fmt.Fprintf(&sb, "%d. %s — %s (%s)\n", i+1, summary, r.ProjectPath, r.Modified.Format("2006-01-02"))
	}
	return sb.String()
}
