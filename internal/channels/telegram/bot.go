package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/sessionrelay/internal/channels"
	"github.com/nextlevelbuilder/sessionrelay/internal/searchindex"
)

const (
	// searchCommandLimit caps /search invocations per chat per minute.
	searchCommandLimit = 10
	// searchResultLimit is how many hits a /search reply shows.
	searchResultLimit = 5
)

// Searcher is the slice of the search index the bot commands use.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]searchindex.Result, error)
}

// SessionLister reports sessions that currently have attached destinations.
type SessionLister interface {
	Sessions() []string
}

// Bot receives Telegram updates via long polling and answers the bot
// commands and question-button callbacks.
type Bot struct {
	bot        *telego.Bot
	search     Searcher
	sessions   SessionLister
	limiter    *channels.WindowLimiter
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewBot wraps the publisher's API client with inbound update handling.
func NewBot(p *Publisher, search Searcher, sessions SessionLister) *Bot {
	return &Bot{
		bot:      p.bot,
		search:   search,
		sessions: sessions,
		limiter:  channels.NewWindowLimiter(searchCommandLimit, time.Minute),
	}
}

// Start begins long polling for Telegram updates.
func (b *Bot) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	// Stop() cancels this context to cleanly shut down long polling.
	pollCtx, cancel := context.WithCancel(ctx)
	b.pollCancel = cancel
	b.pollDone = make(chan struct{})

	updates, err := b.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: 30,
		AllowedUpdates: []string{
			"message",
			"callback_query",
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	// Register bot menu commands with retry.
	go func() {
		for attempt := 1; attempt <= 3; attempt++ {
			if err := b.syncMenuCommands(pollCtx); err != nil {
				slog.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
				if attempt < 3 {
					select {
					case <-pollCtx.Done():
						return
					case <-time.After(time.Duration(attempt*5) * time.Second):
					}
				}
			} else {
				slog.Info("telegram menu commands synced")
				return
			}
		}
	}()

	go func() {
		defer close(b.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				switch {
				case update.Message != nil:
					b.handleMessage(pollCtx, update.Message)
				case update.CallbackQuery != nil:
					b.handleCallbackQuery(pollCtx, update.CallbackQuery)
				default:
					slog.Debug("telegram update skipped (no message)", "update_id", update.UpdateID)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the update goroutine to exit.
func (b *Bot) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	if b.pollCancel != nil {
		b.pollCancel()
	}
	if b.pollDone != nil {
		select {
		case <-b.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit in time")
		}
	}
	return nil
}

func (b *Bot) syncMenuCommands(ctx context.Context) error {
	return b.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{
		Commands: []telego.BotCommand{
			{Command: "search", Description: "Search session transcripts"},
			{Command: "sessions", Description: "List sessions relayed to this bot"},
			{Command: "help", Description: "Show available commands"},
		},
	})
}

func (b *Bot) handleMessage(ctx context.Context, message *telego.Message) {
	text := message.Text
	if len(text) == 0 || text[0] != '/' {
		return
	}

	// Extract command (strip @botname suffix if present).
	cmd := strings.SplitN(text, " ", 2)[0]
	cmd = strings.SplitN(cmd, "@", 2)[0]
	cmd = strings.ToLower(cmd)

	args := ""
	if parts := strings.SplitN(text, " ", 2); len(parts) == 2 {
		args = strings.TrimSpace(parts[1])
	}

	chatID := message.Chat.ID
	chatIDObj := tu.ID(chatID)

	// Set MessageThreadID on replies inside forum topics. General topic (1)
	// must be omitted.
	setThread := func(msg *telego.SendMessageParams) {
		if sendThreadID := resolveThreadIDForSend(message.MessageThreadID); sendThreadID > 0 {
			msg.MessageThreadID = sendThreadID
		}
	}

	reply := func(body string) {
		msg := tu.Message(chatIDObj, channels.TruncateRunes(body, telegramMessageLimit))
		setThread(msg)
		if _, err := b.bot.SendMessage(ctx, msg); err != nil {
			slog.Warn("telegram command reply failed", "command", cmd, "chat_id", chatID, "error", err)
		}
	}

	switch cmd {
	case "/help", "/start":
		reply("Available commands:\n" +
			"/search <query> — Search session transcripts\n" +
			"/sessions — List sessions relayed to this bot\n" +
			"/help — Show this help message")

	case "/sessions":
		sessions := b.sessions.Sessions()
		if len(sessions) == 0 {
			reply("No sessions attached.")
			return
		}
		var sb strings.Builder
		sb.WriteString("Attached sessions:\n")
		for _, id := range sessions {
			sb.WriteString("• ")
			sb.WriteString(id)
			sb.WriteString("\n")
		}
		reply(sb.String())

	case "/search":
		if b.search == nil {
			reply("Search is unavailable.")
			return
		}
		if args == "" {
			reply("Usage: /search <query>")
			return
		}
		if ok, retry := b.limiter.Allow(fmt.Sprintf("%d", chatID)); !ok {
			reply(fmt.Sprintf("Rate limit exceeded, retry in %ds.", retry))
			return
		}
		results, err := b.search.Search(ctx, args, searchResultLimit)
		if err != nil {
			slog.Warn("telegram search command failed", "query", args, "error", err)
			reply("Search failed, try again later.")
			return
		}
		reply(formatSearchResults(args, results))
	}
}

// handleCallbackQuery acknowledges question-button presses. Answers are only
// accepted in the CLI, so the ack is ephemeral and changes nothing.
func (b *Bot) handleCallbackQuery(ctx context.Context, query *telego.CallbackQuery) {
	slog.Debug("telegram callback received", "data", query.Data, "from", query.From.ID)
	err := b.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: query.ID,
		Text:            "Respond in the CLI to answer this question.",
	})
	if err != nil {
		slog.Warn("telegram callback ack failed", "error", err)
	}
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
