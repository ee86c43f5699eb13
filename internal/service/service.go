// Package service wires the watcher, transcript processor, event fan-out,
// search index and platform publishers into one runtime. It owns session
// lifecycle and implements the surface the HTTP gateway drives.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/sessionrelay/internal/channels"
	"github.com/nextlevelbuilder/sessionrelay/internal/channels/slack"
	"github.com/nextlevelbuilder/sessionrelay/internal/channels/telegram"
	"github.com/nextlevelbuilder/sessionrelay/internal/config"
	"github.com/nextlevelbuilder/sessionrelay/internal/destinations"
	"github.com/nextlevelbuilder/sessionrelay/internal/events"
	"github.com/nextlevelbuilder/sessionrelay/internal/messaging"
	"github.com/nextlevelbuilder/sessionrelay/internal/searchindex"
	"github.com/nextlevelbuilder/sessionrelay/internal/sse"
	"github.com/nextlevelbuilder/sessionrelay/internal/state"
	"github.com/nextlevelbuilder/sessionrelay/internal/watcher"
	"github.com/nextlevelbuilder/sessionrelay/pkg/protocol"
)

// Service is the long-running core.
type Service struct {
	cfg     *config.Config
	cfgPath string
	cfgMu   sync.Mutex

	store     *state.Store
	tracker   *messaging.Tracker
	debouncer *messaging.Debouncer
	buffers   *events.Manager
	broker    *sse.Broker
	manager   *destinations.Manager
	watch     *watcher.Watcher
	index     *searchindex.Index

	// publishers is keyed by destination kind. Tests inject fakes here
	// between New and Start.
	publishers map[string]channels.Publisher

	telegramBot *telegram.Bot
	slackBot    *slack.Bot

	version string
	started time.Time

	mu       sync.Mutex
	sessions map[string]*sessionRuntime

	// queues serialize platform sends per destination so a slow platform
	// never blocks the processor or the SSE broadcast.
	queueMu      sync.Mutex
	queues       map[string]chan func()
	queuesClosed bool
	queueWG      sync.WaitGroup
	deliveryWG   sync.WaitGroup

	tasksCancel context.CancelFunc
	tasksWG     sync.WaitGroup
}

// New builds a service from loaded config. Start connects it to the world.
func New(cfg *config.Config, cfgPath, version string) *Service {
	s := &Service{
		cfg:     cfg,
		cfgPath: cfgPath,
		version: version,
		store:   state.NewStore(config.ExpandHome(cfg.Database.StateDir)),
		tracker: messaging.NewTracker(),
		debouncer: messaging.NewDebouncer(map[string]time.Duration{
			destinations.KindTelegram: messaging.TelegramDebounce,
			destinations.KindSlack:    messaging.SlackDebounce,
		}),
		buffers:    events.NewManager(),
		publishers: make(map[string]channels.Publisher),
		sessions:   make(map[string]*sessionRuntime),
		queues:     make(map[string]chan func()),
	}
	s.broker = sse.NewBroker(s.buffers)
	s.manager = destinations.NewManager(0, destinations.Hooks{
		OnSessionStart: s.startSession,
		OnSessionStop: func(id string) {
			s.stopSession(id, protocol.EndReasonDetached)
		},
	})
	return s
}

// Broker exposes the SSE broker for the gateway.
func (s *Service) Broker() *sse.Broker { return s.broker }

// Index exposes the search index for the gateway; nil when unavailable.
func (s *Service) Index() *searchindex.Index { return s.index }

// Start brings up publishers, the search index, the file watcher, background
// maintenance and the bot command loops, then restores persisted sessions.
func (s *Service) Start(ctx context.Context) error {
	s.started = time.Now()

	s.setupPublishers(ctx)
	s.openIndex()

	w, err := watcher.New(s.onChange, s.onDeleted)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	s.watch = w
	s.watch.Start()

	tasksCtx, cancel := context.WithCancel(context.Background())
	s.tasksCancel = cancel
	s.startTasks(tasksCtx)

	s.restoreSessions()
	s.startBots(ctx)

	slog.Info("service started",
		"version", s.version,
		"sessions", len(s.manager.Sessions()),
		"index", s.index != nil)
	return nil
}

// Stop flushes pending edits, ends every session stream, persists state and
// releases platform resources.
func (s *Service) Stop(ctx context.Context) {
	if s.tasksCancel != nil {
		s.tasksCancel()
	}
	s.tasksWG.Wait()

	if s.telegramBot != nil {
		s.telegramBot.Stop(ctx)
	}
	if s.slackBot != nil {
		s.slackBot.Stop(ctx)
	}

	s.manager.Shutdown()
	s.closeQueues()
	s.debouncer.Flush()
	s.debouncer.Stop()

	s.mu.Lock()
	runtimes := make([]*sessionRuntime, 0, len(s.sessions))
	for _, rt := range s.sessions {
		runtimes = append(runtimes, rt)
	}
	s.mu.Unlock()
	for _, rt := range runtimes {
		s.saveState(rt)
		s.broker.CloseSession(rt.id, protocol.EndReasonShutdown)
	}
	s.broker.Shutdown()

	if s.watch != nil {
		s.watch.Stop()
	}
	for kind, pub := range s.publishers {
		if err := pub.Close(); err != nil {
			slog.Warn("publisher close failed", "kind", kind, "error", err)
		}
	}
	if s.index != nil {
		s.index.Close()
	}
	slog.Info("service stopped")
}

// setupPublishers builds the configured platform adapters. A missing or
// broken bot never blocks startup; its destinations just stay silent.
func (s *Service) setupPublishers(ctx context.Context) {
	if token := s.cfg.Bots.Telegram.Token; token != "" {
		pub, err := telegram.NewPublisher(token, s.cfg.Bots.Telegram.Proxy)
		if err != nil {
			slog.Warn("telegram publisher unavailable", "error", err)
		} else {
			s.validatePublisher(ctx, pub)
			s.publishers[destinations.KindTelegram] = pub
		}
	}
	if token := s.cfg.Bots.Slack.Token; token != "" {
		pub := slack.NewPublisher(token, s.cfg.Bots.Slack.AppToken)
		s.validatePublisher(ctx, pub)
		s.publishers[destinations.KindSlack] = pub
	}
}

func (s *Service) validatePublisher(ctx context.Context, pub channels.Publisher) {
	vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pub.Validate(vctx); err != nil {
		slog.Warn("publisher credential check failed", "kind", pub.Kind(), "error", err)
		return
	}
	slog.Info("publisher ready", "kind", pub.Kind())
}

// openIndex initializes the search database. Failure degrades search to 503
// instead of failing startup.
func (s *Service) openIndex() {
	stateDir := config.ExpandHome(s.cfg.Database.StateDir)
	path := filepath.Join(stateDir, "search.db")
	if !s.cfg.Index.Persist {
		path = filepath.Join(os.TempDir(), fmt.Sprintf("sessionrelay-search-%d.db", os.Getpid()))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Error("search index unavailable", "error", err)
		return
	}

	dirs := make([]string, 0, len(s.cfg.Index.Paths))
	for _, p := range s.cfg.Index.Paths {
		dirs = append(dirs, config.ExpandHome(p))
	}
	ix, err := searchindex.SafeInitialize(searchindex.Options{
		Path:                  path,
		SessionDirs:           dirs,
		IncludeSubagents:      s.cfg.Index.IncludeSubagents,
		MaxSessionsPerProject: s.cfg.Index.MaxSessionsPerProject,
	})
	if err != nil {
		slog.Error("search index unavailable", "error", err)
		return
	}
	s.index = ix
}

// restoreSessions replays persisted attachments into the runtime.
func (s *Service) restoreSessions() {
	s.cfgMu.Lock()
	restored := make(map[string][]destinations.Destination, len(s.cfg.Sessions))
	for id := range s.cfg.Sessions {
		if ds := s.cfg.SessionDestinations(id); len(ds) > 0 {
			restored[id] = ds
		}
	}
	s.cfgMu.Unlock()
	s.manager.Restore(restored)
}

func (s *Service) startBots(ctx context.Context) {
	lister := &watchedSessions{s: s}
	var search telegram.Searcher
	if s.index != nil {
		search = s.index
	}

	if pub, ok := s.publishers[destinations.KindTelegram].(*telegram.Publisher); ok {
		s.telegramBot = telegram.NewBot(pub, search, lister)
		if err := s.telegramBot.Start(ctx); err != nil {
			slog.Warn("telegram bot not started", "error", err)
			s.telegramBot = nil
		}
	}
	if pub, ok := s.publishers[destinations.KindSlack].(*slack.Publisher); ok {
		var slackSearch slack.Searcher
		if s.index != nil {
			slackSearch = s.index
		}
		s.slackBot = slack.NewBot(pub, slackSearch, lister)
		if err := s.slackBot.Start(ctx); err != nil {
			slog.Warn("slack bot not started", "error", err)
			s.slackBot = nil
		}
	}
}

// watchedSessions lists active session ids for the bot commands.
type watchedSessions struct {
	s *Service
}

func (w *watchedSessions) Sessions() []string {
	snapshot := w.s.manager.Sessions()
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	return ids
}
