package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/nextlevelbuilder/sessionrelay/internal/channels"
	"github.com/nextlevelbuilder/sessionrelay/internal/config"
	"github.com/nextlevelbuilder/sessionrelay/internal/destinations"
	"github.com/nextlevelbuilder/sessionrelay/internal/gateway"
	"github.com/nextlevelbuilder/sessionrelay/internal/messaging"
	"github.com/nextlevelbuilder/sessionrelay/internal/timeline"
	"github.com/nextlevelbuilder/sessionrelay/internal/transcript"
)

const defaultPreviewLines = 100

// Attach connects a destination to a session, persists the attachment and
// optionally replays recent activity to the new destination.
func (s *Service) Attach(ctx context.Context, req gateway.AttachRequest) (gateway.AttachResult, error) {
	pub, ok := s.publishers[req.Destination.Kind]
	if !ok {
		return gateway.AttachResult{}, fmt.Errorf("%w: %s", channels.ErrNoPublisher, req.Destination.Kind)
	}

	path, err := s.resolvePath(req.SessionID, req.Path)
	if err != nil {
		return gateway.AttachResult{}, err
	}
	if _, err := os.Stat(path); err != nil {
		return gateway.AttachResult{}, fmt.Errorf("transcript %s: %w", path, err)
	}
	if err := pub.Validate(ctx); err != nil {
		return gateway.AttachResult{}, err
	}

	s.cfgMu.Lock()
	s.cfg.SetSessionDestination(req.SessionID, path, req.Destination)
	s.persistConfigLocked()
	s.cfgMu.Unlock()

	if err := s.manager.Attach(req.SessionID, req.Destination); err != nil {
		return gateway.AttachResult{}, err
	}

	replayed := 0
	if req.ReplayCount > 0 {
		replayed = s.tracker.ReplaySize(req.SessionID)
		if replayed > req.ReplayCount {
			replayed = req.ReplayCount
		}
		if body := s.tracker.RenderReplay(req.SessionID, req.ReplayCount); body != "" {
			s.sendNew(req.SessionID, "replay:"+req.SessionID, pub, req.Destination,
				messaging.Content{Kind: messaging.KindSystem, Text: body})
		}
	}

	return gateway.AttachResult{Attached: true, ReplayedEvents: replayed}, nil
}

// Detach removes a destination and persists the removal.
func (s *Service) Detach(ctx context.Context, sessionID string, dest destinations.Destination) error {
	if err := s.manager.Detach(sessionID, dest); err != nil {
		return err
	}
	s.cfgMu.Lock()
	s.cfg.RemoveSessionDestination(sessionID, dest)
	s.persistConfigLocked()
	s.cfgMu.Unlock()
	return nil
}

// Sessions lists the watched sessions, sorted by id.
func (s *Service) Sessions() []gateway.SessionInfo {
	snapshot := s.manager.Sessions()
	out := make([]gateway.SessionInfo, 0, len(snapshot))
	for id, ds := range snapshot {
		info := gateway.SessionInfo{
			SessionID:    id,
			Destinations: ds,
			Subscribers:  s.broker.SubscriberCount(id),
		}
		if rt := s.runtime(id); rt != nil {
			info.Path = rt.path
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Preview renders the transcript tail as markdown without touching the
// session's live read position.
func (s *Service) Preview(ctx context.Context, sessionID string, limit int) (gateway.Preview, error) {
	if limit <= 0 {
		limit = defaultPreviewLines
	}
	path, err := s.resolvePath(sessionID, "")
	if err != nil {
		return gateway.Preview{}, err
	}

	offset, err := transcript.SeekToLastNLines(path, limit)
	if err != nil {
		return gateway.Preview{}, err
	}
	res, err := transcript.ReadNewLines(path, offset)
	if err != nil {
		return gateway.Preview{}, err
	}

	tl := timeline.New()
	pctx := transcript.NewContext()
	for _, rec := range res.Records {
		evs, next := transcript.Process(pctx, rec)
		pctx = next
		for _, ev := range evs {
			tl.Apply(ev)
		}
	}
	return gateway.Preview{
		SessionID: sessionID,
		Events:    tl.Len(),
		Markdown:  tl.RenderMarkdown(),
	}, nil
}

// RefreshIndex rescans the session directories. A refresh that fails an
// integrity check quarantines the database and rebuilds from scratch.
func (s *Service) RefreshIndex(ctx context.Context) error {
	if s.index == nil {
		return errors.New("search index unavailable")
	}
	stats, err := s.index.Refresh(ctx)
	if err == nil {
		slog.Info("index refreshed",
			"scanned", stats.Scanned, "indexed", stats.Indexed,
			"skipped", stats.Skipped, "removed", stats.Removed)
		return nil
	}

	if verr := s.index.VerifyIntegrity(ctx); verr != nil {
		slog.Error("index corrupted, rebuilding", "error", verr)
		return s.rebuildIndex(ctx)
	}
	return err
}

func (s *Service) rebuildIndex(ctx context.Context) error {
	s.index.Close()
	s.index = nil
	s.openIndex()
	if s.index == nil {
		return errors.New("index rebuild failed")
	}
	_, err := s.index.Refresh(ctx)
	return err
}

// Health reports service and component status.
func (s *Service) Health() gateway.Health {
	h := gateway.Health{
		Status:          "ok",
		SessionsWatched: len(s.manager.Sessions()),
		UptimeSeconds:   int64(time.Since(s.started).Seconds()),
		Bots:            map[string]gateway.BotHealth{},
	}
	h.Bots[destinations.KindTelegram] = botHealth(s.cfg.Bots.Telegram.Token != "", s.publishers[destinations.KindTelegram] != nil)
	h.Bots[destinations.KindSlack] = botHealth(s.cfg.Bots.Slack.Token != "", s.publishers[destinations.KindSlack] != nil)

	if s.index != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if stats, err := s.index.Stats(ctx); err == nil {
			h.Index = &stats
		}
	}
	return h
}

func botHealth(configured, running bool) gateway.BotHealth {
	h := gateway.BotHealth{Configured: configured}
	switch {
	case !configured:
		h.Status = "absent"
	case running:
		h.Status = "connected"
	default:
		h.Status = "error"
	}
	return h
}

// resolvePath finds a session's transcript path: explicit request value
// first, then the persisted configuration.
func (s *Service) resolvePath(sessionID, explicit string) (string, error) {
	if explicit != "" {
		return config.ExpandHome(explicit), nil
	}
	if rt := s.runtime(sessionID); rt != nil {
		return rt.path, nil
	}
	s.cfgMu.Lock()
	path := s.cfg.Sessions[sessionID].Path
	s.cfgMu.Unlock()
	if path == "" {
		return "", fmt.Errorf("session %s: transcript path unknown: %w", sessionID, fs.ErrNotExist)
	}
	return config.ExpandHome(path), nil
}

// persistConfigLocked writes the config; the caller holds cfgMu. Failure is
// logged, not fatal: the runtime state is already updated.
func (s *Service) persistConfigLocked() {
	if s.cfgPath == "" {
		return
	}
	if err := config.Save(s.cfgPath, s.cfg); err != nil {
		slog.Warn("config save failed", "path", s.cfgPath, "error", err)
	}
}
