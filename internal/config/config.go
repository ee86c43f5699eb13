// Package config defines the typed YAML configuration and its migrations
// from older formats.
package config

import (
	"fmt"
	"os"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/sessionrelay/internal/destinations"
)

// Config is the full persisted configuration.
type Config struct {
	Bots      BotsConfig      `yaml:"bots"`
	Sessions  SessionsMap     `yaml:"sessions"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search"`
	Database  DatabaseConfig  `yaml:"database"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// BotsConfig holds the messaging platform credentials. Absent bots are
// allowed; the affected destinations degrade gracefully.
type BotsConfig struct {
	Telegram TelegramBotConfig `yaml:"telegram,omitempty"`
	Slack    SlackBotConfig    `yaml:"slack,omitempty"`
}

type TelegramBotConfig struct {
	Token      string `yaml:"token,omitempty"`
	Mode       string `yaml:"mode,omitempty"` // polling (default) or webhook
	WebhookURL string `yaml:"webhook_url,omitempty"`
	Proxy      string `yaml:"proxy,omitempty"`
}

type SlackBotConfig struct {
	Token         string `yaml:"token,omitempty"`     // xoxb- bot token
	AppToken      string `yaml:"app_token,omitempty"` // xapp- token for Socket Mode
	SigningSecret string `yaml:"signing_secret,omitempty"`
}

// SessionConfig is one watched session and its attached destinations.
type SessionConfig struct {
	Path         string             `yaml:"path"`
	Destinations DestinationsConfig `yaml:"destinations"`
}

type DestinationsConfig struct {
	Telegram []TelegramDestination `yaml:"telegram,omitempty"`
	Slack    []SlackDestination    `yaml:"slack,omitempty"`
}

type TelegramDestination struct {
	ChatID   int64 `yaml:"chat_id"`
	ThreadID int   `yaml:"thread_id,omitempty"`
}

type SlackDestination struct {
	Channel string `yaml:"channel"`
}

// SessionsMap maps session ids to their configuration. The writer always
// emits the map form; the reader also accepts the legacy list form and
// migrates it in memory.
type SessionsMap map[string]SessionConfig

// legacySessionEntry is one element of the pre-map sessions list.
type legacySessionEntry struct {
	SessionID    string             `yaml:"session_id"`
	Path         string             `yaml:"path"`
	Destinations DestinationsConfig `yaml:"destinations"`
}

// UnmarshalYAML accepts both the map form and the legacy list form.
func (m *SessionsMap) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		raw := map[string]SessionConfig{}
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*m = raw
		return nil
	case yaml.SequenceNode:
		var entries []legacySessionEntry
		if err := value.Decode(&entries); err != nil {
			return err
		}
		out := make(SessionsMap, len(entries))
		for _, e := range entries {
			if e.SessionID == "" {
				continue
			}
			out[e.SessionID] = SessionConfig{Path: e.Path, Destinations: e.Destinations}
		}
		*m = out
		return nil
	case 0:
		*m = SessionsMap{}
		return nil
	}
	return fmt.Errorf("sessions: unsupported YAML node kind %d", value.Kind)
}

// IndexConfig controls the transcript scan.
type IndexConfig struct {
	// Paths are the session directory roots to scan.
	Paths []string `yaml:"paths"`
	// RefreshInterval is the periodic refresh cadence in seconds.
	RefreshInterval int `yaml:"refresh_interval"`
	// RefreshSchedule is an optional cron expression; when set it replaces
	// the fixed interval.
	RefreshSchedule       string `yaml:"refresh_schedule,omitempty"`
	MaxSessionsPerProject int    `yaml:"max_sessions_per_project"`
	IncludeSubagents      bool   `yaml:"include_subagents"`
	Persist               bool   `yaml:"persist"`
}

// SearchConfig controls the search API surface.
type SearchConfig struct {
	DefaultLimit    int    `yaml:"default_limit"`
	MaxLimit        int    `yaml:"max_limit"`
	DefaultSort     string `yaml:"default_sort"`
	StateTTLSeconds int    `yaml:"state_ttl_seconds"`
}

// DatabaseConfig controls the state directory and database maintenance.
type DatabaseConfig struct {
	StateDir string `yaml:"state_dir"`
	// CheckpointInterval is the WAL checkpoint cadence in seconds; 0 disables.
	CheckpointInterval int          `yaml:"checkpoint_interval"`
	VacuumOnStartup    bool         `yaml:"vacuum_on_startup"`
	Backup             BackupConfig `yaml:"backup"`
}

type BackupConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path,omitempty"`
	KeepCount int    `yaml:"keep_count"`
}

// GatewayConfig controls the HTTP surface.
type GatewayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TelemetryConfig controls optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	Protocol    string `yaml:"protocol,omitempty"` // grpc (default) or http
	ServiceName string `yaml:"service_name,omitempty"`
	Insecure    bool   `yaml:"insecure,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Sessions: SessionsMap{},
		Index: IndexConfig{
			Paths:           []string{"~/.claude/projects"},
			RefreshInterval: 300,
			Persist:         true,
		},
		Search: SearchConfig{
			DefaultLimit:    20,
			MaxLimit:        100,
			DefaultSort:     "relevance",
			StateTTLSeconds: 300,
		},
		Database: DatabaseConfig{
			StateDir:           "~/.sessionrelay/state",
			CheckpointInterval: 300,
			Backup: BackupConfig{
				KeepCount: 3,
			},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18490,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "sessionrelay",
		},
	}
}

// Validate checks cross-field constraints that YAML decoding cannot.
func (c *Config) Validate() error {
	if c.Index.RefreshSchedule != "" {
		if !gronx.New().IsValid(c.Index.RefreshSchedule) {
			return fmt.Errorf("index.refresh_schedule: invalid cron expression %q", c.Index.RefreshSchedule)
		}
	}
	if c.Search.MaxLimit > 0 && c.Search.DefaultLimit > c.Search.MaxLimit {
		return fmt.Errorf("search.default_limit %d exceeds max_limit %d", c.Search.DefaultLimit, c.Search.MaxLimit)
	}
	for id, sess := range c.Sessions {
		for _, d := range sess.Destinations.Telegram {
			dest := destinations.Destination{Kind: destinations.KindTelegram, ChatID: d.ChatID, ThreadID: d.ThreadID}
			if err := dest.Validate(); err != nil {
				return fmt.Errorf("sessions.%s: %w", id, err)
			}
		}
		for _, d := range sess.Destinations.Slack {
			dest := destinations.Destination{Kind: destinations.KindSlack, Channel: d.Channel}
			if err := dest.Validate(); err != nil {
				return fmt.Errorf("sessions.%s: %w", id, err)
			}
		}
	}
	return nil
}

// SessionDestinations converts a session's configured destinations to their
// runtime form.
func (c *Config) SessionDestinations(sessionID string) []destinations.Destination {
	sess, ok := c.Sessions[sessionID]
	if !ok {
		return nil
	}
	var out []destinations.Destination
	for _, d := range sess.Destinations.Telegram {
		out = append(out, destinations.Destination{
			Kind:     destinations.KindTelegram,
			ChatID:   d.ChatID,
			ThreadID: d.ThreadID,
		})
	}
	for _, d := range sess.Destinations.Slack {
		out = append(out, destinations.Destination{
			Kind:    destinations.KindSlack,
			Channel: d.Channel,
		})
	}
	return out
}

// SetSessionDestination records an attachment in the config so it survives
// restarts. It is idempotent.
func (c *Config) SetSessionDestination(sessionID, path string, dest destinations.Destination) {
	if c.Sessions == nil {
		c.Sessions = SessionsMap{}
	}
	sess := c.Sessions[sessionID]
	if path != "" {
		sess.Path = path
	}
	switch dest.Kind {
	case destinations.KindTelegram:
		for _, d := range sess.Destinations.Telegram {
			if d.ChatID == dest.ChatID && d.ThreadID == dest.ThreadID {
				c.Sessions[sessionID] = sess
				return
			}
		}
		sess.Destinations.Telegram = append(sess.Destinations.Telegram,
			TelegramDestination{ChatID: dest.ChatID, ThreadID: dest.ThreadID})
	case destinations.KindSlack:
		for _, d := range sess.Destinations.Slack {
			if d.Channel == dest.Channel {
				c.Sessions[sessionID] = sess
				return
			}
		}
		sess.Destinations.Slack = append(sess.Destinations.Slack,
			SlackDestination{Channel: dest.Channel})
	}
	c.Sessions[sessionID] = sess
}

// RemoveSessionDestination removes an attachment; the session entry itself is
// dropped when its last destination goes.
func (c *Config) RemoveSessionDestination(sessionID string, dest destinations.Destination) {
	sess, ok := c.Sessions[sessionID]
	if !ok {
		return
	}
	switch dest.Kind {
	case destinations.KindTelegram:
		kept := sess.Destinations.Telegram[:0]
		for _, d := range sess.Destinations.Telegram {
			if d.ChatID != dest.ChatID || d.ThreadID != dest.ThreadID {
				kept = append(kept, d)
			}
		}
		sess.Destinations.Telegram = kept
	case destinations.KindSlack:
		kept := sess.Destinations.Slack[:0]
		for _, d := range sess.Destinations.Slack {
			if d.Channel != dest.Channel {
				kept = append(kept, d)
			}
		}
		sess.Destinations.Slack = kept
	}
	if len(sess.Destinations.Telegram) == 0 && len(sess.Destinations.Slack) == 0 {
		delete(c.Sessions, sessionID)
		return
	}
	c.Sessions[sessionID] = sess
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
