package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// Load reads config from a YAML file, migrates older formats, overlays env
// vars and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if legacy := legacyJSONPath(path); legacy != "" {
				return loadLegacyJSON(legacy)
			}
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// legacyJSONPath returns the predecessor JSON5 config location if it exists
// next to the requested YAML path.
func legacyJSONPath(yamlPath string) string {
	base := strings.TrimSuffix(yamlPath, filepath.Ext(yamlPath))
	for _, ext := range []string{".json5", ".json"} {
		if _, err := os.Stat(base + ext); err == nil {
			return base + ext
		}
	}
	return ""
}

// loadLegacyJSON migrates the JSON5 predecessor format in memory. The next
// Save writes the YAML form.
func loadLegacyJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read legacy config: %w", err)
	}

	// The legacy format carries the same field names in snake_case JSON.
	var legacy struct {
		Bots     BotsConfig               `json:"bots"`
		Sessions []legacySessionJSONEntry `json:"sessions"`
		Index    IndexConfig              `json:"index"`
		Search   SearchConfig             `json:"search"`
		Database DatabaseConfig           `json:"database"`
	}
	if err := json5.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("parse legacy config: %w", err)
	}

	cfg := Default()
	cfg.Bots = legacy.Bots
	if legacy.Index.Paths != nil {
		cfg.Index = legacy.Index
	}
	if legacy.Search.DefaultLimit > 0 {
		cfg.Search = legacy.Search
	}
	if legacy.Database.StateDir != "" {
		cfg.Database = legacy.Database
	}
	for _, e := range legacy.Sessions {
		if e.SessionID == "" {
			continue
		}
		cfg.Sessions[e.SessionID] = SessionConfig{Path: e.Path, Destinations: e.Destinations}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type legacySessionJSONEntry struct {
	SessionID    string             `json:"session_id"`
	Path         string             `json:"path"`
	Destinations DestinationsConfig `json:"destinations"`
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				*dst = n
			}
		}
	}

	envStr("SESSIONRELAY_TELEGRAM_TOKEN", &c.Bots.Telegram.Token)
	envStr("SESSIONRELAY_TELEGRAM_WEBHOOK_URL", &c.Bots.Telegram.WebhookURL)
	envStr("SESSIONRELAY_SLACK_TOKEN", &c.Bots.Slack.Token)
	envStr("SESSIONRELAY_SLACK_APP_TOKEN", &c.Bots.Slack.AppToken)

	if v := os.Getenv("SESSIONRELAY_INDEX_PATHS"); v != "" {
		c.Index.Paths = strings.Split(v, ",")
	}
	envInt("SESSIONRELAY_REFRESH_INTERVAL", &c.Index.RefreshInterval)
	envStr("SESSIONRELAY_STATE_DIR", &c.Database.StateDir)
	envInt("SESSIONRELAY_CHECKPOINT_INTERVAL", &c.Database.CheckpointInterval)

	envStr("SESSIONRELAY_HOST", &c.Gateway.Host)
	envInt("SESSIONRELAY_PORT", &c.Gateway.Port)

	envStr("SESSIONRELAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	if v := os.Getenv("SESSIONRELAY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// Save writes the config in the current YAML format, atomically.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
