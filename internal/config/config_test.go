package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/sessionrelay/internal/destinations"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Index.RefreshInterval != 300 {
		t.Errorf("refresh_interval = %d", cfg.Index.RefreshInterval)
	}
	if cfg.Search.DefaultLimit != 20 || cfg.Search.MaxLimit != 100 {
		t.Errorf("search defaults = %+v", cfg.Search)
	}
}

func TestLoadMapSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write(t, path, `
bots:
  telegram:
    token: "123:abc"
sessions:
  sess-1:
    path: /tmp/s1.jsonl
    destinations:
      telegram:
        - chat_id: -100123
          thread_id: 7
      slack:
        - channel: C0123
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	sess, ok := cfg.Sessions["sess-1"]
	if !ok {
		t.Fatal("session missing")
	}
	if sess.Path != "/tmp/s1.jsonl" {
		t.Errorf("path = %q", sess.Path)
	}

	dests := cfg.SessionDestinations("sess-1")
	if len(dests) != 2 {
		t.Fatalf("destinations = %d", len(dests))
	}
	if dests[0].Kind != destinations.KindTelegram || dests[0].ChatID != -100123 || dests[0].ThreadID != 7 {
		t.Errorf("telegram dest = %+v", dests[0])
	}
	if dests[1].Kind != destinations.KindSlack || dests[1].Channel != "C0123" {
		t.Errorf("slack dest = %+v", dests[1])
	}
}

func TestLoadLegacyListSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write(t, path, `
sessions:
  - session_id: old-1
    path: /tmp/old.jsonl
    destinations:
      telegram:
        - chat_id: 42
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	sess, ok := cfg.Sessions["old-1"]
	if !ok {
		t.Fatal("legacy session not migrated to map")
	}
	if sess.Path != "/tmp/old.jsonl" {
		t.Errorf("path = %q", sess.Path)
	}
}

func TestLoadLegacyJSON5(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "config.json5"), `{
  // predecessor format
  bots: {telegram: {token: "tok"}},
  sessions: [{session_id: "j1", path: "/tmp/j.jsonl"}],
}`)

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bots.Telegram.Token != "tok" {
		t.Errorf("token = %q", cfg.Bots.Telegram.Token)
	}
	if _, ok := cfg.Sessions["j1"]; !ok {
		t.Error("json5 session not migrated")
	}
}

func TestReservedThreadRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write(t, path, `
sessions:
  s:
    path: /tmp/s.jsonl
    destinations:
      telegram:
        - chat_id: 1
          thread_id: 1
`)
	if _, err := Load(path); err == nil {
		t.Error("thread_id 1 accepted")
	}
}

func TestInvalidCronRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write(t, path, "index:\n  refresh_schedule: \"not a cron\"\n")
	if _, err := Load(path); err == nil {
		t.Error("bad cron expression accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SESSIONRELAY_TELEGRAM_TOKEN", "env-token")
	t.Setenv("SESSIONRELAY_INDEX_PATHS", "/a,/b")
	t.Setenv("SESSIONRELAY_REFRESH_INTERVAL", "60")
	t.Setenv("SESSIONRELAY_STATE_DIR", "/var/state")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bots.Telegram.Token != "env-token" {
		t.Errorf("token = %q", cfg.Bots.Telegram.Token)
	}
	if len(cfg.Index.Paths) != 2 || cfg.Index.Paths[1] != "/b" {
		t.Errorf("paths = %v", cfg.Index.Paths)
	}
	if cfg.Index.RefreshInterval != 60 {
		t.Errorf("refresh_interval = %d", cfg.Index.RefreshInterval)
	}
	if cfg.Database.StateDir != "/var/state" {
		t.Errorf("state_dir = %q", cfg.Database.StateDir)
	}
}

func TestSaveRoundTripEmitsMapForm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Default()
	cfg.SetSessionDestination("s1", "/tmp/s1.jsonl",
		destinations.Destination{Kind: destinations.KindTelegram, ChatID: 42})
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := loaded.Sessions["s1"]; !ok {
		t.Error("saved session missing after reload")
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != "config.yaml" {
			t.Errorf("leftover file %q", e.Name())
		}
	}
}

func TestSetAndRemoveSessionDestination(t *testing.T) {
	cfg := Default()
	d1 := destinations.Destination{Kind: destinations.KindTelegram, ChatID: 1}
	d2 := destinations.Destination{Kind: destinations.KindSlack, Channel: "C1"}

	cfg.SetSessionDestination("s", "/tmp/s.jsonl", d1)
	cfg.SetSessionDestination("s", "", d1) // idempotent
	cfg.SetSessionDestination("s", "", d2)

	if got := len(cfg.SessionDestinations("s")); got != 2 {
		t.Fatalf("destinations = %d", got)
	}

	cfg.RemoveSessionDestination("s", d1)
	if got := len(cfg.SessionDestinations("s")); got != 1 {
		t.Fatalf("after remove = %d", got)
	}
	cfg.RemoveSessionDestination("s", d2)
	if _, ok := cfg.Sessions["s"]; ok {
		t.Error("empty session entry kept")
	}
}
