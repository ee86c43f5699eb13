package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/sessionrelay/internal/channels"
	"github.com/nextlevelbuilder/sessionrelay/internal/config"
	"github.com/nextlevelbuilder/sessionrelay/internal/destinations"
	"github.com/nextlevelbuilder/sessionrelay/internal/gateway"
	"github.com/nextlevelbuilder/sessionrelay/internal/messaging"
)

type fakeSend struct {
	dest    destinations.Destination
	content messaging.Content
}

type fakePublisher struct {
	mu     sync.Mutex
	kind   string
	sends  []fakeSend
	edits  []fakeSend
	nextID int

	validateErr error
}

func (f *fakePublisher) Kind() string { return f.kind }

func (f *fakePublisher) Validate(ctx context.Context) error { return f.validateErr }

func (f *fakePublisher) Send(ctx context.Context, dest destinations.Destination, content messaging.Content) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, fakeSend{dest: dest, content: content})
	return fmt.Sprintf("m%d", f.nextID), nil
}

func (f *fakePublisher) Edit(ctx context.Context, dest destinations.Destination, messageID string, content messaging.Content) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, fakeSend{dest: dest, content: content})
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) sentKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []string
	for _, s := range f.sends {
		kinds = append(kinds, s.content.Kind)
	}
	return kinds
}

func newTestService(t *testing.T) (*Service, *fakePublisher, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Database.StateDir = filepath.Join(dir, "state")
	cfg.Index.Paths = []string{filepath.Join(dir, "projects")}
	cfg.Index.RefreshInterval = 0
	cfg.Database.CheckpointInterval = 0

	svc := New(cfg, filepath.Join(dir, "config.yaml"), "test")
	fake := &fakePublisher{kind: destinations.KindTelegram}
	svc.publishers[destinations.KindTelegram] = fake

	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		svc.Stop(context.Background())
		cancel()
	})
	return svc, fake, dir
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatal(err)
	}
}

func telegramDest(chatID int64) destinations.Destination {
	return destinations.Destination{Kind: destinations.KindTelegram, ChatID: chatID}
}

func TestAttachAndPublish(t *testing.T) {
	svc, fake, dir := newTestService(t)
	path := filepath.Join(dir, "s1.jsonl")
	appendLine(t, path, `{"type":"user","message":{"content":"please fix the login bug"}}`)

	res, err := svc.Attach(context.Background(), gateway.AttachRequest{
		SessionID:   "s1",
		Path:        path,
		Destination: telegramDest(42),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Attached {
		t.Error("not attached")
	}
	// Existing content is catch-up only, never published.
	if kinds := fake.sentKinds(); len(kinds) != 0 {
		t.Errorf("catch-up published: %v", kinds)
	}

	appendLine(t, path, `{"type":"user","message":{"content":"and add a test"}}`)
	svc.onChange("s1")
	svc.waitDeliveries()

	kinds := fake.sentKinds()
	if len(kinds) != 1 || kinds[0] != messaging.KindUser {
		t.Fatalf("sent kinds = %v", kinds)
	}
	if !strings.Contains(fake.sends[0].content.Text, "add a test") {
		t.Errorf("sent text = %q", fake.sends[0].content.Text)
	}
}

func TestAttachErrors(t *testing.T) {
	svc, _, dir := newTestService(t)

	_, err := svc.Attach(context.Background(), gateway.AttachRequest{
		SessionID:   "s1",
		Path:        filepath.Join(dir, "s1.jsonl"),
		Destination: destinations.Destination{Kind: destinations.KindSlack, Channel: "C1"},
	})
	if !errors.Is(err, channels.ErrNoPublisher) {
		t.Errorf("missing publisher: %v", err)
	}

	_, err = svc.Attach(context.Background(), gateway.AttachRequest{
		SessionID:   "s1",
		Path:        filepath.Join(dir, "absent.jsonl"),
		Destination: telegramDest(42),
	})
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing transcript: %v", err)
	}
}

func TestAttachRejectsBadCredentials(t *testing.T) {
	svc, fake, dir := newTestService(t)
	fake.validateErr = fmt.Errorf("%w: getMe: 401", channels.ErrAuth)

	path := filepath.Join(dir, "s1.jsonl")
	appendLine(t, path, `{"type":"user","message":{"content":"hi"}}`)

	_, err := svc.Attach(context.Background(), gateway.AttachRequest{
		SessionID:   "s1",
		Path:        path,
		Destination: telegramDest(42),
	})
	if !errors.Is(err, channels.ErrAuth) {
		t.Errorf("auth failure: %v", err)
	}
}

func TestAttachReplaysRecentActivity(t *testing.T) {
	svc, fake, dir := newTestService(t)
	path := filepath.Join(dir, "s1.jsonl")
	appendLine(t, path, `{"type":"user","message":{"content":"first request"}}`)
	appendLine(t, path, `{"type":"assistant","requestId":"r1","message":{"content":[{"type":"text","text":"on it"}]}}`)

	res, err := svc.Attach(context.Background(), gateway.AttachRequest{
		SessionID:   "s1",
		Path:        path,
		Destination: telegramDest(42),
		ReplayCount: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ReplayedEvents == 0 {
		t.Error("nothing replayed")
	}

	kinds := fake.sentKinds()
	if len(kinds) != 1 || kinds[0] != messaging.KindSystem {
		t.Fatalf("replay kinds = %v", kinds)
	}
	if !strings.Contains(fake.sends[0].content.Text, "first request") {
		t.Errorf("replay text = %q", fake.sends[0].content.Text)
	}
}

func TestDetach(t *testing.T) {
	svc, _, dir := newTestService(t)
	path := filepath.Join(dir, "s1.jsonl")
	appendLine(t, path, `{"type":"user","message":{"content":"hi"}}`)

	if _, err := svc.Attach(context.Background(), gateway.AttachRequest{
		SessionID:   "s1",
		Path:        path,
		Destination: telegramDest(42),
	}); err != nil {
		t.Fatal(err)
	}

	err := svc.Detach(context.Background(), "s1", telegramDest(99))
	if !errors.Is(err, destinations.ErrNotAttached) {
		t.Errorf("unknown destination: %v", err)
	}
	if err := svc.Detach(context.Background(), "s1", telegramDest(42)); err != nil {
		t.Fatal(err)
	}
	// Keep-alive: the session stays watched for a while after the last
	// destination detaches.
	if svc.runtime("s1") == nil {
		t.Error("session stopped immediately on detach")
	}
}

func TestSessionsAndHealth(t *testing.T) {
	svc, _, dir := newTestService(t)
	path := filepath.Join(dir, "s1.jsonl")
	appendLine(t, path, `{"type":"user","message":{"content":"hi"}}`)

	if _, err := svc.Attach(context.Background(), gateway.AttachRequest{
		SessionID:   "s1",
		Path:        path,
		Destination: telegramDest(42),
	}); err != nil {
		t.Fatal(err)
	}

	sessions := svc.Sessions()
	if len(sessions) != 1 || sessions[0].SessionID != "s1" || sessions[0].Path != path {
		t.Errorf("sessions = %+v", sessions)
	}
	if len(sessions[0].Destinations) != 1 {
		t.Errorf("destinations = %+v", sessions[0].Destinations)
	}

	h := svc.Health()
	if h.Status != "ok" || h.SessionsWatched != 1 {
		t.Errorf("health = %+v", h)
	}
	if h.Index == nil {
		t.Error("index stats missing")
	}
}

func TestPreviewRendersTail(t *testing.T) {
	svc, _, dir := newTestService(t)
	path := filepath.Join(dir, "s1.jsonl")
	appendLine(t, path, `{"type":"user","message":{"content":"investigate the crash"}}`)
	appendLine(t, path, `{"type":"assistant","requestId":"r1","message":{"content":[{"type":"text","text":"looking at the stack trace"}]}}`)

	if _, err := svc.Attach(context.Background(), gateway.AttachRequest{
		SessionID:   "s1",
		Path:        path,
		Destination: telegramDest(42),
	}); err != nil {
		t.Fatal(err)
	}

	p, err := svc.Preview(context.Background(), "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if p.Events == 0 {
		t.Error("no events in preview")
	}
	if !strings.Contains(p.Markdown, "investigate the crash") {
		t.Errorf("markdown = %q", p.Markdown)
	}

	if _, err := svc.Preview(context.Background(), "unknown", 10); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("unknown session: %v", err)
	}
}

func TestAttachPersistsConfig(t *testing.T) {
	svc, _, dir := newTestService(t)
	path := filepath.Join(dir, "s1.jsonl")
	appendLine(t, path, `{"type":"user","message":{"content":"hi"}}`)

	if _, err := svc.Attach(context.Background(), gateway.AttachRequest{
		SessionID:   "s1",
		Path:        path,
		Destination: telegramDest(42),
	}); err != nil {
		t.Fatal(err)
	}

	loaded, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	ds := loaded.SessionDestinations("s1")
	if len(ds) != 1 || ds[0].ChatID != 42 {
		t.Errorf("persisted destinations = %+v", ds)
	}
}

type slowPublisher struct {
	*fakePublisher
	delay time.Duration
}

func (p *slowPublisher) Send(ctx context.Context, dest destinations.Destination, content messaging.Content) (string, error) {
	time.Sleep(p.delay)
	return p.fakePublisher.Send(ctx, dest, content)
}

// A destination that is slow to accept messages must not hold up the
// processing path; deliveries drain in the background, in order.
func TestSlowDestinationDoesNotBlockProcessing(t *testing.T) {
	svc, fake, dir := newTestService(t)
	slow := &slowPublisher{fakePublisher: fake, delay: 500 * time.Millisecond}
	svc.publishers[destinations.KindTelegram] = slow

	path := filepath.Join(dir, "s1.jsonl")
	appendLine(t, path, `{"type":"user","message":{"content":"hi"}}`)
	if _, err := svc.Attach(context.Background(), gateway.AttachRequest{
		SessionID:   "s1",
		Path:        path,
		Destination: telegramDest(42),
	}); err != nil {
		t.Fatal(err)
	}

	appendLine(t, path, `{"type":"user","message":{"content":"first"}}`)
	appendLine(t, path, `{"type":"user","message":{"content":"second"}}`)
	start := time.Now()
	svc.onChange("s1")
	if elapsed := time.Since(start); elapsed >= slow.delay {
		t.Fatalf("processing blocked for %v behind a slow destination", elapsed)
	}

	svc.waitDeliveries()
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.sends) != 2 {
		t.Fatalf("sends = %d, want 2", len(fake.sends))
	}
	if !strings.Contains(fake.sends[0].content.Text, "first") ||
		!strings.Contains(fake.sends[1].content.Text, "second") {
		t.Errorf("delivery order: %q, %q", fake.sends[0].content.Text, fake.sends[1].content.Text)
	}
}

func TestTurnEditsAreDebounced(t *testing.T) {
	svc, fake, dir := newTestService(t)
	path := filepath.Join(dir, "s1.jsonl")
	appendLine(t, path, `{"type":"user","message":{"content":"go"}}`)

	if _, err := svc.Attach(context.Background(), gateway.AttachRequest{
		SessionID:   "s1",
		Path:        path,
		Destination: telegramDest(42),
	}); err != nil {
		t.Fatal(err)
	}

	appendLine(t, path, `{"type":"assistant","requestId":"r1","message":{"content":[{"type":"text","text":"step one"}]}}`)
	svc.onChange("s1")
	svc.waitDeliveries()
	appendLine(t, path, `{"type":"assistant","requestId":"r1","message":{"content":[{"type":"text","text":"step two"}]}}`)
	svc.onChange("s1")
	svc.waitDeliveries()

	// First turn content is a send; the second lands as a pending edit.
	kinds := fake.sentKinds()
	if len(kinds) != 1 || kinds[0] != messaging.KindTurn {
		t.Fatalf("sent kinds = %v", kinds)
	}
	if svc.debouncer.PendingCount() != 1 {
		t.Fatalf("pending edits = %d", svc.debouncer.PendingCount())
	}

	svc.debouncer.Flush()
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.edits) != 1 {
		t.Fatalf("edits = %d", len(fake.edits))
	}
	if !strings.Contains(fake.edits[0].content.Text, "step two") {
		t.Errorf("edit text = %q", fake.edits[0].content.Text)
	}
}
