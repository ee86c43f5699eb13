package destinations

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func telegramDest(chatID int64, threadID int) Destination {
	return Destination{Kind: KindTelegram, ChatID: chatID, ThreadID: threadID}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		d       Destination
		wantErr error
	}{
		{"telegram ok", telegramDest(-1001234567890, 123), nil},
		{"telegram no thread", telegramDest(42, 0), nil},
		{"telegram general topic rejected", telegramDest(42, 1), ErrReservedThread},
		{"telegram missing chat", Destination{Kind: KindTelegram}, ErrInvalidDestination},
		{"slack ok", Destination{Kind: KindSlack, Channel: "C123"}, nil},
		{"slack missing channel", Destination{Kind: KindSlack}, ErrInvalidDestination},
		{"unknown kind", Destination{Kind: "discord", Channel: "x"}, ErrInvalidDestination},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestIdentifier(t *testing.T) {
	if got := telegramDest(-100, 7).Identifier(); got != "-100:7" {
		t.Errorf("identifier = %q", got)
	}
	if got := telegramDest(-100, 0).Identifier(); got != "-100" {
		t.Errorf("identifier = %q", got)
	}
	if got := (Destination{Kind: KindSlack, Channel: "C1"}).Identifier(); got != "C1" {
		t.Errorf("identifier = %q", got)
	}
}

func TestAttachStartsOnce(t *testing.T) {
	var starts atomic.Int32
	m := NewManager(time.Minute, Hooks{
		OnSessionStart: func(string) { starts.Add(1) },
	})

	d := telegramDest(42, 0)
	if err := m.Attach("s", d); err != nil {
		t.Fatal(err)
	}
	// Idempotent re-attach.
	if err := m.Attach("s", d); err != nil {
		t.Fatal(err)
	}
	if err := m.Attach("s", Destination{Kind: KindSlack, Channel: "C1"}); err != nil {
		t.Fatal(err)
	}

	if got := starts.Load(); got != 1 {
		t.Errorf("session started %d times, want 1", got)
	}
	if got := len(m.Destinations("s")); got != 2 {
		t.Errorf("destinations = %d, want 2", got)
	}
}

func TestDetachExactMatch(t *testing.T) {
	m := NewManager(time.Minute, Hooks{})
	if err := m.Attach("s", telegramDest(42, 123)); err != nil {
		t.Fatal(err)
	}

	// Wrong thread does not match.
	if err := m.Detach("s", telegramDest(42, 0)); !errors.Is(err, ErrNotAttached) {
		t.Errorf("detach with wrong thread = %v, want ErrNotAttached", err)
	}
	if err := m.Detach("s", telegramDest(42, 123)); err != nil {
		t.Errorf("detach = %v", err)
	}
	if err := m.Detach("unknown", telegramDest(42, 123)); !errors.Is(err, ErrNotAttached) {
		t.Errorf("detach unknown session = %v", err)
	}
}

func TestKeepAliveStopsAfterLastDetach(t *testing.T) {
	var stops atomic.Int32
	m := NewManager(50*time.Millisecond, Hooks{
		OnSessionStop: func(string) { stops.Add(1) },
	})
	d := telegramDest(42, 0)
	if err := m.Attach("s", d); err != nil {
		t.Fatal(err)
	}
	if err := m.Detach("s", d); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := stops.Load(); got != 1 {
		t.Errorf("session stopped %d times, want 1", got)
	}
}

func TestReattachCancelsKeepAlive(t *testing.T) {
	var starts, stops atomic.Int32
	m := NewManager(80*time.Millisecond, Hooks{
		OnSessionStart: func(string) { starts.Add(1) },
		OnSessionStop:  func(string) { stops.Add(1) },
	})
	d := telegramDest(42, 0)
	if err := m.Attach("s", d); err != nil {
		t.Fatal(err)
	}
	if err := m.Detach("s", d); err != nil {
		t.Fatal(err)
	}
	// Re-attach inside the window: no second start, no stop.
	if err := m.Attach("s", d); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := starts.Load(); got != 1 {
		t.Errorf("starts = %d, want 1", got)
	}
	if got := stops.Load(); got != 0 {
		t.Errorf("stops = %d, want 0", got)
	}
}

func TestShutdownCancelsTimers(t *testing.T) {
	var stops atomic.Int32
	m := NewManager(50*time.Millisecond, Hooks{
		OnSessionStop: func(string) { stops.Add(1) },
	})
	d := telegramDest(42, 0)
	m.Attach("s", d)
	m.Detach("s", d)
	m.Shutdown()

	time.Sleep(120 * time.Millisecond)
	if got := stops.Load(); got != 0 {
		t.Errorf("stop fired after shutdown")
	}
}

func TestRestore(t *testing.T) {
	var starts atomic.Int32
	m := NewManager(time.Minute, Hooks{
		OnSessionStart: func(string) { starts.Add(1) },
	})
	m.Restore(map[string][]Destination{
		"a": {telegramDest(1, 0)},
		"b": {{Kind: KindSlack, Channel: "C1"}, telegramDest(2, 5)},
		"c": {telegramDest(0, 0)}, // invalid, skipped
	})
	if got := starts.Load(); got != 2 {
		t.Errorf("starts = %d, want 2", got)
	}
	if len(m.Destinations("b")) != 2 {
		t.Errorf("session b destinations = %d", len(m.Destinations("b")))
	}
	if len(m.Destinations("c")) != 0 {
		t.Errorf("invalid session restored")
	}
}
