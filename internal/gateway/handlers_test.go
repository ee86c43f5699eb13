package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/sessionrelay/internal/channels"
	"github.com/nextlevelbuilder/sessionrelay/internal/config"
	"github.com/nextlevelbuilder/sessionrelay/internal/destinations"
	"github.com/nextlevelbuilder/sessionrelay/internal/events"
	"github.com/nextlevelbuilder/sessionrelay/internal/sse"
)

type fakeService struct {
	attachErr  error
	detachErr  error
	refreshed  int
	sessions   []SessionInfo
	lastAttach AttachRequest
}

func (f *fakeService) Attach(ctx context.Context, req AttachRequest) (AttachResult, error) {
	f.lastAttach = req
	if f.attachErr != nil {
		return AttachResult{}, f.attachErr
	}
	return AttachResult{Attached: true, ReplayedEvents: 3}, nil
}

func (f *fakeService) Detach(ctx context.Context, sessionID string, dest destinations.Destination) error {
	return f.detachErr
}

func (f *fakeService) Sessions() []SessionInfo { return f.sessions }

func (f *fakeService) Preview(ctx context.Context, sessionID string, limit int) (Preview, error) {
	if sessionID == "missing" {
		return Preview{}, fs.ErrNotExist
	}
	return Preview{SessionID: sessionID, Events: limit, Markdown: "# preview"}, nil
}

func (f *fakeService) RefreshIndex(ctx context.Context) error {
	f.refreshed++
	return nil
}

func (f *fakeService) Health() Health {
	return Health{Status: "ok", SessionsWatched: len(f.sessions)}
}

func newTestServer(t *testing.T, svc *fakeService) *httptest.Server {
	t.Helper()
	broker := sse.NewBroker(events.NewManager())
	s := NewServer(config.Default(), svc, nil, broker)
	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(ts.Close)
	t.Cleanup(broker.Shutdown)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestAttachCreated(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc)

	resp := postJSON(t, ts.URL+"/attach", AttachRequest{
		SessionID:   "s1",
		Destination: destinations.Destination{Kind: destinations.KindTelegram, ChatID: 42},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var result AttachResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if !result.Attached || result.ReplayedEvents != 3 {
		t.Errorf("result = %+v", result)
	}
	if svc.lastAttach.SessionID != "s1" {
		t.Errorf("session forwarded = %q", svc.lastAttach.SessionID)
	}
}

func TestAttachErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid destination", destinations.ErrInvalidDestination, http.StatusBadRequest},
		{"reserved thread", destinations.ErrReservedThread, http.StatusBadRequest},
		{"no publisher", channels.ErrNoPublisher, http.StatusUnauthorized},
		{"auth failure", channels.ErrAuth, http.StatusForbidden},
		{"transcript missing", fmt.Errorf("open transcript: %w", fs.ErrNotExist), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &fakeService{attachErr: tt.err})
			resp := postJSON(t, ts.URL+"/attach", AttachRequest{
				SessionID:   "s1",
				Destination: destinations.Destination{Kind: destinations.KindSlack, Channel: "C1"},
			})
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestAttachRejectsBadBody(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp := postJSON(t, ts.URL+"/attach", map[string]string{"session_id": ""})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty session_id: status = %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/attach", AttachRequest{
		SessionID:   "s1",
		Destination: destinations.Destination{Kind: destinations.KindTelegram, ChatID: 42, ThreadID: 1},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("reserved thread: status = %d", resp.StatusCode)
	}
}

func TestDetach(t *testing.T) {
	ts := newTestServer(t, &fakeService{})
	resp := postJSON(t, ts.URL+"/detach", map[string]any{
		"session_id":  "s1",
		"destination": destinations.Destination{Kind: destinations.KindSlack, Channel: "C1"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}

	ts2 := newTestServer(t, &fakeService{detachErr: destinations.ErrNotAttached})
	resp = postJSON(t, ts2.URL+"/detach", map[string]any{"session_id": "s1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("not attached: status = %d", resp.StatusCode)
	}
}

func TestSessionsReturnsEmptyList(t *testing.T) {
	ts := newTestServer(t, &fakeService{})
	resp, err := http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var sessions []SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if sessions == nil || len(sessions) != 0 {
		t.Errorf("sessions = %v", sessions)
	}
}

func TestPreview(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp, err := http.Get(ts.URL + "/sessions/s1/preview?limit=5")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var p Preview
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.SessionID != "s1" || p.Events != 5 {
		t.Errorf("preview = %+v", p)
	}

	resp, err = http.Get(ts.URL + "/sessions/missing/preview")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing session: status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/sessions/s1/preview?limit=nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d", resp.StatusCode)
	}
}

func TestEventsRequiresKnownSession(t *testing.T) {
	svc := &fakeService{sessions: []SessionInfo{{SessionID: "s1"}}}
	ts := newTestServer(t, svc)

	resp, err := http.Get(ts.URL + "/sessions/ghost/events")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/sessions/s1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("known session: status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
}

func TestSearchWithoutIndexIs503(t *testing.T) {
	ts := newTestServer(t, &fakeService{})
	for _, path := range []string{"/search?q=x", "/projects"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d", path, resp.StatusCode)
		}
	}
}

func TestIndexRefreshWithoutIndexIs503(t *testing.T) {
	ts := newTestServer(t, &fakeService{})
	resp, err := http.Post(ts.URL+"/index/refresh", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	svc := &fakeService{sessions: []SessionInfo{{SessionID: "s1"}}}
	ts := newTestServer(t, svc)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.SessionsWatched != 1 {
		t.Errorf("health = %+v", h)
	}
}

func TestParseDateParam(t *testing.T) {
	if _, err := parseDateParam("2026-01-15"); err != nil {
		t.Errorf("bare date rejected: %v", err)
	}
	if _, err := parseDateParam("2026-01-15T10:00:00Z"); err != nil {
		t.Errorf("RFC 3339 rejected: %v", err)
	}
	if _, err := parseDateParam("yesterday"); err == nil {
		t.Error("garbage date accepted")
	}
	if ts, err := parseDateParam(""); err != nil || !ts.IsZero() {
		t.Errorf("empty = %v, %v", ts, err)
	}
}
