package sse

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/sessionrelay/internal/events"
)

func startBroker(t *testing.T) (*Broker, *events.Manager, *httptest.Server) {
	t.Helper()
	buffers := events.NewManager()
	broker := NewBroker(buffers)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		broker.Serve(w, r, "sess")
	}))
	t.Cleanup(srv.Close)
	return broker, buffers, srv
}

func readEvents(t *testing.T, resp *http.Response, n int) []string {
	t.Helper()
	var got []string
	scanner := bufio.NewScanner(resp.Body)
	var current string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
		case line == "" && current != "":
			got = append(got, current)
			current = ""
			if len(got) == n {
				return got
			}
		}
	}
	t.Fatalf("stream ended after %d events, want %d", len(got), n)
	return nil
}

func TestServeReplaysSinceLastEventID(t *testing.T) {
	broker, buffers, srv := startBroker(t)
	_ = broker

	buf := buffers.Get("sess")
	var ids []string
	for i := 0; i < 25; i++ {
		ids = append(ids, buf.Add("add_block", []byte(fmt.Sprintf(`{"n":%d}`, i))))
	}

	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.Header.Set("Last-Event-ID", "evt_000010")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var replayed []string
	deadline := time.After(3 * time.Second)
	done := make(chan struct{})
	go func() {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "id: ") {
				replayed = append(replayed, strings.TrimPrefix(line, "id: "))
				if len(replayed) == 15 {
					close(done)
					return
				}
			}
		}
	}()
	select {
	case <-done:
	case <-deadline:
		t.Fatalf("timed out, replayed %d ids", len(replayed))
	}

	if replayed[0] != "evt_000011" || replayed[len(replayed)-1] != ids[len(ids)-1] {
		t.Errorf("replay range %q..%q", replayed[0], replayed[len(replayed)-1])
	}
}

func TestBroadcastReachesSubscriber(t *testing.T) {
	broker, buffers, srv := startBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequest("GET", srv.URL, nil)
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// Wait until the subscriber registers.
	for i := 0; i < 100 && broker.SubscriberCount("sess") == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if broker.SubscriberCount("sess") != 1 {
		t.Fatal("subscriber never registered")
	}

	buf := buffers.Get("sess")
	id := buf.Add("add_block", []byte(`{"x":1}`))
	broker.Broadcast("sess", events.Entry{ID: id, Name: "add_block", Data: []byte(`{"x":1}`)})

	got := readEvents(t, resp, 1)
	if got[0] != "add_block" {
		t.Errorf("event = %q", got[0])
	}
}

func TestCloseSessionSendsSessionEnded(t *testing.T) {
	broker, _, srv := startBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequest("GET", srv.URL, nil)
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	for i := 0; i < 100 && broker.SubscriberCount("sess") == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}

	broker.CloseSession("sess", "file_deleted")

	got := readEvents(t, resp, 1)
	if got[0] != "session_ended" {
		t.Errorf("event = %q, want session_ended", got[0])
	}
	if broker.SubscriberCount("sess") != 0 {
		t.Errorf("subscribers remain after close")
	}
}
