package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func openEventStream(t *testing.T, serverURL, token string) (context.CancelFunc, <-chan string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/events", http.NoBody)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", response.StatusCode)
	}
	if got := response.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}

	lines := make(chan string, 64)
	go func() {
		defer response.Body.Close()
		defer close(lines)
		scanner := bufio.NewScanner(response.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	t.Cleanup(cancel)
	return cancel, lines
}

func waitForEvent(t *testing.T, lines <-chan string, event string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before event %q", event)
			}
			if strings.TrimSpace(line) == "event: "+event {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", event)
		}
	}
}

func waitForLineContaining(t *testing.T, lines <-chan string, substr string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before line containing %q", substr)
			}
			if strings.Contains(line, substr) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for line containing %q", substr)
		}
	}
}

func TestEventStreamRunsRoomSession(t *testing.T) {
	f := newAPIFixture(t)
	response, token := f.register(t, "alice@example.com")
	userID := response.User.UserID

	server := httptest.NewServer(f.handler)
	defer server.Close()

	cancel, lines := openEventStream(t, server.URL, token)

	waitForEvent(t, lines, "ready")
	if _, ok := f.rooms.Lookup(userID); !ok {
		t.Fatalf("expected a live room session after stream open")
	}

	// Session start wrote the presence row.
	deadline := time.After(2 * time.Second)
	for {
		records, err := f.presence.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("presence snapshot: %v", err)
		}
		if len(records) == 1 && records[0].IsOnline {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("presence row never came online: %+v", records)
		case <-time.After(10 * time.Millisecond):
		}
	}

	// A chat message comes back over the stream as a fresh snapshot.
	recorder := f.do(t, http.MethodPost, "/chat/messages", token, map[string]string{"message": "anyone here?"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("send status %d: %s", recorder.Code, recorder.Body.String())
	}
	waitForLineContaining(t, lines, "anyone here?")

	// Dropping the connection tears the session down.
	cancel()
	deadline = time.After(5 * time.Second)
	for {
		if _, ok := f.rooms.Lookup(userID); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("session never released after disconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}

	deadline = time.After(5 * time.Second)
	for {
		records, err := f.presence.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("presence snapshot: %v", err)
		}
		if len(records) == 1 && !records[0].IsOnline {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("presence row never went offline: %+v", records)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEventStreamRequiresToken(t *testing.T) {
	f := newAPIFixture(t)
	server := httptest.NewServer(f.handler)
	defer server.Close()

	response, err := http.Get(server.URL + "/events")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.StatusCode)
	}
}
