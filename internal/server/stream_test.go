package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/agrolert/backend/internal/realtime"
)

func TestAlertStreamEmitsOwnerEvents(t *testing.T) {
	fixture := newRouterFixture(t)

	streamRequest, err := http.NewRequest(http.MethodGet, fixture.server.URL+"/api/alerts/stream?access_token="+fixture.token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResponse, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() { _ = streamResponse.Body.Close() })
	if streamResponse.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResponse.StatusCode)
	}
	if contentType := streamResponse.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type: %q", contentType)
	}

	// Subscription happens inside the handler; give it a moment to register
	// before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for fixture.broadcaster.SubscriberCount("owner-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fixture.broadcaster.Publish(realtime.AlertEvent{
		NotificationID: "record-1",
		OwnerID:        "owner-1",
		FarmID:         "farm-1",
		Severity:       "critical",
		Category:       "heat-stress",
		Message:        "Extreme heat detected.",
	})

	streamReader := bufio.NewReader(streamResponse.Body)
	currentEventType := ""
	timeout := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-timeout:
			t.Fatal("timed out waiting for alert event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "retry:") {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != alertStreamEventName {
				continue
			}
			var event realtime.AlertEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if event.NotificationID != "record-1" || event.Severity != "critical" {
				t.Fatalf("unexpected event: %+v", event)
			}
			return
		}
	}
}

func TestAlertStreamRequiresToken(t *testing.T) {
	fixture := newRouterFixture(t)
	response := fixture.do(t, http.MethodGet, "/api/alerts/stream", false)
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", response.StatusCode)
	}
}
