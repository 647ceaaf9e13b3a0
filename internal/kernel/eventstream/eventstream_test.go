package eventstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aether-kernel/aether/internal/kernel/eventbus"
)

func TestParseFilterEmptyMeansNoFilter(t *testing.T) {
	if got := parseFilter("  "); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestParseFilterSplitsAndTrims(t *testing.T) {
	got := parseFilter("process.spawned, agent.*")
	want := []string{"process.spawned", "agent.*"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestMatchesFilterExactAndWildcard(t *testing.T) {
	filters := []string{"process.spawned", "agent.*"}
	cases := map[string]bool{
		"process.spawned": true,
		"process.exit":    false,
		"agent.thought":   true,
		"agent.action":    true,
		"container.created": false,
	}
	for topic, want := range cases {
		if got := matchesFilter(topic, filters); got != want {
			t.Errorf("matchesFilter(%q) = %v, want %v", topic, got, want)
		}
	}
}

func TestMatchesFilterEmptyPassesEverything(t *testing.T) {
	if !matchesFilter("anything.at.all", nil) {
		t.Fatal("expected empty filter to pass every topic")
	}
}

// recorderBody reads the accumulated body of a recorder safely while a
// concurrent handler may still be writing to it.
func recorderBody(rec *httptest.ResponseRecorder, mu *sync.Mutex) string {
	mu.Lock()
	defer mu.Unlock()
	return rec.Body.String()
}

func TestServeHTTPSendsConnectedFrameFirst(t *testing.T) {
	bus := eventbus.New(nil)
	stream := New(bus)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		stream.ServeHTTP(rec, req)
		close(done)
	}()

	<-done
	if !strings.Contains(rec.Body.String(), `data: {"type":"connected"}`) {
		t.Fatalf("expected connected frame, got %q", rec.Body.String())
	}
}

func TestServeHTTPForwardsWhitelistedTopic(t *testing.T) {
	bus := eventbus.New(nil)
	stream := New(bus)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	var mu sync.Mutex

	done := make(chan struct{})
	go func() {
		stream.ServeHTTP(rec, req)
		close(done)
	}()

	// Give ServeHTTP time to subscribe before emitting.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	bus.Emit("process.spawned", map[string]any{"pid": int64(7)})
	mu.Unlock()

	deadline := time.After(time.Second)
	for {
		if strings.Contains(recorderBody(rec, &mu), `"type":"process.spawned"`) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for frame, got %q", recorderBody(rec, &mu))
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestServeHTTPFilterExcludesNonMatchingTopics(t *testing.T) {
	bus := eventbus.New(nil)
	stream := New(bus)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events?filter=agent.*", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	var mu sync.Mutex

	done := make(chan struct{})
	go func() {
		stream.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	bus.Emit("process.spawned", map[string]any{"pid": int64(7)})
	bus.Emit("agent.thought", map[string]any{"pid": int64(7), "text": "hi"})
	mu.Unlock()

	deadline := time.After(time.Second)
	for {
		body := recorderBody(rec, &mu)
		if strings.Contains(body, `"type":"agent.thought"`) {
			if strings.Contains(body, `"type":"process.spawned"`) {
				t.Fatalf("expected process.spawned to be filtered out, got %q", body)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for frame, got %q", body)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestNewWithQueueSizeFallsBackOnNonPositive(t *testing.T) {
	bus := eventbus.New(nil)
	s := NewWithQueueSize(bus, 0)
	if s.queueSize != DefaultQueueSize {
		t.Fatalf("expected fallback to DefaultQueueSize, got %d", s.queueSize)
	}
}

func TestServeHTTPUnsubscribesOnDisconnect(t *testing.T) {
	bus := eventbus.New(nil)
	stream := New(bus)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		stream.ServeHTTP(rec, req)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	before := bus.SubscriberCount("process.spawned")
	if before == 0 {
		t.Fatalf("expected at least one subscriber while connected")
	}

	cancel()
	<-done

	after := bus.SubscriberCount("process.spawned")
	if after != before-1 {
		t.Fatalf("expected subscriber count to drop by one on disconnect, before=%d after=%d", before, after)
	}
}
