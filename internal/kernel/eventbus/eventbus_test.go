package eventbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitDedup(t *testing.T) {
	b := New(nil)
	var calls int32
	b.Subscribe("x", func(payload any) {
		atomic.AddInt32(&calls, 1)
	})

	b.Emit("x", map[string]any{"eventId": "A"})
	b.Emit("x", map[string]any{"eventId": "A"})

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("handler called %d times, want 1", got)
	}
}

func TestEmitStampsMissingEventID(t *testing.T) {
	b := New(nil)
	var seen []string
	b.Subscribe("x", func(payload any) {
		m := payload.(map[string]any)
		seen = append(seen, m["eventId"].(string))
	})
	b.Emit("x", map[string]any{})
	b.Emit("x", map[string]any{})
	if len(seen) != 2 || seen[0] == "" || seen[1] == "" || seen[0] == seen[1] {
		t.Fatalf("expected two distinct synthesized eventIds, got %v", seen)
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := New(nil)
	var second bool
	b.Subscribe("x", func(payload any) { panic("boom") })
	b.Subscribe("x", func(payload any) { second = true })

	b.Emit("x", "payload")

	if !second {
		t.Fatal("second handler was not invoked after first handler panicked")
	}
}

func TestWildcardFanout(t *testing.T) {
	b := New(nil)
	var gotTopic string
	b.Subscribe(WildcardTopic, func(payload any) {
		evt := payload.(Event)
		gotTopic = evt.Topic
	})
	b.Emit("agent.thought", "hi")
	if gotTopic != "agent.thought" {
		t.Fatalf("wildcard got topic %q, want agent.thought", gotTopic)
	}
}

func TestWildcardDoesNotRecurse(t *testing.T) {
	b := New(nil)
	var calls int
	b.Subscribe(WildcardTopic, func(payload any) { calls++ })
	b.Emit(WildcardTopic, "direct")
	if calls != 1 {
		t.Fatalf("wildcard emit on itself delivered %d times, want 1", calls)
	}
}

func TestSubscribeOnce(t *testing.T) {
	b := New(nil)
	var calls int
	b.SubscribeOnce("x", func(payload any) { calls++ })
	b.Emit("x", 1)
	b.Emit("x", 2)
	if calls != 1 {
		t.Fatalf("once-subscriber called %d times, want 1", calls)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New(nil)
	unsub := b.Subscribe("x", func(payload any) {})
	unsub()
	unsub()
}

func TestWaitForResolves(t *testing.T) {
	b := New(nil)
	go func() {
		time.Sleep(5 * time.Millisecond)
		b.Emit("ready", "go")
	}()
	payload, err := b.WaitFor(context.Background(), "ready", time.Second)
	if err != nil {
		t.Fatalf("WaitFor returned error: %v", err)
	}
	if payload != "go" {
		t.Fatalf("WaitFor payload = %v, want go", payload)
	}
}

func TestWaitForTimeout(t *testing.T) {
	b := New(nil)
	_, err := b.WaitFor(context.Background(), "never", 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("expected *TimeoutError, got %T", err)
	}
}

func TestOffClearsTopic(t *testing.T) {
	b := New(nil)
	var calls int
	b.Subscribe("x", func(payload any) { calls++ })
	b.Off("x")
	b.Emit("x", nil)
	if calls != 0 {
		t.Fatalf("handler still registered after Off, called %d times", calls)
	}
}

func TestOffClearsEverything(t *testing.T) {
	b := New(nil)
	var calls int
	b.Subscribe("x", func(payload any) { calls++ })
	b.Subscribe("y", func(payload any) { calls++ })
	b.Off("")
	b.Emit("x", nil)
	b.Emit("y", nil)
	if calls != 0 {
		t.Fatalf("handlers still registered after Off(\"\"), called %d times", calls)
	}
}
