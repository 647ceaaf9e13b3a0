package audit

import (
	"context"
	"strings"
	"testing"

	"github.com/aether-kernel/aether/internal/kernel/eventbus"
	"github.com/aether-kernel/aether/internal/storage"
)

func newTestKernel(t *testing.T) (*Kernel, *eventbus.Bus, *storage.MemoryStore) {
	t.Helper()
	bus := eventbus.New(nil)
	store := storage.NewMemoryStore()
	k := NewKernel(KernelConfig{Bus: bus, Store: store})
	t.Cleanup(k.Shutdown)
	return k, bus, store
}

func TestProcessSpawnedIsAudited(t *testing.T) {
	_, bus, store := newTestKernel(t)
	bus.Emit("process.spawned", map[string]any{"pid": int64(7), "info": "x"})

	entries, err := store.ListAuditEntries(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d audit entries, want 1", len(entries))
	}
	if entries[0].ActorPID == nil || *entries[0].ActorPID != 7 {
		t.Fatalf("actor pid = %v, want 7", entries[0].ActorPID)
	}
}

func TestSensitiveFieldsAreRedactedAtAnyDepth(t *testing.T) {
	_, bus, store := newTestKernel(t)
	bus.Emit("agent.action", map[string]any{
		"pid":  int64(1),
		"tool": "call_api",
		"args": map[string]any{
			"url": "https://example.com",
			"auth": map[string]any{
				"token": "sk-super-secret",
			},
		},
	})

	entries, _ := store.ListAuditEntries(context.Background(), 10)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if !strings.Contains(entries[0].ArgsSanitized, "[REDACTED]") {
		t.Fatalf("expected redaction in %q", entries[0].ArgsSanitized)
	}
	if strings.Contains(entries[0].ArgsSanitized, "sk-super-secret") {
		t.Fatalf("secret leaked into sanitized args: %q", entries[0].ArgsSanitized)
	}
}

func TestResultHashIsSHA256OfFirst1000Chars(t *testing.T) {
	_, bus, store := newTestKernel(t)
	bus.Emit("agent.action", map[string]any{"pid": int64(1), "result": "hello world"})

	entries, _ := store.ListAuditEntries(context.Background(), 10)
	want := hashResult("hello world")
	if entries[0].ResultHash == nil || *entries[0].ResultHash != want {
		t.Fatalf("result hash = %v, want %s", entries[0].ResultHash, want)
	}
}

func TestResultHashNilWhenAbsent(t *testing.T) {
	_, bus, store := newTestKernel(t)
	bus.Emit("process.exit", map[string]any{"pid": int64(1), "code": 0})

	entries, _ := store.ListAuditEntries(context.Background(), 10)
	if entries[0].ResultHash != nil {
		t.Fatalf("expected nil result hash, got %v", *entries[0].ResultHash)
	}
}

func TestLogToolInvocationExplicit(t *testing.T) {
	k, _, store := newTestKernel(t)
	k.LogToolInvocation(context.Background(), 3, "file_write", map[string]any{"path": "/tmp/x"}, "ok")

	entries, _ := store.ListAuditEntries(context.Background(), 10)
	if len(entries) != 1 || entries[0].EventType != storage.EventToolInvocation {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestQueryFiltersByActionAndPaginates(t *testing.T) {
	k, _, _ := newTestKernel(t)
	ctx := context.Background()
	k.LogToolInvocation(ctx, 1, "file_write", nil, "ok")
	k.LogToolInvocation(ctx, 1, "file_read", nil, "ok")
	k.LogAuthEvent(ctx, "u1", "login", nil)

	entries, total, err := k.Query(ctx, storage.AuditQuery{EventType: storage.EventToolInvocation, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Fatalf("expected total 2 tool invocations, got %d", total)
	}
	if len(entries) != 1 {
		t.Fatalf("expected page of 1, got %d", len(entries))
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	k, _, _ := newTestKernel(t)
	k.Shutdown()
	k.Shutdown()
}

func TestShutdownUnsubscribesFromBus(t *testing.T) {
	k, bus, store := newTestKernel(t)
	k.Shutdown()
	bus.Emit("process.spawned", map[string]any{"pid": int64(1)})

	entries, _ := store.ListAuditEntries(context.Background(), 10)
	if len(entries) != 0 {
		t.Fatalf("expected no entries after shutdown, got %d", len(entries))
	}
}
