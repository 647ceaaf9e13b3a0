package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aether-kernel/aether/internal/kernel/eventbus"
	"github.com/aether-kernel/aether/internal/observability"
	"github.com/aether-kernel/aether/internal/storage"
)

// redactedFields is the fixed, case-insensitive set of field names
// replaced with "[REDACTED]" at any depth before serialization.
var redactedFields = map[string]struct{}{
	"password":      {},
	"secret":        {},
	"token":         {},
	"apikey":        {},
	"api_key":       {},
	"credentials":   {},
	"authorization": {},
}

const resultHashPrefixLen = 1000

// Kernel is the AuditLogger: it subscribes to the bus on
// construction, synthesizes AuditEntry records, and appends them through a
// StateStore. It also exposes explicit log calls for actions that are not
// purely bus-driven.
type Kernel struct {
	bus    *eventbus.Bus
	store  storage.StateStore
	logger *observability.Logger

	retention time.Duration
	unsubs    []eventbus.UnsubscribeFunc

	cronStopOnce sync.Once
	cronEntryID  cron.EntryID
	cronRunner   *cron.Cron
}

// KernelConfig constructs a Kernel.
type KernelConfig struct {
	Bus             *eventbus.Bus
	Store           storage.StateStore
	Logger          *observability.Logger
	RetentionPeriod time.Duration // default 30 days
}

// NewKernel creates a Kernel, subscribes it to the fixed topic set, and
// starts its hourly retention task.
func NewKernel(cfg KernelConfig) *Kernel {
	retention := cfg.RetentionPeriod
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	k := &Kernel{
		bus:       cfg.Bus,
		store:     cfg.Store,
		logger:    logger,
		retention: retention,
	}
	k.subscribe()
	k.startRetention()
	return k
}

func (k *Kernel) subscribe() {
	if k.bus == nil {
		return
	}
	topics := []string{"process.spawned", "process.exit", "agent.action", "resource.exceeded", "workspace.cleaned"}
	for _, topic := range topics {
		t := topic
		unsub := k.bus.Subscribe(t, func(payload any) {
			k.recordFromEvent(t, payload)
		})
		k.unsubs = append(k.unsubs, unsub)
	}
}

func (k *Kernel) recordFromEvent(topic string, payload any) {
	entry := storage.AuditEntry{
		EventType: topicEventType(topic),
		Action:    topic,
	}
	m, _ := payload.(map[string]any)
	if pid, ok := pidFrom(m); ok {
		entry.ActorPID = &pid
	}
	sanitized := sanitizeJSON(m)
	entry.ArgsSanitized = sanitized
	entry.ResultHash = resultHashFrom(m)

	ctx := context.Background()
	if _, err := k.store.AppendAuditEntry(ctx, entry); err != nil {
		k.logger.Error(ctx, "audit: failed to append entry", "topic", topic, "error", err)
	}
}

func topicEventType(topic string) storage.EventType {
	switch topic {
	case "resource.exceeded":
		return storage.EventResource
	case "agent.action":
		return storage.EventToolInvocation
	default:
		return storage.EventAdmin
	}
}

func pidFrom(m map[string]any) (int64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m["pid"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

func resultHashFrom(m map[string]any) *string {
	if m == nil {
		return nil
	}
	raw, ok := m["result"].(string)
	if !ok || raw == "" {
		return nil
	}
	hash := hashResult(raw)
	return &hash
}

func hashResult(raw string) string {
	prefix := raw
	if len(prefix) > resultHashPrefixLen {
		prefix = prefix[:resultHashPrefixLen]
	}
	sum := sha256.Sum256([]byte(prefix))
	return hex.EncodeToString(sum[:])
}

// sanitizeJSON recursively replaces any object key matching redactedFields
// (case-insensitive, at any depth) with "[REDACTED]", then serializes the
// result to a JSON string.
func sanitizeJSON(v any) string {
	sanitized := sanitizeValue(v)
	b, err := json.Marshal(sanitized)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if _, redacted := redactedFields[strings.ToLower(k)]; redacted {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = sanitizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeValue(inner)
		}
		return out
	default:
		return val
	}
}

func (k *Kernel) startRetention() {
	k.cronRunner = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))
	id, err := k.cronRunner.AddFunc("0 * * * *", k.pruneExpired)
	if err != nil {
		k.logger.Error(context.Background(), "audit: failed to schedule retention task", "error", err)
		return
	}
	k.cronEntryID = id
	k.cronRunner.Start()
}

func (k *Kernel) pruneExpired() {
	ctx := context.Background()
	cutoff := time.Now().Add(-k.retention)
	removed, err := k.store.DeleteAuditEntriesBefore(ctx, cutoff)
	if err != nil {
		k.logger.Error(ctx, "audit: retention prune failed", "error", err)
		return
	}
	k.logger.Info(ctx, "audit: retention prune complete", "removed", removed, "cutoff", cutoff)
}

// LogToolInvocation records an explicit tool-invocation audit entry.
func (k *Kernel) LogToolInvocation(ctx context.Context, pid int64, tool string, args map[string]any, result string) {
	entry := storage.AuditEntry{
		EventType:     storage.EventToolInvocation,
		ActorPID:      &pid,
		Action:        "tool.invocation:" + tool,
		ArgsSanitized: sanitizeJSON(args),
	}
	if result != "" {
		h := hashResult(result)
		entry.ResultHash = &h
	}
	if _, err := k.store.AppendAuditEntry(ctx, entry); err != nil {
		k.logger.Error(ctx, "audit: failed to log tool invocation", "error", err)
	}
}

// LogAuthEvent records an explicit auth audit entry.
func (k *Kernel) LogAuthEvent(ctx context.Context, uid, action string, metadata map[string]any) {
	entry := storage.AuditEntry{
		EventType:     storage.EventAuth,
		ActorUID:      &uid,
		Action:        action,
		ArgsSanitized: sanitizeJSON(metadata),
	}
	if _, err := k.store.AppendAuditEntry(ctx, entry); err != nil {
		k.logger.Error(ctx, "audit: failed to log auth event", "error", err)
	}
}

// LogAdminAction records an explicit administrative action.
func (k *Kernel) LogAdminAction(ctx context.Context, uid, action, target string, metadata map[string]any) {
	entry := storage.AuditEntry{
		EventType:     storage.EventAdmin,
		ActorUID:      &uid,
		Action:        action,
		Target:        &target,
		ArgsSanitized: sanitizeJSON(metadata),
	}
	if _, err := k.store.AppendAuditEntry(ctx, entry); err != nil {
		k.logger.Error(ctx, "audit: failed to log admin action", "error", err)
	}
}

// Log records a generic audit entry.
func (k *Kernel) Log(ctx context.Context, entry storage.AuditEntry) error {
	entry.ArgsSanitized = sanitizeJSON(rawToMap(entry.ArgsSanitized))
	_, err := k.store.AppendAuditEntry(ctx, entry)
	return err
}

// Query implements the audit surface: a filtered,
// paginated read of the audit log, returning the page and the total match
// count.
func (k *Kernel) Query(ctx context.Context, q storage.AuditQuery) (entries []storage.AuditEntry, total int, err error) {
	return k.store.QueryAuditEntries(ctx, q)
}

func rawToMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

// Shutdown stops the retention task and unsubscribes from the bus. Safe to
// call more than once.
func (k *Kernel) Shutdown() {
	k.cronStopOnce.Do(func() {
		if k.cronRunner != nil {
			k.cronRunner.Stop()
		}
		for _, unsub := range k.unsubs {
			unsub()
		}
	})
}
