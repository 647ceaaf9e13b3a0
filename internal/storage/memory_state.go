package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process StateStore, used in tests and as the
// default when no SQL DSN is configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries []AuditEntry
	nextID  int64
	tools   map[string]ImportedTool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tools: make(map[string]ImportedTool)}
}

func (m *MemoryStore) AppendAuditEntry(_ context.Context, entry AuditEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = m.nextID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.entries = append(m.entries, entry)
	return entry.ID, nil
}

func (m *MemoryStore) ListAuditEntries(_ context.Context, limit int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]AuditEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.entries[len(m.entries)-1-i]
	}
	return out, nil
}

func (m *MemoryStore) QueryAuditEntries(_ context.Context, q AuditQuery) ([]AuditEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []AuditEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if q.PID != nil && (e.ActorPID == nil || *e.ActorPID != *q.PID) {
			continue
		}
		if q.UID != nil && (e.ActorUID == nil || *e.ActorUID != *q.UID) {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if q.EventType != "" && e.EventType != q.EventType {
			continue
		}
		if q.StartTime != nil && e.Timestamp.Before(*q.StartTime) {
			continue
		}
		if q.EndTime != nil && e.Timestamp.After(*q.EndTime) {
			continue
		}
		matched = append(matched, e)
	}

	total := len(matched)
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	start := q.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *MemoryStore) DeleteAuditEntriesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	var removed int64
	for _, e := range m.entries {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}

func (m *MemoryStore) UpsertImportedTool(_ context.Context, tool ImportedTool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tool.CreatedAt.IsZero() {
		tool.CreatedAt = time.Now()
	}
	m.tools[tool.Name] = tool
	return nil
}

func (m *MemoryStore) ListImportedTools(_ context.Context) ([]ImportedTool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ImportedTool, 0, len(m.tools))
	for _, t := range m.tools {
		out = append(out, t)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
