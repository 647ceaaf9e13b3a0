// Package storage implements StateStore: durable, append-only and keyed
// state for audit entries, process snapshots, quota overrides, and
// imported tool schemas. The SQL-backed implementation supports both
// CockroachDB (via lib/pq) and SQLite (via modernc.org/sqlite, pure Go, no
// cgo) behind the same interface, selected by DSN scheme.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// EventType is the category of an AuditEntry.
type EventType string

const (
	EventToolInvocation EventType = "tool.invocation"
	EventAuth           EventType = "auth"
	EventAdmin          EventType = "admin"
	EventResource       EventType = "resource"
)

// AuditEntry is the append-only audit record.
type AuditEntry struct {
	ID            int64
	Timestamp     time.Time
	EventType     EventType
	ActorPID      *int64
	ActorUID      *string
	Action        string
	Target        *string
	ArgsSanitized string
	ResultHash    *string
	Metadata      *string
}

// ImportedTool is a persisted tool schema imported through ToolCompatLayer.
type ImportedTool struct {
	ID          string
	Name        string
	Description string
	Parameters  json.RawMessage
	Source      string
	CreatedAt   time.Time
}

// AuditQuery is the filter/pagination input of the audit surface.
// Zero-valued pointer/string/EventType fields are unconstrained; Limit<=0
// defaults to 50.
type AuditQuery struct {
	PID       *int64
	UID       *string
	Action    string
	EventType EventType
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// StateStore is the durable backing for AuditEntry and ImportedTool
// records. ProcessManager, ResourceGovernor, and ContainerManager keep
// their live tables in memory and do not use StateStore directly.
type StateStore interface {
	AppendAuditEntry(ctx context.Context, entry AuditEntry) (int64, error)
	ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error)
	QueryAuditEntries(ctx context.Context, q AuditQuery) ([]AuditEntry, int, error)
	DeleteAuditEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	UpsertImportedTool(ctx context.Context, tool ImportedTool) error
	ListImportedTools(ctx context.Context) ([]ImportedTool, error)

	Close() error
}

// SQLStore is a StateStore backed by database/sql, portable across
// CockroachDB and SQLite via ANSI-compatible SQL and $N/? placeholder
// translation.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

// OpenSQLStore opens driverName (either "postgres" for CockroachDB via
// lib/pq, or "sqlite" for modernc.org/sqlite) at dsn, applies pool settings
// from cfg, creates the schema if absent, and returns a ready StateStore.
func OpenSQLStore(ctx context.Context, driverName, dsn string, cfg *CockroachConfig) (*SQLStore, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	if cfg == nil {
		cfg = DefaultCockroachConfig()
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driverName, err)
	}

	store := newSQLStoreFromDB(db, driverName == "postgres")
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// newSQLStoreFromDB wraps an already-open *sql.DB, used directly in tests
// against a sqlmock connection.
func newSQLStoreFromDB(db *sql.DB, postgres bool) *SQLStore {
	return &SQLStore{db: db, postgres: postgres}
}

func (s *SQLStore) migrate(ctx context.Context) error {
	pidType := "BIGINT"
	autoIncrement := "BIGSERIAL PRIMARY KEY"
	if !s.postgres {
		autoIncrement = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS audit_entries (
	id %s,
	ts TIMESTAMP NOT NULL,
	event_type TEXT NOT NULL,
	actor_pid %s,
	actor_uid TEXT,
	action TEXT NOT NULL,
	target TEXT,
	args_sanitized TEXT NOT NULL,
	result_hash TEXT,
	metadata TEXT
);
CREATE TABLE IF NOT EXISTS imported_tools (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL,
	parameters TEXT NOT NULL,
	source TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`, autoIncrement, pidType)
	for _, stmt := range strings.Split(schema, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// bindVar returns the driver-appropriate placeholder for the nth (1-based)
// bound parameter.
func (s *SQLStore) bindVar(n int) string {
	if s.postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) AppendAuditEntry(ctx context.Context, entry AuditEntry) (int64, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	query := fmt.Sprintf(
		`INSERT INTO audit_entries (ts, event_type, actor_pid, actor_uid, action, target, args_sanitized, result_hash, metadata)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.bindVar(1), s.bindVar(2), s.bindVar(3), s.bindVar(4), s.bindVar(5), s.bindVar(6), s.bindVar(7), s.bindVar(8), s.bindVar(9))
	args := []any{entry.Timestamp, string(entry.EventType), entry.ActorPID, entry.ActorUID, entry.Action, entry.Target, entry.ArgsSanitized, entry.ResultHash, entry.Metadata}

	if s.postgres {
		var id int64
		if err := s.db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("append audit entry: %w", err)
		}
		return id, nil
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("append audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append audit entry: %w", err)
	}
	return id, nil
}

func (s *SQLStore) ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(
		`SELECT id, ts, event_type, actor_pid, actor_uid, action, target, args_sanitized, result_hash, metadata
		 FROM audit_entries ORDER BY id DESC LIMIT %s`, s.bindVar(1))
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var eventType string
		if err := rows.Scan(&e.ID, &e.Timestamp, &eventType, &e.ActorPID, &e.ActorUID, &e.Action, &e.Target, &e.ArgsSanitized, &e.ResultHash, &e.Metadata); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.EventType = EventType(eventType)
		out = append(out, e)
	}
	return out, rows.Err()
}

// QueryAuditEntries implements the audit surface: a filtered, paginated
// read plus the total count ignoring Limit/Offset.
func (s *SQLStore) QueryAuditEntries(ctx context.Context, q AuditQuery) ([]AuditEntry, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var clauses []string
	var args []any
	bind := func(v any) string {
		args = append(args, v)
		return s.bindVar(len(args))
	}
	if q.PID != nil {
		clauses = append(clauses, fmt.Sprintf("actor_pid = %s", bind(*q.PID)))
	}
	if q.UID != nil {
		clauses = append(clauses, fmt.Sprintf("actor_uid = %s", bind(*q.UID)))
	}
	if q.Action != "" {
		clauses = append(clauses, fmt.Sprintf("action = %s", bind(q.Action)))
	}
	if q.EventType != "" {
		clauses = append(clauses, fmt.Sprintf("event_type = %s", bind(string(q.EventType))))
	}
	if q.StartTime != nil {
		clauses = append(clauses, fmt.Sprintf("ts >= %s", bind(*q.StartTime)))
	}
	if q.EndTime != nil {
		clauses = append(clauses, fmt.Sprintf("ts <= %s", bind(*q.EndTime)))
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM audit_entries %s", where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	pageArgs := append(append([]any{}, args...), limit, q.Offset)
	selectQuery := fmt.Sprintf(
		`SELECT id, ts, event_type, actor_pid, actor_uid, action, target, args_sanitized, result_hash, metadata
		 FROM audit_entries %s ORDER BY id DESC LIMIT %s OFFSET %s`,
		where, s.bindVar(len(args)+1), s.bindVar(len(args)+2))
	rows, err := s.db.QueryContext(ctx, selectQuery, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var eventType string
		if err := rows.Scan(&e.ID, &e.Timestamp, &eventType, &e.ActorPID, &e.ActorUID, &e.Action, &e.Target, &e.ArgsSanitized, &e.ResultHash, &e.Metadata); err != nil {
			return nil, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		e.EventType = EventType(eventType)
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (s *SQLStore) DeleteAuditEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM audit_entries WHERE ts < %s`, s.bindVar(1))
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old audit entries: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) UpsertImportedTool(ctx context.Context, tool ImportedTool) error {
	if tool.CreatedAt.IsZero() {
		tool.CreatedAt = time.Now()
	}
	var query string
	if s.postgres {
		query = `INSERT INTO imported_tools (id, name, description, parameters, source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description, parameters = EXCLUDED.parameters, source = EXCLUDED.source`
	} else {
		query = `INSERT INTO imported_tools (id, name, description, parameters, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET description = excluded.description, parameters = excluded.parameters, source = excluded.source`
	}
	_, err := s.db.ExecContext(ctx, query, tool.ID, tool.Name, tool.Description, string(tool.Parameters), tool.Source, tool.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert imported tool: %w", err)
	}
	return nil
}

func (s *SQLStore) ListImportedTools(ctx context.Context) ([]ImportedTool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, parameters, source, created_at FROM imported_tools ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list imported tools: %w", err)
	}
	defer rows.Close()

	var out []ImportedTool
	for rows.Next() {
		var t ImportedTool
		var params string
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &params, &t.Source, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan imported tool: %w", err)
		}
		t.Parameters = json.RawMessage(params)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
