package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSQLStoreAppendAuditEntrySQLite(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := newSQLStoreFromDB(db, false)

	mock.ExpectExec("INSERT INTO audit_entries").
		WithArgs(sqlmock.AnyArg(), string(EventToolInvocation), sqlmock.AnyArg(), sqlmock.AnyArg(), "exec", sqlmock.AnyArg(), "{}", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := store.AppendAuditEntry(context.Background(), AuditEntry{
		EventType:     EventToolInvocation,
		Action:        "exec",
		ArgsSanitized: "{}",
	})
	if err != nil {
		t.Fatalf("AppendAuditEntry: %v", err)
	}
	if id != 1 {
		t.Fatalf("id = %d, want 1", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLStoreQueryAuditEntriesFiltersAndPaginates(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := newSQLStoreFromDB(db, false)
	pid := int64(7)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM audit_entries").
		WithArgs(pid).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rows := sqlmock.NewRows([]string{"id", "ts", "event_type", "actor_pid", "actor_uid", "action", "target", "args_sanitized", "result_hash", "metadata"}).
		AddRow(int64(1), time.Now(), string(EventToolInvocation), &pid, nil, "exec", nil, "{}", nil, nil)
	mock.ExpectQuery("SELECT id, ts, event_type").
		WithArgs(pid, 50, 0).
		WillReturnRows(rows)

	entries, total, err := store.QueryAuditEntries(context.Background(), AuditQuery{PID: &pid})
	if err != nil {
		t.Fatalf("QueryAuditEntries: %v", err)
	}
	if total != 1 || len(entries) != 1 {
		t.Fatalf("unexpected result: entries=%+v total=%d", entries, total)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLStoreDeleteAuditEntriesBefore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := newSQLStoreFromDB(db, false)

	mock.ExpectExec("DELETE FROM audit_entries").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := store.DeleteAuditEntriesBefore(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("DeleteAuditEntriesBefore: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
}
