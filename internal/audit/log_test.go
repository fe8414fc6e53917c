package audit_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"studygate/internal/audit"
	"studygate/internal/db"
	"studygate/internal/domain"
	"studygate/internal/migrate"
	"studygate/internal/repo"
)

func newTestLog(t *testing.T) (audit.Log, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	r := repo.Repo{DB: conn}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := r.InsertLab(ctx, tx, domain.Lab{ID: "lab-1", Name: "Lab One", CreatedAt: now}); err != nil {
		t.Fatalf("insert lab: %v", err)
	}
	for _, id := range []string{"st-1", "st-2"} {
		if err := r.InsertStudy(ctx, tx, domain.Study{
			ID: id, LabID: "lab-1", Title: "Study " + id, State: "created",
			CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatalf("insert study %s: %v", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return audit.Log{DB: conn}, conn
}

func appendEntry(t *testing.T, l audit.Log, conn *sql.DB, studyID string, seq int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if _, err := l.Append(ctx, tx, domain.AuditEntry{
		StudyID:   studyID,
		Seq:       seq,
		Trigger:   "submit",
		FromState: "created",
		ToState:   "submitted",
		ActorID:   "res",
		ActorRank: "researcher",
		TS:        fmt.Sprintf("2024-03-01T12:00:%02dZ", seq),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestAppendIdempotentPerSeq(t *testing.T) {
	l, conn := newTestLog(t)
	ctx := context.Background()

	appendEntry(t, l, conn, "st-1", 1)
	// The same (study, seq) a second time is ignored, not duplicated.
	appendEntry(t, l, conn, "st-1", 1)

	if n, err := l.Count(ctx, "st-1"); err != nil || n != 1 {
		t.Fatalf("count = %d, %v; want 1", n, err)
	}
}

func TestHistoryCursor(t *testing.T) {
	l, conn := newTestLog(t)
	ctx := context.Background()
	for seq := int64(1); seq <= 3; seq++ {
		appendEntry(t, l, conn, "st-1", seq)
	}
	appendEntry(t, l, conn, "st-2", 1)

	entries, err := l.History(ctx, "st-1", 0, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Fatalf("entry %d has seq %d; history must be oldest first", i, e.Seq)
		}
	}

	entries, err = l.History(ctx, "st-1", 1, 10)
	if err != nil {
		t.Fatalf("history after 1: %v", err)
	}
	if len(entries) != 2 || entries[0].Seq != 2 {
		t.Fatalf("resumed history = %+v", entries)
	}

	latest, err := l.Latest(ctx, "st-1")
	if err != nil || latest.Seq != 3 {
		t.Fatalf("latest = seq %d, %v", latest.Seq, err)
	}
}

func TestLatestEmpty(t *testing.T) {
	l, _ := newTestLog(t)
	if _, err := l.Latest(context.Background(), "st-1"); !errors.Is(err, audit.ErrNoEntries) {
		t.Fatalf("err = %v, want ErrNoEntries", err)
	}
}

func TestEntriesAfterTailsGlobally(t *testing.T) {
	l, conn := newTestLog(t)
	ctx := context.Background()

	if id, err := l.LatestID(ctx); err != nil || id != 0 {
		t.Fatalf("empty log latest id = %d, %v", id, err)
	}

	appendEntry(t, l, conn, "st-1", 1)
	appendEntry(t, l, conn, "st-2", 1)
	appendEntry(t, l, conn, "st-1", 2)

	entries, err := l.EntriesAfter(ctx, 0, 100)
	if err != nil {
		t.Fatalf("entries after 0: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].ID >= entries[i].ID {
			t.Fatal("entries must be ascending by id")
		}
	}

	cursor := entries[1].ID
	tail, err := l.EntriesAfter(ctx, cursor, 100)
	if err != nil {
		t.Fatalf("entries after %d: %v", cursor, err)
	}
	if len(tail) != 1 || tail[0].ID != entries[2].ID {
		t.Fatalf("tail = %+v", tail)
	}

	latest, err := l.LatestID(ctx)
	if err != nil || latest != entries[2].ID {
		t.Fatalf("latest id = %d, %v", latest, err)
	}
}
