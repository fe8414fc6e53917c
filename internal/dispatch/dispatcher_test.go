package dispatch

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"studygate/internal/audit"
	"studygate/internal/config"
	"studygate/internal/db"
	"studygate/internal/domain"
	"studygate/internal/migrate"
	"studygate/internal/repo"
)

func newTestDB(t *testing.T) *sql.DB {
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
	return conn
}

func appendEntry(t *testing.T, conn *sql.DB, studyID string, seq int64, trigger, from, to string) {
	t.Helper()
	ctx := context.Background()
	l := audit.Log{DB: conn}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if _, err := l.Append(ctx, tx, domain.AuditEntry{
		StudyID: studyID, Seq: seq, Trigger: trigger, FromState: from, ToState: to,
		ActorID: "adm", ActorRank: "admin", TS: "2024-03-01T12:00:00Z",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

type recorder struct {
	mu       sync.Mutex
	requests []*http.Request
	status   int
}

func (rec *recorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.requests = append(rec.requests, r.Clone(context.Background()))
		status := rec.status
		rec.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (rec *recorder) count() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.requests)
}

func (rec *recorder) setStatus(code int) {
	rec.mu.Lock()
	rec.status = code
	rec.mu.Unlock()
}

func TestBuildRequestedOncePerApproval(t *testing.T) {
	conn := newTestDB(t)
	builder := &recorder{}
	srv := httptest.NewServer(builder.handler())
	defer srv.Close()

	cfg := config.Default("lab-1")
	cfg.Builder.URL = srv.URL
	d := New(conn, cfg)

	appendEntry(t, conn, "st-1", 1, "submit", "created", "submitted")
	appendEntry(t, conn, "st-1", 2, "approve", "submitted", "approved")

	d.dispatchAll()
	d.dispatchAll()

	if n := builder.count(); n != 1 {
		t.Fatalf("builder posts = %d, want 1", n)
	}
	req := builder.requests[0]
	if req.Header.Get("X-Studygate-Job") == "" {
		t.Fatal("builder post missing job header")
	}

	r := repo.Repo{DB: conn}
	job, err := r.LatestBuild(context.Background(), "st-1")
	if err != nil {
		t.Fatalf("latest build: %v", err)
	}
	if job.Status != "queued" {
		t.Fatalf("job status = %s, want queued", job.Status)
	}
	if job.ID != req.Header.Get("X-Studygate-Job") {
		t.Fatalf("job id %s does not match posted header %s", job.ID, req.Header.Get("X-Studygate-Job"))
	}

	// A fresh dispatcher replays the log from zero; deterministic job ids and
	// conflict-ignored inserts keep it from queueing or posting again.
	New(conn, cfg).dispatchAll()
	if n := builder.count(); n != 1 {
		t.Fatalf("replay posted again: %d", n)
	}
	builds, err := r.ListBuilds(context.Background(), "st-1")
	if err != nil || len(builds) != 1 {
		t.Fatalf("builds = %d, %v; want 1", len(builds), err)
	}
}

func TestWebhookFiltersTriggers(t *testing.T) {
	conn := newTestDB(t)
	hook := &recorder{}
	srv := httptest.NewServer(hook.handler())
	defer srv.Close()

	cfg := config.Default("lab-1")
	cfg.Webhooks = []config.WebhookConfig{{
		URL:      srv.URL,
		Secret:   "hush",
		Triggers: []string{"approve"},
	}}
	d := New(conn, cfg)

	// Entries before the first pass are behind the webhook cursor.
	appendEntry(t, conn, "st-2", 1, "submit", "created", "submitted")
	d.dispatchAll()

	appendEntry(t, conn, "st-1", 1, "submit", "created", "submitted")
	appendEntry(t, conn, "st-1", 2, "approve", "submitted", "approved")
	d.dispatchAll()

	if n := hook.count(); n != 1 {
		t.Fatalf("deliveries = %d, want only the approve entry", n)
	}
	req := hook.requests[0]
	if got := req.Header.Get("X-Studygate-Event"); got != "approve" {
		t.Fatalf("event header = %s", got)
	}
	if got := req.Header.Get("X-Studygate-Delivery"); got != "st-1/2" {
		t.Fatalf("delivery header = %s", got)
	}
	if got := req.Header.Get("X-Studygate-Secret"); got != "hush" {
		t.Fatalf("secret header = %s", got)
	}

	// Nothing new, nothing delivered.
	d.dispatchAll()
	if n := hook.count(); n != 1 {
		t.Fatalf("redelivered without new entries: %d", n)
	}
}

func TestWebhookRetriesAfterFailure(t *testing.T) {
	conn := newTestDB(t)
	hook := &recorder{}
	hook.setStatus(http.StatusInternalServerError)
	srv := httptest.NewServer(hook.handler())
	defer srv.Close()

	cfg := config.Default("lab-1")
	cfg.Webhooks = []config.WebhookConfig{{URL: srv.URL}}
	d := New(conn, cfg)
	d.dispatchAll()

	appendEntry(t, conn, "st-1", 1, "submit", "created", "submitted")
	d.dispatchAll()
	if n := hook.count(); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}

	// The cursor did not advance past the failed entry; the next pass retries.
	hook.setStatus(0)
	d.dispatchAll()
	if n := hook.count(); n != 2 {
		t.Fatalf("attempts = %d, want a retry", n)
	}
	d.dispatchAll()
	if n := hook.count(); n != 2 {
		t.Fatalf("delivered entry was retried again: %d", n)
	}
}

func TestDisabledWebhookSkipped(t *testing.T) {
	conn := newTestDB(t)
	hook := &recorder{}
	srv := httptest.NewServer(hook.handler())
	defer srv.Close()

	disabled := false
	cfg := config.Default("lab-1")
	cfg.Webhooks = []config.WebhookConfig{{URL: srv.URL, Enabled: &disabled}}
	d := New(conn, cfg)
	d.dispatchAll()

	appendEntry(t, conn, "st-1", 1, "submit", "created", "submitted")
	d.dispatchAll()
	if n := hook.count(); n != 0 {
		t.Fatalf("disabled webhook received %d deliveries", n)
	}
}
