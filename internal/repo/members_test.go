package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"studygate/internal/db"
	"studygate/internal/domain"
	"studygate/internal/migrate"
	"studygate/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := r.InsertLab(ctx, tx, domain.Lab{ID: "lab-1", Name: "Lab One", CreatedAt: now}); err != nil {
		t.Fatalf("insert lab: %v", err)
	}
	if err := r.EnsureActor(ctx, tx, "res", now); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return r, conn
}

func TestUpsertMembershipRejectsFullRole(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	// Full is a global grant, never a lab role.
	err = r.UpsertMembership(ctx, tx, domain.Membership{
		LabID: "lab-1", ActorID: "res", Role: "full", CreatedAt: now,
	})
	if err == nil || !strings.Contains(err.Error(), "global grant") {
		t.Fatalf("full membership: err = %v", err)
	}

	if err := r.UpsertMembership(ctx, tx, domain.Membership{
		LabID: "lab-1", ActorID: "res", Role: "owner", CreatedAt: now,
	}); err == nil {
		t.Fatal("unknown role accepted")
	}

	if err := r.UpsertMembership(ctx, tx, domain.Membership{
		LabID: "lab-1", ActorID: "res", Role: "manager", CreatedAt: now,
	}); err != nil {
		t.Fatalf("manager membership: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	members, err := r.ListMembers(ctx, "lab-1")
	if err != nil || len(members) != 1 || members[0].Role != "manager" {
		t.Fatalf("members = %+v, %v", members, err)
	}

	// Full is still fine as a global grant.
	tx, err = conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := r.UpsertGlobalGrant(ctx, tx, "res", "full", now); err != nil {
		t.Fatalf("global grant: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestDeleteMembershipMissing(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := r.DeleteMembership(ctx, tx, "lab-1", "ghost"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
