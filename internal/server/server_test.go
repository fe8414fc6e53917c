package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"studygate/internal/config"
	"studygate/internal/db"
	"studygate/internal/domain"
	"studygate/internal/engine"
	"studygate/internal/migrate"
	"studygate/internal/repo"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Repo   repo.Repo
	DB     *sql.DB
}

// newTestServer stands up the full handler on a loopback listener with the
// legacy actor header enabled, seeding one lab with an admin and a researcher.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, config.Default("lab-1"))
	if err != nil {
		t.Fatalf("engine: %v", err)
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
	for actor, role := range map[string]string{"adm": "admin", "res": "researcher"} {
		if err := r.EnsureActor(ctx, tx, actor, now); err != nil {
			t.Fatalf("ensure actor: %v", err)
		}
		if err := r.UpsertMembership(ctx, tx, domain.Membership{LabID: "lab-1", ActorID: actor, Role: role, CreatedAt: now}); err != nil {
			t.Fatalf("membership: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}

	handler, err := New(Config{
		Engine: e,
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Repo:   r,
		DB:     conn,
	}
}

// doJSON sends a request with an optional JSON body and returns the response
// with its body fully read.
func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope from %s: %v", data, err)
	}
	return env
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	ts := newTestServer(t)
	resp, data := doJSON(t, http.MethodGet, ts.URL+"/v0/studies", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("code = %s", env.Error.Code)
	}
}

func TestStudyLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/v0/studies", map[string]any{
		"id": "st-1", "lab_id": "lab-1", "title": "Sleep and memory",
	}, asActor("res"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, data)
	}
	var study StudyResponse
	if err := json.Unmarshal(data, &study); err != nil {
		t.Fatalf("decode study: %v", err)
	}
	if study.State != "created" || study.Version != 0 {
		t.Fatalf("study = %s v%d", study.State, study.Version)
	}

	resp, data = doJSON(t, http.MethodPost, ts.URL+"/v0/studies/st-1/transitions/submit", map[string]any{}, asActor("res"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d: %s", resp.StatusCode, data)
	}
	var tres TransitionResponse
	if err := json.Unmarshal(data, &tres); err != nil {
		t.Fatalf("decode transition: %v", err)
	}
	if tres.Study.State != "submitted" || tres.Entry.Seq != 1 {
		t.Fatalf("transition = %s seq %d", tres.Study.State, tres.Entry.Seq)
	}

	// A researcher cannot approve.
	resp, data = doJSON(t, http.MethodPost, ts.URL+"/v0/studies/st-1/transitions/approve", map[string]any{}, asActor("res"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("approve as researcher status = %d: %s", resp.StatusCode, data)
	}
	if env := decodeError(t, data); env.Error.Code != "forbidden" {
		t.Fatalf("code = %s", env.Error.Code)
	}

	resp, data = doJSON(t, http.MethodPost, ts.URL+"/v0/studies/st-1/transitions/approve", map[string]any{}, asActor("adm"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d: %s", resp.StatusCode, data)
	}

	// No published artifact yet.
	resp, data = doJSON(t, http.MethodPost, ts.URL+"/v0/studies/st-1/transitions/activate", map[string]any{}, asActor("adm"))
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("activate status = %d: %s", resp.StatusCode, data)
	}
	if env := decodeError(t, data); env.Error.Code != "guard_rejected" {
		t.Fatalf("code = %s", env.Error.Code)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v0/studies/st-1/log", nil, asActor("res"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("log status = %d: %s", resp.StatusCode, data)
	}
	var page paginatedEntries
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].Seq != 1 || page.Items[1].Trigger != "approve" {
		t.Fatalf("log = %+v", page.Items)
	}
}

func TestTransitionErrorCodes(t *testing.T) {
	ts := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/v0/studies", map[string]any{
		"id": "st-1", "lab_id": "lab-1", "title": "Sleep and memory",
	}, asActor("res"))

	// Not legal from created.
	resp, data := doJSON(t, http.MethodPost, ts.URL+"/v0/studies/st-1/transitions/approve", map[string]any{}, asActor("adm"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_source_state" {
		t.Fatalf("code = %s", env.Error.Code)
	}

	// Optimistic concurrency conflict.
	resp, data = doJSON(t, http.MethodPost, ts.URL+"/v0/studies/st-1/transitions/submit", map[string]any{
		"expected_version": 5,
	}, asActor("res"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	if env := decodeError(t, data); env.Error.Code != "stale_state" {
		t.Fatalf("code = %s", env.Error.Code)
	}

	doJSON(t, http.MethodPost, ts.URL+"/v0/studies/st-1/transitions/submit", map[string]any{}, asActor("res"))

	// Reject needs comments.
	resp, data = doJSON(t, http.MethodPost, ts.URL+"/v0/studies/st-1/transitions/reject", map[string]any{}, asActor("adm"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	env := decodeError(t, data)
	if env.Error.Code != "missing_declarations" {
		t.Fatalf("code = %s", env.Error.Code)
	}
	if missing, ok := env.Error.Details["missing"].([]any); !ok || len(missing) != 1 || missing[0] != "comments" {
		t.Fatalf("details = %+v", env.Error.Details)
	}

	// Unknown study.
	resp, data = doJSON(t, http.MethodPost, ts.URL+"/v0/studies/nope/transitions/submit", map[string]any{}, asActor("res"))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
}

func TestMembershipEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/v0/labs/lab-1/members", map[string]any{
		"actor_id": "newbie", "role": "manager",
	}, asActor("adm"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("grant status = %d: %s", resp.StatusCode, data)
	}
	var m MembershipResponse
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode membership: %v", err)
	}
	if m.ActorID != "newbie" || m.Role != "manager" {
		t.Fatalf("membership = %+v", m)
	}

	// Researchers cannot manage members.
	resp, data = doJSON(t, http.MethodPost, ts.URL+"/v0/labs/lab-1/members", map[string]any{
		"actor_id": "other", "role": "read",
	}, asActor("res"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("grant as researcher status = %d: %s", resp.StatusCode, data)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/v0/labs/lab-1/members/newbie", nil, asActor("adm"))
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	ts := newTestServer(t)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "adm", "roles": []string{"ops"},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dev login status = %d: %s", resp.StatusCode, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("token = %q, %v", login.Token, err)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d: %s", resp.StatusCode, data)
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.ActorID != "adm" || me.Source != "jwt" {
		t.Fatalf("me = %+v", me)
	}

	// A garbage token is rejected, not passed through.
	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d: %s", resp.StatusCode, data)
	}
}

func TestBuildStatusCallback(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	doJSON(t, http.MethodPost, ts.URL+"/v0/studies", map[string]any{
		"id": "st-1", "lab_id": "lab-1", "title": "Sleep and memory",
	}, asActor("res"))
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := ts.Repo.InsertBuildJob(ctx, domain.BuildJob{
		ID: "job-1", StudyID: "st-1", Status: "queued", RequestedAt: now,
	}); err != nil {
		t.Fatalf("insert job: %v", err)
	}

	resp, data := doJSON(t, http.MethodPatch, ts.URL+"/v0/builds/job-1/status", map[string]any{
		"status": "published",
	}, asActor("adm"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d: %s", resp.StatusCode, data)
	}
	var job BuildJobResponse
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Status != "published" || job.CompletedAt == nil {
		t.Fatalf("job = %+v; published jobs must carry completed_at", job)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v0/studies/st-1/builds", nil, asActor("res"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list builds status = %d: %s", resp.StatusCode, data)
	}
	var builds []BuildJobResponse
	if err := json.Unmarshal(data, &builds); err != nil || len(builds) != 1 {
		t.Fatalf("builds = %s, %v", data, err)
	}

	resp, _ = doJSON(t, http.MethodPatch, ts.URL+"/v0/builds/nope/status", map[string]any{
		"status": "failed",
	}, asActor("adm"))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown job status = %d", resp.StatusCode)
	}
}

func TestListStudiesPagination(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		resp, data := doJSON(t, http.MethodPost, ts.URL+"/v0/studies", map[string]any{
			"id": fmt.Sprintf("st-%d", i), "lab_id": "lab-1", "title": fmt.Sprintf("Study %d", i),
		}, asActor("res"))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %d status = %d: %s", i, resp.StatusCode, data)
		}
	}

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/v0/studies?lab_id=lab-1&limit=2", nil, asActor("res"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d: %s", resp.StatusCode, data)
	}
	var page paginatedStudies
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("page = %d items, cursor %q", len(page.Items), page.NextCursor)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v0/studies?lab_id=lab-1&limit=2&cursor="+page.NextCursor, nil, asActor("res"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second page status = %d: %s", resp.StatusCode, data)
	}
	var rest paginatedStudies
	if err := json.Unmarshal(data, &rest); err != nil {
		t.Fatalf("decode second page: %v", err)
	}
	if len(rest.Items) != 1 || rest.NextCursor != "" {
		t.Fatalf("second page = %d items, cursor %q", len(rest.Items), rest.NextCursor)
	}
}
