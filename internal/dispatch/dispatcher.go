// Package dispatch delivers best-effort side effects after committed
// transitions: notification webhooks and build requests. It tails the audit
// log with cursors, so delivery is at-least-once and keyed by the audit entry
// it reacts to; failures are logged and retried on the next pass, never by
// touching study state.
package dispatch

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"studygate/internal/audit"
	"studygate/internal/config"
	"studygate/internal/domain"
	"studygate/internal/repo"
	"studygate/internal/workflow"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// buildNamespace derives deterministic job ids from (study, seq), so a replay
// of the same audit entry cannot queue a second build.
var buildNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("studygate-build"))

type Dispatcher struct {
	repo   repo.Repo
	audit  audit.Log
	cfg    *config.Config
	client *http.Client
	now    func() time.Time

	mu          sync.Mutex
	hookCursors map[int]int64
	buildCursor int64
	nudge       chan struct{}
	stop        chan struct{}
}

// New wires a dispatcher over the same database as the engine.
func New(db *sql.DB, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		repo:        repo.Repo{DB: db},
		audit:       audit.Log{DB: db},
		cfg:         cfg,
		client:      &http.Client{Timeout: defaultTimeout},
		now:         time.Now,
		hookCursors: make(map[int]int64),
		nudge:       make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
}

// Nudge wakes the dispatcher without blocking the caller.
func (d *Dispatcher) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Start runs the dispatch loop until Stop.
func (d *Dispatcher) Start() {
	go d.run()
}

func (d *Dispatcher) Stop() {
	close(d.stop)
}

func (d *Dispatcher) run() {
	ticker := time.NewTicker(defaultInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		select {
		case <-ticker.C:
		case <-d.nudge:
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) dispatchAll() {
	ctx := context.Background()
	d.dispatchBuilds(ctx)
	if d.cfg == nil {
		return
	}
	for i, hook := range d.cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

// dispatchBuilds requests a build for every approve entry not yet seen. The
// build cursor starts at zero: replaying history is safe because job ids are
// deterministic and inserts are conflict-ignored.
func (d *Dispatcher) dispatchBuilds(ctx context.Context) {
	cursor := d.getBuildCursor()
	entries, err := d.audit.EntriesAfter(ctx, cursor, defaultBatch)
	if err != nil {
		log.Printf("dispatch: fetch entries failed: %v", err)
		return
	}
	for _, entry := range entries {
		if workflow.Trigger(entry.Trigger) == workflow.Approve {
			if err := d.requestBuild(ctx, entry); err != nil {
				log.Printf("dispatch: build request for study %s failed: %v", entry.StudyID, err)
			}
		}
		d.setBuildCursor(entry.ID)
	}
}

// requestBuild queues a job row and fires the builder endpoint. The job row
// is authoritative for the activate guard; the POST is fire-and-forget.
func (d *Dispatcher) requestBuild(ctx context.Context, entry domain.AuditEntry) error {
	job := domain.BuildJob{
		ID:          uuid.NewSHA1(buildNamespace, []byte(fmt.Sprintf("%s|%d", entry.StudyID, entry.Seq))).String(),
		StudyID:     entry.StudyID,
		Status:      "queued",
		RequestedAt: d.now().UTC().Format(time.RFC3339),
	}
	inserted, err := d.repo.InsertBuildJob(ctx, job)
	if err != nil {
		return err
	}
	if !inserted {
		return nil // already requested for this entry
	}
	if d.cfg == nil || strings.TrimSpace(d.cfg.Builder.URL) == "" {
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"job_id":   job.ID,
		"study_id": entry.StudyID,
		"entry_id": entry.ID,
	})
	if err != nil {
		return err
	}
	timeout := defaultTimeout
	if d.cfg.Builder.TimeoutSeconds > 0 {
		timeout = time.Duration(d.cfg.Builder.TimeoutSeconds) * time.Second
	}
	if err := d.post(ctx, d.cfg.Builder.URL, timeout, body, map[string]string{
		"X-Studygate-Job": job.ID,
	}); err != nil {
		log.Printf("dispatch: builder %s unreachable: %v", d.cfg.Builder.URL, err)
	}
	return nil
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.hookCursorFor(ctx, idx)
	entries, err := d.audit.EntriesAfter(ctx, cursor, defaultBatch)
	if err != nil {
		log.Printf("dispatch: fetch entries failed: %v", err)
		return
	}
	filter := newTriggerFilter(hook.Triggers)
	for _, entry := range entries {
		if !filter.match(entry.Trigger) {
			d.setHookCursor(idx, entry.ID)
			continue
		}
		if err := d.postEntry(ctx, hook, entry); err != nil {
			log.Printf("dispatch: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setHookCursor(idx, entry.ID)
	}
}

// hookCursorFor initializes a webhook's cursor at the log tail, matching
// delivery from process start; builds use a zero cursor instead.
func (d *Dispatcher) hookCursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.hookCursors[idx]; ok {
		return cur
	}
	cur, err := d.audit.LatestID(ctx)
	if err != nil {
		log.Printf("dispatch: init cursor failed: %v", err)
		cur = 0
	}
	d.hookCursors[idx] = cur
	return cur
}

func (d *Dispatcher) setHookCursor(idx int, value int64) {
	d.mu.Lock()
	d.hookCursors[idx] = value
	d.mu.Unlock()
}

func (d *Dispatcher) getBuildCursor() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buildCursor
}

func (d *Dispatcher) setBuildCursor(value int64) {
	d.mu.Lock()
	d.buildCursor = value
	d.mu.Unlock()
}

type notification struct {
	ID           int64           `json:"id"`
	StudyID      string          `json:"study_id"`
	LabID        string          `json:"lab_id"`
	Title        string          `json:"title"`
	Trigger      string          `json:"trigger"`
	FromState    string          `json:"from_state"`
	ToState      string          `json:"to_state"`
	ActorID      string          `json:"actor_id"`
	Seq          int64           `json:"seq"`
	TS           string          `json:"ts"`
	Comments     string          `json:"comments,omitempty"`
	Declarations json.RawMessage `json:"declarations,omitempty"`
}

func (d *Dispatcher) postEntry(ctx context.Context, hook config.WebhookConfig, entry domain.AuditEntry) error {
	study, err := d.repo.GetStudy(ctx, entry.StudyID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	var decls json.RawMessage
	if entry.DeclarationsJSON != "" && json.Valid([]byte(entry.DeclarationsJSON)) {
		decls = json.RawMessage(entry.DeclarationsJSON)
	}
	body := notification{
		ID:           entry.ID,
		StudyID:      entry.StudyID,
		LabID:        study.LabID,
		Title:        study.Title,
		Trigger:      entry.Trigger,
		FromState:    entry.FromState,
		ToState:      entry.ToState,
		ActorID:      entry.ActorID,
		Seq:          entry.Seq,
		TS:           entry.TS,
		Comments:     entry.Comments,
		Declarations: decls,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	headers := map[string]string{
		"X-Studygate-Event":    entry.Trigger,
		"X-Studygate-Delivery": fmt.Sprintf("%s/%d", entry.StudyID, entry.Seq),
	}
	if strings.TrimSpace(hook.Secret) != "" {
		headers["X-Studygate-Secret"] = hook.Secret
	}
	return d.post(ctx, hook.URL, timeout, data, headers)
}

func (d *Dispatcher) post(ctx context.Context, url string, timeout time.Duration, body []byte, headers map[string]string) error {
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type triggerFilter struct {
	all bool
	set map[string]struct{}
}

func newTriggerFilter(triggers []string) triggerFilter {
	if len(triggers) == 0 {
		return triggerFilter{all: true}
	}
	set := make(map[string]struct{}, len(triggers))
	for _, t := range triggers {
		key := strings.TrimSpace(t)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return triggerFilter{all: true}
	}
	return triggerFilter{set: set}
}

func (f triggerFilter) match(trigger string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[trigger]
	return ok
}
