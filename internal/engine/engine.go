package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"studygate/internal/audit"
	"studygate/internal/config"
	"studygate/internal/domain"
	"studygate/internal/rank"
	"studygate/internal/repo"
	"studygate/internal/workflow"
)

// Nudger is poked after every committed transition so side effects get
// dispatched promptly. Implementations must not block.
type Nudger interface {
	Nudge()
}

// GuardFunc evaluates a business rule. A non-empty reason rejects the
// transition; a non-nil error is an infrastructure failure.
type GuardFunc func(ctx context.Context, study domain.Study, p Payload) (reason string, err error)

// Engine is the sole entry point for mutating study state.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Log
	Ranks    rank.Evaluator
	Workflow workflow.Definition
	Config   *config.Config
	Effects  Nudger
	Now      func() time.Time

	guards map[string]GuardFunc
}

// New wires an engine over the database, merging the config's declaration
// overrides into the workflow table and validating it at startup.
func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Log{DB: db},
		Ranks:  rank.Evaluator{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
	def := workflow.Default()
	if cfg != nil {
		def = cfg.Workflow()
	}
	e.Workflow = def
	e.guards = map[string]GuardFunc{
		workflow.GuardArtifactPublished: e.guardArtifactPublished,
	}
	known := make(map[string]bool, len(e.guards))
	for name := range e.guards {
		known[name] = true
	}
	if err := def.Validate(known); err != nil {
		return Engine{}, fmt.Errorf("workflow table: %w", err)
	}
	return e, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Payload carries the supplementary data a transition may require.
type Payload struct {
	Comments     string
	Declarations map[string]any
}

// CreateStudyOptions are parameters for creating a study.
type CreateStudyOptions struct {
	ID          string
	LabID       string
	Title       string
	Description string
	ActorID     string
}

// CreateStudy seeds a study in the initial state with version 0 and no audit
// entries. The audit trail starts at the first committed transition.
func (e Engine) CreateStudy(ctx context.Context, opts CreateStudyOptions) (domain.Study, error) {
	if opts.Title == "" {
		return domain.Study{}, errors.New("title is required")
	}
	if opts.LabID == "" {
		return domain.Study{}, errors.New("lab is required")
	}
	study, err := e.Repo.GetStudy(ctx, opts.ID)
	if err == nil {
		return study, fmt.Errorf("study %s already exists", opts.ID)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Study{}, err
	}
	if _, err := e.Repo.GetLab(ctx, opts.LabID); err != nil {
		return domain.Study{}, err
	}
	r, err := e.Ranks.Rank(ctx, opts.ActorID, domain.Study{LabID: opts.LabID})
	if err != nil {
		return domain.Study{}, err
	}
	if r < rank.Researcher {
		return domain.Study{}, PermissionDeniedError{Trigger: "create", Required: rank.Researcher, Actual: r}
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.LabID+"|"+opts.Title+"|"+now)).String()
	}
	s := domain.Study{
		ID:          id,
		LabID:       opts.LabID,
		Title:       opts.Title,
		Description: opts.Description,
		State:       string(workflow.Initial),
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Study{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStudy(ctx, tx, s); err != nil {
		return domain.Study{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Study{}, err
	}
	return s, nil
}

// AttemptOptions identify the requested transition.
type AttemptOptions struct {
	StudyID      string
	Trigger      workflow.Trigger
	ActorID      string
	Comments     string
	Declarations map[string]any
	// ExpectedVersion, when set, must match the study's current version or
	// the attempt fails with StaleStateError before anything else is checked.
	ExpectedVersion *int64
}

// Result is the outcome of a committed transition.
type Result struct {
	Study domain.Study
	Entry domain.AuditEntry
}

// Attempt validates legality, authorization, declarations and guards, then
// commits the state change and audit entry as one transaction guarded by a
// compare-and-swap on the study version. Side effects are dispatched after
// commit and never affect the result.
func (e Engine) Attempt(ctx context.Context, opts AttemptOptions) (Result, error) {
	study, err := e.Repo.GetStudy(ctx, opts.StudyID)
	if err != nil {
		return Result{}, err
	}
	base := study.Version
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != base {
		return Result{}, StaleStateError{StudyID: study.ID, Expected: *opts.ExpectedVersion, Actual: base}
	}

	tr, ok := e.Workflow.Lookup(opts.Trigger, workflow.State(study.State))
	if !ok {
		return Result{}, InvalidSourceStateError{Trigger: opts.Trigger, State: workflow.State(study.State)}
	}

	actorRank, err := e.Ranks.Rank(ctx, opts.ActorID, study)
	if err != nil {
		return Result{}, err
	}
	if actorRank < tr.RequiredRank {
		return Result{}, PermissionDeniedError{Trigger: tr.Trigger, Required: tr.RequiredRank, Actual: actorRank}
	}

	p := Payload{Comments: opts.Comments, Declarations: opts.Declarations}
	if missing := missingDeclarations(tr, p); len(missing) > 0 {
		return Result{}, ValidationError{Trigger: tr.Trigger, Missing: missing}
	}

	if tr.Guard != "" {
		guard, ok := e.guards[tr.Guard]
		if !ok {
			return Result{}, fmt.Errorf("guard %s not registered", tr.Guard)
		}
		reason, err := guard(ctx, study, p)
		if err != nil {
			return Result{}, err
		}
		if reason != "" {
			return Result{}, GuardRejectedError{Trigger: tr.Trigger, Guard: tr.Guard, Reason: reason}
		}
	}

	declsJSON, err := marshalDeclarations(opts.Declarations)
	if err != nil {
		return Result{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	entry := domain.AuditEntry{
		StudyID:          study.ID,
		Seq:              base + 1,
		Trigger:          string(tr.Trigger),
		FromState:        study.State,
		ToState:          string(tr.Destination),
		ActorID:          opts.ActorID,
		ActorRank:        actorRank.String(),
		TS:               now,
		Comments:         opts.Comments,
		DeclarationsJSON: declsJSON,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	swapped, err := e.Repo.UpdateStudyStateCAS(ctx, tx, study.ID, string(tr.Destination), now, base)
	if err != nil {
		return Result{}, err
	}
	if !swapped {
		// Re-read inside this transaction; a read on the pooled handle would
		// contend with the write lock the zero-row update already holds.
		current, err := e.Repo.GetStudyTx(ctx, tx, study.ID)
		if err != nil {
			return Result{}, err
		}
		return Result{}, StaleStateError{StudyID: study.ID, Expected: base, Actual: current.Version}
	}
	entryID, err := e.Audit.Append(ctx, tx, entry)
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	entry.ID = entryID

	study.State = string(tr.Destination)
	study.Version = base + 1
	study.UpdatedAt = now
	if e.Effects != nil {
		e.Effects.Nudge()
	}
	return Result{Study: study, Entry: entry}, nil
}

// TransitionOffer describes one trigger legal from a study's current state,
// with whether the given actor's rank permits it. Listing offers grants no
// authorization; Attempt re-checks everything at commit time.
type TransitionOffer struct {
	Trigger      workflow.Trigger `json:"trigger"`
	Destination  workflow.State   `json:"destination"`
	RequiredRank string           `json:"required_rank"`
	Declarations []string         `json:"declarations,omitempty"`
	Permitted    bool             `json:"permitted"`
}

// AllowedTransitions lists the triggers legal from the study's current state.
func (e Engine) AllowedTransitions(ctx context.Context, studyID, actorID string) ([]TransitionOffer, error) {
	study, err := e.Repo.GetStudy(ctx, studyID)
	if err != nil {
		return nil, err
	}
	actorRank, err := e.Ranks.Rank(ctx, actorID, study)
	if err != nil {
		return nil, err
	}
	var offers []TransitionOffer
	for _, tr := range e.Workflow.TransitionsFrom(workflow.State(study.State)) {
		offers = append(offers, TransitionOffer{
			Trigger:      tr.Trigger,
			Destination:  tr.Destination,
			RequiredRank: tr.RequiredRank.String(),
			Declarations: tr.Declarations,
			Permitted:    actorRank >= tr.RequiredRank,
		})
	}
	return offers, nil
}

func (e Engine) guardArtifactPublished(ctx context.Context, study domain.Study, _ Payload) (string, error) {
	build, err := e.Repo.LatestBuild(ctx, study.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return "study artifact has not been built", nil
	}
	if err != nil {
		return "", err
	}
	if build.Status != "published" {
		return fmt.Sprintf("latest build %s is %s, not published", build.ID, build.Status), nil
	}
	return "", nil
}

func missingDeclarations(tr workflow.Transition, p Payload) []string {
	var missing []string
	for _, field := range tr.Declarations {
		if field == workflow.CommentsField {
			if strings.TrimSpace(p.Comments) == "" {
				missing = append(missing, field)
			}
			continue
		}
		v, ok := p.Declarations[field]
		if !ok || !declared(v) {
			missing = append(missing, field)
		}
	}
	return missing
}

// declared reports whether a payload value satisfies a required field:
// present, non-blank for strings, true for checklist flags.
func declared(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case bool:
		return t
	default:
		return true
	}
}

func marshalDeclarations(decls map[string]any) (string, error) {
	if len(decls) == 0 {
		return "", nil
	}
	b, err := json.Marshal(decls)
	if err != nil {
		return "", fmt.Errorf("marshal declarations: %w", err)
	}
	return string(b), nil
}
