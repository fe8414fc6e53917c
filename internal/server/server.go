package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"studygate/internal/audit"
	"studygate/internal/domain"
	"studygate/internal/engine"
	"studygate/internal/rank"
	"studygate/internal/repo"
	"studygate/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_source_state"`
	Message string         `json:"message" example:"trigger approve is not legal from state created"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"state\":\"created\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Studygate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Studygate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerLabs(group, cfg.Engine)
	registerMembers(group, cfg.Engine)
	registerStudies(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerAuditLog(group, cfg.Engine)
	registerBuilds(group, cfg.Engine)
	registerWorkflow(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine outcomes onto the HTTP envelope. Each expected
// failure keeps its structure in details so clients can react without
// parsing messages.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ise engine.InvalidSourceStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusBadRequest, "invalid_source_state", err.Error(), map[string]any{
			"trigger": string(ise.Trigger),
			"state":   string(ise.State),
		})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "missing_declarations", err.Error(), map[string]any{
			"trigger": string(ve.Trigger),
			"missing": ve.Missing,
		})
	}
	var pe engine.PermissionDeniedError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"trigger":       string(pe.Trigger),
			"required_rank": pe.Required.String(),
			"actor_rank":    pe.Actual.String(),
		})
	}
	var ge engine.GuardRejectedError
	if errors.As(err, &ge) {
		return newAPIError(http.StatusUnprocessableEntity, "guard_rejected", err.Error(), map[string]any{
			"trigger": string(ge.Trigger),
			"guard":   ge.Guard,
			"reason":  ge.Reason,
		})
	}
	var se engine.StaleStateError
	if errors.As(err, &se) {
		return newAPIError(http.StatusConflict, "stale_state", err.Error(), map[string]any{
			"study_id": se.StudyID,
			"expected": se.Expected,
			"actual":   se.Actual,
		})
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, audit.ErrNoEntries) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireRank enforces a minimum rank within a lab for read-style endpoints.
// Transitions are not checked here; Attempt re-evaluates rank at commit time.
func requireRank(ctx context.Context, e engine.Engine, labID string, min rank.Rank) huma.StatusError {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	r, err := e.Ranks.Rank(ctx, actorID, domain.Study{LabID: labID})
	if err != nil {
		return handleError(err)
	}
	if r < min {
		return newAPIError(http.StatusForbidden, "forbidden", "insufficient rank", map[string]any{
			"required_rank": min.String(),
			"actor_rank":    r.String(),
		})
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerLabs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-lab",
		Method:        http.MethodPost,
		Path:          "/labs",
		Summary:       "Create lab",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateLabRequest `json:"body"`
	}) (*struct {
		Body LabResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		now := time.Now().UTC().Format(time.RFC3339)
		l := domain.Lab{ID: input.Body.ID, Name: input.Body.Name, CreatedAt: now}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertLab(ctx, tx, l); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
			return nil, handleError(err)
		}
		// The creator administers the lab they created.
		if err := e.Repo.UpsertMembership(ctx, tx, domain.Membership{
			LabID: l.ID, ActorID: actorID, Role: "admin", CreatedAt: now,
		}); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LabResponse `json:"body"`
		}{Body: labResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-labs",
		Method:      http.MethodGet,
		Path:        "/labs",
		Summary:     "List labs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []LabResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListLabs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]LabResponse, 0, len(items))
		for _, l := range items {
			res = append(res, labResponse(l))
		}
		return &struct {
			Body []LabResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lab",
		Method:      http.MethodGet,
		Path:        "/labs/{lab_id}",
		Summary:     "Get lab",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LabID string `path:"lab_id"`
	}) (*struct {
		Body LabResponse `json:"body"`
	}, error) {
		if authErr := requireRank(ctx, e, input.LabID, rank.Read); authErr != nil {
			return nil, authErr
		}
		l, err := e.Repo.GetLab(ctx, input.LabID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LabResponse `json:"body"`
		}{Body: labResponse(l)}, nil
	})
}

func registerMembers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/labs/{lab_id}/members",
		Summary:     "List lab members",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LabID string `path:"lab_id"`
	}) (*struct {
		Body []MembershipResponse `json:"body"`
	}, error) {
		if authErr := requireRank(ctx, e, input.LabID, rank.Read); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListMembers(ctx, input.LabID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]MembershipResponse, 0, len(items))
		for _, m := range items {
			res = append(res, membershipResponse(m))
		}
		return &struct {
			Body []MembershipResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grant-membership",
		Method:      http.MethodPost,
		Path:        "/labs/{lab_id}/members",
		Summary:     "Grant or change a member role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		LabID string                  `path:"lab_id"`
		Body  MembershipChangeRequest `json:"body"`
	}) (*struct {
		Body MembershipResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ActorID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		if authErr := requireRank(ctx, e, input.LabID, rank.Admin); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetLab(ctx, input.LabID); err != nil {
			return nil, handleError(err)
		}
		now := time.Now().UTC().Format(time.RFC3339)
		m := domain.Membership{LabID: input.LabID, ActorID: input.Body.ActorID, Role: input.Body.Role, CreatedAt: now}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.EnsureActor(ctx, tx, m.ActorID, now); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.UpsertMembership(ctx, tx, m); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MembershipResponse `json:"body"`
		}{Body: membershipResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-membership",
		Method:      http.MethodDelete,
		Path:        "/labs/{lab_id}/members/{actor_id}",
		Summary:     "Revoke a member role",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		LabID   string `path:"lab_id"`
		ActorID string `path:"actor_id"`
	}) (*struct{}, error) {
		if authErr := requireRank(ctx, e, input.LabID, rank.Admin); authErr != nil {
			return nil, authErr
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.DeleteMembership(ctx, tx, input.LabID, input.ActorID); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerStudies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-study",
		Method:        http.MethodPost,
		Path:          "/studies",
		Summary:       "Create study",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateStudyRequest `json:"body"`
	}) (*struct {
		Body StudyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if input.Body.LabID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "lab_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateStudy(ctx, engine.CreateStudyOptions{
			ID:          stringOrEmpty(input.Body.ID),
			LabID:       input.Body.LabID,
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StudyResponse `json:"body"`
		}{Body: studyResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-studies",
		Method:      http.MethodGet,
		Path:        "/studies",
		Summary:     "List studies",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		LabID  string `query:"lab_id"`
		State  string `query:"state" enum:",created,submitted,rejected,approved,active,paused,deactivated"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedStudies `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.LabID != "" {
			if authErr := requireRank(ctx, e, input.LabID, rank.Read); authErr != nil {
				return nil, authErr
			}
		}
		if input.State != "" && !workflow.IsState(workflow.State(input.State)) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown state", map[string]any{"state": input.State})
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListStudies(ctx, repo.StudyFilters{
			LabID:           input.LabID,
			State:           input.State,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedStudies{Items: []StudyResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = composeCursor(items[limit-1].CreatedAt, items[limit-1].ID)
		}
		resp.Items = mapStudies(items)
		return &struct {
			Body paginatedStudies `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-study",
		Method:      http.MethodGet,
		Path:        "/studies/{id}",
		Summary:     "Get study",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body StudyResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStudy(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if authErr := requireRank(ctx, e, s.LabID, rank.Read); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body StudyResponse `json:"body"`
		}{Body: studyResponse(s)}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/studies/{id}/transitions",
		Summary:     "Transitions legal from the current state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []TransitionOfferResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		offers, err := e.AllowedTransitions(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]TransitionOfferResponse, 0, len(offers))
		for _, o := range offers {
			res = append(res, offerResponse(o))
		}
		return &struct {
			Body []TransitionOfferResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attempt-transition",
		Method:      http.MethodPost,
		Path:        "/studies/{id}/transitions/{trigger}",
		Summary:     "Attempt a transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID      string            `path:"id"`
		Trigger string            `path:"trigger" enum:"submit,resubmit,reject,approve,activate,pause,resume,deactivate"`
		Body    TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Attempt(ctx, engine.AttemptOptions{
			StudyID:         input.ID,
			Trigger:         workflow.Trigger(input.Trigger),
			ActorID:         actorID,
			Comments:        input.Body.Comments,
			Declarations:    input.Body.Declarations,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{
			Study: studyResponse(res.Study),
			Entry: entryResponse(res.Entry),
		}}, nil
	})
}

func registerAuditLog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "study-log",
		Method:      http.MethodGet,
		Path:        "/studies/{id}/log",
		Summary:     "Study audit trail",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEntries `json:"body"`
	}, error) {
		s, err := e.Repo.GetStudy(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if authErr := requireRank(ctx, e, s.LabID, rank.Read); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var afterSeq int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			afterSeq = parsed
		}
		items, err := e.Audit.History(ctx, input.ID, afterSeq, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEntries{Items: []AuditEntryResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		}
		resp.Items = mapEntries(items)
		return &struct {
			Body paginatedEntries `json:"body"`
		}{Body: resp}, nil
	})
}

func registerBuilds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-builds",
		Method:      http.MethodGet,
		Path:        "/studies/{id}/builds",
		Summary:     "Study build jobs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []BuildJobResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStudy(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if authErr := requireRank(ctx, e, s.LabID, rank.Read); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListBuilds(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]BuildJobResponse, 0, len(items))
		for _, b := range items {
			res = append(res, buildResponse(b))
		}
		return &struct {
			Body []BuildJobResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "build-status-callback",
		Method:      http.MethodPatch,
		Path:        "/builds/{job_id}/status",
		Summary:     "Builder status callback",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		JobID string             `path:"job_id"`
		Body  BuildStatusRequest `json:"body"`
	}) (*struct {
		Body BuildJobResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		var completedAt *string
		if input.Body.Status == "published" || input.Body.Status == "failed" {
			now := time.Now().UTC().Format(time.RFC3339)
			completedAt = &now
		}
		if err := e.Repo.UpdateBuildStatus(ctx, input.JobID, input.Body.Status, input.Body.Detail, completedAt); err != nil {
			return nil, handleError(err)
		}
		job, err := e.Repo.GetBuildJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BuildJobResponse `json:"body"`
		}{Body: buildResponse(job)}, nil
	})
}

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "workflow-table",
		Method:      http.MethodGet,
		Path:        "/workflow",
		Summary:     "Transition table",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []map[string]any `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var res []map[string]any
		for _, tr := range e.Workflow.Transitions() {
			sources := make([]string, 0, len(tr.Sources))
			for _, s := range tr.Sources {
				sources = append(sources, string(s))
			}
			res = append(res, map[string]any{
				"trigger":       string(tr.Trigger),
				"sources":       sources,
				"destination":   string(tr.Destination),
				"required_rank": tr.RequiredRank.String(),
				"declarations":  nonNilSlice(tr.Declarations),
				"guard":         tr.Guard,
			})
		}
		return &struct {
			Body []map[string]any `json:"body"`
		}{Body: res}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Roles:   nonNilSlice(principal.Roles),
			Source:  principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Studygate API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
