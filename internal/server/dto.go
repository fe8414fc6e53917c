package server

import (
	"encoding/json"

	"studygate/internal/domain"
	"studygate/internal/engine"
)

// Request payloads

type CreateLabRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type CreateStudyRequest struct {
	ID          *string `json:"id,omitempty"`
	LabID       string  `json:"lab_id"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type TransitionRequest struct {
	Comments        string         `json:"comments,omitempty"`
	Declarations    map[string]any `json:"declarations,omitempty"`
	ExpectedVersion *int64         `json:"expected_version,omitempty"`
}

type MembershipChangeRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"read,researcher,manager,admin"`
}

type BuildStatusRequest struct {
	Status string `json:"status" enum:"building,published,failed"`
	Detail string `json:"detail,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type LabResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type StudyResponse struct {
	ID          string `json:"id"`
	LabID       string `json:"lab_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	State       string `json:"state" enum:"created,submitted,rejected,approved,active,paused,deactivated"`
	Version     int64  `json:"version"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type AuditEntryResponse struct {
	ID           int64          `json:"id"`
	StudyID      string         `json:"study_id"`
	Seq          int64          `json:"seq"`
	Trigger      string         `json:"trigger"`
	FromState    string         `json:"from_state"`
	ToState      string         `json:"to_state"`
	ActorID      string         `json:"actor_id"`
	ActorRank    string         `json:"actor_rank"`
	TS           string         `json:"ts" format:"date-time"`
	Comments     string         `json:"comments,omitempty"`
	Declarations map[string]any `json:"declarations,omitempty"`
}

type TransitionResponse struct {
	Study StudyResponse      `json:"study"`
	Entry AuditEntryResponse `json:"entry"`
}

type TransitionOfferResponse struct {
	Trigger      string   `json:"trigger"`
	Destination  string   `json:"destination"`
	RequiredRank string   `json:"required_rank"`
	Declarations []string `json:"declarations,omitempty"`
	Permitted    bool     `json:"permitted"`
}

type MembershipResponse struct {
	LabID     string `json:"lab_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"read,researcher,manager,admin"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type BuildJobResponse struct {
	ID          string  `json:"id"`
	StudyID     string  `json:"study_id"`
	Status      string  `json:"status" enum:"queued,building,published,failed"`
	RequestedAt string  `json:"requested_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	Detail      string  `json:"detail,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedStudies struct {
	Items      []StudyResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedEntries struct {
	Items      []AuditEntryResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

func labResponse(l domain.Lab) LabResponse {
	return LabResponse{ID: l.ID, Name: l.Name, CreatedAt: l.CreatedAt}
}

func studyResponse(s domain.Study) StudyResponse {
	return StudyResponse{
		ID:          s.ID,
		LabID:       s.LabID,
		Title:       s.Title,
		Description: s.Description,
		State:       s.State,
		Version:     s.Version,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func entryResponse(e domain.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:           e.ID,
		StudyID:      e.StudyID,
		Seq:          e.Seq,
		Trigger:      e.Trigger,
		FromState:    e.FromState,
		ToState:      e.ToState,
		ActorID:      e.ActorID,
		ActorRank:    e.ActorRank,
		TS:           e.TS,
		Comments:     e.Comments,
		Declarations: decodeObject(e.DeclarationsJSON),
	}
}

func offerResponse(o engine.TransitionOffer) TransitionOfferResponse {
	return TransitionOfferResponse{
		Trigger:      string(o.Trigger),
		Destination:  string(o.Destination),
		RequiredRank: o.RequiredRank,
		Declarations: o.Declarations,
		Permitted:    o.Permitted,
	}
}

func membershipResponse(m domain.Membership) MembershipResponse {
	return MembershipResponse{LabID: m.LabID, ActorID: m.ActorID, Role: m.Role, CreatedAt: m.CreatedAt}
}

func buildResponse(b domain.BuildJob) BuildJobResponse {
	return BuildJobResponse{
		ID:          b.ID,
		StudyID:     b.StudyID,
		Status:      b.Status,
		RequestedAt: b.RequestedAt,
		CompletedAt: b.CompletedAt,
		Detail:      b.Detail,
	}
}

func mapStudies(items []domain.Study) []StudyResponse {
	res := make([]StudyResponse, 0, len(items))
	for _, s := range items {
		res = append(res, studyResponse(s))
	}
	return res
}

func mapEntries(items []domain.AuditEntry) []AuditEntryResponse {
	res := make([]AuditEntryResponse, 0, len(items))
	for _, e := range items {
		res = append(res, entryResponse(e))
	}
	return res
}

func decodeObject(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
