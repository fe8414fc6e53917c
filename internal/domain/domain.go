package domain

type Lab struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Study struct {
	ID          string `json:"id"`
	LabID       string `json:"lab_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	State       string `json:"state" enum:"created,submitted,rejected,approved,active,paused,deactivated"`
	Version     int64  `json:"version"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// AuditEntry is one committed transition. Seq increases by one per study and
// always equals the study version the transition produced.
type AuditEntry struct {
	ID               int64  `json:"id"`
	StudyID          string `json:"study_id"`
	Seq              int64  `json:"seq"`
	Trigger          string `json:"trigger"`
	FromState        string `json:"from_state"`
	ToState          string `json:"to_state"`
	ActorID          string `json:"actor_id"`
	ActorRank        string `json:"actor_rank"`
	TS               string `json:"ts" format:"date-time"`
	Comments         string `json:"comments,omitempty"`
	DeclarationsJSON string `json:"declarations_json,omitempty"`
}

type Membership struct {
	LabID     string `json:"lab_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"read,researcher,manager,admin"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type BuildJob struct {
	ID          string  `json:"id"`
	StudyID     string  `json:"study_id"`
	Status      string  `json:"status" enum:"queued,building,published,failed"`
	RequestedAt string  `json:"requested_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	Detail      string  `json:"detail,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
