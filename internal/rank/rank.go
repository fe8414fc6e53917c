package rank

import (
	"context"
	"database/sql"
	"fmt"

	"studygate/internal/domain"
)

// Rank is an ordered permission level. Full access is the top of the same
// scale, so rank >= required is the only authorization comparison anywhere.
type Rank int

const (
	None Rank = iota
	Read
	Researcher
	Manager
	Admin
	Full
)

func (r Rank) String() string {
	switch r {
	case Read:
		return "read"
	case Researcher:
		return "researcher"
	case Manager:
		return "manager"
	case Admin:
		return "admin"
	case Full:
		return "full"
	default:
		return "none"
	}
}

// FromRole maps a stored membership or grant role to a rank.
func FromRole(role string) (Rank, error) {
	switch role {
	case "read":
		return Read, nil
	case "researcher":
		return Researcher, nil
	case "manager":
		return Manager, nil
	case "admin":
		return Admin, nil
	case "full":
		return Full, nil
	default:
		return None, fmt.Errorf("unknown role %s", role)
	}
}

// MembershipRoles are the roles assignable within a lab. The full role is
// only valid as a global grant.
func MembershipRoles() []string {
	return []string{"read", "researcher", "manager", "admin"}
}

// Evaluator computes an actor's rank relative to a study's owning lab.
type Evaluator struct {
	DB *sql.DB
}

// Rank returns the highest of the actor's lab membership rank and any global
// grant. Pure read; safe for UI filtering as well as commit-time checks.
func (e Evaluator) Rank(ctx context.Context, actorID string, study domain.Study) (Rank, error) {
	if actorID == "" {
		return None, nil
	}
	best := None
	var role string
	err := e.DB.QueryRowContext(ctx, `SELECT role FROM memberships WHERE lab_id=? AND actor_id=?`, study.LabID, actorID).Scan(&role)
	if err != nil && err != sql.ErrNoRows {
		return None, err
	}
	if err == nil {
		r, err := FromRole(role)
		if err != nil {
			return None, err
		}
		best = r
	}
	err = e.DB.QueryRowContext(ctx, `SELECT role FROM global_grants WHERE actor_id=?`, actorID).Scan(&role)
	if err != nil && err != sql.ErrNoRows {
		return None, err
	}
	if err == nil {
		r, err := FromRole(role)
		if err != nil {
			return None, err
		}
		if r > best {
			best = r
		}
	}
	return best, nil
}
