package repo

import (
	"context"
	"database/sql"
	"fmt"

	"studygate/internal/domain"
	"studygate/internal/rank"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

// UpsertMembership grants or changes an actor's role within a lab. The full
// role is only valid as a global grant.
func (r Repo) UpsertMembership(ctx context.Context, tx *sql.Tx, m domain.Membership) error {
	rk, err := rank.FromRole(m.Role)
	if err != nil {
		return err
	}
	if rk == rank.Full {
		return fmt.Errorf("role full is only valid as a global grant")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO memberships(lab_id,actor_id,role,created_at) VALUES (?,?,?,?)
ON CONFLICT(lab_id,actor_id) DO UPDATE SET role=excluded.role`, m.LabID, m.ActorID, m.Role, m.CreatedAt)
	return err
}

func (r Repo) DeleteMembership(ctx context.Context, tx *sql.Tx, labID, actorID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE lab_id=? AND actor_id=?`, labID, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListMembers(ctx context.Context, labID string) ([]domain.Membership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT lab_id,actor_id,role,created_at FROM memberships WHERE lab_id=? ORDER BY actor_id`, labID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.LabID, &m.ActorID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UpsertGlobalGrant assigns a workspace-wide role, typically full access for
// operators.
func (r Repo) UpsertGlobalGrant(ctx context.Context, tx *sql.Tx, actorID, role, now string) error {
	if _, err := rank.FromRole(role); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO global_grants(actor_id,role,created_at) VALUES (?,?,?)
ON CONFLICT(actor_id) DO UPDATE SET role=excluded.role`, actorID, role, now)
	return err
}

func (r Repo) DeleteGlobalGrant(ctx context.Context, tx *sql.Tx, actorID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM global_grants WHERE actor_id=?`, actorID)
	return err
}
