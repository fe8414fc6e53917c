package audit

import (
	"context"
	"database/sql"
	"errors"

	"studygate/internal/domain"
)

var ErrNoEntries = errors.New("no audit entries")

// Log persists the append-only transition history. Entries are never updated
// or deleted; per-study ordering is total by seq.
type Log struct {
	DB *sql.DB
}

// Append writes one entry inside the caller's commit transaction. The unique
// (study_id, seq) index plus conflict-ignore makes a retried commit carrying
// the same resulting version a no-op instead of a duplicate row.
func (l Log) Append(ctx context.Context, tx *sql.Tx, e domain.AuditEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO audit_log(study_id,seq,trigger_name,from_state,to_state,actor_id,actor_rank,ts,comments,declarations_json)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(study_id,seq) DO NOTHING`,
		e.StudyID, e.Seq, e.Trigger, e.FromState, e.ToState, e.ActorID, e.ActorRank, e.TS, nullable(e.Comments), nullable(e.DeclarationsJSON))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Latest returns the most recent entry for a study, or ErrNoEntries for a
// study that has not transitioned yet.
func (l Log) Latest(ctx context.Context, studyID string) (domain.AuditEntry, error) {
	row := l.DB.QueryRowContext(ctx, `SELECT id,study_id,seq,trigger_name,from_state,to_state,actor_id,actor_rank,ts,COALESCE(comments,''),COALESCE(declarations_json,'')
FROM audit_log WHERE study_id=? ORDER BY seq DESC LIMIT 1`, studyID)
	return scanEntry(row)
}

// History returns a study's entries with seq greater than afterSeq, oldest
// first. Restartable: pass the last seen seq to resume.
func (l Log) History(ctx context.Context, studyID string, afterSeq int64, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT id,study_id,seq,trigger_name,from_state,to_state,actor_id,actor_rank,ts,COALESCE(comments,''),COALESCE(declarations_json,'')
FROM audit_log WHERE study_id=? AND seq>? ORDER BY seq ASC LIMIT ?`, studyID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// EntriesAfter returns entries across all studies with global id greater than
// the cursor, ascending. The side-effect dispatcher tails the log with this.
func (l Log) EntriesAfter(ctx context.Context, cursor int64, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT id,study_id,seq,trigger_name,from_state,to_state,actor_id,actor_rank,ts,COALESCE(comments,''),COALESCE(declarations_json,'')
FROM audit_log WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// LatestID returns the most recent global entry id, 0 when the log is empty.
func (l Log) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_log`).Scan(&id)
	return id, err
}

// Count returns the number of entries for a study.
func (l Log) Count(ctx context.Context, studyID string) (int, error) {
	var n int
	err := l.DB.QueryRowContext(ctx, `SELECT count(*) FROM audit_log WHERE study_id=?`, studyID).Scan(&n)
	return n, err
}

func scanEntry(row *sql.Row) (domain.AuditEntry, error) {
	var e domain.AuditEntry
	err := row.Scan(&e.ID, &e.StudyID, &e.Seq, &e.Trigger, &e.FromState, &e.ToState, &e.ActorID, &e.ActorRank, &e.TS, &e.Comments, &e.DeclarationsJSON)
	if err == sql.ErrNoRows {
		return e, ErrNoEntries
	}
	return e, err
}

func collect(rows *sql.Rows) ([]domain.AuditEntry, error) {
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.StudyID, &e.Seq, &e.Trigger, &e.FromState, &e.ToState, &e.ActorID, &e.ActorRank, &e.TS, &e.Comments, &e.DeclarationsJSON); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
