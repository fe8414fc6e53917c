package repo

import (
	"context"
	"database/sql"

	"studygate/internal/domain"
)

// InsertBuildJob records a requested build. Job ids are derived
// deterministically from the audit entry that requested them, so replays are
// ignored instead of duplicated.
func (r Repo) InsertBuildJob(ctx context.Context, j domain.BuildJob) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO build_jobs(id,study_id,status,requested_at,completed_at,detail) VALUES (?,?,?,?,?,?)`,
		j.ID, j.StudyID, j.Status, j.RequestedAt, nullableStringPtr(j.CompletedAt), nullable(j.Detail))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) GetBuildJob(ctx context.Context, id string) (domain.BuildJob, error) {
	var j domain.BuildJob
	var completedAt, detail sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,study_id,status,requested_at,completed_at,detail FROM build_jobs WHERE id=?`, id).
		Scan(&j.ID, &j.StudyID, &j.Status, &j.RequestedAt, &completedAt, &detail)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.String
	}
	if detail.Valid {
		j.Detail = detail.String
	}
	return j, nil
}

// LatestBuild returns the most recently requested build for a study.
func (r Repo) LatestBuild(ctx context.Context, studyID string) (domain.BuildJob, error) {
	var j domain.BuildJob
	var completedAt, detail sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,study_id,status,requested_at,completed_at,detail FROM build_jobs WHERE study_id=? ORDER BY requested_at DESC, id DESC LIMIT 1`, studyID).
		Scan(&j.ID, &j.StudyID, &j.Status, &j.RequestedAt, &completedAt, &detail)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.String
	}
	if detail.Valid {
		j.Detail = detail.String
	}
	return j, nil
}

func (r Repo) ListBuilds(ctx context.Context, studyID string) ([]domain.BuildJob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,study_id,status,requested_at,completed_at,detail FROM build_jobs WHERE study_id=? ORDER BY requested_at DESC, id DESC`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuildJob
	for rows.Next() {
		var j domain.BuildJob
		var completedAt, detail sql.NullString
		if err := rows.Scan(&j.ID, &j.StudyID, &j.Status, &j.RequestedAt, &completedAt, &detail); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			j.CompletedAt = &completedAt.String
		}
		if detail.Valid {
			j.Detail = detail.String
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// UpdateBuildStatus moves a job to a terminal or intermediate status; the
// builder callback uses this to report published/failed.
func (r Repo) UpdateBuildStatus(ctx context.Context, id, status, detail string, completedAt *string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE build_jobs SET status=?, detail=?, completed_at=? WHERE id=?`,
		status, nullable(detail), nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
