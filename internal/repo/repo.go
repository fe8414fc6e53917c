package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"studygate/internal/config"
	"studygate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertLab(ctx context.Context, tx *sql.Tx, l domain.Lab) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO labs(id,name,created_at) VALUES (?,?,?)`, l.ID, l.Name, l.CreatedAt)
	return err
}

func (r Repo) GetLab(ctx context.Context, id string) (domain.Lab, error) {
	var l domain.Lab
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM labs WHERE id=?`, id).
		Scan(&l.ID, &l.Name, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) ListLabs(ctx context.Context) ([]domain.Lab, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM labs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lab
	for rows.Next() {
		var l domain.Lab
		if err := rows.Scan(&l.ID, &l.Name, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// SingleLab returns the only lab in the workspace, or an error telling the
// caller to disambiguate.
func (r Repo) SingleLab(ctx context.Context) (domain.Lab, error) {
	labs, err := r.ListLabs(ctx)
	if err != nil {
		return domain.Lab{}, err
	}
	if len(labs) == 0 {
		return domain.Lab{}, ErrNotFound
	}
	if len(labs) > 1 {
		return domain.Lab{}, fmt.Errorf("multiple labs exist; specify --lab")
	}
	return labs[0], nil
}

func (r Repo) InsertStudy(ctx context.Context, tx *sql.Tx, s domain.Study) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO studies(id,lab_id,title,description,state,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.LabID, s.Title, nullable(s.Description), s.State, s.Version, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetStudy(ctx context.Context, id string) (domain.Study, error) {
	return scanStudy(r.DB.QueryRowContext(ctx, `SELECT id,lab_id,title,COALESCE(description,''),state,version,created_at,updated_at FROM studies WHERE id=?`, id))
}

func (r Repo) GetStudyTx(ctx context.Context, tx *sql.Tx, id string) (domain.Study, error) {
	return scanStudy(tx.QueryRowContext(ctx, `SELECT id,lab_id,title,COALESCE(description,''),state,version,created_at,updated_at FROM studies WHERE id=?`, id))
}

func scanStudy(row *sql.Row) (domain.Study, error) {
	var s domain.Study
	err := row.Scan(&s.ID, &s.LabID, &s.Title, &s.Description, &s.State, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

type StudyFilters struct {
	LabID           string
	State           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListStudies(ctx context.Context, f StudyFilters) ([]domain.Study, error) {
	var clauses []string
	var args []any
	if f.LabID != "" {
		clauses = append(clauses, "lab_id=?")
		args = append(args, f.LabID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,lab_id,title,COALESCE(description,''),state,version,created_at,updated_at FROM studies ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Study
	for rows.Next() {
		var s domain.Study
		if err := rows.Scan(&s.ID, &s.LabID, &s.Title, &s.Description, &s.State, &s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateStudyStateCAS moves a study to toState only if its version still
// equals baseVersion, incrementing the version. Returns true when the swap
// took effect; false means a concurrent commit won.
func (r Repo) UpdateStudyStateCAS(ctx context.Context, tx *sql.Tx, id, toState, updatedAt string, baseVersion int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE studies SET state=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		toState, updatedAt, id, baseVersion)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r Repo) CountStudiesByState(ctx context.Context, labID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM studies WHERE lab_id=? GROUP BY state`, labID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

func (r Repo) UpsertLabConfig(ctx context.Context, labID string, cfg *config.Config) error {
	return upsertLabConfig(ctx, r.DB, nil, labID, cfg)
}

func (r Repo) UpsertLabConfigTx(ctx context.Context, tx *sql.Tx, labID string, cfg *config.Config) error {
	return upsertLabConfig(ctx, nil, tx, labID, cfg)
}

func upsertLabConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, labID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Lab.ID = labID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO lab_configs(lab_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(lab_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, labID, string(payload), now, now)
	return err
}

func (r Repo) GetLabConfig(ctx context.Context, labID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM lab_configs WHERE lab_id=?`, labID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Lab.ID == "" {
		cfg.Lab.ID = labID
	}
	return &cfg, cfg.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
