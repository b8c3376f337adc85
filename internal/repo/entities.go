package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"duewatch/internal/domain"
)

// UpsertEntity stores the current snapshot of a watchable entity.
func (r Repo) UpsertEntity(ctx context.Context, tx *sql.Tx, w domain.Watchable) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", w.Ref(), err)
	}
	ref := w.Ref()
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO entities(kind,id,project_id,data_json,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(kind, id) DO UPDATE SET project_id=excluded.project_id, data_json=excluded.data_json, updated_at=excluded.updated_at`,
		ref.Kind, ref.ID, nullable(w.ProjectID()), string(data), formatTime(time.Now()))
	return err
}

func (r Repo) DeleteEntity(ctx context.Context, ref domain.EntityRef) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM entities WHERE kind=? AND id=?`, ref.Kind, ref.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWatchable returns every stored entity of kind ordered by id.
func (r Repo) ListWatchable(ctx context.Context, kind domain.EntityKind) ([]domain.Watchable, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT data_json FROM entities WHERE kind=? ORDER BY id`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Watchable
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		w, err := domain.DecodeWatchable(kind, []byte(data))
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) GetWatchable(ctx context.Context, ref domain.EntityRef) (domain.Watchable, error) {
	var data string
	err := r.DB.QueryRowContext(ctx, `SELECT data_json FROM entities WHERE kind=? AND id=?`, ref.Kind, ref.ID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return domain.DecodeWatchable(ref.Kind, []byte(data))
}

// ImportCounts reports what ImportDataset wrote.
type ImportCounts struct {
	Projects int `json:"projects"`
	Users    int `json:"users"`
	Entities int `json:"entities"`
}

// ImportDataset upserts projects, users and entities in one transaction.
func (r Repo) ImportDataset(ctx context.Context, ds domain.Dataset) (ImportCounts, error) {
	var c ImportCounts
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	for _, p := range ds.Projects {
		if p.ID == "" {
			return c, domain.ValidationError{Field: "projects.id", Reason: "is required"}
		}
		if err := r.UpsertProject(ctx, tx, p); err != nil {
			return c, fmt.Errorf("project %s: %w", p.ID, err)
		}
		c.Projects++
	}
	for _, u := range ds.Users {
		if u.ID == "" {
			return c, domain.ValidationError{Field: "users.id", Reason: "is required"}
		}
		if err := r.UpsertUser(ctx, tx, u); err != nil {
			return c, err
		}
		c.Users++
	}
	for _, w := range ds.Watchables() {
		if w.Ref().ID == "" {
			return c, domain.ValidationError{Field: string(w.Ref().Kind) + ".id", Reason: "is required"}
		}
		if err := r.UpsertEntity(ctx, tx, w); err != nil {
			return c, err
		}
		c.Entities++
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}
