package repo

import (
	"context"
	"database/sql"
	"fmt"

	"duewatch/internal/domain"
)

func (r Repo) UpsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,name,manager_id) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, manager_id=excluded.manager_id`, p.ID, p.Name, nullable(p.ManagerID))
	return err
}

// Project returns a project; it backs the pm project role.
func (r Repo) Project(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(manager_id,'') FROM projects WHERE id=?`, id).Scan(&p.ID, &p.Name, &p.ManagerID)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(manager_id,'') FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.ManagerID); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpsertUser stores a user and replaces their role memberships.
func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	status := u.Status
	if status == "" {
		status = "active"
	}
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO users(id,email,name,status) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET email=excluded.email, name=excluded.name, status=excluded.status`,
		u.ID, nullable(u.Email), nullable(u.Name), status); err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id=?`, u.ID); err != nil {
		return err
	}
	for _, role := range u.Roles {
		if err := r.AssignRole(ctx, tx, u.ID, role); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, userID, role string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO user_roles(user_id, role) VALUES (?,?)`, userID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, userID, role string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM user_roles WHERE user_id=? AND role=?`, userID, role)
	return err
}

// RoleMembers lists active users holding role.
func (r Repo) RoleMembers(ctx context.Context, role string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT u.id FROM user_roles ur JOIN users u ON u.id=ur.user_id
WHERE ur.role=? AND u.status='active' ORDER BY u.id`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UserRoles lists the roles held by a user.
func (r Repo) UserRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id=? ORDER BY role`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r Repo) UserExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE id=? AND status='active'`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// UserEmail returns the address the email transport sends to.
func (r Repo) UserEmail(ctx context.Context, id string) (string, error) {
	var email sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT email FROM users WHERE id=?`, id).Scan(&email)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return email.String, nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var (
		u           domain.User
		email, name sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,email,name,status FROM users WHERE id=?`, id).Scan(&u.ID, &email, &name, &u.Status)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Email, u.Name = email.String, name.String
	roles, err := r.UserRoles(ctx, id)
	if err != nil {
		return u, err
	}
	u.Roles = roles
	return u, nil
}
