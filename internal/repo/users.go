package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"civicflow/internal/domain"
)

func (r Repo) InsertDepartment(ctx context.Context, tx *sql.Tx, name, now string) (domain.Department, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Department{}, errors.New("department name required")
	}
	d := domain.Department{Name: name, CreatedAt: now}
	err := tx.QueryRowContext(ctx, r.q(`INSERT INTO departments(name, created_at) VALUES (?,?) RETURNING id`), d.Name, d.CreatedAt).Scan(&d.ID)
	if err != nil {
		return d, fmt.Errorf("insert department: %w", err)
	}
	return d, nil
}

func (r Repo) getDepartment(ctx context.Context, q Queryer, id int64) (domain.Department, error) {
	var d domain.Department
	err := q.QueryRowContext(ctx, r.q(`SELECT id, name, created_at FROM departments WHERE id=?`), id).Scan(&d.ID, &d.Name, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) GetDepartment(ctx context.Context, id int64) (domain.Department, error) {
	return r.getDepartment(ctx, r.DB, id)
}

func (r Repo) ListDepartments(ctx context.Context) ([]domain.Department, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, name, created_at FROM departments ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Department{}
	for rows.Next() {
		var d domain.Department
		if err := rows.Scan(&d.ID, &d.Name, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) (domain.User, error) {
	if strings.TrimSpace(u.Name) == "" {
		return u, errors.New("user name required")
	}
	if _, err := domain.ParseRole(string(u.Role)); err != nil {
		return u, err
	}
	err := tx.QueryRowContext(ctx, r.q(`INSERT INTO users(name, role, department_id, created_at) VALUES (?,?,?,?) RETURNING id`),
		u.Name, string(u.Role), nullableID(u.DepartmentID), u.CreatedAt).Scan(&u.ID)
	if err != nil {
		return u, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (r Repo) getUser(ctx context.Context, q Queryer, id int64) (domain.User, error) {
	var (
		u    domain.User
		dept sql.NullInt64
	)
	err := q.QueryRowContext(ctx, r.q(`SELECT id, name, role, department_id, created_at FROM users WHERE id=?`), id).
		Scan(&u.ID, &u.Name, &u.Role, &dept, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.DepartmentID = idPtr(dept)
	return u, nil
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	return r.getUser(ctx, r.DB, id)
}

func (r Repo) ListUsers(ctx context.Context, role domain.Role) ([]domain.User, error) {
	query := `SELECT id, name, role, department_id, created_at FROM users`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, string(role))
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.User{}
	for rows.Next() {
		var (
			u    domain.User
			dept sql.NullInt64
		)
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &dept, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.DepartmentID = idPtr(dept)
		res = append(res, u)
	}
	return res, rows.Err()
}
