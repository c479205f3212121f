package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"medgate.org/internal/rbac"
)

const roleColumns = `id, name, coalesce(display_name, ''), coalesce(description, ''), is_system, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (rbac.Role, error) {
	var r rbac.Role
	err := row.Scan(&r.ID, &r.Name, &r.DisplayName, &r.Description, &r.IsSystem, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

type roleRepo struct{ q querier }

func (r roleRepo) Create(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	row := r.q.QueryRowContext(ctx, `
		insert into roles (name, display_name, description, is_system, is_active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $6)
		returning `+roleColumns,
		role.Name, nullIfEmpty(role.DisplayName), nullIfEmpty(role.Description), role.IsSystem, role.IsActive, role.CreatedAt)
	created, err := scanRole(row)
	if err != nil {
		return rbac.Role{}, translate(err)
	}
	return created, nil
}

func (r roleRepo) Find(ctx context.Context, id int64) (rbac.Role, error) {
	role, err := scanRole(r.q.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, notFound("role", id)
	}
	if err != nil {
		return rbac.Role{}, err
	}
	return role, nil
}

func (r roleRepo) List(ctx context.Context) ([]rbac.Role, error) {
	rows, err := r.q.QueryContext(ctx, `select `+roleColumns+` from roles order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r roleRepo) SetActive(ctx context.Context, id int64, active bool, at time.Time) (rbac.Role, error) {
	role, err := scanRole(r.q.QueryRowContext(ctx, `
		update roles set is_active = $2, updated_at = $3
		where id = $1
		returning `+roleColumns, id, active, at))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, notFound("role", id)
	}
	if err != nil {
		return rbac.Role{}, translate(err)
	}
	return role, nil
}
