package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"medgate.org/internal/rbac"
)

const permissionColumns = `p.id, p.name, p.module, p.feature, p.action, coalesce(p.resource, ''), coalesce(p.description, ''), p.is_system`

const grantColumns = `id, role_id, permission_id, granted_by, granted_at, revoked_at, is_active`

func scanPermission(row rowScanner, extra ...any) (rbac.Permission, error) {
	var p rbac.Permission
	dest := append([]any{&p.ID, &p.Name, &p.Module, &p.Feature, &p.Action, &p.Resource, &p.Description, &p.IsSystem}, extra...)
	err := row.Scan(dest...)
	return p, err
}

func scanGrant(row rowScanner) (rbac.RolePermissionGrant, error) {
	var (
		g       rbac.RolePermissionGrant
		revoked sql.NullTime
	)
	err := row.Scan(&g.ID, &g.RoleID, &g.PermissionID, &g.GrantedBy, &g.GrantedAt, &revoked, &g.IsActive)
	g.RevokedAt = timeOrNil(revoked)
	return g, err
}

type permRepo struct{ q querier }

func (r permRepo) Ensure(ctx context.Context, perms []rbac.Permission) error {
	for _, p := range perms {
		if _, err := r.q.ExecContext(ctx, `
			insert into permissions (name, module, feature, action, resource, description, is_system)
			values ($1, $2, $3, $4, $5, $6, $7)
			on conflict (name) do nothing
		`, p.Name, p.Module, p.Feature, p.Action, nullIfEmpty(p.Resource), nullIfEmpty(p.Description), p.IsSystem); err != nil {
			return fmt.Errorf("ensure permission %s: %w", p.Name, translate(err))
		}
	}
	return nil
}

func (r permRepo) Find(ctx context.Context, id int64) (rbac.Permission, error) {
	p, err := scanPermission(r.q.QueryRowContext(ctx, `select `+permissionColumns+` from permissions p where p.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Permission{}, notFound("permission", id)
	}
	if err != nil {
		return rbac.Permission{}, err
	}
	return p, nil
}

func (r permRepo) List(ctx context.Context) ([]rbac.Permission, error) {
	rows, err := r.q.QueryContext(ctx, `select `+permissionColumns+` from permissions p order by p.module, p.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r permRepo) ForRole(ctx context.Context, roleID int64) ([]rbac.Permission, error) {
	byRole, err := r.ForRoles(ctx, []int64{roleID})
	if err != nil {
		return nil, err
	}
	return byRole[roleID], nil
}

func (r permRepo) ForRoles(ctx context.Context, roleIDs []int64) (map[int64][]rbac.Permission, error) {
	out := map[int64][]rbac.Permission{}
	if len(roleIDs) == 0 {
		return out, nil
	}
	in, args := inList(1, roleIDs)
	rows, err := r.q.QueryContext(ctx, `
		select `+permissionColumns+`, rp.role_id
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.is_active and rp.role_id in (`+in+`)
		order by rp.role_id, p.name
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var roleID int64
		p, err := scanPermission(rows, &roleID)
		if err != nil {
			return nil, err
		}
		out[roleID] = append(out[roleID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r permRepo) ActiveGrant(ctx context.Context, roleID, permissionID int64) (rbac.RolePermissionGrant, error) {
	g, err := scanGrant(r.q.QueryRowContext(ctx, `
		select `+grantColumns+`
		from role_permissions
		where role_id = $1 and permission_id = $2 and is_active
		for update
	`, roleID, permissionID))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.RolePermissionGrant{}, fmt.Errorf("%w: no active grant of permission %d to role %d", rbac.ErrNotFound, permissionID, roleID)
	}
	if err != nil {
		return rbac.RolePermissionGrant{}, err
	}
	return g, nil
}

func (r permRepo) Grant(ctx context.Context, g rbac.RolePermissionGrant) (rbac.RolePermissionGrant, error) {
	created, err := scanGrant(r.q.QueryRowContext(ctx, `
		insert into role_permissions (role_id, permission_id, granted_by, granted_at, is_active)
		values ($1, $2, $3, $4, true)
		returning `+grantColumns,
		g.RoleID, g.PermissionID, g.GrantedBy, g.GrantedAt))
	if err != nil {
		return rbac.RolePermissionGrant{}, translate(err)
	}
	return created, nil
}

func (r permRepo) RevokeGrant(ctx context.Context, grantID int64, at time.Time) (rbac.RolePermissionGrant, error) {
	g, err := scanGrant(r.q.QueryRowContext(ctx, `
		update role_permissions set is_active = false, revoked_at = $2
		where id = $1 and is_active
		returning `+grantColumns, grantID, at))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.RolePermissionGrant{}, notFound("active grant", grantID)
	}
	if err != nil {
		return rbac.RolePermissionGrant{}, translate(err)
	}
	return g, nil
}
