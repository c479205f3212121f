package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"medgate.org/internal/rbac"
)

const accessColumns = `a.id, a.role_id, a.module_id, m.name, a.access_level, a.granted_by, a.granted_at, a.revoked_at, a.is_active`

func scanAccess(row rowScanner) (rbac.RoleFeatureAccess, error) {
	var (
		a       rbac.RoleFeatureAccess
		level   string
		revoked sql.NullTime
	)
	err := row.Scan(&a.ID, &a.RoleID, &a.ModuleID, &a.ModuleName, &level, &a.GrantedBy, &a.GrantedAt, &revoked, &a.IsActive)
	a.AccessLevel = rbac.AccessLevel(level)
	a.RevokedAt = timeOrNil(revoked)
	return a, err
}

type featureRepo struct{ q querier }

func (r featureRepo) ListModules(ctx context.Context) ([]rbac.FeatureModule, error) {
	rows, err := r.q.QueryContext(ctx, `select id, name, coalesce(display_name, ''), is_core from feature_modules order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.FeatureModule
	for rows.Next() {
		var m rbac.FeatureModule
		if err := rows.Scan(&m.ID, &m.Name, &m.DisplayName, &m.IsCore); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r featureRepo) FindModule(ctx context.Context, id int64) (rbac.FeatureModule, error) {
	var m rbac.FeatureModule
	err := r.q.QueryRowContext(ctx, `select id, name, coalesce(display_name, ''), is_core from feature_modules where id = $1`, id).
		Scan(&m.ID, &m.Name, &m.DisplayName, &m.IsCore)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.FeatureModule{}, notFound("module", id)
	}
	if err != nil {
		return rbac.FeatureModule{}, err
	}
	return m, nil
}

func (r featureRepo) ForRole(ctx context.Context, roleID int64) ([]rbac.RoleFeatureAccess, error) {
	return r.ForRoles(ctx, []int64{roleID})
}

func (r featureRepo) ForRoles(ctx context.Context, roleIDs []int64) ([]rbac.RoleFeatureAccess, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	in, args := inList(1, roleIDs)
	rows, err := r.q.QueryContext(ctx, `
		select `+accessColumns+`
		from role_feature_access a
		join feature_modules m on m.id = a.module_id
		where a.is_active and a.role_id in (`+in+`)
		order by a.role_id, m.name
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.RoleFeatureAccess
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r featureRepo) ActiveAccess(ctx context.Context, roleID, moduleID int64) (rbac.RoleFeatureAccess, error) {
	a, err := scanAccess(r.q.QueryRowContext(ctx, `
		select `+accessColumns+`
		from role_feature_access a
		join feature_modules m on m.id = a.module_id
		where a.role_id = $1 and a.module_id = $2 and a.is_active
		for update of a
	`, roleID, moduleID))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.RoleFeatureAccess{}, fmt.Errorf("%w: no active access to module %d for role %d", rbac.ErrNotFound, moduleID, roleID)
	}
	if err != nil {
		return rbac.RoleFeatureAccess{}, err
	}
	return a, nil
}

func (r featureRepo) GrantAccess(ctx context.Context, in rbac.RoleFeatureAccess) (rbac.RoleFeatureAccess, error) {
	a, err := scanAccess(r.q.QueryRowContext(ctx, `
		with inserted as (
			insert into role_feature_access (role_id, module_id, access_level, granted_by, granted_at, is_active)
			values ($1, $2, $3, $4, $5, true)
			returning *
		)
		select `+accessColumns+`
		from inserted a
		join feature_modules m on m.id = a.module_id
	`, in.RoleID, in.ModuleID, string(in.AccessLevel), in.GrantedBy, in.GrantedAt))
	if err != nil {
		return rbac.RoleFeatureAccess{}, translate(err)
	}
	return a, nil
}

func (r featureRepo) RevokeAccess(ctx context.Context, accessID int64, at time.Time) (rbac.RoleFeatureAccess, error) {
	a, err := scanAccess(r.q.QueryRowContext(ctx, `
		with updated as (
			update role_feature_access set is_active = false, revoked_at = $2
			where id = $1 and is_active
			returning *
		)
		select `+accessColumns+`
		from updated a
		join feature_modules m on m.id = a.module_id
	`, accessID, at))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.RoleFeatureAccess{}, notFound("active feature access", accessID)
	}
	if err != nil {
		return rbac.RoleFeatureAccess{}, translate(err)
	}
	return a, nil
}
