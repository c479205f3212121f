package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"medgate.org/internal/rbac"
)

const assignmentColumns = `id, user_id, role_id, coalesce(context, ''), assigned_by, assigned_at, expires_at, revoked_at, is_active`

func scanAssignment(row rowScanner) (rbac.UserRoleAssignment, error) {
	var (
		a                rbac.UserRoleAssignment
		expires, revoked sql.NullTime
	)
	err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.Context, &a.AssignedBy, &a.AssignedAt, &expires, &revoked, &a.IsActive)
	a.ExpiresAt = timeOrNil(expires)
	a.RevokedAt = timeOrNil(revoked)
	return a, err
}

type assignmentRepo struct{ q querier }

// ActiveRoles applies lazy expiry in the query itself.
func (r assignmentRepo) ActiveRoles(ctx context.Context, userID int64, now time.Time) ([]rbac.HeldRole, error) {
	rows, err := r.q.QueryContext(ctx, `
		select r.id, r.name, coalesce(r.display_name, ''), coalesce(r.description, ''), r.is_system, r.is_active,
		       r.created_at, r.updated_at, ur.expires_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		  and ur.is_active
		  and r.is_active
		  and (ur.expires_at is null or ur.expires_at > $2)
		order by r.id
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.HeldRole
	for rows.Next() {
		var (
			h       rbac.HeldRole
			expires sql.NullTime
		)
		if err := rows.Scan(&h.ID, &h.Name, &h.DisplayName, &h.Description, &h.IsSystem, &h.IsActive,
			&h.CreatedAt, &h.UpdatedAt, &expires); err != nil {
			return nil, err
		}
		h.ExpiresAt = timeOrNil(expires)
		result = append(result, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r assignmentRepo) Current(ctx context.Context, userID, roleID int64) (rbac.UserRoleAssignment, error) {
	a, err := scanAssignment(r.q.QueryRowContext(ctx, `
		select `+assignmentColumns+`
		from user_roles
		where user_id = $1 and role_id = $2 and is_active
		for update
	`, userID, roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.UserRoleAssignment{}, fmt.Errorf("%w: user %d has no assignment to role %d", rbac.ErrNotFound, userID, roleID)
	}
	if err != nil {
		return rbac.UserRoleAssignment{}, err
	}
	return a, nil
}

func (r assignmentRepo) Assign(ctx context.Context, in rbac.UserRoleAssignment) (rbac.UserRoleAssignment, error) {
	a, err := scanAssignment(r.q.QueryRowContext(ctx, `
		insert into user_roles (user_id, role_id, context, assigned_by, assigned_at, expires_at, is_active)
		values ($1, $2, $3, $4, $5, $6, true)
		returning `+assignmentColumns,
		in.UserID, in.RoleID, nullIfEmpty(in.Context), in.AssignedBy, in.AssignedAt, nullTime(in.ExpiresAt)))
	if err != nil {
		return rbac.UserRoleAssignment{}, translate(err)
	}
	return a, nil
}

func (r assignmentRepo) Revoke(ctx context.Context, assignmentID int64, at time.Time) (rbac.UserRoleAssignment, error) {
	a, err := scanAssignment(r.q.QueryRowContext(ctx, `
		update user_roles set is_active = false, revoked_at = $2
		where id = $1 and is_active
		returning `+assignmentColumns, assignmentID, at))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.UserRoleAssignment{}, notFound("active assignment", assignmentID)
	}
	if err != nil {
		return rbac.UserRoleAssignment{}, translate(err)
	}
	return a, nil
}

func (r assignmentRepo) UserIDsForRole(ctx context.Context, roleID int64, now time.Time) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx, `
		select distinct user_id
		from user_roles
		where role_id = $1 and is_active and (expires_at is null or expires_at > $2)
		order by user_id
	`, roleID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
