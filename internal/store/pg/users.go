package pg

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"medgate.org/internal/rbac"
)

type userRepo struct{ q querier }

func (r userRepo) Find(ctx context.Context, id int64) (rbac.User, error) {
	var u rbac.User
	err := r.q.QueryRowContext(ctx, `
		select id, email, coalesce(name, ''), is_active
		from users
		where id = $1
	`, id).Scan(&u.ID, &u.Email, &u.Name, &u.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.User{}, notFound("user", id)
	}
	if err != nil {
		return rbac.User{}, err
	}
	return u, nil
}

type careRepo struct{ q querier }

func (r careRepo) HasActiveRelationship(ctx context.Context, clinicianID, patientID int64, now time.Time) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx, `
		select exists (
			select 1 from care_relationships
			where clinician_id = $1 and patient_id = $2 and is_active
			  and (ended_at is null or ended_at > $3)
		)
	`, clinicianID, patientID, now).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

type auditRepo struct{ q querier }

func (r auditRepo) Append(ctx context.Context, e rbac.AuditEntry) (rbac.AuditEntry, error) {
	err := r.q.QueryRowContext(ctx, `
		insert into audit_log (performed_by, action, entity_type, entity_id, before, after, request_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning id
	`, e.PerformedBy, e.Action, e.EntityType, e.EntityID, jsonOrNil(e.Before), jsonOrNil(e.After), nullIfEmpty(e.RequestID), e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return rbac.AuditEntry{}, translate(err)
	}
	return e, nil
}

func (r auditRepo) List(ctx context.Context, f rbac.AuditFilter) ([]rbac.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.EntityType != "" {
		args = append(args, f.EntityType)
		where = append(where, "entity_type = $"+strconv.Itoa(len(args)))
	}
	if f.EntityID != 0 {
		args = append(args, f.EntityID)
		where = append(where, "entity_id = $"+strconv.Itoa(len(args)))
	}
	query := `select id, performed_by, action, entity_type, entity_id, before, after, coalesce(request_id, ''), created_at from audit_log`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	args = append(args, f.Limit)
	query += " order by id desc limit $" + strconv.Itoa(len(args))

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.AuditEntry
	for rows.Next() {
		var (
			e             rbac.AuditEntry
			before, after []byte
		)
		if err := rows.Scan(&e.ID, &e.PerformedBy, &e.Action, &e.EntityType, &e.EntityID, &before, &after, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(before) > 0 {
			e.Before = append(e.Before, before...)
		}
		if len(after) > 0 {
			e.After = append(e.After, after...)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func jsonOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
