package httpapi

import (
	"net/http"
	"strings"
	"time"

	"medgate.org/internal/auth"
	"medgate.org/internal/rbac"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

type grantPermissionRequest struct {
	PermissionID int64 `json:"permission_id"`
}

type setFeatureAccessRequest struct {
	AccessLevel string `json:"access_level"`
}

type assignRoleRequest struct {
	RoleID    int64      `json:"role_id"`
	Context   string     `json:"context"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func actor(r *http.Request) int64 {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	roles, err := a.engine.GetUserRoles(r.Context(), id.UserID)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	perms, err := a.engine.UserPermissions(r.Context(), id.UserID)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	features, err := a.engine.UserFeatureAccess(r.Context(), id.UserID)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"user":           id,
		"roles":          roles,
		"permissions":    perms,
		"feature_access": features,
	})
}

func (a *API) handlePatientAccess(w http.ResponseWriter, r *http.Request) {
	patientID, err := pathID(r, "patientID")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	access := rbac.AccessTypeRead
	if raw := r.URL.Query().Get("type"); raw != "" {
		parsed, ok := rbac.ParseAccessType(raw)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "type must be read or write")
			return
		}
		access = parsed
	}
	allowed := a.engine.CanAccessPatient(r.Context(), actor(r), patientID, access)
	writeData(w, http.StatusOK, map[string]any{
		"patient_id": patientID,
		"access":     access,
		"allowed":    allowed,
	})
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.engine.ListRoles(r.Context())
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"roles": nonNil(roles)})
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.engine.ListPermissions(r.Context())
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"permissions": nonNil(perms)})
}

func (a *API) handleListModules(w http.ResponseWriter, r *http.Request) {
	modules, err := a.engine.ListModules(r.Context())
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"modules": nonNil(modules)})
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, perms, err := a.engine.RolePermissions(r.Context(), roleID)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"role": role, "permissions": nonNil(perms)})
}

func (a *API) handleRoleFeatures(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, access, err := a.engine.RoleFeatureAccess(r.Context(), roleID)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"role": role, "feature_access": nonNil(access)})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	role, err := a.engine.CreateRole(r.Context(), actor(r), rbac.NewRole{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
	})
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"role": role})
}

func (a *API) handleDeactivateRole(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.engine.DeactivateRole(r.Context(), actor(r), roleID)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"role": role})
}

func (a *API) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req grantPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if req.PermissionID <= 0 {
		writeError(w, r, http.StatusBadRequest, "permission_id is required")
		return
	}
	grant, err := a.engine.AssignPermissionToRole(r.Context(), actor(r), roleID, req.PermissionID)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"grant": grant})
}

func (a *API) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	permID, err := pathID(r, "permissionID")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	grant, err := a.engine.RemovePermissionFromRole(r.Context(), actor(r), roleID, permID)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"grant": grant})
}

func (a *API) handleSetFeatureAccess(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	moduleID, err := pathID(r, "moduleID")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req setFeatureAccessRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	level, ok := rbac.ParseAccessLevel(req.AccessLevel)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "access_level must be one of none, read, write, admin")
		return
	}
	access, err := a.engine.SetFeatureAccess(r.Context(), actor(r), roleID, moduleID, level)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"feature_access": access})
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if req.RoleID <= 0 {
		writeError(w, r, http.StatusBadRequest, "role_id is required")
		return
	}
	assignment, err := a.engine.AssignRoleToUser(r.Context(), actor(r), userID, req.RoleID, rbac.AssignOptions{
		Context:   strings.TrimSpace(req.Context),
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"assignment": assignment})
}

func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	roleID, err := pathID(r, "roleID")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	assignment, err := a.engine.RevokeRoleFromUser(r.Context(), actor(r), userID, roleID)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"assignment": assignment})
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 50, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}
	filter := rbac.AuditFilter{EntityType: strings.TrimSpace(q.Get("entity_type")), Limit: limit}
	if raw := q.Get("entity_id"); raw != "" {
		id, err := parsePositiveInt(raw, 0, 1, 1<<31-1)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "entity_id must be a positive integer")
			return
		}
		filter.EntityID = int64(id)
	}
	entries, err := a.engine.AuditLog(r.Context(), filter)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

// nonNil keeps empty collections as [] rather than null in responses.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
