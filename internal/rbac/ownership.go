package rbac

import (
	"context"

	"medgate.org/internal/obs"
)

// CanAccessPatient applies the patient ownership rules in fixed order; the
// first rule that matches decides:
//
//  1. a full-access role allows everything;
//  2. a user reading their own record is allowed;
//  3. a clinical role with an active care relationship to the patient is allowed;
//  4. a front-desk role is decided by the front-desk permission;
//  5. anything else is denied.
func (e *Engine) CanAccessPatient(ctx context.Context, userID, patientID int64, access AccessType) bool {
	if userID <= 0 || patientID <= 0 {
		return false
	}
	if _, ok := ParseAccessType(string(access)); !ok {
		return false
	}
	if e.HasAnyRole(ctx, userID, e.policy.FullAccessRoles...) {
		return true
	}
	if userID == patientID && access == AccessTypeRead {
		return true
	}
	if e.HasAnyRole(ctx, userID, e.policy.ClinicalRoles...) {
		ok, err := e.store.Care().HasActiveRelationship(ctx, userID, patientID, e.now())
		if err != nil {
			obs.Warn("care relationship lookup failed", map[string]any{"user_id": userID, "patient_id": patientID, "error": err})
			return false
		}
		if ok {
			return true
		}
	}
	if e.HasAnyRole(ctx, userID, e.policy.FrontDeskRoles...) {
		return e.HasPermission(ctx, userID, e.policy.FrontDeskPermission, "")
	}
	return false
}
