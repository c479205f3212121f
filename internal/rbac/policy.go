package rbac

import "strings"

// Policy configures the patient ownership rules layered above role checks.
type Policy struct {
	// FullAccessRoles see every patient record.
	FullAccessRoles []string
	// ClinicalRoles see patients they have an active care relationship with.
	ClinicalRoles []string
	// FrontDeskRoles are decided by FrontDeskPermission alone.
	FrontDeskRoles      []string
	FrontDeskPermission string
}

// DefaultPolicy returns the clinic defaults.
func DefaultPolicy() Policy {
	return Policy{
		FullAccessRoles:     []string{"super_admin", "admin"},
		ClinicalRoles:       []string{"doctor", "nurse"},
		FrontDeskRoles:      []string{"receptionist"},
		FrontDeskPermission: PermPatientsRead,
	}
}

func (p Policy) normalized() Policy {
	return Policy{
		FullAccessRoles:     normalizeNames(p.FullAccessRoles),
		ClinicalRoles:       normalizeNames(p.ClinicalRoles),
		FrontDeskRoles:      normalizeNames(p.FrontDeskRoles),
		FrontDeskPermission: normalizeName(p.FrontDeskPermission),
	}
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeNames(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = normalizeName(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
