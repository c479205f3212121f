package rbac

const (
	PermRBACRead   = "rbac.read"
	PermRBACManage = "rbac.manage"

	PermPatientsRead          = "patients.read"
	PermPatientsWrite         = "patients.write"
	PermPatientsClinicalRead  = "patients.clinical_read"
	PermPatientsClinicalWrite = "patients.clinical_write"

	PermAppointmentsRead  = "appointments.read"
	PermAppointmentsWrite = "appointments.write"
	PermBillingRead       = "billing.read"
	PermBillingWrite      = "billing.write"
	PermDocumentsRead     = "documents.read"
	PermDocumentsWrite    = "documents.write"
)

// BuiltinPermissions is the closed vocabulary seeded at startup.
var BuiltinPermissions = []Permission{
	{Name: PermRBACRead, Module: "administration", Feature: "rbac", Action: "read", Description: "View roles, permissions and feature access", IsSystem: true},
	{Name: PermRBACManage, Module: "administration", Feature: "rbac", Action: "manage", Description: "Change roles, grants and assignments", IsSystem: true},
	{Name: PermPatientsRead, Module: "patients", Feature: "demographics", Action: "read", Description: "View patient demographics", IsSystem: true},
	{Name: PermPatientsWrite, Module: "patients", Feature: "demographics", Action: "write", Description: "Edit patient demographics", IsSystem: true},
	{Name: PermPatientsClinicalRead, Module: "patients", Feature: "clinical", Action: "read", Description: "View clinical records", IsSystem: true},
	{Name: PermPatientsClinicalWrite, Module: "patients", Feature: "clinical", Action: "write", Description: "Edit clinical records", IsSystem: true},
	{Name: PermAppointmentsRead, Module: "appointments", Feature: "schedule", Action: "read", Description: "View appointments", IsSystem: true},
	{Name: PermAppointmentsWrite, Module: "appointments", Feature: "schedule", Action: "write", Description: "Book and change appointments", IsSystem: true},
	{Name: PermBillingRead, Module: "billing", Feature: "invoices", Action: "read", Description: "View invoices", IsSystem: true},
	{Name: PermBillingWrite, Module: "billing", Feature: "invoices", Action: "write", Description: "Issue and adjust invoices", IsSystem: true},
	{Name: PermDocumentsRead, Module: "documents", Feature: "files", Action: "read", Description: "View documents", IsSystem: true},
	{Name: PermDocumentsWrite, Module: "documents", Feature: "files", Action: "write", Description: "Upload documents", IsSystem: true},
}
