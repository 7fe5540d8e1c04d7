package auth

import "strings"

// Permission codes referenced directly in code. Everything else in the
// catalog is addressed through the module.action convention.
const (
	PermManageUsers    = "admin.manage_users"
	PermManageRoles    = "admin.manage_roles"
	PermViewAudit      = "admin.view_audit"
	PermManageSettings = "settings.manage"
)

// Modules known to the permission catalog. The path-based authorization
// table maps request prefixes onto these keys.
var Modules = []string{
	"products", "inventory", "sales_orders", "customers", "quotes",
	"invoicing", "payments", "suppliers", "purchasing", "work_orders",
	"expenses", "projects", "support_tickets", "leads", "warehousing",
	"manufacturing", "quality", "shipping", "returns", "time_attendance",
	"hr", "assets", "reporting", "admin", "accounting", "production",
	"documents", "payroll", "pos", "tooling", "portal", "settings",
	"notifications", "backup", "import",
}

// StandardActions are generated for every module.
var StandardActions = []string{"view", "create", "update", "delete", "export"}

type specialPermission struct {
	module      string
	action      string
	description string
}

// Codes that exist beyond the standard CRUD grid.
var specialPermissions = []specialPermission{
	{"accounting", "post_entries", "Post journal entries"},
	{"accounting", "close_period", "Close fiscal periods"},
	{"invoicing", "send", "Send invoices to customers"},
	{"payments", "process", "Process payments"},
	{"payroll", "process", "Process payroll"},
	{"payroll", "approve", "Approve payslips"},
	{"inventory", "adjust", "Adjust inventory quantities"},
	{"work_orders", "start", "Start work orders"},
	{"work_orders", "complete", "Complete work orders"},
	{"production", "schedule", "Manage production schedules"},
	{"quality", "inspect", "Perform quality inspections"},
	{"shipping", "dispatch", "Dispatch shipments"},
	{"pos", "open_session", "Open POS sessions"},
	{"pos", "close_session", "Close POS sessions"},
	{"pos", "void_transaction", "Void transactions"},
	{"admin", "manage_users", "Manage user accounts"},
	{"admin", "manage_roles", "Manage roles and permissions"},
	{"admin", "view_audit", "View audit logs"},
	{"backup", "restore_db", "Restore database from backups"},
	{"settings", "manage", "Manage system settings"},
	{"import", "execute", "Execute data imports"},
}

// Catalog returns the full built-in permission set: the CRUD grid for every
// module plus the special codes. IDs and timestamps are left for the store.
func Catalog() []Permission {
	perms := make([]Permission, 0, len(Modules)*len(StandardActions)+len(specialPermissions))
	for _, module := range Modules {
		for _, action := range StandardActions {
			perms = append(perms, Permission{
				Name:        titleCase(action) + " " + moduleTitle(module),
				Code:        module + "." + action,
				Module:      module,
				Description: "Permission to " + action + " " + strings.ReplaceAll(module, "_", " "),
			})
		}
	}
	for _, sp := range specialPermissions {
		perms = append(perms, Permission{
			Name:        titleCase(strings.ReplaceAll(sp.action, "_", " ")) + " - " + moduleTitle(sp.module),
			Code:        sp.module + "." + sp.action,
			Module:      sp.module,
			Description: sp.description,
		})
	}
	return perms
}

// CatalogCodes returns the set of built-in codes, used to validate the
// authorization route map before any store is seeded.
func CatalogCodes() map[string]struct{} {
	catalog := Catalog()
	codes := make(map[string]struct{}, len(catalog))
	for _, p := range catalog {
		codes[p.Code] = struct{}{}
	}
	return codes
}

func moduleTitle(module string) string {
	return titleCase(strings.ReplaceAll(module, "_", " "))
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
