// Package authz maps request paths to the permission codes that guard them.
// The table is pure decision logic; enforcement lives in the HTTP middleware.
package authz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// defaultPublic lists the path prefixes that skip authentication entirely.
// bootstrap-owner guards itself: it only acts when no owner exists.
var defaultPublic = []string{
	"/api/auth/login",
	"/api/auth/verify",
	"/api/health",
	"/api/auth/forgot-password",
	"/api/auth/reset-password",
	"/api/admin/bootstrap-owner",
}

// defaultModules maps API path prefixes to the module key used in permission
// codes. The admin surface is absent on purpose; it resolves through the
// override list below.
var defaultModules = map[string]string{
	"/api/products":        "products",
	"/api/inventory":       "inventory",
	"/api/sales-orders":    "sales_orders",
	"/api/customers":       "customers",
	"/api/quotes":          "quotes",
	"/api/suppliers":       "suppliers",
	"/api/purchasing":      "purchasing",
	"/api/invoices":        "invoicing",
	"/api/payments":        "payments",
	"/api/work-orders":     "work_orders",
	"/api/expenses":        "expenses",
	"/api/projects":        "projects",
	"/api/support-tickets": "support_tickets",
	"/api/leads":           "leads",
	"/api/warehousing":     "warehousing",
	"/api/manufacturing":   "manufacturing",
	"/api/quality":         "quality",
	"/api/shipping":        "shipping",
	"/api/returns":         "returns",
	"/api/time-attendance": "time_attendance",
	"/api/hr":              "hr",
	"/api/assets":          "assets",
	"/api/reporting":       "reporting",
	"/api/accounting":      "accounting",
	"/api/production":      "production",
	"/api/documents":       "documents",
	"/api/payroll":         "payroll",
	"/api/pos":             "pos",
	"/api/tooling":         "tooling",
	"/api/portal":          "portal",
	"/api/settings":        "settings",
	"/api/notifications":   "notifications",
	"/api/backup":          "backup",
	"/api/import":          "import",
}

// adminOverrides binds the admin surface to coarse management permissions
// instead of per-method CRUD codes. Checked before the module table.
var adminOverrides = []struct {
	prefix string
	code   string
}{
	{"/api/admin/users", "admin.manage_users"},
	{"/api/admin/roles", "admin.manage_roles"},
	{"/api/admin/permissions", "admin.manage_roles"},
	{"/api/admin/audit-logs", "admin.view_audit"},
	{"/api/admin/audit/stream", "admin.view_audit"},
	{"/api/admin/settings", "settings.manage"},
	{"/api/admin/init-", "admin.manage_roles"},
}

type moduleRule struct {
	prefix string
	module string
}

// Table resolves paths to permission codes. Build one with New, Default or
// Parse; a built table is immutable and safe for concurrent use.
type Table struct {
	public []string
	rules  []moduleRule
}

// New builds a table from a public allow-list and a prefix→module map. An
// empty public list falls back to the built-in one.
func New(public []string, modules map[string]string) (*Table, error) {
	if len(modules) == 0 {
		return nil, fmt.Errorf("authz: route map defines no modules")
	}
	if len(public) == 0 {
		public = defaultPublic
	}
	t := &Table{public: append([]string(nil), public...)}
	for prefix, module := range modules {
		if !strings.HasPrefix(prefix, "/api/") || len(prefix) <= len("/api/") {
			return nil, fmt.Errorf("authz: prefix %q is outside /api/", prefix)
		}
		if module == "" || strings.Contains(module, ".") {
			return nil, fmt.Errorf("authz: bad module %q for prefix %q", module, prefix)
		}
		t.rules = append(t.rules, moduleRule{prefix: prefix, module: module})
	}
	// Longest prefix wins; ties cannot occur since map keys are unique.
	sort.Slice(t.rules, func(i, j int) bool {
		if len(t.rules[i].prefix) != len(t.rules[j].prefix) {
			return len(t.rules[i].prefix) > len(t.rules[j].prefix)
		}
		return t.rules[i].prefix < t.rules[j].prefix
	})
	return t, nil
}

// Default returns the built-in table.
func Default() *Table {
	t, err := New(nil, defaultModules)
	if err != nil {
		panic(err)
	}
	return t
}

// WithPublic returns a copy of the table with the public allow-list replaced.
// An empty list keeps the current one.
func (t *Table) WithPublic(public []string) *Table {
	if len(public) == 0 {
		return t
	}
	return &Table{public: append([]string(nil), public...), rules: t.rules}
}

// Public reports whether the path skips authentication.
func (t *Table) Public(path string) bool {
	for _, p := range t.public {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func methodAction(method string) (string, bool) {
	switch method {
	case http.MethodGet:
		return "view", true
	case http.MethodPost:
		return "create", true
	case http.MethodPut:
		return "update", true
	case http.MethodDelete:
		return "delete", true
	}
	return "", false
}

// RequiredPermission returns the permission code guarding (path, method).
// ok=false means the route needs authentication but no specific permission.
// Admin overrides take precedence over the module table.
func (t *Table) RequiredPermission(path, method string) (string, bool) {
	for _, o := range adminOverrides {
		if strings.HasPrefix(path, o.prefix) {
			return o.code, true
		}
	}
	action, ok := methodAction(method)
	if !ok {
		return "", false
	}
	for _, r := range t.rules {
		if strings.HasPrefix(path, r.prefix) {
			return r.module + "." + action, true
		}
	}
	return "", false
}

// Codes returns every permission code the table can derive, sorted and
// deduplicated. Used to check the table against the seeded catalog.
func (t *Table) Codes() []string {
	seen := map[string]struct{}{}
	for _, o := range adminOverrides {
		seen[o.code] = struct{}{}
	}
	for _, r := range t.rules {
		for _, action := range []string{"view", "create", "update", "delete"} {
			seen[r.module+"."+action] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for code := range seen {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every derivable code exists in the permission catalog.
// A table that can demand a code nobody can hold would lock the route for
// everyone but superusers.
func (t *Table) Validate(available []string) error {
	have := make(map[string]struct{}, len(available))
	for _, code := range available {
		have[code] = struct{}{}
	}
	var missing []string
	for _, code := range t.Codes() {
		if _, ok := have[code]; !ok {
			missing = append(missing, code)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("authz: route map derives unknown permission codes: %s", strings.Join(missing, ", "))
	}
	return nil
}
