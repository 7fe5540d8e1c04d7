package auth

import (
	"strings"
	"testing"
)

func TestCatalogShape(t *testing.T) {
	catalog := Catalog()

	want := len(Modules)*len(StandardActions) + len(specialPermissions)
	if len(catalog) != want {
		t.Fatalf("catalog size = %d, want %d", len(catalog), want)
	}

	seen := make(map[string]struct{}, len(catalog))
	for _, p := range catalog {
		if _, dup := seen[p.Code]; dup {
			t.Fatalf("duplicate code %q", p.Code)
		}
		seen[p.Code] = struct{}{}

		module, action, ok := strings.Cut(p.Code, ".")
		if !ok || module == "" || action == "" {
			t.Fatalf("code %q does not follow module.action", p.Code)
		}
		if p.Module != module {
			t.Fatalf("code %q carries module %q", p.Code, p.Module)
		}
		if p.Name == "" || p.Description == "" {
			t.Fatalf("code %q missing name or description", p.Code)
		}
	}
}

func TestCatalogContainsWellKnownCodes(t *testing.T) {
	codes := CatalogCodes()
	for _, code := range []string{
		PermManageUsers,
		PermManageRoles,
		PermViewAudit,
		PermManageSettings,
		"customers.delete",
		"inventory.adjust",
		"pos.void_transaction",
		"backup.restore_db",
	} {
		if _, ok := codes[code]; !ok {
			t.Errorf("catalog missing %q", code)
		}
	}
}

func TestCatalogNames(t *testing.T) {
	var byCode = make(map[string]Permission)
	for _, p := range Catalog() {
		byCode[p.Code] = p
	}

	if got := byCode["sales_orders.view"].Name; got != "View Sales Orders" {
		t.Errorf("sales_orders.view name = %q", got)
	}
	if got := byCode["admin.manage_users"].Name; got != "Manage Users - Admin" {
		t.Errorf("admin.manage_users name = %q", got)
	}
	if got := byCode["products.export"].Description; got != "Permission to export products" {
		t.Errorf("products.export description = %q", got)
	}
}
