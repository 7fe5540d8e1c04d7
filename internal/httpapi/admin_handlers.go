package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"authgate.io/internal/audit"
	"authgate.io/internal/auth"
)

// List bounds follow the source system: each resource has its own default
// page size and cap.
const (
	userPageDefault, userPageMax   = 20, 100
	rolePageDefault, rolePageMax   = 20, 100
	permPageDefault, permPageMax   = 100, 500
	auditPageDefault, auditPageMax = 50, 200
	skipMax                        = 1 << 30
)

// --- bootstrap ---

// handleBootstrapOwner is public on purpose: it is the way into a fresh
// deployment with no accounts. It only mints credentials when the owner is
// created or an explicit reset is requested; an existing owner leaks
// nothing.
func (a *API) handleBootstrapOwner(w http.ResponseWriter, r *http.Request) {
	reset := false
	if raw := r.URL.Query().Get("reset_password"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "reset_password must be a boolean")
			return
		}
		reset = v
	}

	res, err := a.svc.EnsureOwner(r.Context(), "", reset)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	switch {
	case res.Created:
		writeJSON(w, http.StatusOK, map[string]any{
			"message":  "Owner admin created successfully",
			"username": res.Username,
			"password": res.Password,
			"note":     "Please change the password immediately after logging in.",
		})
	case res.Reset:
		writeJSON(w, http.StatusOK, map[string]any{
			"message":  "Owner admin password was reset",
			"username": res.Username,
			"password": res.Password,
			"note":     "Please change the password immediately after logging in.",
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"message":  "Owner admin already exists",
			"username": res.Username,
			"note":     "Password was NOT reset. Call /api/admin/bootstrap-owner?reset_password=true to reset it.",
		})
	}
}

func (a *API) handleInitPermissions(w http.ResponseWriter, r *http.Request) {
	created, err := a.svc.EnsureCatalog(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":             fmt.Sprintf("Initialized %d permissions", created),
		"permissions_created": created,
	})
}

func (a *API) handleInitRoles(w http.ResponseWriter, r *http.Request) {
	created, err := a.svc.EnsureRoles(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       fmt.Sprintf("Initialized %d roles", created),
		"roles_created": created,
	})
}

// --- users ---

type createUserRequest struct {
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Password    string   `json:"password"`
	FirstName   string   `json:"first_name"`
	LastName    string   `json:"last_name"`
	Phone       string   `json:"phone"`
	IsActive    *bool    `json:"is_active"`
	IsSuperuser bool     `json:"is_superuser"`
	RoleIDs     []string `json:"role_ids"`
}

type updateUserRequest struct {
	Email              *string   `json:"email"`
	FirstName          *string   `json:"first_name"`
	LastName           *string   `json:"last_name"`
	Phone              *string   `json:"phone"`
	IsActive           *bool     `json:"is_active"`
	IsSuperuser        *bool     `json:"is_superuser"`
	MustChangePassword *bool     `json:"must_change_password"`
	RoleIDs            *[]string `json:"role_ids"`
}

type userListResponse struct {
	Items []*auth.User `json:"items"`
	Total int          `json:"total"`
	Skip  int          `json:"skip"`
	Limit int          `json:"limit"`
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip, err := parseQueryInt("skip", q.Get("skip"), 0, 0, skipMax)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseQueryInt("limit", q.Get("limit"), userPageDefault, 1, userPageMax)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	active, err := parseQueryBool("is_active", q.Get("is_active"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := a.svc.ListUsers(r.Context(), auth.UserFilter{
		Active: active,
		RoleID: q.Get("role_id"),
		Search: q.Get("search"),
		Limit:  limit,
		Offset: skip,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userListResponse{Items: items, Total: total, Skip: skip, Limit: limit})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	user, err := a.svc.CreateUser(r.Context(), p, auth.UserCreate{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		Active:    active,
		Superuser: req.IsSuperuser,
		RoleIDs:   req.RoleIDs,
	})
	if err != nil {
		if errors.Is(err, auth.ErrConflict) {
			writeError(w, r, http.StatusConflict, "Username or email already exists")
			return
		}
		handleAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/admin/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.svc.GetUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "User not found")
			return
		}
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, err := a.svc.UpdateUser(r.Context(), p, mux.Vars(r)["id"], auth.UserUpdate{
		Email:              req.Email,
		FirstName:          req.FirstName,
		LastName:           req.LastName,
		Phone:              req.Phone,
		Active:             req.IsActive,
		Superuser:          req.IsSuperuser,
		MustChangePassword: req.MustChangePassword,
		RoleIDs:            req.RoleIDs,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "User not found")
		case errors.Is(err, auth.ErrConflict):
			writeError(w, r, http.StatusConflict, "Username or email already exists")
		default:
			handleAuthError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type adminResetPasswordRequest struct {
	NewPassword string `json:"new_password"`
}

func (a *API) handleAdminResetPassword(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req adminResetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.AdminResetPassword(r.Context(), p, mux.Vars(r)["id"], req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "User not found")
			return
		}
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{"Password reset successfully"})
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := a.svc.DeleteUser(r.Context(), p, mux.Vars(r)["id"]); err != nil {
		switch {
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "User not found")
		case errors.Is(err, auth.ErrSystemProtected):
			writeError(w, r, http.StatusBadRequest, "Cannot delete superuser")
		default:
			handleAuthError(w, r, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- roles ---

type createRoleRequest struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	IsActive      *bool    `json:"is_active"`
	PermissionIDs []string `json:"permission_ids"`
}

type updateRoleRequest struct {
	Name          *string   `json:"name"`
	Description   *string   `json:"description"`
	IsActive      *bool     `json:"is_active"`
	PermissionIDs *[]string `json:"permission_ids"`
}

type setRolePermissionsRequest struct {
	PermissionIDs []string `json:"permission_ids"`
}

type roleListResponse struct {
	Items []*auth.Role `json:"items"`
	Total int          `json:"total"`
	Skip  int          `json:"skip"`
	Limit int          `json:"limit"`
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip, err := parseQueryInt("skip", q.Get("skip"), 0, 0, skipMax)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseQueryInt("limit", q.Get("limit"), rolePageDefault, 1, rolePageMax)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	active, err := parseQueryBool("is_active", q.Get("is_active"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := a.svc.ListRoles(r.Context(), auth.RoleFilter{
		Active: active,
		Search: q.Get("search"),
		Limit:  limit,
		Offset: skip,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roleListResponse{Items: items, Total: total, Skip: skip, Limit: limit})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	role, err := a.svc.CreateRole(r.Context(), p, auth.RoleCreate{
		Name:          req.Name,
		Description:   req.Description,
		Active:        active,
		PermissionIDs: req.PermissionIDs,
	})
	if err != nil {
		if errors.Is(err, auth.ErrConflict) {
			writeError(w, r, http.StatusConflict, "Role name already exists")
			return
		}
		handleAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/admin/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.svc.GetRole(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "Role not found")
			return
		}
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req updateRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	role, err := a.svc.UpdateRole(r.Context(), p, mux.Vars(r)["id"], auth.RoleUpdate{
		Name:          req.Name,
		Description:   req.Description,
		Active:        req.IsActive,
		PermissionIDs: req.PermissionIDs,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "Role not found")
		case errors.Is(err, auth.ErrSystemProtected):
			writeError(w, r, http.StatusBadRequest, "Cannot modify system role")
		case errors.Is(err, auth.ErrConflict):
			writeError(w, r, http.StatusConflict, "Role name already exists")
		default:
			handleAuthError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := a.svc.DeleteRole(r.Context(), p, mux.Vars(r)["id"]); err != nil {
		switch {
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "Role not found")
		case errors.Is(err, auth.ErrSystemProtected):
			writeError(w, r, http.StatusBadRequest, "Cannot delete system role")
		default:
			handleAuthError(w, r, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req setRolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.svc.SetRolePermissions(r.Context(), p, mux.Vars(r)["id"], req.PermissionIDs)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "Role not found")
		case errors.Is(err, auth.ErrSystemProtected):
			writeError(w, r, http.StatusBadRequest, "Cannot modify system role")
		default:
			handleAuthError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, role)
}

// --- permissions ---

type createPermissionRequest struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Module      string `json:"module"`
	Description string `json:"description"`
}

type permissionListResponse struct {
	Items []*auth.Permission `json:"items"`
	Total int                `json:"total"`
	Skip  int                `json:"skip"`
	Limit int                `json:"limit"`
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip, err := parseQueryInt("skip", q.Get("skip"), 0, 0, skipMax)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseQueryInt("limit", q.Get("limit"), permPageDefault, 1, permPageMax)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := a.svc.ListPermissions(r.Context(), auth.PermissionFilter{
		Module: q.Get("module"),
		Search: q.Get("search"),
		Limit:  limit,
		Offset: skip,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, permissionListResponse{Items: items, Total: total, Skip: skip, Limit: limit})
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req createPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := a.svc.CreatePermission(r.Context(), p, auth.PermissionCreate{
		Name:        req.Name,
		Code:        req.Code,
		Module:      req.Module,
		Description: req.Description,
	})
	if err != nil {
		if errors.Is(err, auth.ErrConflict) {
			writeError(w, r, http.StatusConflict, "Permission code already exists")
			return
		}
		handleAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/admin/permissions/%s", perm.ID))
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := a.svc.DeletePermission(r.Context(), p, mux.Vars(r)["id"]); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "Permission not found")
			return
		}
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- audit logs ---

type auditListResponse struct {
	Items []*audit.Entry `json:"items"`
	Total int            `json:"total"`
	Skip  int            `json:"skip"`
	Limit int            `json:"limit"`
}

func (a *API) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip, err := parseQueryInt("skip", q.Get("skip"), 0, 0, skipMax)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseQueryInt("limit", q.Get("limit"), auditPageDefault, 1, auditPageMax)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	since, err := parseQueryTime("start_date", q.Get("start_date"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	until, err := parseQueryTime("end_date", q.Get("end_date"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := a.svc.Trail().Search(r.Context(), audit.Filter{
		UserID:     q.Get("user_id"),
		Action:     q.Get("action"),
		Module:     q.Get("module"),
		EntityType: q.Get("entity_type"),
		Status:     q.Get("status"),
		Since:      since,
		Until:      until,
		Limit:      limit,
		Offset:     skip,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auditListResponse{Items: items, Total: total, Skip: skip, Limit: limit})
}

func (a *API) handleGetAuditLog(w http.ResponseWriter, r *http.Request) {
	entry, err := a.svc.Trail().Find(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "Audit log not found")
			return
		}
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func parseQueryTime(name, raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return ts, nil
}
