// Package httpapi is the HTTP layer: routing, middleware, JSON plumbing and
// the handlers for the session, admin and infra endpoints. All authorization
// decisions happen in the withAuth gate before a handler runs.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"authgate.io/internal/auth"
	"authgate.io/internal/authz"
	"authgate.io/internal/obs"
	"authgate.io/internal/stream"
)

// ReadyProbe reports readiness, normally by pinging the database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the auth service.
type API struct {
	router     *mux.Router
	svc        *auth.Service
	authz      *authz.Provider
	events     *stream.Stream
	readyProbe ReadyProbe
	version    string

	cookieSecure bool
	corsOrigins  []string
	rateBurst    int
	ratePerSec   float64
}

// Option adjusts optional API wiring.
type Option func(*API)

// WithReadyProbe installs the readiness check backing /readyz.
func WithReadyProbe(rp ReadyProbe) Option {
	return func(a *API) { a.readyProbe = rp }
}

// WithVersion sets the version string reported by the info endpoints.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithStream connects the audit broker feeding the SSE endpoint.
func WithStream(st *stream.Stream) Option {
	return func(a *API) { a.events = st }
}

// WithCookieSecure marks the session cookie Secure.
func WithCookieSecure(on bool) Option {
	return func(a *API) { a.cookieSecure = on }
}

// WithCORSOrigins sets the allowed cross-origin list. Localhost origins are
// always allowed for development.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithRateLimit configures the per-IP limiter. A burst of zero disables it.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

func New(svc *auth.Service, provider *authz.Provider, opts ...Option) *API {
	a := &API{
		router:  mux.NewRouter(),
		svc:     svc,
		authz:   provider,
		version: "dev",
	}
	for _, opt := range opts {
		opt(a)
	}

	r := a.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	// health/ready/info
	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	r.HandleFunc("/api/health", a.APIHealth).Methods(http.MethodGet)

	// Prometheus metrics
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	// session endpoints
	r.HandleFunc("/api/auth/login", a.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", a.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout-all", a.handleLogoutAll).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/me", a.handleMe).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/verify", a.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/change-password", a.handleChangePassword).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/forgot-password", a.handleForgotPassword).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/reset-password", a.handleResetPassword).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/sessions", a.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/sessions/{id}", a.handleRevokeSession).Methods(http.MethodDelete)

	// admin endpoints
	r.HandleFunc("/api/admin/bootstrap-owner", a.handleBootstrapOwner).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/init-permissions", a.handleInitPermissions).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/init-roles", a.handleInitRoles).Methods(http.MethodPost)

	r.HandleFunc("/api/admin/users", a.handleListUsers).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/users", a.handleCreateUser).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/users/{id}", a.handleGetUser).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/users/{id}", a.handleUpdateUser).Methods(http.MethodPut)
	r.HandleFunc("/api/admin/users/{id}", a.handleDeleteUser).Methods(http.MethodDelete)
	r.HandleFunc("/api/admin/users/{id}/reset-password", a.handleAdminResetPassword).Methods(http.MethodPost)

	r.HandleFunc("/api/admin/roles", a.handleListRoles).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/roles", a.handleCreateRole).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/roles/{id}", a.handleGetRole).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/roles/{id}", a.handleUpdateRole).Methods(http.MethodPut)
	r.HandleFunc("/api/admin/roles/{id}", a.handleDeleteRole).Methods(http.MethodDelete)
	r.HandleFunc("/api/admin/roles/{id}/permissions", a.handleSetRolePermissions).Methods(http.MethodPut)

	r.HandleFunc("/api/admin/permissions", a.handleListPermissions).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/permissions", a.handleCreatePermission).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/permissions/{id}", a.handleDeletePermission).Methods(http.MethodDelete)

	r.HandleFunc("/api/admin/audit-logs", a.handleListAuditLogs).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/audit-logs/{id}", a.handleGetAuditLog).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/audit/stream", a.Stream).Methods(http.MethodGet)

	return a
}

// Handler assembles the middleware chain around the router. Order matters:
// the request id must exist before logging, CORS must answer preflights
// before the gate, and the gate runs last so everything inside it sees an
// authenticated context.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.withAuth(h)
	if a.rateBurst > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- infra handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "authgate-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "authgate-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// APIHealth answers the health path that client apps of the source system
// poll; the body shape is theirs.
func (a *API) APIHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

// --- helpers ---

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid, ok := obs.RequestIDFromContext(r.Context()); ok {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parseQueryInt(name, raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if val < min || val > max {
		return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
	}
	return val, nil
}

func parseQueryBool(name, raw string) (*bool, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be a boolean", name)
	}
	return &val, nil
}

// handleAuthError maps service sentinels to statuses and user-facing
// messages. Handlers intercept sentinels that need an endpoint-specific
// message before falling through to this.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, auth.ErrAccountLocked):
		writeError(w, r, http.StatusForbidden, "Account is temporarily locked")
	case errors.Is(err, auth.ErrAccountDisabled):
		writeError(w, r, http.StatusForbidden, "Account is disabled")
	case errors.Is(err, auth.ErrPasswordMismatch):
		writeError(w, r, http.StatusBadRequest, "Current password is incorrect")
	case errors.Is(err, auth.ErrPasswordTooShort):
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("Password must be at least %d characters", auth.MinPasswordLength))
	case errors.Is(err, auth.ErrResetTokenInvalid):
		writeError(w, r, http.StatusBadRequest, "Token is invalid or expired")
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "Session expired or invalid")
	case errors.Is(err, auth.ErrUserDisabled):
		writeError(w, r, http.StatusUnauthorized, "User not found or disabled")
	case errors.Is(err, auth.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "Permission denied")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, userMessage(err))
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "Already exists")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "Resource not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// userMessage strips the "auth: <sentinel>: " prefix from a wrapped service
// error so only the detail reaches the response. Details never contain
// colons themselves.
func userMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 && i+2 < len(msg) {
		return msg[i+2:]
	}
	return msg
}

func clientMeta(r *http.Request) auth.ClientMeta {
	return auth.ClientMeta{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// principal returns the gate-attached principal. Handlers behind the gate
// can rely on it; the 401 is a guard against misrouted wiring.
func principal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || p.User == nil {
		writeError(w, r, http.StatusUnauthorized, "Not authenticated")
		return nil, false
	}
	return p, true
}
