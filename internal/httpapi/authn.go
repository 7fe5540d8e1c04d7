package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"authgate.io/internal/auth"
	"authgate.io/internal/obs"
)

const (
	authHeader    = "Authorization"
	bearer        = "Bearer "
	sessionCookie = "authgate_session"
)

// withAuth is the gate in front of every /api/ route: it validates the
// session, resolves the permission the route demands and attaches the
// principal to the context. Infra paths outside /api/ pass through, as do
// preflights and the public allow-list. Anything unexpected fails closed.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		table := a.authz.Table()
		if table.Public(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeError(w, r, http.StatusUnauthorized, "Not authenticated")
			return
		}

		p, err := a.svc.Authenticate(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInvalidToken):
				writeError(w, r, http.StatusUnauthorized, "Session expired or invalid")
			case errors.Is(err, auth.ErrUserDisabled):
				writeError(w, r, http.StatusUnauthorized, "User not found or disabled")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		if code, required := table.RequiredPermission(r.URL.Path, r.Method); required {
			allowed, err := a.svc.HasPermission(r.Context(), p.User, code)
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, "authorization error")
				return
			}
			if !allowed {
				obs.ObservePermissionDenied(moduleOf(code))
				writeError(w, r, http.StatusForbidden, "Permission denied: "+code)
				return
			}
		}

		ctx := auth.ContextWithPrincipal(r.Context(), p)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken pulls the credential from the Authorization header, falling
// back to the session cookie for browser flows.
func bearerToken(r *http.Request) string {
	if tok := extractBearerToken(r.Header.Get(authHeader)); tok != "" {
		return tok
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// extractBearerToken accepts the scheme case-insensitively. A missing or
// foreign scheme reads as no token at all.
func extractBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return ""
	}
	return strings.TrimSpace(header[len(bearer):])
}

func moduleOf(code string) string {
	if i := strings.IndexByte(code, '.'); i > 0 {
		return code[:i]
	}
	return code
}
