package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"authgate.io/internal/auth"
	"authgate.io/internal/obs"
)

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type loginResponse struct {
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type"`
	ExpiresAt   time.Time  `json:"expires_at"`
	User        *auth.User `json:"user"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.Login(r.Context(), auth.LoginInput{
		Username:   req.Username,
		Password:   req.Password,
		RememberMe: req.RememberMe,
		Meta:       clientMeta(r),
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	a.setSessionCookie(w, res.Token, res.Session.ExpiresAt)
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: res.Token,
		TokenType:   "bearer",
		ExpiresAt:   res.Session.ExpiresAt,
		User:        res.User,
	})
}

// handleLogout checks the token itself; the gate normally rejects bad
// tokens first, but the allow-list is configurable.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, "No token provided")
		return
	}
	if err := a.svc.Logout(r.Context(), token, clientMeta(r)); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, messageResponse{"Logged out successfully"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, "Invalid session")
		return
	}
	p, err := a.svc.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrUserDisabled) {
			writeError(w, r, http.StatusUnauthorized, "Invalid session")
			return
		}
		handleAuthError(w, r, err)
		return
	}
	if _, err := a.svc.LogoutAll(r.Context(), p, clientMeta(r)); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, messageResponse{"All sessions invalidated"})
}

type meResponse struct {
	User        *auth.User `json:"user"`
	Permissions []string   `json:"permissions"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	perms, err := a.svc.EffectivePermissions(r.Context(), p.User)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: p.User, Permissions: perms})
}

// handleVerify is a public probe that always answers 200; validity lives in
// the body so polling clients never trip error interceptors.
func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "message": "No token provided"})
		return
	}
	valid, expiresAt := a.svc.Verify(r.Context(), token)
	if !valid {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "message": "Token expired or invalid"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "expires_at": expiresAt})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ChangePassword(r.Context(), p, req.CurrentPassword, req.NewPassword, clientMeta(r)); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{"Password changed successfully"})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// handleForgotPassword answers the same body for every input so the
// endpoint cannot be used to probe which emails exist. Failures are logged
// and swallowed for the same reason.
func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.RequestPasswordReset(r.Context(), req.Email, clientMeta(r)); err != nil {
		obs.Logger().WithError(err).Warn("password reset request failed")
	}
	writeJSON(w, http.StatusOK, messageResponse{"If that email exists, a reset link has been sent."})
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ResetPassword(r.Context(), req.Token, req.NewPassword, clientMeta(r)); err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidToken):
			writeError(w, r, http.StatusBadRequest, "Invalid token")
		case errors.Is(err, auth.ErrUserDisabled):
			writeError(w, r, http.StatusBadRequest, "User not found or disabled")
		default:
			handleAuthError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{"Password reset successfully"})
}

type sessionListResponse struct {
	Items []*auth.Session `json:"items"`
	Total int             `json:"total"`
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	items, err := a.svc.Sessions(r.Context(), p)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionListResponse{Items: items, Total: len(items)})
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := a.svc.RevokeSession(r.Context(), p, mux.Vars(r)["id"]); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "Session not found")
			return
		}
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{"Session revoked"})
}

func (a *API) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
