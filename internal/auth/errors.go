package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account temporarily locked")
	ErrAccountDisabled    = errors.New("auth: account disabled")
	ErrInvalidToken       = errors.New("auth: session expired or invalid")
	ErrUserDisabled       = errors.New("auth: user not found or disabled")
	ErrPasswordMismatch   = errors.New("auth: current password is incorrect")
	ErrPasswordTooShort   = errors.New("auth: password too short")
	ErrResetTokenInvalid  = errors.New("auth: reset token invalid or expired")
	ErrPermissionDenied   = errors.New("auth: permission denied")
	ErrSystemProtected    = errors.New("auth: protected system record")
)
