package auth

import (
	"context"
	"errors"
	"strings"

	"authgate.io/internal/audit"
	"authgate.io/internal/ids"
	"authgate.io/internal/obs"
)

const defaultResetBaseURL = "http://localhost:5173"

// RequestPasswordReset mints a reset token for the account behind email and
// dispatches the link through the mailer. The outcome is identical for
// unknown and inactive accounts so the endpoint cannot be used to enumerate
// users; mail delivery failures do not change it either.
func (s *Service) RequestPasswordReset(ctx context.Context, email string, meta ClientMeta) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil
	}

	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObservePasswordReset("ignored")
			return nil
		}
		return err
	}
	if !user.Active {
		obs.ObservePasswordReset("ignored")
		return nil
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	now := s.now()
	rec := &ResetToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: hashToken(secret),
		RequestIP: meta.IPAddress,
		CreatedAt: now,
		ExpiresAt: now.Add(s.resetTTL),
	}
	if err := s.store.ResetTokens(ctx).Create(ctx, rec); err != nil {
		return err
	}
	obs.ObservePasswordReset("requested")

	if s.mailer != nil {
		if merr := s.mailer.SendPasswordReset(ctx, user.Email, s.resetLink(secret)); merr != nil {
			obs.Logger().WithError(merr).WithField("user_id", user.ID).Warn("reset mail delivery failed")
		}
	}

	s.trail.Record(ctx, audit.Entry{
		UserID:    user.ID,
		Action:    "password_reset_request",
		Module:    "auth",
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return nil
}

func (s *Service) resetLink(secret string) string {
	base := s.resetBaseURL
	if base == "" {
		base = defaultResetBaseURL
	}
	return base + "/reset-password?token=" + secret
}

// ResetPassword redeems a reset token and installs the new password. Tokens
// are single use; unknown, used and expired tokens all fail with
// ErrResetTokenInvalid. Existing sessions stay valid.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string, meta ClientMeta) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	if len(newPassword) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	rec, err := s.store.ResetTokens(ctx).Redeem(ctx, hashToken(token), s.now(), hash)
	if err != nil {
		return err
	}
	obs.ObservePasswordReset("redeemed")

	s.trail.Record(ctx, audit.Entry{
		UserID:    rec.UserID,
		Action:    "password_reset",
		Module:    "auth",
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return nil
}
