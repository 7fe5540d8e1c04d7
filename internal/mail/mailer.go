// Package mail delivers account mail. The only shipped implementation writes
// messages to the service log; deployments with a relay implement auth.Mailer
// against their own infrastructure.
package mail

import (
	"context"

	"authgate.io/internal/obs"
)

// LogMailer logs reset links instead of sending them. Operators copy the
// link from the log when no SMTP relay is configured.
type LogMailer struct{}

// SendPasswordReset writes the link at info level. It never fails.
func (LogMailer) SendPasswordReset(_ context.Context, to, link string) error {
	obs.Logger().WithFields(map[string]any{
		"to":   to,
		"link": link,
	}).Info("password reset link issued")
	return nil
}
