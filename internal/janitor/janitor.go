// Package janitor runs the periodic retention sweeps: expired or revoked
// sessions, spent reset tokens and audit rows past the retention window.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"authgate.io/internal/auth"
	"authgate.io/internal/obs"
)

const sweepSchedule = "@every 15m"

type Janitor struct {
	store     auth.Store
	retention time.Duration
	cron      *cron.Cron
	now       func() time.Time
}

type Option func(*Janitor)

// WithClock overrides the time source; tests pin it.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// New builds a janitor over the store. auditRetention <= 0 keeps audit rows
// forever.
func New(store auth.Store, auditRetention time.Duration, opts ...Option) *Janitor {
	j := &Janitor{
		store:     store,
		retention: auditRetention,
		cron:      cron.New(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start schedules the sweep and starts the scheduler.
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(sweepSchedule, func() {
		j.Sweep(context.Background())
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	obs.Logger().WithField("schedule", sweepSchedule).Info("janitor started")
	return nil
}

// Stop halts the scheduler; the returned context is done once any running
// sweep finishes.
func (j *Janitor) Stop() context.Context {
	return j.cron.Stop()
}

// Sweep runs one full pass. Failures are logged and do not abort the
// remaining targets.
func (j *Janitor) Sweep(ctx context.Context) {
	now := j.now()

	if n, err := j.store.Sessions(ctx).PurgeExpired(ctx, now); err != nil {
		obs.Logger().WithError(err).Warn("session purge failed")
	} else if n > 0 {
		obs.ObserveJanitorPurge("sessions", n)
		obs.Logger().WithField("purged", n).Info("expired sessions removed")
	}

	if n, err := j.store.ResetTokens(ctx).PurgeExpired(ctx, now); err != nil {
		obs.Logger().WithError(err).Warn("reset token purge failed")
	} else if n > 0 {
		obs.ObserveJanitorPurge("reset_tokens", n)
		obs.Logger().WithField("purged", n).Info("stale reset tokens removed")
	}

	if j.retention > 0 {
		cutoff := now.Add(-j.retention)
		if n, err := j.store.Audit(ctx).Purge(ctx, cutoff); err != nil {
			obs.Logger().WithError(err).Warn("audit purge failed")
		} else if n > 0 {
			obs.ObserveJanitorPurge("audit", n)
			obs.Logger().WithField("purged", n).Info("aged audit rows removed")
		}
	}
}
