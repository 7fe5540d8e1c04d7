package auth

import "time"

// LockoutPolicy decides when repeated failed logins lock an account. It is a
// pure decision component; the atomic counter updates live in the stores so
// concurrent failures cannot race past the threshold.
type LockoutPolicy struct {
	Threshold int
	Cooldown  time.Duration
}

// DefaultLockoutPolicy matches the production defaults: five consecutive
// failures lock the account for fifteen minutes.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: 5, Cooldown: 15 * time.Minute}
}

// Enabled reports whether the policy locks at all. A zero threshold disables
// lockout.
func (p LockoutPolicy) Enabled() bool {
	return p.Threshold > 0
}

// Locked reports whether the account is under an active lock at now. The
// check runs before password verification, so a locked account rejects even
// a correct password without advancing the counter.
func (p LockoutPolicy) Locked(u *User, now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// NextFailure computes the counter and lock expiry after one more failed
// attempt at now. lockedUntil stays nil while attempts remain below the
// threshold; an expired lock self-heals because Locked compares against now.
func (p LockoutPolicy) NextFailure(attempts int, now time.Time) (int, *time.Time) {
	attempts++
	if p.Enabled() && attempts >= p.Threshold {
		until := now.Add(p.Cooldown)
		return attempts, &until
	}
	return attempts, nil
}
