// Package lockout decides the outcome of admin login attempts and locks
// accounts after repeated failures.
package lockout

import (
	"time"

	"github.com/MrSnakeDoc/keypool/internal/domain"
)

// Policy is the failure threshold and how long a lock lasts.
type Policy struct {
	Threshold    int
	LockDuration time.Duration
}

// DefaultPolicy locks for 30 minutes after 5 consecutive failures.
var DefaultPolicy = Policy{Threshold: 5, LockDuration: 30 * time.Minute}

// Result is the verdict of one attempt.
type Result int

const (
	Accepted Result = iota
	Disabled
	Locked
	Invalid
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Disabled:
		return "disabled"
	case Locked:
		return "locked"
	case Invalid:
		return "invalid"
	}
	return "unknown"
}

// Decision is what Transition computed. Next is only meaningful when Write
// is true.
type Decision struct {
	Result    Result
	Next      domain.Account
	Remaining int
	// JustLocked is set on the failure that crossed the threshold.
	JustLocked bool
	Write      bool
}

// Err returns the rejection as a *domain.LoginError, or nil when accepted.
func (d Decision) Err() error {
	switch d.Result {
	case Accepted:
		return nil
	case Disabled:
		return &domain.LoginError{Err: domain.ErrAccountDisabled}
	case Locked:
		return &domain.LoginError{Err: domain.ErrAccountLocked, LockedUntil: d.Next.LockedUntil}
	default:
		e := &domain.LoginError{Err: domain.ErrInvalidCredentials, RemainingAttempts: d.Remaining}
		if d.JustLocked {
			e.LockedUntil = d.Next.LockedUntil
		}
		return e
	}
}

// Transition computes the next state of a for one login attempt. It is pure:
// the caller persists Next when Write is set.
//
// Disabled and still-locked accounts are rejected with no change. An expired
// lock starts a fresh failure count. A match clears the counter and the lock;
// a mismatch increments it and locks once it reaches the threshold.
func Transition(a domain.Account, matched bool, now time.Time, p Policy) Decision {
	next := a.Clone()

	if !a.Active {
		return Decision{Result: Disabled, Next: next}
	}
	if a.IsLocked(now) {
		return Decision{Result: Locked, Next: next}
	}

	if next.LockedUntil != nil {
		next.LockedUntil = nil
		next.LoginAttempts = 0
	}

	if matched {
		t := now
		next.LoginAttempts = 0
		next.LockedUntil = nil
		next.LastLoginAt = &t
		return Decision{Result: Accepted, Next: next, Remaining: p.Threshold, Write: true}
	}

	next.LoginAttempts++
	d := Decision{Result: Invalid, Next: next, Write: true}
	if next.LoginAttempts >= p.Threshold {
		until := now.Add(p.LockDuration)
		d.Next.LockedUntil = &until
		d.JustLocked = true
	} else {
		d.Remaining = p.Threshold - next.LoginAttempts
	}
	return d
}
