package domain

import (
	"strings"
	"time"
)

// Account is an administrative login guarded by the lockout state machine.
type Account struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`

	// SecretHash is a bcrypt hash, never exposed.
	SecretHash string `json:"-"`

	Active bool `json:"active"`

	// LoginAttempts counts consecutive failed verifications.
	LoginAttempts int `json:"login_attempts"`

	// LockedUntil, when set and in the future, rejects every attempt.
	LockedUntil *time.Time `json:"locked_until,omitempty"`

	LastLoginAt *time.Time `json:"last_login_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsLocked returns true if the account is locked at now.
func (a *Account) IsLocked(now time.Time) bool {
	if a.LockedUntil == nil {
		return false
	}
	return now.Before(*a.LockedUntil)
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() Account {
	out := *a
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		out.LockedUntil = &t
	}
	if a.LastLoginAt != nil {
		t := *a.LastLoginAt
		out.LastLoginAt = &t
	}
	return out
}

// NormalizeIdentity trims and lowercases a login identity.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
