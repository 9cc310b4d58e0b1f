package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPoolExhausted means no active credential has quota left.
	ErrPoolExhausted = errors.New("credential pool exhausted")
	// ErrCredentialNotFound is returned for admin operations on unknown IDs.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrInvalidCredentialFormat rejects secrets before they reach the store.
	ErrInvalidCredentialFormat = errors.New("invalid credential format")
	// ErrValidation covers every other caller-side input error.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicateCredential is returned when a secret is already registered.
	ErrDuplicateCredential = errors.New("credential already exists")
	// ErrStoreUnavailable is a transient fault of the durable store.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrAccountDisabled    = errors.New("account disabled")
	ErrAccountLocked      = errors.New("account locked")
	ErrInvalidCredentials = errors.New("invalid identity or secret")
)

// LoginError is the rejection returned by a login attempt.
// It wraps one of ErrAccountDisabled, ErrAccountLocked or ErrInvalidCredentials.
type LoginError struct {
	Err               error
	RemainingAttempts int
	LockedUntil       *time.Time
}

func (e *LoginError) Error() string {
	switch {
	case errors.Is(e.Err, ErrAccountLocked) && e.LockedUntil != nil:
		return fmt.Sprintf("%v until %s", e.Err, e.LockedUntil.UTC().Format(time.RFC3339))
	case errors.Is(e.Err, ErrInvalidCredentials):
		return fmt.Sprintf("%v (%d attempts remaining)", e.Err, e.RemainingAttempts)
	default:
		return e.Err.Error()
	}
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the caller may retry later (with backoff).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrStoreUnavailable)
}
