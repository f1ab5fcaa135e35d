// Package user is the credential store: account records, password hashes,
// and the per-account lockout counter consulted by the login flow.
package user

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no account matches the lookup.
	ErrNotFound = errors.New("user not found")
	// ErrDuplicateEmail is returned when registration reuses an address.
	ErrDuplicateEmail = errors.New("email already registered")
)

// User is an account record.
type User struct {
	ID            string
	Email         string
	PasswordHash  string
	Role          string
	Active        bool
	FailedLogins  int
	LockedUntil   *time.Time
	CreatedAt     time.Time
}

// Locked reports whether the account is under a failure lockout at now.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// Store persists account records.
type Store interface {
	Create(ctx context.Context, u *User) error
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)

	// RecordLoginFailure bumps the failure counter and, once it reaches
	// maxFailures, locks the account for lockFor.
	RecordLoginFailure(ctx context.Context, id string, maxFailures int, lockFor time.Duration) error

	// ResetLoginFailures clears the counter and any lockout after a
	// successful credential check.
	ResetLoginFailures(ctx context.Context, id string) error
}
