// Package session tracks outstanding refresh tokens. Every live refresh
// token has exactly one Record; rotation atomically retires the old token
// and admits its replacement, so a rotated-away token can never mint a
// second session lineage.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned when no live record matches the presented token.
var ErrNotFound = errors.New("session not found")

// Record is the durable server-side pairing of a refresh token with its
// owner. Tokens are stored as SHA-256 digests; the raw value never touches
// the store.
type Record struct {
	TokenHash string
	SubjectID string
	ExpiresAt time.Time
	CreatedAt time.Time
	SourceIP  string
	UserAgent string
}

// Ledger is the session store consumed by the login, refresh, and logout
// flows. Implementations must make Rotate atomic: of two concurrent calls
// presenting the same old token, exactly one wins and the other observes
// ErrNotFound.
type Ledger interface {
	// Create inserts a record for a freshly issued refresh token.
	Create(ctx context.Context, subjectID, refreshToken string, expiresAt time.Time, sourceIP, userAgent string) error

	// FindByToken returns the live (unexpired) record for the token.
	FindByToken(ctx context.Context, refreshToken string) (*Record, error)

	// Rotate retires oldToken and records newToken in its place. It fails
	// with ErrNotFound when oldToken has no live record, including when a
	// concurrent rotation already consumed it.
	Rotate(ctx context.Context, oldToken, newToken string, newExpiresAt time.Time, sourceIP, userAgent string) error

	// InvalidateAllForSubject removes every record for the subject. Called
	// synchronously on fresh logins so at most one refresh lineage survives
	// a credential check.
	InvalidateAllForSubject(ctx context.Context, subjectID string) error

	// DeleteByToken removes the record for a single token. Missing records
	// are not an error.
	DeleteByToken(ctx context.Context, refreshToken string) error

	// DeleteAllForSubject removes every record for the subject.
	DeleteAllForSubject(ctx context.Context, subjectID string) error

	// DeleteExpired sweeps records whose expiry has passed and reports how
	// many were removed.
	DeleteExpired(ctx context.Context) (int64, error)

	// CountForSubject returns the number of live records for the subject.
	CountForSubject(ctx context.Context, subjectID string) (int, error)
}

// HashToken derives the storage key for a refresh token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
