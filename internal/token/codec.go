// Package token implements stateless issuance and verification of the
// access and refresh bearer tokens used by the session pipeline.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Signing secrets must carry at least 256 bits of entropy.
const minSecretLen = 32

var (
	// ErrExpired is returned when a token's exp claim has passed.
	ErrExpired = errors.New("token expired")
	// ErrMalformed is returned when a token cannot be parsed at all.
	ErrMalformed = errors.New("token malformed")
	// ErrSignatureInvalid is returned on signature or algorithm mismatch.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrIssuerMismatch is returned when the iss claim differs from ours.
	ErrIssuerMismatch = errors.New("token issuer mismatch")
	// ErrAudienceMismatch is returned when the aud claim differs from ours.
	ErrAudienceMismatch = errors.New("token audience mismatch")
	// ErrInvalid covers any other verification failure.
	ErrInvalid = errors.New("token invalid")
)

// AccessClaims is the validated claim set of a short-lived access token.
type AccessClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// RefreshClaims is the validated claim set of a refresh token.
type RefreshClaims struct {
	jwt.RegisteredClaims
}

// Config holds the codec's signing parameters.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// Codec signs and verifies tokens with a single pinned HMAC algorithm
// (HS256). Access and refresh tokens use distinct secrets, so a leak of
// one secret never unlocks the other token class.
type Codec struct {
	config Config
}

// NewCodec validates the signing configuration and returns a Codec.
// It refuses secrets that are missing, shorter than 256 bits, or shared
// between the two token classes. This is a startup invariant; per-request
// paths assume it holds.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.AccessSecret) < minSecretLen {
		return nil, errors.New("token: access secret must be at least 32 bytes")
	}
	if len(cfg.RefreshSecret) < minSecretLen {
		return nil, errors.New("token: refresh secret must be at least 32 bytes")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("token: access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token: invalid TTL configuration")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("token: issuer and audience are required")
	}
	return &Codec{config: cfg}, nil
}

// IssueAccess signs a 15-minute access token for the subject.
func (c *Codec) IssueAccess(subjectID, email, role string) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    c.config.Issuer,
			Audience:  jwt.ClaimStrings{c.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.config.AccessTTL)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.config.AccessSecret)
}

// IssueRefresh signs a 7-day refresh token for the subject using the
// refresh secret.
func (c *Codec) IssueRefresh(subjectID string) (string, error) {
	now := time.Now()
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subjectID,
			Issuer:    c.config.Issuer,
			Audience:  jwt.ClaimStrings{c.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.config.RefreshTTL)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.config.RefreshSecret)
}

// VerifyAccess verifies an access token and returns its claims.
func (c *Codec) VerifyAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := c.verify(tokenStr, claims, c.config.AccessSecret); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyRefresh verifies a refresh token against the refresh secret.
func (c *Codec) VerifyRefresh(tokenStr string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := c.verify(tokenStr, claims, c.config.RefreshSecret); err != nil {
		return nil, err
	}
	return claims, nil
}

// AccessTTL returns the configured access token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.config.AccessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (c *Codec) RefreshTTL() time.Duration { return c.config.RefreshTTL }

func (c *Codec) verify(tokenStr string, claims jwt.Claims, secret []byte) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.config.Issuer),
		jwt.WithAudience(c.config.Audience),
		jwt.WithExpirationRequired(),
	)

	tok, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		// WithValidMethods already rejects foreign algorithms; recheck here
		// so the pin holds even if parser options drift.
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return classify(err)
	}
	if !tok.Valid {
		return ErrInvalid
	}
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrIssuerMismatch
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrAudienceMismatch
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrSignatureInvalid
	default:
		return ErrInvalid
	}
}
