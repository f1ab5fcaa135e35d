// Package middleware composes the per-request authorization decision:
// cookie extraction, token verification, revocation lookup, and identity
// propagation to route handlers.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kestrelhq/crm-api/internal/httpx"
	"github.com/kestrelhq/crm-api/internal/revocation"
	"github.com/kestrelhq/crm-api/internal/token"
)

const identityKey = "authIdentity"

// Identity is the decoded caller attached to the request context. CRUD
// handlers consume it as-is and must not re-verify the token.
type Identity struct {
	SubjectID string
	Email     string
	Role      string
}

// IdentityFromContext returns the identity attached by RequireAuth.
func IdentityFromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// Auth is the authorization middleware over the token codec and the
// optional revocation cache.
type Auth struct {
	codec   *token.Codec
	revoked *revocation.Cache
	log     zerolog.Logger
}

// NewAuth builds the middleware.
func NewAuth(codec *token.Codec, revoked *revocation.Cache, log zerolog.Logger) *Auth {
	return &Auth{codec: codec, revoked: revoked, log: log}
}

// RequireAuth admits requests carrying a valid, non-revoked access token
// and attaches the decoded identity; everything else is rejected with the
// exact status/message contract the client depends on.
func (a *Auth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, err := c.Cookie(httpx.AccessCookie)
		if err != nil || tokenStr == "" {
			httpx.Abort(c, http.StatusUnauthorized, httpx.MsgNoToken)
			return
		}

		claims, err := a.codec.VerifyAccess(tokenStr)
		if err != nil {
			if errors.Is(err, token.ErrExpired) {
				// The client is expected to call refresh, not retry.
				httpx.Abort(c, http.StatusUnauthorized, httpx.MsgTokenExpired)
				return
			}
			httpx.Abort(c, http.StatusForbidden, httpx.MsgTokenInvalid)
			return
		}

		// IsBlacklisted fails open on cache errors, so a degraded cache
		// never turns into a user-facing rejection here.
		if a.revoked.IsBlacklisted(c.Request.Context(), tokenStr) {
			httpx.Abort(c, http.StatusUnauthorized, httpx.MsgTokenInvalidated)
			return
		}

		c.Set(identityKey, Identity{
			SubjectID: claims.Subject,
			Email:     claims.Email,
			Role:      claims.Role,
		})
		c.Next()
	}
}

// RateLimitIdentity returns the non-authoritative identity resolver used by
// the rate limiter for bucket keying. It signature-checks the access cookie
// but never rejects; admission stays with RequireAuth, preserving the
// limiter-before-verification ordering.
func RateLimitIdentity(codec *token.Codec) func(*gin.Context) (string, bool) {
	return func(c *gin.Context) (string, bool) {
		tokenStr, err := c.Cookie(httpx.AccessCookie)
		if err != nil || tokenStr == "" {
			return "", false
		}
		claims, err := codec.VerifyAccess(tokenStr)
		if err != nil {
			return "", false
		}
		return claims.Subject, true
	}
}
