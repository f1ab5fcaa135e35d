// Package handler implements the authentication endpoints: credential
// check and token issuance on login/register, refresh rotation, and
// logout with revocation.
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kestrelhq/crm-api/internal/httpx"
	"github.com/kestrelhq/crm-api/internal/middleware"
	"github.com/kestrelhq/crm-api/internal/password"
	"github.com/kestrelhq/crm-api/internal/revocation"
	"github.com/kestrelhq/crm-api/internal/session"
	"github.com/kestrelhq/crm-api/internal/token"
	"github.com/kestrelhq/crm-api/internal/user"
)

// DefaultRole is assigned to self-registered accounts.
const DefaultRole = "user"

// Auth carries the authentication flow dependencies.
type Auth struct {
	users   user.Store
	ledger  session.Ledger
	codec   *token.Codec
	revoked *revocation.Cache
	cookies httpx.CookieWriter
	log     zerolog.Logger

	maxLoginFailures int
	lockoutDuration  time.Duration
}

// NewAuth builds the handler set.
func NewAuth(
	users user.Store,
	ledger session.Ledger,
	codec *token.Codec,
	revoked *revocation.Cache,
	cookies httpx.CookieWriter,
	log zerolog.Logger,
	maxLoginFailures int,
	lockoutDuration time.Duration,
) *Auth {
	return &Auth{
		users:            users,
		ledger:           ledger,
		codec:            codec,
		revoked:          revoked,
		cookies:          cookies,
		log:              log,
		maxLoginFailures: maxLoginFailures,
		lockoutDuration:  lockoutDuration,
	}
}

type credentialsRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

// Register creates an account and hands off into the same issuance step
// as login.
func (h *Auth) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Abort(c, http.StatusBadRequest, "Invalid registration payload")
		return
	}

	hash, err := password.Hash(req.Password)
	if err != nil {
		h.serverError(c, err, "password hash failed")
		return
	}

	u := &user.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: hash,
		Role:         DefaultRole,
		Active:       true,
	}
	if err := h.users.Create(c.Request.Context(), u); err != nil {
		if errors.Is(err, user.ErrDuplicateEmail) {
			httpx.Abort(c, http.StatusConflict, "Email already registered")
			return
		}
		h.serverError(c, err, "user create failed")
		return
	}

	h.issueSession(c, u)
}

// Login checks credentials, applies the lockout counter, and on success
// invalidates every prior session for the subject before issuing a fresh
// token pair. The invalidation is the session-fixation defense and runs
// only here, never on refresh.
func (h *Auth) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Abort(c, http.StatusBadRequest, "Invalid login payload")
		return
	}

	u, err := h.users.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			httpx.Abort(c, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		h.serverError(c, err, "user lookup failed")
		return
	}

	if u.Locked(time.Now()) {
		httpx.Abort(c, http.StatusForbidden, "Account temporarily locked")
		return
	}

	ok, err := password.Verify(req.Password, u.PasswordHash)
	if err != nil {
		h.serverError(c, err, "password verify failed")
		return
	}
	if !ok {
		if err := h.users.RecordLoginFailure(c.Request.Context(), u.ID, h.maxLoginFailures, h.lockoutDuration); err != nil {
			h.log.Error().Err(err).Msg("login failure bookkeeping failed")
		}
		httpx.Abort(c, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	if !u.Active {
		httpx.Abort(c, http.StatusForbidden, "Account disabled")
		return
	}

	if err := h.users.ResetLoginFailures(c.Request.Context(), u.ID); err != nil {
		h.log.Error().Err(err).Msg("login failure reset failed")
	}

	if err := h.ledger.InvalidateAllForSubject(c.Request.Context(), u.ID); err != nil {
		h.serverError(c, err, "prior session invalidation failed")
		return
	}

	h.issueSession(c, u)
}

// Refresh exchanges a valid refresh token for a new pair, rotating the
// session record atomically. The loser of two racing refreshes observes
// the record as gone and gets a 401.
func (h *Auth) Refresh(c *gin.Context) {
	refreshToken, err := c.Cookie(httpx.RefreshCookie)
	if err != nil || refreshToken == "" {
		httpx.Abort(c, http.StatusUnauthorized, httpx.MsgNoToken)
		return
	}

	claims, err := h.codec.VerifyRefresh(refreshToken)
	if err != nil {
		httpx.Abort(c, http.StatusUnauthorized, httpx.MsgInvalidSession)
		return
	}

	u, err := h.users.GetByID(c.Request.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			httpx.Abort(c, http.StatusUnauthorized, httpx.MsgInvalidSession)
			return
		}
		h.serverError(c, err, "user lookup failed")
		return
	}
	if !u.Active {
		httpx.Abort(c, http.StatusUnauthorized, httpx.MsgInvalidSession)
		return
	}

	newRefresh, err := h.codec.IssueRefresh(u.ID)
	if err != nil {
		h.serverError(c, err, "refresh issuance failed")
		return
	}

	err = h.ledger.Rotate(
		c.Request.Context(),
		refreshToken,
		newRefresh,
		time.Now().Add(h.codec.RefreshTTL()),
		c.ClientIP(),
		c.Request.UserAgent(),
	)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			httpx.Abort(c, http.StatusUnauthorized, httpx.MsgInvalidSession)
			return
		}
		h.serverError(c, err, "session rotation failed")
		return
	}

	access, err := h.codec.IssueAccess(u.ID, u.Email, u.Role)
	if err != nil {
		h.serverError(c, err, "access issuance failed")
		return
	}

	h.cookies.SetTokenPair(c, access, newRefresh)
	httpx.OK(c, "Token refreshed", gin.H{
		"user": gin.H{"id": u.ID, "email": u.Email, "role": u.Role},
	})
}

// Logout revokes the in-flight access token (best effort, only while the
// cache is reachable) and deletes the presented session record, or every
// record for the subject when no refresh token accompanies the request.
func (h *Auth) Logout(c *gin.Context) {
	ctx := c.Request.Context()

	var subjectID string
	if accessToken, err := c.Cookie(httpx.AccessCookie); err == nil && accessToken != "" {
		if claims, err := h.codec.VerifyAccess(accessToken); err == nil {
			subjectID = claims.Subject
			ttl := time.Until(claims.ExpiresAt.Time)
			if ttl > 0 && h.revoked.Available(ctx) {
				if err := h.revoked.Blacklist(ctx, accessToken, ttl); err != nil {
					h.log.Warn().Err(err).Msg("access token revocation failed")
				}
			}
		}
	}

	refreshToken, err := c.Cookie(httpx.RefreshCookie)
	switch {
	case err == nil && refreshToken != "":
		if err := h.ledger.DeleteByToken(ctx, refreshToken); err != nil {
			h.serverError(c, err, "session delete failed")
			return
		}
	case subjectID != "":
		if err := h.ledger.DeleteAllForSubject(ctx, subjectID); err != nil {
			h.serverError(c, err, "session delete failed")
			return
		}
	}

	h.cookies.ClearTokens(c)
	httpx.OK(c, "Logged out", nil)
}

// Me returns the identity attached by the authorization middleware.
func (h *Auth) Me(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		httpx.Abort(c, http.StatusUnauthorized, httpx.MsgNoToken)
		return
	}
	httpx.OK(c, "", gin.H{
		"user": gin.H{"id": id.SubjectID, "email": id.Email, "role": id.Role},
	})
}

// issueSession mints the token pair, records the session, and sets cookies.
func (h *Auth) issueSession(c *gin.Context, u *user.User) {
	access, err := h.codec.IssueAccess(u.ID, u.Email, u.Role)
	if err != nil {
		h.serverError(c, err, "access issuance failed")
		return
	}
	refresh, err := h.codec.IssueRefresh(u.ID)
	if err != nil {
		h.serverError(c, err, "refresh issuance failed")
		return
	}

	err = h.ledger.Create(
		c.Request.Context(),
		u.ID,
		refresh,
		time.Now().Add(h.codec.RefreshTTL()),
		c.ClientIP(),
		c.Request.UserAgent(),
	)
	if err != nil {
		h.serverError(c, err, "session create failed")
		return
	}

	h.cookies.SetTokenPair(c, access, refresh)
	httpx.OK(c, "Authenticated", gin.H{
		"user": gin.H{"id": u.ID, "email": u.Email, "role": u.Role},
	})
}

// serverError logs the cause and returns the opaque 500 envelope. Raw
// store errors never reach the client.
func (h *Auth) serverError(c *gin.Context, err error, msg string) {
	h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg(msg)
	httpx.Abort(c, http.StatusInternalServerError, "Internal server error")
}
