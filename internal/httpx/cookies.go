package httpx

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Cookie names shared with the browser client.
const (
	AccessCookie  = "accessToken"
	RefreshCookie = "refreshToken"
	CSRFCookie    = "csrfToken"
)

// CookieWriter centralizes cookie attributes so every issue/clear site
// agrees on domain, path, and security flags.
type CookieWriter struct {
	Domain     string
	Secure     bool
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	CSRFTTL    time.Duration
}

// SetTokenPair writes the access and refresh token cookies. Both are
// httpOnly with SameSite=Lax; the browser client never reads them.
func (w CookieWriter) SetTokenPair(c *gin.Context, accessToken, refreshToken string) {
	w.set(c, AccessCookie, accessToken, int(w.AccessTTL.Seconds()), true, http.SameSiteLaxMode)
	w.set(c, RefreshCookie, refreshToken, int(w.RefreshTTL.Seconds()), true, http.SameSiteLaxMode)
}

// SetCSRF writes the CSRF secret cookie. It is deliberately script-readable
// (double-submit requires the client to mirror it into a header) and uses
// SameSite=Strict.
func (w CookieWriter) SetCSRF(c *gin.Context, secret string) {
	w.set(c, CSRFCookie, secret, int(w.CSRFTTL.Seconds()), false, http.SameSiteStrictMode)
}

// ClearTokens expires the token cookies on logout.
func (w CookieWriter) ClearTokens(c *gin.Context) {
	w.set(c, AccessCookie, "", -1, true, http.SameSiteLaxMode)
	w.set(c, RefreshCookie, "", -1, true, http.SameSiteLaxMode)
}

func (w CookieWriter) set(c *gin.Context, name, value string, maxAge int, httpOnly bool, sameSite http.SameSite) {
	c.SetSameSite(sameSite)
	c.SetCookie(name, value, maxAge, "/", w.Domain, w.Secure, httpOnly)
}
