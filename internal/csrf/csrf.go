// Package csrf implements the double-submit cookie defense. The guard is a
// pure possession check: a session-bound secret lives in a script-readable
// cookie, and only a same-origin script could have copied it into the
// request header. No server-side state is consulted.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kestrelhq/crm-api/internal/httpx"
)

// HeaderCanonical is the header clients should mirror the cookie into.
// HeaderLegacy is accepted for older clients and documented as deprecated.
const (
	HeaderCanonical = "X-CSRF-Token"
	HeaderLegacy    = "X-XSRF-Token"
)

// secretLen is the secret size in bytes (256 bits); encoded length is double.
const (
	secretLen  = 32
	encodedLen = secretLen * 2
)

// NewSecret generates a fresh 256-bit secret, hex encoded.
func NewSecret() (string, error) {
	buf := make([]byte, secretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("csrf: secret generation: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Guard verifies the cookie/header pair on state-changing requests and
// issues the secret cookie on safe ones.
type Guard struct {
	cookies        httpx.CookieWriter
	exemptPrefixes []string
	exemptPaths    map[string]struct{}
}

// NewGuard builds a Guard. exemptPrefixes skips whole route subtrees
// (webhooks use out-of-band signatures); exemptPaths skips single
// pre-authentication endpoints where no session secret exists yet.
func NewGuard(cookies httpx.CookieWriter, exemptPrefixes, exemptPaths []string) *Guard {
	paths := make(map[string]struct{}, len(exemptPaths))
	for _, p := range exemptPaths {
		paths[p] = struct{}{}
	}
	return &Guard{
		cookies:        cookies,
		exemptPrefixes: exemptPrefixes,
		exemptPaths:    paths,
	}
}

// Middleware returns the gin handler enforcing the double-submit check.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !stateChanging(c.Request.Method) {
			// Issue the secret once per browser session; it is reused
			// until expiry, never regenerated per request.
			if _, err := c.Cookie(httpx.CSRFCookie); err != nil {
				if secret, genErr := NewSecret(); genErr == nil {
					g.cookies.SetCSRF(c, secret)
				}
			}
			c.Next()
			return
		}

		if g.exempt(c.Request.URL.Path) {
			c.Next()
			return
		}

		cookie, err := c.Cookie(httpx.CSRFCookie)
		if err != nil || !wellFormed(cookie) {
			httpx.Abort(c, http.StatusForbidden, httpx.MsgCSRFMissing)
			return
		}

		header := c.GetHeader(HeaderCanonical)
		if header == "" {
			header = c.GetHeader(HeaderLegacy)
		}
		if header == "" || !wellFormed(header) {
			httpx.Abort(c, http.StatusForbidden, httpx.MsgCSRFMissing)
			return
		}

		// Equal-length inputs are guaranteed by wellFormed, so the compare
		// runs in constant time over the full secret.
		if subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) != 1 {
			httpx.Abort(c, http.StatusForbidden, httpx.MsgCSRFInvalid)
			return
		}

		c.Next()
	}
}

// Issue is the explicit issuance endpoint. An existing well-formed secret
// is reused; otherwise a fresh one is generated and set.
func (g *Guard) Issue(c *gin.Context) {
	secret, err := c.Cookie(httpx.CSRFCookie)
	if err != nil || !wellFormed(secret) {
		secret, err = NewSecret()
		if err != nil {
			httpx.Abort(c, http.StatusInternalServerError, "Internal server error")
			return
		}
		g.cookies.SetCSRF(c, secret)
	}
	httpx.OK(c, "CSRF token issued", gin.H{"csrfToken": secret})
}

func (g *Guard) exempt(path string) bool {
	if _, ok := g.exemptPaths[path]; ok {
		return true
	}
	for _, prefix := range g.exemptPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func stateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func wellFormed(s string) bool {
	if len(s) != encodedLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
