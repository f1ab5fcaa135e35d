// Package webhook verifies provider callbacks with an out-of-band HMAC
// signature. Webhook routes bypass the session pipeline entirely; the
// router selects this check per-path instead of branching inside the auth
// middleware.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kestrelhq/crm-api/internal/httpx"
)

// SignatureHeader carries the provider-computed HMAC-SHA256 of the body.
const SignatureHeader = "X-Webhook-Signature"

// maxBodyBytes bounds webhook payloads before the body is buffered.
const maxBodyBytes = 1 << 20

// VerifySignature returns middleware validating the body signature against
// the shared provider secret.
func VerifySignature(secret string) gin.HandlerFunc {
	key := []byte(secret)

	return func(c *gin.Context) {
		provided := c.GetHeader(SignatureHeader)
		if provided == "" {
			httpx.Abort(c, http.StatusUnauthorized, "Missing webhook signature")
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			httpx.Abort(c, http.StatusBadRequest, "Unreadable webhook payload")
			return
		}
		// Handlers downstream still need the body.
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		mac := hmac.New(sha256.New, key)
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))

		if !hmac.Equal([]byte(expected), []byte(provided)) {
			httpx.Abort(c, http.StatusUnauthorized, "Invalid webhook signature")
			return
		}

		c.Next()
	}
}
