// Package httpx carries the HTTP surface shared by handlers and
// middleware: the uniform response envelope and the session cookie
// contract.
package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Canonical error strings surfaced to the client. Route handlers and
// middleware must use these rather than raw store errors.
const (
	MsgNoToken          = "No token provided"
	MsgTokenExpired     = "Token expired"
	MsgTokenInvalid     = "Invalid token"
	MsgTokenInvalidated = "Token invalidated"
	MsgInvalidSession   = "Invalid session"
	MsgCSRFMissing      = "CSRF token missing"
	MsgCSRFInvalid      = "CSRF token invalid"
	MsgTooManyRequests  = "Too many requests"
)

// Abort terminates the request with the uniform failure envelope.
func Abort(c *gin.Context, status int, message string) {
	AbortWith(c, status, message, nil)
}

// AbortWith is Abort with additional envelope fields (e.g. retry metadata
// on 429 responses).
func AbortWith(c *gin.Context, status int, message string, extra gin.H) {
	body := gin.H{
		"success": false,
		"error":   message,
		"message": message,
	}
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(status, body)
}

// OK writes the uniform success envelope with optional payload fields.
func OK(c *gin.Context, message string, data gin.H) {
	body := gin.H{
		"success": true,
		"message": message,
	}
	for k, v := range data {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}
