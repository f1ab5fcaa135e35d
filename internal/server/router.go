// Package server assembles the HTTP surface: middleware ordering, route
// groups, and the request pipeline shared by every endpoint.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kestrelhq/crm-api/internal/csrf"
	"github.com/kestrelhq/crm-api/internal/handler"
	"github.com/kestrelhq/crm-api/internal/httpx"
	"github.com/kestrelhq/crm-api/internal/middleware"
	"github.com/kestrelhq/crm-api/internal/ratelimit"
	"github.com/kestrelhq/crm-api/internal/webhook"
)

// CSRF exemptions. Webhooks authenticate with out-of-band HMAC
// signatures; the pre-auth endpoints run before any session secret
// exists to compare against.
var (
	CSRFExemptPrefixes = []string{"/api/webhooks"}
	CSRFExemptPaths    = []string{"/api/auth/login", "/api/auth/register", "/api/auth/refresh"}
)

// Deps carries the wired components the router composes.
type Deps struct {
	Log           zerolog.Logger
	Limiter       *ratelimit.Limiter
	CSRF          *csrf.Guard
	Auth          *middleware.Auth
	Handlers      *handler.Auth
	WebhookSecret string
}

// NewRouter builds the gin engine. The pipeline order is fixed: request
// logging, rate limiting, CSRF, then per-route token verification. Rate
// limiting sits in front of CSRF and token checks so floods of malformed
// requests are counted and shed before any crypto work happens.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(d.Log))
	r.Use(d.Limiter.Middleware())
	r.Use(d.CSRF.Middleware())

	r.GET("/health", health)
	r.GET("/api/health", health)

	api := r.Group("/api")

	auth := api.Group("/auth")
	{
		auth.POST("/register", d.Handlers.Register)
		auth.POST("/login", d.Handlers.Login)
		auth.POST("/refresh", d.Handlers.Refresh)
		auth.POST("/logout", d.Handlers.Logout)
		auth.GET("/csrf", d.CSRF.Issue)
		auth.GET("/me", d.Auth.RequireAuth(), d.Handlers.Me)
	}

	// Webhook callers are external services holding a shared secret. They
	// never carry cookies, so the CSRF guard exempts this prefix and the
	// HMAC check is the sole gate.
	hooks := api.Group("/webhooks", webhook.VerifySignature(d.WebhookSecret))
	{
		hooks.POST("/voice", acceptWebhook)
		hooks.POST("/sms", acceptWebhook)
	}

	return r
}

func health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func acceptWebhook(c *gin.Context) {
	httpx.OK(c, "Webhook accepted", nil)
}
