// Command server runs the CRM authentication API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kestrelhq/crm-api/internal/config"
	"github.com/kestrelhq/crm-api/internal/csrf"
	"github.com/kestrelhq/crm-api/internal/db"
	"github.com/kestrelhq/crm-api/internal/handler"
	"github.com/kestrelhq/crm-api/internal/httpx"
	"github.com/kestrelhq/crm-api/internal/middleware"
	"github.com/kestrelhq/crm-api/internal/ratelimit"
	"github.com/kestrelhq/crm-api/internal/revocation"
	"github.com/kestrelhq/crm-api/internal/server"
	"github.com/kestrelhq/crm-api/internal/session"
	"github.com/kestrelhq/crm-api/internal/token"
	"github.com/kestrelhq/crm-api/internal/user"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		log = log.Level(zerolog.DebugLevel).Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	defer pool.Close()

	// Redis is optional; without it the revocation cache reports itself
	// unavailable and logouts skip blacklisting. Rate limiting falls back
	// to in-process counters.
	var redisClient redis.UniversalClient
	var counters ratelimit.CounterStore = ratelimit.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rc.Close()
		redisClient = rc
		counters = ratelimit.NewRedisStore(rc)
	}

	codec, err := token.NewCodec(token.Config{
		AccessSecret:  []byte(cfg.JWTAccessSecret),
		RefreshSecret: []byte(cfg.JWTRefreshSecret),
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("token codec init failed")
	}

	cookies := httpx.CookieWriter{
		Domain:     cfg.CookieDomain,
		Secure:     cfg.IsProduction(),
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
		CSRFTTL:    24 * time.Hour,
	}

	users := user.NewPostgresStore(pool)
	ledger := session.NewPostgresLedger(pool)
	revoked := revocation.New(redisClient, log)

	identity := middleware.RateLimitIdentity(codec)
	limiter := ratelimit.New(counters, ratelimit.DefaultTiers(identity), log)

	router := server.NewRouter(server.Deps{
		Log:           log,
		Limiter:       limiter,
		CSRF:          csrf.NewGuard(cookies, server.CSRFExemptPrefixes, server.CSRFExemptPaths),
		Auth:          middleware.NewAuth(codec, revoked, log),
		Handlers:      handler.NewAuth(users, ledger, codec, revoked, cookies, log, cfg.MaxLoginFailures, cfg.LockoutDuration),
		WebhookSecret: cfg.WebhookSecret,
	})

	go sweepExpiredSessions(ctx, ledger, cfg.SessionSweepInterval, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("env", cfg.Env).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// sweepExpiredSessions periodically removes expired session records so the
// table tracks only live refresh tokens.
func sweepExpiredSessions(ctx context.Context, ledger session.Ledger, interval time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ledger.DeleteExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("session sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("removed", n).Msg("expired sessions swept")
			}
		}
	}
}
