// Package config loads and validates service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// minSecretLen is the minimum byte length for token signing secrets (256 bits).
const minSecretLen = 32

// Config holds all runtime configuration for the API server.
type Config struct {
	Env      string `env:"APP_ENV" envDefault:"development"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	DatabaseURL string `env:"DATABASE_URL"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	JWTAccessSecret  string        `env:"JWT_ACCESS_SECRET"`
	JWTRefreshSecret string        `env:"JWT_REFRESH_SECRET"`
	JWTIssuer        string        `env:"JWT_ISSUER" envDefault:"kestrel-crm"`
	JWTAudience      string        `env:"JWT_AUDIENCE" envDefault:"kestrel-crm-client"`
	AccessTokenTTL   time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL  time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`

	CookieDomain string `env:"COOKIE_DOMAIN"`

	// Webhook providers verify requests with their own shared secret,
	// entirely outside the session pipeline.
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	MaxLoginFailures int           `env:"MAX_LOGIN_FAILURES" envDefault:"5"`
	LockoutDuration  time.Duration `env:"LOCKOUT_DURATION" envDefault:"15m"`

	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"1h"`
}

// Load parses configuration from the environment and validates it.
// Secret validation here is the process-startup invariant: a server with
// missing, short, or shared signing secrets must refuse to boot.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate enforces startup invariants on the loaded configuration.
func (c *Config) Validate() error {
	if len(c.JWTAccessSecret) < minSecretLen {
		return errors.New("config: JWT_ACCESS_SECRET must be at least 32 bytes")
	}
	if len(c.JWTRefreshSecret) < minSecretLen {
		return errors.New("config: JWT_REFRESH_SECRET must be at least 32 bytes")
	}
	if c.JWTAccessSecret == c.JWTRefreshSecret {
		return errors.New("config: access and refresh secrets must differ")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return errors.New("config: token TTLs must be positive")
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		return errors.New("config: access TTL must be shorter than refresh TTL")
	}
	if c.MaxLoginFailures <= 0 {
		return errors.New("config: MAX_LOGIN_FAILURES must be positive")
	}
	return nil
}

// IsProduction reports whether the server runs with production hardening
// (secure cookies, no error detail leakage).
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
