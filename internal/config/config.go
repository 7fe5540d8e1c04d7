// Package config loads service configuration from AUTHGATE_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration. The zero-config run works: with
// no DSN the service keeps all state in memory.
type Config struct {
	Addr     string
	PgDSN    string
	LogLevel string

	SessionTTL  time.Duration
	RememberTTL time.Duration
	ResetTTL    time.Duration

	LockoutThreshold int
	LockoutCooldown  time.Duration

	// RouteMapPath points at an optional YAML route map override; empty
	// means the built-in table. PublicPaths, when set, replaces the
	// table's public allow-list.
	RouteMapPath string
	PublicPaths  []string

	RateBurst  int
	RatePerSec float64

	CORSOrigins  []string
	CookieSecure bool

	OwnerPassword string
	Bootstrap     bool
	AutoMigrate   bool

	// AuditRetention of zero keeps audit rows forever.
	AuditRetention time.Duration

	ResetBaseURL string
}

// Load reads the environment, applies defaults and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:             getEnv("AUTHGATE_ADDR", ":8080"),
		PgDSN:            getEnv("AUTHGATE_PG_DSN", ""),
		LogLevel:         getEnv("AUTHGATE_LOG_LEVEL", "info"),
		SessionTTL:       getEnvDuration("AUTHGATE_SESSION_TTL", 24*time.Hour),
		RememberTTL:      getEnvDuration("AUTHGATE_REMEMBER_TTL", 7*24*time.Hour),
		ResetTTL:         getEnvDuration("AUTHGATE_RESET_TTL", time.Hour),
		LockoutThreshold: getEnvInt("AUTHGATE_LOCKOUT_THRESHOLD", 5),
		LockoutCooldown:  getEnvDuration("AUTHGATE_LOCKOUT_COOLDOWN", 15*time.Minute),
		RouteMapPath:     getEnv("AUTHGATE_ROUTE_MAP", ""),
		PublicPaths:      splitList(getEnv("AUTHGATE_PUBLIC_PATHS", "")),
		RateBurst:        getEnvInt("AUTHGATE_RATE_BURST", 20),
		RatePerSec:       getEnvFloat("AUTHGATE_RATE_PER_SEC", 10),
		CORSOrigins:      splitList(getEnv("AUTHGATE_CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")),
		CookieSecure:     getEnvBool("AUTHGATE_COOKIE_SECURE", false),
		OwnerPassword:    getEnv("AUTHGATE_OWNER_PASSWORD", ""),
		Bootstrap:        getEnvBool("AUTHGATE_BOOTSTRAP", true),
		AutoMigrate:      getEnvBool("AUTHGATE_AUTO_MIGRATE", true),
		AuditRetention:   getEnvDuration("AUTHGATE_AUDIT_RETENTION", 90*24*time.Hour),
		ResetBaseURL:     getEnv("AUTHGATE_RESET_BASE_URL", "http://localhost:5173"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot start with.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.SessionTTL <= 0 || c.RememberTTL <= 0 || c.ResetTTL <= 0 {
		return fmt.Errorf("config: session, remember and reset TTLs must be positive")
	}
	if c.RememberTTL < c.SessionTTL {
		return fmt.Errorf("config: remember TTL must not be shorter than the session TTL")
	}
	if c.LockoutThreshold < 0 {
		return fmt.Errorf("config: lockout threshold must not be negative")
	}
	if c.LockoutThreshold > 0 && c.LockoutCooldown <= 0 {
		return fmt.Errorf("config: lockout cooldown must be positive when lockout is enabled")
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		return fmt.Errorf("config: rate limit burst and per-second rate must be positive")
	}
	if c.AuditRetention < 0 {
		return fmt.Errorf("config: audit retention must not be negative")
	}
	for _, p := range c.PublicPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("config: public path %q must start with /", p)
		}
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "true" || v == "1" || v == "yes"
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
