// Package config handles loading application configuration from environment variables.
// All settings have sensible defaults for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application settings loaded from environment variables.
type Config struct {
	Port         string `env:"PORT" envDefault:"8080"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./relay.db"`
	JWTSecret    string `env:"JWT_SECRET" envDefault:"change-me-in-production"` // #nosec G101 -- intentional dev default
	// AdminKeyHash is the scrypt hash of the admin key, see crypto.HashAdminKey.
	// Empty disables the admin surface.
	AdminKeyHash           string        `env:"ADMIN_KEY_HASH"`
	CORSAllowedOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:3000"`
	TrustedProxies         []string      `env:"TRUSTED_PROXIES" envSeparator:","`
	HandshakeRatePerMinute int           `env:"HANDSHAKE_RATE_PER_MINUTE" envDefault:"30"`
	SentryDSN              string        `env:"SENTRY_DSN"`
	SentryEnvironment      string        `env:"SENTRY_ENVIRONMENT" envDefault:"production"`
	OTelEndpoint           string        `env:"OTEL_ENDPOINT"`
	ShutdownTimeout        time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	Broker  BrokerConfig
	Session SessionConfig
	Relay   RelayConfig
}

// BrokerConfig selects and tunes the external broker. An empty URL keeps
// fan-out in process.
type BrokerConfig struct {
	URL            string        `env:"RELAY_BROKER_URL"`
	Name           string        `env:"RELAY_BROKER_NAME" envDefault:"relay"`
	MaxRetries     uint          `env:"RELAY_BROKER_MAX_RETRIES" envDefault:"5"`
	BackoffInitial time.Duration `env:"RELAY_BROKER_BACKOFF_INITIAL" envDefault:"100ms"`
	BackoffMax     time.Duration `env:"RELAY_BROKER_BACKOFF_MAX" envDefault:"5s"`
	MaxReconnects  int           `env:"RELAY_BROKER_MAX_RECONNECTS" envDefault:"60"`
	PendingLimit   int           `env:"RELAY_BROKER_PENDING_LIMIT" envDefault:"1024"`
}

// SessionConfig tunes connections and the registry.
type SessionConfig struct {
	QueueSize         int           `env:"RELAY_QUEUE_SIZE" envDefault:"256"`
	WriteTimeout      time.Duration `env:"RELAY_WRITE_TIMEOUT" envDefault:"5s"`
	WriteRetries      uint          `env:"RELAY_WRITE_RETRIES" envDefault:"2"`
	PresenceGrace     time.Duration `env:"RELAY_PRESENCE_GRACE" envDefault:"5s"`
	IdleTimeout       time.Duration `env:"RELAY_IDLE_TIMEOUT" envDefault:"90s"`
	HeartbeatInterval time.Duration `env:"RELAY_HEARTBEAT_INTERVAL" envDefault:"30s"`
	MaxPerIdentity    int           `env:"RELAY_MAX_CONNS_PER_IDENTITY" envDefault:"4"`
	LimitMode         string        `env:"RELAY_CONN_LIMIT_MODE" envDefault:"cycle"`
}

// RelayConfig tunes the transformer, guard and command limits.
type RelayConfig struct {
	DedupeWindow   time.Duration `env:"RELAY_DEDUPE_WINDOW" envDefault:"2s"`
	DedupeCapacity int           `env:"RELAY_DEDUPE_CAPACITY" envDefault:"4096"`
	GuardTTL       time.Duration `env:"RELAY_GUARD_TTL" envDefault:"30s"`
	// RateLimits is a list of class=limit/window entries, see
	// ratelimit.ParsePolicies.
	RateLimits    string        `env:"RELAY_RATE_LIMITS" envDefault:"chat=5/10s,loot=10/1s,ping=30/10s"`
	SweepInterval time.Duration `env:"RELAY_SWEEP_INTERVAL" envDefault:"1s"`
}

// Load reads configuration from environment variables, using defaults where not set.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	switch cfg.Session.LimitMode {
	case "reject", "cycle":
	default:
		return nil, fmt.Errorf("RELAY_CONN_LIMIT_MODE: unknown mode %q", cfg.Session.LimitMode)
	}
	return cfg, nil
}
