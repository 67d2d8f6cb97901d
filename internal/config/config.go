// Package config defines the proxy configuration model, its YAML loader
// with environment overrides, and a file watcher for live reloads.
package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	TLSCache  TLSCacheConfig  `yaml:"tlsCache" json:"tlsCache"`
	RateLimit RateLimitConfig `yaml:"rateLimit" json:"rateLimit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr" json:"addr"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// AuthConfig configures credentials and token minting.
type AuthConfig struct {
	// TokenKey is the base64url-encoded 32-byte PASETO key. Empty means a
	// fresh key per process, which invalidates tokens on restart.
	TokenKey string `yaml:"tokenKey" json:"tokenKey"`

	// AccessTokenTTL is the default access token lifetime.
	AccessTokenTTL Duration `yaml:"accessTokenTTL" json:"accessTokenTTL"`

	// MaxAccessTokenTTL caps client-requested lifetimes.
	MaxAccessTokenTTL Duration `yaml:"maxAccessTokenTTL" json:"maxAccessTokenTTL"`

	// ChallengeTTL is how long an issued challenge stays valid.
	ChallengeTTL Duration `yaml:"challengeTTL" json:"challengeTTL"`

	// APIKeyPrefix namespaces minted API keys.
	APIKeyPrefix string `yaml:"apiKeyPrefix" json:"apiKeyPrefix"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is "memory" or "redis".
	Backend string      `yaml:"backend" json:"backend"`
	Redis   RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr        string   `yaml:"addr" json:"addr"`
	Password    string   `yaml:"password" json:"password"`
	DB          int      `yaml:"db" json:"db"`
	DialTimeout Duration `yaml:"dialTimeout" json:"dialTimeout"`
}

// TLSCacheConfig configures the upstream TLS client cache.
type TLSCacheConfig struct {
	MaxSize         int      `yaml:"maxSize" json:"maxSize"`
	TTL             Duration `yaml:"ttl" json:"ttl"`
	CleanupInterval Duration `yaml:"cleanupInterval" json:"cleanupInterval"`
}

// RateLimitConfig configures per-client rate limiting on auth endpoints.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8276",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Auth: AuthConfig{
			AccessTokenTTL:    Duration(15 * time.Minute),
			MaxAccessTokenTTL: Duration(time.Hour),
			ChallengeTTL:      Duration(5 * time.Minute),
			APIKeyPrefix:      "ak_",
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				DialTimeout: Duration(5 * time.Second),
			},
		},
		TLSCache: TLSCacheConfig{
			MaxSize:         100,
			TTL:             Duration(time.Hour),
			CleanupInterval: Duration(5 * time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 10,
			Burst:             20,
		},
	}
}

// TokenKeyBytes decodes the configured PASETO key, or returns nil when
// none is configured.
func (c *AuthConfig) TokenKeyBytes() ([]byte, error) {
	if c.TokenKey == "" {
		return nil, nil
	}
	key, err := base64.RawURLEncoding.DecodeString(c.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("config: tokenKey is not base64url: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: tokenKey must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Validate checks the configuration for inconsistencies.
func Validate(c *Config) error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: store.backend must be memory or redis, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("config: store.redis.addr is required for the redis backend")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("config: auth.accessTokenTTL must be positive")
	}
	if c.Auth.MaxAccessTokenTTL < c.Auth.AccessTokenTTL {
		return fmt.Errorf("config: auth.maxAccessTokenTTL must be at least auth.accessTokenTTL")
	}
	if c.Auth.ChallengeTTL <= 0 {
		return fmt.Errorf("config: auth.challengeTTL must be positive")
	}
	if _, err := c.Auth.TokenKeyBytes(); err != nil {
		return err
	}
	if c.TLSCache.MaxSize <= 0 {
		return fmt.Errorf("config: tlsCache.maxSize must be positive")
	}
	if c.TLSCache.TTL <= 0 {
		return fmt.Errorf("config: tlsCache.ttl must be positive")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("config: rateLimit.requestsPerSecond must be positive when enabled")
	}
	return nil
}
