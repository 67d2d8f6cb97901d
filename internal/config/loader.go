package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML configuration file over the defaults and applies
// environment overrides. An empty path returns the defaults with overrides
// applied.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets environment variables win over file values, so
// secrets like the token key and redis password can stay out of files.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	setString("AUTHPROXY_ADDR", &cfg.Server.Addr)
	setString("AUTHPROXY_LOG_LEVEL", &cfg.Log.Level)
	setString("AUTHPROXY_LOG_FORMAT", &cfg.Log.Format)
	setString("AUTHPROXY_TOKEN_KEY", &cfg.Auth.TokenKey)
	setString("AUTHPROXY_API_KEY_PREFIX", &cfg.Auth.APIKeyPrefix)
	setString("AUTHPROXY_STORE_BACKEND", &cfg.Store.Backend)
	setString("AUTHPROXY_REDIS_ADDR", &cfg.Store.Redis.Addr)
	setString("AUTHPROXY_REDIS_PASSWORD", &cfg.Store.Redis.Password)

	if v, ok := os.LookupEnv("AUTHPROXY_REDIS_DB"); ok {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Store.Redis.DB = db
		}
	}
}
