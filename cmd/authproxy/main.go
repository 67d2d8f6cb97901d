// Package main is the entry point for the authentication proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/authproxy/internal/config"
	"github.com/vyrodovalexey/authproxy/internal/exchange"
	"github.com/vyrodovalexey/authproxy/internal/middleware"
	"github.com/vyrodovalexey/authproxy/internal/observability"
	"github.com/vyrodovalexey/authproxy/internal/proxy"
	"github.com/vyrodovalexey/authproxy/internal/service"
	"github.com/vyrodovalexey/authproxy/internal/store"
	"github.com/vyrodovalexey/authproxy/internal/tlsclient"
	"github.com/vyrodovalexey/authproxy/internal/token"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	watcher := startConfigWatcher(flags.configPath, func(newCfg *config.Config) {
		logger.Info("configuration reloaded",
			observability.String("store", newCfg.Store.Backend),
			observability.Bool("rate_limit", newCfg.RateLimit.Enabled),
		)
		if newCfg.Server.Addr != cfg.Server.Addr {
			logger.Warn("server.addr changed, restart required to apply")
		}
	}, logger)

	runProxy(app, watcher, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", os.Getenv("AUTHPROXY_CONFIG_PATH"),
		"Path to configuration file (empty uses built-in defaults)")
	logLevel := flag.String("log-level", getEnvOrDefault("AUTHPROXY_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("AUTHPROXY_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("authproxy version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting authproxy",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("addr", cfg.Server.Addr),
		observability.String("store", cfg.Store.Backend),
		observability.Bool("rate_limit", cfg.RateLimit.Enabled),
		observability.Duration("access_token_ttl", cfg.Auth.AccessTokenTTL.Duration()),
	)

	return cfg
}

// application holds all application components.
type application struct {
	server     *http.Server
	backing    store.Store
	tlsClients *tlsclient.Manager
	config     *config.Config
}

// initApplication initializes all application components.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	backing := initStore(cfg, logger)

	services := service.NewRepository(backing)
	apiKeys := token.NewAPIKeyStore(backing, token.WithAPIKeyLogger(logger))
	legacyTokens := token.NewLegacyTokenStore(backing)
	tokens := initTokenManager(cfg, logger)

	exchangeSvc := exchange.NewService(apiKeys, tokens, exchange.WithLogger(logger))

	tlsClients := tlsclient.NewManager(
		tlsclient.WithMaxSize(cfg.TLSCache.MaxSize),
		tlsclient.WithTTL(cfg.TLSCache.TTL.Duration()),
		tlsclient.WithCleanupInterval(cfg.TLSCache.CleanupInterval.Duration()),
		tlsclient.WithManagerLogger(logger),
	)

	opts := []proxy.ServerOption{
		proxy.WithLogger(logger),
		proxy.WithChallengeTTL(cfg.Auth.ChallengeTTL.Duration()),
		proxy.WithAPIKeyPrefix(cfg.Auth.APIKeyPrefix),
	}
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			Logger:            logger,
		})
		opts = append(opts, proxy.WithRateLimiter(limiter))
	}

	gin.SetMode(gin.ReleaseMode)
	srv := proxy.NewServer(services, apiKeys, legacyTokens, tokens, exchangeSvc, tlsClients, opts...)

	return &application{
		server: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      srv.Router(),
			ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
			WriteTimeout: cfg.Server.WriteTimeout.Duration(),
			IdleTimeout:  cfg.Server.IdleTimeout.Duration(),
		},
		backing:    backing,
		tlsClients: tlsClients,
		config:     cfg,
	}
}

// initStore creates the persistence backend.
func initStore(cfg *config.Config, logger observability.Logger) store.Store {
	switch cfg.Store.Backend {
	case "redis":
		s, err := store.NewRedisStore(store.RedisConfig{
			Addr:        cfg.Store.Redis.Addr,
			Password:    cfg.Store.Redis.Password,
			DB:          cfg.Store.Redis.DB,
			DialTimeout: cfg.Store.Redis.DialTimeout.Duration(),
		}, store.WithRedisLogger(logger))
		if err != nil {
			logger.Fatal("failed to connect to redis", observability.Error(err))
		}
		return s
	default:
		logger.Warn("using the in-memory store, credentials will not survive restarts")
		return store.NewMemoryStore()
	}
}

// initTokenManager creates the access token manager, using the configured
// key when one is set.
func initTokenManager(cfg *config.Config, logger observability.Logger) *token.Manager {
	defaultTTL := cfg.Auth.AccessTokenTTL.Duration()
	maxTTL := cfg.Auth.MaxAccessTokenTTL.Duration()

	keyBytes, err := cfg.Auth.TokenKeyBytes()
	if err != nil {
		logger.Fatal("invalid token key", observability.Error(err))
	}
	if keyBytes == nil {
		logger.Warn("no token key configured, access tokens will not survive restarts")
		return token.NewManager(defaultTTL, maxTTL)
	}

	manager, err := token.NewManagerWithKey(keyBytes, defaultTTL, maxTTL)
	if err != nil {
		logger.Fatal("failed to create token manager", observability.Error(err))
	}
	return manager
}

// startConfigWatcher begins hot-reload watching of the configuration file,
// invoking onReload with each successfully reloaded configuration. Returns
// nil when no file is configured or watching cannot start.
func startConfigWatcher(configPath string, onReload config.Callback, logger observability.Logger) *config.Watcher {
	if configPath == "" {
		return nil
	}

	watcher, err := config.NewWatcher(configPath, onReload,
		config.WithWatcherLogger(logger),
	)
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}
	return watcher
}

// runProxy runs the HTTP server and handles shutdown.
func runProxy(app *application, watcher *config.Watcher, logger observability.Logger) {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", observability.String("addr", app.server.Addr))
		if err := app.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server error", observability.Error(err))
	}

	shutdownTimeout := app.config.Server.ShutdownTimeout.Duration()
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop server gracefully", observability.Error(err))
	}

	app.tlsClients.Stop()

	if err := app.backing.Close(); err != nil {
		logger.Error("failed to close store", observability.Error(err))
	}

	logger.Info("authproxy stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
