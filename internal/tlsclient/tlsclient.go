// Package tlsclient builds and caches outbound HTTP clients for upstream
// services. Clients are keyed by a hash of their TLS configuration and
// cached with a TTL; the cache evicts expired entries first and then the
// oldest entries by last access when over capacity.
package tlsclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"

	"github.com/vyrodovalexey/authproxy/internal/observability"
	"github.com/vyrodovalexey/authproxy/internal/service"
)

// evictionSlack is how many extra entries eviction removes beyond the
// capacity limit, so the cache is not evicting on every insert.
const evictionSlack = 10

// ConfigError indicates an unusable TLS profile, such as a CA bundle or
// client keypair that does not parse.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return "tlsclient: " + e.Reason
	}
	return fmt.Sprintf("tlsclient: %s: %v", e.Reason, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config is the resolved outbound TLS configuration for a service.
type Config struct {
	// VerifyServerCert controls upstream certificate verification.
	VerifyServerCert bool

	// CACerts are PEM bundles of CAs trusted for this upstream. Empty
	// means the system pool.
	CACerts [][]byte

	// ClientCert and ClientKey are the PEM keypair for mutual TLS. Both
	// must be set or both empty.
	ClientCert []byte
	ClientKey  []byte

	// ServerName overrides the SNI sent in the handshake.
	ServerName string

	// ALPNProtocols defaults to h2 then http/1.1.
	ALPNProtocols []string

	// HandshakeTimeout bounds the TLS handshake.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the configuration used for services without a TLS
// profile.
func DefaultConfig() Config {
	return Config{
		VerifyServerCert: true,
		ALPNProtocols:    []string{"h2", "http/1.1"},
		HandshakeTimeout: 10 * time.Second,
	}
}

// ConfigFromRecord resolves a service record's TLS profile into a Config.
func ConfigFromRecord(record *service.Record) Config {
	cfg := DefaultConfig()
	if !record.TLSEnabled() {
		return cfg
	}

	profile := record.TLSProfile
	if len(profile.UpstreamCABundle) > 0 {
		cfg.CACerts = append(cfg.CACerts, profile.UpstreamCABundle)
	}
	if len(profile.UpstreamClientCert) > 0 && len(profile.UpstreamClientKey) > 0 {
		cfg.ClientCert = profile.UpstreamClientCert
		cfg.ClientKey = profile.UpstreamClientKey
	}
	cfg.ServerName = profile.SNI
	return cfg
}

// Hash returns a stable FNV-1a digest of the configuration, used as the
// cache key.
func (c Config) Hash() uint64 {
	h := fnv.New64a()

	var b [8]byte
	if c.VerifyServerCert {
		b[0] = 1
	}
	h.Write(b[:1])

	for _, ca := range c.CACerts {
		h.Write(ca)
	}
	h.Write(c.ClientCert)
	h.Write(c.ClientKey)
	h.Write([]byte(c.ServerName))
	for _, proto := range c.ALPNProtocols {
		h.Write([]byte(proto))
	}
	binary.BigEndian.PutUint64(b[:], uint64(c.HandshakeTimeout))
	h.Write(b[:])

	return h.Sum64()
}

// tlsConfig builds the crypto/tls configuration.
func (c Config) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: !c.VerifyServerCert,
		ServerName:         c.ServerName,
		NextProtos:         c.ALPNProtocols,
		MinVersion:         tls.VersionTLS12,
	}

	if len(c.CACerts) > 0 {
		pool := x509.NewCertPool()
		for _, ca := range c.CACerts {
			if !pool.AppendCertsFromPEM(ca) {
				return nil, &ConfigError{Reason: "no valid CA certificate in bundle"}
			}
		}
		cfg.RootCAs = pool
	}

	if len(c.ClientCert) > 0 && len(c.ClientKey) > 0 {
		cert, err := tls.X509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, &ConfigError{Reason: "client keypair", Err: err}
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// Client is a cached pair of HTTP clients sharing one TLS configuration.
// HTTP1 negotiates via ALPN and serves REST traffic; HTTP2 is forced to
// HTTP/2 for gRPC-style upstreams.
type Client struct {
	HTTP1  *http.Client
	HTTP2  *http.Client
	Config Config

	createdAt time.Time
}

// Stats is a snapshot of the cache state.
type Stats struct {
	Entries   int
	MaxSize   int
	TTL       time.Duration
	LiveCount int
	Evictions uint64
	CacheHits uint64
	CacheMiss uint64
}

// Manager caches TLS clients by configuration hash.
type Manager struct {
	mu      sync.Mutex
	clients map[uint64]*Client

	maxSize         int
	ttl             time.Duration
	cleanupInterval time.Duration

	evictions uint64
	hits      uint64
	misses    uint64

	logger observability.Logger
	tracer trace.Tracer
	now    func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxSize sets the cache capacity.
func WithMaxSize(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxSize = n
		}
	}
}

// WithTTL sets the entry TTL.
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithCleanupInterval sets how often the background cleanup runs. Zero
// disables the background loop.
func WithCleanupInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.cleanupInterval = interval
	}
}

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerClock overrides the clock, for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a client cache and starts its cleanup loop when a
// cleanup interval is configured.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		clients:         make(map[uint64]*Client),
		maxSize:         100,
		ttl:             time.Hour,
		cleanupInterval: 5 * time.Minute,
		logger:          observability.NopLogger(),
		tracer:          otel.Tracer("authproxy/tlsclient"),
		now:             time.Now,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.cleanupInterval > 0 {
		go m.cleanupLoop()
	}
	return m
}

// GetClient returns a cached client for the record's TLS configuration,
// building one on miss. Entries expire by age since build; a hit does not
// extend the lifetime, so long-lived clients still get rebuilt every TTL.
func (m *Manager) GetClient(ctx context.Context, record *service.Record) (*Client, error) {
	_, span := m.tracer.Start(ctx, "tlsclient.GetClient")
	defer span.End()

	cfg := ConfigFromRecord(record)
	key := cfg.Hash()
	now := m.now()

	m.mu.Lock()
	if client, ok := m.clients[key]; ok && now.Sub(client.createdAt) < m.ttl {
		m.hits++
		m.mu.Unlock()
		return client, nil
	}
	m.misses++
	m.mu.Unlock()

	client, err := m.buildClient(cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) >= m.maxSize {
		m.evictLocked()
	}
	client.createdAt = m.now()
	m.clients[key] = client

	m.logger.Debug("tls client created",
		observability.Uint64("config_hash", key),
		observability.Int("cache_size", len(m.clients)),
	)
	return client, nil
}

func (m *Manager) buildClient(cfg Config) (*Client, error) {
	tlsCfg, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsCfg,
		TLSHandshakeTimeout: cfg.HandshakeTimeout,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	h2Transport := &http2.Transport{
		TLSClientConfig: tlsCfg,
	}

	return &Client{
		HTTP1:  &http.Client{Transport: transport},
		HTTP2:  &http.Client{Transport: h2Transport},
		Config: cfg,
	}, nil
}

// evictLocked drops expired entries, then the oldest entries by creation
// time until the cache is evictionSlack below capacity. Callers hold mu.
func (m *Manager) evictLocked() {
	now := m.now()
	for key, client := range m.clients {
		if now.Sub(client.createdAt) >= m.ttl {
			delete(m.clients, key)
			m.evictions++
		}
	}

	if len(m.clients) < m.maxSize {
		return
	}

	toRemove := len(m.clients) - m.maxSize + evictionSlack
	type entry struct {
		key        uint64
		createdAt time.Time
	}
	entries := make([]entry, 0, len(m.clients))
	for key, client := range m.clients {
		entries = append(entries, entry{key: key, createdAt: client.createdAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].createdAt.Before(entries[j].createdAt)
	})

	for i := 0; i < toRemove && i < len(entries); i++ {
		delete(m.clients, entries[i].key)
		m.evictions++
	}
}

// CleanupExpired drops every expired entry and returns how many were
// removed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, client := range m.clients {
		if now.Sub(client.createdAt) >= m.ttl {
			delete(m.clients, key)
			removed++
			m.evictions++
		}
	}
	return removed
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := m.CleanupExpired(); removed > 0 {
				m.logger.Debug("expired tls clients removed", observability.Int("count", removed))
			}
		case <-m.stopCh:
			return
		}
	}
}

// Stats returns a snapshot of the cache.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	live := 0
	for _, client := range m.clients {
		if now.Sub(client.createdAt) < m.ttl {
			live++
		}
	}

	return Stats{
		Entries:   len(m.clients),
		MaxSize:   m.maxSize,
		TTL:       m.ttl,
		LiveCount: live,
		Evictions: m.evictions,
		CacheHits: m.hits,
		CacheMiss: m.misses,
	}
}

// Stop terminates the cleanup loop. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}
