package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for every environment variable read by LoadConfig.
// MDT_HTTP_ENABLED maps to http.enabled, MDT_SESSION_IDLE_TIMEOUT to
// session.idle-timeout and so on.
const EnvPrefix = "MDT_"

type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Security SecurityConfig `koanf:"security"`
	Session  SessionConfig  `koanf:"session"`
	Shutdown ShutdownConfig `koanf:"shutdown"`
	Store    StoreConfig    `koanf:"store"`
	Log      LogConfig      `koanf:"log"`
}

type HTTPConfig struct {
	Enabled       bool   `koanf:"enabled"`         // the network transport is optional
	Addr          string `koanf:"addr"`            // defaults to 127.0.0.1:3002
	Path          string `koanf:"path"`            // MCP endpoint path
	AllowNonLocal bool   `koanf:"allow-non-local"` // override the loopback-only bind policy
	TLSCertFile   string `koanf:"tls-cert"`        // (OPTIONAL) PEM server certificate
	TLSKeyFile    string `koanf:"tls-key"`         // (OPTIONAL) PEM private key
	TLSClientCA   string `koanf:"tls-client-ca"`   // (OPTIONAL) PEM CA for client certs
	// TLSRequireClientCert rejects clients without a certificate signed by
	// TLSClientCA. Without it a client certificate is verified only if sent.
	TLSRequireClientCert bool `koanf:"tls-require-client-cert"`
}

// TLSEnabled reports whether both halves of the server key pair are set.
func (h HTTPConfig) TLSEnabled() bool {
	return h.TLSCertFile != "" && h.TLSKeyFile != ""
}

type SecurityConfig struct {
	AllowedOrigins []string        `koanf:"allowed-origins"`
	RequireOrigin  bool            `koanf:"require-origin"`
	RateLimit      RateLimitConfig `koanf:"rate-limit"`
	Auth           AuthConfig      `koanf:"auth"`
}

type RateLimitConfig struct {
	Enabled   bool    `koanf:"enabled"`
	RPS       float64 `koanf:"rps"`
	Burst     int     `koanf:"burst"`
	RedisAddr string  `koanf:"redis-addr"` // empty keeps the limiter in memory
}

type AuthConfig struct {
	Enabled   bool   `koanf:"enabled"`
	JWTSecret string `koanf:"jwt-secret"`
}

type SessionConfig struct {
	IdleTimeout  time.Duration `koanf:"idle-timeout"`
	ReapInterval time.Duration `koanf:"reap-interval"`
	ResumeGrace  time.Duration `koanf:"resume-grace"`
	MaxEvents    int           `koanf:"max-events"`
}

type ShutdownConfig struct {
	Grace time.Duration `koanf:"grace"`
}

type StoreConfig struct {
	MongoURI string `koanf:"mongo-uri"` // empty selects the in-memory ticket store
	MongoDB  string `koanf:"mongo-db"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:3002",
			Path: "/mcp",
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				RPS:   10,
				Burst: 20,
			},
		},
		Session: SessionConfig{
			IdleTimeout:  time.Hour,
			ReapInterval: time.Minute,
			ResumeGrace:  2 * time.Minute,
			MaxEvents:    1024,
		},
		Shutdown: ShutdownConfig{Grace: 10 * time.Second},
		Store:    StoreConfig{MongoDB: "mdt"},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultAllowedOrigins is used when no allow-list is configured. Only local
// browser origins on any port are accepted.
var DefaultAllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*", "http://[::1]:*"}

// LoadConfig loads configuration in priority order: defaults, then the
// config file at path (if any), then MDT_ environment variables.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if len(cfg.Security.AllowedOrigins) == 0 {
		cfg.Security.AllowedOrigins = append([]string(nil), DefaultAllowedOrigins...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parserFor(path string) koanf.Parser {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return json.Parser()
	}
	return yaml.Parser()
}

// knownKeys lists every dotted key so env names can be mapped back without
// guessing where a section ends and a hyphenated field begins.
var knownKeys = []string{
	"http.enabled", "http.addr", "http.path", "http.allow-non-local",
	"http.tls-cert", "http.tls-key", "http.tls-client-ca", "http.tls-require-client-cert",
	"security.allowed-origins", "security.require-origin",
	"security.rate-limit.enabled", "security.rate-limit.rps",
	"security.rate-limit.burst", "security.rate-limit.redis-addr",
	"security.auth.enabled", "security.auth.jwt-secret",
	"session.idle-timeout", "session.reap-interval",
	"session.resume-grace", "session.max-events",
	"shutdown.grace",
	"store.mongo-uri", "store.mongo-db",
	"log.level", "log.format",
}

var envToKey = func() map[string]string {
	m := make(map[string]string, len(knownKeys))
	for _, key := range knownKeys {
		name := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
		m[name] = key
	}
	return m
}()

// envKey converts MDT_SECURITY_ALLOWED_ORIGINS to security.allowed-origins.
// Unknown variables are dropped.
func envKey(name, value string) (string, any) {
	key, ok := envToKey[strings.TrimPrefix(name, EnvPrefix)]
	if !ok {
		return "", nil
	}
	if key == "security.allowed-origins" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return key, parts
	}
	return key, value
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Session.IdleTimeout <= 0 {
		errs = append(errs, errors.New("session.idle-timeout must be positive"))
	}
	if c.Session.ReapInterval <= 0 {
		errs = append(errs, errors.New("session.reap-interval must be positive"))
	}
	if c.Session.ResumeGrace <= 0 {
		errs = append(errs, errors.New("session.resume-grace must be positive"))
	}
	if c.Session.MaxEvents <= 0 {
		errs = append(errs, errors.New("session.max-events must be positive"))
	}
	if c.Shutdown.Grace <= 0 {
		errs = append(errs, errors.New("shutdown.grace must be positive"))
	}
	if c.Security.Auth.Enabled && c.Security.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("security.auth.jwt-secret is required when auth is enabled"))
	}
	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("security.rate-limit rps and burst must be positive"))
	}
	if (c.HTTP.TLSCertFile == "") != (c.HTTP.TLSKeyFile == "") {
		errs = append(errs, errors.New("http.tls-cert and http.tls-key must be set together"))
	}
	if (c.HTTP.TLSClientCA != "" || c.HTTP.TLSRequireClientCert) && !c.HTTP.TLSEnabled() {
		errs = append(errs, errors.New("client certificate settings need http.tls-cert and http.tls-key"))
	}
	if c.HTTP.TLSRequireClientCert && c.HTTP.TLSClientCA == "" {
		errs = append(errs, errors.New("http.tls-require-client-cert needs http.tls-client-ca"))
	}
	if !strings.HasPrefix(c.HTTP.Path, "/") {
		errs = append(errs, fmt.Errorf("http.path %q must start with /", c.HTTP.Path))
	}
	return errors.Join(errs...)
}
