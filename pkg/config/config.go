// Package config loads the agent configuration from defaults, an optional
// YAML file, OFFLINE_AGENT_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sternrassler/offline-agent/pkg/eviction"
	"github.com/Sternrassler/offline-agent/pkg/fetch"
	"github.com/Sternrassler/offline-agent/pkg/logging"
	"github.com/Sternrassler/offline-agent/pkg/router"
)

// EnvPrefix prefixes every environment variable, e.g. OFFLINE_AGENT_FETCH_TIMEOUT.
const EnvPrefix = "OFFLINE_AGENT"

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Store backends.
const (
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config is the complete agent configuration.
type Config struct {
	// Version tags the cache namespaces of this deployment.
	Version string `mapstructure:"version"`

	// Origin is the backend the agent sits in front of.
	Origin string `mapstructure:"origin"`

	// Listen is the proxy listen address.
	Listen string `mapstructure:"listen"`

	StaticAssets  []string `mapstructure:"static_assets"`
	OfflinePage   string   `mapstructure:"offline_page"`
	CriticalPaths []string `mapstructure:"critical_paths"`
	APIPrefix     string   `mapstructure:"api_prefix"`

	Fetch    FetchConfig    `mapstructure:"fetch"`
	Eviction EvictionConfig `mapstructure:"eviction"`
	Store    StoreConfig    `mapstructure:"store"`
	Control  ControlConfig  `mapstructure:"control"`
	Update   UpdateConfig   `mapstructure:"update"`
	Log      LogConfig      `mapstructure:"log"`
}

// FetchConfig configures resilient fetch.
type FetchConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// EvictionConfig configures trimming and expiry of the dynamic namespace.
type EvictionConfig struct {
	MaxItems        int           `mapstructure:"max_items"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	TimestampHeader string        `mapstructure:"timestamp_header"`
}

// StoreConfig selects and configures the cache backend.
type StoreConfig struct {
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	InMemory    bool   `mapstructure:"in_memory"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisDB     int    `mapstructure:"redis_db"`
	RedisPrefix string `mapstructure:"redis_prefix"`
	SQLitePath  string `mapstructure:"sqlite_path"`
}

// ControlConfig configures the NATS control channel.
type ControlConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// NATSURL of an external server. Empty starts an embedded one.
	NATSURL string `mapstructure:"nats_url"`

	// NATSPort of the embedded server.
	NATSPort int    `mapstructure:"nats_port"`
	Subject  string `mapstructure:"subject"`
}

// UpdateConfig configures release manifest polling.
type UpdateConfig struct {
	ManifestURL string        `mapstructure:"manifest_url"`
	Interval    time.Duration `mapstructure:"interval"`
	HoldWaiting bool          `mapstructure:"hold_waiting"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Default returns the default configuration.
func Default() Config {
	fc := fetch.DefaultConfig()
	ec := eviction.DefaultConfig()
	rules := router.DefaultRules()

	return Config{
		Version:       "v1",
		Origin:        "http://localhost:3000",
		Listen:        ":8080",
		StaticAssets:  []string{"/", "/offline.html", "/manifest.json"},
		OfflinePage:   rules.OfflinePage,
		CriticalPaths: rules.CriticalPaths,
		APIPrefix:     rules.APIPrefix,
		Fetch: FetchConfig{
			Timeout:    fc.Timeout,
			MaxRetries: fc.MaxRetries,
			RetryDelay: fc.RetryDelay,
		},
		Eviction: EvictionConfig{
			MaxItems:        ec.MaxItems,
			MaxAge:          ec.MaxAge,
			TimestampHeader: ec.TimestampHeader,
		},
		Store: StoreConfig{
			Backend:     BackendBadger,
			Dir:         "./data",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "offline",
			SQLitePath:  "./data/offline-agent.db",
		},
		Control: ControlConfig{
			Enabled:  true,
			NATSPort: 4222,
			Subject:  "offline.agent.control",
		},
		Update: UpdateConfig{
			Interval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level: string(logging.LevelInfo),
		},
	}
}

// defaults flattens Default into viper keys.
func defaults() map[string]any {
	d := Default()
	return map[string]any{
		"version":                   d.Version,
		"origin":                    d.Origin,
		"listen":                    d.Listen,
		"static_assets":             d.StaticAssets,
		"offline_page":              d.OfflinePage,
		"critical_paths":            d.CriticalPaths,
		"api_prefix":                d.APIPrefix,
		"fetch.timeout":             d.Fetch.Timeout,
		"fetch.max_retries":         d.Fetch.MaxRetries,
		"fetch.retry_delay":         d.Fetch.RetryDelay,
		"eviction.max_items":        d.Eviction.MaxItems,
		"eviction.max_age":          d.Eviction.MaxAge,
		"eviction.timestamp_header": d.Eviction.TimestampHeader,
		"store.backend":             d.Store.Backend,
		"store.dir":                 d.Store.Dir,
		"store.in_memory":           d.Store.InMemory,
		"store.redis_addr":          d.Store.RedisAddr,
		"store.redis_db":            d.Store.RedisDB,
		"store.redis_prefix":        d.Store.RedisPrefix,
		"store.sqlite_path":         d.Store.SQLitePath,
		"control.enabled":           d.Control.Enabled,
		"control.nats_url":          d.Control.NATSURL,
		"control.nats_port":         d.Control.NATSPort,
		"control.subject":           d.Control.Subject,
		"update.manifest_url":       d.Update.ManifestURL,
		"update.interval":           d.Update.Interval,
		"update.hold_waiting":       d.Update.HoldWaiting,
		"log.level":                 d.Log.Level,
		"log.pretty":                d.Log.Pretty,
	}
}

// Bind registers defaults and environment lookup on v. Nested keys map to
// underscores: fetch.timeout reads OFFLINE_AGENT_FETCH_TIMEOUT.
func Bind(v *viper.Viper) {
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the config file (if set on v) and decodes the result. Call
// Bind first.
func Load(v *viper.Viper) (Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Version == "" {
		add("version is required")
	}
	if u, err := url.Parse(c.Origin); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("origin %q must be an absolute http(s) URL", c.Origin)
	}
	if c.Listen == "" {
		add("listen address is required")
	}
	if c.OfflinePage != "" && !strings.HasPrefix(c.OfflinePage, "/") {
		add("offline_page %q must be a path", c.OfflinePage)
	}
	if c.Fetch.Timeout <= 0 {
		add("fetch.timeout must be positive")
	}
	if c.Fetch.MaxRetries < 0 {
		add("fetch.max_retries must not be negative")
	}
	if c.Fetch.RetryDelay < 0 {
		add("fetch.retry_delay must not be negative")
	}
	if c.Eviction.MaxItems <= 0 {
		add("eviction.max_items must be positive")
	}
	if c.Eviction.MaxAge <= 0 {
		add("eviction.max_age must be positive")
	}
	if c.Eviction.TimestampHeader == "" {
		add("eviction.timestamp_header is required")
	}

	switch c.Store.Backend {
	case BackendBadger:
		if c.Store.Dir == "" && !c.Store.InMemory {
			add("store.dir is required for the badger backend")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			add("store.redis_addr is required for the redis backend")
		}
	case BackendSQLite:
	default:
		add("unknown store.backend %q", c.Store.Backend)
	}

	if c.Control.Enabled && c.Control.Subject == "" {
		add("control.subject is required")
	}
	if c.Update.ManifestURL != "" {
		if u, err := url.Parse(c.Update.ManifestURL); err != nil || !u.IsAbs() {
			add("update.manifest_url %q must be an absolute URL", c.Update.ManifestURL)
		}
		if c.Update.Interval < 0 {
			add("update.interval must not be negative")
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("%v", err)
	}

	return errors.Join(errs...)
}

// FetchConfig returns the resilient fetch configuration.
func (c Config) FetchConfig() fetch.Config {
	return fetch.Config{
		Timeout:    c.Fetch.Timeout,
		MaxRetries: c.Fetch.MaxRetries,
		RetryDelay: c.Fetch.RetryDelay,
	}
}

// EvictionConfig returns the eviction configuration.
func (c Config) EvictionConfig() eviction.Config {
	return eviction.Config{
		MaxItems:        c.Eviction.MaxItems,
		MaxAge:          c.Eviction.MaxAge,
		TimestampHeader: c.Eviction.TimestampHeader,
	}
}

// Rules returns the routing rules.
func (c Config) Rules() router.Rules {
	return router.Rules{
		APIPrefix:     c.APIPrefix,
		CriticalPaths: c.CriticalPaths,
		OfflinePage:   c.OfflinePage,
	}
}

// LoggingConfig returns the logging configuration.
func (c Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}
