// Package config holds the layered configuration tree for the gateway
// runtime: defaults, then an optional YAML file, then environment
// variables, assembled by Loader (loader.go).
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	App                 AppConfig                 `koanf:"app"`
	HTTP                HTTPConfig                `koanf:"http"`
	Log                 LogConfig                 `koanf:"log"`
	Metrics             MetricsConfig             `koanf:"metrics"`
	Tracing             TracingConfig             `koanf:"tracing"`
	Database            DatabaseConfig            `koanf:"database"`
	Cache               CacheConfig               `koanf:"cache"`
	RateLimit           RateLimitConfig           `koanf:"rate_limit"`
	Audit               AuditConfig               `koanf:"audit"`
	Retry               RetryConfig               `koanf:"retry"`
	TransportEncryption TransportEncryptionConfig `koanf:"transport_encryption"`
	Adapters            AdaptersConfig            `koanf:"adapters"`
	Bus                 BusConfig                 `koanf:"bus"`
	Scheduler           SchedulerConfig           `koanf:"scheduler"`
}

// AppConfig carries process-wide identity settings.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// HTTPConfig configures the request-reply listener.
type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORS            CORSConfig    `koanf:"cors"`
}

// CORSConfig configures pkg/httputil.CORS. It is never applied to the
// transport-encrypted request-reply surface; see DESIGN.md.
type CORSConfig struct {
	Enabled          bool     `koanf:"enabled"`
	AllowedOrigins   []string `koanf:"allowed_origins"`
	AllowedMethods   []string `koanf:"allowed_methods"`
	AllowedHeaders   []string `koanf:"allowed_headers"`
	ExposedHeaders   []string `koanf:"exposed_headers"`
	AllowCredentials bool     `koanf:"allow_credentials"`
	MaxAge           int      `koanf:"max_age"`
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level      string `koanf:"level"`       // debug, info, warn, error
	Format     string `koanf:"format"`      // json, text
	Output     string `koanf:"output"`      // stdout, stderr, file
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`    // MB
	MaxBackups int    `koanf:"max_backups"` // rotated file count
	MaxAge     int    `koanf:"max_age"`     // days
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures the Prometheus exposition surface.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// DatabaseConfig configures the Postgres-backed encrypted store.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"` // postgres
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Database        string        `koanf:"database"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
}

// DSN returns a libpq-style connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode,
	)
}

// CacheConfig configures pkg/cache.
type CacheConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Driver     string        `koanf:"driver"` // redis, memory
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
	MaxEntries int           `koanf:"max_entries"`
}

// Address returns the cache backend's network address.
func (c CacheConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RateLimitConfig configures pkg/ratelimit.
type RateLimitConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Requests        int           `koanf:"requests"`
	Window          time.Duration `koanf:"window"`
	Strategy        string        `koanf:"strategy"`
	Backend         string        `koanf:"backend"`
	BurstSize       int           `koanf:"burst_size"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	RedisAddr       string        `koanf:"redis_addr"`
}

// AuditConfig configures pkg/audit.
type AuditConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Backend         string        `koanf:"backend"`
	FilePath        string        `koanf:"file_path"`
	BufferSize      int           `koanf:"buffer_size"`
	FlushPeriod     time.Duration `koanf:"flush_period"`
	ExcludeMethods  []string      `koanf:"exclude_methods"`
	IncludeRequest  bool          `koanf:"include_request"`
	IncludeResponse bool          `koanf:"include_response"`
}

// RetryConfig configures bounded retry of bus publishes by the routing
// plugin (spec.md §7: "the routing plugin may retry bus publish ... bounded
// attempts, then report 503").
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
}

// TransportEncryptionConfig configures pkg/session (spec.md §4.7).
type TransportEncryptionConfig struct {
	Enabled                bool          `koanf:"enabled"`
	RequireEncryption      bool          `koanf:"require_encryption"`
	HandshakePath          string        `koanf:"handshake_path"`
	PublicPaths            []string      `koanf:"public_paths"`
	SessionTimeout         time.Duration `koanf:"session_timeout"`
	HandshakeTimeout       time.Duration `koanf:"handshake_timeout"`
	MaxSessionsPerClient   int           `koanf:"max_sessions_per_client"`
	MaxPayloadSize         int           `koanf:"max_payload_size"`
	CompressionEnabled     bool          `koanf:"compression_enabled"`
	CompressionThreshold   int           `koanf:"compression_threshold"`
	SweepInterval          time.Duration `koanf:"sweep_interval"`
}

// AdaptersConfig configures the three protocol adapters (spec.md §4.4-4.6).
type AdaptersConfig struct {
	RequestReply  RequestReplyConfig  `koanf:"request_reply"`
	Bidirectional BidirectionalConfig `koanf:"bidirectional"`
	IPC           IPCConfig           `koanf:"ipc"`
}

// RequestReplyConfig configures the HTTP-like adapter.
type RequestReplyConfig struct {
	Enabled bool `koanf:"enabled"`
}

// BidirectionalConfig configures the long-lived session adapter.
type BidirectionalConfig struct {
	Enabled           bool          `koanf:"enabled"`
	ListenAddr        string        `koanf:"listen_addr"`
	MaxConnections    int           `koanf:"max_connections"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// IPCConfig configures the local IPC adapter.
type IPCConfig struct {
	Enabled        bool   `koanf:"enabled"`
	SocketPath     string `koanf:"socket_path"`
	NamedPipePath  string `koanf:"named_pipe_path"`
	FallbackAddr   string `koanf:"fallback_addr"`
}

// BusConfig configures the embedded publish/subscribe broker.
type BusConfig struct {
	ListenAddr         string `koanf:"listen_addr"`
	PersistenceEnabled bool   `koanf:"persistence_enabled"`
}

// SchedulerConfig configures the task scheduler.
type SchedulerConfig struct {
	Enabled          bool          `koanf:"enabled"`
	TickInterval     time.Duration `koanf:"tick_interval"`
	TriggerDir       string        `koanf:"trigger_dir"`
	TaskTimeout      time.Duration `koanf:"task_timeout"`
	LockTTL          time.Duration `koanf:"lock_ttl"`
	HistoryRetention time.Duration `koanf:"history_retention"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// Validate checks the assembled configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be between 1 and 65535, got %d", c.HTTP.Port))
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if c.TransportEncryption.Enabled && c.TransportEncryption.HandshakePath == "" {
		errs = append(errs, "transport_encryption.handshake_path is required when transport_encryption.enabled")
	}

	if c.Scheduler.Enabled && c.Scheduler.TickInterval <= 0 {
		errs = append(errs, "scheduler.tick_interval must be positive when scheduler.enabled")
	}

	if c.Adapters.Bidirectional.Enabled && c.Adapters.Bidirectional.MaxConnections <= 0 {
		errs = append(errs, "adapters.bidirectional.max_connections must be positive when adapters.bidirectional.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment reports whether the app is running in a development environment.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether the app is running in a production environment.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
