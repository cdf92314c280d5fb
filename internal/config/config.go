// Package config provides centralized configuration management for the application.
// Settings come from struct-tag defaults, an optional YAML file, environment
// variables and command-line flags (in increasing precedence), and are validated
// on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig    `koanf:"server"`
	Database DatabaseConfig  `koanf:"database"`
	Import   ImportConfig    `koanf:"import"`
	Match    MatchConfig     `koanf:"match"`
	Schema   SchemaConfig    `koanf:"schema"`
	Worker   WorkerConfig    `koanf:"worker"`
	Rate     RateLimitConfig `koanf:"rate"`
	Security SecurityConfig  `koanf:"security"`
	Logging  LoggingConfig   `koanf:"logging"`
	Inbox    InboxConfig     `koanf:"inbox"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `koanf:"host" env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `koanf:"port" env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `koanf:"read_timeout" env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for SSE)
	WriteTimeout time.Duration `koanf:"write_timeout" env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `koanf:"idle_timeout" env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `koanf:"request_timeout" env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `koanf:"url" env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `koanf:"max_conns" env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `koanf:"min_conns" env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `koanf:"max_conn_lifetime" env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `koanf:"max_conn_idle_time" env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// ImportConfig holds spreadsheet import settings.
type ImportConfig struct {
	// MaxFileSize is the maximum allowed file size in bytes (default: 100MB)
	MaxFileSize int64 `koanf:"max_file_size" env:"IMPORT_MAX_FILE_SIZE" default:"104857600"`

	// ChunkSize is the number of rows per uploaded chunk (default: 1000)
	ChunkSize int `koanf:"chunk_size" env:"IMPORT_CHUNK_SIZE" default:"1000"`

	// MaxConcurrentUploads bounds in-flight chunk uploads per sheet (default: 3)
	MaxConcurrentUploads int `koanf:"max_concurrent_uploads" env:"IMPORT_MAX_CONCURRENT_UPLOADS" default:"3"`

	// MaxConcurrentJobs is the maximum number of imports running at once (default: 5)
	MaxConcurrentJobs int `koanf:"max_concurrent_jobs" env:"IMPORT_MAX_CONCURRENT_JOBS" default:"5"`

	// MaxWaitTime is how long to wait for an import slot (default: 30s)
	MaxWaitTime time.Duration `koanf:"max_wait_time" env:"IMPORT_MAX_WAIT_TIME" default:"30s"`

	// Timeout is the maximum duration for a single import (default: 30m)
	Timeout time.Duration `koanf:"timeout" env:"IMPORT_TIMEOUT" default:"30m"`

	// SessionTTL is how long an analyzed file stays available for review (default: 2h)
	SessionTTL time.Duration `koanf:"session_ttl" env:"IMPORT_SESSION_TTL" default:"2h"`

	// SampleRows is the number of rows per sheet used for type inference (default: 20)
	SampleRows int `koanf:"sample_rows" env:"IMPORT_SAMPLE_ROWS" default:"20"`

	// TriggerFailurePolicy decides what a failed row-processing trigger does
	// to its job: "fail" marks it error, "warn" logs and completes (default: fail)
	TriggerFailurePolicy string `koanf:"trigger_failure_policy" env:"IMPORT_TRIGGER_FAILURE_POLICY" default:"fail"`
}

// MatchConfig holds auto-matching thresholds.
type MatchConfig struct {
	// TableThreshold is the auto-approve confidence for tables (default: 95)
	TableThreshold int `koanf:"table_threshold" env:"MATCH_TABLE_THRESHOLD" default:"95"`

	// ColumnThreshold is the auto-approve confidence for columns (default: 80)
	ColumnThreshold int `koanf:"column_threshold" env:"MATCH_COLUMN_THRESHOLD" default:"80"`

	// PrefixMargin is how far below an unprefixed top match a prefixed
	// table may score and still be preferred (default: 5)
	PrefixMargin int `koanf:"prefix_margin" env:"MATCH_PREFIX_MARGIN" default:"5"`

	// CategoryPrefix is the table prefix of the import category (default: ln_)
	CategoryPrefix string `koanf:"category_prefix" env:"MATCH_CATEGORY_PREFIX" default:"ln_"`

	// KnownPrefixes lists every category prefix in the destination schema
	KnownPrefixes []string `koanf:"known_prefixes" env:"MATCH_KNOWN_PREFIXES" default:"ln_,sys_,usr_,doc_"`

	// CacheSize bounds the scorer and best-match memo caches (default: 50000)
	CacheSize int `koanf:"cache_size" env:"MATCH_CACHE_SIZE" default:"50000"`
}

// SchemaConfig holds destination schema cache settings.
type SchemaConfig struct {
	// CacheTTLHours is the snapshot age after which it is refreshed (default: 6)
	CacheTTLHours int `koanf:"cache_ttl_hours" env:"SCHEMA_CACHE_TTL_HOURS" default:"6"`

	// DurablePath is a SQLite file persisting the snapshot across restarts (default: disabled)
	DurablePath string `koanf:"durable_path" env:"SCHEMA_DURABLE_PATH"`

	// Schemas lists the Postgres schemas scanned for tables (default: public)
	Schemas []string `koanf:"schemas" env:"SCHEMA_NAMES" default:"public"`
}

// WorkerConfig holds background matching worker settings.
type WorkerConfig struct {
	// Enabled turns off offloading when false; matching then runs inline (default: true)
	Enabled bool `koanf:"enabled" env:"WORKER_ENABLED" default:"true"`

	// Timeout is how long to wait for the worker before computing inline (default: 10s)
	Timeout time.Duration `koanf:"timeout" env:"WORKER_TIMEOUT" default:"10s"`

	// MaxLifespan is the age after which the worker is recreated (default: 10m)
	MaxLifespan time.Duration `koanf:"max_lifespan" env:"WORKER_MAX_LIFESPAN" default:"10m"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `koanf:"enabled" env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `koanf:"requests_per_minute" env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// UploadLimit is requests per minute for upload endpoints (default: 10)
	UploadLimit int `koanf:"upload_limit" env:"RATE_LIMIT_UPLOAD" default:"10"`

	// ChunkLimit is requests per minute for the chunk-receive endpoint (default: 600)
	ChunkLimit int `koanf:"chunk_limit" env:"RATE_LIMIT_CHUNK" default:"600"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `koanf:"trusted_proxies" env:"TRUSTED_PROXIES"`

	// RequireAPIKey enables X-API-Key authentication on /api routes (default: false)
	RequireAPIKey bool `koanf:"require_api_key" env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `koanf:"api_keys" env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `koanf:"level" env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `koanf:"format" env:"LOG_FORMAT" default:"text"`
}

// InboxConfig holds the watched drop-folder settings used by lensctl watch.
type InboxConfig struct {
	// Dir is the directory watched for new files (default: ./inbox)
	Dir string `koanf:"dir" env:"INBOX_DIR" default:"./inbox"`

	// SettleDelay is how long a file must be quiet before it is imported (default: 2s)
	SettleDelay time.Duration `koanf:"settle_delay" env:"INBOX_SETTLE_DELAY" default:"2s"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// CacheTTL returns the schema snapshot TTL as a duration.
func (c *SchemaConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}
