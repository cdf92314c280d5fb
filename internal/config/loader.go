package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// FileEnv names the environment variable that points at a YAML config file.
const FileEnv = "PORTFOLIOLENS_CONFIG"

// FlagKeys maps command-line flag names to config keys.
// Only these flags override configuration; RegisterFlags defines them.
var FlagKeys = map[string]string{
	"database-url":           "database.url",
	"log-level":              "logging.level",
	"log-format":             "logging.format",
	"table-threshold":        "match.table_threshold",
	"column-threshold":       "match.column_threshold",
	"prefix-margin":          "match.prefix_margin",
	"chunk-size":             "import.chunk_size",
	"max-concurrent-uploads": "import.max_concurrent_uploads",
	"worker-timeout":         "worker.timeout",
	"inbox":                  "inbox.dir",
}

// RegisterFlags adds the overridable settings to a flag set.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("database-url", "", "PostgreSQL connection string")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-format", "", "log format: text or json")
	fs.Int("table-threshold", 0, "table auto-approve confidence (0-100)")
	fs.Int("column-threshold", 0, "column auto-approve confidence (0-100)")
	fs.Int("prefix-margin", 0, "confidence margin for preferring prefixed tables")
	fs.Int("chunk-size", 0, "rows per uploaded chunk")
	fs.Int("max-concurrent-uploads", 0, "in-flight chunk uploads per sheet")
	fs.Duration("worker-timeout", 0, "worker response timeout before inline fallback")
	fs.String("inbox", "", "directory watched for new files")
}

// field describes one leaf setting discovered from struct tags.
type field struct {
	key     string // koanf key, e.g. "server.port"
	env     string
	envAlt  string
	def     string
	isSlice bool
}

// Load reads configuration from defaults, the file named by PORTFOLIOLENS_CONFIG
// and environment variables, then validates the result.
func Load() (*Config, error) {
	return LoadWithFlags("", nil)
}

// LoadWithFlags is Load with an explicit config file and flag overrides.
// Precedence (highest to lowest): flags > env vars > config file > defaults.
func LoadWithFlags(path string, flags *pflag.FlagSet) (*Config, error) {
	return load(path, flags, true)
}

// LoadWithoutDatabase is LoadWithFlags for runs that never connect to
// PostgreSQL, such as lensctl --dry-run. DATABASE_URL may be empty.
func LoadWithoutDatabase(path string, flags *pflag.FlagSet) (*Config, error) {
	return load(path, flags, false)
}

func load(path string, flags *pflag.FlagSet, needDB bool) (*Config, error) {
	k := koanf.New(".")
	fields := collectFields(reflect.TypeOf(Config{}), "")

	defaults := make(map[string]interface{}, len(fields))
	byEnv := make(map[string]field, len(fields)*2)
	for _, f := range fields {
		if f.def != "" {
			if f.isSlice {
				defaults[f.key] = splitList(f.def)
			} else {
				defaults[f.key] = f.def
			}
		}
		byEnv[f.env] = f
		if f.envAlt != "" {
			byEnv[f.envAlt] = f
		}
	}

	// 1. Defaults from struct tags
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	// 2. Optional YAML file
	if path == "" {
		path = os.Getenv(FileEnv)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	// 3. Environment variables named by the env tags
	if err := k.Load(env.ProviderWithValue("", ".", func(name, value string) (string, interface{}) {
		f, ok := byEnv[name]
		if !ok || value == "" {
			return "", nil
		}
		// The alternate name only applies when the primary one is unset
		if name == f.envAlt && os.Getenv(f.env) != "" {
			return "", nil
		}
		if f.isSlice {
			return f.key, splitList(value)
		}
		return f.key, value
	}), nil); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}

	// 4. Explicitly set flags
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := FlagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("config flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}

	if err := cfg.validate(needDB); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// collectFields walks the config struct and returns every tagged leaf.
func collectFields(t reflect.Type, prefix string) []field {
	var out []field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		key := sf.Tag.Get("koanf")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}

		if sf.Type.Kind() == reflect.Struct {
			out = append(out, collectFields(sf.Type, key)...)
			continue
		}

		envName := sf.Tag.Get("env")
		if envName == "" {
			continue
		}
		out = append(out, field{
			key:     key,
			env:     envName,
			envAlt:  sf.Tag.Get("envAlt"),
			def:     sf.Tag.Get("default"),
			isSlice: sf.Type.Kind() == reflect.Slice,
		})
	}
	return out
}

// splitList splits comma-separated values, trimming whitespace and dropping blanks.
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	return c.validate(true)
}

func (c *Config) validate(needDB bool) error {
	var errs []string

	// Database validation
	if needDB && c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Import validation
	if c.Import.MaxFileSize <= 0 {
		errs = append(errs, "IMPORT_MAX_FILE_SIZE must be positive")
	}
	if c.Import.ChunkSize <= 0 {
		errs = append(errs, "IMPORT_CHUNK_SIZE must be positive")
	}
	if c.Import.MaxConcurrentUploads <= 0 {
		errs = append(errs, "IMPORT_MAX_CONCURRENT_UPLOADS must be positive")
	}
	if c.Import.MaxConcurrentJobs <= 0 {
		errs = append(errs, "IMPORT_MAX_CONCURRENT_JOBS must be positive")
	}
	if c.Import.MaxWaitTime <= 0 {
		errs = append(errs, "IMPORT_MAX_WAIT_TIME must be positive")
	}
	if c.Import.Timeout <= 0 {
		errs = append(errs, "IMPORT_TIMEOUT must be positive")
	}
	if c.Import.SampleRows <= 0 {
		errs = append(errs, "IMPORT_SAMPLE_ROWS must be positive")
	}
	switch strings.ToLower(c.Import.TriggerFailurePolicy) {
	case "fail", "warn":
	default:
		errs = append(errs, fmt.Sprintf("IMPORT_TRIGGER_FAILURE_POLICY (%q) must be one of: fail, warn",
			c.Import.TriggerFailurePolicy))
	}

	// Match validation
	if c.Match.TableThreshold < 0 || c.Match.TableThreshold > 100 {
		errs = append(errs, fmt.Sprintf("MATCH_TABLE_THRESHOLD (%d) must be 0-100", c.Match.TableThreshold))
	}
	if c.Match.ColumnThreshold < 0 || c.Match.ColumnThreshold > 100 {
		errs = append(errs, fmt.Sprintf("MATCH_COLUMN_THRESHOLD (%d) must be 0-100", c.Match.ColumnThreshold))
	}
	if c.Match.PrefixMargin < 0 {
		errs = append(errs, "MATCH_PREFIX_MARGIN must be non-negative")
	}
	if c.Match.CacheSize <= 0 {
		errs = append(errs, "MATCH_CACHE_SIZE must be positive")
	}

	// Schema validation
	if c.Schema.CacheTTLHours <= 0 {
		errs = append(errs, "SCHEMA_CACHE_TTL_HOURS must be positive")
	}
	if len(c.Schema.Schemas) == 0 {
		errs = append(errs, "SCHEMA_NAMES must list at least one schema")
	}

	// Worker validation
	if c.Worker.Timeout <= 0 {
		errs = append(errs, "WORKER_TIMEOUT must be positive")
	}
	if c.Worker.MaxLifespan <= 0 {
		errs = append(errs, "WORKER_MAX_LIFESPAN must be positive")
	}

	// Rate limit validation
	if c.Rate.Enabled && c.Rate.RequestsPerMinute <= 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
	}

	// Security validation
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Sensitive values like database URLs and API keys are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Import: {ChunkSize: %d, MaxConcurrentUploads: %d, MaxConcurrentJobs: %d}, ",
		c.Import.ChunkSize, c.Import.MaxConcurrentUploads, c.Import.MaxConcurrentJobs))
	b.WriteString(fmt.Sprintf("Match: {TableThreshold: %d, ColumnThreshold: %d, PrefixMargin: %d}, ",
		c.Match.TableThreshold, c.Match.ColumnThreshold, c.Match.PrefixMargin))
	b.WriteString(fmt.Sprintf("Worker: {Enabled: %v, Timeout: %s, MaxLifespan: %s}, ",
		c.Worker.Enabled, c.Worker.Timeout, c.Worker.MaxLifespan))
	b.WriteString(fmt.Sprintf("Security: {RequireAPIKey: %v, APIKeys: [%d MASKED]}, ",
		c.Security.RequireAPIKey, len(c.Security.APIKeys)))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
