// Package config provides centralized configuration management for the import
// service. It loads configuration from environment variables with sensible
// defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 30s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"30s"`

	// WriteTimeout is the maximum duration for writing response (default: 2m,
	// large imports can take a while)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"2m"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds connection pool settings.
//
// The defaults deliberately keep the pool small: the target deployment runs
// many short-lived replicas against one shared database, and oversized
// per-process pools exhaust the database's own connection ceiling.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the number of warm connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// ConnectTimeout is the dial timeout for a single connection (default: 10s)
	ConnectTimeout time.Duration `env:"DB_CONNECT_TIMEOUT" default:"10s"`

	// KeepAlive is the TCP keep-alive interval. Intermediate proxies in
	// orchestrated environments silently drop idle connections, so this
	// should stay well below the proxy's idle cutoff (default: 30s)
	KeepAlive time.Duration `env:"DB_KEEPALIVE" default:"30s"`

	// AcquireAttempts is the retry budget for obtaining a healthy
	// connection before the pool reports exhaustion (default: 3)
	AcquireAttempts int `env:"DB_ACQUIRE_ATTEMPTS" default:"3"`

	// AcquireBackoff is the base delay between acquire attempts; the
	// actual delay grows linearly with the attempt number (default: 500ms)
	AcquireBackoff time.Duration `env:"DB_ACQUIRE_BACKOFF" default:"500ms"`
}

// ImportConfig holds bulk import settings.
//
// The phase thresholds are tuning knobs, not invariants; they should be
// load-tested against the target database rather than assumed.
type ImportConfig struct {
	// MaxFileSize is the maximum allowed upload size in bytes (default: 100MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"104857600"`

	// MaxConcurrent is the maximum number of parallel import calls (default: 5)
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long to wait for an import slot (default: 30s)
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"30s"`

	// SingleRowMax is the largest accepted-row count handled one statement
	// at a time (default: 10)
	SingleRowMax int `env:"IMPORT_SINGLE_ROW_MAX" default:"10"`

	// BatchedMax is the largest accepted-row count handled with multi-row
	// VALUES batches; larger imports use the COPY fast path (default: 10000)
	BatchedMax int `env:"IMPORT_BATCHED_MAX" default:"10000"`

	// BatchSize is the number of rows per multi-row statement (default: 1000)
	BatchSize int `env:"IMPORT_BATCH_SIZE" default:"1000"`

	// AutoCreate controls whether missing destination tables and columns
	// are created on demand (default: true)
	AutoCreate bool `env:"IMPORT_AUTO_CREATE" default:"true"`

	// HistorySize is how many recent import results to keep in memory for
	// the import log endpoint (default: 100)
	HistorySize int `env:"IMPORT_HISTORY_SIZE" default:"100"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// RequireAPIKey controls whether the X-API-Key header is enforced (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"API_KEYS"`

	// CriticalFields is a comma-separated list of field names that may
	// carry literal query/command text and therefore get the exhaustive
	// injection check (default: query,sql,command,script,code)
	CriticalFields []string `env:"SECURITY_CRITICAL_FIELDS" default:"query,sql,command,script,code"`

	// MaxValueLength is the longest accepted field value (default: 5000)
	MaxValueLength int `env:"SECURITY_MAX_VALUE_LENGTH" default:"5000"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.AcquireAttempts <= 0 {
		errs = append(errs, "DB_ACQUIRE_ATTEMPTS must be positive")
	}
	if c.Database.AcquireBackoff < 0 {
		errs = append(errs, "DB_ACQUIRE_BACKOFF must be non-negative")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	if c.Import.MaxFileSize <= 0 {
		errs = append(errs, "IMPORT_MAX_FILE_SIZE must be positive")
	}
	if c.Import.MaxConcurrent <= 0 {
		errs = append(errs, "IMPORT_MAX_CONCURRENT must be positive")
	}
	if c.Import.SingleRowMax <= 0 {
		errs = append(errs, "IMPORT_SINGLE_ROW_MAX must be positive")
	}
	if c.Import.BatchedMax < c.Import.SingleRowMax {
		errs = append(errs, fmt.Sprintf("IMPORT_BATCHED_MAX (%d) must be >= IMPORT_SINGLE_ROW_MAX (%d)",
			c.Import.BatchedMax, c.Import.SingleRowMax))
	}
	if c.Import.BatchSize <= 0 {
		errs = append(errs, "IMPORT_BATCH_SIZE must be positive")
	}
	if c.Import.HistorySize <= 0 {
		errs = append(errs, "IMPORT_HISTORY_SIZE must be positive")
	}

	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}
	if c.Security.MaxValueLength <= 0 {
		errs = append(errs, "SECURITY_MAX_VALUE_LENGTH must be positive")
	}

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
// Sensitive values like the database URL and API keys are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Import: {MaxConcurrent: %d, SingleRowMax: %d, BatchedMax: %d, BatchSize: %d}, ",
		c.Import.MaxConcurrent, c.Import.SingleRowMax, c.Import.BatchedMax, c.Import.BatchSize))
	b.WriteString(fmt.Sprintf("Security: {RequireAPIKey: %v, APIKeys: [%d key(s)]}, ",
		c.Security.RequireAPIKey, len(c.Security.APIKeys)))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
