// Package config provides configuration management for the OIAT platform.
//
// Two kinds of configuration live here:
//
//   - Application configuration (server ports, database paths, scheduler
//     tuning) loaded from YAML files, .env files, and environment variables
//     with proper precedence.
//   - Per-company configuration: one JSON document per tenant describing
//     its accounting realm, transform rules, output paths, and optional
//     trading-day / inventory / notification policies.
//
// # Configuration Sources Priority
//
// Application configuration is loaded in the following order (later sources
// override earlier ones):
//  1. Default values (set via SetDefaults)
//  2. Configuration files (./config.yaml, ./configs/config.yaml, ~/.oiat/config.yaml, /etc/oiat/config.yaml)
//  3. .env files
//  4. Environment variables (prefix OIAT_)
//
// # Environment Variables
//
// Environment variables override all other sources. Use the prefix and
// underscores for nested keys:
//   - OIAT_SERVER_PORT=8095
//   - OIAT_DATABASE_PORTAL_PATH=/var/lib/oiat/portal.sqlite
//   - OIAT_SCHEDULER_POLL_SECONDS=15
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// ServerConfig contains portal HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8095)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug enables debug logging and additional endpoints
	Debug bool `mapstructure:"debug"`
}

// DatabaseConfig contains paths of the embedded databases.
type DatabaseConfig struct {
	// PortalPath is the sqlite file holding jobs, schedules, and artifacts
	PortalPath string `mapstructure:"portal_path"`

	// TokensPath is the sqlite file holding OAuth tokens (chmod 0600)
	TokensPath string `mapstructure:"tokens_path"`
}

// PathsConfig contains the filesystem layout of the operations tree.
type PathsConfig struct {
	// OpsRoot is the root of the operations tree
	OpsRoot string `mapstructure:"ops_root"`

	// CompaniesDir holds one <key>.json per company
	CompaniesDir string `mapstructure:"companies_dir"`

	// UploadsDir holds staging and spill subtrees
	UploadsDir string `mapstructure:"uploads_dir"`

	// ArchiveDir is the root of the Uploaded/<date>/ archive
	ArchiveDir string `mapstructure:"archive_dir"`

	// RuntimeDir holds the global run lock and other runtime state
	RuntimeDir string `mapstructure:"runtime_dir"`

	// LogsDir holds per-run log files
	LogsDir string `mapstructure:"logs_dir"`
}

// SchedulerConfig contains schedule-worker and dispatcher tuning.
type SchedulerConfig struct {
	// PollSeconds is the schedule evaluation interval (default: 15)
	PollSeconds int `mapstructure:"poll_seconds"`

	// ReconcileInterval is how often the reaper sweep runs
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`

	// StaleAfter is how long a running job may go unobserved before the
	// filesystem lock is considered reapable
	StaleAfter time.Duration `mapstructure:"stale_after"`

	// MaxStartFailures caps consecutive dispatch spawn failures
	MaxStartFailures int `mapstructure:"max_start_failures"`
}

// OAuthConfig contains the remote accounting OAuth endpoints.
type OAuthConfig struct {
	// TokenURL is the OAuth2 token endpoint for the refresh grant
	TokenURL string `mapstructure:"token_url"`

	// SandboxBaseURL is the API base for sandbox realms
	SandboxBaseURL string `mapstructure:"sandbox_base_url"`

	// ProductionBaseURL is the API base for production realms
	ProductionBaseURL string `mapstructure:"production_base_url"`

	// MinorVersion is the API minor version pinned on every request
	MinorVersion string `mapstructure:"minor_version"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// SecurityConfig contains portal security settings.
type SecurityConfig struct {
	// RateLimit is the maximum requests per second per client
	RateLimit float64 `mapstructure:"rate_limit"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// JWTSecret is the secret key for signing session tokens
	JWTSecret string `mapstructure:"jwt_secret"`

	// JWTExpiration is the session token expiration duration (default: 24h)
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`
}

// ServiceConfig contains service metadata.
type ServiceConfig struct {
	// Name is the service name
	Name string `mapstructure:"name"`

	// Version is the service version
	Version string `mapstructure:"version"`

	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	OAuth     OAuthConfig     `mapstructure:"oauth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Security  SecurityConfig  `mapstructure:"security"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets default configuration values.
// This should be called before Load().
func (l *Loader) SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetConfigDefaults sets the standard OIAT defaults.
func (l *Loader) SetConfigDefaults() {
	home, err := homedir.Dir()
	if err != nil {
		home = "."
	}
	opsRoot := filepath.Join(home, "oiat-ops")

	l.v.SetDefault("service.name", "oiat")
	l.v.SetDefault("service.environment", "development")

	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8095)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.debug", false)

	l.v.SetDefault("database.portal_path", filepath.Join(opsRoot, "portal.sqlite"))
	l.v.SetDefault("database.tokens_path", filepath.Join(opsRoot, "qbo_tokens.sqlite"))

	l.v.SetDefault("paths.ops_root", opsRoot)
	l.v.SetDefault("paths.companies_dir", filepath.Join(opsRoot, "companies"))
	l.v.SetDefault("paths.uploads_dir", filepath.Join(opsRoot, "uploads"))
	l.v.SetDefault("paths.archive_dir", filepath.Join(opsRoot, "Uploaded"))
	l.v.SetDefault("paths.runtime_dir", filepath.Join(opsRoot, "runtime"))
	l.v.SetDefault("paths.logs_dir", filepath.Join(opsRoot, "logs"))

	l.v.SetDefault("scheduler.poll_seconds", 15)
	l.v.SetDefault("scheduler.reconcile_interval", "60s")
	l.v.SetDefault("scheduler.stale_after", "4h")
	l.v.SetDefault("scheduler.max_start_failures", 5)

	l.v.SetDefault("oauth.token_url", "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer")
	l.v.SetDefault("oauth.sandbox_base_url", "https://sandbox-quickbooks.api.intuit.com")
	l.v.SetDefault("oauth.production_base_url", "https://quickbooks.api.intuit.com")
	l.v.SetDefault("oauth.minor_version", "65")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")

	l.v.SetDefault("security.rate_limit", 50)
	l.v.SetDefault("security.allowed_origins", []string{"*"})
	l.v.SetDefault("security.jwt_expiration", "24h")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (with prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func (l *Loader) Load(cfgFile string, target interface{}) error {
	// Hydrate process env from .env before viper binds env vars
	_ = godotenv.Load()

	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.oiat")
		l.v.AddConfigPath("/etc/oiat")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadApp is a convenience function that loads the application configuration
// with standard defaults and validation.
func LoadApp(cfgFile string) (*AppConfig, error) {
	loader := NewLoader("OIAT")
	loader.SetConfigDefaults()

	cfg := &AppConfig{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateApp(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateApp validates the loaded application configuration.
func ValidateApp(cfg *AppConfig) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Scheduler.PollSeconds < 1 {
		return fmt.Errorf("invalid scheduler poll interval: %d", cfg.Scheduler.PollSeconds)
	}
	if cfg.Database.PortalPath == "" || cfg.Database.TokensPath == "" {
		return fmt.Errorf("database paths must be configured")
	}
	return nil
}

// LockPath returns the global run lock path under the runtime directory.
func (p PathsConfig) LockPath() string {
	return filepath.Join(p.RuntimeDir, "global_run.lock")
}

// SpillDir returns the spill root for a tenant.
func (p PathsConfig) SpillDir(tenant string) string {
	return filepath.Join(p.UploadsDir, "spill_raw", tenant)
}

// StagingDir returns the per-range staging directory for a tenant.
func (p PathsConfig) StagingDir(tenant, from, to string) string {
	return filepath.Join(p.UploadsDir, "range_raw", tenant, from+"_to_"+to)
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
