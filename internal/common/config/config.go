// Package config provides configuration management for Runbox.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Runbox.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Sessions   SessionConfig    `mapstructure:"sessions"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Templates  TemplatesConfig  `mapstructure:"templates"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// PublicURL is the control-plane URL injected into containers so the
	// executor can reach the callback endpoints.
	PublicURL string `mapstructure:"publicUrl"`
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite" uses Path; "postgres" uses the host/port fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientName    string `mapstructure:"clientName"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for the local runtime.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	// WorkspaceBasePath is the host directory backing session workspace mounts.
	WorkspaceBasePath string `mapstructure:"workspaceBasePath"`
}

// KubernetesConfig holds cluster runtime configuration.
type KubernetesConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Kubeconfig string `mapstructure:"kubeconfig"` // empty means in-cluster config
	Namespace  string `mapstructure:"namespace"`
}

// StorageConfig holds object storage (S3) configuration for workspaces.
type StorageConfig struct {
	Endpoint       string `mapstructure:"endpoint"` // empty means AWS default
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	AccessKey      string `mapstructure:"accessKey"`
	SecretKey      string `mapstructure:"secretKey"`
	ForcePathStyle bool   `mapstructure:"forcePathStyle"`
	// InlineFileLimit is the largest file served inline by the files API;
	// bigger objects get a presigned URL instead. Bytes.
	InlineFileLimit int64 `mapstructure:"inlineFileLimit"`
	PresignTTL      int   `mapstructure:"presignTtl"` // in seconds
}

// ExecutorConfig holds settings for reaching the in-container executor.
type ExecutorConfig struct {
	Port           int     `mapstructure:"port"`
	RequestTimeout int     `mapstructure:"requestTimeout"` // in seconds, total per call
	ConnectTimeout int     `mapstructure:"connectTimeout"` // in seconds
	MaxRetries     int     `mapstructure:"maxRetries"`
	BackoffBase    float64 `mapstructure:"backoffBase"`   // in seconds
	BackoffFactor  float64 `mapstructure:"backoffFactor"` //
	BackoffMax     float64 `mapstructure:"backoffMax"`    // in seconds
	// DisableBwrap is passed through to the executor for environments where
	// kernel namespace isolation is unavailable.
	DisableBwrap bool `mapstructure:"disableBwrap"`
}

// SchedulerConfig holds node capacity and provisioning settings.
type SchedulerConfig struct {
	MaxContainers   int    `mapstructure:"maxContainers"`
	TotalCPU        string `mapstructure:"totalCpu"`
	TotalMemory     string `mapstructure:"totalMemory"`
	CreateTimeout   int    `mapstructure:"createTimeout"`   // in seconds, container create/start deadline
	ReadinessWait   int    `mapstructure:"readinessWait"`   // in seconds, bound on wait-for-ready
	StopGracePeriod int    `mapstructure:"stopGracePeriod"` // in seconds
}

// SessionConfig holds session defaults and limits.
type SessionConfig struct {
	DefaultTimeout   int    `mapstructure:"defaultTimeout"` // in seconds
	MaxTimeout       int    `mapstructure:"maxTimeout"`     // in seconds
	DefaultCPU       string `mapstructure:"defaultCpu"`
	DefaultMemory    string `mapstructure:"defaultMemory"`
	DefaultDisk      string `mapstructure:"defaultDisk"`
	MaxProcesses     int    `mapstructure:"maxProcesses"`
	MaxRetryAttempts int    `mapstructure:"maxRetryAttempts"` // execution retries after a crash
	InstallTimeout   int    `mapstructure:"installTimeout"`   // in seconds, dependency install bound
}

// CleanupConfig holds the background reconciliation intervals and thresholds.
type CleanupConfig struct {
	IdleTimeout         int `mapstructure:"idleTimeout"`         // in minutes, -1 disables
	MaxLifetime         int `mapstructure:"maxLifetime"`         // in hours, -1 disables
	CreatingTimeout     int `mapstructure:"creatingTimeout"`     // in seconds
	CleanupInterval     int `mapstructure:"cleanupInterval"`     // in seconds
	HealthCheckInterval int `mapstructure:"healthCheckInterval"` // in seconds
}

// AuthConfig holds the shared token authenticating executor callbacks.
type AuthConfig struct {
	CallbackToken string `mapstructure:"callbackToken"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"` // OTLP HTTP endpoint host:port
	ServiceName string `mapstructure:"serviceName"`
}

// TemplatesConfig points at the optional template seed file.
type TemplatesConfig struct {
	SeedFile string `mapstructure:"seedFile"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RequestTimeoutDuration returns the total per-call executor deadline.
func (e *ExecutorConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(e.RequestTimeout) * time.Second
}

// ConnectTimeoutDuration returns the executor connect deadline.
func (e *ExecutorConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(e.ConnectTimeout) * time.Second
}

// IdleTimeoutDuration returns the idle threshold, or 0 when disabled.
func (c *CleanupConfig) IdleTimeoutDuration() time.Duration {
	if c.IdleTimeout < 0 {
		return 0
	}
	return time.Duration(c.IdleTimeout) * time.Minute
}

// MaxLifetimeDuration returns the max lifetime, or 0 when disabled.
func (c *CleanupConfig) MaxLifetimeDuration() time.Duration {
	if c.MaxLifetime < 0 {
		return 0
	}
	return time.Duration(c.MaxLifetime) * time.Hour
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RUNBOX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.publicUrl", "http://host.docker.internal:8080")

	// Database defaults - sqlite file unless a postgres host is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "runbox.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "runbox")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "runbox")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientName", "runbox")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "bridge")
	v.SetDefault("docker.workspaceBasePath", "/var/lib/runbox/workspaces")

	// Kubernetes defaults
	v.SetDefault("kubernetes.enabled", false)
	v.SetDefault("kubernetes.kubeconfig", "")
	v.SetDefault("kubernetes.namespace", "runbox")

	// Storage defaults
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.bucket", "runbox-workspaces")
	v.SetDefault("storage.accessKey", "")
	v.SetDefault("storage.secretKey", "")
	v.SetDefault("storage.forcePathStyle", false)
	v.SetDefault("storage.inlineFileLimit", 1<<20)
	v.SetDefault("storage.presignTtl", 900)

	// Executor defaults
	v.SetDefault("executor.port", 8888)
	v.SetDefault("executor.requestTimeout", 30)
	v.SetDefault("executor.connectTimeout", 5)
	v.SetDefault("executor.maxRetries", 3)
	v.SetDefault("executor.backoffBase", 0.5)
	v.SetDefault("executor.backoffFactor", 2.0)
	v.SetDefault("executor.backoffMax", 8.0)
	v.SetDefault("executor.disableBwrap", false)

	// Scheduler defaults
	v.SetDefault("scheduler.maxContainers", 100)
	v.SetDefault("scheduler.totalCpu", "8")
	v.SetDefault("scheduler.totalMemory", "16Gi")
	v.SetDefault("scheduler.createTimeout", 60)
	v.SetDefault("scheduler.readinessWait", 30)
	v.SetDefault("scheduler.stopGracePeriod", 10)

	// Session defaults
	v.SetDefault("sessions.defaultTimeout", 300)
	v.SetDefault("sessions.maxTimeout", 3600)
	v.SetDefault("sessions.defaultCpu", "1")
	v.SetDefault("sessions.defaultMemory", "512Mi")
	v.SetDefault("sessions.defaultDisk", "1Gi")
	v.SetDefault("sessions.maxProcesses", 64)
	v.SetDefault("sessions.maxRetryAttempts", 3)
	v.SetDefault("sessions.installTimeout", 120)

	// Cleanup defaults
	v.SetDefault("cleanup.idleTimeout", 30)
	v.SetDefault("cleanup.maxLifetime", 24)
	v.SetDefault("cleanup.creatingTimeout", 300)
	v.SetDefault("cleanup.cleanupInterval", 300)
	v.SetDefault("cleanup.healthCheckInterval", 30)

	// Auth defaults
	v.SetDefault("auth.callbackToken", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.serviceName", "runbox")

	// Template seed defaults
	v.SetDefault("templates.seedFile", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RUNBOX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/runbox/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the camelCase
	// config key naming (AutomaticEnv does not convert case styles).
	_ = v.BindEnv("auth.callbackToken", "RUNBOX_CALLBACK_TOKEN", "RUNBOX_AUTH_CALLBACK_TOKEN")
	_ = v.BindEnv("server.publicUrl", "RUNBOX_PUBLIC_URL", "RUNBOX_SERVER_PUBLIC_URL")
	_ = v.BindEnv("executor.disableBwrap", "RUNBOX_DISABLE_BWRAP", "RUNBOX_EXECUTOR_DISABLE_BWRAP")
	_ = v.BindEnv("storage.accessKey", "AWS_ACCESS_KEY_ID", "RUNBOX_STORAGE_ACCESS_KEY")
	_ = v.BindEnv("storage.secretKey", "AWS_SECRET_ACCESS_KEY", "RUNBOX_STORAGE_SECRET_KEY")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/runbox/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Docker.Enabled && cfg.Kubernetes.Enabled {
		errs = append(errs, "docker.enabled and kubernetes.enabled are mutually exclusive")
	}
	if !cfg.Docker.Enabled && !cfg.Kubernetes.Enabled {
		errs = append(errs, "one of docker.enabled or kubernetes.enabled must be set")
	}

	if cfg.Sessions.DefaultTimeout <= 0 {
		errs = append(errs, "sessions.defaultTimeout must be positive")
	}
	if cfg.Sessions.MaxTimeout < cfg.Sessions.DefaultTimeout {
		errs = append(errs, "sessions.maxTimeout must be >= sessions.defaultTimeout")
	}
	if cfg.Sessions.MaxRetryAttempts < 0 {
		errs = append(errs, "sessions.maxRetryAttempts must not be negative")
	}

	if cfg.Executor.MaxRetries < 1 {
		errs = append(errs, "executor.maxRetries must be at least 1")
	}
	if cfg.Executor.BackoffBase <= 0 {
		errs = append(errs, "executor.backoffBase must be positive")
	}

	if cfg.Cleanup.CreatingTimeout <= 0 {
		errs = append(errs, "cleanup.creatingTimeout must be positive")
	}
	if cfg.Cleanup.CleanupInterval <= 0 {
		errs = append(errs, "cleanup.cleanupInterval must be positive")
	}
	if cfg.Cleanup.HealthCheckInterval <= 0 {
		errs = append(errs, "cleanup.healthCheckInterval must be positive")
	}

	if cfg.Auth.CallbackToken == "" {
		cfg.Auth.CallbackToken = generateDevToken()
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevToken generates a callback token for development mode.
// In production, set RUNBOX_CALLBACK_TOKEN.
func generateDevToken() string {
	return fmt.Sprintf("dev-token-change-in-production-%d", time.Now().UnixNano())
}
