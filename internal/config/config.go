// Package config loads the audit workflow service configuration using Viper.
//
// Layering: built-in defaults < YAML config file < environment variables.
// Environment variables use the AUDIT_ prefix with dots replaced by
// underscores (AUDIT_DATABASE_HOST overrides database.host).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig holds HTTP and gRPC listener configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Driver selects the store: "postgres" or "memory" (local runs only).
	Driver         string        `mapstructure:"driver"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Name           string        `mapstructure:"name"`
	SSLMode        string        `mapstructure:"ssl_mode"`
	MaxConns       int32         `mapstructure:"max_conns"`
	MinConns       int32         `mapstructure:"min_conns"`
	MaxConnTime    time.Duration `mapstructure:"max_conn_lifetime"`
	MaxIdleTime    time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheck    time.Duration `mapstructure:"health_check_period"`
	MigrateOnStart bool          `mapstructure:"migrate_on_start"`
}

// GetDSN returns a libpq-style connection string.
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// AuditConfig configures approver resolution and rule bootstrapping.
type AuditConfig struct {
	// DefaultApproverID is used when no active user matches an approver spec.
	DefaultApproverID string `mapstructure:"default_approver_id"`
	// FallbackRole is consulted when the default approver is unset or inactive.
	FallbackRole string `mapstructure:"fallback_role"`
	// RoleAssignments pins a role code to a specific user id.
	RoleAssignments map[string]string `mapstructure:"role_assignments"`
	// SeedDefaultRules publishes the built-in rule for audit types that have none.
	SeedDefaultRules bool `mapstructure:"seed_default_rules"`
	// EnforceApprover rejects HTTP step actions from anyone but the step's
	// assigned approver.
	EnforceApprover bool `mapstructure:"enforce_approver"`
	// Users are upserted into the user directory at startup. Mostly useful
	// with the memory driver.
	Users []DirectoryUser `mapstructure:"users"`
}

// DirectoryUser is a user directory entry declared in configuration.
type DirectoryUser struct {
	ID         string   `mapstructure:"id"`
	Name       string   `mapstructure:"name"`
	Department string   `mapstructure:"department"`
	Active     *bool    `mapstructure:"active"`
	Roles      []string `mapstructure:"roles"`
}

// IsActive defaults to true when active is not set.
func (u DirectoryUser) IsActive() bool {
	return u.Active == nil || *u.Active
}

// NotificationsConfig configures the notification dispatcher.
type NotificationsConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	// NATSURL enables fan-out of audit events to NATS when set.
	NATSURL           string `mapstructure:"nats_url"`
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/audit-workflows")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("AUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// bindEnvVars binds nested keys explicitly; AutomaticEnv alone does not reach
// them during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"service.name",
		"service.version",
		"service.environment",

		"server.port",
		"server.grpc_port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		"server.shutdown_timeout",

		"database.driver",
		"database.host",
		"database.port",
		"database.user",
		"database.password",
		"database.name",
		"database.ssl_mode",
		"database.max_conns",
		"database.min_conns",
		"database.max_conn_lifetime",
		"database.max_conn_idle_time",
		"database.health_check_period",
		"database.migrate_on_start",

		"audit.default_approver_id",
		"audit.fallback_role",
		"audit.seed_default_rules",
		"audit.enforce_approver",

		"notifications.workers",
		"notifications.queue_size",
		"notifications.max_retries",
		"notifications.initial_backoff",
		"notifications.max_backoff",
		"notifications.nats_url",
		"notifications.nats_subject_prefix",

		"logging.level",
		"metrics.enabled",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "audit-workflows")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "production")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "20s")

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "audit")
	v.SetDefault("database.name", "audit_workflows")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "1m")
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("audit.fallback_role", "admin")
	v.SetDefault("audit.seed_default_rules", true)
	v.SetDefault("audit.enforce_approver", true)

	v.SetDefault("notifications.workers", 4)
	v.SetDefault("notifications.queue_size", 256)
	v.SetDefault("notifications.max_retries", 5)
	v.SetDefault("notifications.initial_backoff", "200ms")
	v.SetDefault("notifications.max_backoff", "10s")
	v.SetDefault("notifications.nats_subject_prefix", "audit.events")

	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.enabled", true)
}

// Validate checks for inconsistent settings.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port must be between 0 and 65535, got %d", c.Server.GRPCPort)
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		return fmt.Errorf("server.grpc_port must differ from server.port")
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" || c.Database.Name == "" || c.Database.User == "" {
			return fmt.Errorf("database.host, database.name and database.user are required for the postgres driver")
		}
		if c.Database.MinConns > c.Database.MaxConns {
			return fmt.Errorf("database.min_conns (%d) exceeds database.max_conns (%d)", c.Database.MinConns, c.Database.MaxConns)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverMemory, c.Database.Driver)
	}

	if c.Audit.DefaultApproverID == "" && c.Audit.FallbackRole == "" {
		return fmt.Errorf("one of audit.default_approver_id or audit.fallback_role is required")
	}

	seen := make(map[string]struct{}, len(c.Audit.Users))
	for i, u := range c.Audit.Users {
		if strings.TrimSpace(u.ID) == "" {
			return fmt.Errorf("audit.users[%d].id is required", i)
		}
		if _, dup := seen[u.ID]; dup {
			return fmt.Errorf("audit.users contains duplicate id %q", u.ID)
		}
		seen[u.ID] = struct{}{}
	}

	if c.Notifications.Workers < 1 {
		return fmt.Errorf("notifications.workers must be at least 1")
	}
	if c.Notifications.QueueSize < 1 {
		return fmt.Errorf("notifications.queue_size must be at least 1")
	}
	if c.Notifications.MaxRetries < 0 {
		return fmt.Errorf("notifications.max_retries cannot be negative")
	}
	if c.Notifications.InitialBackoff <= 0 || c.Notifications.MaxBackoff < c.Notifications.InitialBackoff {
		return fmt.Errorf("notifications backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	return nil
}
