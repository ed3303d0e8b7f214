// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "QUORUM_"

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"        envPrefix:"SERVER_"`
	Catalog       CatalogConfig       `yaml:"catalog"       envPrefix:"CATALOG_"`
	Store         StoreConfig         `yaml:"store"         envPrefix:"STORE_"`
	Workflow      WorkflowConfig      `yaml:"workflow"      envPrefix:"WORKFLOW_"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"   envPrefix:"IDEMPOTENCY_"`
	Notify        NotifyConfig        `yaml:"notify"        envPrefix:"NOTIFY_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OBSERVABILITY_"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int            `yaml:"port"             env:"PORT"`
	ReadTimeout     time.Duration  `yaml:"read_timeout"     env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration  `yaml:"write_timeout"    env:"WRITE_TIMEOUT"`
	HandlerTimeout  time.Duration  `yaml:"handler_timeout"  env:"HANDLER_TIMEOUT"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	CORS            CORSConfig     `yaml:"cors"             envPrefix:"CORS_"`
	Identity        IdentityConfig `yaml:"identity"         envPrefix:"IDENTITY_"`
}

// IdentityConfig selects how the caller is identified. In "headers" mode the
// gateway's X-Tenant-Id and X-Subject-Id are trusted; in "jwt" mode a bearer
// token is verified and the tenant and subject come from its claims.
type IdentityConfig struct {
	Mode          string   `yaml:"mode"            env:"MODE"`
	Issuer        string   `yaml:"issuer"          env:"ISSUER"`
	Audience      string   `yaml:"audience"        env:"AUDIENCE"`
	Algorithms    []string `yaml:"algorithms"      env:"ALGORITHMS"`
	SecretEnv     string   `yaml:"secret_env"      env:"SECRET_ENV"`
	PublicKeyFile string   `yaml:"public_key_file" env:"PUBLIC_KEY_FILE"`
	TenantClaim   string   `yaml:"tenant_claim"    env:"TENANT_CLAIM"`
}

// Secret returns the HMAC signing secret named by SecretEnv, or nil.
func (c IdentityConfig) Secret() []byte {
	if c.SecretEnv == "" {
		return nil
	}
	if v := os.Getenv(c.SecretEnv); v != "" {
		return []byte(v)
	}
	return nil
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	AllowedMethods []string `yaml:"allowed_methods" env:"ALLOWED_METHODS"`
	AllowedHeaders []string `yaml:"allowed_headers" env:"ALLOWED_HEADERS"`
	MaxAge         int      `yaml:"max_age"         env:"MAX_AGE"`
}

// CatalogConfig describes where object types, policies, the organisational
// hierarchy, and approvers are read from.
type CatalogConfig struct {
	Source      string   `yaml:"source"      env:"SOURCE"`
	Directories []string `yaml:"directories" env:"DIRECTORIES"`
}

// StoreConfig describes persistence for workflow instances and the stock ledger.
type StoreConfig struct {
	Driver          string        `yaml:"driver"            env:"DRIVER"`
	DSNEnv          string        `yaml:"dsn_env"           env:"DSN_ENV"`
	MaxOpenConns    int           `yaml:"max_open_conns"    env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// DSN resolves the connection string from the configured environment variable.
func (s StoreConfig) DSN() string {
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	DefaultTimeoutHours  int  `yaml:"default_timeout_hours"  env:"DEFAULT_TIMEOUT_HOURS"`
	ReassignOnEscalation bool `yaml:"reassign_on_escalation" env:"REASSIGN_ON_ESCALATION"`
	BulkConcurrency      int  `yaml:"bulk_concurrency"       env:"BULK_CONCURRENCY"`
	OverdueBatchSize     int  `yaml:"overdue_batch_size"     env:"OVERDUE_BATCH_SIZE"`

	// EscalationInterval is how often the server sweeps overdue steps.
	// Zero disables the sweep; escalate-overdue can then run from cron.
	EscalationInterval time.Duration `yaml:"escalation_interval" env:"ESCALATION_INTERVAL"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"  env:"ENABLED"`
	Driver  string        `yaml:"driver"   env:"DRIVER"`
	AddrEnv string        `yaml:"addr_env" env:"ADDR_ENV"`
	DB      int           `yaml:"db"       env:"DB"`
	TTL     time.Duration `yaml:"ttl"      env:"TTL"`
}

// Addr resolves the redis address from the configured environment variable.
func (c IdempotencyConfig) Addr() string {
	if c.AddrEnv == "" {
		return ""
	}
	return os.Getenv(c.AddrEnv)
}

// NotifyConfig describes where workflow notifications are published.
type NotifyConfig struct {
	Driver        string `yaml:"driver"         env:"DRIVER"`
	URLEnv        string `yaml:"url_env"        env:"URL_ENV"`
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`

	// The breaker stops publishing to an unreachable broker after
	// BreakerFailures consecutive errors and retries after BreakerCooldown.
	BreakerFailures int           `yaml:"breaker_failures" env:"BREAKER_FAILURES"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" env:"BREAKER_COOLDOWN"`
}

// URL resolves the broker URL from the configured environment variable.
func (c NotifyConfig) URL() string {
	if c.URLEnv == "" {
		return ""
	}
	return os.Getenv(c.URLEnv)
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"  env:"LOG_LEVEL"`
	LogFormat string        `yaml:"log_format" env:"LOG_FORMAT"` // json or console
	Tracing   TracingConfig `yaml:"tracing"    envPrefix:"TRACING_"`
	Metrics   MetricsConfig `yaml:"metrics"    envPrefix:"METRICS_"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"       env:"ENABLED"`
	Exporter     string  `yaml:"exporter"      env:"EXPORTER"`
	Endpoint     string  `yaml:"endpoint"      env:"ENDPOINT"`
	SamplingRate float64 `yaml:"sampling_rate" env:"SAMPLING_RATE"`

	// AlwaysSampleChanges records every span of a state-changing operation
	// (workflow or stock movement) regardless of SamplingRate.
	AlwaysSampleChanges bool `yaml:"always_sample_changes" env:"ALWAYS_SAMPLE_CHANGES"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path"    env:"PATH"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Tenant-Id", "X-Subject-Id",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
			Identity: IdentityConfig{
				Mode:        "headers",
				Algorithms:  []string{"RS256", "ES256", "HS256"},
				TenantClaim: "tenant_id",
			},
		},
		Catalog: CatalogConfig{
			Source:      "yaml",
			Directories: []string{"/catalog"},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "QUORUM_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Workflow: WorkflowConfig{
			DefaultTimeoutHours:  48,
			ReassignOnEscalation: true,
			BulkConcurrency:      4,
			OverdueBatchSize:     100,
			EscalationInterval:   5 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Driver:  "memory",
			AddrEnv: "QUORUM_REDIS_ADDR",
			TTL:     24 * time.Hour,
		},
		Notify: NotifyConfig{
			Driver:          "log",
			URLEnv:          "QUORUM_NATS_URL",
			SubjectPrefix:   "approvals",
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides cfg with any QUORUM_* environment variables that are set.
// Unset variables leave the current value untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Server.Identity.Mode {
	case "", "headers":
	case "jwt":
		id := c.Server.Identity
		if id.SecretEnv == "" && id.PublicKeyFile == "" {
			errs = append(errs, "server.identity.secret_env or server.identity.public_key_file is required when mode is jwt")
		}
		if id.TenantClaim == "" {
			errs = append(errs, "server.identity.tenant_claim is required when mode is jwt")
		}
	default:
		errs = append(errs, fmt.Sprintf("server.identity.mode %q is not one of headers, jwt", c.Server.Identity.Mode))
	}

	switch c.Catalog.Source {
	case "yaml":
		if len(c.Catalog.Directories) == 0 {
			errs = append(errs, "catalog.directories is required when catalog.source is yaml")
		}
	case "postgres":
		if c.Store.Driver != "postgres" {
			errs = append(errs, "catalog.source postgres requires store.driver postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("catalog.source %q is not one of yaml, postgres", c.Catalog.Source))
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required when store.driver is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres", c.Store.Driver))
	}

	if c.Workflow.DefaultTimeoutHours < 0 {
		errs = append(errs, "workflow.default_timeout_hours must not be negative")
	}
	if c.Workflow.BulkConcurrency < 1 {
		errs = append(errs, "workflow.bulk_concurrency must be at least 1")
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Driver {
		case "memory":
		case "redis":
			if c.Idempotency.AddrEnv == "" {
				errs = append(errs, "idempotency.addr_env is required when idempotency.driver is redis")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.driver %q is not one of memory, redis", c.Idempotency.Driver))
		}
		if c.Idempotency.TTL <= 0 {
			errs = append(errs, "idempotency.ttl must be positive")
		}
	}

	switch c.Notify.Driver {
	case "none", "log":
	case "nats":
		if c.Notify.URLEnv == "" {
			errs = append(errs, "notify.url_env is required when notify.driver is nats")
		}
	default:
		errs = append(errs, fmt.Sprintf("notify.driver %q is not one of none, log, nats", c.Notify.Driver))
	}

	switch c.Observability.LogFormat {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format %q is not one of json, console", c.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
