// Copyright 2026 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates switchboard configuration from a
// YAML file and environment variables. Environment variables take
// precedence over file values, which take precedence over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete switchboard daemon configuration.
type Config struct {
	// Server configures the authenticated control API listener.
	Server ServerConfig `yaml:"server"`

	// PublicAPI configures the unauthenticated webhook ingestion listener.
	// It is served by a separate HTTP server so that webhook traffic never
	// shares middleware with the control plane.
	PublicAPI PublicAPIConfig `yaml:"public_api"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// Store configures the persistence backend.
	Store StoreConfig `yaml:"store"`

	// Queue configures the execution queue driver.
	Queue QueueConfig `yaml:"queue"`

	// Poller configures the polling trigger scheduler.
	Poller PollerConfig `yaml:"poller"`

	// Outbox configures trigger outbox replay and retention.
	Outbox OutboxConfig `yaml:"outbox"`

	// Dispatcher configures the execution worker pool.
	Dispatcher DispatcherConfig `yaml:"dispatcher"`

	// Connectors configures the connector registry and runtime gates.
	Connectors ConnectorsConfig `yaml:"connectors"`

	// Limits holds request size caps and fallback timeouts.
	Limits LimitsConfig `yaml:"limits"`

	// Secrets configures master key resolution for credential encryption.
	Secrets SecretsConfig `yaml:"secrets"`

	// Tracing configures OpenTelemetry traces and Prometheus metrics.
	Tracing TracingConfig `yaml:"tracing"`

	// DefaultOrganizationRegion is the residency region assigned to
	// organizations that do not declare one. Billing period rollovers are
	// computed in this region's timezone for such organizations.
	//
	// Environment: DEFAULT_ORGANIZATION_REGION
	// Default: us
	DefaultOrganizationRegion string `yaml:"default_organization_region,omitempty"`

	// GitSHA is the build identifier reported by the health endpoint.
	// Set via ldflags or the GIT_SHA environment variable, never from YAML.
	//
	// Environment: GIT_SHA
	GitSHA string `yaml:"-"`
}

// ServerConfig configures the control API listener.
type ServerConfig struct {
	// Addr is the listen address for the control API.
	//
	// Environment: SWITCHBOARD_LISTEN
	// Default: :8080
	Addr string `yaml:"addr,omitempty"`

	// ReadHeaderTimeout bounds how long the server waits for request headers.
	//
	// Default: 10s
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout,omitempty"`

	// ShutdownTimeout is the grace period for in-flight requests on shutdown.
	//
	// Environment: SWITCHBOARD_SHUTDOWN_TIMEOUT
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// Auth configures JWT verification for the control API.
	Auth AuthConfig `yaml:"auth"`

	// CORS configures allowed origins for browser clients of the control API.
	CORS CORSConfig `yaml:"cors"`
}

// AuthConfig configures JWT verification.
type AuthConfig struct {
	// JWTSecret is the HMAC signing secret for API tokens.
	//
	// Environment: SWITCHBOARD_JWT_SECRET
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// Issuer is the expected `iss` claim. Empty disables the check.
	Issuer string `yaml:"issuer,omitempty"`

	// Audience is the expected `aud` claim. Empty disables the check.
	Audience string `yaml:"audience,omitempty"`

	// TokenTTL is the lifetime of tokens minted by the CLI helper.
	//
	// Default: 24h
	TokenTTL time.Duration `yaml:"token_ttl,omitempty"`
}

// CORSConfig configures cross-origin access to the control API.
type CORSConfig struct {
	// AllowedOrigins lists origins permitted to call the control API.
	//
	// Default: ["*"]
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// PublicAPIConfig configures the unauthenticated webhook listener.
type PublicAPIConfig struct {
	// Enabled starts the public listener.
	//
	// Environment: SWITCHBOARD_PUBLIC_ENABLED
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address for webhook ingestion.
	//
	// Environment: SWITCHBOARD_PUBLIC_LISTEN
	// Default: :8081
	Addr string `yaml:"addr,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	//
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format sets the output format (json, text).
	//
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format,omitempty"`

	// AddSource includes source file and line in log records.
	//
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source,omitempty"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	// Backend selects the storage implementation: "sqlite" or "memory".
	// The memory backend loses all state on restart and exists for tests
	// and local development.
	//
	// Environment: SWITCHBOARD_STORE_BACKEND
	// Default: sqlite
	Backend string `yaml:"backend,omitempty"`

	// SQLite configures the sqlite backend.
	SQLite SQLiteConfig `yaml:"sqlite,omitempty"`
}

// SQLiteConfig configures the sqlite storage backend.
type SQLiteConfig struct {
	// Path is the database file location.
	//
	// Environment: SWITCHBOARD_STORE_PATH
	// Default: $XDG_DATA_HOME/switchboard/switchboard.db
	Path string `yaml:"path,omitempty"`

	// BusyTimeout is how long a connection waits on a locked database.
	//
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout,omitempty"`

	// MaxOpenConns caps open connections to the database.
	//
	// Default: 4
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`

	// MaxIdleConns caps idle connections kept in the pool.
	//
	// Default: 2
	MaxIdleConns int `yaml:"max_idle_conns,omitempty"`
}

// QueueConfig configures the execution queue driver.
type QueueConfig struct {
	// Mode selects the queue driver: "redis" or "memory". The memory
	// driver is non-durable and must be explicitly allowed.
	//
	// Environment: SWITCHBOARD_QUEUE_MODE
	// Default: redis
	Mode string `yaml:"mode,omitempty"`

	// RedisURL is the connection URL for the redis driver.
	//
	// Environment: REDIS_URL
	// Default: redis://localhost:6379/0
	RedisURL string `yaml:"redis_url,omitempty"`

	// Stream is the redis stream key holding queued executions.
	//
	// Default: switchboard:executions
	Stream string `yaml:"stream,omitempty"`

	// Group is the consumer group name used by dispatcher workers.
	//
	// Default: dispatchers
	Group string `yaml:"group,omitempty"`

	// BlockTimeout is how long a worker blocks waiting for a job before
	// re-checking for claimable stale deliveries.
	//
	// Default: 5s
	BlockTimeout time.Duration `yaml:"block_timeout,omitempty"`

	// VisibilityTimeout is how long a claimed job stays invisible before
	// another worker may reclaim it.
	//
	// Default: 60s
	VisibilityTimeout time.Duration `yaml:"visibility_timeout,omitempty"`

	// DeferralCap is how many times a job over its organization's
	// per-minute rate limit is deferred before it is rejected.
	//
	// Default: 3
	DeferralCap int `yaml:"deferral_cap,omitempty"`

	// AllowDevIgnore permits the non-durable memory driver. Executions
	// queued through it are lost on restart and are recorded with
	// durability "in_memory".
	//
	// Environment: ENABLE_DEV_IGNORE_QUEUE
	// Default: false
	AllowDevIgnore bool `yaml:"allow_dev_ignore,omitempty"`
}

// PollerConfig configures the polling trigger scheduler.
type PollerConfig struct {
	// Enabled starts the polling scheduler.
	//
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Partitions is the number of scheduler partitions. Each partition
	// runs a single cooperative worker loop; partitions scale
	// horizontally via store-backed leases.
	//
	// Default: 4
	Partitions int `yaml:"partitions,omitempty"`

	// Interval is the scheduler tick granularity.
	//
	// Default: 10s
	Interval time.Duration `yaml:"interval,omitempty"`

	// LeaseDuration is how long a partition lease is held before renewal.
	//
	// Default: 1m
	LeaseDuration time.Duration `yaml:"lease_duration,omitempty"`

	// BatchSize caps how many due triggers a partition polls per tick.
	//
	// Default: 50
	BatchSize int `yaml:"batch_size,omitempty"`

	// OutboxHighWater is the pending outbox depth above which the
	// scheduler throttles with an exponential per-partition delay.
	//
	// Default: 1000
	OutboxHighWater int `yaml:"outbox_high_water,omitempty"`
}

// OutboxConfig configures trigger outbox replay.
type OutboxConfig struct {
	// ReplayInterval is how often the replayer scans for stuck records.
	//
	// Default: 30s
	ReplayInterval time.Duration `yaml:"replay_interval,omitempty"`

	// MaxAttempts is the dispatch attempt limit before a record is
	// marked failed and an operator alert is emitted.
	//
	// Default: 5
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// BackoffBase is the first replay delay. Each subsequent attempt
	// doubles it up to BackoffMax.
	//
	// Default: 2s
	BackoffBase time.Duration `yaml:"backoff_base,omitempty"`

	// BackoffMax caps the replay delay.
	//
	// Default: 5m
	BackoffMax time.Duration `yaml:"backoff_max,omitempty"`

	// Retention is how long dispatched and failed records are kept
	// before the retention sweep deletes them.
	//
	// Default: 168h
	Retention time.Duration `yaml:"retention,omitempty"`
}

// DispatcherConfig configures the execution worker pool.
type DispatcherConfig struct {
	// Workers is the number of concurrent dispatcher workers.
	//
	// Environment: SWITCHBOARD_DISPATCHER_WORKERS
	// Default: 8
	Workers int `yaml:"workers,omitempty"`

	// LeaseDuration is how long an execution lease is held. A lease
	// guarantees at most one worker runs a given execution at a time.
	//
	// Default: 5m
	LeaseDuration time.Duration `yaml:"lease_duration,omitempty"`

	// DrainTimeout is how long shutdown waits for in-flight executions.
	//
	// Default: 30s
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// ConnectorsConfig configures the connector registry.
type ConnectorsConfig struct {
	// ManifestDir is the directory of connector manifest JSON files.
	//
	// Environment: SWITCHBOARD_MANIFEST_DIR
	// Default: ./connectors
	ManifestDir string `yaml:"manifest_dir,omitempty"`

	// Watch enables hot reload of manifests on file change.
	//
	// Default: true
	Watch bool `yaml:"watch"`

	// WatchDebounce coalesces rapid file events into one reload.
	//
	// Default: 500ms
	WatchDebounce time.Duration `yaml:"watch_debounce,omitempty"`

	// GenericExecutorEnabled allows the generic HTTP client to serve
	// connectors that declare endpoint templates but ship no native client.
	//
	// Environment: GENERIC_EXECUTOR_ENABLED
	// Default: false
	GenericExecutorEnabled bool `yaml:"generic_executor_enabled,omitempty"`

	// AppsScript gates the Apps-Script runtime per connector ID. A
	// connector whose runtime is apps_script and whose ID is absent or
	// false here resolves as unavailable.
	//
	// Environment: APPS_SCRIPT_CONNECTOR_<ID>
	AppsScript map[string]bool `yaml:"apps_script,omitempty"`

	// AllowInsecurePassthrough permits webhook providers whose signatures
	// cannot be verified locally (PayPal) to pass unverified. Dev only.
	//
	// Default: false
	AllowInsecurePassthrough bool `yaml:"allow_insecure_passthrough,omitempty"`
}

// LimitsConfig holds request caps and fallback timeouts. Per-plan quota
// limits live in the store; these are process-level bounds.
type LimitsConfig struct {
	// MaxWebhookBodyBytes caps the accepted webhook payload size.
	//
	// Default: 1048576 (1 MiB)
	MaxWebhookBodyBytes int64 `yaml:"max_webhook_body_bytes,omitempty"`

	// TransformTimeout bounds a single jq transform evaluation.
	//
	// Default: 1s
	TransformTimeout time.Duration `yaml:"transform_timeout,omitempty"`

	// MaxTransformOutputBytes caps the serialized output of a transform.
	//
	// Default: 10485760 (10 MiB)
	MaxTransformOutputBytes int64 `yaml:"max_transform_output_bytes,omitempty"`

	// DefaultExecutionTimeout is the hard execution deadline applied when
	// neither the plan nor the workflow declares one.
	//
	// Default: 10m
	DefaultExecutionTimeout time.Duration `yaml:"default_execution_timeout,omitempty"`

	// DefaultNodeTimeout is the soft per-node deadline applied when the
	// node declares none.
	//
	// Default: 30s
	DefaultNodeTimeout time.Duration `yaml:"default_node_timeout,omitempty"`

	// WebhookLogRetention is how long webhook delivery logs are kept
	// before the retention sweep deletes them.
	//
	// Default: 720h
	WebhookLogRetention time.Duration `yaml:"webhook_log_retention,omitempty"`
}

// SecretsConfig configures master key resolution. The master key
// encrypts connection credentials at rest.
type SecretsConfig struct {
	// Provider selects where the master key comes from: "auto" tries
	// env, then file, then keyring; or pin one of "env", "file",
	// "keyring".
	//
	// Default: auto
	Provider string `yaml:"provider,omitempty"`

	// MasterKey is the passphrase used to derive the encryption key.
	// Prefer the environment variable over YAML.
	//
	// Environment: SWITCHBOARD_MASTER_KEY
	MasterKey string `yaml:"master_key,omitempty"`

	// MasterKeyFile is a file containing the passphrase.
	MasterKeyFile string `yaml:"master_key_file,omitempty"`

	// KeyringService is the OS keyring service name.
	//
	// Default: switchboard
	KeyringService string `yaml:"keyring_service,omitempty"`
}

// TracingConfig configures OpenTelemetry traces and metrics.
type TracingConfig struct {
	// Enabled turns on trace export.
	//
	// Default: false
	Enabled bool `yaml:"enabled"`

	// ServiceName is the reported service.name resource attribute.
	//
	// Default: switchboard
	ServiceName string `yaml:"service_name,omitempty"`

	// Exporter selects the span exporter: "otlp-grpc", "otlp-http",
	// "stdout" or "none".
	//
	// Default: stdout
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP collector endpoint for the otlp exporters.
	//
	// Environment: OTEL_EXPORTER_OTLP_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS on the OTLP connection.
	//
	// Default: false
	Insecure bool `yaml:"insecure,omitempty"`

	// SampleRate is the head sampling ratio in [0, 1].
	//
	// Default: 1.0
	SampleRate float64 `yaml:"sample_rate,omitempty"`

	// AlwaysSampleErrors records error spans regardless of SampleRate.
	//
	// Default: true
	AlwaysSampleErrors bool `yaml:"always_sample_errors"`

	// Metrics configures the Prometheus metrics endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled serves /metrics on the control listener.
	//
	// Default: true
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			Auth: AuthConfig{
				TokenTTL: 24 * time.Hour,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
			},
		},
		PublicAPI: PublicAPIConfig{
			Enabled: true,
			Addr:    ":8081",
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddSource: false,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			SQLite: SQLiteConfig{
				Path:         filepath.Join(defaultDataDir(), "switchboard.db"),
				BusyTimeout:  5 * time.Second,
				MaxOpenConns: 4,
				MaxIdleConns: 2,
			},
		},
		Queue: QueueConfig{
			Mode:              "redis",
			RedisURL:          "redis://localhost:6379/0",
			Stream:            "switchboard:executions",
			Group:             "dispatchers",
			BlockTimeout:      5 * time.Second,
			VisibilityTimeout: 60 * time.Second,
			DeferralCap:       3,
			AllowDevIgnore:    false,
		},
		Poller: PollerConfig{
			Enabled:         true,
			Partitions:      4,
			Interval:        10 * time.Second,
			LeaseDuration:   time.Minute,
			BatchSize:       50,
			OutboxHighWater: 1000,
		},
		Outbox: OutboxConfig{
			ReplayInterval: 30 * time.Second,
			MaxAttempts:    5,
			BackoffBase:    2 * time.Second,
			BackoffMax:     5 * time.Minute,
			Retention:      168 * time.Hour,
		},
		Dispatcher: DispatcherConfig{
			Workers:       8,
			LeaseDuration: 5 * time.Minute,
			DrainTimeout:  30 * time.Second,
		},
		Connectors: ConnectorsConfig{
			ManifestDir:   "./connectors",
			Watch:         true,
			WatchDebounce: 500 * time.Millisecond,
		},
		Limits: LimitsConfig{
			MaxWebhookBodyBytes:     1 << 20,
			TransformTimeout:        time.Second,
			MaxTransformOutputBytes: 10 << 20,
			DefaultExecutionTimeout: 10 * time.Minute,
			DefaultNodeTimeout:      30 * time.Second,
			WebhookLogRetention:     720 * time.Hour,
		},
		Secrets: SecretsConfig{
			Provider:       "auto",
			KeyringService: "switchboard",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			ServiceName:        "switchboard",
			Exporter:           "stdout",
			SampleRate:         1.0,
			AlwaysSampleErrors: true,
			Metrics: MetricsConfig{
				Enabled: true,
			},
		},
		DefaultOrganizationRegion: "us",
	}
}

// Load loads configuration from environment variables and optionally from
// a YAML file. Environment variables take precedence over file values.
// If configPath is empty, only defaults and environment variables are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &sberrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Backfill zero values so minimal config files work.
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &sberrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values with defaults so that a minimal
// config file does not have to spell out every section.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = defaults.Server.ReadHeaderTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Server.Auth.TokenTTL == 0 {
		c.Server.Auth.TokenTTL = defaults.Server.Auth.TokenTTL
	}
	if len(c.Server.CORS.AllowedOrigins) == 0 {
		c.Server.CORS.AllowedOrigins = defaults.Server.CORS.AllowedOrigins
	}

	if c.PublicAPI.Addr == "" {
		c.PublicAPI.Addr = defaults.PublicAPI.Addr
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = defaults.Store.SQLite.Path
	}
	if c.Store.SQLite.BusyTimeout == 0 {
		c.Store.SQLite.BusyTimeout = defaults.Store.SQLite.BusyTimeout
	}
	if c.Store.SQLite.MaxOpenConns == 0 {
		c.Store.SQLite.MaxOpenConns = defaults.Store.SQLite.MaxOpenConns
	}
	if c.Store.SQLite.MaxIdleConns == 0 {
		c.Store.SQLite.MaxIdleConns = defaults.Store.SQLite.MaxIdleConns
	}

	if c.Queue.Mode == "" {
		c.Queue.Mode = defaults.Queue.Mode
	}
	if c.Queue.RedisURL == "" {
		c.Queue.RedisURL = defaults.Queue.RedisURL
	}
	if c.Queue.Stream == "" {
		c.Queue.Stream = defaults.Queue.Stream
	}
	if c.Queue.Group == "" {
		c.Queue.Group = defaults.Queue.Group
	}
	if c.Queue.BlockTimeout == 0 {
		c.Queue.BlockTimeout = defaults.Queue.BlockTimeout
	}
	if c.Queue.VisibilityTimeout == 0 {
		c.Queue.VisibilityTimeout = defaults.Queue.VisibilityTimeout
	}
	if c.Queue.DeferralCap == 0 {
		c.Queue.DeferralCap = defaults.Queue.DeferralCap
	}

	if c.Poller.Partitions == 0 {
		c.Poller.Partitions = defaults.Poller.Partitions
	}
	if c.Poller.Interval == 0 {
		c.Poller.Interval = defaults.Poller.Interval
	}
	if c.Poller.LeaseDuration == 0 {
		c.Poller.LeaseDuration = defaults.Poller.LeaseDuration
	}
	if c.Poller.BatchSize == 0 {
		c.Poller.BatchSize = defaults.Poller.BatchSize
	}
	if c.Poller.OutboxHighWater == 0 {
		c.Poller.OutboxHighWater = defaults.Poller.OutboxHighWater
	}

	if c.Outbox.ReplayInterval == 0 {
		c.Outbox.ReplayInterval = defaults.Outbox.ReplayInterval
	}
	if c.Outbox.MaxAttempts == 0 {
		c.Outbox.MaxAttempts = defaults.Outbox.MaxAttempts
	}
	if c.Outbox.BackoffBase == 0 {
		c.Outbox.BackoffBase = defaults.Outbox.BackoffBase
	}
	if c.Outbox.BackoffMax == 0 {
		c.Outbox.BackoffMax = defaults.Outbox.BackoffMax
	}
	if c.Outbox.Retention == 0 {
		c.Outbox.Retention = defaults.Outbox.Retention
	}

	if c.Dispatcher.Workers == 0 {
		c.Dispatcher.Workers = defaults.Dispatcher.Workers
	}
	if c.Dispatcher.LeaseDuration == 0 {
		c.Dispatcher.LeaseDuration = defaults.Dispatcher.LeaseDuration
	}
	if c.Dispatcher.DrainTimeout == 0 {
		c.Dispatcher.DrainTimeout = defaults.Dispatcher.DrainTimeout
	}

	if c.Connectors.ManifestDir == "" {
		c.Connectors.ManifestDir = defaults.Connectors.ManifestDir
	}
	if c.Connectors.WatchDebounce == 0 {
		c.Connectors.WatchDebounce = defaults.Connectors.WatchDebounce
	}

	if c.Limits.MaxWebhookBodyBytes == 0 {
		c.Limits.MaxWebhookBodyBytes = defaults.Limits.MaxWebhookBodyBytes
	}
	if c.Limits.TransformTimeout == 0 {
		c.Limits.TransformTimeout = defaults.Limits.TransformTimeout
	}
	if c.Limits.MaxTransformOutputBytes == 0 {
		c.Limits.MaxTransformOutputBytes = defaults.Limits.MaxTransformOutputBytes
	}
	if c.Limits.DefaultExecutionTimeout == 0 {
		c.Limits.DefaultExecutionTimeout = defaults.Limits.DefaultExecutionTimeout
	}
	if c.Limits.DefaultNodeTimeout == 0 {
		c.Limits.DefaultNodeTimeout = defaults.Limits.DefaultNodeTimeout
	}
	if c.Limits.WebhookLogRetention == 0 {
		c.Limits.WebhookLogRetention = defaults.Limits.WebhookLogRetention
	}

	if c.Secrets.Provider == "" {
		c.Secrets.Provider = defaults.Secrets.Provider
	}
	if c.Secrets.KeyringService == "" {
		c.Secrets.KeyringService = defaults.Secrets.KeyringService
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = defaults.Tracing.SampleRate
	}

	if c.DefaultOrganizationRegion == "" {
		c.DefaultOrganizationRegion = defaults.DefaultOrganizationRegion
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	// Server configuration
	if val := os.Getenv("SWITCHBOARD_LISTEN"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("SWITCHBOARD_SHUTDOWN_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Server.ShutdownTimeout = duration
		}
	}
	if val := os.Getenv("SWITCHBOARD_JWT_SECRET"); val != "" {
		c.Server.Auth.JWTSecret = val
	}

	// Public listener
	if val := os.Getenv("SWITCHBOARD_PUBLIC_ENABLED"); val != "" {
		c.PublicAPI.Enabled = val == "true" || val == "1"
	}
	if val := os.Getenv("SWITCHBOARD_PUBLIC_LISTEN"); val != "" {
		c.PublicAPI.Addr = val
	}

	// Log configuration
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "true" || val == "1"
	}

	// Store configuration
	if val := os.Getenv("SWITCHBOARD_STORE_BACKEND"); val != "" {
		c.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("SWITCHBOARD_STORE_PATH"); val != "" {
		c.Store.SQLite.Path = val
	}

	// Queue configuration
	if val := os.Getenv("SWITCHBOARD_QUEUE_MODE"); val != "" {
		c.Queue.Mode = strings.ToLower(val)
	}
	if val := os.Getenv("REDIS_URL"); val != "" {
		c.Queue.RedisURL = val
	}
	if val := os.Getenv("ENABLE_DEV_IGNORE_QUEUE"); val != "" {
		if allow, err := strconv.ParseBool(val); err == nil {
			c.Queue.AllowDevIgnore = allow
		}
	}

	// Dispatcher configuration
	if val := os.Getenv("SWITCHBOARD_DISPATCHER_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil {
			c.Dispatcher.Workers = workers
		}
	}

	// Connector configuration
	if val := os.Getenv("SWITCHBOARD_MANIFEST_DIR"); val != "" {
		c.Connectors.ManifestDir = val
	}
	if val := os.Getenv("GENERIC_EXECUTOR_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.Connectors.GenericExecutorEnabled = enabled
		}
	}
	c.loadAppsScriptFlags(os.Environ())

	// Secrets configuration
	if val := os.Getenv("SWITCHBOARD_MASTER_KEY"); val != "" {
		c.Secrets.MasterKey = val
	}

	// Tracing configuration
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}

	// Platform identity
	if val := os.Getenv("DEFAULT_ORGANIZATION_REGION"); val != "" {
		c.DefaultOrganizationRegion = val
	}
	if val := os.Getenv("GIT_SHA"); val != "" {
		c.GitSHA = val
	}
}

// loadAppsScriptFlags scans the environment for APPS_SCRIPT_CONNECTOR_<ID>
// flags. The connector ID is the suffix lowercased, so
// APPS_SCRIPT_CONNECTOR_SHEETS=true gates connector "sheets".
func (c *Config) loadAppsScriptFlags(environ []string) {
	const prefix = "APPS_SCRIPT_CONNECTOR_"
	for _, entry := range environ {
		if !strings.HasPrefix(entry, prefix) {
			continue
		}
		key, val, ok := strings.Cut(entry[len(prefix):], "=")
		if !ok || key == "" {
			continue
		}
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			continue
		}
		if c.Connectors.AppsScript == nil {
			c.Connectors.AppsScript = make(map[string]bool)
		}
		c.Connectors.AppsScript[strings.ToLower(key)] = enabled
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Validate server configuration
	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be positive, got %v", c.Server.ShutdownTimeout))
	}

	// Validate public listener configuration
	if c.PublicAPI.Enabled && c.PublicAPI.Addr == "" {
		errs = append(errs, "public_api.addr is required when public_api.enabled is true")
	}
	if c.PublicAPI.Enabled && c.PublicAPI.Addr == c.Server.Addr {
		errs = append(errs, fmt.Sprintf("public_api.addr must differ from server.addr, both are %q", c.Server.Addr))
	}

	// Validate log configuration
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	// Validate store configuration
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			errs = append(errs, "store.sqlite.path is required when store.backend is sqlite")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("store.backend must be one of [sqlite, memory], got %q", c.Store.Backend))
	}
	if c.Store.SQLite.MaxOpenConns < 0 {
		errs = append(errs, fmt.Sprintf("store.sqlite.max_open_conns must be non-negative, got %d", c.Store.SQLite.MaxOpenConns))
	}

	// Validate queue configuration
	switch c.Queue.Mode {
	case "redis":
		if c.Queue.RedisURL == "" {
			errs = append(errs, "queue.redis_url is required when queue.mode is redis")
		}
	case "memory":
		if !c.Queue.AllowDevIgnore {
			errs = append(errs, "queue.mode memory is non-durable and requires ENABLE_DEV_IGNORE_QUEUE=true")
		}
	default:
		errs = append(errs, fmt.Sprintf("queue.mode must be one of [redis, memory], got %q", c.Queue.Mode))
	}
	if c.Queue.DeferralCap < 0 {
		errs = append(errs, fmt.Sprintf("queue.deferral_cap must be non-negative, got %d", c.Queue.DeferralCap))
	}

	// Validate poller configuration
	if c.Poller.Enabled {
		if c.Poller.Partitions < 1 {
			errs = append(errs, fmt.Sprintf("poller.partitions must be at least 1, got %d", c.Poller.Partitions))
		}
		if c.Poller.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("poller.interval must be positive, got %v", c.Poller.Interval))
		}
		if c.Poller.OutboxHighWater < 1 {
			errs = append(errs, fmt.Sprintf("poller.outbox_high_water must be at least 1, got %d", c.Poller.OutboxHighWater))
		}
	}

	// Validate outbox configuration
	if c.Outbox.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("outbox.max_attempts must be at least 1, got %d", c.Outbox.MaxAttempts))
	}
	if c.Outbox.BackoffBase <= 0 {
		errs = append(errs, fmt.Sprintf("outbox.backoff_base must be positive, got %v", c.Outbox.BackoffBase))
	}
	if c.Outbox.BackoffMax < c.Outbox.BackoffBase {
		errs = append(errs, fmt.Sprintf("outbox.backoff_max must be at least backoff_base, got %v < %v", c.Outbox.BackoffMax, c.Outbox.BackoffBase))
	}

	// Validate dispatcher configuration
	if c.Dispatcher.Workers < 1 {
		errs = append(errs, fmt.Sprintf("dispatcher.workers must be at least 1, got %d", c.Dispatcher.Workers))
	}
	if c.Dispatcher.DrainTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("dispatcher.drain_timeout must be positive, got %v", c.Dispatcher.DrainTimeout))
	}

	// Validate connector configuration
	if c.Connectors.ManifestDir == "" {
		errs = append(errs, "connectors.manifest_dir is required")
	}

	// Validate limits
	if c.Limits.MaxWebhookBodyBytes < 1 {
		errs = append(errs, fmt.Sprintf("limits.max_webhook_body_bytes must be positive, got %d", c.Limits.MaxWebhookBodyBytes))
	}
	if c.Limits.TransformTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("limits.transform_timeout must be positive, got %v", c.Limits.TransformTimeout))
	}
	if c.Limits.DefaultExecutionTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("limits.default_execution_timeout must be positive, got %v", c.Limits.DefaultExecutionTimeout))
	}

	// Validate secrets configuration
	validProviders := map[string]bool{"auto": true, "env": true, "file": true, "keyring": true}
	if !validProviders[c.Secrets.Provider] {
		errs = append(errs, fmt.Sprintf("secrets.provider must be one of [auto, env, file, keyring], got %q", c.Secrets.Provider))
	}
	if c.Secrets.Provider == "file" && c.Secrets.MasterKeyFile == "" {
		errs = append(errs, "secrets.master_key_file is required when secrets.provider is file")
	}

	// Validate tracing configuration
	validExporters := map[string]bool{"otlp-grpc": true, "otlp-http": true, "stdout": true, "none": true}
	if !validExporters[c.Tracing.Exporter] {
		errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [otlp-grpc, otlp-http, stdout, none], got %q", c.Tracing.Exporter))
	}
	if c.Tracing.Enabled && strings.HasPrefix(c.Tracing.Exporter, "otlp") && c.Tracing.Endpoint == "" {
		errs = append(errs, fmt.Sprintf("tracing.endpoint is required for exporter %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be in [0, 1], got %v", c.Tracing.SampleRate))
	}

	if c.DefaultOrganizationRegion == "" {
		errs = append(errs, "default_organization_region is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}
