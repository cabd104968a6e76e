package config

import (
	"context"
	"time"
)

// Package config provides configuration management for kubilitics-rca.
//
// Configuration sources (priority order, high to low):
//   1. Environment variables (KUBILITICS_RCA_* prefix, "." replaced by "_")
//   2. YAML config file (default: /etc/kubilitics/rca.yaml)
//   3. Built-in defaults
//
// Provider secrets and gateway URLs are also read from their conventional
// variables (ANTHROPIC_API_KEY, OBSERVABILITY_GATEWAY_URL, ...).

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// AllowedOrigins is used for CORS and websocket origin checks. ["*"] allows any.
	AllowedOrigins []string
	// AlarmRatePerMinute caps alarm submissions per client; 0 disables the limit.
	AlarmRatePerMinute int
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver string // "sqlite" | "postgres"
	DSN    string
}

// QueueConfig selects the task queue backend.
type QueueConfig struct {
	Backend    string // "memory" | "jetstream"
	URL        string
	Stream     string
	Subject    string
	Durable    string
	AckWait    time.Duration
	MaxDeliver int
	FetchWait  time.Duration
	// NakDelay is the first redelivery delay after a failed handling; it
	// doubles per delivery up to NakMaxDelay. Zero redelivers at once.
	NakDelay    time.Duration
	NakMaxDelay time.Duration
}

// EngineConfig holds the orchestration limits.
type EngineConfig struct {
	MaxRounds            int
	MaxDuration          time.Duration
	MaxTaskAttempts      int
	TaskLease            time.Duration
	OracleMaxRetries     int
	OracleInitialBackoff time.Duration
	OracleMaxBackoff     time.Duration
	OracleTimeout        time.Duration
	ToolTimeout          time.Duration
	Workers              int
	QualityMinConfidence float64
	QualityNotify        bool
}

// LLMConfig configures the Anthropic-backed oracle.
type LLMConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	BaseURL   string
}

// ToolsConfig configures the agent gateways.
type ToolsConfig struct {
	// CatalogPath optionally points to a YAML capability catalog.
	CatalogPath string
	// Gateways maps gateway name to its MCP endpoint URL.
	Gateways   map[string]string
	ClientName string
}

// LoggingConfig configures the application logger.
type LoggingConfig struct {
	Level      string // "debug" | "info" | "warn" | "error"
	Format     string // "json" | "console"
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	Path          string
	BufferSize    int
	FlushInterval time.Duration
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Protocol    string // "http" | "grpc"
	ServiceName string
	SampleRatio float64
}

// Config contains all configuration fields.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Queue    QueueConfig
	Engine   EngineConfig
	LLM      LLMConfig
	Tools    ToolsConfig
	Logging  LoggingConfig
	Audit    AuditConfig
	Tracing  TracingConfig
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch delivers reloaded configurations when the file changes.
	Watch(ctx context.Context) <-chan Config

	// Reload re-reads the configuration sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	return &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}, nil
}

// NewConfigManagerWithDefaults creates a config manager with the default path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/kubilitics/rca.yaml")
}
