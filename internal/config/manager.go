package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	mu         sync.RWMutex
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("KUBILITICS_RCA")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if err := m.readConfigFile(); err != nil {
		return err
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// readConfigFile reads the YAML file; a missing file falls back to defaults and env.
func (m *viperConfigManager) readConfigFile() error {
	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, err := range errs {
			msgs = append(msgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return nil
}

// Watch watches the config file and delivers every successfully reloaded and
// valid configuration. Invalid edits are dropped.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				return
			}
			if err := m.unmarshalConfig(); err != nil {
				return
			}
			cfg := *m.Get(ctx)
			if len(cfg.Validate()) > 0 {
				return
			}
			select {
			case m.watchChan <- cfg:
			default:
			}
		})
		m.viper.WatchConfig()
	})
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.readConfigFile(); err != nil {
		return err
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can resolve it.
func (m *viperConfigManager) setDefaults() {
	d := DefaultConfig()
	v := m.viper

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.alarm_rate_per_minute", d.Server.AlarmRatePerMinute)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)

	v.SetDefault("queue.backend", d.Queue.Backend)
	v.SetDefault("queue.url", d.Queue.URL)
	v.SetDefault("queue.stream", d.Queue.Stream)
	v.SetDefault("queue.subject", d.Queue.Subject)
	v.SetDefault("queue.durable", d.Queue.Durable)
	v.SetDefault("queue.ack_wait", d.Queue.AckWait)
	v.SetDefault("queue.max_deliver", d.Queue.MaxDeliver)
	v.SetDefault("queue.fetch_wait", d.Queue.FetchWait)
	v.SetDefault("queue.nak_delay", d.Queue.NakDelay)
	v.SetDefault("queue.nak_max_delay", d.Queue.NakMaxDelay)

	v.SetDefault("engine.max_rounds", d.Engine.MaxRounds)
	v.SetDefault("engine.max_duration", d.Engine.MaxDuration)
	v.SetDefault("engine.max_task_attempts", d.Engine.MaxTaskAttempts)
	v.SetDefault("engine.task_lease", d.Engine.TaskLease)
	v.SetDefault("engine.oracle_max_retries", d.Engine.OracleMaxRetries)
	v.SetDefault("engine.oracle_initial_backoff", d.Engine.OracleInitialBackoff)
	v.SetDefault("engine.oracle_max_backoff", d.Engine.OracleMaxBackoff)
	v.SetDefault("engine.oracle_timeout", d.Engine.OracleTimeout)
	v.SetDefault("engine.tool_timeout", d.Engine.ToolTimeout)
	v.SetDefault("engine.workers", d.Engine.Workers)
	v.SetDefault("engine.quality_min_confidence", d.Engine.QualityMinConfidence)
	v.SetDefault("engine.quality_notify", d.Engine.QualityNotify)

	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)

	v.SetDefault("tools.catalog_path", d.Tools.CatalogPath)
	v.SetDefault("tools.gateways", d.Tools.Gateways)
	v.SetDefault("tools.client_name", d.Tools.ClientName)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)

	v.SetDefault("audit.path", d.Audit.Path)
	v.SetDefault("audit.buffer_size", d.Audit.BufferSize)
	v.SetDefault("audit.flush_interval", d.Audit.FlushInterval)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.protocol", d.Tracing.Protocol)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
}

// unmarshalConfig copies viper state into a fresh Config.
func (m *viperConfigManager) unmarshalConfig() error {
	v := m.viper
	cfg := &Config{}

	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.ReadTimeout = v.GetDuration("server.read_timeout")
	cfg.Server.WriteTimeout = v.GetDuration("server.write_timeout")
	cfg.Server.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")
	cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	cfg.Server.AlarmRatePerMinute = v.GetInt("server.alarm_rate_per_minute")

	cfg.Database.Driver = v.GetString("database.driver")
	cfg.Database.DSN = v.GetString("database.dsn")

	cfg.Queue.Backend = v.GetString("queue.backend")
	cfg.Queue.URL = v.GetString("queue.url")
	cfg.Queue.Stream = v.GetString("queue.stream")
	cfg.Queue.Subject = v.GetString("queue.subject")
	cfg.Queue.Durable = v.GetString("queue.durable")
	cfg.Queue.AckWait = v.GetDuration("queue.ack_wait")
	cfg.Queue.MaxDeliver = v.GetInt("queue.max_deliver")
	cfg.Queue.FetchWait = v.GetDuration("queue.fetch_wait")
	cfg.Queue.NakDelay = v.GetDuration("queue.nak_delay")
	cfg.Queue.NakMaxDelay = v.GetDuration("queue.nak_max_delay")

	cfg.Engine.MaxRounds = v.GetInt("engine.max_rounds")
	cfg.Engine.MaxDuration = v.GetDuration("engine.max_duration")
	cfg.Engine.MaxTaskAttempts = v.GetInt("engine.max_task_attempts")
	cfg.Engine.TaskLease = v.GetDuration("engine.task_lease")
	cfg.Engine.OracleMaxRetries = v.GetInt("engine.oracle_max_retries")
	cfg.Engine.OracleInitialBackoff = v.GetDuration("engine.oracle_initial_backoff")
	cfg.Engine.OracleMaxBackoff = v.GetDuration("engine.oracle_max_backoff")
	cfg.Engine.OracleTimeout = v.GetDuration("engine.oracle_timeout")
	cfg.Engine.ToolTimeout = v.GetDuration("engine.tool_timeout")
	cfg.Engine.Workers = v.GetInt("engine.workers")
	cfg.Engine.QualityMinConfidence = v.GetFloat64("engine.quality_min_confidence")
	cfg.Engine.QualityNotify = v.GetBool("engine.quality_notify")

	cfg.LLM.APIKey = v.GetString("llm.api_key")
	cfg.LLM.Model = v.GetString("llm.model")
	cfg.LLM.MaxTokens = v.GetInt("llm.max_tokens")
	cfg.LLM.BaseURL = v.GetString("llm.base_url")

	cfg.Tools.CatalogPath = v.GetString("tools.catalog_path")
	cfg.Tools.Gateways = v.GetStringMapString("tools.gateways")
	cfg.Tools.ClientName = v.GetString("tools.client_name")

	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Logging.File = v.GetString("logging.file")
	cfg.Logging.MaxSizeMB = v.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = v.GetInt("logging.max_age_days")

	cfg.Audit.Path = v.GetString("audit.path")
	cfg.Audit.BufferSize = v.GetInt("audit.buffer_size")
	cfg.Audit.FlushInterval = v.GetDuration("audit.flush_interval")

	cfg.Tracing.Enabled = v.GetBool("tracing.enabled")
	cfg.Tracing.Endpoint = v.GetString("tracing.endpoint")
	cfg.Tracing.Protocol = v.GetString("tracing.protocol")
	cfg.Tracing.ServiceName = v.GetString("tracing.service_name")
	cfg.Tracing.SampleRatio = v.GetFloat64("tracing.sample_ratio")

	applyEnvOverrides(cfg)

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// gatewayEnv maps gateway names to their conventional URL variables.
var gatewayEnv = map[string]string{
	"observability-gateway": "OBSERVABILITY_GATEWAY_URL",
	"resources-gateway":     "RESOURCES_GATEWAY_URL",
	"notification-gateway":  "NOTIFICATION_GATEWAY_URL",
}

// applyEnvOverrides applies conventional variables for secrets and endpoints.
func applyEnvOverrides(cfg *Config) {
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = apiKey
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.Queue.URL = url
	}
	if cfg.Tools.Gateways == nil {
		cfg.Tools.Gateways = make(map[string]string)
	}
	for name, env := range gatewayEnv {
		if url := os.Getenv(env); url != "" {
			cfg.Tools.Gateways[name] = url
		}
	}
}
