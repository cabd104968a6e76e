package config

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, invalid("server.port", "port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.AlarmRatePerMinute < 0 {
		errs = append(errs, invalid("server.alarm_rate_per_minute", "must not be negative"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, invalid("server.shutdown_timeout", "must be positive"))
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, invalid("database.driver", "invalid driver %q (expected sqlite or postgres)", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, invalid("database.dsn", "dsn is required"))
	}

	switch c.Queue.Backend {
	case "memory":
	case "jetstream":
		if _, err := url.Parse(c.Queue.URL); err != nil || c.Queue.URL == "" {
			errs = append(errs, invalid("queue.url", "a valid NATS url is required for jetstream"))
		}
		if c.Queue.Stream == "" || c.Queue.Subject == "" || c.Queue.Durable == "" {
			errs = append(errs, invalid("queue", "stream, subject and durable are required for jetstream"))
		}
		if c.Queue.MaxDeliver < 1 {
			errs = append(errs, invalid("queue.max_deliver", "must be at least 1, got %d", c.Queue.MaxDeliver))
		}
	default:
		errs = append(errs, invalid("queue.backend", "invalid backend %q (expected memory or jetstream)", c.Queue.Backend))
	}
	if c.Queue.NakDelay < 0 || c.Queue.NakMaxDelay < 0 {
		errs = append(errs, invalid("queue.nak_delay", "delays must not be negative"))
	} else if c.Queue.NakMaxDelay > 0 && c.Queue.NakDelay > c.Queue.NakMaxDelay {
		errs = append(errs, invalid("queue.nak_delay", "%s exceeds queue.nak_max_delay %s", c.Queue.NakDelay, c.Queue.NakMaxDelay))
	}

	errs = append(errs, c.Engine.validate()...)

	if c.LLM.Model == "" {
		errs = append(errs, invalid("llm.model", "model is required"))
	}
	if c.LLM.MaxTokens < 1 {
		errs = append(errs, invalid("llm.max_tokens", "must be positive, got %d", c.LLM.MaxTokens))
	}

	for name, endpoint := range c.Tools.Gateways {
		if endpoint == "" {
			continue
		}
		if u, err := url.Parse(endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, invalid("tools.gateways."+name, "invalid url %q", endpoint))
		}
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, invalid("logging.level", "invalid level %q", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, invalid("logging.format", "invalid format %q (expected json or console)", c.Logging.Format))
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, invalid("tracing.endpoint", "endpoint is required when tracing is enabled"))
	}
	if c.Tracing.Protocol != "http" && c.Tracing.Protocol != "grpc" {
		errs = append(errs, invalid("tracing.protocol", "invalid protocol %q (expected http or grpc)", c.Tracing.Protocol))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, invalid("tracing.sample_ratio", "must be within [0,1], got %v", c.Tracing.SampleRatio))
	}

	return errs
}

func (e EngineConfig) validate() []error {
	var errs []error
	if e.MaxRounds < 1 {
		errs = append(errs, invalid("engine.max_rounds", "must be at least 1, got %d", e.MaxRounds))
	}
	if e.MaxDuration <= 0 {
		errs = append(errs, invalid("engine.max_duration", "must be positive"))
	}
	if e.MaxTaskAttempts < 1 {
		errs = append(errs, invalid("engine.max_task_attempts", "must be at least 1, got %d", e.MaxTaskAttempts))
	}
	if e.OracleMaxRetries < 0 {
		errs = append(errs, invalid("engine.oracle_max_retries", "cannot be negative"))
	}
	if e.OracleTimeout <= 0 || e.ToolTimeout <= 0 {
		errs = append(errs, invalid("engine", "oracle_timeout and tool_timeout must be positive"))
	}
	if e.TaskLease <= e.ToolTimeout {
		errs = append(errs, invalid("engine.task_lease", "must exceed tool_timeout (%s), got %s", e.ToolTimeout, e.TaskLease))
	}
	if e.Workers < 1 {
		errs = append(errs, invalid("engine.workers", "must be at least 1, got %d", e.Workers))
	}
	if e.QualityMinConfidence < 0 || e.QualityMinConfidence > 1 {
		errs = append(errs, invalid("engine.quality_min_confidence", "must be within [0,1], got %v", e.QualityMinConfidence))
	}
	return errs
}
