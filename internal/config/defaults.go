package config

import "time"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8090
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.AlarmRatePerMinute = 120

	// Database defaults
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "/var/lib/kubilitics/kubilitics-rca.db"

	// Queue defaults
	cfg.Queue.Backend = "memory"
	cfg.Queue.URL = "nats://127.0.0.1:4222"
	cfg.Queue.Stream = "RCA_INVESTIGATIONS"
	cfg.Queue.Subject = "rca.envelopes"
	cfg.Queue.Durable = "rca-engine"
	cfg.Queue.AckWait = 5 * time.Minute
	cfg.Queue.MaxDeliver = 5
	cfg.Queue.FetchWait = 5 * time.Second
	cfg.Queue.NakDelay = 2 * time.Second
	cfg.Queue.NakMaxDelay = time.Minute

	// Engine defaults
	cfg.Engine.MaxRounds = 5
	cfg.Engine.MaxDuration = 30 * time.Minute
	cfg.Engine.MaxTaskAttempts = 3
	cfg.Engine.TaskLease = 3 * time.Minute
	cfg.Engine.OracleMaxRetries = 3
	cfg.Engine.OracleInitialBackoff = 500 * time.Millisecond
	cfg.Engine.OracleMaxBackoff = 10 * time.Second
	cfg.Engine.OracleTimeout = 90 * time.Second
	cfg.Engine.ToolTimeout = 2 * time.Minute
	cfg.Engine.Workers = 4
	cfg.Engine.QualityMinConfidence = 0.6
	cfg.Engine.QualityNotify = false

	// LLM defaults
	cfg.LLM.Model = "claude-sonnet-4-5"
	cfg.LLM.MaxTokens = 4096

	// Tools defaults
	cfg.Tools.Gateways = map[string]string{
		"observability-gateway": "",
		"resources-gateway":     "",
		"notification-gateway":  "",
	}
	cfg.Tools.ClientName = "kubilitics-rca"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30

	// Audit defaults
	cfg.Audit.Path = "logs/audit.log"
	cfg.Audit.BufferSize = 100
	cfg.Audit.FlushInterval = time.Second

	// Tracing defaults
	cfg.Tracing.Protocol = "http"
	cfg.Tracing.ServiceName = "kubilitics-rca"
	cfg.Tracing.SampleRatio = 1.0

	return cfg
}
