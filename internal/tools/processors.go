package tools

import (
	"github.com/kubilitics/kubilitics-rca/internal/models"
)

// processor maps a raw gateway result onto the stored finding shape.
type processor func(raw map[string]any) map[string]any

var processors = map[string]processor{
	models.AgentLogs: func(r map[string]any) map[string]any {
		return map[string]any{
			"error_count":  first(r, 0, "error_count"),
			"errors":       first(r, []any{}, "errors"),
			"info":         first(r, []any{}, "info"),
			"key_patterns": first(r, []any{}, "key_patterns", "patterns"),
			"log_summary":  first(r, "", "log_summary", "summary"),
			"time_range":   first(r, "", "time_range"),
		}
	},
	models.AgentMetrics: func(r map[string]any) map[string]any {
		return map[string]any{
			"peak_value":    first(r, 0, "peak_value", "peak"),
			"average_value": first(r, 0, "average_value", "average"),
			"trend":         first(r, "", "trend"),
			"anomalies":     first(r, []any{}, "anomalies"),
		}
	},
	models.AgentTraces: func(r map[string]any) map[string]any {
		return map[string]any{
			"slow_spans":  first(r, []any{}, "slow_spans"),
			"error_spans": first(r, []any{}, "error_spans"),
			"summary":     first(r, "", "summary"),
		}
	},
	models.AgentResources: func(r map[string]any) map[string]any {
		return map[string]any{
			"resources": first(r, []any{}, "resources"),
			"summary":   first(r, "", "summary"),
		}
	},
	models.AgentNotification: func(r map[string]any) map[string]any {
		return map[string]any{
			"notification_sent": first(r, false, "notification_sent", "sent"),
			"recipients":        first(r, []any{}, "recipients"),
			"message":           first(r, "", "message"),
		}
	},
}

// Process normalises raw for kind. Results that share no field with the
// kind's shape are returned unchanged.
func Process(kind string, raw map[string]any) map[string]any {
	if raw == nil {
		return map[string]any{}
	}
	p, ok := processors[kind]
	if !ok || !recognised(kind, raw) {
		return raw
	}
	return p(raw)
}

var knownFields = map[string][]string{
	models.AgentLogs:         {"error_count", "errors", "info", "key_patterns", "patterns", "log_summary", "summary", "time_range"},
	models.AgentMetrics:      {"peak_value", "peak", "average_value", "average", "trend", "anomalies"},
	models.AgentTraces:       {"slow_spans", "error_spans", "summary"},
	models.AgentResources:    {"resources", "summary"},
	models.AgentNotification: {"notification_sent", "sent", "recipients", "message"},
}

func recognised(kind string, raw map[string]any) bool {
	for _, k := range knownFields[kind] {
		if _, ok := raw[k]; ok {
			return true
		}
	}
	return false
}

func first(r map[string]any, def any, keys ...string) any {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			return v
		}
	}
	return def
}
