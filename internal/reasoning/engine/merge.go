package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kubilitics/kubilitics-rca/internal/models"
)

// mergeFinding stores the payload under <task_id>_<agent_kind> and records
// it on the timeline. Redelivered results overwrite the same key.
func (e *Engine) mergeFinding(ctx context.Context, id string, task models.Task, payload map[string]any) error {
	f := models.Finding{
		TaskID:     task.ID,
		AgentKind:  task.AgentKind,
		Payload:    payload,
		ProducedAt: e.now(),
	}
	if err := e.store.PutFinding(ctx, id, f); err != nil {
		return fmt.Errorf("merge finding %s: %w", f.Key(), err)
	}
	e.timeline(ctx, id, fmt.Sprintf("%s (%s) completed: %s", task.ID, task.AgentKind, describePayload(payload)), task.AgentKind)
	return nil
}

// describePayload renders a one-line digest of a finding for the timeline.
func describePayload(p map[string]any) string {
	for _, k := range []string{"log_summary", "summary", "message", "text"} {
		if s, ok := p[k].(string); ok && s != "" {
			return clip(s, 160)
		}
	}
	if len(p) == 0 {
		return "no data"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "fields " + strings.Join(keys, ", ")
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return models.Truncate(s, n) + "..."
}
