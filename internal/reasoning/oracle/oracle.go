// Package oracle is the reasoning capability that plans, revises and
// summarises investigations. Every call is bounded by the caller's context
// and may fail; failures wrap models.ErrOracleUnavailable.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kubilitics/kubilitics-rca/internal/models"
)

// Oracle proposes, revises and summarises investigation workflows.
type Oracle interface {
	// ProposeWorkflow returns the initial task list for an alarm.
	ProposeWorkflow(ctx context.Context, investigationID string, alarm models.Alarm) ([]models.TaskSpec, error)

	// ReviseWorkflow decides the next step from the current context and plan.
	ReviseWorkflow(ctx context.Context, c *models.Context, tasks []models.Task) (models.Decision, error)

	// Summarize writes the final report.
	Summarize(ctx context.Context, c *models.Context, tasks []models.Task) (*models.Report, error)
}

type wireTask struct {
	AgentKind   string `json:"agent_kind"`
	AgentType   string `json:"agent_type"`
	Prompt      string `json:"prompt"`
	Description string `json:"description"`
	Priority    any    `json:"priority"`
}

func (w wireTask) spec() models.TaskSpec {
	kind := w.AgentKind
	if kind == "" {
		kind = w.AgentType
	}
	s := models.TaskSpec{
		AgentKind:   normalizeKind(kind),
		Prompt:      strings.TrimSpace(w.Prompt),
		Description: strings.TrimSpace(w.Description),
		Priority:    normalizePriority(w.Priority),
	}
	if s.Prompt == "" {
		s.Prompt = s.Description
	}
	return s
}

type wireProposal struct {
	Tasks []wireTask `json:"tasks"`
}

type wireDecision struct {
	Action              string                      `json:"action"`
	Confidence          float64                     `json:"confidence"`
	Hypothesis          string                      `json:"hypothesis"`
	RootCauseCandidates []models.RootCauseCandidate `json:"root_cause_candidates"`
	NewTasks            []wireTask                  `json:"new_tasks"`
	Reasoning           string                      `json:"reasoning"`
}

type wireReport struct {
	Narrative           string                      `json:"narrative"`
	RootCauseCandidates []models.RootCauseCandidate `json:"root_cause_candidates"`
	Recommendations     []string                    `json:"recommendations"`
	Confidence          *float64                    `json:"confidence"`
}

// ParseProposal decodes a proposeWorkflow response.
func ParseProposal(text string) ([]models.TaskSpec, error) {
	raw, ok := extractJSONBlock(text)
	if !ok {
		return nil, invalidResponse("proposal has no JSON object")
	}
	var p wireProposal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, invalidResponse("decode proposal: %v", err)
	}
	specs := make([]models.TaskSpec, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		s := t.spec()
		if s.AgentKind == "" || s.Prompt == "" {
			continue
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// ParseDecision decodes a reviseWorkflow response.
func ParseDecision(text string) (models.Decision, error) {
	raw, ok := extractJSONBlock(text)
	if !ok {
		return models.Decision{}, invalidResponse("decision has no JSON object")
	}
	var w wireDecision
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return models.Decision{}, invalidResponse("decode decision: %v", err)
	}

	d := models.Decision{
		Action:              models.DecisionAction(strings.ToLower(strings.TrimSpace(w.Action))),
		Confidence:          models.Clamp01(w.Confidence),
		Hypothesis:          strings.TrimSpace(w.Hypothesis),
		RootCauseCandidates: clampCandidates(w.RootCauseCandidates),
		Reasoning:           w.Reasoning,
	}
	switch d.Action {
	case models.ActionContinue, models.ActionExtend, models.ActionConclude:
	default:
		return models.Decision{}, invalidResponse("unknown action %q", w.Action)
	}
	for _, t := range w.NewTasks {
		if s := t.spec(); s.AgentKind != "" && s.Prompt != "" {
			d.NewTasks = append(d.NewTasks, s)
		}
	}
	return d, nil
}

// ParseReport decodes a summarize response. Prose without a JSON object is
// kept as the narrative.
func ParseReport(investigationID, text string) *models.Report {
	r := &models.Report{InvestigationID: investigationID}
	raw, ok := extractJSONBlock(text)
	var w wireReport
	if !ok || json.Unmarshal([]byte(raw), &w) != nil {
		r.Narrative = strings.TrimSpace(text)
		return r
	}
	r.Narrative = strings.TrimSpace(w.Narrative)
	r.RootCauseCandidates = clampCandidates(w.RootCauseCandidates)
	r.Recommendations = w.Recommendations
	if w.Confidence != nil {
		r.Confidence = models.Clamp01(*w.Confidence)
	}
	return r
}

func clampCandidates(in []models.RootCauseCandidate) []models.RootCauseCandidate {
	out := make([]models.RootCauseCandidate, 0, len(in))
	for _, c := range in {
		if strings.TrimSpace(c.Description) == "" {
			continue
		}
		c.Probability = models.Clamp01(c.Probability)
		out = append(out, c)
	}
	return out
}

func normalizeKind(kind string) string {
	k := strings.ToLower(strings.TrimSpace(kind))
	k = strings.TrimSuffix(k, "agent")
	return strings.TrimSpace(strings.TrimSuffix(k, "_"))
}

func normalizePriority(v any) string {
	switch p := v.(type) {
	case string:
		switch strings.ToLower(strings.TrimSpace(p)) {
		case models.PriorityHigh, "1":
			return models.PriorityHigh
		case models.PriorityLow:
			return models.PriorityLow
		}
	case float64:
		switch {
		case p <= 1:
			return models.PriorityHigh
		case p >= 3:
			return models.PriorityLow
		}
	}
	return models.PriorityMedium
}

// extractJSONBlock strips optional markdown fences and returns the outermost
// JSON object in the response.
func extractJSONBlock(response string) (string, bool) {
	stripped := response
	for _, fence := range []string{"```json", "```JSON", "```"} {
		if idx := strings.Index(stripped, fence); idx != -1 {
			stripped = stripped[idx+len(fence):]
			if end := strings.Index(stripped, "```"); end != -1 {
				stripped = stripped[:end]
			}
			break
		}
	}
	start := strings.Index(stripped, "{")
	end := strings.LastIndex(stripped, "}")
	if start != -1 && end > start {
		return stripped[start : end+1], true
	}
	return "", false
}

func invalidResponse(format string, args ...any) error {
	return fmt.Errorf("%w: invalid oracle response: %s", models.ErrOracleUnavailable, fmt.Sprintf(format, args...))
}
