// Package prompt renders the oracle prompts for planning, re-evaluating and
// summarising an investigation. The agent catalog is embedded in the system
// prompts so the oracle only proposes kinds the tool layer can run.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/kubilitics/kubilitics-rca/internal/models"
)

// Operation names one oracle call.
type Operation string

const (
	OpProposeWorkflow Operation = "propose_workflow"
	OpReviseWorkflow  Operation = "revise_workflow"
	OpSummarize       Operation = "summarize"
)

// Capability is one agent kind as shown to the oracle.
type Capability struct {
	Kind        string
	Description string
}

// Manager renders system and user prompts.
type Manager struct {
	system    map[Operation]string
	propose   *template.Template
	revise    *template.Template
	summarize *template.Template
}

// NewManager renders the system prompts once for the given catalog.
func NewManager(caps []Capability) (*Manager, error) {
	m := &Manager{system: make(map[Operation]string, 3)}

	data := struct{ Capabilities []Capability }{caps}
	for op, src := range map[Operation]string{
		OpProposeWorkflow: plannerSystemPrompt,
		OpReviseWorkflow:  evaluatorSystemPrompt,
		OpSummarize:       summarizerSystemPrompt,
	} {
		t, err := template.New(string(op) + "_system").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse %s system prompt: %w", op, err)
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render %s system prompt: %w", op, err)
		}
		m.system[op] = buf.String()
	}

	var err error
	if m.propose, err = template.New("propose").Parse(proposeTemplate); err != nil {
		return nil, err
	}
	if m.revise, err = template.New("revise").Parse(reviseTemplate); err != nil {
		return nil, err
	}
	if m.summarize, err = template.New("summarize").Parse(summarizeTemplate); err != nil {
		return nil, err
	}
	return m, nil
}

// SystemPrompt returns the rendered system prompt for op.
func (m *Manager) SystemPrompt(op Operation) string {
	return m.system[op]
}

func (m *Manager) RenderPropose(investigationID string, alarm models.Alarm) (string, error) {
	return render(m.propose, struct {
		InvestigationID string
		AlarmSummary    string
		AlarmText       string
	}{investigationID, alarm.Summary(), alarm.Text})
}

func (m *Manager) RenderRevise(c *models.Context, tasks []models.Task, maxRounds int) (string, error) {
	return render(m.revise, struct {
		Context      *models.Context
		Tasks        []models.Task
		MaxRounds    int
		AlarmSummary string
		FindingsJSON string
	}{c, tasks, maxRounds, c.Alarm.Summary(), findingsJSON(c)})
}

func (m *Manager) RenderSummarize(c *models.Context, tasks []models.Task) (string, error) {
	return render(m.summarize, struct {
		Context      *models.Context
		Tasks        []models.Task
		AlarmSummary string
		FindingsJSON string
	}{c, tasks, c.Alarm.Summary(), findingsJSON(c)})
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func findingsJSON(c *models.Context) string {
	if len(c.Findings) == 0 {
		return "(none yet)"
	}
	b, err := json.MarshalIndent(c.Findings, "", "  ")
	if err != nil {
		return "(unavailable)"
	}
	return string(b)
}
