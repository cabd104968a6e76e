// Package models defines the core data types shared by the stores, the queue,
// the oracle and the orchestration engine.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of an investigation.
type Status string

const (
	StatusNew        Status = "NEW"
	StatusPlanning   Status = "PLANNING"
	StatusExecuting  Status = "EXECUTING"
	StatusEvaluating Status = "EVALUATING"
	StatusConcluded  Status = "CONCLUDED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further envelopes are processed in this state.
func (s Status) Terminal() bool {
	return s == StatusConcluded || s == StatusFailed
}

// ParseStatus maps a string onto a known status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusNew, StatusPlanning, StatusExecuting, StatusEvaluating, StatusConcluded, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown investigation status: %q", s)
}

// TaskStatus is the state of a single task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
)

// Agent kinds understood by the tool layer.
const (
	AgentLogs         = "logs"
	AgentMetrics      = "metrics"
	AgentTraces       = "traces"
	AgentResources    = "resources"
	AgentNotification = "notification"
)

// Task priorities.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Task is one unit of investigative work.
type Task struct {
	InvestigationID string     `json:"investigation_id"`
	ID              string     `json:"task_id"`
	Seq             int        `json:"seq"`
	AgentKind       string     `json:"agent_kind"`
	Prompt          string     `json:"prompt"`
	Description     string     `json:"description,omitempty"`
	Priority        string     `json:"priority"`
	Status          TaskStatus `json:"status"`
	CreatedInRound  int        `json:"created_in_round"`
	Attempts        int        `json:"attempts"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TaskSpec is a task as proposed by the oracle, before it is persisted.
type TaskSpec struct {
	AgentKind   string `json:"agent_kind"`
	Prompt      string `json:"prompt"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// TaskID formats the per-investigation task identifier.
func TaskID(seq int) string {
	return fmt.Sprintf("task-%d", seq)
}

// FindingKey is the deduplication key of a finding inside one investigation.
func FindingKey(taskID, agentKind string) string {
	return taskID + "_" + agentKind
}

// Finding is the result of executing one task.
type Finding struct {
	TaskID     string         `json:"task_id"`
	AgentKind  string         `json:"agent_kind"`
	Payload    map[string]any `json:"payload"`
	ProducedAt time.Time      `json:"produced_at"`
}

// Key returns the composite finding key.
func (f Finding) Key() string {
	return FindingKey(f.TaskID, f.AgentKind)
}

// TimelineEntry is one append-only audit line of an investigation.
type TimelineEntry struct {
	Seq         int       `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	AgentKind   string    `json:"agent_kind,omitempty"`
}

// RootCauseCandidate is a possible explanation for the alarm.
type RootCauseCandidate struct {
	Description        string   `json:"description"`
	Probability        float64  `json:"probability"`
	SupportingEvidence []string `json:"supporting_evidence,omitempty"`
	MitigationSteps    []string `json:"mitigation_steps,omitempty"`
}

// Context is the materialized investigation aggregate held by the context store.
type Context struct {
	InvestigationID     string               `json:"investigation_id"`
	Status              Status               `json:"status"`
	Alarm               Alarm                `json:"alarm_summary"`
	Confidence          float64              `json:"confidence"`
	Hypothesis          string               `json:"hypothesis,omitempty"`
	RootCauseCandidates []RootCauseCandidate `json:"root_cause_candidates,omitempty"`
	Round               int                  `json:"round"`
	Version             int                  `json:"version"`
	Findings            map[string]Finding   `json:"findings"`
	Timeline            []TimelineEntry      `json:"timeline"`
	Error               string               `json:"error,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// DecisionAction is the oracle's verdict after a round.
type DecisionAction string

const (
	ActionContinue DecisionAction = "continue"
	ActionExtend   DecisionAction = "extend"
	ActionConclude DecisionAction = "conclude"
)

// Decision is the result of reviseWorkflow.
type Decision struct {
	Action              DecisionAction       `json:"action"`
	Confidence          float64              `json:"confidence"`
	NewTasks            []TaskSpec           `json:"new_tasks,omitempty"`
	Hypothesis          string               `json:"hypothesis,omitempty"`
	RootCauseCandidates []RootCauseCandidate `json:"root_cause_candidates,omitempty"`
	Reasoning           string               `json:"reasoning,omitempty"`
}

// Termination reasons recorded when the engine concludes on its own.
const (
	TerminationMaxRounds      = "max_rounds"
	TerminationMaxDuration    = "max_duration"
	TerminationNoPendingTasks = "no_pending_tasks"
	TerminationOverride       = "override"
)

// Report is the final summary of a concluded investigation.
type Report struct {
	InvestigationID     string               `json:"investigation_id"`
	Narrative           string               `json:"narrative"`
	RootCauseCandidates []RootCauseCandidate `json:"root_cause_candidates"`
	Recommendations     []string             `json:"recommendations"`
	Confidence          float64              `json:"confidence"`
	Rounds              int                  `json:"rounds"`
	TerminationForced   bool                 `json:"termination_forced"`
	TerminationReason   string               `json:"termination_reason,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
}

// EnvelopeType routes a queue message to its handler.
type EnvelopeType string

const (
	EnvelopeAlarm      EnvelopeType = "ALARM"
	EnvelopeExecution  EnvelopeType = "EXECUTION"
	EnvelopeReEvaluate EnvelopeType = "RE_EVALUATE"
)

// Envelope is a message carried on the task queue.
type Envelope struct {
	MessageID       string          `json:"message_id"`
	Type            EnvelopeType    `json:"type"`
	InvestigationID string          `json:"investigation_id"`
	Round           int             `json:"round"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	SentAt          time.Time       `json:"sent_at"`
}

// Validate checks the routing fields of an envelope.
func (e Envelope) Validate() error {
	switch e.Type {
	case EnvelopeAlarm, EnvelopeExecution, EnvelopeReEvaluate:
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	if e.InvestigationID == "" {
		return fmt.Errorf("envelope %s has no investigation_id", e.Type)
	}
	if e.Round < 0 {
		return fmt.Errorf("envelope %s has negative round %d", e.Type, e.Round)
	}
	return nil
}

// Clamp01 bounds v to [0,1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
