package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Investigation lifecycle
	EventInvestigationStarted   EventType = "investigation.started"
	EventInvestigationPlanned   EventType = "investigation.planned"
	EventInvestigationEvaluated EventType = "investigation.evaluated"
	EventInvestigationConcluded EventType = "investigation.concluded"
	EventInvestigationFailed    EventType = "investigation.failed"
	EventTerminationForced      EventType = "investigation.termination_forced"
	EventInvestigationOverride  EventType = "investigation.overridden"
	EventInvestigationDeleted   EventType = "investigation.deleted"
	EventQualityAlert           EventType = "investigation.quality_alert"

	// Task events
	EventTaskExecuted EventType = "task.executed"
	EventTaskRetried  EventType = "task.retried"
	EventTaskFailed   EventType = "task.failed"

	// System events
	EventConfigChanged  EventType = "config.changed"
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
	ResultDenied  Result = "denied"
)

// Event represents a single audit event
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Actor is the caller identity attached to the triggering message.
	Actor string `json:"actor,omitempty"`

	AgentKind   string         `json:"agent_kind,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Round       int            `json:"round"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]any),
	}
}

// WithCorrelationID sets the investigation the event belongs to.
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

func (e *Event) WithActor(actor string) *Event {
	e.Actor = actor
	return e
}

// WithTask ties the event to one task of the investigation.
func (e *Event) WithTask(taskID, agentKind string) *Event {
	e.TaskID = taskID
	e.AgentKind = agentKind
	return e
}

func (e *Event) WithRound(round int) *Event {
	e.Round = round
	return e
}

func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError records err and marks the event failed. A nil err is ignored.
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

func (e *Event) WithDuration(d time.Duration) *Event {
	e.DurationMs = d.Milliseconds()
	return e
}

func (e *Event) WithMetadata(key string, value any) *Event {
	e.Metadata[key] = value
	return e
}
