package db

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-rca/internal/models"
)

// Store is the persistence interface used by the orchestration engine. The
// context and workflow halves are kept separate so the investigation
// narrative and its plan can live in different backends.
type Store interface {
	ContextStore
	WorkflowStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Context store ────────────────────────────────────────────────────────────

// ContextStore holds the investigation aggregate. Every method is an atomic
// partial update of one investigation; none rewrites the whole row.
type ContextStore interface {
	// CreateContext inserts a new investigation row if none exists.
	// created is false when the id was already known.
	CreateContext(ctx context.Context, id string, alarm models.Alarm, status models.Status) (created bool, err error)

	// GetContext returns the full aggregate including findings and timeline.
	// Returns models.ErrNotFound for unknown ids.
	GetContext(ctx context.Context, id string) (*models.Context, error)

	// ListContexts returns investigations newest first, without findings or timeline.
	ListContexts(ctx context.Context, limit, offset int) ([]*models.Context, error)

	// PutFinding sets the finding under its composite key, overwriting any
	// previous value for the same key.
	PutFinding(ctx context.Context, id string, f models.Finding) error

	// AppendTimeline appends one entry. Entries are never rewritten.
	AppendTimeline(ctx context.Context, id string, description, agentKind string) error

	// SetStatus unconditionally sets status and the error message.
	SetStatus(ctx context.Context, id string, status models.Status, errMsg string) error

	// TransitionStatus moves from -> to only if the current status is from.
	TransitionStatus(ctx context.Context, id string, from, to models.Status) (bool, error)

	// TransitionStatusAtRound is TransitionStatus guarded by the current round.
	TransitionStatusAtRound(ctx context.Context, id string, round int, from, to models.Status) (bool, error)

	SetConfidence(ctx context.Context, id string, confidence float64) error

	SetHypothesis(ctx context.Context, id string, hypothesis string, candidates []models.RootCauseCandidate) error

	// AdvanceRound moves (round=from, EVALUATING) to (round=from+1, EXECUTING)
	// in one conditional write.
	AdvanceRound(ctx context.Context, id string, from int) (bool, error)

	// SaveReport writes or replaces the investigation report.
	SaveReport(ctx context.Context, r *models.Report) error

	// GetReport returns models.ErrNotFound when no report exists.
	GetReport(ctx context.Context, id string) (*models.Report, error)

	// DeleteContext removes the aggregate, its findings, timeline and report.
	DeleteContext(ctx context.Context, id string) error
}

// ─── Workflow store ───────────────────────────────────────────────────────────

// WorkflowStore holds the task plan of each investigation.
type WorkflowStore interface {
	// AppendTasks persists a batch of tasks created in round. At most one
	// batch is accepted per (investigation, round); later calls return false.
	// Task ids continue the per-investigation sequence (task-1, task-2, ...).
	AppendTasks(ctx context.Context, id string, round int, specs []models.TaskSpec) (bool, error)

	// GetTasks returns tasks ordered by created_in_round then sequence.
	GetTasks(ctx context.Context, id string) ([]models.Task, error)

	// SetTaskStatus is a compare-and-swap on the task status. It returns
	// false without error when the current status is not from.
	SetTaskStatus(ctx context.Context, id, taskID string, from, to models.TaskStatus) (bool, error)

	// ReclaimTask returns an in_progress task to pending when it was last
	// touched before staleBefore.
	ReclaimTask(ctx context.Context, id, taskID string, staleBefore time.Time) (bool, error)

	// RecordAttempt increments the attempt counter and returns the new value.
	RecordAttempt(ctx context.Context, id, taskID, errMsg string) (int, error)

	// DeleteWorkflow removes every task of the investigation.
	DeleteWorkflow(ctx context.Context, id string) error
}
