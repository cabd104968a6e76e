package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/audit"
	"github.com/kubilitics/kubilitics-rca/internal/metrics"
	"github.com/kubilitics/kubilitics-rca/internal/models"
	"github.com/kubilitics/kubilitics-rca/internal/tools"
	"github.com/kubilitics/kubilitics-rca/internal/tracing"
)

// handleExecution runs at most one task of the current round. At most one
// task per investigation is in_progress at a time; while it is, no other
// worker moves the round on.
func (e *Engine) handleExecution(ctx context.Context, env models.Envelope) error {
	id, round := env.InvestigationID, env.Round

	c, err := e.store.GetContext(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != models.StatusExecuting || c.Round != round {
		e.stale(env, c)
		// The round already closed; its RE_EVALUATE may never have been sent.
		if c.Status == models.StatusEvaluating && c.Round == round {
			return e.followUp(ctx, models.EnvelopeReEvaluate, id, round)
		}
		return nil
	}

	tasks, err := e.store.GetTasks(ctx, id)
	if err != nil {
		return err
	}
	busy, reclaimed, err := e.reclaimStale(ctx, id, tasks)
	if err != nil {
		return err
	}
	if busy {
		e.logger.Debug("task already in progress, duplicate execution skipped",
			zap.String("investigation_id", id), zap.Int("round", round))
		return nil
	}
	if reclaimed {
		if tasks, err = e.store.GetTasks(ctx, id); err != nil {
			return err
		}
	}

	next := firstPending(tasks)
	if next == nil {
		return e.toEvaluating(ctx, id, round)
	}

	won, err := e.store.SetTaskStatus(ctx, id, next.ID, models.TaskPending, models.TaskInProgress)
	if err != nil {
		return err
	}
	if !won {
		metrics.StorageConflicts.WithLabelValues("claim_task").Inc()
		return nil
	}
	// The round may have moved between the read and the claim.
	if c, err = e.store.GetContext(ctx, id); err != nil {
		return err
	}
	if c.Status != models.StatusExecuting || c.Round != round {
		if _, err := e.store.SetTaskStatus(ctx, id, next.ID, models.TaskInProgress, models.TaskPending); err != nil {
			return err
		}
		e.stale(env, c)
		return nil
	}

	if err := e.runTask(ctx, c, *next); err != nil {
		e.releaseClaim(ctx, id, next.ID)
		return err
	}
	return nil
}

// releaseClaim puts a task back to pending after a failed run so the
// redelivered EXECUTION can pick it up. It is a no-op once the task left
// in_progress.
func (e *Engine) releaseClaim(ctx context.Context, id, taskID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	released, err := e.store.SetTaskStatus(ctx, id, taskID, models.TaskInProgress, models.TaskPending)
	if err != nil {
		e.logger.Warn("failed to release task claim, waiting for lease expiry",
			zap.String("investigation_id", id),
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	if released {
		e.logger.Info("task claim released after error",
			zap.String("investigation_id", id),
			zap.String("task_id", taskID))
	}
}

// reclaimStale returns busy when a task is in progress within its lease.
// Tasks whose lease expired are put back to pending.
func (e *Engine) reclaimStale(ctx context.Context, id string, tasks []models.Task) (busy, reclaimed bool, err error) {
	staleBefore := e.now().Add(-e.opts.TaskLease)
	for _, t := range tasks {
		if t.Status != models.TaskInProgress {
			continue
		}
		if e.opts.TaskLease <= 0 || t.UpdatedAt.After(staleBefore) {
			return true, false, nil
		}
		ok, err := e.store.ReclaimTask(ctx, id, t.ID, staleBefore)
		if err != nil {
			return false, false, err
		}
		if !ok {
			return true, false, nil
		}
		reclaimed = true
		e.timeline(ctx, id, fmt.Sprintf("Reclaimed %s (%s) after its lease expired", t.ID, t.AgentKind), t.AgentKind)
		e.logger.Warn("reclaimed stale task",
			zap.String("investigation_id", id),
			zap.String("task_id", t.ID),
			zap.Time("last_update", t.UpdatedAt))
	}
	return false, reclaimed, nil
}

func (e *Engine) runTask(ctx context.Context, c *models.Context, task models.Task) error {
	id := c.InvestigationID

	start := time.Now()
	payload, invokeErr := e.invoke(ctx, c, task)
	elapsed := time.Since(start)
	metrics.ToolDuration.WithLabelValues(task.AgentKind).Observe(elapsed.Seconds())

	if invokeErr == nil {
		if err := e.mergeFinding(ctx, id, task, payload); err != nil {
			return err
		}
		done, err := e.store.SetTaskStatus(ctx, id, task.ID, models.TaskInProgress, models.TaskDone)
		if err != nil {
			return err
		}
		if !done {
			// The lease expired and another worker owns the task now.
			metrics.StorageConflicts.WithLabelValues("complete_task").Inc()
			return nil
		}
		metrics.TasksExecuted.WithLabelValues(task.AgentKind, "success").Inc()
		e.record(ctx, audit.NewEvent(audit.EventTaskExecuted).
			WithCorrelationID(id).
			WithTask(task.ID, task.AgentKind).
			WithRound(c.Round).
			WithDuration(elapsed).
			WithResult(audit.ResultSuccess))
		return e.toEvaluating(ctx, id, c.Round)
	}

	attempts, err := e.store.RecordAttempt(ctx, id, task.ID, invokeErr.Error())
	if err != nil {
		return err
	}
	maxAttempts := e.Limits().MaxTaskAttempts
	e.logger.Warn("task failed",
		zap.String("investigation_id", id),
		zap.String("task_id", task.ID),
		zap.String("agent_kind", task.AgentKind),
		zap.Int("attempt", attempts),
		zap.Int("max_attempts", maxAttempts),
		zap.Error(invokeErr))

	if attempts < maxAttempts {
		if _, err := e.store.SetTaskStatus(ctx, id, task.ID, models.TaskInProgress, models.TaskPending); err != nil {
			return err
		}
		metrics.TasksExecuted.WithLabelValues(task.AgentKind, "retry").Inc()
		e.timeline(ctx, id, fmt.Sprintf("%s (%s) failed attempt %d/%d: %v", task.ID, task.AgentKind, attempts, maxAttempts, invokeErr), task.AgentKind)
		e.record(ctx, audit.NewEvent(audit.EventTaskRetried).
			WithCorrelationID(id).
			WithTask(task.ID, task.AgentKind).
			WithRound(c.Round).
			WithMetadata("attempt", attempts).
			WithError(invokeErr, "tool_failure"))
		return e.send(ctx, models.EnvelopeExecution, id, c.Round)
	}

	if _, err := e.store.SetTaskStatus(ctx, id, task.ID, models.TaskInProgress, models.TaskFailed); err != nil {
		return err
	}
	metrics.TasksExecuted.WithLabelValues(task.AgentKind, "failed").Inc()
	e.timeline(ctx, id, fmt.Sprintf("%s (%s) failed permanently after %d attempts: %v", task.ID, task.AgentKind, attempts, invokeErr), task.AgentKind)
	e.record(ctx, audit.NewEvent(audit.EventTaskFailed).
		WithCorrelationID(id).
		WithTask(task.ID, task.AgentKind).
		WithRound(c.Round).
		WithMetadata("attempts", attempts).
		WithError(invokeErr, "tool_failure"))
	return e.toEvaluating(ctx, id, c.Round)
}

func (e *Engine) invoke(ctx context.Context, c *models.Context, task models.Task) (payload map[string]any, err error) {
	if e.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ToolTimeout)
		defer cancel()
	}
	ctx, span := tracing.StartSpan(ctx, "tool."+task.AgentKind, c.InvestigationID,
		attribute.String("task.id", task.ID),
		attribute.Int("task.attempt", task.Attempts+1))
	defer func() { tracing.End(span, err) }()

	return e.tools.Invoke(ctx, tools.Request{
		InvestigationID: c.InvestigationID,
		TaskID:          task.ID,
		AgentKind:       task.AgentKind,
		Prompt:          task.Prompt,
		Context:         c,
	})
}

// toEvaluating closes the execution phase of round and asks for a decision.
func (e *Engine) toEvaluating(ctx context.Context, id string, round int) error {
	ok, err := e.store.TransitionStatusAtRound(ctx, id, round, models.StatusExecuting, models.StatusEvaluating)
	if err != nil {
		return err
	}
	if !ok {
		metrics.StorageConflicts.WithLabelValues("evaluate").Inc()
		return nil
	}
	return e.followUp(ctx, models.EnvelopeReEvaluate, id, round)
}

func (e *Engine) stale(env models.Envelope, c *models.Context) {
	e.logger.Debug("stale envelope ignored",
		zap.String("investigation_id", env.InvestigationID),
		zap.String("type", string(env.Type)),
		zap.Int("envelope_round", env.Round),
		zap.Int("round", c.Round),
		zap.String("status", string(c.Status)))
	if c.Status.Terminal() {
		e.terminal.Add(c.InvestigationID, c.Status)
	}
}

func firstPending(tasks []models.Task) *models.Task {
	for i := range tasks {
		if tasks[i].Status == models.TaskPending {
			return &tasks[i]
		}
	}
	return nil
}

func hasPending(tasks []models.Task) bool {
	return firstPending(tasks) != nil
}
