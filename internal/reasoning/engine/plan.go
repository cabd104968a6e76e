package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/audit"
	"github.com/kubilitics/kubilitics-rca/internal/metrics"
	"github.com/kubilitics/kubilitics-rca/internal/models"
	"github.com/kubilitics/kubilitics-rca/internal/reasoning/prompt"
)

// handleAlarm creates the context and plans round 0.
func (e *Engine) handleAlarm(ctx context.Context, env models.Envelope) error {
	id := env.InvestigationID

	alarm, perr := models.ParseAlarm(env.Payload)
	if perr != nil {
		return e.rejectAlarm(ctx, id, env.Payload, perr)
	}

	created, err := e.store.CreateContext(ctx, id, alarm, models.StatusNew)
	if err != nil {
		return err
	}
	if created {
		metrics.InvestigationsStarted.Inc()
		metrics.ActiveInvestigations.Inc()
		e.timeline(ctx, id, "Alarm received: "+alarm.Summary(), "")
		e.record(ctx, audit.NewEvent(audit.EventInvestigationStarted).
			WithCorrelationID(id).
			WithDescription(alarm.Summary()).
			WithResult(audit.ResultSuccess))
		e.logger.Info("investigation started",
			zap.String("investigation_id", id),
			zap.String("alarm", alarm.Name))
	}

	c, err := e.store.GetContext(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case models.StatusNew:
		ok, err := e.store.TransitionStatus(ctx, id, models.StatusNew, models.StatusPlanning)
		if err != nil {
			return err
		}
		if !ok {
			metrics.StorageConflicts.WithLabelValues("plan").Inc()
			return nil
		}
	case models.StatusPlanning:
		// A previous delivery stopped mid-planning. Planning is idempotent.
	case models.StatusExecuting:
		// The EXECUTION envelope for round 0 may have been lost after the
		// transition. Duplicates are harmless.
		if c.Round == 0 {
			return e.followUp(ctx, models.EnvelopeExecution, id, 0)
		}
		return nil
	default:
		if c.Status.Terminal() {
			e.terminal.Add(id, c.Status)
		}
		return nil
	}

	specs, err := callOracle(ctx, e, prompt.OpProposeWorkflow, id, func(ctx context.Context) ([]models.TaskSpec, error) {
		return e.oracle.ProposeWorkflow(ctx, id, c.Alarm)
	})
	if err != nil {
		return e.fail(ctx, c, models.StatusPlanning, "planning", err)
	}

	specs = e.knownTasks(ctx, id, specs)
	appended, err := e.store.AppendTasks(ctx, id, 0, specs)
	if err != nil {
		return err
	}
	if appended {
		e.timeline(ctx, id, fmt.Sprintf("Workflow planned with %d task(s): %s", len(specs), kinds(specs)), "")
		e.record(ctx, audit.NewEvent(audit.EventInvestigationPlanned).
			WithCorrelationID(id).
			WithRound(0).
			WithDescription(fmt.Sprintf("%d tasks planned", len(specs))).
			WithMetadata("agent_kinds", kinds(specs)).
			WithResult(audit.ResultSuccess))
	}

	ok, err := e.store.TransitionStatus(ctx, id, models.StatusPlanning, models.StatusExecuting)
	if err != nil {
		return err
	}
	if !ok {
		metrics.StorageConflicts.WithLabelValues("start_execution").Inc()
		return nil
	}
	e.logger.Info("investigation planned",
		zap.String("investigation_id", id),
		zap.Int("tasks", len(specs)))
	return e.followUp(ctx, models.EnvelopeExecution, id, 0)
}

// rejectAlarm records an unparseable alarm as a failed investigation.
func (e *Engine) rejectAlarm(ctx context.Context, id string, payload []byte, cause error) error {
	raw := models.Truncate(strings.TrimSpace(string(payload)), 512)
	created, err := e.store.CreateContext(ctx, id, models.Alarm{Text: raw}, models.StatusFailed)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	if err := e.store.SetStatus(ctx, id, models.StatusFailed, cause.Error()); err != nil {
		return err
	}
	e.timeline(ctx, id, "Alarm rejected: "+cause.Error(), "")
	e.record(ctx, audit.NewEvent(audit.EventInvestigationFailed).
		WithCorrelationID(id).
		WithDescription("alarm rejected").
		WithError(cause, "invalid_alarm"))
	e.terminal.Add(id, models.StatusFailed)
	metrics.InvestigationsFinished.WithLabelValues(string(models.StatusFailed)).Inc()
	e.logger.Warn("alarm rejected", zap.String("investigation_id", id), zap.Error(cause))
	return nil
}

// knownTasks drops specs whose agent kind is not in the catalog.
func (e *Engine) knownTasks(ctx context.Context, id string, specs []models.TaskSpec) []models.TaskSpec {
	out := make([]models.TaskSpec, 0, len(specs))
	for _, s := range specs {
		if !e.catalog.Has(s.AgentKind) {
			e.timeline(ctx, id, fmt.Sprintf("Dropped task for unknown agent kind %q", s.AgentKind), "")
			e.logger.Warn("oracle proposed unknown agent kind",
				zap.String("investigation_id", id),
				zap.String("agent_kind", s.AgentKind))
			continue
		}
		out = append(out, s)
	}
	return out
}

// fail moves the investigation from one non-terminal status to FAILED.
func (e *Engine) fail(ctx context.Context, c *models.Context, from models.Status, stage string, cause error) error {
	ok, err := e.store.TransitionStatusAtRound(ctx, c.InvestigationID, c.Round, from, models.StatusFailed)
	if err != nil {
		return err
	}
	if !ok {
		metrics.StorageConflicts.WithLabelValues("fail").Inc()
		return nil
	}
	if err := e.store.SetStatus(ctx, c.InvestigationID, models.StatusFailed, cause.Error()); err != nil {
		return err
	}
	e.timeline(ctx, c.InvestigationID, fmt.Sprintf("Investigation failed during %s: %v", stage, cause), "")
	e.record(ctx, audit.NewEvent(audit.EventInvestigationFailed).
		WithCorrelationID(c.InvestigationID).
		WithRound(c.Round).
		WithDescription(stage).
		WithError(cause, "oracle_unavailable"))
	e.finished(c, models.StatusFailed)
	e.logger.Error("investigation failed",
		zap.String("investigation_id", c.InvestigationID),
		zap.String("stage", stage),
		zap.Error(cause))
	return nil
}

func kinds(specs []models.TaskSpec) string {
	ks := make([]string, 0, len(specs))
	for _, s := range specs {
		ks = append(ks, s.AgentKind)
	}
	if len(ks) == 0 {
		return "none"
	}
	return strings.Join(ks, ", ")
}
