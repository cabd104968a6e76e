package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/audit"
	"github.com/kubilitics/kubilitics-rca/internal/metrics"
	"github.com/kubilitics/kubilitics-rca/internal/models"
	"github.com/kubilitics/kubilitics-rca/internal/reasoning/prompt"
)

// handleReEvaluate asks the oracle what to do after a round and applies the
// termination policy.
func (e *Engine) handleReEvaluate(ctx context.Context, env models.Envelope) error {
	id, round := env.InvestigationID, env.Round

	c, err := e.store.GetContext(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != models.StatusEvaluating || c.Round != round {
		e.stale(env, c)
		// The round already advanced; its EXECUTION may never have been sent.
		if c.Status == models.StatusExecuting && c.Round == round+1 {
			return e.followUp(ctx, models.EnvelopeExecution, id, round+1)
		}
		return nil
	}
	tasks, err := e.store.GetTasks(ctx, id)
	if err != nil {
		return err
	}

	decision, err := callOracle(ctx, e, prompt.OpReviseWorkflow, id, func(ctx context.Context) (models.Decision, error) {
		return e.oracle.ReviseWorkflow(ctx, c, tasks)
	})
	if err != nil {
		return e.fail(ctx, c, models.StatusEvaluating, "evaluation", err)
	}

	decision.Confidence = models.Clamp01(decision.Confidence)
	if err := e.store.SetConfidence(ctx, id, decision.Confidence); err != nil {
		return err
	}
	if decision.Hypothesis != "" || len(decision.RootCauseCandidates) > 0 {
		if err := e.store.SetHypothesis(ctx, id, decision.Hypothesis, decision.RootCauseCandidates); err != nil {
			return err
		}
	}
	e.timeline(ctx, id, fmt.Sprintf("Round %d evaluated: %s (confidence %.2f)", round, decision.Action, decision.Confidence), "")
	e.record(ctx, audit.NewEvent(audit.EventInvestigationEvaluated).
		WithCorrelationID(id).
		WithRound(round).
		WithDescription(decision.Reasoning).
		WithMetadata("action", string(decision.Action)).
		WithMetadata("confidence", decision.Confidence).
		WithResult(audit.ResultSuccess))

	if decision.Action == models.ActionConclude {
		return e.conclude(ctx, id, round, "")
	}
	if reason := e.forcedReason(c, round); reason != "" {
		return e.conclude(ctx, id, round, reason)
	}

	if decision.Action == models.ActionExtend && len(decision.NewTasks) > 0 {
		specs := e.knownTasks(ctx, id, decision.NewTasks)
		appended, err := e.store.AppendTasks(ctx, id, round+1, specs)
		if err != nil {
			return err
		}
		if appended && len(specs) > 0 {
			e.timeline(ctx, id, fmt.Sprintf("Workflow extended with %d task(s): %s", len(specs), kinds(specs)), "")
		}
		if tasks, err = e.store.GetTasks(ctx, id); err != nil {
			return err
		}
	}

	if !hasPending(tasks) {
		return e.conclude(ctx, id, round, models.TerminationNoPendingTasks)
	}

	ok, err := e.store.AdvanceRound(ctx, id, round)
	if err != nil {
		return err
	}
	if !ok {
		metrics.StorageConflicts.WithLabelValues("advance_round").Inc()
		return nil
	}
	e.logger.Info("investigation advanced",
		zap.String("investigation_id", id),
		zap.Int("round", round+1),
		zap.Float64("confidence", decision.Confidence))
	return e.followUp(ctx, models.EnvelopeExecution, id, round+1)
}

// forcedReason returns the limit that ends the investigation, if any.
func (e *Engine) forcedReason(c *models.Context, round int) string {
	lim := e.Limits()
	if round >= lim.MaxRounds {
		return models.TerminationMaxRounds
	}
	if lim.MaxDuration > 0 && e.now().Sub(c.CreatedAt) > lim.MaxDuration {
		return models.TerminationMaxDuration
	}
	return ""
}

// conclude summarizes and moves EVALUATING -> CONCLUDED. A non-empty
// reason marks the conclusion as forced.
func (e *Engine) conclude(ctx context.Context, id string, round int, reason string) error {
	c, err := e.store.GetContext(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != models.StatusEvaluating || c.Round != round {
		return nil
	}
	tasks, err := e.store.GetTasks(ctx, id)
	if err != nil {
		return err
	}

	report, err := callOracle(ctx, e, prompt.OpSummarize, id, func(ctx context.Context) (*models.Report, error) {
		return e.oracle.Summarize(ctx, c, tasks)
	})
	if err != nil {
		return e.fail(ctx, c, models.StatusEvaluating, "summary", err)
	}
	if report == nil {
		report = &models.Report{}
	}
	report.InvestigationID = id
	report.Confidence = c.Confidence
	report.Rounds = round
	report.CreatedAt = e.now()
	if len(report.RootCauseCandidates) == 0 {
		report.RootCauseCandidates = c.RootCauseCandidates
	}
	if reason != "" {
		report.TerminationForced = true
		report.TerminationReason = reason
		note := fmt.Sprintf("Concluded by policy (%s) rather than on evidence.", reason)
		if report.Narrative == "" {
			report.Narrative = note
		} else {
			report.Narrative += "\n\n" + note
		}
	}
	if err := e.store.SaveReport(ctx, report); err != nil {
		return err
	}

	ok, err := e.store.TransitionStatusAtRound(ctx, id, round, models.StatusEvaluating, models.StatusConcluded)
	if err != nil {
		return err
	}
	if !ok {
		metrics.StorageConflicts.WithLabelValues("conclude").Inc()
		return nil
	}

	desc := fmt.Sprintf("Investigation concluded after %d round(s) with confidence %.2f", round, c.Confidence)
	if reason != "" {
		desc += fmt.Sprintf(" (termination forced: %s)", reason)
		metrics.TerminationsForced.WithLabelValues(reason).Inc()
		e.record(ctx, audit.NewEvent(audit.EventTerminationForced).
			WithCorrelationID(id).
			WithRound(round).
			WithDescription(reason).
			WithResult(audit.ResultSuccess))
	}
	e.timeline(ctx, id, desc, "")
	e.record(ctx, audit.NewEvent(audit.EventInvestigationConcluded).
		WithCorrelationID(id).
		WithRound(round).
		WithDescription(desc).
		WithMetadata("confidence", c.Confidence).
		WithMetadata("root_causes", len(report.RootCauseCandidates)).
		WithDuration(e.now().Sub(c.CreatedAt)).
		WithResult(audit.ResultSuccess))
	c.Round = round
	e.finished(c, models.StatusConcluded)
	e.logger.Info("investigation concluded",
		zap.String("investigation_id", id),
		zap.Int("rounds", round),
		zap.Float64("confidence", c.Confidence),
		zap.String("termination_reason", reason),
		zap.Duration("elapsed", e.now().Sub(c.CreatedAt).Round(time.Millisecond)))

	e.reviewQuality(ctx, c, report)
	return nil
}
