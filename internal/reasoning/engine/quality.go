package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/audit"
	"github.com/kubilitics/kubilitics-rca/internal/models"
	"github.com/kubilitics/kubilitics-rca/internal/tools"
)

// qualityConcerns lists what makes a concluded report weak.
func (e *Engine) qualityConcerns(r *models.Report) []string {
	var concerns []string
	if r.TerminationForced {
		concerns = append(concerns, "termination forced ("+r.TerminationReason+")")
	}
	if r.Confidence < e.opts.QualityMinConfidence {
		concerns = append(concerns, fmt.Sprintf("confidence %.2f below %.2f", r.Confidence, e.opts.QualityMinConfidence))
	}
	if len(r.RootCauseCandidates) == 0 {
		concerns = append(concerns, "no root cause candidates")
	}
	return concerns
}

// reviewQuality runs after a conclusion. It never changes the status.
func (e *Engine) reviewQuality(ctx context.Context, c *models.Context, r *models.Report) {
	id := c.InvestigationID
	concerns := e.qualityConcerns(r)
	if len(concerns) == 0 {
		e.timeline(ctx, id, "Quality review passed", "")
		return
	}

	summary := strings.Join(concerns, "; ")
	e.timeline(ctx, id, "Quality review flagged: "+summary, "")
	e.record(ctx, audit.NewEvent(audit.EventQualityAlert).
		WithCorrelationID(id).
		WithRound(r.Rounds).
		WithDescription(summary).
		WithMetadata("confidence", r.Confidence).
		WithResult(audit.ResultSuccess))
	e.logger.Warn("low quality investigation",
		zap.String("investigation_id", id),
		zap.Strings("concerns", concerns))

	if !e.opts.QualityNotify || !e.catalog.Has(models.AgentNotification) {
		return
	}
	msg := fmt.Sprintf("Investigation %s (%s) needs human review: %s.\n\n%s",
		id, c.Alarm.Summary(), summary, clip(r.Narrative, 2000))
	nctx := ctx
	if e.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(ctx, e.opts.ToolTimeout)
		defer cancel()
	}
	_, err := e.tools.Invoke(nctx, tools.Request{
		InvestigationID: id,
		TaskID:          "quality-review",
		AgentKind:       models.AgentNotification,
		Prompt:          msg,
		Context:         c,
	})
	if err != nil {
		e.timeline(ctx, id, "Quality alert notification failed: "+err.Error(), models.AgentNotification)
		e.logger.Warn("quality alert notification failed", zap.String("investigation_id", id), zap.Error(err))
		return
	}
	e.timeline(ctx, id, "Quality alert sent to on-call", models.AgentNotification)
}
