// Package engine runs the investigation state machine.
//
// An investigation advances only through queue envelopes:
//
//	ALARM        NEW -> PLANNING -> EXECUTING (round 0 tasks appended)
//	EXECUTION    runs the next pending task of the round, then EVALUATING
//	RE_EVALUATE  asks the oracle for a decision and either advances the
//	             round (EVALUATING -> EXECUTING) or concludes
//
// Every state change is a conditional write against the store, so any
// number of workers may consume the same queue and envelopes may be
// delivered more than once. A worker that loses a race acknowledges and
// does nothing.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/audit"
	"github.com/kubilitics/kubilitics-rca/internal/config"
	"github.com/kubilitics/kubilitics-rca/internal/db"
	"github.com/kubilitics/kubilitics-rca/internal/metrics"
	"github.com/kubilitics/kubilitics-rca/internal/models"
	"github.com/kubilitics/kubilitics-rca/internal/queue"
	"github.com/kubilitics/kubilitics-rca/internal/reasoning/oracle"
	"github.com/kubilitics/kubilitics-rca/internal/tools"
	"github.com/kubilitics/kubilitics-rca/internal/tracing"
)

// ErrAlreadyTerminal is returned by Override for investigations that have
// already concluded or failed.
var ErrAlreadyTerminal = errors.New("investigation already terminal")

const terminalCacheSize = 4096

// Limits are the termination limits. They can be swapped at runtime.
type Limits struct {
	MaxRounds       int
	MaxDuration     time.Duration
	MaxTaskAttempts int
}

// Options tune the engine.
type Options struct {
	Limits

	TaskLease            time.Duration
	OracleMaxRetries     int
	OracleInitialBackoff time.Duration
	OracleMaxBackoff     time.Duration
	OracleTimeout        time.Duration
	ToolTimeout          time.Duration
	QualityMinConfidence float64
	QualityNotify        bool
}

// OptionsFromConfig maps the engine section of the configuration.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	return Options{
		Limits: Limits{
			MaxRounds:       cfg.MaxRounds,
			MaxDuration:     cfg.MaxDuration,
			MaxTaskAttempts: cfg.MaxTaskAttempts,
		},
		TaskLease:            cfg.TaskLease,
		OracleMaxRetries:     cfg.OracleMaxRetries,
		OracleInitialBackoff: cfg.OracleInitialBackoff,
		OracleMaxBackoff:     cfg.OracleMaxBackoff,
		OracleTimeout:        cfg.OracleTimeout,
		ToolTimeout:          cfg.ToolTimeout,
		QualityMinConfidence: cfg.QualityMinConfidence,
		QualityNotify:        cfg.QualityNotify,
	}
}

// Deps are the collaborators of the engine. Audit, Logger and Now are optional.
type Deps struct {
	Store   db.Store
	Queue   queue.Queue
	Oracle  oracle.Oracle
	Tools   tools.Invoker
	Catalog *tools.Catalog
	Audit   audit.Logger
	Logger  *zap.Logger
	Now     func() time.Time
}

// Investigation is the read model served to clients.
type Investigation struct {
	Context *models.Context `json:"context"`
	Tasks   []models.Task   `json:"tasks"`
	Report  *models.Report  `json:"report,omitempty"`
}

// Engine handles envelopes and administrative operations.
type Engine struct {
	store   db.Store
	queue   queue.Queue
	oracle  oracle.Oracle
	tools   tools.Invoker
	catalog *tools.Catalog
	audit   audit.Logger
	logger  *zap.Logger
	now     func() time.Time

	opts   Options
	limMu  sync.RWMutex
	limits Limits

	// terminal caches ids known to be CONCLUDED or FAILED.
	terminal *lru.Cache[string, models.Status]
}

// New validates deps and builds an engine.
func New(deps Deps, opts Options) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("engine: store is required")
	case deps.Queue == nil:
		return nil, fmt.Errorf("engine: queue is required")
	case deps.Oracle == nil:
		return nil, fmt.Errorf("engine: oracle is required")
	case deps.Tools == nil:
		return nil, fmt.Errorf("engine: tool invoker is required")
	case deps.Catalog == nil:
		return nil, fmt.Errorf("engine: catalog is required")
	}
	if opts.MaxRounds < 1 || opts.MaxTaskAttempts < 1 {
		return nil, fmt.Errorf("engine: max rounds and max task attempts must be at least 1")
	}
	cache, err := lru.New[string, models.Status](terminalCacheSize)
	if err != nil {
		return nil, fmt.Errorf("engine: terminal cache: %w", err)
	}
	e := &Engine{
		store:    deps.Store,
		queue:    deps.Queue,
		oracle:   deps.Oracle,
		tools:    deps.Tools,
		catalog:  deps.Catalog,
		audit:    deps.Audit,
		logger:   deps.Logger,
		now:      deps.Now,
		opts:     opts,
		limits:   opts.Limits,
		terminal: cache,
	}
	if e.audit == nil {
		e.audit = audit.NewMemoryLogger()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// SetLimits replaces the termination limits. In-flight investigations see
// the new values on their next evaluation.
func (e *Engine) SetLimits(l Limits) {
	if l.MaxRounds < 1 || l.MaxTaskAttempts < 1 || l.MaxDuration <= 0 {
		e.logger.Warn("ignoring invalid engine limits", zap.Any("limits", l))
		return
	}
	e.limMu.Lock()
	e.limits = l
	e.limMu.Unlock()
	e.logger.Info("engine limits updated",
		zap.Int("max_rounds", l.MaxRounds),
		zap.Duration("max_duration", l.MaxDuration),
		zap.Int("max_task_attempts", l.MaxTaskAttempts))
}

// Limits returns the current termination limits.
func (e *Engine) Limits() Limits {
	e.limMu.RLock()
	defer e.limMu.RUnlock()
	return e.limits
}

// Submit enqueues an ALARM envelope and returns the investigation id. An
// empty id gets a fresh UUID. Raw alarms that are not JSON are carried as a
// JSON string.
func (e *Engine) Submit(ctx context.Context, id string, rawAlarm []byte) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	payload := json.RawMessage(rawAlarm)
	if !json.Valid(rawAlarm) {
		b, err := json.Marshal(string(rawAlarm))
		if err != nil {
			return "", fmt.Errorf("encode alarm: %w", err)
		}
		payload = b
	}
	env := models.Envelope{Type: models.EnvelopeAlarm, InvestigationID: id, Payload: payload}
	if err := e.queue.Send(ctx, env); err != nil {
		return "", fmt.Errorf("enqueue alarm %s: %w", id, err)
	}
	e.logger.Info("alarm enqueued", zap.String("investigation_id", id))
	return id, nil
}

// HandleEnvelope processes one envelope. A nil error means the envelope can
// be acknowledged, including when it turned out to be stale or duplicate.
func (e *Engine) HandleEnvelope(ctx context.Context, env models.Envelope) (err error) {
	if err := env.Validate(); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, "engine.handle "+string(env.Type), env.InvestigationID,
		attribute.Int("envelope.round", env.Round),
		attribute.String("envelope.message_id", env.MessageID))
	defer func() { tracing.End(span, err) }()

	if _, ok := e.terminal.Get(env.InvestigationID); ok {
		e.logger.Debug("envelope for terminal investigation skipped",
			zap.String("investigation_id", env.InvestigationID),
			zap.String("type", string(env.Type)))
		return nil
	}

	switch env.Type {
	case models.EnvelopeAlarm:
		err = e.handleAlarm(ctx, env)
	case models.EnvelopeExecution:
		err = e.handleExecution(ctx, env)
	case models.EnvelopeReEvaluate:
		err = e.handleReEvaluate(ctx, env)
	default:
		return fmt.Errorf("unhandled envelope type %q", env.Type)
	}
	// A deleted investigation leaves envelopes behind; they have nothing to do.
	if errors.Is(err, models.ErrNotFound) {
		e.logger.Debug("envelope for deleted investigation dropped",
			zap.String("investigation_id", env.InvestigationID),
			zap.String("type", string(env.Type)),
			zap.Error(err))
		return nil
	}
	return err
}

// Get returns the context, tasks and report of an investigation.
func (e *Engine) Get(ctx context.Context, id string) (*Investigation, error) {
	c, err := e.store.GetContext(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.GetTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	inv := &Investigation{Context: c, Tasks: tasks}
	if c.Status == models.StatusConcluded {
		r, err := e.store.GetReport(ctx, id)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		inv.Report = r
	}
	return inv, nil
}

// List returns investigations newest first.
func (e *Engine) List(ctx context.Context, limit, offset int) ([]*models.Context, error) {
	return e.store.ListContexts(ctx, limit, offset)
}

// Delete removes the context and the workflow of an investigation.
func (e *Engine) Delete(ctx context.Context, id string) error {
	c, err := e.store.GetContext(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteWorkflow(ctx, id); err != nil {
		return err
	}
	if err := e.store.DeleteContext(ctx, id); err != nil {
		return err
	}
	e.terminal.Remove(id)
	if !c.Status.Terminal() {
		metrics.ActiveInvestigations.Dec()
	}
	e.record(ctx, audit.NewEvent(audit.EventInvestigationDeleted).
		WithCorrelationID(id).
		WithDescription("investigation deleted").
		WithResult(audit.ResultSuccess))
	e.logger.Info("investigation deleted", zap.String("investigation_id", id))
	return nil
}

// Override forces an investigation into CONCLUDED or FAILED.
func (e *Engine) Override(ctx context.Context, id string, status models.Status, reason string) error {
	if status != models.StatusConcluded && status != models.StatusFailed {
		return fmt.Errorf("override target must be %s or %s, got %q", models.StatusConcluded, models.StatusFailed, status)
	}
	c, err := e.store.GetContext(ctx, id)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, c.Status)
	}
	if reason == "" {
		reason = "no reason given"
	}

	if status == models.StatusConcluded {
		report := &models.Report{
			InvestigationID:     id,
			Narrative:           fmt.Sprintf("Concluded by operator override: %s", reason),
			RootCauseCandidates: c.RootCauseCandidates,
			Confidence:          c.Confidence,
			Rounds:              c.Round,
			TerminationForced:   true,
			TerminationReason:   models.TerminationOverride,
			CreatedAt:           e.now(),
		}
		if err := e.store.SaveReport(ctx, report); err != nil {
			return err
		}
	}

	ok, err := e.store.TransitionStatus(ctx, id, c.Status, status)
	if err != nil {
		return err
	}
	if !ok {
		metrics.StorageConflicts.WithLabelValues("override").Inc()
		return fmt.Errorf("%w: %s changed state during override", models.ErrStorageConflict, id)
	}
	if status == models.StatusFailed {
		if err := e.store.SetStatus(ctx, id, models.StatusFailed, "override: "+reason); err != nil {
			return err
		}
	}

	e.timeline(ctx, id, fmt.Sprintf("Status overridden from %s to %s: %s", c.Status, status, reason), "")
	e.record(ctx, audit.NewEvent(audit.EventInvestigationOverride).
		WithCorrelationID(id).
		WithRound(c.Round).
		WithDescription(reason).
		WithMetadata("from", string(c.Status)).
		WithMetadata("to", string(status)).
		WithResult(audit.ResultSuccess))
	e.finished(c, status)
	return nil
}

func (e *Engine) send(ctx context.Context, typ models.EnvelopeType, id string, round int) error {
	env := models.Envelope{Type: typ, InvestigationID: id, Round: round}
	if err := e.queue.Send(ctx, env); err != nil {
		return fmt.Errorf("enqueue %s for %s round %d: %w", typ, id, round, err)
	}
	return nil
}

// followUp sends the envelope that continues a won state transition. Its
// message id is derived from (id, type, round) so a re-emission after a lost
// send collapses with the original in the queue.
func (e *Engine) followUp(ctx context.Context, typ models.EnvelopeType, id string, round int) error {
	env := models.Envelope{
		MessageID:       fmt.Sprintf("%s:%s:%d", id, typ, round),
		Type:            typ,
		InvestigationID: id,
		Round:           round,
	}
	if err := e.queue.Send(ctx, env); err != nil {
		return fmt.Errorf("enqueue %s for %s round %d: %w", typ, id, round, err)
	}
	return nil
}

// timeline appends an entry. Failures are logged; the entry is informational.
func (e *Engine) timeline(ctx context.Context, id, desc, agentKind string) {
	if err := e.store.AppendTimeline(ctx, id, desc, agentKind); err != nil {
		e.logger.Warn("failed to append timeline entry",
			zap.String("investigation_id", id),
			zap.String("entry", desc),
			zap.Error(err))
	}
}

func (e *Engine) record(ctx context.Context, ev *audit.Event) {
	if err := e.audit.Log(ctx, ev); err != nil {
		e.logger.Warn("audit log failed", zap.String("event", string(ev.EventType)), zap.Error(err))
	}
}

// finished updates the terminal bookkeeping once a transition into a
// terminal status has been won.
func (e *Engine) finished(c *models.Context, status models.Status) {
	e.terminal.Add(c.InvestigationID, status)
	metrics.InvestigationsFinished.WithLabelValues(string(status)).Inc()
	metrics.InvestigationDuration.Observe(e.now().Sub(c.CreatedAt).Seconds())
	metrics.InvestigationRounds.Observe(float64(c.Round))
	metrics.ActiveInvestigations.Dec()
}
