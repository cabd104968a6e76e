package engine_test

// Scenario tests for the investigation state machine. The oracle and the
// tool gateways are scripted; the store is an in-memory SQLite database and
// the queue is drained by hand so each test controls delivery order.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-rca/internal/audit"
	"github.com/kubilitics/kubilitics-rca/internal/db"
	"github.com/kubilitics/kubilitics-rca/internal/models"
	"github.com/kubilitics/kubilitics-rca/internal/queue"
	"github.com/kubilitics/kubilitics-rca/internal/reasoning/engine"
	"github.com/kubilitics/kubilitics-rca/internal/tools"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type scriptedOracle struct {
	mu sync.Mutex

	plan       []models.TaskSpec
	planErr    error
	planCalls  int
	decisions  []models.Decision
	reviseFn   func(call int, c *models.Context, tasks []models.Task) models.Decision
	reviseErr  error
	reviseCall int
	report     *models.Report
	summaries  int
}

func (o *scriptedOracle) ProposeWorkflow(_ context.Context, _ string, _ models.Alarm) ([]models.TaskSpec, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.planCalls++
	if o.planErr != nil {
		return nil, o.planErr
	}
	return append([]models.TaskSpec(nil), o.plan...), nil
}

func (o *scriptedOracle) ReviseWorkflow(_ context.Context, c *models.Context, tasks []models.Task) (models.Decision, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	call := o.reviseCall
	o.reviseCall++
	if o.reviseErr != nil {
		return models.Decision{}, o.reviseErr
	}
	if o.reviseFn != nil {
		return o.reviseFn(call, c, tasks), nil
	}
	if call >= len(o.decisions) {
		call = len(o.decisions) - 1
	}
	return o.decisions[call], nil
}

func (o *scriptedOracle) Summarize(_ context.Context, c *models.Context, _ []models.Task) (*models.Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.summaries++
	if o.report != nil {
		r := *o.report
		return &r, nil
	}
	return &models.Report{
		Narrative:           "CPU saturation caused by a runaway batch job",
		RootCauseCandidates: []models.RootCauseCandidate{{Description: "batch job", Probability: 0.8}},
		Recommendations:     []string{"throttle the batch job"},
	}, nil
}

type stubTools struct {
	mu      sync.Mutex
	fail    map[string]error
	calls   map[string]int
	prompts []string
	summary string
	// onInvoke runs once, on the next call, before the result is returned.
	onInvoke func(ctx context.Context, req tools.Request)
}

func newStubTools() *stubTools {
	return &stubTools{fail: map[string]error{}, calls: map[string]int{}}
}

func (s *stubTools) Invoke(ctx context.Context, req tools.Request) (map[string]any, error) {
	s.mu.Lock()
	s.calls[req.AgentKind]++
	s.prompts = append(s.prompts, req.Prompt)
	hook := s.onInvoke
	s.onInvoke = nil
	failErr := s.fail[req.AgentKind]
	summary := s.summary
	s.mu.Unlock()

	if hook != nil {
		hook(ctx, req)
	}
	if failErr != nil {
		return nil, failErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if summary == "" {
		summary = req.AgentKind + " looked at " + req.TaskID
	}
	return map[string]any{"summary": summary}, nil
}

func (s *stubTools) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

// lossyQueue drops the first send of chosen envelopes with an error, the way
// a broker outage between a state change and its follow-up would.
type lossyQueue struct {
	*queue.Memory
	mu   sync.Mutex
	drop map[string]bool
}

func dropKey(typ models.EnvelopeType, round int) string {
	return fmt.Sprintf("%s/%d", typ, round)
}

func (q *lossyQueue) dropNext(typ models.EnvelopeType, round int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drop[dropKey(typ, round)] = true
}

func (q *lossyQueue) Send(ctx context.Context, env models.Envelope) error {
	q.mu.Lock()
	k := dropKey(env.Type, env.Round)
	lost := q.drop[k]
	delete(q.drop, k)
	q.mu.Unlock()
	if lost {
		return errors.New("broker unavailable")
	}
	return q.Memory.Send(ctx, env)
}

// ─────────────────────────────────────────────────────────────────────────────
// Harness
// ─────────────────────────────────────────────────────────────────────────────

type harness struct {
	engine *engine.Engine
	worker *engine.Worker
	store  *db.SQLStore
	queue  *queue.Memory
	lossy  *lossyQueue
	oracle *scriptedOracle
	tools  *stubTools
	audit  *audit.MemoryLogger
	offset atomic.Int64
}

func testOptions() engine.Options {
	return engine.Options{
		Limits: engine.Limits{
			MaxRounds:       5,
			MaxDuration:     time.Hour,
			MaxTaskAttempts: 3,
		},
		TaskLease:            3 * time.Minute,
		OracleMaxRetries:     2,
		OracleInitialBackoff: time.Millisecond,
		OracleMaxBackoff:     2 * time.Millisecond,
		OracleTimeout:        time.Second,
		ToolTimeout:          time.Second,
		QualityMinConfidence: 0.6,
	}
}

func newHarness(t *testing.T, o *scriptedOracle, opts engine.Options) *harness {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mem := queue.NewMemory()
	h := &harness{
		store:  store,
		queue:  mem,
		lossy:  &lossyQueue{Memory: mem, drop: map[string]bool{}},
		oracle: o,
		tools:  newStubTools(),
		audit:  audit.NewMemoryLogger(),
	}
	h.engine, err = engine.New(engine.Deps{
		Store:   store,
		Queue:   h.lossy,
		Oracle:  o,
		Tools:   h.tools,
		Catalog: tools.DefaultCatalog(),
		Audit:   h.audit,
		Now:     func() time.Time { return time.Now().Add(time.Duration(h.offset.Load())) },
	}, opts)
	require.NoError(t, err)
	h.worker = engine.NewWorker(h.engine, h.queue, 1, nil)
	return h
}

// step delivers exactly one queued envelope.
func (h *harness) step(t *testing.T) models.Envelope {
	t.Helper()
	d, ok := h.queue.TryReceive()
	require.True(t, ok, "queue is empty")
	env, err := queue.Decode(d.Data())
	require.NoError(t, err)
	h.worker.Process(context.Background(), d)
	return env
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 500; i++ {
		d, ok := h.queue.TryReceive()
		if !ok {
			return
		}
		h.worker.Process(context.Background(), d)
	}
	t.Fatal("queue did not drain")
}

func (h *harness) submit(t *testing.T, id, alarm string) {
	t.Helper()
	_, err := h.engine.Submit(context.Background(), id, []byte(alarm))
	require.NoError(t, err)
}

func (h *harness) get(t *testing.T, id string) *engine.Investigation {
	t.Helper()
	inv, err := h.engine.Get(context.Background(), id)
	require.NoError(t, err)
	return inv
}

func timelineContains(c *models.Context, substr string) bool {
	for _, e := range c.Timeline {
		if strings.Contains(e.Description, substr) {
			return true
		}
	}
	return false
}

const highCPU = `{"AlarmName":"HighCPU","NewStateValue":"ALARM","Trigger":{"MetricName":"CPUUtilization","Namespace":"AWS/EC2","Threshold":80,"ComparisonOperator":"GreaterThanThreshold","Dimensions":[{"name":"InstanceId","value":"i-0abc"}]}}`

func twoTaskPlan() []models.TaskSpec {
	return []models.TaskSpec{
		{AgentKind: models.AgentMetrics, Prompt: "CPU over the last hour"},
		{AgentKind: models.AgentLogs, Prompt: "errors on i-0abc"},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Scenarios
// ─────────────────────────────────────────────────────────────────────────────

func TestHighCPUInvestigationConcludes(t *testing.T) {
	o := &scriptedOracle{
		plan: twoTaskPlan(),
		decisions: []models.Decision{
			{Action: models.ActionContinue, Confidence: 0.5, Hypothesis: "batch job"},
			{Action: models.ActionConclude, Confidence: 0.9},
		},
	}
	h := newHarness(t, o, testOptions())
	h.submit(t, "inv-cpu", highCPU)
	h.drain(t)

	inv := h.get(t, "inv-cpu")
	c := inv.Context
	assert.Equal(t, models.StatusConcluded, c.Status)
	assert.Equal(t, 1, c.Round)
	assert.InDelta(t, 0.9, c.Confidence, 1e-9)
	assert.Equal(t, "batch job", c.Hypothesis)
	assert.Contains(t, c.Findings, "task-1_metrics")
	assert.Contains(t, c.Findings, "task-2_logs")
	assert.Len(t, c.Findings, 2)

	require.Len(t, inv.Tasks, 2)
	for _, task := range inv.Tasks {
		assert.Equal(t, models.TaskDone, task.Status, task.ID)
		assert.Equal(t, 0, task.CreatedInRound)
	}

	require.NotNil(t, inv.Report)
	assert.False(t, inv.Report.TerminationForced)
	assert.InDelta(t, 0.9, inv.Report.Confidence, 1e-9)
	assert.Equal(t, 1, inv.Report.Rounds)
	assert.True(t, timelineContains(c, "Quality review passed"))

	assert.Equal(t, 1, h.audit.Count(audit.EventInvestigationStarted))
	assert.Equal(t, 1, h.audit.Count(audit.EventInvestigationConcluded))
	assert.Equal(t, 2, h.audit.Count(audit.EventTaskExecuted))
	assert.Equal(t, 1, h.tools.count(models.AgentMetrics))
	assert.Equal(t, 1, h.tools.count(models.AgentLogs))
}

func TestTimelineIsOrdered(t *testing.T) {
	o := &scriptedOracle{plan: twoTaskPlan(), decisions: []models.Decision{{Action: models.ActionConclude, Confidence: 0.7}}}
	h := newHarness(t, o, testOptions())
	h.submit(t, "inv-1", highCPU)
	h.drain(t)

	c := h.get(t, "inv-1").Context
	require.NotEmpty(t, c.Timeline)
	assert.True(t, strings.HasPrefix(c.Timeline[0].Description, "Alarm received"))
	for i := 1; i < len(c.Timeline); i++ {
		assert.Greater(t, c.Timeline[i].Seq, c.Timeline[i-1].Seq)
		assert.False(t, c.Timeline[i].Timestamp.Before(c.Timeline[i-1].Timestamp))
	}
}

func TestContinueWithoutPendingTasksForcesConclusion(t *testing.T) {
	o := &scriptedOracle{
		plan:      []models.TaskSpec{{AgentKind: models.AgentLogs, Prompt: "errors"}},
		decisions: []models.Decision{{Action: models.ActionContinue, Confidence: 0.4}},
	}
	h := newHarness(t, o, testOptions())
	h.submit(t, "inv-1", highCPU)
	h.drain(t)

	inv := h.get(t, "inv-1")
	assert.Equal(t, models.StatusConcluded, inv.Context.Status)
	assert.Equal(t, 0, inv.Context.Round)
	require.NotNil(t, inv.Report)
	assert.True(t, inv.Report.TerminationForced)
	assert.Equal(t, models.TerminationNoPendingTasks, inv.Report.TerminationReason)
	assert.Contains(t, inv.Report.Narrative, "no_pending_tasks")
	assert.Equal(t, 1, h.audit.Count(audit.EventTerminationForced))
	// Forced and below the confidence floor.
	assert.Equal(t, 1, h.audit.Count(audit.EventQualityAlert))
}

func TestMaxRoundsForcesConclusion(t *testing.T) {
	o := &scriptedOracle{
		plan: []models.TaskSpec{{AgentKind: models.AgentLogs, Prompt: "errors"}},
		reviseFn: func(call int, _ *models.Context, _ []models.Task) models.Decision {
			return models.Decision{
				Action:     models.ActionExtend,
				Confidence: 0.3,
				NewTasks:   []models.TaskSpec{{AgentKind: models.AgentMetrics, Prompt: "look again"}},
			}
		},
	}
	opts := testOptions()
	opts.QualityNotify = true
	h := newHarness(t, o, opts)
	h.submit(t, "inv-1", highCPU)
	h.drain(t)

	inv := h.get(t, "inv-1")
	c := inv.Context
	assert.Equal(t, models.StatusConcluded, c.Status)
	assert.Equal(t, 5, c.Round)
	require.NotNil(t, inv.Report)
	assert.True(t, inv.Report.TerminationForced)
	assert.Equal(t, models.TerminationMaxRounds, inv.Report.TerminationReason)

	// One planned task plus one per extended round 0..4.
	require.Len(t, inv.Tasks, 6)
	for i, task := range inv.Tasks {
		assert.Equal(t, models.TaskDone, task.Status)
		assert.Equal(t, models.TaskID(i+1), task.ID)
	}
	assert.Equal(t, 5, inv.Tasks[5].CreatedInRound)

	assert.Equal(t, 1, h.tools.count(models.AgentNotification))
	assert.True(t, timelineContains(c, "Quality alert sent"))
	assert.Equal(t, models.StatusConcluded, c.Status, "quality review never changes status")
}

func TestMaxDurationForcesConclusion(t *testing.T) {
	o := &scriptedOracle{
		plan:      twoTaskPlan(),
		decisions: []models.Decision{{Action: models.ActionContinue, Confidence: 0.5}},
	}
	h := newHarness(t, o, testOptions())
	h.submit(t, "inv-1", highCPU)
	h.step(t) // ALARM
	h.step(t) // EXECUTION 0
	h.offset.Store(int64(2 * time.Hour))
	h.drain(t)

	inv := h.get(t, "inv-1")
	assert.Equal(t, models.StatusConcluded, inv.Context.Status)
	require.NotNil(t, inv.Report)
	assert.Equal(t, models.TerminationMaxDuration, inv.Report.TerminationReason)
	assert.Equal(t, models.TaskPending, inv.Tasks[1].Status)
}

func TestConfidenceIsClamped(t *testing.T) {
	o := &scriptedOracle{
		plan:      []models.TaskSpec{{AgentKind: models.AgentLogs, Prompt: "errors"}},
		decisions: []models.Decision{{Action: models.ActionConclude, Confidence: 1.5}},
	}
	h := newHarness(t, o, testOptions())
	h.submit(t, "inv-1", highCPU)
	h.drain(t)

	inv := h.get(t, "inv-1")
	assert.Equal(t, 1.0, inv.Context.Confidence)
	require.NotNil(t, inv.Report)
	assert.Equal(t, 1.0, inv.Report.Confidence)
}

// ─────────────────────────────────────────────────────────────────────────────
// Failure handling
// ─────────────────────────────────────────────────────────────────────────────

func TestTaskFailingEveryAttemptIsMarkedFailed(t *testing.T) {
	o := &scriptedOracle{
		plan:      []models.TaskSpec{{AgentKind: models.AgentLogs, Prompt: "errors"}},
		decisions: []models.Decision{{Action: models.ActionConclude, Confidence: 0.2}},
	}
	h := newHarness(t, o, testOptions())
	h.tools.fail[models.AgentLogs] = errors.New("gateway timeout")
	h.submit(t, "inv-1", highCPU)
	h.drain(t)

	inv := h.get(t, "inv-1")
	assert.Equal(t, models.StatusConcluded, inv.Context.Status)
	require.Len(t, inv.Tasks, 1)
	task := inv.Tasks[0]
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Equal(t, 3, task.Attempts)
	assert.Contains(t, task.LastError, "gateway timeout")
	assert.Equal(t, 3, h.tools.count(models.AgentLogs))
	assert.Empty(t, inv.Context.Findings)
	assert.Equal(t, 2, h.audit.Count(audit.EventTaskRetried))
	assert.Equal(t, 1, h.audit.Count(audit.EventTaskFailed))
	assert.True(t, timelineContains(inv.Context, "failed permanently"))
}

func TestOracleUnavailableFailsInvestigation(t *testing.T) {
	o := &scriptedOracle{planErr: errors.New("503 overloaded")}
	h := newHarness(t, o, testOptions())
	h.submit(t, "inv-1", highCPU)
	h.drain(t)

	c := h.get(t, "inv-1").Context
	assert.Equal(t, models.StatusFailed, c.Status)
	assert.Contains(t, c.Error, "oracle unavailable")
	assert.Equal(t, 3, o.planCalls, "initial call plus two retries")
	assert.Equal(t, 1, h.audit.Count(audit.EventInvestigationFailed))
}

func TestEvaluationFailureFailsInvestigation(t *testing.T) {
	o := &scriptedOracle{
		plan:      []models.TaskSpec{{AgentKind: models.AgentLogs, Prompt: "errors"}},
		reviseErr: errors.New("connection reset"),
	}
	h := newHarness(t, o, testOptions())
	h.submit(t, "inv-1", highCPU)
	h.drain(t)

	c := h.get(t, "inv-1").Context
	assert.Equal(t, models.StatusFailed, c.Status)
	assert.True(t, timelineContains(c, "failed during evaluation"))
}

func TestInvalidAlarmFailsWithoutPlanning(t *testing.T) {
	o := &scriptedOracle{plan: twoTaskPlan()}
	h := newHarness(t, o, testOptions())
	h.submit(t, "inv-1", `[1, 2, 3]`)
	h.drain(t)

	c := h.get(t, "inv-1").Context
	assert.Equal(t, models.StatusFailed, c.Status)
	assert.Contains(t, c.Error, "invalid alarm")
	assert.Equal(t, 0, o.planCalls)
}

func TestUnknownAgentKindsAreDropped(t *testing.T) {
	o := &scriptedOracle{
		plan: []models.TaskSpec{
			{AgentKind: models.AgentLogs, Prompt: "errors"},
			{AgentKind: "database", Prompt: "slow queries"},
		},
		decisions: []models.Decision{{Action: models.ActionConclude, Confidence: 0.8}},
	}
	h := newHarness(t, o, testOptions())
	h.submit(t, "inv-1", highCPU)
	h.drain(t)

	inv := h.get(t, "inv-1")
	require.Len(t, inv.Tasks, 1)
	assert.Equal(t, models.AgentLogs, inv.Tasks[0].AgentKind)
	assert.True(t, timelineContains(inv.Context, `unknown agent kind "database"`))
}

// ─────────────────────────────────────────────────────────────────────────────
// Delivery semantics
// ─────────────────────────────────────────────────────────────────────────────

func TestDuplicateEnvelopesAreIdempotent(t *testing.T) {
	o := &scriptedOracle{
		plan: twoTaskPlan(),
		decisions: []models.Decision{
			{Action: models.ActionContinue, Confidence: 0.5},
			{Action: models.ActionConclude, Confidence: 0.9},
		},
	}
	h := newHarness(t, o, testOptions())
	ctx := context.Background()
	h.submit(t, "inv-1", highCPU)
	h.submit(t, "inv-1", highCPU)
	h.step(t) // ALARM
	h.step(t) // duplicate ALARM; its EXECUTION 0 is already queued

	require.NoError(t, h.queue.Send(ctx, models.Envelope{Type: models.EnvelopeExecution, InvestigationID: "inv-1", Round: 0}))
	h.drain(t)

	inv := h.get(t, "inv-1")
	assert.Equal(t, models.StatusConcluded, inv.Context.Status)
	assert.Len(t, inv.Tasks, 2)
	assert.Len(t, inv.Context.Findings, 2)
	assert.Equal(t, 1, o.planCalls)
	assert.Equal(t, 1, h.tools.count(models.AgentMetrics))
	assert.Equal(t, 1, h.tools.count(models.AgentLogs))
	assert.Equal(t, 1, o.summaries)
}

func TestRedeliveryAfterConclusionIsNoop(t *testing.T) {
	o := &scriptedOracle{plan: twoTaskPlan(), decisions: []models.Decision{{Action: models.ActionConclude, Confidence: 0.9}}}
	h := newHarness(t, o, testOptions())
	h.submit(t, "inv-1", highCPU)
	h.drain(t)
	before := h.get(t, "inv-1").Context

	// A fresh engine has no terminal cache, so this exercises the store checks.
	fresh, err := engine.New(engine.Deps{
		Store: h.store, Queue: h.queue, Oracle: o, Tools: h.tools, Catalog: tools.DefaultCatalog(),
	}, testOptions())
	require.NoError(t, err)
	ctx := context.Background()
	for _, env := range []models.Envelope{
		{Type: models.EnvelopeAlarm, InvestigationID: "inv-1", Payload: []byte(highCPU)},
		{Type: models.EnvelopeExecution, InvestigationID: "inv-1", Round: 0},
		{Type: models.EnvelopeReEvaluate, InvestigationID: "inv-1", Round: 0},
	} {
		require.NoError(t, fresh.HandleEnvelope(ctx, env))
	}

	after := h.get(t, "inv-1").Context
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, 1, o.planCalls)
}

func TestInProgressTaskIsReclaimedAfterLease(t *testing.T) {
	o := &scriptedOracle{
		plan:      []models.TaskSpec{{AgentKind: models.AgentLogs, Prompt: "errors"}},
		decisions: []models.Decision{{Action: models.ActionConclude, Confidence: 0.8}},
	}
	h := newHarness(t, o, testOptions())
	ctx := context.Background()
	h.submit(t, "inv-1", highCPU)
	h.step(t) // ALARM

	// Another worker claimed the task and went away.
	won, err := h.store.SetTaskStatus(ctx, "inv-1", "task-1", models.TaskPending, models.TaskInProgress)
	require.NoError(t, err)
	require.True(t, won)

	h.step(t) // EXECUTION 0 while the lease holds
	assert.Equal(t, 0, h.tools.count(models.AgentLogs))
	assert.Equal(t, 0, h.queue.Len())

	h.offset.Store(int64(10 * time.Minute))
	require.NoError(t, h.queue.Send(ctx, models.Envelope{Type: models.EnvelopeExecution, InvestigationID: "inv-1", Round: 0}))
	h.drain(t)

	inv := h.get(t, "inv-1")
	assert.Equal(t, 1, h.tools.count(models.AgentLogs))
	assert.Equal(t, models.StatusConcluded, inv.Context.Status)
	assert.True(t, timelineContains(inv.Context, "Reclaimed task-1"))
}

func TestUndecodableEnvelopeIsTerminated(t *testing.T) {
	h := newHarness(t, &scriptedOracle{}, testOptions())
	require.NoError(t, h.queue.SendRaw([]byte("not json")))
	h.drain(t)
	assert.Equal(t, 0, h.queue.Len())
}

func TestWorkersRunConcurrently(t *testing.T) {
	o := &scriptedOracle{
		plan: twoTaskPlan(),
		decisions: []models.Decision{
			{Action: models.ActionContinue, Confidence: 0.5},
			{Action: models.ActionConclude, Confidence: 0.9},
		},
	}
	h := newHarness(t, o, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := engine.NewWorker(h.engine, h.queue, 4, nil)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	for _, id := range []string{"inv-a", "inv-b", "inv-c"} {
		h.submit(t, id, highCPU)
	}
	require.Eventually(t, func() bool {
		for _, id := range []string{"inv-a", "inv-b", "inv-c"} {
			inv, err := h.engine.Get(context.Background(), id)
			if err != nil || !inv.Context.Status.Terminal() {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	for _, id := range []string{"inv-a", "inv-b", "inv-c"} {
		assert.Equal(t, models.StatusConcluded, h.get(t, id).Context.Status, id)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Administrative operations
// ─────────────────────────────────────────────────────────────────────────────

func TestOverrideConcludes(t *testing.T) {
	o := &scriptedOracle{plan: twoTaskPlan(), decisions: []models.Decision{{Action: models.ActionConclude, Confidence: 0.9}}}
	h := newHarness(t, o, testOptions())
	ctx := context.Background()
	h.submit(t, "inv-1", highCPU)
	h.step(t) // ALARM

	require.NoError(t, h.engine.Override(ctx, "inv-1", models.StatusConcluded, "known maintenance window"))
	h.drain(t)

	inv := h.get(t, "inv-1")
	assert.Equal(t, models.StatusConcluded, inv.Context.Status)
	require.NotNil(t, inv.Report)
	assert.Equal(t, models.TerminationOverride, inv.Report.TerminationReason)
	assert.Contains(t, inv.Report.Narrative, "known maintenance window")
	assert.Equal(t, 0, h.tools.count(models.AgentMetrics), "no work after override")

	err := h.engine.Override(ctx, "inv-1", models.StatusFailed, "again")
	assert.ErrorIs(t, err, engine.ErrAlreadyTerminal)
}

func TestOverrideFailsAndRejectsBadTarget(t *testing.T) {
	o := &scriptedOracle{plan: twoTaskPlan()}
	h := newHarness(t, o, testOptions())
	ctx := context.Background()
	h.submit(t, "inv-1", highCPU)
	h.step(t)

	assert.Error(t, h.engine.Override(ctx, "inv-1", models.StatusExecuting, "nope"))
	require.NoError(t, h.engine.Override(ctx, "inv-1", models.StatusFailed, "duplicate alarm"))

	c := h.get(t, "inv-1").Context
	assert.Equal(t, models.StatusFailed, c.Status)
	assert.Equal(t, "override: duplicate alarm", c.Error)
	assert.ErrorIs(t, h.engine.Override(ctx, "missing", models.StatusFailed, "x"), models.ErrNotFound)
}

func TestDeleteRemovesInvestigation(t *testing.T) {
	o := &scriptedOracle{plan: twoTaskPlan(), decisions: []models.Decision{{Action: models.ActionConclude, Confidence: 0.9}}}
	h := newHarness(t, o, testOptions())
	ctx := context.Background()
	h.submit(t, "inv-1", highCPU)
	h.drain(t)

	require.NoError(t, h.engine.Delete(ctx, "inv-1"))
	_, err := h.engine.Get(ctx, "inv-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	tasks, err := h.store.GetTasks(ctx, "inv-1")
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.ErrorIs(t, h.engine.Delete(ctx, "inv-1"), models.ErrNotFound)
}

func TestSetLimitsAppliesToRunningInvestigations(t *testing.T) {
	o := &scriptedOracle{
		plan:      twoTaskPlan(),
		decisions: []models.Decision{{Action: models.ActionContinue, Confidence: 0.5}},
	}
	h := newHarness(t, o, testOptions())
	h.submit(t, "inv-1", highCPU)
	h.step(t) // ALARM

	h.engine.SetLimits(engine.Limits{MaxRounds: 0, MaxDuration: time.Hour, MaxTaskAttempts: 3})
	assert.Equal(t, 5, h.engine.Limits().MaxRounds, "invalid limits are ignored")

	h.engine.SetLimits(engine.Limits{MaxRounds: 1, MaxDuration: time.Hour, MaxTaskAttempts: 3})
	h.drain(t)

	inv := h.get(t, "inv-1")
	assert.Equal(t, 1, inv.Context.Round)
	require.NotNil(t, inv.Report)
	assert.Equal(t, models.TerminationMaxRounds, inv.Report.TerminationReason)
}

func TestLostReEvaluateIsResentOnRedelivery(t *testing.T) {
	o := &scriptedOracle{
		plan: twoTaskPlan(),
		decisions: []models.Decision{
			{Action: models.ActionContinue, Confidence: 0.5},
			{Action: models.ActionConclude, Confidence: 0.9},
		},
	}
	h := newHarness(t, o, testOptions())
	h.lossy.dropNext(models.EnvelopeReEvaluate, 0)
	h.submit(t, "inv-1", highCPU)
	h.step(t) // ALARM
	h.step(t) // EXECUTION 0 finishes the task, RE_EVALUATE 0 is lost

	c := h.get(t, "inv-1").Context
	assert.Equal(t, models.StatusEvaluating, c.Status)
	pending := h.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, models.EnvelopeExecution, pending[0].Type, "EXECUTION 0 is redelivered")

	h.drain(t)
	inv := h.get(t, "inv-1")
	assert.Equal(t, models.StatusConcluded, inv.Context.Status)
	assert.Equal(t, 1, h.tools.count(models.AgentMetrics))
	assert.Equal(t, 1, h.tools.count(models.AgentLogs))
	assert.Equal(t, 2, o.reviseCall)
}

func TestLostExecutionIsResentOnRedelivery(t *testing.T) {
	o := &scriptedOracle{
		plan: twoTaskPlan(),
		decisions: []models.Decision{
			{Action: models.ActionContinue, Confidence: 0.5},
			{Action: models.ActionConclude, Confidence: 0.9},
		},
	}
	h := newHarness(t, o, testOptions())
	h.lossy.dropNext(models.EnvelopeExecution, 1)
	h.submit(t, "inv-1", highCPU)
	h.step(t) // ALARM
	h.step(t) // EXECUTION 0
	h.step(t) // RE_EVALUATE 0 advances to round 1, EXECUTION 1 is lost

	c := h.get(t, "inv-1").Context
	assert.Equal(t, models.StatusExecuting, c.Status)
	assert.Equal(t, 1, c.Round)

	h.drain(t)
	inv := h.get(t, "inv-1")
	assert.Equal(t, models.StatusConcluded, inv.Context.Status)
	assert.Equal(t, 1, h.tools.count(models.AgentLogs))
	assert.Equal(t, 2, o.reviseCall, "the redelivered RE_EVALUATE 0 does not ask the oracle again")
}

func TestResentFollowUpsCollapseInQueue(t *testing.T) {
	o := &scriptedOracle{plan: twoTaskPlan(), decisions: []models.Decision{{Action: models.ActionConclude, Confidence: 0.9}}}
	h := newHarness(t, o, testOptions())
	ctx := context.Background()
	h.submit(t, "inv-1", highCPU)
	h.step(t) // ALARM
	h.step(t) // EXECUTION 0, RE_EVALUATE 0 queued

	// A late duplicate of EXECUTION 0 overtakes RE_EVALUATE 0 and re-emits it.
	require.NoError(t, h.queue.Send(ctx, models.Envelope{Type: models.EnvelopeExecution, InvestigationID: "inv-1", Round: 0}))
	d, ok := h.queue.TryReceive()
	require.True(t, ok)
	require.NoError(t, d.Nak(ctx))
	env := h.step(t)
	require.Equal(t, models.EnvelopeExecution, env.Type)

	var reEvaluates int
	for _, env := range h.queue.Pending() {
		if env.Type == models.EnvelopeReEvaluate {
			reEvaluates++
		}
	}
	assert.Equal(t, 1, reEvaluates)
	assert.Equal(t, 1, h.queue.Len())

	h.drain(t)
	assert.Equal(t, models.StatusConcluded, h.get(t, "inv-1").Context.Status)
	assert.Equal(t, 1, o.reviseCall)
}

func TestClaimIsReleasedWhenRunFails(t *testing.T) {
	o := &scriptedOracle{
		plan:      []models.TaskSpec{{AgentKind: models.AgentLogs, Prompt: "errors"}},
		decisions: []models.Decision{{Action: models.ActionConclude, Confidence: 0.8}},
	}
	h := newHarness(t, o, testOptions())
	h.submit(t, "inv-1", highCPU)
	h.step(t) // ALARM

	// The worker is shut down while the tool call is in flight, so the
	// store writes that follow it fail.
	ctx, cancel := context.WithCancel(context.Background())
	h.tools.onInvoke = func(context.Context, tools.Request) { cancel() }
	d, ok := h.queue.TryReceive()
	require.True(t, ok)
	h.worker.Process(ctx, d)

	tasks, err := h.store.GetTasks(context.Background(), "inv-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskPending, tasks[0].Status, "no lease wait before the retry")
	assert.Equal(t, 1, h.queue.Len(), "EXECUTION 0 is redelivered")

	h.drain(t)
	inv := h.get(t, "inv-1")
	assert.Equal(t, models.StatusConcluded, inv.Context.Status)
	assert.Equal(t, 2, h.tools.count(models.AgentLogs))
}

func TestCompletionAfterLostLeaseIsDiscarded(t *testing.T) {
	o := &scriptedOracle{
		plan:      []models.TaskSpec{{AgentKind: models.AgentLogs, Prompt: "errors"}},
		decisions: []models.Decision{{Action: models.ActionConclude, Confidence: 0.8}},
	}
	h := newHarness(t, o, testOptions())
	h.submit(t, "inv-1", highCPU)
	h.step(t) // ALARM

	// While the first run hangs past its lease another worker reclaims the
	// task and finishes it.
	h.tools.onInvoke = func(ctx context.Context, _ tools.Request) {
		h.offset.Store(int64(10 * time.Minute))
		err := h.engine.HandleEnvelope(ctx, models.Envelope{Type: models.EnvelopeExecution, InvestigationID: "inv-1", Round: 0})
		require.NoError(t, err)
	}
	h.step(t) // EXECUTION 0

	inv := h.get(t, "inv-1")
	assert.Equal(t, 2, h.tools.count(models.AgentLogs))
	assert.Equal(t, models.StatusEvaluating, inv.Context.Status)
	assert.Equal(t, models.TaskDone, inv.Tasks[0].Status)
	assert.Len(t, h.queue.Pending(), 1, "only the winner asks for evaluation")

	h.drain(t)
	assert.Equal(t, models.StatusConcluded, h.get(t, "inv-1").Context.Status)
}

func TestDeleteWhileRunningDrainsQueue(t *testing.T) {
	o := &scriptedOracle{plan: twoTaskPlan(), decisions: []models.Decision{{Action: models.ActionContinue, Confidence: 0.5}}}
	h := newHarness(t, o, testOptions())
	ctx := context.Background()
	h.submit(t, "inv-1", highCPU)
	h.step(t) // ALARM

	require.NoError(t, h.engine.Delete(ctx, "inv-1"))
	require.NoError(t, h.queue.Send(ctx, models.Envelope{Type: models.EnvelopeReEvaluate, InvestigationID: "inv-1", Round: 0}))
	h.drain(t)

	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, 0, h.tools.count(models.AgentMetrics))
	_, err := h.engine.Get(ctx, "inv-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMultibyteTextIsClippedOnRuneBoundaries(t *testing.T) {
	o := &scriptedOracle{
		plan:      []models.TaskSpec{{AgentKind: models.AgentLogs, Prompt: "errors"}},
		decisions: []models.Decision{{Action: models.ActionConclude, Confidence: 0.8}},
	}
	h := newHarness(t, o, testOptions())
	h.tools.summary = "é" + strings.Repeat("ログ", 200)
	h.submit(t, "inv-1", highCPU)
	h.submit(t, "inv-2", `{"name":"x","state":"BROKEN","description":"`+strings.Repeat("障害", 200)+`"}`)
	h.drain(t)

	inv := h.get(t, "inv-1")
	assert.True(t, timelineContains(inv.Context, "completed: éログ"))
	for _, e := range inv.Context.Timeline {
		assert.True(t, utf8.ValidString(e.Description), e.Description)
	}

	rejected := h.get(t, "inv-2").Context
	assert.Equal(t, models.StatusFailed, rejected.Status)
	assert.True(t, utf8.ValidString(rejected.Alarm.Text))
	assert.LessOrEqual(t, len(rejected.Alarm.Text), 512)
}
