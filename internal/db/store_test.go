package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kubilitics/kubilitics-rca/internal/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedContext(t *testing.T, s *SQLStore, id string) {
	t.Helper()
	created, err := s.CreateContext(context.Background(), id, models.Alarm{Name: "HighCPU", Metric: "CPUUtilization"}, models.StatusNew)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	if !created {
		t.Fatalf("CreateContext(%s): expected created", id)
	}
}

// ─── Context store ────────────────────────────────────────────────────────────

func TestCreateContextIsInsertIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedContext(t, s, "inv-1")

	created, err := s.CreateContext(ctx, "inv-1", models.Alarm{Name: "Other"}, models.StatusFailed)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	if created {
		t.Error("second CreateContext should not create")
	}

	got, err := s.GetContext(ctx, "inv-1")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if got.Status != models.StatusNew {
		t.Errorf("status = %s, want NEW", got.Status)
	}
	if got.Alarm.Name != "HighCPU" {
		t.Errorf("alarm name = %q, want HighCPU", got.Alarm.Name)
	}
	if got.Round != 0 || got.Confidence != 0 {
		t.Errorf("unexpected round/confidence: %d/%v", got.Round, got.Confidence)
	}
}

func TestGetContextNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetContext(context.Background(), "missing")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutFindingOverwritesSameKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedContext(t, s, "inv-1")

	first := models.Finding{TaskID: "task-1", AgentKind: models.AgentLogs, Payload: map[string]any{"errors": float64(3)}, ProducedAt: time.Now()}
	second := models.Finding{TaskID: "task-1", AgentKind: models.AgentLogs, Payload: map[string]any{"errors": float64(5)}, ProducedAt: time.Now()}
	other := models.Finding{TaskID: "task-2", AgentKind: models.AgentMetrics, Payload: map[string]any{"p99": "120ms"}, ProducedAt: time.Now()}

	for _, f := range []models.Finding{first, second, other} {
		if err := s.PutFinding(ctx, "inv-1", f); err != nil {
			t.Fatalf("PutFinding: %v", err)
		}
	}

	got, err := s.GetContext(ctx, "inv-1")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if len(got.Findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(got.Findings))
	}
	want := map[string]any{"errors": float64(5)}
	if diff := cmp.Diff(want, got.Findings["task-1_logs"].Payload); diff != "" {
		t.Errorf("finding payload mismatch (-want +got):\n%s", diff)
	}
	if _, ok := got.Findings["task-2_metrics"]; !ok {
		t.Error("missing task-2_metrics finding")
	}
}

func TestPutFindingUnknownInvestigation(t *testing.T) {
	s := newTestStore(t)
	err := s.PutFinding(context.Background(), "missing", models.Finding{TaskID: "task-1", AgentKind: "logs"})
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendTimelineKeepsOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedContext(t, s, "inv-1")

	for _, d := range []string{"planned", "executed task-1", "evaluated"} {
		if err := s.AppendTimeline(ctx, "inv-1", d, ""); err != nil {
			t.Fatalf("AppendTimeline: %v", err)
		}
	}
	got, err := s.GetContext(ctx, "inv-1")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	var descs []string
	for i, e := range got.Timeline {
		if e.Seq != i+1 {
			t.Errorf("entry %d has seq %d", i, e.Seq)
		}
		descs = append(descs, e.Description)
	}
	if diff := cmp.Diff([]string{"planned", "executed task-1", "evaluated"}, descs); diff != "" {
		t.Errorf("timeline mismatch (-want +got):\n%s", diff)
	}
	if got.Version < 3 {
		t.Errorf("version = %d, expected at least 3", got.Version)
	}
}

func TestConcurrentTimelineAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedContext(t, s, "inv-1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.AppendTimeline(ctx, "inv-1", "entry", "logs"); err != nil {
				t.Errorf("AppendTimeline: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetContext(ctx, "inv-1")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if len(got.Timeline) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(got.Timeline))
	}
}

func TestTransitionStatusCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedContext(t, s, "inv-1")

	ok, err := s.TransitionStatus(ctx, "inv-1", models.StatusNew, models.StatusPlanning)
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}
	ok, err = s.TransitionStatus(ctx, "inv-1", models.StatusNew, models.StatusPlanning)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if ok {
		t.Error("second NEW->PLANNING transition should lose")
	}
}

func TestTransitionStatusAtRound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedContext(t, s, "inv-1")
	if err := s.SetStatus(ctx, "inv-1", models.StatusExecuting, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	ok, err := s.TransitionStatusAtRound(ctx, "inv-1", 1, models.StatusExecuting, models.StatusEvaluating)
	if err != nil {
		t.Fatalf("TransitionStatusAtRound: %v", err)
	}
	if ok {
		t.Error("transition guarded by the wrong round should lose")
	}
	ok, err = s.TransitionStatusAtRound(ctx, "inv-1", 0, models.StatusExecuting, models.StatusEvaluating)
	if err != nil || !ok {
		t.Fatalf("TransitionStatusAtRound: ok=%v err=%v", ok, err)
	}
}

func TestAdvanceRoundRequiresEvaluatingAtRound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedContext(t, s, "inv-1")

	ok, _ := s.AdvanceRound(ctx, "inv-1", 0)
	if ok {
		t.Fatal("advance from NEW should not succeed")
	}
	if err := s.SetStatus(ctx, "inv-1", models.StatusEvaluating, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	ok, err := s.AdvanceRound(ctx, "inv-1", 0)
	if err != nil || !ok {
		t.Fatalf("AdvanceRound: ok=%v err=%v", ok, err)
	}
	ok, _ = s.AdvanceRound(ctx, "inv-1", 0)
	if ok {
		t.Error("duplicate advance should lose")
	}

	got, _ := s.GetContext(ctx, "inv-1")
	if got.Round != 1 || got.Status != models.StatusExecuting {
		t.Errorf("got round %d status %s, want 1 EXECUTING", got.Round, got.Status)
	}
}

func TestSetConfidenceClamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedContext(t, s, "inv-1")

	if err := s.SetConfidence(ctx, "inv-1", 1.7); err != nil {
		t.Fatalf("SetConfidence: %v", err)
	}
	got, _ := s.GetContext(ctx, "inv-1")
	if got.Confidence != 1 {
		t.Errorf("confidence = %v, want 1", got.Confidence)
	}
}

func TestSetHypothesis(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedContext(t, s, "inv-1")

	candidates := []models.RootCauseCandidate{{Description: "memory leak", Probability: 0.7, SupportingEvidence: []string{"rss growth"}}}
	if err := s.SetHypothesis(ctx, "inv-1", "leaking worker", candidates); err != nil {
		t.Fatalf("SetHypothesis: %v", err)
	}
	got, _ := s.GetContext(ctx, "inv-1")
	if got.Hypothesis != "leaking worker" {
		t.Errorf("hypothesis = %q", got.Hypothesis)
	}
	if diff := cmp.Diff(candidates, got.RootCauseCandidates); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}
}

func TestReportUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedContext(t, s, "inv-1")

	if _, err := s.GetReport(ctx, "inv-1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before save, got %v", err)
	}

	r := &models.Report{InvestigationID: "inv-1", Narrative: "first", Confidence: 0.4, Rounds: 2}
	if err := s.SaveReport(ctx, r); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	r.Narrative = "second"
	r.TerminationForced = true
	r.TerminationReason = models.TerminationMaxRounds
	r.Recommendations = []string{"raise memory limit"}
	if err := s.SaveReport(ctx, r); err != nil {
		t.Fatalf("SaveReport update: %v", err)
	}

	got, err := s.GetReport(ctx, "inv-1")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Narrative != "second" || !got.TerminationForced || got.TerminationReason != "max_rounds" {
		t.Errorf("unexpected report: %+v", got)
	}
	if diff := cmp.Diff([]string{"raise memory limit"}, got.Recommendations); diff != "" {
		t.Errorf("recommendations mismatch (-want +got):\n%s", diff)
	}
}

func TestListContextsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"inv-a", "inv-b", "inv-c"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return ts }
		seedContext(t, s, id)
	}

	got, err := s.ListContexts(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListContexts: %v", err)
	}
	if len(got) != 2 || got[0].InvestigationID != "inv-c" || got[1].InvestigationID != "inv-b" {
		t.Fatalf("unexpected order: %v", ids(got))
	}
}

func TestDeleteContextAndWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedContext(t, s, "inv-1")
	_ = s.AppendTimeline(ctx, "inv-1", "planned", "")
	_, _ = s.AppendTasks(ctx, "inv-1", 0, []models.TaskSpec{{AgentKind: "logs", Prompt: "p"}})

	if err := s.DeleteContext(ctx, "inv-1"); err != nil {
		t.Fatalf("DeleteContext: %v", err)
	}
	if err := s.DeleteWorkflow(ctx, "inv-1"); err != nil {
		t.Fatalf("DeleteWorkflow: %v", err)
	}
	if _, err := s.GetContext(ctx, "inv-1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	tasks, _ := s.GetTasks(ctx, "inv-1")
	if len(tasks) != 0 {
		t.Errorf("expected no tasks after delete, got %d", len(tasks))
	}
}

// ─── Workflow store ───────────────────────────────────────────────────────────

func TestAppendTasksSequenceAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AppendTasks(ctx, "inv-1", 0, []models.TaskSpec{
		{AgentKind: "logs", Prompt: "scan logs"},
		{AgentKind: "metrics", Prompt: "cpu", Priority: models.PriorityHigh},
	})
	if err != nil || !ok {
		t.Fatalf("AppendTasks round 0: ok=%v err=%v", ok, err)
	}
	ok, err = s.AppendTasks(ctx, "inv-1", 1, []models.TaskSpec{{AgentKind: "traces", Prompt: "trace"}})
	if err != nil || !ok {
		t.Fatalf("AppendTasks round 1: ok=%v err=%v", ok, err)
	}

	tasks, err := s.GetTasks(ctx, "inv-1")
	if err != nil {
		t.Fatalf("GetTasks: %v", err)
	}
	type view struct {
		ID       string
		Kind     string
		Round    int
		Priority string
		Status   models.TaskStatus
	}
	var got []view
	for _, tk := range tasks {
		got = append(got, view{tk.ID, tk.AgentKind, tk.CreatedInRound, tk.Priority, tk.Status})
	}
	want := []view{
		{"task-1", "logs", 0, "medium", models.TaskPending},
		{"task-2", "metrics", 0, "high", models.TaskPending},
		{"task-3", "traces", 1, "medium", models.TaskPending},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tasks mismatch (-want +got):\n%s", diff)
	}
}

func TestAppendTasksOncePerRound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	specs := []models.TaskSpec{{AgentKind: "logs", Prompt: "scan"}}

	if ok, _ := s.AppendTasks(ctx, "inv-1", 0, specs); !ok {
		t.Fatal("first append should succeed")
	}
	ok, err := s.AppendTasks(ctx, "inv-1", 0, specs)
	if err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	if ok {
		t.Error("duplicate append for the same round should be rejected")
	}
	tasks, _ := s.GetTasks(ctx, "inv-1")
	if len(tasks) != 1 {
		t.Errorf("expected 1 task, got %d", len(tasks))
	}
}

func TestSetTaskStatusCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _ = s.AppendTasks(ctx, "inv-1", 0, []models.TaskSpec{{AgentKind: "logs", Prompt: "scan"}})

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.SetTaskStatus(ctx, "inv-1", "task-1", models.TaskPending, models.TaskInProgress)
			if err != nil {
				t.Errorf("SetTaskStatus: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", winners)
	}
}

func TestReclaimStaleTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }

	_, _ = s.AppendTasks(ctx, "inv-1", 0, []models.TaskSpec{{AgentKind: "logs", Prompt: "scan"}})
	if ok, _ := s.SetTaskStatus(ctx, "inv-1", "task-1", models.TaskPending, models.TaskInProgress); !ok {
		t.Fatal("claim failed")
	}

	ok, err := s.ReclaimTask(ctx, "inv-1", "task-1", start.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReclaimTask: %v", err)
	}
	if ok {
		t.Error("fresh lease should not be reclaimed")
	}

	ok, err = s.ReclaimTask(ctx, "inv-1", "task-1", start.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("stale lease should be reclaimed: ok=%v err=%v", ok, err)
	}
	tasks, _ := s.GetTasks(ctx, "inv-1")
	if tasks[0].Status != models.TaskPending {
		t.Errorf("status = %s, want pending", tasks[0].Status)
	}
}

func TestRecordAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _ = s.AppendTasks(ctx, "inv-1", 0, []models.TaskSpec{{AgentKind: "logs", Prompt: "scan"}})

	for want := 1; want <= 3; want++ {
		n, err := s.RecordAttempt(ctx, "inv-1", "task-1", "gateway timeout")
		if err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
		if n != want {
			t.Errorf("attempts = %d, want %d", n, want)
		}
	}
	tasks, _ := s.GetTasks(ctx, "inv-1")
	if tasks[0].LastError != "gateway timeout" {
		t.Errorf("last error = %q", tasks[0].LastError)
	}
	if _, err := s.RecordAttempt(ctx, "inv-1", "task-9", "x"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown task, got %v", err)
	}
}

func ids(cs []*models.Context) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.InvestigationID)
	}
	return out
}
