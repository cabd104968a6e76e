package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-rca/internal/config"
	"github.com/kubilitics/kubilitics-rca/internal/db"
	"github.com/kubilitics/kubilitics-rca/internal/models"
	"github.com/kubilitics/kubilitics-rca/internal/queue"
	"github.com/kubilitics/kubilitics-rca/internal/reasoning/engine"
	"github.com/kubilitics/kubilitics-rca/internal/tools"
)

type fixedOracle struct{}

func (fixedOracle) ProposeWorkflow(context.Context, string, models.Alarm) ([]models.TaskSpec, error) {
	return []models.TaskSpec{{AgentKind: models.AgentLogs, Prompt: "recent errors"}}, nil
}

func (fixedOracle) ReviseWorkflow(context.Context, *models.Context, []models.Task) (models.Decision, error) {
	return models.Decision{Action: models.ActionConclude, Confidence: 0.85, Hypothesis: "bad deploy"}, nil
}

func (fixedOracle) Summarize(context.Context, *models.Context, []models.Task) (*models.Report, error) {
	return &models.Report{
		Narrative:           "The 14:02 deploy introduced a hot loop.",
		RootCauseCandidates: []models.RootCauseCandidate{{Description: "bad deploy", Probability: 0.85}},
	}, nil
}

type okTools struct{}

func (okTools) Invoke(context.Context, tools.Request) (map[string]any, error) {
	return map[string]any{"log_summary": "panic in worker loop", "error_count": 12}, nil
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database is locked") }

type fixture struct {
	server *Server
	engine *engine.Engine
	worker *engine.Worker
	queue  *queue.Memory
	store  *db.SQLStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q := queue.NewMemory()
	eng, err := engine.New(engine.Deps{
		Store:   store,
		Queue:   q,
		Oracle:  fixedOracle{},
		Tools:   okTools{},
		Catalog: tools.DefaultCatalog(),
	}, engine.Options{
		Limits:               engine.Limits{MaxRounds: 3, MaxDuration: time.Hour, MaxTaskAttempts: 2},
		TaskLease:            time.Minute,
		OracleInitialBackoff: time.Millisecond,
		OracleMaxBackoff:     time.Millisecond,
		OracleTimeout:        time.Second,
		ToolTimeout:          time.Second,
		QualityMinConfidence: 0.5,
	})
	require.NoError(t, err)

	srv := New(config.ServerConfig{AllowedOrigins: []string{"http://localhost:3000"}}, eng, store, nil,
		WithStreamInterval(10*time.Millisecond))
	return &fixture{server: srv, engine: eng, worker: engine.NewWorker(eng, q, 1, nil), queue: q, store: store}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		d, ok := f.queue.TryReceive()
		if !ok {
			return
		}
		f.worker.Process(context.Background(), d)
	}
	t.Fatal("queue did not drain")
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

const alarmBody = `{"name":"HighCPU","metric":"CPUUtilization","state":"ALARM","resource_id":"i-0abc"}`

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	rec = f.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	down := New(config.ServerConfig{}, f.engine, failingPinger{}, nil)
	rec = httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func TestPostAlarmEnqueues(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/alarms?investigation_id=inv-42", alarmBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	decode(t, rec, &resp)
	assert.Equal(t, "inv-42", resp["investigation_id"])
	assert.Equal(t, "/api/v1/investigations/inv-42/stream", resp["stream_url"])

	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, models.EnvelopeAlarm, pending[0].Type)
	assert.Equal(t, "inv-42", pending[0].InvestigationID)
}

func TestPostAlarmGeneratesIDAndAcceptsText(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/alarms", "checkout latency above 2s for 10 minutes")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp map[string]string
	decode(t, rec, &resp)
	assert.Len(t, resp["investigation_id"], 36)

	f.drain(t)
	inv, err := f.engine.Get(context.Background(), resp["investigation_id"])
	require.NoError(t, err)
	assert.Equal(t, "checkout latency above 2s for 10 minutes", inv.Context.Alarm.Name)
}

func TestPostAlarmRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	for name, body := range map[string]string{
		"empty":     "   ",
		"list":      `[1, 2]`,
		"bad state": `{"name":"x","state":"BROKEN"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/alarms", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Equal(t, 0, f.queue.Len())
}

func TestInvestigationLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/alarms?investigation_id=inv-1", alarmBody)
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.drain(t)

	rec = f.do(t, http.MethodGet, "/api/v1/investigations/inv-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var inv engine.Investigation
	decode(t, rec, &inv)
	assert.Equal(t, models.StatusConcluded, inv.Context.Status)
	assert.Contains(t, inv.Context.Findings, "task-1_logs")
	require.Len(t, inv.Tasks, 1)
	require.NotNil(t, inv.Report)
	assert.Equal(t, 0.85, inv.Report.Confidence)

	rec = f.do(t, http.MethodGet, "/api/v1/investigations?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Count)

	rec = f.do(t, http.MethodPost, "/api/v1/investigations/inv-1/override", `{"status":"FAILED","reason":"late"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/investigations/inv-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/investigations/inv-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOverrideValidation(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/v1/alarms?investigation_id=inv-1", alarmBody)
	d, ok := f.queue.TryReceive()
	require.True(t, ok)
	f.worker.Process(context.Background(), d) // plan only

	rec := f.do(t, http.MethodPost, "/api/v1/investigations/inv-1/override", `{"status":"EXECUTING"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/v1/investigations/inv-1/override", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/v1/investigations/missing/override", `{"status":"FAILED"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/investigations/inv-1/override", `{"status":"concluded","reason":"resolved upstream"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	inv, err := f.engine.Get(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConcluded, inv.Context.Status)
	require.NotNil(t, inv.Report)
	assert.Equal(t, models.TerminationOverride, inv.Report.TerminationReason)
}

func TestListRejectsBadPagination(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/investigations?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/investigations?offset=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamDeliversTimelineUntilDone(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/v1/alarms?investigation_id=inv-1", alarmBody)
	f.drain(t)

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/investigations/inv-1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var timeline int
	var last StreamMessage
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var m StreamMessage
		if err := conn.ReadJSON(&m); err != nil {
			break
		}
		if m.Type == StreamTimeline {
			timeline++
		}
		last = m
		if m.Type == StreamDone {
			break
		}
	}
	assert.Equal(t, StreamDone, last.Type)
	assert.Equal(t, models.StatusConcluded, last.Status)

	inv, err := f.engine.Get(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, len(inv.Context.Timeline), timeline)
}

func TestStreamUnknownInvestigation(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/investigations/nope/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpointCountsRoutes(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/v1/investigations/abc", "")

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `kubilitics_rca_http_requests_total{method="GET",route="/api/v1/investigations/{id}",status="404"}`)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/alarms", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAlarmRateLimitPerClient(t *testing.T) {
	f := newFixture(t)
	srv := New(config.ServerConfig{AlarmRatePerMinute: 2}, f.engine, f.store, nil)

	post := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/alarms", strings.NewReader(alarmBody))
		req.RemoteAddr = ip + ":40000"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusAccepted, post("192.0.2.1").Code)
	assert.Equal(t, http.StatusAccepted, post("192.0.2.1").Code)
	rec := post("192.0.2.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusAccepted, post("192.0.2.2").Code)
	assert.Equal(t, 3, f.queue.Len())

	// Reads are not limited.
	get := httptest.NewRequest(http.MethodGet, "/api/v1/investigations", nil)
	get.RemoteAddr = "192.0.2.1:40000"
	getRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(getRec, get)
	assert.Equal(t, http.StatusOK, getRec.Code)
}
