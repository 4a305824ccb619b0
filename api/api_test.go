package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"hostaudit/config"
	"hostaudit/core"
	"hostaudit/detect"
	"hostaudit/ingest"
	"hostaudit/notify"
	"hostaudit/runner"
	"hostaudit/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type staticRules []core.Rule

func (r staticRules) Load() ([]core.Rule, error) { return r, nil }

var testRules = staticRules{
	{ID: "PW-LEN", Title: "Minimum password length", Category: "Accounts", Severity: core.SeverityHigh,
		Expression: "win.pw.min_length >= 14", PassText: "Passed", FailText: "Failed", Remediation: "Set 14"},
	{ID: "PW-AGE", Title: "Maximum password age", Category: "Accounts", Severity: core.SeverityMedium,
		Expression: "win.pw.max_age_days <= 90", PassText: "Passed", FailText: "Failed"},
}

const testFacts = `{"collector": "win_pwpolicy", "host": {"hostname": "WS01"},
	"collected_at": "2025-03-01T10:00:00Z",
	"facts": [
		{"id": "win.pw.min_length", "type": "int", "value": 8},
		{"id": "win.pw.max_age_days", "type": "int", "value": 30}
	]}`

// fakeRunner is a JobRunner whose jobs finish when the test says so
type fakeRunner struct {
	mu       sync.Mutex
	jobs     map[string]*core.Job
	order    []string
	enqueued [][]string
	err      error
	summary  runner.Summary
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{jobs: make(map[string]*core.Job)}
}

func (f *fakeRunner) Enqueue(names []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	id := "scan-" + strings.Repeat("a", 7) + string(rune('0'+len(f.order)))
	f.jobs[id] = &core.Job{JobID: id, Status: core.JobStatusQueued, Names: names, SubmittedAt: time.Now()}
	f.order = append(f.order, id)
	f.enqueued = append(f.enqueued, names)
	return id, nil
}

func (f *fakeRunner) finish(id string, status core.JobStatus, logs ...core.CollectorLog) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].Status = status
	f.jobs[id].Logs = logs
}

func (f *fakeRunner) Status(id string) (*core.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (f *fakeRunner) List() []*core.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*core.Job, 0, len(f.order))
	for i := len(f.order) - 1; i >= 0; i-- {
		out = append(out, f.jobs[f.order[i]].Clone())
	}
	return out
}

func (f *fakeRunner) Wait(ctx context.Context, id string) (*core.Job, bool, error) {
	job, err := f.Status(id)
	if err != nil {
		return nil, false, err
	}
	return job, job.Status.IsTerminal(), nil
}

func (f *fakeRunner) Summarize(ctx context.Context, job *core.Job) (*runner.Summary, error) {
	inserted, _ := job.Totals()
	s := f.summary
	s.Inserted = inserted
	return &s, nil
}

// autoFinish marks every job done as soon as it is enqueued
type autoFinish struct{ *fakeRunner }

func (a autoFinish) Enqueue(names []string) (string, error) {
	id, err := a.fakeRunner.Enqueue(names)
	if err == nil {
		a.finish(id, core.JobStatusDone, core.CollectorLog{Name: "pw_policy", Result: core.CollectorResult{OK: true, Inserted: 2, Host: "WS01"}})
	}
	return id, err
}

type testEnv struct {
	api        *API
	runner     *fakeRunner
	bus        *notify.Bus
	sqlite     *storage.SQLite
	detections *storage.SQLiteDetectionStorage
	events     *storage.SQLiteEventStorage
	cfg        *config.Config
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 8090
	cfg.Notify.Keepalive = 50 * time.Millisecond
	cfg.Metrics.Enabled = true
	return cfg
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	logger := zap.NewNop().Sugar()

	sqlite, err := storage.NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	audit := storage.NewSQLiteAuditStorage(sqlite, logger)
	validator, err := ingest.NewFactsValidator("")
	require.NoError(t, err)
	facts := ingest.NewFactsIngestor(testRules, detect.NewFactEvaluator(nil, logger), audit, validator, logger)

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	env := &testEnv{
		runner:     newFakeRunner(),
		bus:        notify.NewBus(0, logger),
		sqlite:     sqlite,
		detections: storage.NewSQLiteDetectionStorage(sqlite, logger),
		events:     storage.NewSQLiteEventStorage(sqlite, logger),
		cfg:        cfg,
	}
	env.api = NewAPI(Dependencies{
		Runner:     env.runner,
		Bus:        env.bus,
		Events:     env.events,
		Detections: env.detections,
		Audit:      audit,
		Facts:      facts,
		Rules:      testRules,
		Health:     sqlite,
	}, cfg, logger)
	t.Cleanup(func() { _ = env.api.Stop(context.Background()) })
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:5000"
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m), rr.Body.String())
	return m
}

func TestRescan_Queued(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/live/rescan", `{"collectors": ["pw_policy"]}`)
	require.Equal(t, http.StatusOK, rr.Code)

	body := decode(t, rr)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["job_id"])
	assert.Equal(t, [][]string{{"pw_policy"}}, env.runner.enqueued)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestRescan_EmptyBodyEnqueuesAll(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/live/rescan", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, env.runner.enqueued, 1)
	assert.Nil(t, env.runner.enqueued[0])
}

func TestRescan_WaitDone(t *testing.T) {
	env := newTestEnv(t)
	env.runner.summary = runner.Summary{Total: 12, Failed: 3}
	env.api.deps.Runner = autoFinish{env.runner}

	for _, tc := range []struct{ path, body string }{
		{"/api/live/rescan", `{"wait": true}`},
		{"/api/live/rescan?wait=yes", ""},
		{"/api/live/rescan", `{"wait": "1"}`},
	} {
		rr := env.do(t, "POST", tc.path, tc.body)
		require.Equal(t, http.StatusOK, rr.Code)

		body := decode(t, rr)
		assert.Equal(t, true, body["ok"])
		assert.Equal(t, "done", body["status"])
		assert.EqualValues(t, 2, body["ingested"])
		assert.EqualValues(t, 2, body["inserted_total"])
		assert.EqualValues(t, 12, body["unique"])
		assert.EqualValues(t, 3, body["failed"])
		assert.EqualValues(t, 3, body["failed_count"])
	}
}

func TestRescan_WaitTimeout(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/live/rescan?wait=1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	body := decode(t, rr)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "timeout_waiting", body["message"])
	assert.NotEmpty(t, body["job_id"])
}

func TestRescan_QueueFull(t *testing.T) {
	env := newTestEnv(t)
	env.runner.err = runner.ErrQueueFull

	rr := env.do(t, "POST", "/api/live/rescan", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "queue_full", decode(t, rr)["error"])
}

func TestRescan_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.API.RateLimit.RescanPerMinute = 1
		c.API.RateLimit.RescanBurst = 2
	})

	assert.Equal(t, http.StatusOK, env.do(t, "POST", "/api/live/rescan", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, "POST", "/api/live/rescan", "").Code)

	rr := env.do(t, "POST", "/api/live/rescan", "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate_limited", decode(t, rr)["error"])
}

func TestMutatingRoutes_RequireAPIKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse-battery"), bcrypt.MinCost)
	require.NoError(t, err)
	env := newTestEnv(t, func(c *config.Config) { c.API.HashedAPIKey = string(hash) })

	for _, path := range []string{"/api/live/rescan", "/api/live/facts", "/api/live/detections/1/status", "/api/sample/reload"} {
		rr := env.do(t, "POST", path, "{}")
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)

		rr = env.do(t, "POST", path, "{}", "X-API-Key", "wrong-key-entirely")
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
	}

	rr := env.do(t, "POST", "/api/live/rescan", "", "X-API-Key", "correct-horse-battery")
	assert.Equal(t, http.StatusOK, rr.Code)

	// Reads stay open.
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/live/rules", "").Code)
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/api/live/jobs/scan-deadbeef", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not_found", decode(t, rr)["error"])

	id, err := env.runner.Enqueue([]string{"pw_policy", "audit_policy"})
	require.NoError(t, err)
	env.runner.finish(id, core.JobStatusError,
		core.CollectorLog{Name: "pw_policy", Result: core.CollectorResult{OK: true, Inserted: 4, Host: "WS01"}},
		core.CollectorLog{Name: "audit_policy", Result: core.CollectorResult{OK: false, Error: "exit_1", Stderr: "boom"}},
	)

	rr = env.do(t, "GET", "/api/live/jobs/"+id, "")
	require.Equal(t, http.StatusOK, rr.Code)

	body := decode(t, rr)
	assert.Equal(t, id, body["job_id"])
	assert.Equal(t, "error", body["status"])
	assert.EqualValues(t, 4, body["inserted_total"])
	logs := body["logs"].([]interface{})
	require.Len(t, logs, 2)
	assert.Contains(t, logs[1], "audit_policy")
}

func TestListJobs_NewestFirst(t *testing.T) {
	env := newTestEnv(t)
	first, _ := env.runner.Enqueue(nil)
	second, _ := env.runner.Enqueue(nil)

	rr := env.do(t, "GET", "/api/live/jobs", "")
	require.Equal(t, http.StatusOK, rr.Code)

	items := decode(t, rr)["items"].([]interface{})
	require.Len(t, items, 2)
	assert.Equal(t, second, items[0].(map[string]interface{})["job_id"])
	assert.Equal(t, first, items[1].(map[string]interface{})["job_id"])

	rr = env.do(t, "GET", "/api/live/jobs?limit=1", "")
	assert.Len(t, decode(t, rr)["items"], 1)
}

func TestPostFacts_AndCompliance(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/live/facts", testFacts)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, true, body["ok"])
	assert.EqualValues(t, 2, body["inserted"])
	assert.EqualValues(t, 0, body["skipped"])

	rr = env.do(t, "GET", "/api/live/stats/compliance", "")
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode(t, rr)
	assert.EqualValues(t, 1, stats["passed"])
	assert.EqualValues(t, 1, stats["failed"])
	assert.EqualValues(t, 2, stats["total"])
	assert.EqualValues(t, 50, stats["compliance_pct"])

	rr = env.do(t, "GET", "/api/sample/stats/compliance", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 0, decode(t, rr)["compliance_pct"])

	rr = env.do(t, "GET", "/api/live/audit?outcome=Failed", "")
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode(t, rr)
	assert.EqualValues(t, 1, page["total"])
	assert.EqualValues(t, storage.DefaultPageSize, page["pagesz"])
}

func TestPostFacts_Rejections(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/live/facts", "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_json", decode(t, rr)["error"])

	rr = env.do(t, "POST", "/api/live/facts", `{"collector": "x", "facts": "nope"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "schema_invalid", body["error"])
	assert.NotEmpty(t, body["detail"])
}

func TestListRules(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/api/live/rules", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var rules []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rules))
	require.Len(t, rules, 2)
	assert.Equal(t, "PW-LEN", rules[0]["id"])
	assert.Equal(t, "Set 14", rules[0]["remediation"])
	assert.NotContains(t, rules[0], "expression")
}

func TestQueryRoutes_UnknownSource(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/remote/events", "/api/remote/detections", "/api/remote/audit", "/api/remote/stats/compliance"} {
		rr := env.do(t, "GET", path, "")
		assert.Equal(t, http.StatusNotFound, rr.Code, path)
	}
}

func TestGetEvents_Paging(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	now := time.Now().UTC()
	var events []core.SecurityEvent
	for i := 1; i <= 7; i++ {
		acct := "alice"
		events = append(events, core.SecurityEvent{
			RecordID: int64(i), Time: now.Add(time.Duration(i) * time.Second), EventID: core.EventIDLogonFailure,
			Channel: core.DefaultChannel, Provider: core.DefaultProvider, Account: &acct, IP: "10.0.0.5",
			Message: "An account failed to log on.", Source: core.SourceLive, Host: "WS01",
		})
	}
	_, err := env.events.InsertEvents(ctx, events)
	require.NoError(t, err)

	rr := env.do(t, "GET", "/api/live/events?page=2&pagesz=5&event_id=4625,abc", "")
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode(t, rr)
	assert.EqualValues(t, 7, page["total"])
	assert.EqualValues(t, 2, page["page"])
	assert.EqualValues(t, 5, page["pagesz"])
	assert.Len(t, page["items"], 2)

	rr = env.do(t, "GET", "/api/live/events?event_id=4624", "")
	assert.EqualValues(t, 0, decode(t, rr)["total"])

	rr = env.do(t, "GET", "/api/live/events?pagesz=100000", "")
	assert.EqualValues(t, storage.MaxPageSize, decode(t, rr)["pagesz"])
}

func TestDetections_ListAndStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	acct := "alice"
	d := &core.Detection{
		When: time.Now().UTC(), RuleID: core.RuleIDBruteForce, Severity: core.SeverityHigh,
		Summary: "5 failed logons for 'alice' in last 5 min", Account: &acct, IP: "10.0.0.5",
		Source: core.SourceLive, Host: "WS01",
	}
	require.NoError(t, env.detections.InsertDetection(ctx, d))

	rr := env.do(t, "GET", "/api/live/detections?severity=high&rule=BRUTE", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, decode(t, rr)["total"])

	path := "/api/live/detections/" + strconv.FormatInt(d.ID, 10) + "/status"
	rr = env.do(t, "POST", path, `{"status": "ACK"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(t, "GET", "/api/live/detections?status=ack", "")
	assert.EqualValues(t, 1, decode(t, rr)["total"])

	rr = env.do(t, "POST", path, `{"status": "closed"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_status", decode(t, rr)["error"])

	rr = env.do(t, "POST", "/api/live/detections/9999/status", `{"status": "muted"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, "POST", "/api/live/detections/abc/status", `{"status": "muted"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReloadSamples_Disabled(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "POST", "/api/sample/reload", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["database"])
	assert.EqualValues(t, 0, body["subscribers"])

	rr = env.do(t, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.API.AllowedOrigins = []string{"http://localhost:3000"} })

	rr := env.do(t, "OPTIONS", "/api/live/rescan", "", "Origin", "http://localhost:3000")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))

	rr = env.do(t, "GET", "/health", "", "Origin", "http://evil.example")
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestAPI_StopBeforeStart(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.API.Port = 0 })
	require.NoError(t, env.api.Stop(context.Background()))

	done := make(chan error, 1)
	go func() { done <- env.api.Start() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start kept serving after Stop")
	}
}

func TestAPI_StopRightAfterStart(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.API.Port = 0 })

	done := make(chan error, 1)
	go func() { done <- env.api.Start() }()
	require.NoError(t, env.api.Stop(context.Background()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start kept serving after Stop")
	}
}
