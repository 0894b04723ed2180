package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/obsidianstack/alertpipe/internal/alerts"
	"github.com/obsidianstack/alertpipe/internal/api"
	"github.com/obsidianstack/alertpipe/internal/collector"
	"github.com/obsidianstack/alertpipe/internal/metrics"
	"github.com/obsidianstack/alertpipe/internal/notify"
)

// --- test helpers -----------------------------------------------------------

type fixture struct {
	store   *metrics.Store
	svc     *collector.Service
	engine  *alerts.Engine
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: metrics.New(metrics.Options{})}
	f.svc = collector.New(f.store)
	f.engine = alerts.New(f.store, alerts.Options{})
	f.handler = api.New(api.Deps{
		Store:      f.store,
		Collectors: f.svc,
		Alerts:     f.engine,
		Channels:   notify.New(notify.Options{}),
	})
	return f
}

func (f *fixture) gauge(t *testing.T, name string, v float64) {
	t.Helper()
	err := f.store.Store(metrics.Metric{Name: name, Kind: metrics.KindGauge, Value: v, Timestamp: time.Now(), Source: "test"})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
}

func (f *fixture) pushCollector(t *testing.T) collector.Collector {
	t.Helper()
	c, err := f.svc.Register(collector.Collector{
		Name:     "app",
		Type:     "push",
		Interval: 10 * time.Second,
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return c
}

func (f *fixture) rule(t *testing.T, metric string) alerts.Rule {
	t.Helper()
	r, err := f.engine.CreateAlertRule(alerts.Rule{
		Name:      "High " + metric,
		Query:     alerts.RuleQuery{Metric: metric},
		Severity:  alerts.SeverityCritical,
		Enabled:   true,
		Condition: alerts.Condition{Operator: alerts.OpGt, Threshold: 80},
	})
	if err != nil {
		t.Fatalf("CreateAlertRule() error = %v", err)
	}
	return r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

// --- /api/v1/health ---------------------------------------------------------

func TestHealth_Empty(t *testing.T) {
	f := newFixture(t)
	rr := get(t, f.handler, "/api/v1/health")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.State != "healthy" || !resp.StoreOK || resp.OverallScore != 100 {
		t.Errorf("health: %+v", resp)
	}
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type: %q", rr.Header().Get("Content-Type"))
	}
}

func TestHealth_CountsAlertsAndCollectors(t *testing.T) {
	f := newFixture(t)
	f.pushCollector(t)
	f.rule(t, "cpu_usage")
	f.gauge(t, "cpu_usage", 95)
	f.engine.EvaluateAlertRules(context.Background())

	var resp api.HealthResponse
	decode(t, get(t, f.handler, "/api/v1/health"), &resp)
	if resp.CollectorCount != 1 {
		t.Errorf("collector_count: got %d, want 1", resp.CollectorCount)
	}
	if resp.AlertCount != 1 || resp.CriticalCount != 1 {
		t.Errorf("alerts: got %d/%d, want 1/1", resp.AlertCount, resp.CriticalCount)
	}
	if resp.EvaluationRunning || resp.CollectionRunning {
		t.Error("loops reported running before start")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		method, path string
	}{
		{http.MethodPost, "/api/v1/health"},
		{http.MethodDelete, "/api/v1/stats"},
		{http.MethodGet, "/api/v1/query"},
		{http.MethodPut, "/api/v1/collectors"},
		{http.MethodGet, "/api/v1/collectors/abc/push"},
		{http.MethodPost, "/api/v1/rules"},
		{http.MethodPost, "/api/v1/alerts"},
		{http.MethodPost, "/api/v1/alerts/history"},
		{http.MethodPost, "/api/v1/diagnostics"},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			f.handler.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
			if rr.Code != http.StatusMethodNotAllowed {
				t.Errorf("status: got %d, want 405", rr.Code)
			}
		})
	}
}

// --- /api/v1/query ----------------------------------------------------------

func TestQuery(t *testing.T) {
	f := newFixture(t)
	f.gauge(t, "cpu_usage", 42)
	f.gauge(t, "cpu_usage", 43)

	rr := post(t, f.handler, "/api/v1/query", `{"metric_name":"cpu_usage"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body %s)", rr.Code, rr.Body)
	}
	var res metrics.Result
	decode(t, rr, &res)
	if len(res.Data) != 2 || res.Data[1].Value != 43 {
		t.Errorf("data: %+v", res.Data)
	}
}

func TestQuery_BadRequests(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing metric", `{"time_range":"5m"}`, "metric_name is required"},
		{"bad time range", `{"metric_name":"m","time_range":"2w"}`, "time_range"},
		{"unknown field", `{"metric":"m"}`, "invalid JSON body"},
		{"not json", `nope`, "invalid JSON body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := post(t, f.handler, "/api/v1/query", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status: got %d, want 400", rr.Code)
			}
			if !strings.Contains(rr.Body.String(), tc.want) {
				t.Errorf("body %s does not mention %q", rr.Body, tc.want)
			}
		})
	}
}

// --- collectors -------------------------------------------------------------

func TestCollectors_List(t *testing.T) {
	f := newFixture(t)
	c := f.pushCollector(t)

	var out []collector.Collector
	decode(t, get(t, f.handler, "/api/v1/collectors"), &out)
	if len(out) != 1 || out[0].ID != c.ID || out[0].Type != "push" {
		t.Errorf("collectors: %+v", out)
	}
}

func TestPush(t *testing.T) {
	f := newFixture(t)
	c := f.pushCollector(t)

	rr := post(t, f.handler, "/api/v1/collectors/"+c.ID+"/push",
		`{"metrics":[{"name":"orders_total","kind":"counter","value":3}]}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202 (body %s)", rr.Code, rr.Body)
	}
	var resp api.PushResponse
	decode(t, rr, &resp)
	if resp.Accepted != 1 {
		t.Errorf("accepted: got %d, want 1", resp.Accepted)
	}

	if _, err := f.svc.CollectFromSource(context.Background(), c.ID); err != nil {
		t.Fatalf("CollectFromSource() error = %v", err)
	}
	res, err := f.store.Query(metrics.Query{MetricName: "orders_total"})
	if err != nil || len(res.Data) != 1 {
		t.Fatalf("pushed metric not stored: %+v, %v", res, err)
	}
}

func TestPush_Errors(t *testing.T) {
	f := newFixture(t)
	c := f.pushCollector(t)

	cases := []struct {
		name string
		path string
		body string
		code int
	}{
		{"unknown collector", "/api/v1/collectors/missing/push", `{"metrics":[{"name":"m","value":1}]}`, http.StatusNotFound},
		{"unknown action", "/api/v1/collectors/" + c.ID + "/pull", `{}`, http.StatusNotFound},
		{"empty batch", "/api/v1/collectors/" + c.ID + "/push", `{"metrics":[]}`, http.StatusBadRequest},
		{"invalid metric", "/api/v1/collectors/" + c.ID + "/push", `{"metrics":[{"name":"","value":1}]}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rr := post(t, f.handler, tc.path, tc.body); rr.Code != tc.code {
				t.Errorf("status: got %d, want %d (body %s)", rr.Code, tc.code, rr.Body)
			}
		})
	}
}

// --- rules and alerts -------------------------------------------------------

func TestRulesAndAlerts(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, "cpu_usage")
	f.gauge(t, "cpu_usage", 90)
	f.engine.EvaluateAlertRules(context.Background())

	var rules []alerts.Rule
	decode(t, get(t, f.handler, "/api/v1/rules"), &rules)
	if len(rules) != 1 || rules[0].ID != r.ID || rules[0].State != alerts.StateAlerting {
		t.Errorf("rules: %+v", rules)
	}

	var active api.AlertsResponse
	decode(t, get(t, f.handler, "/api/v1/alerts"), &active)
	if active.Count != 1 || active.Alerts[0].RuleID != r.ID || active.GeneratedAt == "" {
		t.Errorf("alerts: %+v", active)
	}

	f.gauge(t, "cpu_usage", 10)
	f.engine.EvaluateAlertRules(context.Background())

	var hist []alerts.Instance
	decode(t, get(t, f.handler, "/api/v1/alerts/history?limit=5"), &hist)
	if len(hist) != 1 || hist[0].State != alerts.InstanceResolved {
		t.Errorf("history: %+v", hist)
	}

	if rr := get(t, f.handler, "/api/v1/alerts/history?limit=-1"); rr.Code != http.StatusBadRequest {
		t.Errorf("negative limit: got %d, want 400", rr.Code)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.pushCollector(t)
	f.rule(t, "cpu_usage")
	f.gauge(t, "cpu_usage", 90)
	f.engine.EvaluateAlertRules(context.Background())

	var resp api.StatsResponse
	decode(t, get(t, f.handler, "/api/v1/stats"), &resp)
	if resp.Collectors.Total != 1 {
		t.Errorf("collectors.total: got %d, want 1", resp.Collectors.Total)
	}
	if resp.Rules.Total != 1 || resp.Rules.ByState[alerts.StateAlerting] != 1 {
		t.Errorf("rules: %+v", resp.Rules)
	}
	if resp.Alerts.Active != 1 || resp.Alerts.BySeverity[alerts.SeverityCritical] != 1 {
		t.Errorf("alerts: %+v", resp.Alerts)
	}
	if resp.Store.Points < 1 {
		t.Errorf("store points: got %d", resp.Store.Points)
	}
}

// --- /api/v1/diagnostics ----------------------------------------------------

func TestDiagnostics_AllClear(t *testing.T) {
	f := newFixture(t)
	var hints []api.DiagnosticHint
	decode(t, get(t, f.handler, "/api/v1/diagnostics"), &hints)
	if len(hints) != 1 || hints[0].Key != "healthy" || hints[0].Level != "ok" {
		t.Errorf("hints: %+v", hints)
	}
}

func TestDiagnostics_OrderedBySeverity(t *testing.T) {
	f := newFixture(t)
	silent := f.rule(t, "missing_metric")
	firing := f.rule(t, "cpu_usage")
	f.gauge(t, "cpu_usage", 99)
	f.pushCollector(t)
	f.engine.EvaluateAlertRules(context.Background())

	var hints []api.DiagnosticHint
	decode(t, get(t, f.handler, "/api/v1/diagnostics"), &hints)

	byKey := make(map[string]api.DiagnosticHint)
	for _, h := range hints {
		byKey[h.Key] = h
	}
	if h := byKey["no_data"]; h.SubjectID != silent.ID || h.Level != "warning" {
		t.Errorf("no_data hint: %+v", h)
	}
	if h := byKey["firing"]; h.SubjectID != firing.ID || h.Level != "critical" || h.Value == nil {
		t.Errorf("firing hint: %+v", h)
	}
	if _, ok := byKey["warming_up"]; !ok {
		t.Error("push collector without a run should be warming up")
	}
	if hints[0].Level != "critical" {
		t.Errorf("first hint level: got %s, want critical", hints[0].Level)
	}
}
