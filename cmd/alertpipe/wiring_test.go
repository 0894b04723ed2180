package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/obsidianstack/alertpipe/internal/config"
	"github.com/obsidianstack/alertpipe/internal/metrics"
)

const testConfig = `
store:
  retention_overrides:
    - pattern: "debug_*"
      retention: 1h
collection:
  autostart: false
  collectors:
    - id: app
      name: app push
      type: push
      interval: 10s
      labels: {team: payments}
    - name: too fast
      type: system
      interval: 1s
alerting:
  external_url: "https://alerts.example.com"
  rules:
    - id: queue
      name: queue backlog
      query: {metric: queue_depth}
      condition: {operator: gt, threshold: 100}
      severity: warning
      channels: [hook]
    - name: broken
      query: {metric: x}
      condition: {operator: between}
      severity: warning
  routes:
    - match: {team: payments}
      channels: [hook]
notifications:
  retries: 0
  channels:
    - id: hook
      type: webhook
      settings_env: {url: HOOK_URL}
    - id: pager
      type: pagerduty
      settings: {}
`

func loadTestConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func TestBuild_SkipsInvalidEntries(t *testing.T) {
	t.Setenv("HOOK_URL", "http://127.0.0.1:1/hook")
	a, err := build(loadTestConfig(t, testConfig))
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	defer a.unsubscribe()

	if got := a.collectors.List(); len(got) != 1 || got[0].ID != "app" {
		t.Errorf("collectors: %+v", got)
	}
	if got := a.engine.ListAlertRules(); len(got) != 1 || got[0].ID != "queue" {
		t.Errorf("rules: %+v", got)
	}
	chs := a.dispatcher.Channels()
	if len(chs) != 1 || chs[0].ID != "hook" || chs[0].Name != "hook" {
		t.Fatalf("channels: %+v", chs)
	}
}

func TestBuild_EndToEnd(t *testing.T) {
	hits := make(chan string, 4)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- r.URL.Path
	}))
	defer hook.Close()
	t.Setenv("HOOK_URL", hook.URL+"/hook")

	a, err := build(loadTestConfig(t, testConfig))
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	defer a.unsubscribe()

	ctx := context.Background()
	if err := a.collectors.Push("app", []metrics.Metric{{Name: "queue_depth", Value: 250}}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if _, err := a.collectors.CollectFromSource(ctx, "app"); err != nil {
		t.Fatalf("CollectFromSource() error = %v", err)
	}

	a.engine.EvaluateAlertRules(ctx)
	a.engine.Wait()

	active := a.engine.ActiveAlerts()
	if len(active) != 1 || active[0].Labels["team"] != "payments" {
		t.Fatalf("active alerts: %+v", active)
	}
	if !strings.HasPrefix(active[0].GeneratorURL, "https://alerts.example.com/") {
		t.Errorf("GeneratorURL: %q", active[0].GeneratorURL)
	}

	select {
	case p := <-hits:
		if p != "/hook" {
			t.Errorf("webhook path: got %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not called")
	}
	// Rule channel and route both name "hook"; it is notified once.
	select {
	case p := <-hits:
		t.Errorf("webhook called twice (%s)", p)
	case <-time.After(50 * time.Millisecond):
	}

	rr := httptest.NewRecorder()
	a.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"count":1`) {
		t.Errorf("GET /api/v1/alerts: %d %s", rr.Code, rr.Body)
	}

	rr = httptest.NewRecorder()
	a.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "alertpipe_") {
		t.Errorf("GET /metrics: %d", rr.Code)
	}
}

func TestRuleFromConfig(t *testing.T) {
	rc := config.RuleConfig{
		ID:   "r1",
		Name: "latency",
		Query: config.QueryConfig{
			Metric:  "http_latency",
			Filters: []config.FilterConfig{{Field: "value", Op: "gte", Value: 0.5}},
		},
		Condition: config.ConditionConfig{
			Aggregation: "percentile", Operator: "gte", Threshold: 0.5,
			TimeWindow: 10 * time.Minute, EvaluationWindow: time.Minute,
		},
		Severity: "critical",
	}
	r := ruleFromConfig(rc)
	if !r.Enabled {
		t.Error("rule should default to enabled")
	}
	if r.Condition.Aggregation != metrics.FuncPercentile || string(r.Condition.Operator) != "gte" {
		t.Errorf("condition: %+v", r.Condition)
	}
	if len(r.Query.Filters) != 1 || r.Query.Filters[0].Op != metrics.OpGte {
		t.Errorf("filters: %+v", r.Query.Filters)
	}
}

func TestCollectorFromConfig_ResolvesSecrets(t *testing.T) {
	t.Setenv("PROM_TOKEN", "s3cret")
	c := collectorFromConfig(config.CollectorConfig{
		Name: "prom",
		Type: "prometheus",
		Source: config.SourceConfig{
			Endpoint: "localhost:9090",
			Auth:     config.AuthConfig{Mode: "bearer", TokenEnv: "PROM_TOKEN"},
		},
		Interval: time.Minute,
	})
	if c.Source.Auth.Token != "s3cret" || c.Source.Auth.Mode != "bearer" {
		t.Errorf("auth: %+v", c.Source.Auth)
	}
	if !c.Enabled {
		t.Error("collector should default to enabled")
	}
}
