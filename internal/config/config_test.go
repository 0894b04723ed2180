package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Valid(t *testing.T) {
	yaml := `
store:
  max_points_per_series: 500
  default_retention: 72h
  retention_overrides:
    - pattern: "debug_*"
      retention: 1h
      resolution: 10s
collection:
  autostart: false
  collectors:
    - id: prom-local
      name: local prometheus
      type: prometheus
      interval: 30s
      source:
        scheme: http
        endpoint: "localhost:9090"
        path: /metrics
        timeout: 5s
      labels:
        env: prod
alerting:
  evaluation_interval: 15s
  external_url: "https://alerts.example.com"
  rules:
    - name: high cpu
      query:
        metric: cpu_usage
        labels: {host: web-1}
      condition:
        aggregation: avg
        operator: gt
        threshold: 80
        time_window: 5m
        evaluation_window: 1m
      severity: critical
      channels: [ops-slack]
  routes:
    - match: {team: db}
      channels: [ops-slack]
notifications:
  timeout: 3s
  retries: 0
  channels:
    - id: ops-slack
      name: ops
      type: slack
      settings:
        channel: "#ops"
      settings_env:
        url: TEST_SLACK_URL
http:
  listen: ":9000"
`
	cfg := loadFromString(t, yaml)

	if cfg.Store.MaxPointsPerSeries != 500 {
		t.Errorf("max_points_per_series: got %d", cfg.Store.MaxPointsPerSeries)
	}
	if cfg.Store.DefaultRetention != 72*time.Hour {
		t.Errorf("default_retention: got %v", cfg.Store.DefaultRetention)
	}
	if len(cfg.Store.RetentionOverrides) != 1 || cfg.Store.RetentionOverrides[0].Resolution != 10*time.Second {
		t.Errorf("retention_overrides: got %+v", cfg.Store.RetentionOverrides)
	}
	if cfg.Collection.Autostart {
		t.Error("autostart: got true, want false")
	}
	if len(cfg.Collection.Collectors) != 1 {
		t.Fatalf("collectors: got %d, want 1", len(cfg.Collection.Collectors))
	}
	c := cfg.Collection.Collectors[0]
	if c.Interval != 30*time.Second || c.Source.Timeout != 5*time.Second {
		t.Errorf("collector durations: interval %v, timeout %v", c.Interval, c.Source.Timeout)
	}
	if !c.IsEnabled() {
		t.Error("collector enabled should default to true")
	}
	r := cfg.Alerting.Rules[0]
	if r.Condition.Threshold != 80 || r.Condition.Operator != "gt" || r.Query.Labels["host"] != "web-1" {
		t.Errorf("rule: got %+v", r)
	}
	if cfg.Notifications.MaxRetries() != 0 {
		t.Errorf("retries: got %d, want 0", cfg.Notifications.MaxRetries())
	}
	if cfg.HTTP.Listen != ":9000" {
		t.Errorf("listen: got %q", cfg.HTTP.Listen)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadFromString(t, "store: {}\n")

	if cfg.Store.MaxPointsPerSeries != DefaultMaxPointsPerSeries {
		t.Errorf("max_points_per_series: got %d, want %d", cfg.Store.MaxPointsPerSeries, DefaultMaxPointsPerSeries)
	}
	if cfg.Store.DefaultRetention != DefaultRetention {
		t.Errorf("default_retention: got %v, want %v", cfg.Store.DefaultRetention, DefaultRetention)
	}
	if cfg.Store.CacheTTL != DefaultCacheTTL {
		t.Errorf("cache_ttl: got %v, want %v", cfg.Store.CacheTTL, DefaultCacheTTL)
	}
	if !cfg.Collection.Autostart {
		t.Error("autostart: got false, want true")
	}
	if cfg.Alerting.HistorySize != DefaultHistorySize {
		t.Errorf("history_size: got %d, want %d", cfg.Alerting.HistorySize, DefaultHistorySize)
	}
	if cfg.Notifications.MaxRetries() != DefaultNotifyRetries {
		t.Errorf("retries: got %d, want %d", cfg.Notifications.MaxRetries(), DefaultNotifyRetries)
	}
	if cfg.HTTP.Listen != DefaultListen {
		t.Errorf("listen: got %q, want %q", cfg.HTTP.Listen, DefaultListen)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown collector type", `
collection:
  collectors:
    - name: x
      type: snmp
`},
		{"unknown auth mode", `
collection:
  collectors:
    - name: x
      type: prometheus
      source:
        auth:
          mode: magictoken
`},
		{"duplicate collector id", `
collection:
  collectors:
    - {id: a, name: x, type: push}
    - {id: a, name: y, type: push}
`},
		{"channel without id", `
notifications:
  channels:
    - type: slack
`},
		{"unknown channel type", `
notifications:
  channels:
    - id: c1
      type: carrier-pigeon
`},
		{"rule references unknown channel", `
alerting:
  rules:
    - name: r
      channels: [nope]
`},
		{"route with empty match", `
alerting:
  routes:
    - channels: []
`},
		{"bad override pattern", `
store:
  retention_overrides:
    - pattern: "["
`},
		{"negative retries", `
notifications:
  retries: -1
`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadStringErr(t, tc.yaml); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestAuthConfig_SecretsFromEnv(t *testing.T) {
	t.Setenv("TEST_API_KEY", "supersecret")
	t.Setenv("TEST_BEARER_TOKEN", "mytoken")
	t.Setenv("TEST_PASSWORD", "hunter2")
	a := AuthConfig{KeyEnv: "TEST_API_KEY", TokenEnv: "TEST_BEARER_TOKEN", PasswordEnv: "TEST_PASSWORD"}

	if got := a.Key(); got != "supersecret" {
		t.Errorf("Key(): got %q", got)
	}
	if got := a.Token(); got != "mytoken" {
		t.Errorf("Token(): got %q", got)
	}
	if got := a.Password(); got != "hunter2" {
		t.Errorf("Password(): got %q", got)
	}
	if got := (AuthConfig{}).Key(); got != "" {
		t.Errorf("Key() with no KeyEnv: got %q, want empty", got)
	}
}

func TestChannelConfig_ResolvedSettings(t *testing.T) {
	t.Setenv("TEST_SLACK_URL", "https://hooks.example.com/abc")
	c := ChannelConfig{
		Settings:    map[string]any{"channel": "#ops", "url": "placeholder"},
		SettingsEnv: map[string]string{"url": "TEST_SLACK_URL", "token": "TEST_UNSET_VAR"},
	}
	got := c.ResolvedSettings()

	if got["url"] != "https://hooks.example.com/abc" {
		t.Errorf("url: got %v", got["url"])
	}
	if got["channel"] != "#ops" {
		t.Errorf("channel: got %v", got["channel"])
	}
	if _, ok := got["token"]; ok {
		t.Error("unset env var should not produce a setting")
	}
}

func TestWatch_ReloadsAndKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("http:\n  listen: \":9000\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)

	replaceFile(t, path, "collection:\n  collectors:\n    - {name: x, type: bogus}\n")
	select {
	case c := <-got:
		t.Fatalf("invalid reload delivered a config: %+v", c)
	case <-time.After(300 * time.Millisecond):
	}

	replaceFile(t, path, "http:\n  listen: \":9100\"\n")
	select {
	case c := <-got:
		if c.HTTP.Listen != ":9100" {
			t.Errorf("listen: got %q, want :9100", c.HTTP.Listen)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}

// replaceFile swaps content in with a rename, the way atomic-save editors do,
// so the watcher never sees a truncated file.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
}

// loadFromString writes yaml to a temp file and calls Load, failing on error.
func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := loadStringErr(t, content)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	return cfg
}

// loadStringErr writes yaml to a temp file and calls Load, returning any error.
func loadStringErr(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return Load(path)
}
