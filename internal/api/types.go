package api

import (
	"github.com/obsidianstack/alertpipe/internal/alerts"
	"github.com/obsidianstack/alertpipe/internal/collector"
	"github.com/obsidianstack/alertpipe/internal/metrics"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	State        string  `json:"state"`
	OverallScore float64 `json:"overall_score"`
	StoreOK      bool    `json:"store_ok"`
	StoreError   string  `json:"store_error,omitempty"`

	CollectorCount    int  `json:"collector_count"`
	ErroredCollectors int  `json:"errored_collectors"`
	CollectionRunning bool `json:"collection_running"`
	EvaluationRunning bool `json:"evaluation_running"`

	AlertCount    int `json:"alert_count"`
	CriticalCount int `json:"critical_count"`
}

// StatsResponse is the payload for GET /api/v1/stats.
type StatsResponse struct {
	Store      metrics.Stats        `json:"store"`
	Collectors collector.Statistics `json:"collectors"`
	Rules      RuleStats            `json:"rules"`
	Alerts     AlertStats           `json:"alerts"`
	Channels   int                  `json:"channels"`
}

// RuleStats counts rules by evaluation state.
type RuleStats struct {
	Total   int                 `json:"total"`
	Enabled int                 `json:"enabled"`
	ByState map[alerts.State]int `json:"by_state"`
}

// AlertStats counts active instances.
type AlertStats struct {
	Active     int                     `json:"active"`
	BySeverity map[alerts.Severity]int `json:"by_severity"`
	History    int                     `json:"history"`
}

// PushRequest is the body of POST /api/v1/collectors/{id}/push.
type PushRequest struct {
	Metrics []metrics.Metric `json:"metrics"`
}

// PushResponse acknowledges a buffered batch.
type PushResponse struct {
	Accepted int `json:"accepted"`
}

// AlertsResponse is the active alert list, also streamed over the websocket.
type AlertsResponse struct {
	Alerts      []alerts.Instance `json:"alerts"`
	Count       int               `json:"count"`
	GeneratedAt string            `json:"generated_at"` // RFC3339
}

// errorResponse is a generic JSON error body. Problems is set for
// validation failures.
type errorResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}
