package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/obsidianstack/alertpipe/internal/alerts"
	"github.com/obsidianstack/alertpipe/internal/apperr"
	"github.com/obsidianstack/alertpipe/internal/collector"
	"github.com/obsidianstack/alertpipe/internal/metrics"
	"github.com/obsidianstack/alertpipe/internal/notify"
)

// maxBodyBytes bounds request bodies for query and push.
const maxBodyBytes = 4 << 20

// Store is the part of *metrics.Store the API reads.
type Store interface {
	Query(q metrics.Query) (*metrics.Result, error)
	Stats() metrics.Stats
	HealthCheck() error
}

// Collectors is the part of *collector.Service the API uses.
type Collectors interface {
	List() []collector.Collector
	Push(id string, batch []metrics.Metric) error
	Statistics() collector.Statistics
}

// Alerts is the part of *alerts.Engine the API reads.
type Alerts interface {
	ListAlertRules() []alerts.Rule
	ActiveAlerts() []alerts.Instance
	AlertHistory(limit int) []alerts.Instance
	Running() bool
}

// Channels lists configured notification channels. *notify.Dispatcher
// satisfies it.
type Channels interface {
	Channels() []notify.Channel
}

// Deps wires the handler to the core components.
type Deps struct {
	Store      Store
	Collectors Collectors
	Alerts     Alerts
	Channels   Channels
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	Deps
	mux *http.ServeMux
	now func() time.Time
}

// New creates a Handler over d and registers all routes.
func New(d Deps) http.Handler {
	h := &Handler{Deps: d, mux: http.NewServeMux(), now: time.Now}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/stats", h.stats)
	h.mux.HandleFunc("/api/v1/query", h.query)
	h.mux.HandleFunc("/api/v1/collectors", h.listCollectors)
	h.mux.HandleFunc("/api/v1/collectors/", h.push) // subtree: {id}/push
	h.mux.HandleFunc("/api/v1/rules", h.rules)
	h.mux.HandleFunc("/api/v1/alerts", h.alerts)
	h.mux.HandleFunc("/api/v1/alerts/history", h.history)
	h.mux.HandleFunc("/api/v1/diagnostics", h.diagnostics)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health. The score is the mean uptime of enabled
// collectors; a failing store makes the state critical and the status 503.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	resp := HealthResponse{StoreOK: true, OverallScore: 100}
	if err := h.Store.HealthCheck(); err != nil {
		resp.StoreOK = false
		resp.StoreError = err.Error()
	}

	var total float64
	enabled := 0
	for _, c := range h.Collectors.List() {
		resp.CollectorCount++
		if c.Status == collector.StatusError {
			resp.ErroredCollectors++
		}
		if c.Enabled {
			enabled++
			total += c.UptimePct
		}
	}
	if enabled > 0 {
		resp.OverallScore = total / float64(enabled)
	}
	resp.CollectionRunning = h.Collectors.Statistics().Running
	resp.EvaluationRunning = h.Alerts.Running()

	for _, in := range h.Alerts.ActiveAlerts() {
		resp.AlertCount++
		if in.Severity == alerts.SeverityCritical && in.State == alerts.InstanceAlerting {
			resp.CriticalCount++
		}
	}

	code := http.StatusOK
	if resp.StoreOK {
		resp.State = stateFromScore(resp.OverallScore)
	} else {
		resp.State = "critical"
		code = http.StatusServiceUnavailable
	}
	jsonResp(w, code, resp)
}

// stats returns GET /api/v1/stats.
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	resp := StatsResponse{
		Store:      h.Store.Stats(),
		Collectors: h.Collectors.Statistics(),
		Rules:      RuleStats{ByState: make(map[alerts.State]int)},
		Alerts:     AlertStats{BySeverity: make(map[alerts.Severity]int)},
	}
	for _, rule := range h.Alerts.ListAlertRules() {
		resp.Rules.Total++
		if rule.Enabled {
			resp.Rules.Enabled++
		}
		resp.Rules.ByState[rule.State]++
	}
	for _, in := range h.Alerts.ActiveAlerts() {
		resp.Alerts.Active++
		resp.Alerts.BySeverity[in.Severity]++
	}
	resp.Alerts.History = len(h.Alerts.AlertHistory(0))
	if h.Channels != nil {
		resp.Channels = len(h.Channels.Channels())
	}
	jsonResp(w, http.StatusOK, resp)
}

// query runs POST /api/v1/query with a metrics.Query body.
func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var q metrics.Query
	if !decodeBody(w, r, &q) {
		return
	}
	res, err := h.Store.Query(q)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, res)
}

// listCollectors returns GET /api/v1/collectors.
func (h *Handler) listCollectors(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, h.Collectors.List())
}

// push handles POST /api/v1/collectors/{id}/push. The batch is buffered and
// reaches the store on the collector's next tick.
func (h *Handler) push(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/collectors/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "push" {
		jsonErr(w, http.StatusNotFound, "not found")
		return
	}
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req PushRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Metrics) == 0 {
		jsonResp(w, http.StatusBadRequest, errorResponse{
			Error:    "invalid push batch",
			Problems: []string{"metrics must not be empty"},
		})
		return
	}
	if err := h.Collectors.Push(id, req.Metrics); err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusAccepted, PushResponse{Accepted: len(req.Metrics)})
}

// rules returns GET /api/v1/rules.
func (h *Handler) rules(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, h.Alerts.ListAlertRules())
}

// alerts returns GET /api/v1/alerts: active instances, newest first.
func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, BuildAlerts(h.Alerts, h.now()))
}

// history returns GET /api/v1/alerts/history?limit=N.
func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			jsonErr(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	jsonResp(w, http.StatusOK, h.Alerts.AlertHistory(limit))
}

// diagnostics returns GET /api/v1/diagnostics.
func (h *Handler) diagnostics(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, computeDiagnostics(h.Collectors.List(), h.Alerts.ListAlertRules()))
}

// BuildAlerts assembles the active alert list. The websocket hub sends the
// same payload.
func BuildAlerts(src interface{ ActiveAlerts() []alerts.Instance }, now time.Time) AlertsResponse {
	active := src.ActiveAlerts()
	return AlertsResponse{
		Alerts:      active,
		Count:       len(active),
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}
}

// --- helpers ----------------------------------------------------------------

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeErr maps the apperr taxonomy to status codes.
func writeErr(w http.ResponseWriter, err error) {
	var (
		ve *apperr.ValidationError
		nf *apperr.NotFoundError
		ut *apperr.UnsupportedTypeError
	)
	switch {
	case errors.As(err, &ve):
		jsonResp(w, http.StatusBadRequest, errorResponse{Error: "invalid " + ve.Entity, Problems: ve.Problems})
	case errors.As(err, &nf):
		jsonErr(w, http.StatusNotFound, nf.Error())
	case errors.As(err, &ut):
		jsonErr(w, http.StatusBadRequest, ut.Error())
	default:
		slog.Error("api: request failed", "err", err)
		jsonErr(w, http.StatusInternalServerError, err.Error())
	}
}

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// stateFromScore converts a 0-100 score to a health state string.
func stateFromScore(score float64) string {
	switch {
	case score >= 85:
		return "healthy"
	case score >= 60:
		return "degraded"
	default:
		return "critical"
	}
}
