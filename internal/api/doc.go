// Package api implements the HTTP JSON API for alertpipe.
//
// New(deps) returns an http.Handler that serves:
//
//	GET  /api/v1/health                overall state from store health and collector uptime
//	GET  /api/v1/stats                 store, collector, rule and channel counters
//	POST /api/v1/query                 run a metrics.Query against the store
//	GET  /api/v1/collectors            registered collectors with status
//	POST /api/v1/collectors/{id}/push  hand a batch to a push collector
//	GET  /api/v1/rules                 alert rules with evaluation state
//	GET  /api/v1/alerts                active alert instances
//	GET  /api/v1/alerts/history        resolved instances, ?limit=N
//	GET  /api/v1/diagnostics           hints for failing collectors and rules
//
// Validation failures map to 400 with every problem listed, unknown ids to
// 404. Responses are always application/json.
package api
