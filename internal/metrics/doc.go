// Package metrics is the in-memory metric store. It keeps one time-ordered
// series per metric name, a first-write-wins definition catalog, a query
// engine with label and structured filters, bucketed aggregation, a TTL
// query cache, and a retention compaction loop.
//
// Each series has its own lock; the series map, the definition catalog and
// the query cache are guarded independently so unrelated metrics never
// contend with each other.
package metrics
