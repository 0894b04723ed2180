// Package collector manages metric collectors and runs each enabled one on
// its own schedule, forwarding every batch to the metric store.
//
// A collector's Type selects its collection strategy from a closed registry:
//   - prometheus: GET a text exposition endpoint, parsed with expfmt
//   - json: GET a JSON document, every numeric leaf becomes a gauge named by
//     its dotted path
//   - custom: like json, but only the declared metric paths are extracted
//   - redis: INFO of a Redis server
//   - tls: handshake with an https endpoint, reports certificate expiry
//   - system: host cpu, memory, load and disk usage via gopsutil
//   - push: drains batches handed to Service.Push
//
// Scheduling is per collector. Each enabled collector owns one task (a
// ticker goroutine plus its cancel func) keyed by id; replacing a task
// cancels the old one before the new one starts, so a collector never has
// two timers. A tick that finds the previous collection of the same
// collector still running is skipped, which keeps slow sources from piling
// up without delaying any other collector.
//
// Failures stay local: a failed collection sets that collector's Status to
// error and records LastError, and the scheduler carries on.
package collector
