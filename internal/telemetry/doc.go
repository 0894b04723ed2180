// Package telemetry holds the pipeline's own Prometheus instruments on a
// private registry, exposed by the api package on /metrics.
package telemetry
