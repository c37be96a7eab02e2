// Package metrics exposes Prometheus instrumentation for the task
// pipeline: task counters, queue depth, step cache hit rate, upstream
// request outcomes and API latency.
package metrics
