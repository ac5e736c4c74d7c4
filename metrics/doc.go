// Package metrics exposes Prometheus instrumentation for the execution
// pipeline: execution counts and latencies, proxy traffic by service type,
// and gauges for pooled containers and leased ports. All collectors live on
// a private registry so tests can assert on them in isolation.
package metrics
