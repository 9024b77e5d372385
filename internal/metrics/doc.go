// Package metrics exposes gateway counters to Prometheus and, optionally,
// mirrors registration and direct method events to InfluxDB.
package metrics
