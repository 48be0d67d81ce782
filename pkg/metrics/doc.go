// Package metrics exposes the gateway's Prometheus collectors and a small
// component health checker served on the telemetry listener.
package metrics
