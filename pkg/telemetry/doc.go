// Package telemetry ingests agent-emitted observability signals and
// normalizes them into lifecycle events. Agents are pointed at the
// gateway's HTTP listener via injected launch arguments; the per-session
// token minted at start time is embedded in the export path, so the
// request path alone binds a batch to its session. Signals arrive
// OTLP-shaped (logs, metrics, traces) as JSON.
package telemetry
