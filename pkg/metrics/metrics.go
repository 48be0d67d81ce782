package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Control-plane metrics
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmux_connections_active",
			Help: "Number of open control-plane connections",
		},
	)

	ConnectionsDestroyed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmux_connections_destroyed_total",
			Help: "Connections destroyed by reason (overflow, error, closed)",
		},
		[]string{"reason"},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmux_commands_total",
			Help: "Control-plane commands by type and status",
		},
		[]string{"type", "status"},
	)

	EnvelopeParseFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmux_envelope_parse_failures_total",
			Help: "Malformed or unknown-kind envelopes received",
		},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmux_sessions_active",
			Help: "Number of live sessions (tombstones excluded)",
		},
	)

	SessionOutputBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmux_session_output_bytes_total",
			Help: "PTY output bytes fanned out to attachments",
		},
	)

	// Stream metrics
	StreamEventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmux_stream_events_published_total",
			Help: "Observed events appended to the stream journal",
		},
	)

	StreamSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmux_stream_subscriptions",
			Help: "Active stream subscriptions",
		},
	)

	// Telemetry metrics
	TelemetryRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmux_telemetry_requests_total",
			Help: "Telemetry HTTP requests by signal and status code",
		},
		[]string{"signal", "code"},
	)

	TelemetryEventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmux_telemetry_events_ingested_total",
			Help: "Normalized telemetry events by source",
		},
		[]string{"source"},
	)

	// Poller metrics
	GitProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmux_git_probes_total",
			Help: "Git directory probes by outcome",
		},
		[]string{"outcome"},
	)

	HistoryLinesParsed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmux_history_lines_parsed_total",
			Help: "History file lines parsed into telemetry events",
		},
	)

	// Hook metrics
	HookDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmux_hook_dispatches_total",
			Help: "Lifecycle hook dispatches by target and outcome",
		},
		[]string{"target", "outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(ConnectionsDestroyed)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(EnvelopeParseFailures)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionOutputBytes)
	prometheus.MustRegister(StreamEventsPublished)
	prometheus.MustRegister(StreamSubscriptions)
	prometheus.MustRegister(TelemetryRequests)
	prometheus.MustRegister(TelemetryEventsIngested)
	prometheus.MustRegister(GitProbesTotal)
	prometheus.MustRegister(HistoryLinesParsed)
	prometheus.MustRegister(HookDispatches)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
