package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/agentmux/agentmux/pkg/types"
)

// OTLP-shaped JSON decode. Only the fields behavior depends on are typed;
// everything else rides along in the structured payload.

type otlpAttrValue struct {
	StringValue *string  `json:"stringValue,omitempty"`
	IntValue    *string  `json:"intValue,omitempty"`
	DoubleValue *float64 `json:"doubleValue,omitempty"`
	BoolValue   *bool    `json:"boolValue,omitempty"`
}

type otlpKeyValue struct {
	Key   string        `json:"key"`
	Value otlpAttrValue `json:"value"`
}

type otlpLogRecord struct {
	TimeUnixNano         string         `json:"timeUnixNano,omitempty"`
	ObservedTimeUnixNano string         `json:"observedTimeUnixNano,omitempty"`
	SeverityText         string         `json:"severityText,omitempty"`
	Body                 otlpAttrValue  `json:"body,omitempty"`
	Attributes           []otlpKeyValue `json:"attributes,omitempty"`
}

type otlpLogsPayload struct {
	ResourceLogs []struct {
		ScopeLogs []struct {
			LogRecords []otlpLogRecord `json:"logRecords,omitempty"`
		} `json:"scopeLogs,omitempty"`
	} `json:"resourceLogs,omitempty"`
}

type otlpDataPoint struct {
	TimeUnixNano string         `json:"timeUnixNano,omitempty"`
	Attributes   []otlpKeyValue `json:"attributes,omitempty"`
}

type otlpMetric struct {
	Name string `json:"name"`
	Sum  *struct {
		DataPoints []otlpDataPoint `json:"dataPoints,omitempty"`
	} `json:"sum,omitempty"`
	Gauge *struct {
		DataPoints []otlpDataPoint `json:"dataPoints,omitempty"`
	} `json:"gauge,omitempty"`
	Histogram *struct {
		DataPoints []otlpDataPoint `json:"dataPoints,omitempty"`
	} `json:"histogram,omitempty"`
}

type otlpMetricsPayload struct {
	ResourceMetrics []struct {
		ScopeMetrics []struct {
			Metrics []otlpMetric `json:"metrics,omitempty"`
		} `json:"scopeMetrics,omitempty"`
	} `json:"resourceMetrics,omitempty"`
}

type otlpSpan struct {
	Name              string         `json:"name"`
	StartTimeUnixNano string         `json:"startTimeUnixNano,omitempty"`
	EndTimeUnixNano   string         `json:"endTimeUnixNano,omitempty"`
	Attributes        []otlpKeyValue `json:"attributes,omitempty"`
}

type otlpTracesPayload struct {
	ResourceSpans []struct {
		ScopeSpans []struct {
			Spans []otlpSpan `json:"spans,omitempty"`
		} `json:"scopeSpans,omitempty"`
	} `json:"resourceSpans,omitempty"`
}

func attrString(attrs []otlpKeyValue, key string) string {
	for _, kv := range attrs {
		if kv.Key != key {
			continue
		}
		if kv.Value.StringValue != nil {
			return *kv.Value.StringValue
		}
		if kv.Value.IntValue != nil {
			return *kv.Value.IntValue
		}
	}
	return ""
}

// threadIDFromAttrs resolves the provider-side thread id, trying the
// attribute keys codex emits across signal types.
func threadIDFromAttrs(attrs []otlpKeyValue) string {
	for _, key := range []string{"thread.id", "conversation.id", "session.id"} {
		if v := attrString(attrs, key); v != "" {
			return v
		}
	}
	return ""
}

func unixNano(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Unix(0, n)
}

func attrsToPayload(attrs []otlpKeyValue) map[string]types.Value {
	if len(attrs) == 0 {
		return nil
	}
	payload := make(map[string]types.Value, len(attrs))
	for _, kv := range attrs {
		switch {
		case kv.Value.StringValue != nil:
			payload[kv.Key] = types.String(*kv.Value.StringValue)
		case kv.Value.IntValue != nil:
			if n, err := strconv.ParseInt(*kv.Value.IntValue, 10, 64); err == nil {
				payload[kv.Key] = types.Number(float64(n))
			}
		case kv.Value.DoubleValue != nil:
			payload[kv.Key] = types.Number(*kv.Value.DoubleValue)
		case kv.Value.BoolValue != nil:
			payload[kv.Key] = types.Boolean(*kv.Value.BoolValue)
		}
	}
	return payload
}

// Log record kinds with lifecycle meaning.
const (
	logKindResponseCompleted  = "response.completed"
	logKindResponseInProgress = "response.in_progress"
	eventNameUserPrompt       = "codex.user_prompt"
	metricTurnDuration        = "codex.turn.e2e_duration_ms"
	spanWebsocketEvent        = "codex.websocket_event"
)

// logStatusHint maps a log record to its lifecycle hint.
func logStatusHint(eventName, kind string) types.RuntimeStatus {
	switch {
	case kind == logKindResponseCompleted:
		return types.StatusCompleted
	case eventName == eventNameUserPrompt:
		return types.StatusRunning
	case kind == "needs-input" || kind == "input.required" || eventName == "codex.needs_input":
		return types.StatusNeedsInput
	}
	return ""
}

// NormalizeLogs decodes an OTLP-shaped logs payload. In lifecycle-fast
// mode response.in_progress records are dropped entirely.
func NormalizeLogs(data []byte, lifecycleFast bool, now time.Time) ([]Event, error) {
	var payload otlpLogsPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse logs payload: %w", err)
	}

	var out []Event
	for _, rl := range payload.ResourceLogs {
		for _, sl := range rl.ScopeLogs {
			for _, rec := range sl.LogRecords {
				eventName := attrString(rec.Attributes, "event.name")
				kind := attrString(rec.Attributes, "kind")
				if kind == logKindResponseInProgress && lifecycleFast {
					continue
				}
				observed := unixNano(rec.ObservedTimeUnixNano, time.Time{})
				if observed.IsZero() {
					observed = unixNano(rec.TimeUnixNano, now)
				}
				summary := ""
				if rec.Body.StringValue != nil {
					summary = *rec.Body.StringValue
				}
				out = append(out, Event{
					Source:           SourceOTLPLog,
					ObservedAt:       observed,
					EventName:        eventName,
					Severity:         rec.SeverityText,
					Summary:          summary,
					ProviderThreadID: threadIDFromAttrs(rec.Attributes),
					StatusHint:       logStatusHint(eventName, kind),
					Payload:          attrsToPayload(rec.Attributes),
				})
			}
		}
	}
	return out, nil
}

// NormalizeMetrics decodes an OTLP-shaped metrics payload. The turn
// duration metric marks a turn as completed.
func NormalizeMetrics(data []byte, now time.Time) ([]Event, error) {
	var payload otlpMetricsPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse metrics payload: %w", err)
	}

	var out []Event
	for _, rm := range payload.ResourceMetrics {
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				var points []otlpDataPoint
				switch {
				case m.Sum != nil:
					points = m.Sum.DataPoints
				case m.Gauge != nil:
					points = m.Gauge.DataPoints
				case m.Histogram != nil:
					points = m.Histogram.DataPoints
				}
				for _, dp := range points {
					ev := Event{
						Source:           SourceOTLPMetric,
						ObservedAt:       unixNano(dp.TimeUnixNano, now),
						EventName:        m.Name,
						ProviderThreadID: threadIDFromAttrs(dp.Attributes),
						Payload:          attrsToPayload(dp.Attributes),
					}
					if m.Name == metricTurnDuration {
						ev.StatusHint = types.StatusCompleted
					}
					out = append(out, ev)
				}
			}
		}
	}
	return out, nil
}

// NormalizeTraces decodes an OTLP-shaped traces payload. The websocket
// event span is a running heartbeat.
func NormalizeTraces(data []byte, now time.Time) ([]Event, error) {
	var payload otlpTracesPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse traces payload: %w", err)
	}

	var out []Event
	for _, rs := range payload.ResourceSpans {
		for _, ss := range rs.ScopeSpans {
			for _, span := range ss.Spans {
				ev := Event{
					Source:           SourceOTLPTrace,
					ObservedAt:       unixNano(span.EndTimeUnixNano, now),
					EventName:        span.Name,
					ProviderThreadID: threadIDFromAttrs(span.Attributes),
					Payload:          attrsToPayload(span.Attributes),
				}
				if span.Name == spanWebsocketEvent {
					ev.StatusHint = types.StatusRunning
				}
				out = append(out, ev)
			}
		}
	}
	return out, nil
}
