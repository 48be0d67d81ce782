package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/types"
)

const logsPayload = `{
  "resourceLogs": [{
    "scopeLogs": [{
      "logRecords": [
        {
          "observedTimeUnixNano": "1700000000000000000",
          "severityText": "INFO",
          "body": {"stringValue": "user asked a question"},
          "attributes": [
            {"key": "event.name", "value": {"stringValue": "codex.user_prompt"}},
            {"key": "conversation.id", "value": {"stringValue": "T1"}},
            {"key": "prompt_length", "value": {"intValue": "42"}}
          ]
        },
        {
          "timeUnixNano": "1700000001000000000",
          "attributes": [
            {"key": "kind", "value": {"stringValue": "response.in_progress"}},
            {"key": "thread.id", "value": {"stringValue": "T1"}}
          ]
        },
        {
          "timeUnixNano": "1700000002000000000",
          "attributes": [
            {"key": "kind", "value": {"stringValue": "response.completed"}},
            {"key": "thread.id", "value": {"stringValue": "T1"}}
          ]
        }
      ]
    }]
  }]
}`

func TestNormalizeLogs(t *testing.T) {
	now := time.Now()
	events, err := NormalizeLogs([]byte(logsPayload), false, now)
	require.NoError(t, err)
	require.Len(t, events, 3)

	prompt := events[0]
	assert.Equal(t, SourceOTLPLog, prompt.Source)
	assert.Equal(t, "codex.user_prompt", prompt.EventName)
	assert.Equal(t, types.StatusRunning, prompt.StatusHint)
	assert.Equal(t, "T1", prompt.ProviderThreadID)
	assert.Equal(t, "user asked a question", prompt.Summary)
	assert.Equal(t, "INFO", prompt.Severity)
	assert.Equal(t, time.Unix(0, 1700000000000000000), prompt.ObservedAt)
	assert.Equal(t, 42.0, prompt.Payload["prompt_length"].Num)

	assert.Equal(t, types.RuntimeStatus(""), events[1].StatusHint)
	assert.Equal(t, time.Unix(0, 1700000001000000000), events[1].ObservedAt)

	assert.Equal(t, types.StatusCompleted, events[2].StatusHint)
}

func TestNormalizeLogsLifecycleFastDropsInProgress(t *testing.T) {
	events, err := NormalizeLogs([]byte(logsPayload), true, time.Now())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.StatusRunning, events[0].StatusHint)
	assert.Equal(t, types.StatusCompleted, events[1].StatusHint)
}

func TestNormalizeLogsNeedsInput(t *testing.T) {
	payload := `{"resourceLogs":[{"scopeLogs":[{"logRecords":[
    {"attributes":[{"key":"kind","value":{"stringValue":"input.required"}}]}
  ]}]}]}`
	now := time.Now()
	events, err := NormalizeLogs([]byte(payload), false, now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.StatusNeedsInput, events[0].StatusHint)
	// No timestamp in the record falls back to receipt time.
	assert.Equal(t, now, events[0].ObservedAt)
}

func TestNormalizeLogsBadPayload(t *testing.T) {
	_, err := NormalizeLogs([]byte("not json"), false, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse logs payload")
}

func TestNormalizeMetrics(t *testing.T) {
	payload := `{"resourceMetrics":[{"scopeMetrics":[{"metrics":[
    {"name":"codex.turn.e2e_duration_ms","histogram":{"dataPoints":[
      {"timeUnixNano":"1700000003000000000",
       "attributes":[{"key":"thread.id","value":{"stringValue":"T1"}}]}
    ]}},
    {"name":"codex.tokens.used","sum":{"dataPoints":[
      {"attributes":[{"key":"session.id","value":{"stringValue":"T1"}}]}
    ]}}
  ]}]}]}`
	now := time.Now()
	events, err := NormalizeMetrics([]byte(payload), now)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, SourceOTLPMetric, events[0].Source)
	assert.Equal(t, "codex.turn.e2e_duration_ms", events[0].EventName)
	assert.Equal(t, types.StatusCompleted, events[0].StatusHint)
	assert.Equal(t, "T1", events[0].ProviderThreadID)
	assert.Equal(t, time.Unix(0, 1700000003000000000), events[0].ObservedAt)

	assert.Equal(t, types.RuntimeStatus(""), events[1].StatusHint)
	assert.Equal(t, "T1", events[1].ProviderThreadID)
	assert.Equal(t, now, events[1].ObservedAt)
}

func TestNormalizeTraces(t *testing.T) {
	payload := `{"resourceSpans":[{"scopeSpans":[{"spans":[
    {"name":"codex.websocket_event","endTimeUnixNano":"1700000004000000000",
     "attributes":[{"key":"thread.id","value":{"stringValue":"T1"}}]},
    {"name":"codex.api_call"}
  ]}]}]}`
	events, err := NormalizeTraces([]byte(payload), time.Now())
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, SourceOTLPTrace, events[0].Source)
	assert.Equal(t, types.StatusRunning, events[0].StatusHint)
	assert.Equal(t, time.Unix(0, 1700000004000000000), events[0].ObservedAt)
	assert.Equal(t, types.RuntimeStatus(""), events[1].StatusHint)
}

func TestSameObservation(t *testing.T) {
	at := time.Now()
	a := Event{Source: SourceOTLPLog, ObservedAt: at, EventName: "codex.user_prompt", ProviderThreadID: "T1", Summary: "hi"}

	b := a
	b.Source = SourceHistory
	assert.True(t, a.SameObservation(b), "source must be ignored")

	b = a
	b.ObservedAt = at.Add(time.Millisecond)
	assert.False(t, a.SameObservation(b))

	b = a
	b.Summary = "different"
	assert.False(t, a.SameObservation(b))

	b = a
	b.ProviderThreadID = "T2"
	assert.False(t, a.SameObservation(b))
}
