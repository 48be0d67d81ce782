package telemetry

import (
	"time"

	"github.com/agentmux/agentmux/pkg/types"
)

// Event sources.
const (
	SourceOTLPLog    = "otlp-log"
	SourceOTLPMetric = "otlp-metric"
	SourceOTLPTrace  = "otlp-trace"
	SourceHistory    = "history"
)

// Event is a normalized telemetry observation. StatusHint is empty when
// the observation carries no lifecycle meaning.
type Event struct {
	Source           string                 `json:"source"`
	ObservedAt       time.Time              `json:"observedAt"`
	EventName        string                 `json:"eventName"`
	Severity         string                 `json:"severity,omitempty"`
	Summary          string                 `json:"summary,omitempty"`
	ProviderThreadID string                 `json:"providerThreadId,omitempty"`
	StatusHint       types.RuntimeStatus    `json:"statusHint,omitempty"`
	Payload          map[string]types.Value `json:"payload,omitempty"`
}

// SameObservation reports whether two events are identical for the
// consecutive-duplicate dedup: observedAt, eventName, providerThreadId,
// and summary all equal.
func (e Event) SameObservation(other Event) bool {
	return e.ObservedAt.Equal(other.ObservedAt) &&
		e.EventName == other.EventName &&
		e.ProviderThreadID == other.ProviderThreadID &&
		e.Summary == other.Summary
}
