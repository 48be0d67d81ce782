package events

import (
	"sync"
	"time"

	"github.com/agentmux/agentmux/pkg/metrics"
	"github.com/agentmux/agentmux/pkg/types"
	"github.com/google/uuid"
)

// Type names an observed event.
type Type string

const (
	DirectoryUpserted   Type = "directory-upserted"
	DirectoryArchived   Type = "directory-archived"
	DirectoryGitUpdated Type = "directory-git-updated"

	ConversationCreated  Type = "conversation-created"
	ConversationUpdated  Type = "conversation-updated"
	ConversationArchived Type = "conversation-archived"
	ConversationDeleted  Type = "conversation-deleted"

	RepositoryUpserted Type = "repository-upserted"
	RepositoryArchived Type = "repository-archived"

	TaskCreated   Type = "task-created"
	TaskUpdated   Type = "task-updated"
	TaskDeleted   Type = "task-deleted"
	TaskReordered Type = "task-reordered"

	SessionStatus   Type = "session-status"
	SessionKeyEvent Type = "session-key-event"
	SessionOutput   Type = "session-output"
)

// Event is one observed domain mutation. Every successful durable
// mutation emits exactly one event, except task reorder which emits one
// batched event carrying TaskIDs.
type Event struct {
	Type           Type        `json:"type"`
	Scope          types.Scope `json:"scope"`
	DirectoryID    string      `json:"directoryId,omitempty"`
	ConversationID string      `json:"conversationId,omitempty"`
	RepositoryID   string      `json:"repositoryId,omitempty"`
	TaskID         string      `json:"taskId,omitempty"`
	TaskIDs        []string    `json:"taskIds,omitempty"`
	// Output marks high-volume PTY output events, suppressed unless a
	// filter opts in.
	Output    bool        `json:"output,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Filter selects the events a subscription observes. Empty fields match
// anything; Output events require IncludeOutput.
type Filter struct {
	Scope          types.Scope `json:"scope"`
	DirectoryID    string      `json:"directoryId,omitempty"`
	ConversationID string      `json:"conversationId,omitempty"`
	RepositoryID   string      `json:"repositoryId,omitempty"`
	TaskID         string      `json:"taskId,omitempty"`
	IncludeOutput  bool        `json:"includeOutput,omitempty"`
}

// Matches applies the scoped-filter rules.
func (f Filter) Matches(ev *Event) bool {
	if ev.Output && !f.IncludeOutput {
		return false
	}
	if !ev.Scope.Matches(f.Scope) {
		return false
	}
	if f.DirectoryID != "" && f.DirectoryID != ev.DirectoryID {
		return false
	}
	if f.ConversationID != "" && f.ConversationID != ev.ConversationID {
		return false
	}
	if f.RepositoryID != "" && f.RepositoryID != ev.RepositoryID {
		return false
	}
	if f.TaskID != "" && !eventHasTask(ev, f.TaskID) {
		return false
	}
	return true
}

// eventHasTask inspects the structured payload: a batched event matches
// when any task in the batch has the id.
func eventHasTask(ev *Event, taskID string) bool {
	if ev.TaskID == taskID {
		return true
	}
	for _, id := range ev.TaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}

// Sink delivers one journaled event to a subscriber. Sinks are called
// synchronously under the bus lock and must not block: connection writers
// enqueue and drop on overflow rather than back-pressuring the bus.
type Sink func(subscriptionID string, cursor uint64, ev *Event)

type journalEntry struct {
	cursor uint64
	ev     *Event
}

type subscription struct {
	id     string
	filter Filter
	sink   Sink
}

// Bus fans observed events out to scope-filtered subscribers and keeps a
// bounded journal for replay. Cursors are per-gateway-lifetime,
// monotonically increasing, and do not persist across restart.
type Bus struct {
	mu         sync.Mutex
	maxEntries int
	nextCursor uint64
	journal    []journalEntry
	subs       map[string]*subscription
}

// NewBus creates a bus whose journal is trimmed to maxEntries.
func NewBus(maxEntries int) *Bus {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &Bus{
		maxEntries: maxEntries,
		nextCursor: 1,
		subs:       make(map[string]*subscription),
	}
}

// Publish journals the event and delivers it to every matching
// subscriber in subscription order. Events published by a single caller
// are observed by any single subscriber in publish order.
func (b *Bus) Publish(ev *Event) uint64 {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cursor := b.nextCursor
	b.nextCursor++
	b.journal = append(b.journal, journalEntry{cursor: cursor, ev: ev})
	if len(b.journal) > b.maxEntries {
		b.journal = b.journal[len(b.journal)-b.maxEntries:]
	}
	metrics.StreamEventsPublished.Inc()

	for _, sub := range b.orderedSubs() {
		if sub.filter.Matches(ev) {
			sub.sink(sub.id, cursor, ev)
		}
	}
	return cursor
}

// orderedSubs returns subscriptions in a stable order so delivery order
// is deterministic. Caller holds b.mu.
func (b *Bus) orderedSubs() []*subscription {
	out := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		out = append(out, sub)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].id > out[j].id; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Subscribe registers a sink and replays journal entries strictly after
// afterCursor that match the filter, in order, before any live event is
// delivered. It returns the subscription id and the journal head cursor
// at subscribe time.
func (b *Bus) Subscribe(filter Filter, afterCursor uint64, sink Sink) (string, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	for _, entry := range b.journal {
		if entry.cursor <= afterCursor {
			continue
		}
		if filter.Matches(entry.ev) {
			sink(id, entry.cursor, entry.ev)
		}
	}
	b.subs[id] = &subscription{id: id, filter: filter, sink: sink}
	metrics.StreamSubscriptions.Set(float64(len(b.subs)))
	return id, b.nextCursor - 1
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
	metrics.StreamSubscriptions.Set(float64(len(b.subs)))
}

// Head returns the cursor of the most recently published event.
func (b *Bus) Head() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextCursor - 1
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
