package history

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/telemetry"
	"github.com/agentmux/agentmux/pkg/types"
)

type eventCollector struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (c *eventCollector) sink(events []telemetry.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
}

func (c *eventCollector) all() []telemetry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]telemetry.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestNextDelayBounds(t *testing.T) {
	tailer := NewTailer(Config{PollMs: 100}, func([]telemetry.Event) {})

	for i := 0; i < 200; i++ {
		d := tailer.nextDelay(true)
		assert.GreaterOrEqual(t, d, 55*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)

		d = tailer.nextDelay(false)
		assert.GreaterOrEqual(t, d, 120*time.Millisecond)
		assert.LessOrEqual(t, d, 280*time.Millisecond)
	}
}

func TestTickParsesAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"type":"user_prompt","session_id":"T1","timestamp":1700000000,"text":"hello"}`+"\n"+
			"not json at all\n"+
			`{"type":"response.completed","session_id":"T1","timestamp":1700000010}`+"\n",
	), 0o644))

	col := &eventCollector{}
	tailer := NewTailer(Config{Path: path, PollMs: 10}, col.sink)

	assert.True(t, tailer.tick())
	events := col.all()
	require.Len(t, events, 2)

	assert.Equal(t, telemetry.SourceHistory, events[0].Source)
	assert.Equal(t, "user_prompt", events[0].EventName)
	assert.Equal(t, "hello", events[0].Summary)
	assert.Equal(t, "T1", events[0].ProviderThreadID)
	assert.Equal(t, types.StatusRunning, events[0].StatusHint)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), events[0].ObservedAt)

	assert.Equal(t, types.StatusCompleted, events[1].StatusHint)

	// Nothing new: idle tick.
	assert.False(t, tailer.tick())
}

func TestTickDefersPartialTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"type":"heartbeat","session_id":"T1"}`+"\n"+
			`{"type":"input.requ`,
	), 0o644))

	col := &eventCollector{}
	tailer := NewTailer(Config{Path: path, PollMs: 10}, col.sink)

	assert.True(t, tailer.tick())
	require.Len(t, col.all(), 1)
	assert.Equal(t, "heartbeat", col.all()[0].EventName)

	// Completing the line makes the next tick pick it up whole.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`ired","session_id":"T1"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.True(t, tailer.tick())
	events := col.all()
	require.Len(t, events, 2)
	assert.Equal(t, "input.required", events[1].EventName)
	assert.Equal(t, types.StatusNeedsInput, events[1].StatusHint)
}

func TestTickResetsCursorOnTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	long := `{"type":"user_prompt","session_id":"T1","text":"a much longer first generation line"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(long), 0o644))

	col := &eventCollector{}
	tailer := NewTailer(Config{Path: path, PollMs: 10}, col.sink)
	assert.True(t, tailer.tick())
	require.Len(t, col.all(), 1)

	// Rewrite the file shorter than the cursor.
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"heartbeat","session_id":"T2"}`+"\n"), 0o644))

	assert.True(t, tailer.tick())
	events := col.all()
	require.Len(t, events, 2)
	assert.Equal(t, "T2", events[1].ProviderThreadID)
}

func TestStartBeginsAtEndOfFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"type":"user_prompt","session_id":"old"}`+"\n",
	), 0o644))

	col := &eventCollector{}
	tailer := NewTailer(Config{Path: path, PollMs: 5}, col.sink)
	tailer.Start(context.Background())
	defer tailer.Stop()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"heartbeat","session_id":"new"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return len(col.all()) == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, "new", col.all()[0].ProviderThreadID)
}
