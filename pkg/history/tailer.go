// Package history tails the codex history file and turns appended lines
// into telemetry events. The file is append-mostly; truncation resets
// the read cursor to the beginning.
package history

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/agentmux/agentmux/pkg/log"
	"github.com/agentmux/agentmux/pkg/metrics"
	"github.com/agentmux/agentmux/pkg/protocol"
	"github.com/agentmux/agentmux/pkg/telemetry"
	"github.com/agentmux/agentmux/pkg/types"
)

// Sink receives the events parsed from one productive tick.
type Sink func(events []telemetry.Event)

// Config tunes the tailer.
type Config struct {
	Path   string
	PollMs int
}

// historyLine is one entry of the history file. Unknown fields are
// ignored.
type historyLine struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text,omitempty"`
}

// Tailer polls the history file with jittered backoff: productive ticks
// poll sooner, idle streaks back off.
type Tailer struct {
	cfg  Config
	sink Sink

	cursor     int64
	idleStreak int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	rng       *rand.Rand
}

// NewTailer creates a tailer. Start begins at the current end of the
// file, so a restart reparses nothing.
func NewTailer(cfg Config, sink Sink) *Tailer {
	return &Tailer{
		cfg:  cfg,
		sink: sink,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the poll loop. Subsequent calls are no-ops.
func (t *Tailer) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		if info, err := os.Stat(t.cfg.Path); err == nil {
			t.cursor = info.Size()
		}
		ctx, t.cancel = context.WithCancel(ctx)
		t.wg.Add(1)
		go t.run(ctx)
		historyLog := log.WithComponent("history")
		historyLog.Info().Str("path", t.cfg.Path).Msg("History tailer started")
	})
}

// Stop cancels the loop and waits for it to drain.
func (t *Tailer) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Tailer) run(ctx context.Context) {
	defer t.wg.Done()
	for {
		productive := t.tick()
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.nextDelay(productive)):
		}
	}
}

// nextDelay picks the jittered wait before the next poll. Productive
// ticks draw from [0.55, 1.5] x pollMs, idle streaks from [1.2, 2.8].
func (t *Tailer) nextDelay(productive bool) time.Duration {
	base := float64(t.cfg.PollMs) * float64(time.Millisecond)
	lo, hi := 0.55, 1.5
	if !productive {
		lo, hi = 1.2, 2.8
	}
	return time.Duration(base * (lo + t.rng.Float64()*(hi-lo)))
}

// tick stats the file and parses anything appended since the cursor.
func (t *Tailer) tick() bool {
	info, err := os.Stat(t.cfg.Path)
	if err != nil {
		t.idleStreak++
		return false
	}
	size := info.Size()
	if size < t.cursor {
		// Truncated, start over.
		t.cursor = 0
	}
	if size == t.cursor {
		t.idleStreak++
		return false
	}

	f, err := os.Open(t.cfg.Path)
	if err != nil {
		historyLog := log.WithComponent("history")
		historyLog.Warn().Err(err).Msg("Failed to open history file")
		t.idleStreak++
		return false
	}
	defer f.Close()

	if _, err := f.Seek(t.cursor, io.SeekStart); err != nil {
		t.idleStreak++
		return false
	}

	var events []telemetry.Event
	sc := protocol.NewLineScanner(f)
	consumed := t.cursor
	for sc.Scan() {
		raw := sc.Bytes()
		consumed += int64(len(raw)) + 1
		if consumed > size {
			// Partial trailing line, re-read next tick.
			consumed -= int64(len(raw)) + 1
			break
		}
		var line historyLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}
		metrics.HistoryLinesParsed.Inc()
		events = append(events, toEvent(line))
	}
	t.cursor = consumed

	if len(events) == 0 {
		t.idleStreak++
		return false
	}
	t.idleStreak = 0
	t.sink(events)
	return true
}

func toEvent(line historyLine) telemetry.Event {
	observed := time.Now()
	if line.Timestamp > 0 {
		observed = time.Unix(line.Timestamp, 0).UTC()
	}
	ev := telemetry.Event{
		Source:           telemetry.SourceHistory,
		ObservedAt:       observed,
		EventName:        line.Type,
		Summary:          line.Text,
		ProviderThreadID: line.SessionID,
	}
	switch line.Type {
	case "user_prompt", "heartbeat":
		ev.StatusHint = types.StatusRunning
	case "response.completed":
		ev.StatusHint = types.StatusCompleted
	case "input.required", "needs-input":
		ev.StatusHint = types.StatusNeedsInput
	}
	return ev
}
