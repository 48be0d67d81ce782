package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/pty"
	"github.com/agentmux/agentmux/pkg/types"
)

type fakeProcess struct {
	mu      sync.Mutex
	writes  [][]byte
	signals []pty.SignalKind
	closed  bool
	cb      pty.Callbacks
}

func (p *fakeProcess) PID() int { return 4242 }

func (p *fakeProcess) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	p.writes = append(p.writes, buf)
	return nil
}

func (p *fakeProcess) Resize(cols, rows int) error { return nil }

func (p *fakeProcess) Signal(kind pty.SignalKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, kind)
	return nil
}

func (p *fakeProcess) Snapshot() ([]byte, error) { return []byte("snapshot"), nil }

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProcess) emitOutput(data string) { p.cb.OnOutput([]byte(data)) }

func (p *fakeProcess) emitExit(code int) {
	p.cb.OnExit(&code, nil)
}

func (p *fakeProcess) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

type fakeFactory struct {
	mu    sync.Mutex
	procs map[string]*fakeProcess
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{procs: make(map[string]*fakeProcess)}
}

func (f *fakeFactory) Start(_ context.Context, spec pty.StartSpec, cb pty.Callbacks) (pty.Process, error) {
	proc := &fakeProcess{cb: cb}
	f.mu.Lock()
	f.procs[spec.Command] = proc
	f.mu.Unlock()
	return proc, nil
}

func (f *fakeFactory) proc(command string) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[command]
}

func newTestRegistry(t *testing.T, factory *fakeFactory, ttl time.Duration) *Registry {
	t.Helper()
	return NewRegistry(Config{
		Factory:      factory,
		TombstoneTTL: ttl,
		MaxBacklog:   16,
		Logger:       zerolog.Nop(),
	})
}

func startSession(t *testing.T, r *Registry, id string) Info {
	t.Helper()
	info, err := r.Start(context.Background(), StartRequest{
		SessionID:   id,
		DirectoryID: "D1",
		Scope:       types.Scope{TenantID: "t1"},
		AgentType:   types.AgentCodex,
		Spec:        pty.StartSpec{Command: id},
	})
	require.NoError(t, err)
	return info
}

func TestStartConflictsWithLiveSession(t *testing.T) {
	factory := newFakeFactory()
	r := newTestRegistry(t, factory, time.Minute)

	startSession(t, r, "S1")
	_, err := r.Start(context.Background(), StartRequest{
		SessionID: "S1",
		Spec:      pty.StartSpec{Command: "S1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session already exists")
}

func TestAttachReplaysBacklogAfterCursor(t *testing.T) {
	factory := newFakeFactory()
	r := newTestRegistry(t, factory, time.Minute)
	startSession(t, r, "S1")
	proc := factory.proc("S1")

	proc.emitOutput("first")
	proc.emitOutput("second")

	type chunk struct {
		cursor uint64
		data   string
	}
	var got []chunk
	attachID, latest, err := r.Attach("S1", "conn-1", 1, func(_ string, cursor uint64, data []byte) {
		got = append(got, chunk{cursor: cursor, data: string(data)})
	})
	require.NoError(t, err)
	assert.NotEmpty(t, attachID)
	assert.Equal(t, uint64(2), latest)

	// Replay is strictly after the requested cursor.
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].cursor)
	assert.Equal(t, "second", got[0].data)

	// Live output continues with the next cursor.
	proc.emitOutput("third")
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[1].cursor)
	assert.Equal(t, "third", got[1].data)

	require.NoError(t, r.Detach("S1", attachID))
	proc.emitOutput("fourth")
	assert.Len(t, got, 2)
}

func TestControllerGate(t *testing.T) {
	factory := newFakeFactory()
	r := newTestRegistry(t, factory, time.Minute)
	startSession(t, r, "S1")
	proc := factory.proc("S1")

	_, err := r.Claim("S1", "conn-a", "owner", "agent", false)
	require.NoError(t, err)

	// Competing claim without takeover is rejected.
	_, err = r.Claim("S1", "conn-b", "rival", "user", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claimed by agent:owner")

	// Non-controller streaming input is silently dropped.
	written, err := r.Input("S1", "conn-b", []byte("stolen"))
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, 0, proc.writeCount())

	// Non-controller respond is rejected with the holder named.
	err = r.Respond("S1", "conn-b", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claimed by agent:owner")

	// The controller writes through.
	written, err = r.Input("S1", "conn-a", []byte("ok"))
	require.NoError(t, err)
	assert.True(t, written)
	require.NoError(t, r.Respond("S1", "conn-a", "yes"))
	assert.Equal(t, []byte("yes\n"), proc.writes[proc.writeCount()-1])

	// Takeover transfers the claim.
	ctrl, err := r.Claim("S1", "conn-b", "rival", "user", true)
	require.NoError(t, err)
	assert.Equal(t, "rival", ctrl.ID)
	written, err = r.Input("S1", "conn-a", []byte("late"))
	require.NoError(t, err)
	assert.False(t, written)

	// Release by the holder clears the claim; releasing again is a no-op.
	released, err := r.Release("S1", "conn-b")
	require.NoError(t, err)
	assert.True(t, released)
	released, err = r.Release("S1", "conn-b")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestReleaseConnectionClearsClaim(t *testing.T) {
	factory := newFakeFactory()
	r := newTestRegistry(t, factory, time.Minute)
	startSession(t, r, "S1")

	_, err := r.Claim("S1", "conn-a", "owner", "agent", false)
	require.NoError(t, err)

	r.ReleaseConnection("conn-a")

	info, err := r.Status("S1")
	require.NoError(t, err)
	assert.Nil(t, info.Controller)
}

func TestExitTombstone(t *testing.T) {
	factory := newFakeFactory()
	r := newTestRegistry(t, factory, 50*time.Millisecond)
	startSession(t, r, "S1")
	proc := factory.proc("S1")

	var exits []types.ExitStatus
	require.NoError(t, r.SubscribeEvents("S1", "conn-1", func(string, uint64, []byte) {}, nil,
		func(_ string, exit types.ExitStatus) { exits = append(exits, exit) }))

	proc.emitExit(0)

	require.Len(t, exits, 1)
	require.NotNil(t, exits[0].Code)
	assert.Equal(t, 0, *exits[0].Code)

	// The tombstone is observable until the TTL elapses.
	info, err := r.Status("S1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusExited, info.Status)
	assert.False(t, info.Live)
	require.NotNil(t, info.LastExit)

	err = r.Interrupt("S1", "conn-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session is not live")

	// The snapshot captured at exit is served stale.
	snap, stale, err := r.Snapshot("S1")
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, []byte("snapshot"), snap)

	require.Eventually(t, func() bool {
		_, err := r.Status("S1")
		return err != nil
	}, time.Second, 10*time.Millisecond)

	// The id is free again after removal.
	startSession(t, r, "S1")
}

func TestExitWithZeroTTLRemovesImmediately(t *testing.T) {
	factory := newFakeFactory()
	r := newTestRegistry(t, factory, 0)
	startSession(t, r, "S1")

	factory.proc("S1").emitExit(1)

	_, err := r.Status("S1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
}

func TestApplyStatusHint(t *testing.T) {
	factory := newFakeFactory()

	var statuses []types.RuntimeStatus
	reg := NewRegistry(Config{
		Factory:      factory,
		TombstoneTTL: time.Minute,
		OnStatus:     func(info Info) { statuses = append(statuses, info.Status) },
		Logger:       zerolog.Nop(),
	})

	_, err := reg.Start(context.Background(), StartRequest{
		SessionID: "S1",
		Spec:      pty.StartSpec{Command: "S1"},
	})
	require.NoError(t, err)

	info, applied := reg.ApplyStatusHint("S1", types.StatusNeedsInput, "input.required", time.Now())
	assert.True(t, applied)
	assert.Equal(t, types.StatusNeedsInput, info.Status)
	assert.Equal(t, "input.required", info.AttentionReason)

	// Leaving needs-input clears the attention reason.
	info, applied = reg.ApplyStatusHint("S1", types.StatusCompleted, "", time.Now())
	assert.True(t, applied)
	assert.Empty(t, info.AttentionReason)

	// Exit is terminal: hints after exit are dropped.
	factory.proc("S1").emitExit(0)
	_, applied = reg.ApplyStatusHint("S1", types.StatusRunning, "", time.Now())
	assert.False(t, applied)

	assert.Contains(t, statuses, types.StatusNeedsInput)
	assert.Contains(t, statuses, types.StatusExited)
}

func TestOutputListenerObservesEveryChunk(t *testing.T) {
	factory := newFakeFactory()

	type observed struct {
		sessionID   string
		directoryID string
		scope       types.Scope
		cursor      uint64
		data        string
	}
	var got []observed
	r := NewRegistry(Config{
		Factory:      factory,
		TombstoneTTL: time.Minute,
		OnOutput: func(sessionID, directoryID string, scope types.Scope, cursor uint64, chunk []byte) {
			got = append(got, observed{sessionID, directoryID, scope, cursor, string(chunk)})
		},
		Logger: zerolog.Nop(),
	})

	_, err := r.Start(context.Background(), StartRequest{
		SessionID:   "S1",
		DirectoryID: "D1",
		Scope:       types.Scope{TenantID: "t1"},
		AgentType:   types.AgentCodex,
		Spec:        pty.StartSpec{Command: "S1"},
	})
	require.NoError(t, err)

	proc := factory.proc("S1")
	proc.emitOutput("alpha")
	proc.emitOutput("beta")

	// The listener sees every chunk with its cursor and session scope,
	// even with no attachments or event subscribers registered.
	require.Len(t, got, 2)
	assert.Equal(t, observed{"S1", "D1", types.Scope{TenantID: "t1"}, 1, "alpha"}, got[0])
	assert.Equal(t, observed{"S1", "D1", types.Scope{TenantID: "t1"}, 2, "beta"}, got[1])

	// Output after exit is not observed.
	proc.emitExit(0)
	proc.emitOutput("late")
	assert.Len(t, got, 2)
}

func TestExitRemovalSparesRestartedSession(t *testing.T) {
	factory := newFakeFactory()

	// With a zero TTL, removal happens after the exit fan-out. Restart the
	// id from the status listener to land in exactly that window.
	var r *Registry
	restarted := false
	r = NewRegistry(Config{
		Factory:      factory,
		TombstoneTTL: 0,
		OnStatus: func(info Info) {
			if info.Status == types.StatusExited && !restarted {
				restarted = true
				_, err := r.Start(context.Background(), StartRequest{
					SessionID: "S1",
					Spec:      pty.StartSpec{Command: "S1-next"},
				})
				require.NoError(t, err)
			}
		},
		Logger: zerolog.Nop(),
	})

	_, err := r.Start(context.Background(), StartRequest{
		SessionID: "S1",
		Spec:      pty.StartSpec{Command: "S1"},
	})
	require.NoError(t, err)

	factory.proc("S1").emitExit(0)

	// The removal of the exited session must not reap its successor.
	require.True(t, restarted)
	info, err := r.Status("S1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, info.Status)
	assert.True(t, info.Live)
}

func TestPublishEventReachesSubscribers(t *testing.T) {
	factory := newFakeFactory()
	r := newTestRegistry(t, factory, time.Minute)
	startSession(t, r, "S1")

	var events []interface{}
	require.NoError(t, r.SubscribeEvents("S1", "conn-1", func(string, uint64, []byte) {},
		func(_ string, ev interface{}) { events = append(events, ev) }, nil))

	r.PublishEvent("S1", "key-event")
	require.Len(t, events, 1)
	assert.Equal(t, "key-event", events[0])

	require.NoError(t, r.UnsubscribeEvents("S1", "conn-1"))
	r.PublishEvent("S1", "another")
	assert.Len(t, events, 1)
}

func TestListAttentionFirst(t *testing.T) {
	factory := newFakeFactory()
	r := newTestRegistry(t, factory, time.Minute)

	for _, id := range []string{"S1", "S2", "S3"} {
		startSession(t, r, id)
	}
	now := time.Now()
	r.ApplyStatusHint("S2", types.StatusNeedsInput, "input.required", now)
	r.ApplyStatusHint("S3", types.StatusCompleted, "", now)

	infos := r.List(ListFilter{Sort: SortAttentionFirst})
	require.Len(t, infos, 3)
	assert.Equal(t, "S2", infos[0].ID)
	assert.Equal(t, "S1", infos[1].ID)
	assert.Equal(t, "S3", infos[2].ID)

	// Status and live filters narrow the listing.
	needs := r.List(ListFilter{Status: types.StatusNeedsInput})
	require.Len(t, needs, 1)
	assert.Equal(t, "S2", needs[0].ID)

	live := true
	assert.Len(t, r.List(ListFilter{Live: &live}), 3)

	limited := r.List(ListFilter{Sort: SortAttentionFirst, Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, "S2", limited[0].ID)
}
