package e2e

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/client"
	"github.com/agentmux/agentmux/pkg/config"
	"github.com/agentmux/agentmux/pkg/protocol"
	"github.com/agentmux/agentmux/pkg/storage"
	"github.com/agentmux/agentmux/pkg/types"
)

type sessionInfo struct {
	ID              string `json:"sessionId"`
	DirectoryID     string `json:"directoryId"`
	Status          string `json:"status"`
	AttentionReason string `json:"attentionReason"`
	Live            bool   `json:"live"`
	LatestCursor    uint64 `json:"latestCursor"`
}

type streamFrame struct {
	SubscriptionID string `json:"subscriptionId"`
	Cursor         uint64 `json:"cursor"`
	Event          struct {
		Type           string   `json:"type"`
		DirectoryID    string   `json:"directoryId"`
		ConversationID string   `json:"conversationId"`
		TaskIDs        []string `json:"taskIds"`
	} `json:"event"`
}

func decodeStreamFrames(frames []client.Frame) []streamFrame {
	out := make([]streamFrame, 0, len(frames))
	for _, f := range frames {
		var sf streamFrame
		if json.Unmarshal(f.Raw, &sf) == nil {
			out = append(out, sf)
		}
	}
	return out
}

func TestAuthRejectsWrongToken(t *testing.T) {
	h := newHarness(t, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Dial(ctx, h.control.Addr().String(), "not-the-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid auth token")

	// A first envelope that is not auth is refused, and the reason is
	// flushed to the socket before it closes.
	sock, err := net.Dial("tcp", h.control.Addr().String())
	require.NoError(t, err)
	defer sock.Close()
	_, err = sock.Write([]byte(`{"kind":"command","type":"session.list","requestId":"r1"}` + "\n"))
	require.NoError(t, err)
	sc := protocol.NewLineScanner(sock)
	require.True(t, sc.Scan())
	var fail protocol.AuthFail
	require.NoError(t, json.Unmarshal(sc.Bytes(), &fail))
	assert.Equal(t, protocol.KindAuthFail, fail.Kind)
	assert.Equal(t, "authentication required", fail.Reason)

	// The right token still works afterwards.
	c := h.dial(t)
	var out struct {
		Sessions []sessionInfo `json:"sessions"`
	}
	mustCommand(t, c, "session.list", map[string]interface{}{}, &out)
	assert.Empty(t, out.Sessions)
}

func TestUnsupportedCommandFailsCommandOnly(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.dial(t)

	err := command(t, c, "directory.levitate", map[string]interface{}{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported command type")

	// The connection keeps serving.
	mustCommand(t, c, "directory.list", map[string]interface{}{}, nil)
}

// Startup reuses persisted conversations: one session per non-archived
// conversation, codex resuming its provider thread, terminal opening the
// user's shell. Archived conversations stay down.
func TestStartupAutoStartsPersistedConversations(t *testing.T) {
	t.Setenv("SHELL", "sh")

	h := newHarness(t, nil, func(store storage.Store) {
		for _, id := range []string{"D1", "D2", "D3"} {
			_, err := store.UpsertDirectory(&types.Directory{
				ID:    id,
				Scope: types.Scope{TenantID: "t1"},
				Path:  "/work/" + id,
			})
			require.NoError(t, err)
		}
		_, err := store.CreateConversation(&types.Conversation{
			ID:          "C1",
			DirectoryID: "D1",
			Scope:       types.Scope{TenantID: "t1"},
			AgentType:   types.AgentCodex,
			AdapterState: map[string]types.Value{
				types.AdapterKeyResumeSessionID: types.String("T1"),
			},
		})
		require.NoError(t, err)
		_, err = store.CreateConversation(&types.Conversation{
			ID:          "C2",
			DirectoryID: "D2",
			Scope:       types.Scope{TenantID: "t1"},
			AgentType:   types.AgentTerminal,
		})
		require.NoError(t, err)
		_, err = store.CreateConversation(&types.Conversation{
			ID:          "C3",
			DirectoryID: "D3",
			Scope:       types.Scope{TenantID: "t1"},
			AgentType:   types.AgentCodex,
		})
		require.NoError(t, err)
		_, _, err = store.ArchiveConversation("C3")
		require.NoError(t, err)
	})

	h.svc.AutoStart(context.Background())
	require.Equal(t, 2, h.factory.startCount())

	codex := h.factory.byCommand("codex")
	require.NotNil(t, codex)
	args := codex.spec.Args
	require.GreaterOrEqual(t, len(args), 2)
	assert.Equal(t, []string{"resume", "T1"}, args[len(args)-2:])
	assert.Contains(t, strings.Join(args, " "), "otel.exporter=")
	assert.Equal(t, "/work/D1", codex.spec.Cwd)

	shell := h.factory.byCommand("sh")
	require.NotNil(t, shell)
	assert.Empty(t, shell.spec.Args)
	assert.Equal(t, "/work/D2", shell.spec.Cwd)

	c := h.dial(t)
	var out struct {
		Sessions []sessionInfo `json:"sessions"`
	}
	mustCommand(t, c, "session.list", map[string]interface{}{}, &out)
	require.Len(t, out.Sessions, 2)
	ids := []string{out.Sessions[0].ID, out.Sessions[1].ID}
	assert.ElementsMatch(t, []string{"C1", "C2"}, ids)
	for _, s := range out.Sessions {
		assert.True(t, s.Live)
		assert.Equal(t, "running", s.Status)
	}
}

// Attach backlog replay: pty.attach(sinceCursor) reports latestCursor and
// replays only the backlog strictly after the cursor before live output.
func TestAttachReplaysBacklogOverWire(t *testing.T) {
	h := newHarness(t, nil, nil)

	a := h.dial(t)
	mustCommand(t, a, "pty.start", map[string]interface{}{
		"sessionId": "S-attach",
		"agentType": "terminal",
		"command":   "warmup",
	}, nil)

	proc := h.factory.byCommand("warmup").proc
	proc.emitOutput("warmup-1")
	proc.emitOutput("warmup-2")

	b := h.dial(t)
	frames := collectFrames(b)
	var attach struct {
		AttachID     string `json:"attachId"`
		LatestCursor uint64 `json:"latestCursor"`
	}
	mustCommand(t, b, "pty.attach", map[string]interface{}{
		"sessionId":   "S-attach",
		"sinceCursor": 1,
	}, &attach)
	assert.NotEmpty(t, attach.AttachID)
	assert.Equal(t, uint64(2), attach.LatestCursor)

	require.Eventually(t, func() bool {
		return len(frames.byKind(protocol.KindPtyOutput)) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	outputs := frames.byKind(protocol.KindPtyOutput)
	require.Len(t, outputs, 1)
	var replay protocol.PtyOutput
	require.NoError(t, json.Unmarshal(outputs[0].Raw, &replay))
	assert.Equal(t, "S-attach", replay.SessionID)
	assert.Equal(t, uint64(2), replay.OutputCursor)
	chunk, err := base64.StdEncoding.DecodeString(replay.ChunkBase64)
	require.NoError(t, err)
	assert.Equal(t, "warmup-2", string(chunk))

	// Live output continues with strictly increasing cursors.
	proc.emitOutput("live-3")
	require.Eventually(t, func() bool {
		return len(frames.byKind(protocol.KindPtyOutput)) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	var live protocol.PtyOutput
	outputs = frames.byKind(protocol.KindPtyOutput)
	require.NoError(t, json.Unmarshal(outputs[1].Raw, &live))
	assert.Equal(t, uint64(3), live.OutputCursor)
}

// Stream output delivery: PTY chunks reach scope-matching subscriptions
// that opted in with includeOutput, as session-output events carrying
// the cursor and chunk; subscriptions without the opt-in never see them.
func TestStreamOutputDeliveryRequiresOptIn(t *testing.T) {
	h := newHarness(t, nil, nil)

	optIn := h.dial(t)
	optInFrames := collectFrames(optIn)
	var sub struct {
		SubscriptionID string `json:"subscriptionId"`
		Cursor         uint64 `json:"cursor"`
	}
	mustCommand(t, optIn, "stream.subscribe", map[string]interface{}{
		"filter": map[string]interface{}{"conversationId": "S-out", "includeOutput": true},
	}, &sub)
	assert.NotEmpty(t, sub.SubscriptionID)

	plain := h.dial(t)
	plainFrames := collectFrames(plain)
	mustCommand(t, plain, "stream.subscribe", map[string]interface{}{
		"filter": map[string]interface{}{"conversationId": "S-out"},
	}, nil)

	starter := h.dial(t)
	mustCommand(t, starter, "pty.start", map[string]interface{}{
		"sessionId": "S-out",
		"agentType": "terminal",
		"command":   "S-out",
	}, nil)
	h.factory.byCommand("S-out").proc.emitOutput("visible")

	type outputFrame struct {
		Cursor uint64 `json:"cursor"`
		Event  struct {
			Type           string `json:"type"`
			ConversationID string `json:"conversationId"`
			Payload        struct {
				OutputCursor uint64 `json:"outputCursor"`
				ChunkBase64  string `json:"chunkBase64"`
			} `json:"payload"`
		} `json:"event"`
	}
	var got outputFrame
	require.Eventually(t, func() bool {
		for _, f := range optInFrames.byKind(protocol.KindStreamEvent) {
			var of outputFrame
			if json.Unmarshal(f.Raw, &of) == nil && of.Event.Type == "session-output" {
				got = of
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "S-out", got.Event.ConversationID)
	assert.Equal(t, uint64(1), got.Event.Payload.OutputCursor)
	chunk, err := base64.StdEncoding.DecodeString(got.Event.Payload.ChunkBase64)
	require.NoError(t, err)
	assert.Equal(t, "visible", string(chunk))

	// The plain subscription observes the session-status event for the
	// same session, proving it is live, but no output events.
	require.Eventually(t, func() bool {
		for _, sf := range decodeStreamFrames(plainFrames.byKind(protocol.KindStreamEvent)) {
			if sf.Event.Type == "session-status" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	for _, sf := range decodeStreamFrames(plainFrames.byKind(protocol.KindStreamEvent)) {
		assert.NotEqual(t, "session-output", sf.Event.Type)
	}
}

// Controller enforcement: while a claim is held, other connections'
// streaming input is dropped silently and their commands are rejected
// naming the holder; takeover transfers the claim.
func TestControllerEnforcementAcrossConnections(t *testing.T) {
	h := newHarness(t, nil, nil)

	a := h.dial(t)
	mustCommand(t, a, "pty.start", map[string]interface{}{
		"sessionId": "S-ctrl",
		"agentType": "terminal",
		"command":   "S-ctrl",
	}, nil)
	proc := h.factory.byCommand("S-ctrl").proc

	mustCommand(t, a, "session.claim", map[string]interface{}{
		"sessionId":      "S-ctrl",
		"controllerId":   "owner",
		"controllerType": "agent",
	}, nil)

	b := h.dial(t)
	require.NoError(t, b.Send(protocol.PtyInput{
		Kind:       protocol.KindPtyInput,
		SessionID:  "S-ctrl",
		DataBase64: base64.StdEncoding.EncodeToString([]byte("stolen")),
	}))

	// The respond command serializes behind the input frame on the same
	// connection, so its rejection proves the input was already dropped.
	err := command(t, b, "session.respond", map[string]interface{}{
		"sessionId": "S-ctrl",
		"text":      "hello",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claimed by agent:owner")
	assert.Equal(t, 0, proc.writeCount())

	// Takeover transfers the claim; B's next input is written.
	mustCommand(t, b, "session.claim", map[string]interface{}{
		"sessionId":      "S-ctrl",
		"controllerId":   "rival",
		"controllerType": "user",
		"takeover":       true,
	}, nil)
	require.NoError(t, b.Send(protocol.PtyInput{
		Kind:       protocol.KindPtyInput,
		SessionID:  "S-ctrl",
		DataBase64: base64.StdEncoding.EncodeToString([]byte("mine now")),
	}))
	require.Eventually(t, func() bool { return proc.writeCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("mine now"), proc.lastWrite())

	var release struct {
		Released bool `json:"released"`
	}
	mustCommand(t, b, "session.release", map[string]interface{}{"sessionId": "S-ctrl"}, &release)
	assert.True(t, release.Released)

	// Releasing with no controller set reports released=false.
	mustCommand(t, b, "session.release", map[string]interface{}{"sessionId": "S-ctrl"}, &release)
	assert.False(t, release.Released)
}

// Archive cascade: archiving a directory archives exactly its live
// conversations and a scoped subscriber observes directory-archived
// followed by conversation-archived.
func TestArchiveCascadePropagatesToSubscribers(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.dial(t)
	frames := collectFrames(c)

	mustCommand(t, c, "directory.upsert", map[string]interface{}{
		"directoryId": "D-arch",
		"scope":       map[string]string{"tenantId": "t1"},
		"path":        "/work/arch",
	}, nil)
	mustCommand(t, c, "conversation.create", map[string]interface{}{
		"conversationId": "C-arch",
		"directoryId":    "D-arch",
		"scope":          map[string]string{"tenantId": "t1"},
		"agentType":      "terminal",
	}, nil)

	mustCommand(t, c, "stream.subscribe", map[string]interface{}{
		"filter": map[string]interface{}{"directoryId": "D-arch"},
	}, nil)

	mustCommand(t, c, "directory.archive", map[string]interface{}{"directoryId": "D-arch"}, nil)

	// New conversations cannot be created under an archived directory.
	err := command(t, c, "conversation.create", map[string]interface{}{
		"conversationId": "C-late",
		"directoryId":    "D-arch",
		"agentType":      "terminal",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory is archived")

	var list struct {
		Conversations []struct {
			ID         string     `json:"conversationId"`
			ArchivedAt *time.Time `json:"archivedAt"`
		} `json:"conversations"`
	}
	mustCommand(t, c, "conversation.list", map[string]interface{}{
		"directoryId": "D-arch",
	}, &list)
	assert.Empty(t, list.Conversations)

	mustCommand(t, c, "conversation.list", map[string]interface{}{
		"directoryId":     "D-arch",
		"includeArchived": true,
	}, &list)
	require.Len(t, list.Conversations, 1)
	require.NotNil(t, list.Conversations[0].ArchivedAt)

	require.Eventually(t, func() bool {
		for _, sf := range decodeStreamFrames(frames.byKind(protocol.KindStreamEvent)) {
			if sf.Event.Type == "conversation-archived" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	// Archiving again is idempotent: no further events.
	mustCommand(t, c, "directory.archive", map[string]interface{}{"directoryId": "D-arch"}, nil)
	mustCommand(t, c, "directory.list", map[string]interface{}{}, nil)
	time.Sleep(100 * time.Millisecond)

	sfs := decodeStreamFrames(frames.byKind(protocol.KindStreamEvent))
	dirIdx, convIdx := -1, -1
	dirCount := 0
	var lastCursor uint64
	for i, sf := range sfs {
		require.Greater(t, sf.Cursor, lastCursor, "stream cursors must be strictly increasing")
		lastCursor = sf.Cursor
		switch sf.Event.Type {
		case "directory-archived":
			dirCount++
			dirIdx = i
		case "conversation-archived":
			convIdx = i
			assert.Equal(t, "C-arch", sf.Event.ConversationID)
		}
	}
	assert.Equal(t, 1, dirCount)
	require.GreaterOrEqual(t, dirIdx, 0)
	require.Greater(t, convIdx, dirIdx, "conversation-archived must follow directory-archived")
}

// Tombstone TTL: an exited session stays observable until the TTL
// elapses, rejects mutation, then disappears; the id is reusable.
func TestTombstoneTTLOverWire(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Session.ExitTombstoneTTLMs = 150
	}, nil)

	c := h.dial(t)
	frames := collectFrames(c)
	mustCommand(t, c, "pty.start", map[string]interface{}{
		"sessionId": "S-tomb",
		"agentType": "terminal",
		"command":   "S-tomb",
	}, nil)
	mustCommand(t, c, "pty.subscribe-events", map[string]interface{}{"sessionId": "S-tomb"}, nil)

	h.factory.byCommand("S-tomb").proc.emitExit(0)

	require.Eventually(t, func() bool {
		return len(frames.byKind(protocol.KindPtyExit)) >= 1
	}, 3*time.Second, 10*time.Millisecond)
	var exit protocol.PtyExit
	require.NoError(t, json.Unmarshal(frames.byKind(protocol.KindPtyExit)[0].Raw, &exit))
	require.NotNil(t, exit.Code)
	assert.Equal(t, 0, *exit.Code)
	assert.Nil(t, exit.Signal)

	var status struct {
		Session sessionInfo `json:"session"`
	}
	mustCommand(t, c, "session.status", map[string]interface{}{"sessionId": "S-tomb"}, &status)
	assert.Equal(t, "exited", status.Session.Status)
	assert.False(t, status.Session.Live)

	err := command(t, c, "session.interrupt", map[string]interface{}{"sessionId": "S-tomb"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session is not live")

	require.Eventually(t, func() bool {
		err := command(t, c, "session.status", map[string]interface{}{"sessionId": "S-tomb"}, nil)
		return err != nil && strings.Contains(err.Error(), "session not found")
	}, 3*time.Second, 20*time.Millisecond)

	// The id is free again: a fresh start creates a new adapter.
	mustCommand(t, c, "pty.start", map[string]interface{}{
		"sessionId": "S-tomb",
		"agentType": "terminal",
		"command":   "S-tomb-2",
	}, nil)
	mustCommand(t, c, "session.status", map[string]interface{}{"sessionId": "S-tomb"}, &status)
	assert.Equal(t, "running", status.Session.Status)
	assert.True(t, status.Session.Live)
}

// Telemetry ingest: OTLP posts on the injected per-session endpoint
// drive the runtime state machine, persist through the runtime update
// path, and bind the provider thread id into the adapter state.
func TestTelemetryDrivesRuntimeStatus(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.dial(t)
	frames := collectFrames(c)

	mustCommand(t, c, "directory.upsert", map[string]interface{}{
		"directoryId": "D-telem",
		"path":        "/work/telem",
	}, nil)
	mustCommand(t, c, "conversation.create", map[string]interface{}{
		"conversationId": "S-telem",
		"directoryId":    "D-telem",
		"agentType":      "codex",
	}, nil)
	mustCommand(t, c, "pty.start", map[string]interface{}{
		"sessionId": "S-telem",
		"agentType": "codex",
		"command":   "codex-cli",
	}, nil)
	mustCommand(t, c, "pty.subscribe-events", map[string]interface{}{"sessionId": "S-telem"}, nil)

	// The injected exporter arg carries the session's logs endpoint.
	rec := h.factory.byCommand("codex-cli")
	require.NotNil(t, rec)
	require.GreaterOrEqual(t, len(rec.spec.Args), 2)
	logsURL := strings.TrimSuffix(strings.TrimPrefix(rec.spec.Args[1], `otel.exporter="`), `"`)
	require.True(t, strings.HasPrefix(logsURL, "http://"), "exporter arg: %s", rec.spec.Args[1])

	needsInput := `{"resourceLogs":[{"scopeLogs":[{"logRecords":[{
		"severityText":"WARN",
		"body":{"stringValue":"waiting for input"},
		"attributes":[
			{"key":"event.name","value":{"stringValue":"codex.needs_input"}},
			{"key":"thread.id","value":{"stringValue":"T9"}}
		]}]}]}]}`
	resp, err := http.Post(logsURL, "application/json", strings.NewReader(needsInput))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Session sessionInfo `json:"session"`
	}
	require.Eventually(t, func() bool {
		if err := command(t, c, "session.status", map[string]interface{}{"sessionId": "S-telem"}, &status); err != nil {
			return false
		}
		return status.Session.Status == "needs-input"
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "codex.needs_input", status.Session.AttentionReason)

	// The normalized event reaches pty.event subscribers.
	require.Eventually(t, func() bool {
		return len(frames.byKind(protocol.KindPtyEvent)) >= 1
	}, 3*time.Second, 20*time.Millisecond)

	// Runtime fields persist through the single writer; both status
	// representations stay in lockstep, and the thread id lands in the
	// adapter state for resume.
	require.Eventually(t, func() bool {
		conv, err := h.store.GetConversation("S-telem")
		if err != nil {
			return false
		}
		return conv.RuntimeStatus == types.StatusNeedsInput &&
			conv.RuntimeStatusModel == conv.RuntimeStatus &&
			conv.ResumeSessionID() == "T9" &&
			conv.AttentionReason == "codex.needs_input"
	}, 3*time.Second, 20*time.Millisecond)

	// The turn-duration metric completes the turn and clears attention.
	metricsURL := strings.Replace(logsURL, "/v1/logs/", "/v1/metrics/", 1)
	turnDone := `{"resourceMetrics":[{"scopeMetrics":[{"metrics":[{
		"name":"codex.turn.e2e_duration_ms",
		"sum":{"dataPoints":[{"attributes":[{"key":"thread.id","value":{"stringValue":"T9"}}]}]}
	}]}]}]}`
	resp, err = http.Post(metricsURL, "application/json", strings.NewReader(turnDone))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		// Omitted fields keep stale values across decodes; start clean.
		status.Session = sessionInfo{}
		if err := command(t, c, "session.status", map[string]interface{}{"sessionId": "S-telem"}, &status); err != nil {
			return false
		}
		return status.Session.Status == "completed"
	}, 3*time.Second, 20*time.Millisecond)
	assert.Empty(t, status.Session.AttentionReason)
}

func TestTelemetryEndpointEdgeCases(t *testing.T) {
	h := newHarness(t, nil, nil)
	base := "http://" + h.telem.Addr().String()

	resp, err := http.Post(base+"/v1/logs/unknown-token", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(base + "/v1/logs/unknown-token")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(base+"/v1/other/unknown-token", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// Task reorder: orderIndex is rewritten densely by position and exactly
// one batched task-reordered event reaches taskId-filtered subscribers.
func TestTaskReorderEmitsSingleBatchedEvent(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.dial(t)
	frames := collectFrames(c)

	mustCommand(t, c, "repository.upsert", map[string]interface{}{
		"repositoryId": "R1",
		"name":         "demo",
		"remoteUrl":    "git@example.com:demo/demo.git",
	}, nil)
	for _, id := range []string{"T1", "T2", "T3"} {
		mustCommand(t, c, "task.create", map[string]interface{}{
			"taskId":       id,
			"repositoryId": "R1",
			"title":        "task " + id,
		}, nil)
	}

	mustCommand(t, c, "stream.subscribe", map[string]interface{}{
		"filter": map[string]interface{}{"taskId": "T3"},
	}, nil)

	var reorder struct {
		Tasks []struct {
			ID         string `json:"taskId"`
			OrderIndex int    `json:"orderIndex"`
		} `json:"tasks"`
	}
	mustCommand(t, c, "task.reorder", map[string]interface{}{
		"repositoryId": "R1",
		"taskIds":      []string{"T3", "T1", "T2"},
	}, &reorder)
	require.Len(t, reorder.Tasks, 3)
	for i, want := range []string{"T3", "T1", "T2"} {
		assert.Equal(t, want, reorder.Tasks[i].ID)
		assert.Equal(t, i, reorder.Tasks[i].OrderIndex)
	}

	// Ids outside the scope's backlog are rejected.
	err := command(t, c, "task.reorder", map[string]interface{}{
		"repositoryId": "R1",
		"taskIds":      []string{"T3", "T1", "T-foreign"},
	}, nil)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		for _, sf := range decodeStreamFrames(frames.byKind(protocol.KindStreamEvent)) {
			if sf.Event.Type == "task-reordered" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	reordered := 0
	for _, sf := range decodeStreamFrames(frames.byKind(protocol.KindStreamEvent)) {
		if sf.Event.Type == "task-reordered" {
			reordered++
			assert.Equal(t, []string{"T3", "T1", "T2"}, sf.Event.TaskIDs)
		}
	}
	assert.Equal(t, 1, reordered)
}

// Closing a connection releases its attachments and controller claim so
// another connection can immediately take over.
func TestDisconnectReleasesClaimAndAttachments(t *testing.T) {
	h := newHarness(t, nil, nil)

	a := h.dial(t)
	mustCommand(t, a, "pty.start", map[string]interface{}{
		"sessionId": "S-gone",
		"agentType": "terminal",
		"command":   "S-gone",
	}, nil)
	mustCommand(t, a, "session.claim", map[string]interface{}{
		"sessionId":      "S-gone",
		"controllerId":   "owner",
		"controllerType": "agent",
	}, nil)
	mustCommand(t, a, "pty.attach", map[string]interface{}{"sessionId": "S-gone"}, nil)

	require.NoError(t, a.Close())

	b := h.dial(t)
	require.Eventually(t, func() bool {
		err := command(t, b, "session.claim", map[string]interface{}{
			"sessionId":      "S-gone",
			"controllerId":   "heir",
			"controllerType": "user",
		}, nil)
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
}
