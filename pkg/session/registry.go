package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentmux/agentmux/pkg/metrics"
	"github.com/agentmux/agentmux/pkg/pty"
	"github.com/agentmux/agentmux/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Controller records the connection currently permitted to mutate a
// session. At most one controller exists per session.
type Controller struct {
	ID     string `json:"controllerId"`
	Type   string `json:"controllerType"`
	ConnID string `json:"-"`
}

// OutputSink receives one PTY output chunk for an attachment or event
// subscriber. Sinks must not block; connection writers enqueue and drop
// on overflow.
type OutputSink func(sessionID string, cursor uint64, chunk []byte)

// ExitSink receives the terminal exit notification.
type ExitSink func(sessionID string, exit types.ExitStatus)

// EventSink receives structured session events (telemetry key events,
// status transitions) for pty.event delivery.
type EventSink func(sessionID string, event interface{})

// StatusListener observes runtime status transitions so the service
// layer can persist them and publish session-status events. Called
// outside session locks.
type StatusListener func(info Info)

// OutputListener observes every output chunk after attachment fan-out
// so the service layer can publish session-output stream events for
// subscriptions that opted into output. Called outside session locks.
type OutputListener func(sessionID, directoryID string, scope types.Scope, cursor uint64, chunk []byte)

type attachment struct {
	id     string
	connID string
	sink   OutputSink
}

type eventSub struct {
	connID string
	output OutputSink
	event  EventSink
	exit   ExitSink
}

type outputEntry struct {
	cursor uint64
	data   []byte
}

// Session is the in-memory state of one PTY-backed conversation.
type Session struct {
	mu sync.Mutex

	id          string
	directoryID string
	scope       types.Scope
	agentType   types.AgentType

	proc pty.Process // nil after exit

	status          types.RuntimeStatus
	attentionReason string
	startedAt       time.Time
	exitedAt        *time.Time
	lastEventAt     *time.Time
	lastExit        *types.ExitStatus

	lastSnapshot []byte
	snapshotAt   time.Time

	controller  *Controller
	attachments []*attachment // attach order
	eventSubs   map[string]*eventSub

	backlog      []outputEntry
	latestCursor uint64
	maxBacklog   int

	tombstoneTimer *time.Timer
}

// Info is an immutable snapshot of session state for listing and status
// responses.
type Info struct {
	ID              string              `json:"sessionId"`
	DirectoryID     string              `json:"directoryId"`
	Scope           types.Scope         `json:"scope"`
	AgentType       types.AgentType     `json:"agentType"`
	Status          types.RuntimeStatus `json:"status"`
	AttentionReason string              `json:"attentionReason,omitempty"`
	Live            bool                `json:"live"`
	PID             int                 `json:"processId,omitempty"`
	StartedAt       time.Time           `json:"startedAt"`
	ExitedAt        *time.Time          `json:"exitedAt,omitempty"`
	LastEventAt     *time.Time          `json:"lastEventAt,omitempty"`
	LastExit        *types.ExitStatus   `json:"lastExit,omitempty"`
	LatestCursor    uint64              `json:"latestCursor"`
	Controller      *Controller         `json:"controller,omitempty"`
}

func (s *Session) infoLocked() Info {
	var ctrl *Controller
	if s.controller != nil {
		c := *s.controller
		ctrl = &c
	}
	return Info{
		ID:              s.id,
		DirectoryID:     s.directoryID,
		Scope:           s.scope,
		AgentType:       s.agentType,
		Status:          s.status,
		AttentionReason: s.attentionReason,
		Live:            s.status != types.StatusExited,
		PID:             s.pid(),
		StartedAt:       s.startedAt,
		ExitedAt:        s.exitedAt,
		LastEventAt:     s.lastEventAt,
		LastExit:        s.lastExit,
		LatestCursor:    s.latestCursor,
		Controller:      ctrl,
	}
}

func (s *Session) pid() int {
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// Registry owns the set of sessions and the runtime state machine.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	factory      pty.Factory
	tombstoneTTL time.Duration
	maxBacklog   int
	onStatus     StatusListener
	onOutput     OutputListener
	logger       zerolog.Logger
}

// Config for the registry.
type Config struct {
	Factory      pty.Factory
	TombstoneTTL time.Duration
	MaxBacklog   int
	OnStatus     StatusListener
	OnOutput     OutputListener
	Logger       zerolog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(cfg Config) *Registry {
	maxBacklog := cfg.MaxBacklog
	if maxBacklog <= 0 {
		maxBacklog = 2048
	}
	onStatus := cfg.OnStatus
	if onStatus == nil {
		onStatus = func(Info) {}
	}
	onOutput := cfg.OnOutput
	if onOutput == nil {
		onOutput = func(string, string, types.Scope, uint64, []byte) {}
	}
	return &Registry{
		sessions:     make(map[string]*Session),
		factory:      cfg.Factory,
		tombstoneTTL: cfg.TombstoneTTL,
		maxBacklog:   maxBacklog,
		onStatus:     onStatus,
		onOutput:     onOutput,
		logger:       cfg.Logger,
	}
}

// StartRequest carries everything needed to spawn a session.
type StartRequest struct {
	SessionID   string
	DirectoryID string
	Scope       types.Scope
	AgentType   types.AgentType
	Spec        pty.StartSpec
}

// Start spawns a new session. A live session with the same id is a
// conflict; a tombstone with the same id is replaced.
func (r *Registry) Start(ctx context.Context, req StartRequest) (Info, error) {
	r.mu.Lock()
	if existing, ok := r.sessions[req.SessionID]; ok {
		existing.mu.Lock()
		exited := existing.status == types.StatusExited
		if exited && existing.tombstoneTimer != nil {
			existing.tombstoneTimer.Stop()
			existing.tombstoneTimer = nil
		}
		existing.mu.Unlock()
		if !exited {
			r.mu.Unlock()
			return Info{}, fmt.Errorf("session already exists: %s", req.SessionID)
		}
		delete(r.sessions, req.SessionID)
	}

	s := &Session{
		id:          req.SessionID,
		directoryID: req.DirectoryID,
		scope:       req.Scope,
		agentType:   req.AgentType,
		status:      types.StatusRunning,
		startedAt:   time.Now(),
		eventSubs:   make(map[string]*eventSub),
		maxBacklog:  r.maxBacklog,
	}
	r.sessions[req.SessionID] = s
	r.mu.Unlock()

	proc, err := r.factory.Start(ctx, req.Spec, pty.Callbacks{
		OnOutput: func(chunk []byte) { r.handleOutput(req.SessionID, chunk) },
		OnExit:   func(code *int, signal *string) { r.handleExit(req.SessionID, code, signal) },
	})
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, req.SessionID)
		r.mu.Unlock()
		return Info{}, fmt.Errorf("failed to start session %s: %w", req.SessionID, err)
	}

	s.mu.Lock()
	s.proc = proc
	info := s.infoLocked()
	s.mu.Unlock()

	metrics.SessionsActive.Inc()
	r.logger.Info().Str("session_id", req.SessionID).Str("agent_type", string(req.AgentType)).Msg("Session started")
	r.onStatus(info)
	return info, nil
}

func (r *Registry) get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return s, nil
}

// Status returns the session snapshot; tombstones are still visible.
func (r *Registry) Status(id string) (Info, error) {
	s, err := r.get(id)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(), nil
}

// handleOutput runs on the adapter's producer goroutine: assign the next
// cursor, append to the backlog ring, then fan out synchronously in
// attach order. It never waits on slow clients; sinks enqueue and drop.
func (r *Registry) handleOutput(id string, chunk []byte) {
	s, err := r.get(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.status == types.StatusExited {
		s.mu.Unlock()
		return
	}
	s.latestCursor++
	cursor := s.latestCursor
	data := make([]byte, len(chunk))
	copy(data, chunk)
	s.backlog = append(s.backlog, outputEntry{cursor: cursor, data: data})
	if len(s.backlog) > s.maxBacklog {
		s.backlog = s.backlog[len(s.backlog)-s.maxBacklog:]
	}
	now := time.Now()
	s.lastEventAt = &now

	directoryID := s.directoryID
	scope := s.scope
	sinks := make([]OutputSink, 0, len(s.attachments)+len(s.eventSubs))
	for _, att := range s.attachments {
		sinks = append(sinks, att.sink)
	}
	for _, sub := range s.eventSubs {
		sinks = append(sinks, sub.output)
	}
	s.mu.Unlock()

	metrics.SessionOutputBytes.Add(float64(len(data)))
	for _, sink := range sinks {
		sink(id, cursor, data)
	}
	r.onOutput(id, directoryID, scope, cursor, data)
}

// handleExit marks the session exited, drops the adapter handle, notifies
// exit sinks, and schedules tombstone removal.
func (r *Registry) handleExit(id string, code *int, signal *string) {
	s, err := r.get(id)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.status == types.StatusExited {
		s.mu.Unlock()
		return
	}
	if s.proc != nil {
		if snap, err := s.proc.Snapshot(); err == nil {
			s.lastSnapshot = snap
			s.snapshotAt = time.Now()
		}
	}
	s.status = types.StatusExited
	s.attentionReason = ""
	now := time.Now()
	s.exitedAt = &now
	s.lastEventAt = &now
	s.lastExit = &types.ExitStatus{Code: code, Signal: signal}
	s.proc = nil
	s.controller = nil
	exit := *s.lastExit

	var exits []ExitSink
	for _, sub := range s.eventSubs {
		exits = append(exits, sub.exit)
	}
	info := s.infoLocked()

	// Retain the tombstone so a late client can observe the exit; a timer
	// of 0 removes it immediately.
	if r.tombstoneTTL > 0 {
		s.tombstoneTimer = time.AfterFunc(r.tombstoneTTL, func() { r.removeIfCurrent(id, s) })
	}
	s.mu.Unlock()

	metrics.SessionsActive.Dec()
	r.logger.Info().Str("session_id", id).Msg("Session exited")
	for _, sink := range exits {
		if sink != nil {
			sink(id, exit)
		}
	}
	r.onStatus(info)

	if r.tombstoneTTL <= 0 {
		r.removeIfCurrent(id, s)
	}
}

// removeIfCurrent drops the id only while it still maps to this session,
// so a racing Start that reused the id keeps its fresh session.
func (r *Registry) removeIfCurrent(id string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
	}
}

// Remove force-removes a session, closing its process if still live.
func (r *Registry) Remove(id string) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	proc := s.proc
	if s.tombstoneTimer != nil {
		s.tombstoneTimer.Stop()
		s.tombstoneTimer = nil
	}
	live := s.status != types.StatusExited
	s.mu.Unlock()

	if proc != nil {
		_ = proc.Close()
	}
	if live {
		metrics.SessionsActive.Dec()
	}
	r.removeIfCurrent(id, s)
	return nil
}

// Attach subscribes a connection to a session's raw output. It returns
// the attachment id and latestCursor at attach time, and replays the
// backlog strictly after sinceCursor, in order, to this sink only.
// A new attach therefore sees backlog before any live chunk with a
// higher cursor.
func (r *Registry) Attach(id, connID string, sinceCursor uint64, sink OutputSink) (string, uint64, error) {
	s, err := r.get(id)
	if err != nil {
		return "", 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == types.StatusExited {
		return "", 0, fmt.Errorf("session is not live: %s", id)
	}

	attachID := uuid.New().String()
	for _, entry := range s.backlog {
		if entry.cursor > sinceCursor {
			sink(id, entry.cursor, entry.data)
		}
	}
	s.attachments = append(s.attachments, &attachment{id: attachID, connID: connID, sink: sink})
	return attachID, s.latestCursor, nil
}

// Detach removes an attachment. Idempotent.
func (r *Registry) Detach(id, attachID string) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, att := range s.attachments {
		if att.id == attachID {
			s.attachments = append(s.attachments[:i], s.attachments[i+1:]...)
			break
		}
	}
	return nil
}

// SubscribeEvents registers a connection for pty.output, pty.event, and
// pty.exit frames without backlog semantics.
func (r *Registry) SubscribeEvents(id, connID string, output OutputSink, event EventSink, exit ExitSink) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventSubs[connID] = &eventSub{connID: connID, output: output, event: event, exit: exit}
	return nil
}

// PublishEvent fans a structured event out to the session's event
// subscribers. Unknown sessions are ignored.
func (r *Registry) PublishEvent(id string, event interface{}) {
	s, err := r.get(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	var sinks []EventSink
	for _, sub := range s.eventSubs {
		if sub.event != nil {
			sinks = append(sinks, sub.event)
		}
	}
	s.mu.Unlock()
	for _, sink := range sinks {
		sink(id, event)
	}
}

// UnsubscribeEvents removes a connection's event subscription. Idempotent.
func (r *Registry) UnsubscribeEvents(id, connID string) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.eventSubs, connID)
	return nil
}

// Claim makes the connection the session's controller. It succeeds if no
// controller is set, the requester already holds the claim, or takeover
// is requested.
func (r *Registry) Claim(id, connID, controllerID, controllerType string, takeover bool) (Controller, error) {
	s, err := r.get(id)
	if err != nil {
		return Controller{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == types.StatusExited {
		return Controller{}, fmt.Errorf("session is not live: %s", id)
	}
	if s.controller != nil && s.controller.ConnID != connID && !takeover {
		return Controller{}, fmt.Errorf("session is claimed by %s:%s", s.controller.Type, s.controller.ID)
	}
	s.controller = &Controller{ID: controllerID, Type: controllerType, ConnID: connID}
	return *s.controller, nil
}

// Release clears the claim when held by this connection. Releasing with
// no controller set reports released=false.
func (r *Registry) Release(id, connID string) (bool, error) {
	s, err := r.get(id)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controller == nil {
		return false, nil
	}
	if s.controller.ConnID != connID {
		return false, fmt.Errorf("session is claimed by %s:%s", s.controller.Type, s.controller.ID)
	}
	s.controller = nil
	return true, nil
}

// controllerGate reports whether the connection may mutate the session.
func (s *Session) controllerGate(connID string) bool {
	return s.controller == nil || s.controller.ConnID == connID
}

// Input writes raw bytes to the PTY. Non-controller writes are silently
// dropped (streaming frames carry no error channel); written reports
// whether the bytes reached the process.
func (r *Registry) Input(id, connID string, data []byte) (bool, error) {
	s, err := r.get(id)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	proc := s.proc
	allowed := s.controllerGate(connID)
	s.mu.Unlock()

	if proc == nil {
		return false, fmt.Errorf("session is not live: %s", id)
	}
	if !allowed {
		return false, nil
	}
	if err := proc.Write(data); err != nil {
		return false, err
	}
	return true, nil
}

// Resize changes terminal dimensions; non-controller frames are dropped.
func (r *Registry) Resize(id, connID string, cols, rows int) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	proc := s.proc
	allowed := s.controllerGate(connID)
	s.mu.Unlock()
	if proc == nil || !allowed {
		return nil
	}
	return proc.Resize(cols, rows)
}

// Signal delivers a PTY signal; non-controller frames are dropped.
func (r *Registry) Signal(id, connID string, kind pty.SignalKind) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	proc := s.proc
	allowed := s.controllerGate(connID)
	s.mu.Unlock()
	if proc == nil || !allowed {
		return nil
	}
	return proc.Signal(kind)
}

// Respond writes a structured response (text plus newline) through the
// controller gate. Unlike streaming input, a blocked respond is rejected.
func (r *Registry) Respond(id, connID, text string) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	proc := s.proc
	allowed := s.controllerGate(connID)
	var claimed string
	if !allowed {
		claimed = fmt.Sprintf("%s:%s", s.controller.Type, s.controller.ID)
	}
	s.mu.Unlock()

	if proc == nil {
		return fmt.Errorf("session is not live: %s", id)
	}
	if !allowed {
		return fmt.Errorf("session is claimed by %s", claimed)
	}
	return proc.Write(append([]byte(text), '\n'))
}

// Interrupt sends an interrupt signal through the controller gate.
func (r *Registry) Interrupt(id, connID string) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	proc := s.proc
	allowed := s.controllerGate(connID)
	var claimed string
	if !allowed {
		claimed = fmt.Sprintf("%s:%s", s.controller.Type, s.controller.ID)
	}
	s.mu.Unlock()

	if proc == nil {
		return fmt.Errorf("session is not live: %s", id)
	}
	if !allowed {
		return fmt.Errorf("session is claimed by %s", claimed)
	}
	return proc.Signal(pty.SignalInterrupt)
}

// Snapshot returns the current terminal snapshot. For a tombstone with a
// retained snapshot, the stale copy is returned with stale=true.
func (r *Registry) Snapshot(id string) ([]byte, bool, error) {
	s, err := r.get(id)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	proc := s.proc
	stale := s.lastSnapshot
	s.mu.Unlock()

	if proc != nil {
		snap, err := proc.Snapshot()
		if err == nil {
			s.mu.Lock()
			s.lastSnapshot = snap
			s.snapshotAt = time.Now()
			s.mu.Unlock()
			return snap, false, nil
		}
	}
	if stale != nil {
		return stale, true, nil
	}
	return nil, false, fmt.Errorf("session snapshot unavailable: %s", id)
}

// Close tears down a live session's process; exit handling proceeds via
// the factory's exit callback.
func (r *Registry) Close(id string) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("session is not live: %s", id)
	}
	return proc.Close()
}

// ApplyStatusHint drives running/needs-input/completed transitions from
// telemetry. Exit is terminal: hints are ignored once the session has
// exited.
func (r *Registry) ApplyStatusHint(id string, status types.RuntimeStatus, attentionReason string, observedAt time.Time) (Info, bool) {
	s, err := r.get(id)
	if err != nil {
		return Info{}, false
	}
	s.mu.Lock()
	if s.status == types.StatusExited || status == types.StatusExited {
		s.mu.Unlock()
		return Info{}, false
	}
	s.status = status
	if status == types.StatusNeedsInput {
		s.attentionReason = attentionReason
	} else {
		// attentionReason != "" implies needs-input.
		s.attentionReason = ""
	}
	s.lastEventAt = &observedAt
	info := s.infoLocked()
	s.mu.Unlock()

	r.onStatus(info)
	return info, true
}

// ReleaseConnection cleans up everything a closed connection owned:
// attachments, event subscriptions, and controller claims.
func (r *Registry) ReleaseConnection(connID string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		kept := s.attachments[:0]
		for _, att := range s.attachments {
			if att.connID != connID {
				kept = append(kept, att)
			}
		}
		s.attachments = kept
		delete(s.eventSubs, connID)
		if s.controller != nil && s.controller.ConnID == connID {
			s.controller = nil
		}
		s.mu.Unlock()
	}
}

// CloseAll closes every live process; used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		proc := s.proc
		if s.tombstoneTimer != nil {
			s.tombstoneTimer.Stop()
			s.tombstoneTimer = nil
		}
		s.mu.Unlock()
		if proc != nil {
			_ = proc.Close()
		}
	}
}
