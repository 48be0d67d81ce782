package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/agentmux/agentmux/pkg/config"
	"github.com/agentmux/agentmux/pkg/events"
	"github.com/agentmux/agentmux/pkg/hooks"
	"github.com/agentmux/agentmux/pkg/launch"
	"github.com/agentmux/agentmux/pkg/log"
	"github.com/agentmux/agentmux/pkg/pty"
	"github.com/agentmux/agentmux/pkg/session"
	"github.com/agentmux/agentmux/pkg/storage"
	"github.com/agentmux/agentmux/pkg/telemetry"
	"github.com/agentmux/agentmux/pkg/types"
)

// Service composes the durable store, session registry, subscription
// bus, telemetry tokens, and hook dispatcher behind the command surface.
// Every successful durable mutation publishes exactly one observed
// event; archive cascades publish one per cascaded row and task reorder
// publishes one batched event.
type Service struct {
	cfg      *config.Config
	store    storage.Store
	registry *session.Registry
	bus      *events.Bus
	tokens   *telemetry.TokenRegistry
	hooks    *hooks.Dispatcher

	// GitTrigger nudges the git monitor after lifecycle activity in a
	// directory. Optional.
	gitTrigger func(directoryID string)

	// Telemetry endpoint injected into codex launch args. Set once the
	// telemetry listener is bound.
	telemetryHost string
	telemetryPort int

	ingestMu   sync.Mutex
	lastIngest map[string]telemetry.Event
}

// ServiceDeps carries the collaborators a Service composes.
type ServiceDeps struct {
	Config     *config.Config
	Store      storage.Store
	Factory    pty.Factory
	Bus        *events.Bus
	Tokens     *telemetry.TokenRegistry
	Hooks      *hooks.Dispatcher
	GitTrigger func(directoryID string)
}

// NewService wires the service and its session registry.
func NewService(deps ServiceDeps) *Service {
	s := &Service{
		cfg:        deps.Config,
		store:      deps.Store,
		bus:        deps.Bus,
		tokens:     deps.Tokens,
		hooks:      deps.Hooks,
		gitTrigger: deps.GitTrigger,
		lastIngest: make(map[string]telemetry.Event),
	}
	s.registry = session.NewRegistry(session.Config{
		Factory:      deps.Factory,
		TombstoneTTL: time.Duration(deps.Config.Session.ExitTombstoneTTLMs) * time.Millisecond,
		MaxBacklog:   deps.Config.Session.MaxBacklogEntries,
		OnStatus:     s.onSessionStatus,
		OnOutput:     s.onSessionOutput,
		Logger:       log.WithComponent("session"),
	})
	return s
}

// Registry exposes the session registry for connection-level streaming.
func (s *Service) Registry() *session.Registry { return s.registry }

// Bus exposes the subscription bus.
func (s *Service) Bus() *events.Bus { return s.bus }

// SetTelemetryEndpoint records the bound telemetry listener address for
// launch-arg injection.
func (s *Service) SetTelemetryEndpoint(host string, port int) {
	s.telemetryHost = host
	s.telemetryPort = port
}

// onSessionStatus persists runtime transitions and publishes the
// session-status event. Runs outside registry locks.
func (s *Service) onSessionStatus(info session.Info) {
	update := storage.RuntimeUpdate{
		Status:          info.Status,
		Live:            info.Live,
		AttentionReason: info.AttentionReason,
		ProcessID:       info.PID,
		LastEventAt:     info.LastEventAt,
		LastExit:        info.LastExit,
	}
	if _, err := s.store.UpdateConversationRuntime(info.ID, update); err != nil {
		// Sessions without a persisted conversation are legal.
		sessionLog := log.WithSessionID(info.ID)
		sessionLog.Debug().Err(err).Msg("Runtime update not persisted")
	}

	s.bus.Publish(&events.Event{
		Type:           events.SessionStatus,
		Scope:          info.Scope,
		DirectoryID:    info.DirectoryID,
		ConversationID: info.ID,
		Payload:        info,
	})

	if info.Status == types.StatusCompleted && s.gitTrigger != nil && info.DirectoryID != "" {
		s.gitTrigger(info.DirectoryID)
	}
}

// onSessionOutput publishes each PTY chunk as a session-output event.
// The event is marked Output so only subscriptions that opted in via
// includeOutput observe it. Runs outside registry locks.
func (s *Service) onSessionOutput(sessionID, directoryID string, scope types.Scope, cursor uint64, chunk []byte) {
	s.bus.Publish(&events.Event{
		Type:           events.SessionOutput,
		Scope:          scope,
		DirectoryID:    directoryID,
		ConversationID: sessionID,
		Output:         true,
		Payload: map[string]interface{}{
			"outputCursor": cursor,
			"chunkBase64":  base64.StdEncoding.EncodeToString(chunk),
		},
	})
}

// --- Directories ---

func (s *Service) UpsertDirectory(dir *types.Directory) (*types.Directory, error) {
	saved, err := s.store.UpsertDirectory(dir)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(&events.Event{
		Type:        events.DirectoryUpserted,
		Scope:       saved.Scope,
		DirectoryID: saved.ID,
		Payload:     saved,
	})
	return saved, nil
}

func (s *Service) ArchiveDirectory(id string) (*types.Directory, error) {
	dir, cascaded, changed, err := s.store.ArchiveDirectory(id)
	if err != nil {
		return nil, err
	}
	if changed {
		s.bus.Publish(&events.Event{
			Type:        events.DirectoryArchived,
			Scope:       dir.Scope,
			DirectoryID: dir.ID,
			Payload:     dir,
		})
		for _, conv := range cascaded {
			s.bus.Publish(&events.Event{
				Type:           events.ConversationArchived,
				Scope:          conv.Scope,
				DirectoryID:    conv.DirectoryID,
				ConversationID: conv.ID,
				Payload:        conv,
			})
		}
	}
	return dir, nil
}

func (s *Service) ListDirectories(scope types.Scope, includeArchived bool) ([]*types.Directory, error) {
	return s.store.ListDirectories(scope, includeArchived)
}

func (s *Service) DirectoryGitStatus(directoryID string) (*types.DirectoryGitStatus, error) {
	return s.store.GetDirectoryGitStatus(directoryID)
}

// PublishGitStatus emits the directory-git-updated event for a changed
// snapshot. Called by the git monitor.
func (s *Service) PublishGitStatus(status *types.DirectoryGitStatus) {
	scope := types.Scope{}
	if dir, err := s.store.GetDirectory(status.DirectoryID); err == nil {
		scope = dir.Scope
	}
	s.bus.Publish(&events.Event{
		Type:        events.DirectoryGitUpdated,
		Scope:       scope,
		DirectoryID: status.DirectoryID,
		Payload:     status,
	})
}

// --- Conversations ---

func (s *Service) CreateConversation(conv *types.Conversation) (*types.Conversation, error) {
	if !types.ValidAgentType(conv.AgentType) {
		return nil, fmt.Errorf("invalid agent type: %s", conv.AgentType)
	}
	dir, err := s.store.GetDirectory(conv.DirectoryID)
	if err != nil {
		return nil, err
	}
	if dir.Archived() {
		return nil, fmt.Errorf("directory is archived: %s", dir.ID)
	}
	saved, err := s.store.CreateConversation(conv)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(&events.Event{
		Type:           events.ConversationCreated,
		Scope:          saved.Scope,
		DirectoryID:    saved.DirectoryID,
		ConversationID: saved.ID,
		Payload:        saved,
	})
	return saved, nil
}

func (s *Service) UpdateConversation(conv *types.Conversation) (*types.Conversation, error) {
	saved, err := s.store.UpdateConversation(conv)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(&events.Event{
		Type:           events.ConversationUpdated,
		Scope:          saved.Scope,
		DirectoryID:    saved.DirectoryID,
		ConversationID: saved.ID,
		Payload:        saved,
	})
	return saved, nil
}

func (s *Service) ArchiveConversation(id string) (*types.Conversation, error) {
	conv, changed, err := s.store.ArchiveConversation(id)
	if err != nil {
		return nil, err
	}
	if changed {
		s.bus.Publish(&events.Event{
			Type:           events.ConversationArchived,
			Scope:          conv.Scope,
			DirectoryID:    conv.DirectoryID,
			ConversationID: conv.ID,
			Payload:        conv,
		})
	}
	return conv, nil
}

func (s *Service) DeleteConversation(id string) error {
	conv, err := s.store.GetConversation(id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteConversation(id); err != nil {
		return err
	}
	s.bus.Publish(&events.Event{
		Type:           events.ConversationDeleted,
		Scope:          conv.Scope,
		DirectoryID:    conv.DirectoryID,
		ConversationID: conv.ID,
	})
	return nil
}

func (s *Service) ListConversations(filter storage.ConversationFilter) ([]*types.Conversation, error) {
	return s.store.ListConversations(filter)
}

// --- Repositories ---

func (s *Service) UpsertRepository(repo *types.Repository) (*types.Repository, error) {
	saved, err := s.store.UpsertRepository(repo)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(&events.Event{
		Type:         events.RepositoryUpserted,
		Scope:        saved.Scope,
		RepositoryID: saved.ID,
		Payload:      saved,
	})
	return saved, nil
}

func (s *Service) GetRepository(id string) (*types.Repository, error) {
	return s.store.GetRepository(id)
}

func (s *Service) ListRepositories(scope types.Scope, includeArchived bool) ([]*types.Repository, error) {
	return s.store.ListRepositories(scope, includeArchived)
}

func (s *Service) ArchiveRepository(id string) (*types.Repository, error) {
	repo, changed, err := s.store.ArchiveRepository(id)
	if err != nil {
		return nil, err
	}
	if changed {
		s.bus.Publish(&events.Event{
			Type:         events.RepositoryArchived,
			Scope:        repo.Scope,
			RepositoryID: repo.ID,
			Payload:      repo,
		})
	}
	return repo, nil
}

// --- Tasks ---

func (s *Service) publishTask(eventType events.Type, task *types.Task) {
	s.bus.Publish(&events.Event{
		Type:         eventType,
		Scope:        task.Scope,
		RepositoryID: task.RepositoryID,
		TaskID:       task.ID,
		Payload:      task,
	})
}

func (s *Service) CreateTask(task *types.Task) (*types.Task, error) {
	saved, err := s.store.CreateTask(task)
	if err != nil {
		return nil, err
	}
	s.publishTask(events.TaskCreated, saved)
	return saved, nil
}

func (s *Service) UpdateTask(task *types.Task) (*types.Task, error) {
	saved, err := s.store.UpdateTask(task)
	if err != nil {
		return nil, err
	}
	s.publishTask(events.TaskUpdated, saved)
	return saved, nil
}

func (s *Service) transitionTask(apply func() (*types.Task, error)) (*types.Task, error) {
	task, err := apply()
	if err != nil {
		return nil, err
	}
	s.publishTask(events.TaskUpdated, task)
	return task, nil
}

func (s *Service) ReadyTask(id string) (*types.Task, error) {
	return s.transitionTask(func() (*types.Task, error) { return s.store.ReadyTask(id) })
}

func (s *Service) ClaimTask(id string, claim storage.ClaimRequest) (*types.Task, error) {
	return s.transitionTask(func() (*types.Task, error) { return s.store.ClaimTask(id, claim) })
}

func (s *Service) CompleteTask(id string) (*types.Task, error) {
	return s.transitionTask(func() (*types.Task, error) { return s.store.CompleteTask(id) })
}

func (s *Service) QueueTask(id string) (*types.Task, error) {
	return s.transitionTask(func() (*types.Task, error) { return s.store.QueueTask(id) })
}

func (s *Service) DraftTask(id string) (*types.Task, error) {
	return s.transitionTask(func() (*types.Task, error) { return s.store.DraftTask(id) })
}

func (s *Service) GetTask(id string) (*types.Task, error) {
	return s.store.GetTask(id)
}

func (s *Service) DeleteTask(id string) error {
	task, err := s.store.GetTask(id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTask(id); err != nil {
		return err
	}
	s.publishTask(events.TaskDeleted, task)
	return nil
}

func (s *Service) ListTasks(filter storage.TaskFilter) ([]*types.Task, error) {
	return s.store.ListTasks(filter)
}

func (s *Service) ReorderTasks(scope storage.TaskScope, orderedIDs []string) ([]*types.Task, error) {
	tasks, err := s.store.ReorderTasks(scope, orderedIDs)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	s.bus.Publish(&events.Event{
		Type:         events.TaskReordered,
		Scope:        scope.Scope,
		RepositoryID: scope.RepositoryID,
		TaskIDs:      ids,
		Payload:      map[string]interface{}{"tasks": tasks},
	})
	return tasks, nil
}

// --- Sessions ---

// StartSessionRequest is the pty.start surface.
type StartSessionRequest struct {
	SessionID   string
	DirectoryID string
	Scope       types.Scope
	AgentType   types.AgentType
	Command     string
	Args        []string
	Cwd         string
	Env         []string
	Cols        int
	Rows        int
}

// StartSession mints a telemetry token, injects launch args, and spawns
// the session.
func (s *Service) StartSession(ctx context.Context, req StartSessionRequest) (session.Info, error) {
	if !types.ValidAgentType(req.AgentType) {
		return session.Info{}, fmt.Errorf("invalid agent type: %s", req.AgentType)
	}

	command := req.Command
	args := req.Args
	if req.AgentType == types.AgentTerminal && command == "" {
		command = launch.ResolveTerminalCommand(os.LookupEnv, runtime.GOOS)
	}

	token := s.tokens.Mint(req.SessionID)
	args = launch.InjectArgs(req.AgentType, args, launch.OTLPConfig{
		Host:               s.telemetryHost,
		Port:               s.telemetryPort,
		Token:              token,
		LogUserPrompt:      s.cfg.Telemetry.LogUserPrompt,
		HistoryPersistence: s.cfg.Telemetry.HistoryPersistence,
	})

	info, err := s.registry.Start(ctx, session.StartRequest{
		SessionID:   req.SessionID,
		DirectoryID: req.DirectoryID,
		Scope:       req.Scope,
		AgentType:   req.AgentType,
		Spec: pty.StartSpec{
			Command: command,
			Args:    args,
			Cwd:     req.Cwd,
			Env:     req.Env,
			Cols:    req.Cols,
			Rows:    req.Rows,
		},
	})
	if err != nil {
		s.tokens.Revoke(req.SessionID)
		return session.Info{}, err
	}
	return info, nil
}

// RemoveSession force-removes a session and revokes its telemetry token.
func (s *Service) RemoveSession(id string) error {
	if err := s.registry.Remove(id); err != nil {
		return err
	}
	s.tokens.Revoke(id)
	s.ingestMu.Lock()
	delete(s.lastIngest, id)
	s.ingestMu.Unlock()
	return nil
}

// AutoStart boots a session for every non-archived conversation whose
// agent type the gateway can launch: codex resumes its provider thread,
// terminal opens the user's shell. Archived conversations are skipped.
func (s *Service) AutoStart(ctx context.Context) {
	gatewayLog := log.WithComponent("gateway")
	convs, err := s.store.ListConversations(storage.ConversationFilter{})
	if err != nil {
		gatewayLog.Error().Err(err).Msg("Failed to list conversations for auto-start")
		return
	}
	for _, conv := range convs {
		req := StartSessionRequest{
			SessionID:   conv.ID,
			DirectoryID: conv.DirectoryID,
			Scope:       conv.Scope,
			AgentType:   conv.AgentType,
		}
		switch conv.AgentType {
		case types.AgentCodex:
			req.Command = "codex"
			if resume := conv.ResumeSessionID(); resume != "" {
				req.Args = []string{"resume", resume}
			}
		case types.AgentTerminal:
			// Command resolves to the user's shell in StartSession.
		default:
			continue
		}
		if dir, err := s.store.GetDirectory(conv.DirectoryID); err == nil {
			req.Cwd = dir.Path
		}
		sessionLog := log.WithSessionID(conv.ID)
		if _, err := s.StartSession(ctx, req); err != nil {
			sessionLog.Warn().Err(err).Msg("Auto-start failed")
			continue
		}
		sessionLog.Info().Str("agentType", string(conv.AgentType)).Msg("Session auto-started")
	}
}

// --- Telemetry ingest ---

// IngestTelemetry binds normalized events to a session and drives the
// runtime state machine. fallbackSessionID is the token-derived session
// for OTLP posts; history events pass "" and bind via adapter state.
func (s *Service) IngestTelemetry(fallbackSessionID string, evs []telemetry.Event) {
	for _, ev := range evs {
		sessionID := fallbackSessionID
		if sessionID == "" {
			sessionID = s.resolveByThreadID(ev.ProviderThreadID)
		}
		if sessionID == "" {
			continue
		}

		s.ingestMu.Lock()
		if last, ok := s.lastIngest[sessionID]; ok && last.SameObservation(ev) {
			s.ingestMu.Unlock()
			continue
		}
		s.lastIngest[sessionID] = ev
		s.ingestMu.Unlock()

		if ev.StatusHint != "" {
			reason := ""
			if ev.StatusHint == types.StatusNeedsInput {
				reason = ev.EventName
			}
			s.registry.ApplyStatusHint(sessionID, ev.StatusHint, reason, ev.ObservedAt)
		}

		scope := types.Scope{}
		directoryID := ""
		if si, err := s.registry.Status(sessionID); err == nil {
			scope = si.Scope
			directoryID = si.DirectoryID
		}
		s.bus.Publish(&events.Event{
			Type:           events.SessionKeyEvent,
			Scope:          scope,
			DirectoryID:    directoryID,
			ConversationID: sessionID,
			Payload:        ev,
		})
		s.registry.PublishEvent(sessionID, ev)

		s.updateAdapterState(sessionID, ev)
		if s.hooks != nil && ev.EventName != "" {
			s.hooks.Dispatch(ev.EventName, ev)
		}
	}
}

// resolveByThreadID finds the non-archived codex conversation whose
// adapter state carries the provider thread id.
func (s *Service) resolveByThreadID(threadID string) string {
	if threadID == "" {
		return ""
	}
	convs, err := s.store.ListConversations(storage.ConversationFilter{})
	if err != nil {
		return ""
	}
	for _, conv := range convs {
		if conv.ResumeSessionID() == threadID {
			return conv.ID
		}
	}
	return ""
}

// updateAdapterState records {resumeSessionId, lastObservedAt} on codex
// conversations. A no-op for other agent types or unknown conversations.
func (s *Service) updateAdapterState(sessionID string, ev telemetry.Event) {
	conv, err := s.store.GetConversation(sessionID)
	if err != nil || conv.AgentType != types.AgentCodex {
		return
	}
	state := map[string]types.Value{
		types.AdapterKeyLastObservedAt: types.Timestamp(ev.ObservedAt),
	}
	if ev.ProviderThreadID != "" {
		state[types.AdapterKeyResumeSessionID] = types.String(ev.ProviderThreadID)
	}
	if _, err := s.store.MergeAdapterState(sessionID, state); err != nil {
		sessionLog := log.WithSessionID(sessionID)
		sessionLog.Debug().Err(err).Msg("Adapter state merge failed")
	}
}

// Shutdown closes sessions and flushes hooks.
func (s *Service) Shutdown() {
	s.registry.CloseAll()
	if s.hooks != nil {
		s.hooks.Wait()
	}
}
