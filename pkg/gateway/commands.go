package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/agentmux/agentmux/pkg/events"
	"github.com/agentmux/agentmux/pkg/metrics"
	"github.com/agentmux/agentmux/pkg/protocol"
	"github.com/agentmux/agentmux/pkg/session"
	"github.com/agentmux/agentmux/pkg/storage"
	"github.com/agentmux/agentmux/pkg/types"
)

// dispatchCommand routes one command envelope. Domain errors serialize
// verbatim on command.error, prefixed with their kind; the connection
// keeps serving.
func (c *conn) dispatchCommand(line []byte, probe protocol.Probe) {
	result, err := c.runCommand(line, probe.Type)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues(probe.Type, "error").Inc()
		c.send(protocol.CommandError{
			Kind:      protocol.KindCommandError,
			RequestID: probe.RequestID,
			Message:   "Error: " + err.Error(),
		})
		return
	}
	metrics.CommandsTotal.WithLabelValues(probe.Type, "ok").Inc()
	c.send(protocol.CommandResult{
		Kind:      protocol.KindCommandResult,
		RequestID: probe.RequestID,
		Result:    result,
	})
}

func (c *conn) runCommand(line []byte, cmdType string) (interface{}, error) {
	switch cmdType {
	case "directory.upsert":
		return c.cmdDirectoryUpsert(line)
	case "directory.archive":
		return c.cmdDirectoryArchive(line)
	case "directory.list":
		return c.cmdDirectoryList(line)
	case "directory.git-status":
		return c.cmdDirectoryGitStatus(line)

	case "conversation.create":
		return c.cmdConversationCreate(line)
	case "conversation.update":
		return c.cmdConversationUpdate(line)
	case "conversation.archive":
		return c.cmdConversationArchive(line)
	case "conversation.delete":
		return c.cmdConversationDelete(line)
	case "conversation.list":
		return c.cmdConversationList(line)

	case "pty.start":
		return c.cmdPtyStart(line)
	case "pty.attach":
		return c.cmdPtyAttach(line)
	case "pty.detach":
		return c.cmdPtyDetach(line)
	case "pty.subscribe-events":
		return c.cmdPtySubscribeEvents(line)
	case "pty.unsubscribe-events":
		return c.cmdPtyUnsubscribeEvents(line)
	case "pty.close":
		return c.cmdPtyClose(line)

	case "session.list":
		return c.cmdSessionList(line)
	case "session.status":
		return c.cmdSessionStatus(line)
	case "session.snapshot":
		return c.cmdSessionSnapshot(line)
	case "session.respond":
		return c.cmdSessionRespond(line)
	case "session.interrupt":
		return c.cmdSessionInterrupt(line)
	case "session.claim":
		return c.cmdSessionClaim(line)
	case "session.release":
		return c.cmdSessionRelease(line)
	case "session.remove":
		return c.cmdSessionRemove(line)

	case "repository.upsert":
		return c.cmdRepositoryUpsert(line)
	case "repository.get":
		return c.cmdRepositoryGet(line)
	case "repository.list":
		return c.cmdRepositoryList(line)
	case "repository.archive":
		return c.cmdRepositoryArchive(line)

	case "task.create":
		return c.cmdTaskCreate(line)
	case "task.update":
		return c.cmdTaskUpdate(line)
	case "task.get":
		return c.cmdTaskGet(line)
	case "task.delete":
		return c.cmdTaskDelete(line)
	case "task.list":
		return c.cmdTaskList(line)
	case "task.ready":
		return c.cmdTaskTransition(line, c.svc.ReadyTask)
	case "task.claim":
		return c.cmdTaskClaim(line)
	case "task.complete":
		return c.cmdTaskTransition(line, c.svc.CompleteTask)
	case "task.queue":
		return c.cmdTaskTransition(line, c.svc.QueueTask)
	case "task.draft":
		return c.cmdTaskTransition(line, c.svc.DraftTask)
	case "task.reorder":
		return c.cmdTaskReorder(line)

	case "stream.subscribe":
		return c.cmdStreamSubscribe(line)
	case "stream.unsubscribe":
		return c.cmdStreamUnsubscribe(line)
	}
	return nil, fmt.Errorf("unsupported command type: %s", cmdType)
}

func decode(line []byte, out interface{}) error {
	if err := json.Unmarshal(line, out); err != nil {
		return fmt.Errorf("invalid command payload: %w", err)
	}
	return nil
}

// --- Directories ---

func (c *conn) cmdDirectoryUpsert(line []byte) (interface{}, error) {
	var params struct {
		DirectoryID string      `json:"directoryId"`
		Scope       types.Scope `json:"scope"`
		Path        string      `json:"path"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	if params.DirectoryID == "" || params.Path == "" {
		return nil, fmt.Errorf("directoryId and path are required")
	}
	dir, err := c.svc.UpsertDirectory(&types.Directory{
		ID:    params.DirectoryID,
		Scope: params.Scope,
		Path:  params.Path,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"directory": dir}, nil
}

func (c *conn) cmdDirectoryArchive(line []byte) (interface{}, error) {
	var params struct {
		DirectoryID string `json:"directoryId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	dir, err := c.svc.ArchiveDirectory(params.DirectoryID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"directory": dir}, nil
}

func (c *conn) cmdDirectoryList(line []byte) (interface{}, error) {
	var params struct {
		Scope           types.Scope `json:"scope"`
		IncludeArchived bool        `json:"includeArchived"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	dirs, err := c.svc.ListDirectories(params.Scope, params.IncludeArchived)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"directories": dirs}, nil
}

func (c *conn) cmdDirectoryGitStatus(line []byte) (interface{}, error) {
	var params struct {
		DirectoryID string `json:"directoryId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	status, err := c.svc.DirectoryGitStatus(params.DirectoryID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"gitStatus": status}, nil
}

// --- Conversations ---

type conversationParams struct {
	ConversationID string                 `json:"conversationId"`
	DirectoryID    string                 `json:"directoryId"`
	Scope          types.Scope            `json:"scope"`
	Title          string                 `json:"title"`
	AgentType      types.AgentType        `json:"agentType"`
	AdapterState   map[string]types.Value `json:"adapterState,omitempty"`
}

func (c *conn) cmdConversationCreate(line []byte) (interface{}, error) {
	var params conversationParams
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	if params.ConversationID == "" || params.DirectoryID == "" {
		return nil, fmt.Errorf("conversationId and directoryId are required")
	}
	conv, err := c.svc.CreateConversation(&types.Conversation{
		ID:           params.ConversationID,
		DirectoryID:  params.DirectoryID,
		Scope:        params.Scope,
		Title:        params.Title,
		AgentType:    params.AgentType,
		AdapterState: params.AdapterState,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"conversation": conv}, nil
}

func (c *conn) cmdConversationUpdate(line []byte) (interface{}, error) {
	var params conversationParams
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	existing, err := c.svc.store.GetConversation(params.ConversationID)
	if err != nil {
		return nil, err
	}
	if params.Title != "" {
		existing.Title = params.Title
	}
	if params.AdapterState != nil {
		existing.AdapterState = params.AdapterState
	}
	conv, err := c.svc.UpdateConversation(existing)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"conversation": conv}, nil
}

func (c *conn) cmdConversationArchive(line []byte) (interface{}, error) {
	var params struct {
		ConversationID string `json:"conversationId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	conv, err := c.svc.ArchiveConversation(params.ConversationID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"conversation": conv}, nil
}

func (c *conn) cmdConversationDelete(line []byte) (interface{}, error) {
	var params struct {
		ConversationID string `json:"conversationId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	if err := c.svc.DeleteConversation(params.ConversationID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": true}, nil
}

func (c *conn) cmdConversationList(line []byte) (interface{}, error) {
	var params struct {
		Scope           types.Scope `json:"scope"`
		DirectoryID     string      `json:"directoryId"`
		IncludeArchived bool        `json:"includeArchived"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	convs, err := c.svc.ListConversations(storage.ConversationFilter{
		Scope:           params.Scope,
		DirectoryID:     params.DirectoryID,
		IncludeArchived: params.IncludeArchived,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"conversations": convs}, nil
}

// --- Sessions ---

func (c *conn) cmdPtyStart(line []byte) (interface{}, error) {
	var params struct {
		SessionID   string          `json:"sessionId"`
		DirectoryID string          `json:"directoryId"`
		Scope       types.Scope     `json:"scope"`
		AgentType   types.AgentType `json:"agentType"`
		Command     string          `json:"command"`
		Args        []string        `json:"args"`
		Cwd         string          `json:"cwd"`
		Env         []string        `json:"env"`
		Cols        int             `json:"cols"`
		Rows        int             `json:"rows"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	if params.SessionID == "" {
		return nil, fmt.Errorf("sessionId is required")
	}
	if params.Cols < 0 || params.Rows < 0 {
		return nil, fmt.Errorf("cols and rows must be >= 0")
	}
	info, err := c.svc.StartSession(context.Background(), StartSessionRequest{
		SessionID:   params.SessionID,
		DirectoryID: params.DirectoryID,
		Scope:       params.Scope,
		AgentType:   params.AgentType,
		Command:     params.Command,
		Args:        params.Args,
		Cwd:         params.Cwd,
		Env:         params.Env,
		Cols:        params.Cols,
		Rows:        params.Rows,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session": info}, nil
}

func (c *conn) cmdPtyAttach(line []byte) (interface{}, error) {
	var params struct {
		SessionID   string `json:"sessionId"`
		SinceCursor uint64 `json:"sinceCursor"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	attachID, latestCursor, err := c.svc.Registry().Attach(params.SessionID, c.id, params.SinceCursor, c.outputSink)
	if err != nil {
		return nil, err
	}
	c.trackAttachment(attachID, params.SessionID)
	return map[string]interface{}{"attachId": attachID, "latestCursor": latestCursor}, nil
}

func (c *conn) cmdPtyDetach(line []byte) (interface{}, error) {
	var params struct {
		AttachID string `json:"attachId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	if sessionID, ok := c.forgetAttachment(params.AttachID); ok {
		_ = c.svc.Registry().Detach(sessionID, params.AttachID)
	}
	return map[string]interface{}{"detached": true}, nil
}

func (c *conn) cmdPtySubscribeEvents(line []byte) (interface{}, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	err := c.svc.Registry().SubscribeEvents(params.SessionID, c.id, c.outputSink, c.eventSink,
		func(sessionID string, exit types.ExitStatus) {
			c.exitSink(sessionID, exit.Code, exit.Signal)
		})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.eventSubs[params.SessionID] = true
	c.mu.Unlock()
	return map[string]interface{}{"subscribed": true}, nil
}

func (c *conn) cmdPtyUnsubscribeEvents(line []byte) (interface{}, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	c.mu.Lock()
	delete(c.eventSubs, params.SessionID)
	c.mu.Unlock()
	if err := c.svc.Registry().UnsubscribeEvents(params.SessionID, c.id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"unsubscribed": true}, nil
}

func (c *conn) cmdPtyClose(line []byte) (interface{}, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	if err := c.svc.Registry().Close(params.SessionID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"closed": true}, nil
}

func (c *conn) cmdSessionList(line []byte) (interface{}, error) {
	var params session.ListFilter
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	if !session.ValidSort(params.Sort) {
		return nil, fmt.Errorf("invalid sort: %s", params.Sort)
	}
	if params.Limit < 0 {
		return nil, fmt.Errorf("limit must be >= 0")
	}
	return map[string]interface{}{"sessions": c.svc.Registry().List(params)}, nil
}

func (c *conn) cmdSessionStatus(line []byte) (interface{}, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	info, err := c.svc.Registry().Status(params.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session": info}, nil
}

func (c *conn) cmdSessionSnapshot(line []byte) (interface{}, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	snap, stale, err := c.svc.Registry().Snapshot(params.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"snapshotBase64": base64.StdEncoding.EncodeToString(snap),
		"stale":          stale,
	}, nil
}

func (c *conn) cmdSessionRespond(line []byte) (interface{}, error) {
	var params struct {
		SessionID string `json:"sessionId"`
		Text      string `json:"text"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	if err := c.svc.Registry().Respond(params.SessionID, c.id, params.Text); err != nil {
		return nil, err
	}
	return map[string]interface{}{"responded": true}, nil
}

func (c *conn) cmdSessionInterrupt(line []byte) (interface{}, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	if err := c.svc.Registry().Interrupt(params.SessionID, c.id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"interrupted": true}, nil
}

func (c *conn) cmdSessionClaim(line []byte) (interface{}, error) {
	var params struct {
		SessionID      string `json:"sessionId"`
		ControllerID   string `json:"controllerId"`
		ControllerType string `json:"controllerType"`
		Takeover       bool   `json:"takeover"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	if params.ControllerID == "" || params.ControllerType == "" {
		return nil, fmt.Errorf("controllerId and controllerType are required")
	}
	ctrl, err := c.svc.Registry().Claim(params.SessionID, c.id, params.ControllerID, params.ControllerType, params.Takeover)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"controller": ctrl}, nil
}

func (c *conn) cmdSessionRelease(line []byte) (interface{}, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	released, err := c.svc.Registry().Release(params.SessionID, c.id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"released": released}, nil
}

func (c *conn) cmdSessionRemove(line []byte) (interface{}, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	if err := c.svc.RemoveSession(params.SessionID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"removed": true}, nil
}

// --- Repositories ---

func (c *conn) cmdRepositoryUpsert(line []byte) (interface{}, error) {
	var params struct {
		RepositoryID  string                 `json:"repositoryId"`
		Scope         types.Scope            `json:"scope"`
		Name          string                 `json:"name"`
		RemoteURL     string                 `json:"remoteUrl"`
		DefaultBranch string                 `json:"defaultBranch"`
		Metadata      map[string]types.Value `json:"metadata,omitempty"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	if params.RepositoryID == "" {
		return nil, fmt.Errorf("repositoryId is required")
	}
	repo, err := c.svc.UpsertRepository(&types.Repository{
		ID:            params.RepositoryID,
		Scope:         params.Scope,
		Name:          params.Name,
		RemoteURL:     params.RemoteURL,
		DefaultBranch: params.DefaultBranch,
		Metadata:      params.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"repository": repo}, nil
}

func (c *conn) cmdRepositoryGet(line []byte) (interface{}, error) {
	var params struct {
		RepositoryID string `json:"repositoryId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	repo, err := c.svc.GetRepository(params.RepositoryID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"repository": repo}, nil
}

func (c *conn) cmdRepositoryList(line []byte) (interface{}, error) {
	var params struct {
		Scope           types.Scope `json:"scope"`
		IncludeArchived bool        `json:"includeArchived"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	repos, err := c.svc.ListRepositories(params.Scope, params.IncludeArchived)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"repositories": repos}, nil
}

func (c *conn) cmdRepositoryArchive(line []byte) (interface{}, error) {
	var params struct {
		RepositoryID string `json:"repositoryId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	repo, err := c.svc.ArchiveRepository(params.RepositoryID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"repository": repo}, nil
}

// --- Tasks ---

type taskParams struct {
	TaskID       string                 `json:"taskId"`
	Scope        types.Scope            `json:"scope"`
	RepositoryID string                 `json:"repositoryId,omitempty"`
	ProjectID    string                 `json:"projectId,omitempty"`
	Title        string                 `json:"title"`
	Description  string                 `json:"description,omitempty"`
	Linear       map[string]types.Value `json:"linear,omitempty"`
}

func (c *conn) cmdTaskCreate(line []byte) (interface{}, error) {
	var params taskParams
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	if params.TaskID == "" || params.Title == "" {
		return nil, fmt.Errorf("taskId and title are required")
	}
	task, err := c.svc.CreateTask(&types.Task{
		ID:           params.TaskID,
		Scope:        params.Scope,
		RepositoryID: params.RepositoryID,
		ProjectID:    params.ProjectID,
		Title:        params.Title,
		Description:  params.Description,
		Linear:       params.Linear,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task": task}, nil
}

func (c *conn) cmdTaskUpdate(line []byte) (interface{}, error) {
	var params taskParams
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	existing, err := c.svc.GetTask(params.TaskID)
	if err != nil {
		return nil, err
	}
	if params.Title != "" {
		existing.Title = params.Title
	}
	if params.Description != "" {
		existing.Description = params.Description
	}
	if params.Linear != nil {
		existing.Linear = params.Linear
	}
	task, err := c.svc.UpdateTask(existing)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task": task}, nil
}

func (c *conn) cmdTaskGet(line []byte) (interface{}, error) {
	var params struct {
		TaskID string `json:"taskId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	task, err := c.svc.GetTask(params.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task": task}, nil
}

func (c *conn) cmdTaskDelete(line []byte) (interface{}, error) {
	var params struct {
		TaskID string `json:"taskId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	if err := c.svc.DeleteTask(params.TaskID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": true}, nil
}

func (c *conn) cmdTaskList(line []byte) (interface{}, error) {
	var params struct {
		Scope           types.Scope      `json:"scope"`
		RepositoryID    string           `json:"repositoryId"`
		ProjectID       string           `json:"projectId"`
		Status          types.TaskStatus `json:"status"`
		IncludeArchived bool             `json:"includeArchived"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	if params.Status != "" && !types.ValidTaskStatus(params.Status) {
		return nil, fmt.Errorf("invalid task status: %s", params.Status)
	}
	tasks, err := c.svc.ListTasks(storage.TaskFilter{
		TaskScope: storage.TaskScope{
			Scope:        params.Scope,
			RepositoryID: params.RepositoryID,
			ProjectID:    params.ProjectID,
		},
		Status:          params.Status,
		IncludeArchived: params.IncludeArchived,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tasks": tasks}, nil
}

func (c *conn) cmdTaskTransition(line []byte, apply func(string) (*types.Task, error)) (interface{}, error) {
	var params struct {
		TaskID string `json:"taskId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	task, err := apply(params.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task": task}, nil
}

func (c *conn) cmdTaskClaim(line []byte) (interface{}, error) {
	var params struct {
		TaskID       string `json:"taskId"`
		ControllerID string `json:"controllerId"`
		DirectoryID  string `json:"directoryId"`
		BranchName   string `json:"branchName"`
		BaseBranch   string `json:"baseBranch"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	if params.ControllerID == "" {
		return nil, fmt.Errorf("controllerId is required")
	}
	task, err := c.svc.ClaimTask(params.TaskID, storage.ClaimRequest{
		ControllerID: params.ControllerID,
		DirectoryID:  params.DirectoryID,
		BranchName:   params.BranchName,
		BaseBranch:   params.BaseBranch,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task": task}, nil
}

func (c *conn) cmdTaskReorder(line []byte) (interface{}, error) {
	var params struct {
		Scope        types.Scope `json:"scope"`
		RepositoryID string      `json:"repositoryId"`
		ProjectID    string      `json:"projectId"`
		TaskIDs      []string    `json:"taskIds"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	tasks, err := c.svc.ReorderTasks(storage.TaskScope{
		Scope:        params.Scope,
		RepositoryID: params.RepositoryID,
		ProjectID:    params.ProjectID,
	}, params.TaskIDs)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tasks": tasks}, nil
}

// --- Streams ---

func (c *conn) cmdStreamSubscribe(line []byte) (interface{}, error) {
	var params struct {
		Filter      events.Filter `json:"filter"`
		AfterCursor uint64        `json:"afterCursor"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	subscriptionID, head := c.svc.Bus().Subscribe(params.Filter, params.AfterCursor, c.streamSink)
	c.trackStream(subscriptionID)
	return map[string]interface{}{"subscriptionId": subscriptionID, "cursor": head}, nil
}

func (c *conn) cmdStreamUnsubscribe(line []byte) (interface{}, error) {
	var params struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	if err := decode(line, &params); err != nil {
		return nil, err
	}
	c.forgetStream(params.SubscriptionID)
	c.svc.Bus().Unsubscribe(params.SubscriptionID)
	return map[string]interface{}{"unsubscribed": true}, nil
}
