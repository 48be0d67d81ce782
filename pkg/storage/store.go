package storage

import (
	"time"

	"github.com/agentmux/agentmux/pkg/types"
)

// ConversationFilter selects conversations for listing.
type ConversationFilter struct {
	Scope           types.Scope
	DirectoryID     string
	IncludeArchived bool
}

// TaskScope identifies the backlog a task belongs to: a repository or a
// project within a tenant/user/workspace triple.
type TaskScope struct {
	Scope        types.Scope
	RepositoryID string
	ProjectID    string
}

// TaskFilter selects tasks for listing.
type TaskFilter struct {
	TaskScope
	Status          types.TaskStatus
	IncludeArchived bool
}

// RuntimeUpdate overwrites a conversation's runtime-derived fields. It is
// the only path that changes RuntimeStatus/RuntimeStatusModel.
type RuntimeUpdate struct {
	Status          types.RuntimeStatus
	Live            bool
	AttentionReason string
	ProcessID       int
	LastEventAt     *time.Time
	LastExit        *types.ExitStatus
}

// ClaimRequest carries the fields set when a ready task is claimed.
type ClaimRequest struct {
	ControllerID string
	DirectoryID  string
	BranchName   string
	BaseBranch   string
}

// Store is the durable control-plane state. Every mutator is atomic:
// it either commits fully or leaves state unchanged. Mutators return the
// records they touched so the service layer can publish observed events.
type Store interface {
	// Directories
	UpsertDirectory(dir *types.Directory) (*types.Directory, error)
	GetDirectory(id string) (*types.Directory, error)
	ListDirectories(scope types.Scope, includeArchived bool) ([]*types.Directory, error)
	// ArchiveDirectory archives the directory and cascades to every live
	// conversation under it, all in one transaction. Idempotent: archiving
	// an archived directory changes nothing and reports changed=false.
	ArchiveDirectory(id string) (dir *types.Directory, cascaded []*types.Conversation, changed bool, err error)

	// Conversations
	CreateConversation(conv *types.Conversation) (*types.Conversation, error)
	GetConversation(id string) (*types.Conversation, error)
	UpdateConversation(conv *types.Conversation) (*types.Conversation, error)
	ArchiveConversation(id string) (conv *types.Conversation, changed bool, err error)
	DeleteConversation(id string) error
	ListConversations(filter ConversationFilter) ([]*types.Conversation, error)
	UpdateConversationRuntime(id string, update RuntimeUpdate) (*types.Conversation, error)
	// MergeAdapterState merges entries into the conversation's opaque
	// adapter state map.
	MergeAdapterState(id string, state map[string]types.Value) (*types.Conversation, error)

	// Repositories
	UpsertRepository(repo *types.Repository) (*types.Repository, error)
	GetRepository(id string) (*types.Repository, error)
	ListRepositories(scope types.Scope, includeArchived bool) ([]*types.Repository, error)
	ArchiveRepository(id string) (repo *types.Repository, changed bool, err error)

	// Tasks
	CreateTask(task *types.Task) (*types.Task, error)
	GetTask(id string) (*types.Task, error)
	UpdateTask(task *types.Task) (*types.Task, error)
	ReadyTask(id string) (*types.Task, error)
	ClaimTask(id string, claim ClaimRequest) (*types.Task, error)
	CompleteTask(id string) (*types.Task, error)
	QueueTask(id string) (*types.Task, error)
	DraftTask(id string) (*types.Task, error)
	DeleteTask(id string) error
	ListTasks(filter TaskFilter) ([]*types.Task, error)
	// ReorderTasks validates that orderedIDs is exactly the set of
	// non-archived tasks in scope, then reassigns OrderIndex densely from
	// 0 by position. Returns the updated rows in the provided order.
	ReorderTasks(scope TaskScope, orderedIDs []string) ([]*types.Task, error)

	// Git snapshots
	UpsertDirectoryGitStatus(status *types.DirectoryGitStatus) (changed bool, err error)
	GetDirectoryGitStatus(directoryID string) (*types.DirectoryGitStatus, error)
	ListDirectoryGitStatuses() ([]*types.DirectoryGitStatus, error)

	// Utility
	Close() error
}
