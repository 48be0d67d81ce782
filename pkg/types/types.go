package types

import (
	"time"
)

// Scope identifies the tenant/user/workspace triple every record is
// partitioned by. Empty fields on a filter mean "any".
type Scope struct {
	TenantID    string `json:"tenantId"`
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
}

// Matches reports whether the scope satisfies a filter scope. A filter
// field that is empty matches anything.
func (s Scope) Matches(filter Scope) bool {
	if filter.TenantID != "" && filter.TenantID != s.TenantID {
		return false
	}
	if filter.UserID != "" && filter.UserID != s.UserID {
		return false
	}
	if filter.WorkspaceID != "" && filter.WorkspaceID != s.WorkspaceID {
		return false
	}
	return true
}

// Directory is a workspace-rooted filesystem path that conversations live
// under.
type Directory struct {
	ID         string     `json:"directoryId"`
	Scope      Scope      `json:"scope"`
	Path       string     `json:"path"`
	CreatedAt  time.Time  `json:"createdAt"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// Archived reports whether the directory has been archived. Archiving is
// sticky: ArchivedAt transitions only nil -> timestamp.
func (d *Directory) Archived() bool { return d.ArchivedAt != nil }

// AgentType identifies the kind of agent a conversation drives.
type AgentType string

const (
	AgentCodex    AgentType = "codex"
	AgentClaude   AgentType = "claude"
	AgentCursor   AgentType = "cursor"
	AgentTerminal AgentType = "terminal"
	AgentCritique AgentType = "critique"
)

// ValidAgentType reports whether t is a known agent type.
func ValidAgentType(t AgentType) bool {
	switch t {
	case AgentCodex, AgentClaude, AgentCursor, AgentTerminal, AgentCritique:
		return true
	}
	return false
}

// RuntimeStatus is the derived status of a conversation's live session.
type RuntimeStatus string

const (
	StatusRunning    RuntimeStatus = "running"
	StatusNeedsInput RuntimeStatus = "needs-input"
	StatusCompleted  RuntimeStatus = "completed"
	StatusExited     RuntimeStatus = "exited"
)

// ValidRuntimeStatus reports whether s is a known runtime status.
func ValidRuntimeStatus(s RuntimeStatus) bool {
	switch s {
	case StatusRunning, StatusNeedsInput, StatusCompleted, StatusExited:
		return true
	}
	return false
}

// ExitStatus records how a session's process ended. Exactly one of Code or
// Signal is typically set.
type ExitStatus struct {
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

// Conversation is an agent interaction bound to a directory.
//
// RuntimeStatus and RuntimeStatusModel are written only by the runtime
// update path, which assigns both from the same value so they never
// diverge. Downstream renderers read RuntimeStatusModel.
type Conversation struct {
	ID          string    `json:"conversationId"`
	DirectoryID string    `json:"directoryId"`
	Scope       Scope     `json:"scope"`
	Title       string    `json:"title"`
	AgentType   AgentType `json:"agentType"`

	// AdapterState is opaque per-agent state. For codex it holds
	// resumeSessionId and lastObservedAt.
	AdapterState map[string]Value `json:"adapterState,omitempty"`

	RuntimeStatus      RuntimeStatus `json:"runtimeStatus,omitempty"`
	RuntimeStatusModel RuntimeStatus `json:"runtimeStatusModel,omitempty"`
	RuntimeLive        bool          `json:"runtimeLive"`
	AttentionReason    string        `json:"attentionReason,omitempty"`
	ProcessID          int           `json:"processId,omitempty"`
	LastEventAt        *time.Time    `json:"lastEventAt,omitempty"`
	LastExit           *ExitStatus   `json:"lastExit,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// Archived reports whether the conversation has been archived.
func (c *Conversation) Archived() bool { return c.ArchivedAt != nil }

// AdapterState well-known keys.
const (
	AdapterKeyResumeSessionID = "resumeSessionId"
	AdapterKeyLastObservedAt  = "lastObservedAt"
)

// ResumeSessionID returns the codex resume session id stored in the
// adapter state, or "" if absent.
func (c *Conversation) ResumeSessionID() string {
	if c.AdapterState == nil {
		return ""
	}
	v, ok := c.AdapterState[AdapterKeyResumeSessionID]
	if !ok || v.Kind != ValueString {
		return ""
	}
	return v.Str
}

// Repository is a tracked remote/project.
type Repository struct {
	ID            string           `json:"repositoryId"`
	Scope         Scope            `json:"scope"`
	Name          string           `json:"name"`
	RemoteURL     string           `json:"remoteUrl"`
	DefaultBranch string           `json:"defaultBranch"`
	Metadata      map[string]Value `json:"metadata,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	ArchivedAt    *time.Time       `json:"archivedAt,omitempty"`
}

// Archived reports whether the repository has been archived.
func (r *Repository) Archived() bool { return r.ArchivedAt != nil }

// TaskStatus is the backlog state machine: draft -> ready -> in-progress
// -> completed. Queue returns to ready, draft returns to draft.
type TaskStatus string

const (
	TaskDraft      TaskStatus = "draft"
	TaskReady      TaskStatus = "ready"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
)

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskDraft, TaskReady, TaskInProgress, TaskCompleted:
		return true
	}
	return false
}

// Task is an ordered backlog item scoped to a repository or project.
//
// Invariant: ClaimedByControllerID != "" if and only if Status is
// in-progress.
type Task struct {
	ID           string     `json:"taskId"`
	Scope        Scope      `json:"scope"`
	RepositoryID string     `json:"repositoryId,omitempty"`
	ProjectID    string     `json:"projectId,omitempty"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Status       TaskStatus `json:"status"`
	OrderIndex   int        `json:"orderIndex"`

	ClaimedByControllerID string `json:"claimedByControllerId,omitempty"`
	ClaimedByDirectoryID  string `json:"claimedByDirectoryId,omitempty"`
	BranchName            string `json:"branchName,omitempty"`
	BaseBranch            string `json:"baseBranch,omitempty"`

	Linear map[string]Value `json:"linear,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// Archived reports whether the task has been archived.
func (t *Task) Archived() bool { return t.ArchivedAt != nil }

// GitSummary is the cached working-tree summary for a directory.
type GitSummary struct {
	Branch       string `json:"branch"`
	ChangedFiles int    `json:"changedFiles"`
	Additions    int    `json:"additions"`
	Deletions    int    `json:"deletions"`
}

// RepositoryProbe is the cached repository-level probe for a directory.
type RepositoryProbe struct {
	NormalizedRemoteURL string     `json:"normalizedRemoteUrl"`
	CommitCount         int        `json:"commitCount"`
	LastCommitAt        *time.Time `json:"lastCommitAt,omitempty"`
	ShortCommitHash     string     `json:"shortCommitHash"`
	InferredName        string     `json:"inferredName"`
	DefaultBranch       string     `json:"defaultBranch"`
}

// DirectoryGitStatus is the deduped git snapshot for one directory.
type DirectoryGitStatus struct {
	DirectoryID string           `json:"directoryId"`
	Summary     GitSummary       `json:"summary"`
	Repository  *RepositoryProbe `json:"repository,omitempty"`
	ObservedAt  time.Time        `json:"observedAt"`
}

// Equivalent compares two snapshots structurally, ignoring ObservedAt.
// Only a strictly different snapshot emits a directory-git-updated event.
func (g *DirectoryGitStatus) Equivalent(other *DirectoryGitStatus) bool {
	if other == nil {
		return false
	}
	if g.DirectoryID != other.DirectoryID || g.Summary != other.Summary {
		return false
	}
	if (g.Repository == nil) != (other.Repository == nil) {
		return false
	}
	if g.Repository == nil {
		return true
	}
	a, b := *g.Repository, *other.Repository
	if (a.LastCommitAt == nil) != (b.LastCommitAt == nil) {
		return false
	}
	if a.LastCommitAt != nil && !a.LastCommitAt.Equal(*b.LastCommitAt) {
		return false
	}
	a.LastCommitAt, b.LastCommitAt = nil, nil
	return a == b
}
