package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/agentmux/agentmux/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDirectories   = []byte("directories")
	bucketConversations = []byte("conversations")
	bucketRepositories  = []byte("repositories")
	bucketTasks         = []byte("tasks")
	bucketGitStatus     = []byte("git_status")
)

// BoltStore implements Store using BoltDB. bbolt serializes writers and
// runs readers concurrently, which matches the single-writer requirement
// for multi-row invariants (archive cascades, reorder).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the store file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDirectories,
			bucketConversations,
			bucketRepositories,
			bucketTasks,
			bucketGitStatus,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close flushes and closes the underlying file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// Directory operations

func getDirectory(tx *bolt.Tx, id string) (*types.Directory, error) {
	data := tx.Bucket(bucketDirectories).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("directory not found: %s", id)
	}
	var dir types.Directory
	if err := json.Unmarshal(data, &dir); err != nil {
		return nil, err
	}
	return &dir, nil
}

func (s *BoltStore) UpsertDirectory(dir *types.Directory) (*types.Directory, error) {
	var out *types.Directory
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, _ := getDirectory(tx, dir.ID)
		record := *dir
		if existing != nil {
			if existing.Archived() && existing.Scope != dir.Scope {
				return fmt.Errorf("directory is archived: %s", dir.ID)
			}
			// Archiving is sticky and creation time is immutable.
			record.CreatedAt = existing.CreatedAt
			record.ArchivedAt = existing.ArchivedAt
		} else if record.CreatedAt.IsZero() {
			record.CreatedAt = time.Now()
		}
		out = &record
		return put(tx.Bucket(bucketDirectories), record.ID, &record)
	})
	return out, err
}

func (s *BoltStore) GetDirectory(id string) (*types.Directory, error) {
	var dir *types.Directory
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		dir, err = getDirectory(tx, id)
		return err
	})
	return dir, err
}

func (s *BoltStore) ListDirectories(scope types.Scope, includeArchived bool) ([]*types.Directory, error) {
	var dirs []*types.Directory
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDirectories).ForEach(func(k, v []byte) error {
			var dir types.Directory
			if err := json.Unmarshal(v, &dir); err != nil {
				return err
			}
			if !dir.Scope.Matches(scope) {
				return nil
			}
			if dir.Archived() && !includeArchived {
				return nil
			}
			dirs = append(dirs, &dir)
			return nil
		})
	})
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].ID < dirs[j].ID })
	return dirs, err
}

func (s *BoltStore) ArchiveDirectory(id string) (*types.Directory, []*types.Conversation, bool, error) {
	var (
		out      *types.Directory
		cascaded []*types.Conversation
		changed  bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		dir, err := getDirectory(tx, id)
		if err != nil {
			return err
		}
		if dir.Archived() {
			out = dir
			return nil // idempotent, no event
		}
		now := time.Now()
		dir.ArchivedAt = &now
		if err := put(tx.Bucket(bucketDirectories), dir.ID, dir); err != nil {
			return err
		}

		// Cascade: archive every live conversation under the directory in
		// the same transaction.
		convs := tx.Bucket(bucketConversations)
		var pending []*types.Conversation
		err = convs.ForEach(func(k, v []byte) error {
			var conv types.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return err
			}
			if conv.DirectoryID == id && !conv.Archived() {
				conv.ArchivedAt = &now
				pending = append(pending, &conv)
			}
			return nil
		})
		if err != nil {
			return err
		}
		sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
		for _, conv := range pending {
			if err := put(convs, conv.ID, conv); err != nil {
				return err
			}
		}
		out = dir
		cascaded = pending
		changed = true
		return nil
	})
	return out, cascaded, changed, err
}

// Conversation operations

func getConversation(tx *bolt.Tx, id string) (*types.Conversation, error) {
	data := tx.Bucket(bucketConversations).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("conversation not found: %s", id)
	}
	var conv types.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *BoltStore) CreateConversation(conv *types.Conversation) (*types.Conversation, error) {
	var out *types.Conversation
	err := s.db.Update(func(tx *bolt.Tx) error {
		dir, err := getDirectory(tx, conv.DirectoryID)
		if err != nil {
			return err
		}
		if dir.Archived() {
			return fmt.Errorf("directory is archived: %s", dir.ID)
		}
		record := *conv
		if record.CreatedAt.IsZero() {
			record.CreatedAt = time.Now()
		}
		out = &record
		return put(tx.Bucket(bucketConversations), record.ID, &record)
	})
	return out, err
}

func (s *BoltStore) GetConversation(id string) (*types.Conversation, error) {
	var conv *types.Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		conv, err = getConversation(tx, id)
		return err
	})
	return conv, err
}

func (s *BoltStore) UpdateConversation(conv *types.Conversation) (*types.Conversation, error) {
	var out *types.Conversation
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getConversation(tx, conv.ID)
		if err != nil {
			return err
		}
		record := *conv
		record.CreatedAt = existing.CreatedAt
		record.ArchivedAt = existing.ArchivedAt
		out = &record
		return put(tx.Bucket(bucketConversations), record.ID, &record)
	})
	return out, err
}

func (s *BoltStore) ArchiveConversation(id string) (*types.Conversation, bool, error) {
	var (
		out     *types.Conversation
		changed bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		conv, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		if conv.Archived() {
			out = conv
			return nil
		}
		now := time.Now()
		conv.ArchivedAt = &now
		out = conv
		changed = true
		return put(tx.Bucket(bucketConversations), conv.ID, conv)
	})
	return out, changed, err
}

func (s *BoltStore) DeleteConversation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getConversation(tx, id); err != nil {
			return err
		}
		return tx.Bucket(bucketConversations).Delete([]byte(id))
	})
}

func (s *BoltStore) ListConversations(filter ConversationFilter) ([]*types.Conversation, error) {
	var convs []*types.Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var conv types.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return err
			}
			if !conv.Scope.Matches(filter.Scope) {
				return nil
			}
			if filter.DirectoryID != "" && conv.DirectoryID != filter.DirectoryID {
				return nil
			}
			if conv.Archived() && !filter.IncludeArchived {
				return nil
			}
			convs = append(convs, &conv)
			return nil
		})
	})
	sort.Slice(convs, func(i, j int) bool { return convs[i].ID < convs[j].ID })
	return convs, err
}

func (s *BoltStore) UpdateConversationRuntime(id string, update RuntimeUpdate) (*types.Conversation, error) {
	var out *types.Conversation
	err := s.db.Update(func(tx *bolt.Tx) error {
		conv, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		// Single writer for both status fields keeps them from diverging.
		conv.RuntimeStatus = update.Status
		conv.RuntimeStatusModel = update.Status
		conv.RuntimeLive = update.Live
		conv.AttentionReason = update.AttentionReason
		conv.ProcessID = update.ProcessID
		conv.LastEventAt = update.LastEventAt
		conv.LastExit = update.LastExit
		out = conv
		return put(tx.Bucket(bucketConversations), conv.ID, conv)
	})
	return out, err
}

func (s *BoltStore) MergeAdapterState(id string, state map[string]types.Value) (*types.Conversation, error) {
	var out *types.Conversation
	err := s.db.Update(func(tx *bolt.Tx) error {
		conv, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		if conv.AdapterState == nil {
			conv.AdapterState = make(map[string]types.Value, len(state))
		}
		for k, v := range state {
			conv.AdapterState[k] = v
		}
		out = conv
		return put(tx.Bucket(bucketConversations), conv.ID, conv)
	})
	return out, err
}

// Repository operations

func getRepository(tx *bolt.Tx, id string) (*types.Repository, error) {
	data := tx.Bucket(bucketRepositories).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("repository not found: %s", id)
	}
	var repo types.Repository
	if err := json.Unmarshal(data, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

func (s *BoltStore) UpsertRepository(repo *types.Repository) (*types.Repository, error) {
	var out *types.Repository
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, _ := getRepository(tx, repo.ID)
		record := *repo
		if existing != nil {
			if existing.Archived() && existing.Scope != repo.Scope {
				return fmt.Errorf("repository is archived: %s", repo.ID)
			}
			record.CreatedAt = existing.CreatedAt
			record.ArchivedAt = existing.ArchivedAt
		} else if record.CreatedAt.IsZero() {
			record.CreatedAt = time.Now()
		}
		out = &record
		return put(tx.Bucket(bucketRepositories), record.ID, &record)
	})
	return out, err
}

// GetRepository returns the repository even when archived.
func (s *BoltStore) GetRepository(id string) (*types.Repository, error) {
	var repo *types.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		repo, err = getRepository(tx, id)
		return err
	})
	return repo, err
}

func (s *BoltStore) ListRepositories(scope types.Scope, includeArchived bool) ([]*types.Repository, error) {
	var repos []*types.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepositories).ForEach(func(k, v []byte) error {
			var repo types.Repository
			if err := json.Unmarshal(v, &repo); err != nil {
				return err
			}
			if !repo.Scope.Matches(scope) {
				return nil
			}
			if repo.Archived() && !includeArchived {
				return nil
			}
			repos = append(repos, &repo)
			return nil
		})
	})
	sort.Slice(repos, func(i, j int) bool { return repos[i].ID < repos[j].ID })
	return repos, err
}

func (s *BoltStore) ArchiveRepository(id string) (*types.Repository, bool, error) {
	var (
		out     *types.Repository
		changed bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		repo, err := getRepository(tx, id)
		if err != nil {
			return err
		}
		if repo.Archived() {
			out = repo
			return nil
		}
		now := time.Now()
		repo.ArchivedAt = &now
		out = repo
		changed = true
		return put(tx.Bucket(bucketRepositories), repo.ID, repo)
	})
	return out, changed, err
}

// Task operations

func getTask(tx *bolt.Tx, id string) (*types.Task, error) {
	data := tx.Bucket(bucketTasks).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func taskInScope(task *types.Task, scope TaskScope) bool {
	if !task.Scope.Matches(scope.Scope) {
		return false
	}
	if scope.RepositoryID != "" && task.RepositoryID != scope.RepositoryID {
		return false
	}
	if scope.ProjectID != "" && task.ProjectID != scope.ProjectID {
		return false
	}
	return true
}

func (s *BoltStore) CreateTask(task *types.Task) (*types.Task, error) {
	var out *types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		record := *task
		if record.Status == "" {
			record.Status = types.TaskDraft
		}
		if !types.ValidTaskStatus(record.Status) {
			return fmt.Errorf("invalid task status: %s", record.Status)
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = time.Now()
		}
		// Append to the end of the backlog for its scope.
		maxIndex := -1
		scope := TaskScope{Scope: record.Scope, RepositoryID: record.RepositoryID, ProjectID: record.ProjectID}
		err := tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if taskInScope(&t, scope) && !t.Archived() && t.OrderIndex > maxIndex {
				maxIndex = t.OrderIndex
			}
			return nil
		})
		if err != nil {
			return err
		}
		record.OrderIndex = maxIndex + 1
		out = &record
		return put(tx.Bucket(bucketTasks), record.ID, &record)
	})
	return out, err
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		task, err = getTask(tx, id)
		return err
	})
	return task, err
}

func (s *BoltStore) UpdateTask(task *types.Task) (*types.Task, error) {
	var out *types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getTask(tx, task.ID)
		if err != nil {
			return err
		}
		record := *task
		// Status and claim fields move only through the state-machine ops.
		record.Status = existing.Status
		record.OrderIndex = existing.OrderIndex
		record.ClaimedByControllerID = existing.ClaimedByControllerID
		record.ClaimedByDirectoryID = existing.ClaimedByDirectoryID
		record.CreatedAt = existing.CreatedAt
		record.ArchivedAt = existing.ArchivedAt
		out = &record
		return put(tx.Bucket(bucketTasks), record.ID, &record)
	})
	return out, err
}

func (s *BoltStore) transitionTask(id string, fn func(*types.Task) error) (*types.Task, error) {
	var out *types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		task, err := getTask(tx, id)
		if err != nil {
			return err
		}
		if err := fn(task); err != nil {
			return err
		}
		out = task
		return put(tx.Bucket(bucketTasks), task.ID, task)
	})
	return out, err
}

func (s *BoltStore) ReadyTask(id string) (*types.Task, error) {
	return s.transitionTask(id, func(task *types.Task) error {
		if task.Status != types.TaskDraft && task.Status != types.TaskReady {
			return fmt.Errorf("task cannot move to ready from %s: %s", task.Status, id)
		}
		task.Status = types.TaskReady
		return nil
	})
}

func (s *BoltStore) ClaimTask(id string, claim ClaimRequest) (*types.Task, error) {
	return s.transitionTask(id, func(task *types.Task) error {
		if task.Status != types.TaskReady {
			return fmt.Errorf("task not ready to claim: %s", id)
		}
		task.Status = types.TaskInProgress
		task.ClaimedByControllerID = claim.ControllerID
		task.ClaimedByDirectoryID = claim.DirectoryID
		task.BranchName = claim.BranchName
		task.BaseBranch = claim.BaseBranch
		return nil
	})
}

func (s *BoltStore) CompleteTask(id string) (*types.Task, error) {
	return s.transitionTask(id, func(task *types.Task) error {
		if task.Status != types.TaskInProgress {
			return fmt.Errorf("task is not in progress: %s", id)
		}
		task.Status = types.TaskCompleted
		task.ClaimedByControllerID = ""
		task.ClaimedByDirectoryID = ""
		return nil
	})
}

func (s *BoltStore) QueueTask(id string) (*types.Task, error) {
	return s.transitionTask(id, func(task *types.Task) error {
		task.Status = types.TaskReady
		task.ClaimedByControllerID = ""
		task.ClaimedByDirectoryID = ""
		return nil
	})
}

func (s *BoltStore) DraftTask(id string) (*types.Task, error) {
	return s.transitionTask(id, func(task *types.Task) error {
		task.Status = types.TaskDraft
		task.ClaimedByControllerID = ""
		task.ClaimedByDirectoryID = ""
		return nil
	})
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getTask(tx, id); err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

func (s *BoltStore) ListTasks(filter TaskFilter) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if !taskInScope(&task, filter.TaskScope) {
				return nil
			}
			if filter.Status != "" && task.Status != filter.Status {
				return nil
			}
			if task.Archived() && !filter.IncludeArchived {
				return nil
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].OrderIndex != tasks[j].OrderIndex {
			return tasks[i].OrderIndex < tasks[j].OrderIndex
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, err
}

func (s *BoltStore) ReorderTasks(scope TaskScope, orderedIDs []string) ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		// Collect the non-archived tasks currently in scope.
		inScope := make(map[string]*types.Task)
		err := tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if taskInScope(&task, scope) && !task.Archived() {
				inScope[task.ID] = &task
			}
			return nil
		})
		if err != nil {
			return err
		}

		// The provided id list must be exactly that set.
		if len(orderedIDs) != len(inScope) {
			return fmt.Errorf("task reorder must include every task in scope: got %d, want %d",
				len(orderedIDs), len(inScope))
		}
		seen := make(map[string]bool, len(orderedIDs))
		for _, id := range orderedIDs {
			if _, ok := inScope[id]; !ok {
				return fmt.Errorf("task not found: %s", id)
			}
			if seen[id] {
				return fmt.Errorf("duplicate task id in reorder: %s", id)
			}
			seen[id] = true
		}

		updated := make([]*types.Task, 0, len(orderedIDs))
		for i, id := range orderedIDs {
			task := inScope[id]
			task.OrderIndex = i
			if err := put(tx.Bucket(bucketTasks), task.ID, task); err != nil {
				return err
			}
			updated = append(updated, task)
		}
		out = updated
		return nil
	})
	return out, err
}

// Git snapshot operations

func (s *BoltStore) UpsertDirectoryGitStatus(status *types.DirectoryGitStatus) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGitStatus)
		if data := b.Get([]byte(status.DirectoryID)); data != nil {
			var existing types.DirectoryGitStatus
			if err := json.Unmarshal(data, &existing); err == nil && status.Equivalent(&existing) {
				return nil // identical snapshot, no event
			}
		}
		changed = true
		return put(b, status.DirectoryID, status)
	})
	return changed, err
}

func (s *BoltStore) GetDirectoryGitStatus(directoryID string) (*types.DirectoryGitStatus, error) {
	var status *types.DirectoryGitStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGitStatus).Get([]byte(directoryID))
		if data == nil {
			return fmt.Errorf("git status not found: %s", directoryID)
		}
		return json.Unmarshal(data, &status)
	})
	return status, err
}

func (s *BoltStore) ListDirectoryGitStatuses() ([]*types.DirectoryGitStatus, error) {
	var statuses []*types.DirectoryGitStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGitStatus).ForEach(func(k, v []byte) error {
			var status types.DirectoryGitStatus
			if err := json.Unmarshal(v, &status); err != nil {
				return err
			}
			statuses = append(statuses, &status)
			return nil
		})
	})
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].DirectoryID < statuses[j].DirectoryID })
	return statuses, err
}
