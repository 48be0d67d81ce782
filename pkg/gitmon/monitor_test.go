package gitmon

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/storage"
	"github.com/agentmux/agentmux/pkg/types"
)

type publishRecorder struct {
	mu       sync.Mutex
	statuses []*types.DirectoryGitStatus
}

func (p *publishRecorder) publish(status *types.DirectoryGitStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, status)
}

func (p *publishRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.statuses)
}

func (p *publishRecorder) first() *types.DirectoryGitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statuses[0]
}

func newMonitorStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "gitmon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.UpsertDirectory(&types.Directory{
		ID:    "D1",
		Scope: types.Scope{TenantID: "t1"},
		Path:  "/work/d1",
	})
	require.NoError(t, err)
	return store
}

func TestMonitorPublishesOnlyOnChange(t *testing.T) {
	store := newMonitorStore(t)

	var probes atomic.Int64
	reader := func(ctx context.Context, path string) (*Snapshot, error) {
		probes.Add(1)
		return &Snapshot{Summary: types.GitSummary{Branch: "main", ChangedFiles: 1}}, nil
	}

	rec := &publishRecorder{}
	m := NewMonitor(Config{PollMs: 25, MaxConcurrency: 2}, store, reader, rec.publish)
	m.Start(context.Background())
	defer m.Stop()

	// An unchanged working tree keeps probing but publishes once.
	require.Eventually(t, func() bool { return probes.Load() >= 3 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, "D1", rec.first().DirectoryID)

	status, err := store.GetDirectoryGitStatus("D1")
	require.NoError(t, err)
	assert.Equal(t, "main", status.Summary.Branch)
}

func TestMonitorPublishesEachDistinctSnapshot(t *testing.T) {
	store := newMonitorStore(t)

	var probes atomic.Int64
	reader := func(ctx context.Context, path string) (*Snapshot, error) {
		n := probes.Add(1)
		return &Snapshot{Summary: types.GitSummary{Branch: "main", ChangedFiles: int(n)}}, nil
	}

	rec := &publishRecorder{}
	m := NewMonitor(Config{PollMs: 25, MaxConcurrency: 1}, store, reader, rec.publish)
	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return rec.count() >= 2 }, 3*time.Second, 20*time.Millisecond)
}

func TestMonitorIgnoresNonRepositories(t *testing.T) {
	store := newMonitorStore(t)

	var probes atomic.Int64
	reader := func(ctx context.Context, path string) (*Snapshot, error) {
		probes.Add(1)
		return nil, nil
	}

	rec := &publishRecorder{}
	m := NewMonitor(Config{PollMs: 25, MaxConcurrency: 1}, store, reader, rec.publish)
	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return probes.Load() >= 2 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, rec.count())

	_, err := store.GetDirectoryGitStatus("D1")
	require.Error(t, err)
}

func TestTriggerUnknownDirectoryIsIgnored(t *testing.T) {
	store := newMonitorStore(t)
	m := NewMonitor(Config{PollMs: 25}, store, func(context.Context, string) (*Snapshot, error) {
		return nil, nil
	}, func(*types.DirectoryGitStatus) {})

	// No tracked state yet; must not panic or create an entry.
	m.Trigger("missing")
}
