// Package gitmon polls workspace directories for git working-tree and
// repository changes, persisting deduped snapshots and emitting an
// observed event only when a snapshot strictly differs from the stored
// one.
package gitmon

import (
	"context"
	"sync"
	"time"

	"github.com/agentmux/agentmux/pkg/log"
	"github.com/agentmux/agentmux/pkg/metrics"
	"github.com/agentmux/agentmux/pkg/storage"
	"github.com/agentmux/agentmux/pkg/types"
)

// Snapshot is one probe result for a directory.
type Snapshot struct {
	Summary    types.GitSummary
	Repository *types.RepositoryProbe
}

// Reader probes one directory path. A nil snapshot with nil error means
// the path is not a git repository.
type Reader func(ctx context.Context, path string) (*Snapshot, error)

// Config tunes the poll cadence. All intervals are milliseconds.
type Config struct {
	PollMs                int
	ActivePollMs          int
	IdlePollMs            int
	BurstPollMs           int
	MaxConcurrency        int
	MinDirectoryRefreshMs int
	TriggerDebounceMs     int
}

// Publish receives each snapshot that differed from the stored one.
type Publish func(status *types.DirectoryGitStatus)

const (
	// A directory that changed within this window polls at the active
	// cadence.
	activeWindow = 30 * time.Second
	// A directory quiet for this long drops to the idle cadence.
	idleWindow = 5 * time.Minute

	schedulerTick = 100 * time.Millisecond
)

type dirState struct {
	path         string
	lastProbeAt  time.Time
	lastChangeAt time.Time
	triggeredAt  time.Time
	probing      bool
}

// Monitor schedules per-directory probes with a bounded worker pool.
type Monitor struct {
	cfg     Config
	store   storage.Store
	reader  Reader
	publish Publish

	mu   sync.Mutex
	dirs map[string]*dirState

	sem    chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. A zero or negative MaxConcurrency is
// treated as 1.
func NewMonitor(cfg Config, store storage.Store, reader Reader, publish Publish) *Monitor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &Monitor{
		cfg:     cfg,
		store:   store,
		reader:  reader,
		publish: publish,
		dirs:    make(map[string]*dirState),
		sem:     make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Start begins the scheduling loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
	metrics.RegisterComponent("gitmon", true, "")
	monLog := log.WithComponent("gitmon")
	monLog.Info().
		Int("pollMs", m.cfg.PollMs).
		Int("maxConcurrency", m.cfg.MaxConcurrency).
		Msg("Git monitor started")
}

// Stop cancels the loop and waits for in-flight probes.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Trigger requests an out-of-band probe for one directory, debounced so
// bursts of triggers coalesce into a single probe.
func (m *Monitor) Trigger(directoryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dirs[directoryID]
	if !ok {
		return
	}
	if d.triggeredAt.IsZero() {
		d.triggeredAt = time.Now()
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshMembership()
			m.dispatchDue(ctx)
		}
	}
}

// refreshMembership syncs the tracked set with non-archived directories.
func (m *Monitor) refreshMembership() {
	dirs, err := m.store.ListDirectories(types.Scope{}, false)
	if err != nil {
		monLog := log.WithComponent("gitmon")
		monLog.Error().Err(err).Msg("Failed to list directories")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool, len(dirs))
	for _, dir := range dirs {
		seen[dir.ID] = true
		if d, ok := m.dirs[dir.ID]; ok {
			d.path = dir.Path
			continue
		}
		m.dirs[dir.ID] = &dirState{path: dir.Path}
	}
	for id := range m.dirs {
		if !seen[id] {
			delete(m.dirs, id)
		}
	}
}

// interval picks the poll cadence for a directory by how recently it
// changed.
func (m *Monitor) interval(d *dirState, now time.Time) time.Duration {
	if !d.lastChangeAt.IsZero() {
		quiet := now.Sub(d.lastChangeAt)
		if quiet < activeWindow {
			return time.Duration(m.cfg.ActivePollMs) * time.Millisecond
		}
		if quiet > idleWindow {
			return time.Duration(m.cfg.IdlePollMs) * time.Millisecond
		}
	}
	return time.Duration(m.cfg.PollMs) * time.Millisecond
}

func (m *Monitor) dispatchDue(ctx context.Context) {
	now := time.Now()
	minRefresh := time.Duration(m.cfg.MinDirectoryRefreshMs) * time.Millisecond
	debounce := time.Duration(m.cfg.TriggerDebounceMs) * time.Millisecond

	m.mu.Lock()
	var due []string
	for id, d := range m.dirs {
		if d.probing {
			continue
		}
		if now.Sub(d.lastProbeAt) < minRefresh {
			continue
		}
		interval := m.interval(d, now)
		if !d.triggeredAt.IsZero() {
			if now.Sub(d.triggeredAt) < debounce {
				continue
			}
			interval = time.Duration(m.cfg.BurstPollMs) * time.Millisecond
		}
		if now.Sub(d.lastProbeAt) >= interval {
			d.probing = true
			d.triggeredAt = time.Time{}
			due = append(due, id)
		}
	}
	m.mu.Unlock()

	for _, id := range due {
		select {
		case m.sem <- struct{}{}:
		case <-ctx.Done():
			m.mu.Lock()
			for _, rest := range due {
				if d, ok := m.dirs[rest]; ok {
					d.probing = false
				}
			}
			m.mu.Unlock()
			return
		}
		m.wg.Add(1)
		go func(directoryID string) {
			defer m.wg.Done()
			defer func() { <-m.sem }()
			m.probe(ctx, directoryID)
		}(id)
	}
}

func (m *Monitor) probe(ctx context.Context, directoryID string) {
	m.mu.Lock()
	d, ok := m.dirs[directoryID]
	if !ok {
		m.mu.Unlock()
		return
	}
	path := d.path
	m.mu.Unlock()

	snap, err := m.reader(ctx, path)
	now := time.Now()
	changed := false
	dirLog := log.WithDirectoryID(directoryID)

	switch {
	case err != nil:
		metrics.GitProbesTotal.WithLabelValues("error").Inc()
		dirLog.Debug().Err(err).Msg("Git probe failed")
	case snap == nil:
		metrics.GitProbesTotal.WithLabelValues("not-repo").Inc()
	default:
		status := &types.DirectoryGitStatus{
			DirectoryID: directoryID,
			Summary:     snap.Summary,
			Repository:  snap.Repository,
			ObservedAt:  now,
		}
		changed, err = m.store.UpsertDirectoryGitStatus(status)
		if err != nil {
			metrics.GitProbesTotal.WithLabelValues("error").Inc()
			dirLog.Error().Err(err).Msg("Failed to persist git snapshot")
		} else if changed {
			metrics.GitProbesTotal.WithLabelValues("changed").Inc()
			m.publish(status)
		} else {
			metrics.GitProbesTotal.WithLabelValues("unchanged").Inc()
		}
	}

	m.mu.Lock()
	if d, ok := m.dirs[directoryID]; ok {
		d.probing = false
		d.lastProbeAt = now
		if changed {
			d.lastChangeAt = now
		}
	}
	m.mu.Unlock()
}
