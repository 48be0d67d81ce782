package session

import (
	"sort"

	"github.com/agentmux/agentmux/pkg/types"
)

// Sort orders for session.list.
const (
	SortAttentionFirst = "attention-first"
	SortStartedAsc     = "started-asc"
	SortStartedDesc    = "started-desc"
)

// ValidSort reports whether s is a known sort order.
func ValidSort(s string) bool {
	switch s {
	case "", SortAttentionFirst, SortStartedAsc, SortStartedDesc:
		return true
	}
	return false
}

// ListFilter selects sessions for session.list.
type ListFilter struct {
	Scope       types.Scope         `json:"scope"`
	DirectoryID string              `json:"directoryId,omitempty"`
	Status      types.RuntimeStatus `json:"status,omitempty"`
	Live        *bool               `json:"live,omitempty"`
	Sort        string              `json:"sort,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
}

// List returns matching session snapshots in the requested order.
func (r *Registry) List(filter ListFilter) []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		info := s.infoLocked()
		s.mu.Unlock()

		if !info.Scope.Matches(filter.Scope) {
			continue
		}
		if filter.DirectoryID != "" && info.DirectoryID != filter.DirectoryID {
			continue
		}
		if filter.Status != "" && info.Status != filter.Status {
			continue
		}
		if filter.Live != nil && info.Live != *filter.Live {
			continue
		}
		infos = append(infos, info)
	}

	switch filter.Sort {
	case SortStartedAsc:
		sort.SliceStable(infos, func(i, j int) bool {
			if !infos[i].StartedAt.Equal(infos[j].StartedAt) {
				return infos[i].StartedAt.Before(infos[j].StartedAt)
			}
			return infos[i].ID < infos[j].ID
		})
	case SortStartedDesc:
		sort.SliceStable(infos, func(i, j int) bool {
			if !infos[i].StartedAt.Equal(infos[j].StartedAt) {
				return infos[i].StartedAt.After(infos[j].StartedAt)
			}
			return infos[i].ID < infos[j].ID
		})
	case SortAttentionFirst:
		sort.SliceStable(infos, func(i, j int) bool {
			return attentionLess(infos[i], infos[j])
		})
	default:
		sort.SliceStable(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	}

	if filter.Limit > 0 && len(infos) > filter.Limit {
		infos = infos[:filter.Limit]
	}
	return infos
}

// attentionBucket: needs-input first, then running, then everything else.
func attentionBucket(status types.RuntimeStatus) int {
	switch status {
	case types.StatusNeedsInput:
		return 0
	case types.StatusRunning:
		return 1
	}
	return 2
}

// attentionLess implements the attention-first order: bucket, then
// lastEventAt desc with nulls last, then startedAt desc, then id asc.
func attentionLess(a, b Info) bool {
	ab, bb := attentionBucket(a.Status), attentionBucket(b.Status)
	if ab != bb {
		return ab < bb
	}
	switch {
	case a.LastEventAt != nil && b.LastEventAt == nil:
		return true
	case a.LastEventAt == nil && b.LastEventAt != nil:
		return false
	case a.LastEventAt != nil && b.LastEventAt != nil && !a.LastEventAt.Equal(*b.LastEventAt):
		return a.LastEventAt.After(*b.LastEventAt)
	}
	if !a.StartedAt.Equal(b.StartedAt) {
		return a.StartedAt.After(b.StartedAt)
	}
	return a.ID < b.ID
}
