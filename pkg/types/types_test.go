package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeMatches(t *testing.T) {
	scope := Scope{TenantID: "t1", UserID: "u1", WorkspaceID: "w1"}

	tests := []struct {
		name    string
		filter  Scope
		matches bool
	}{
		{"empty filter matches anything", Scope{}, true},
		{"full match", Scope{TenantID: "t1", UserID: "u1", WorkspaceID: "w1"}, true},
		{"partial filter", Scope{TenantID: "t1"}, true},
		{"tenant mismatch", Scope{TenantID: "t2"}, false},
		{"user mismatch", Scope{TenantID: "t1", UserID: "u2"}, false},
		{"workspace mismatch", Scope{WorkspaceID: "w2"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matches, scope.Matches(tt.filter))
		})
	}
}

func TestValueRoundTrip(t *testing.T) {
	raw := []byte(`{"resumeSessionId":"T1","count":3,"nested":{"ok":true},"tags":["a","b"],"none":null}`)

	var state map[string]Value
	require.NoError(t, json.Unmarshal(raw, &state))

	assert.Equal(t, ValueString, state["resumeSessionId"].Kind)
	assert.Equal(t, "T1", state["resumeSessionId"].Str)
	assert.Equal(t, ValueNumber, state["count"].Kind)
	assert.Equal(t, 3.0, state["count"].Num)
	assert.Equal(t, ValueObject, state["nested"].Kind)
	assert.True(t, state["nested"].Obj["ok"].Bool)
	assert.Equal(t, ValueArray, state["tags"].Kind)
	assert.Len(t, state["tags"].Arr, 2)
	assert.Equal(t, ValueNull, state["none"].Kind)

	encoded, err := json.Marshal(state)
	require.NoError(t, err)

	var again map[string]Value
	require.NoError(t, json.Unmarshal(encoded, &again))
	assert.Equal(t, state, again)
}

func TestConversationResumeSessionID(t *testing.T) {
	conv := &Conversation{AgentType: AgentCodex}
	assert.Empty(t, conv.ResumeSessionID())

	conv.AdapterState = map[string]Value{
		AdapterKeyResumeSessionID: String("T1"),
	}
	assert.Equal(t, "T1", conv.ResumeSessionID())

	conv.AdapterState[AdapterKeyResumeSessionID] = Number(7)
	assert.Empty(t, conv.ResumeSessionID())
}

func TestGitStatusEquivalent(t *testing.T) {
	commit := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	base := func() *DirectoryGitStatus {
		return &DirectoryGitStatus{
			DirectoryID: "D1",
			Summary:     GitSummary{Branch: "main", ChangedFiles: 1, Additions: 2},
			Repository: &RepositoryProbe{
				NormalizedRemoteURL: "ssh://git@example.com/repo",
				CommitCount:         10,
				LastCommitAt:        &commit,
				ShortCommitHash:     "abc1234",
			},
			ObservedAt: time.Now(),
		}
	}

	a, b := base(), base()
	b.ObservedAt = b.ObservedAt.Add(time.Hour)
	assert.True(t, a.Equivalent(b), "observedAt must be ignored")

	b = base()
	b.Summary.ChangedFiles = 2
	assert.False(t, a.Equivalent(b))

	b = base()
	b.Repository = nil
	assert.False(t, a.Equivalent(b))

	b = base()
	later := commit.Add(time.Minute)
	b.Repository.LastCommitAt = &later
	assert.False(t, a.Equivalent(b))

	assert.False(t, a.Equivalent(nil))
}
