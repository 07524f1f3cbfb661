package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/prbarcelon/mcporch/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHistoryFiltersAndOrder(t *testing.T) {
	s := openTemp(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	items := []protocol.HistoryItem{
		{At: base, CallID: "c1", Server: "math", Tool: "add", Args: map[string]any{"a": 2.0}, Status: protocol.StatusSuccess, Attempts: 1, DurationMs: 4},
		{At: base.Add(time.Second), CallID: "c2", Server: "web", Tool: "fetch", Status: protocol.StatusTimeout, Error: "deadline", Attempts: 3, DurationMs: 90},
		{At: base.Add(2 * time.Second), CallID: "c3", Server: "math", Tool: "mul", Status: protocol.StatusError, Error: "boom", Attempts: 1},
	}
	for _, item := range items {
		require.NoError(t, s.InsertHistory(item, json.RawMessage(`"ok"`)))
	}

	all, err := s.ListHistory("", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c1", all[0].CallID)
	assert.Equal(t, "c3", all[2].CallID)
	assert.Equal(t, 2.0, all[0].Args["a"])

	math, err := s.ListHistory("math", "", 10)
	require.NoError(t, err)
	assert.Len(t, math, 2)

	fetch, err := s.ListHistory("web", "fetch", 10)
	require.NoError(t, err)
	require.Len(t, fetch, 1)
	assert.Equal(t, protocol.StatusTimeout, fetch[0].Status)
	assert.Equal(t, 3, fetch[0].Attempts)
	assert.Equal(t, "deadline", fetch[0].Error)
}

func TestMessagesKeepSequence(t *testing.T) {
	s := openTemp(t)
	now := time.Now().UTC()
	msgs := []protocol.Message{
		{Seq: 1, Role: protocol.RoleUser, Content: "add 2 and 3", At: now},
		{Seq: 2, Role: protocol.RoleAssistant, At: now, ToolCalls: []protocol.ToolCallRequest{{CallID: "c1", Tool: "add", Arguments: map[string]any{"a": 2.0, "b": 3.0}}}},
		{Seq: 3, Role: protocol.RoleTool, Content: "5", CallID: "c1", At: now},
	}
	for _, m := range msgs {
		require.NoError(t, s.AppendMessage("s1", m))
	}
	// replays are ignored
	require.NoError(t, s.AppendMessage("s1", msgs[0]))
	require.NoError(t, s.AppendMessage("s2", msgs[0]))

	got, err := s.ListMessages("s1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, "c1", got[2].CallID)
	require.Len(t, got[1].ToolCalls, 1)
	assert.Equal(t, "add", got[1].ToolCalls[0].Tool)

	latest, err := s.ListMessages("s1", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(2), latest[0].Seq)
}

func TestSummariesAreRetainedWhenSuperseded(t *testing.T) {
	s := openTemp(t)
	first := protocol.MemorySummary{ID: 1, Covers: protocol.SeqRange{From: 1, To: 7}, Text: "first", CreatedAt: time.Now()}
	require.NoError(t, s.SaveSummary("s1", first))

	first.Superseded = true
	require.NoError(t, s.SaveSummary("s1", first))
	require.NoError(t, s.SaveSummary("s1", protocol.MemorySummary{ID: 2, Covers: protocol.SeqRange{From: 1, To: 12}, Text: "second", CreatedAt: time.Now()}))

	got, err := s.ListSummaries("s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Superseded)
	assert.Equal(t, "first", got[0].Text)
	assert.False(t, got[1].Superseded)
	assert.Equal(t, int64(12), got[1].Covers.To)
}
