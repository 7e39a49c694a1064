package history

import (
	"os"
	"sync"
	"testing"

	"github.com/prontohq/pronto/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func userEnvelope(sessionID, text string) protocol.Envelope {
	e := protocol.New(sessionID, "conv-1")
	e.Stage = protocol.StageUser
	e.Status = protocol.StatusSuccess
	e.Content = text
	return e
}

func TestAppend_AssignsSequence(t *testing.T) {
	s := setupStore(t)

	for i := 1; i <= 5; i++ {
		got, err := s.Append("sess-1", userEnvelope("sess-1", "hello"))
		require.NoError(t, err)
		assert.Equal(t, int64(i), got.Sequence)
	}
}

func TestAppend_ConcurrentSequencesGapFree(t *testing.T) {
	s := setupStore(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append("sess-1", userEnvelope("sess-1", "msg"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	envs, err := s.Replay("sess-1")
	require.NoError(t, err)
	require.Len(t, envs, n)
	for i, e := range envs {
		assert.Equal(t, int64(i+1), e.Sequence, "sequence gap at index %d", i)
	}
}

func TestAppend_CrossSessionIndependent(t *testing.T) {
	s := setupStore(t)

	a, err := s.Append("sess-a", userEnvelope("sess-a", "hi"))
	require.NoError(t, err)
	b, err := s.Append("sess-b", userEnvelope("sess-b", "hi"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Sequence)
	assert.Equal(t, int64(1), b.Sequence)
}

func TestAppend_RejectsTransient(t *testing.T) {
	s := setupStore(t)

	_, err := s.Append("sess-1", protocol.Welcome("sess-1", "conv-1", "hello"))
	assert.Error(t, err)

	_, err = s.Append("sess-1", protocol.Goodbye("sess-1", "conv-1"))
	assert.Error(t, err)

	envs, err := s.Replay("sess-1")
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestAppend_RejectsForwardParentReference(t *testing.T) {
	s := setupStore(t)

	e := userEnvelope("sess-1", "orphan")
	e.ParentID = "never-appended"
	_, err := s.Append("sess-1", e)
	assert.Error(t, err)
}

func TestAppend_ParentChain(t *testing.T) {
	s := setupStore(t)

	user, err := s.Append("sess-1", userEnvelope("sess-1", "order a pizza"))
	require.NoError(t, err)

	reply := protocol.New("sess-1", "conv-1")
	reply.Stage = protocol.StageFinalResponse
	reply.Status = protocol.StatusSuccess
	reply.ParentID = user.MessageID
	reply.Response = "done"

	got, err := s.Append("sess-1", reply)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Sequence)
	assert.Equal(t, user.MessageID, got.ParentID)
}

func TestAppend_RejectsDuplicateMessageID(t *testing.T) {
	s := setupStore(t)

	e := userEnvelope("sess-1", "once")
	_, err := s.Append("sess-1", e)
	require.NoError(t, err)
	_, err = s.Append("sess-1", e)
	assert.Error(t, err)
}

func TestReplay_OrderPreservingAndRestartable(t *testing.T) {
	s := setupStore(t)

	var appended []protocol.Envelope
	for i := 0; i < 4; i++ {
		got, err := s.Append("sess-1", userEnvelope("sess-1", "m"))
		require.NoError(t, err)
		appended = append(appended, got)
	}

	for run := 0; run < 2; run++ {
		envs, err := s.Replay("sess-1")
		require.NoError(t, err)
		require.Len(t, envs, len(appended))
		assert.Equal(t, int64(1), envs[0].Sequence)
		for i := range envs {
			assert.Equal(t, appended[i].MessageID, envs[i].MessageID)
			assert.Equal(t, appended[i].Sequence, envs[i].Sequence)
		}
	}
}

func TestReplay_MissingSessionIsEmpty(t *testing.T) {
	s := setupStore(t)

	envs, err := s.Replay("no-such-session")
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestSequence_RecoveredAfterReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Append("sess-1", userEnvelope("sess-1", "m"))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	reopened, err := NewStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Append("sess-1", userEnvelope("sess-1", "after restart"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Sequence)
}

func TestStats(t *testing.T) {
	s := setupStore(t)

	user, err := s.Append("sess-1", userEnvelope("sess-1", "how is the pepperoni?"))
	require.NoError(t, err)

	reply := protocol.New("sess-1", "conv-1")
	reply.Stage = protocol.StageFinalResponse
	reply.Status = protocol.StatusSuccess
	reply.ParentID = user.MessageID
	reply.Response = "Customers love it."
	_, err = s.Append("sess-1", reply)
	require.NoError(t, err)

	stats, err := s.Stats("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.UserCount)
	assert.Equal(t, 1, stats.AssistantCount)
	assert.Equal(t, 2, stats.TotalCount)
	assert.Greater(t, stats.ApproxTokens, 0)
	assert.False(t, stats.LastMessageAt.IsZero())
}

func TestValidateSessionID(t *testing.T) {
	s := setupStore(t)

	tests := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"path traversal", "../etc/passwd"},
		{"forward slash", "a/b"},
		{"backslash", "a\\b"},
		{"null byte", "a\x00b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Append(tt.id, userEnvelope(tt.id, "x"))
			assert.Error(t, err)
		})
	}
}

func TestReplay_SkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append("sess-1", userEnvelope("sess-1", "good"))
	require.NoError(t, err)

	f, err := os.OpenFile(dir+"/sess-1.jsonl", os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{broken json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	envs, err := s.Replay("sess-1")
	require.NoError(t, err)
	assert.Len(t, envs, 1)
}
