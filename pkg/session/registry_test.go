package session

import (
	"sync"
	"testing"
	"time"

	"github.com/prontohq/pronto/pkg/history"
	"github.com/prontohq/pronto/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRegistry(t *testing.T) (*Registry, *history.Store) {
	store, err := history.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r, err := NewRegistry(Config{
		Store:   store,
		IdleTTL: 50 * time.Millisecond,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return r, store
}

type fakeTransport struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestOpen_CreatesFreshSession(t *testing.T) {
	r, _ := setupRegistry(t)

	sess, resumed, err := r.Open("")
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.NotEmpty(t, sess.ID)
	assert.NotEmpty(t, sess.ConversationID)
}

func TestOpen_ResumesKnownSession(t *testing.T) {
	r, _ := setupRegistry(t)

	sess, _, err := r.Open("")
	require.NoError(t, err)

	again, resumed, err := r.Open(sess.ID)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Same(t, sess, again)
	assert.Equal(t, sess.ConversationID, again.ConversationID)
}

func TestOpen_UnknownIDCreatesNewSession(t *testing.T) {
	r, _ := setupRegistry(t)

	sess, resumed, err := r.Open("never-seen")
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.NotEqual(t, "never-seen", sess.ID)
}

func TestOpen_RehydratesFromHistory(t *testing.T) {
	r, store := setupRegistry(t)

	e := protocol.New("disk-session", "conv-disk")
	e.Stage = protocol.StageUser
	e.Status = protocol.StatusSuccess
	e.Content = "hello"
	_, err := store.Append("disk-session", e)
	require.NoError(t, err)

	sess, resumed, err := r.Open("disk-session")
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, "disk-session", sess.ID)
	assert.Equal(t, "conv-disk", sess.ConversationID)

	seq, err := store.NextSequence("disk-session")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestOpen_ExpiredIDYieldsFreshSession(t *testing.T) {
	r, store := setupRegistry(t)

	sess, _, err := r.Open("")
	require.NoError(t, err)
	r.Expire(sess.ID)

	fresh, resumed, err := r.Open(sess.ID)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.NotEqual(t, sess.ID, fresh.ID)
	assert.NotEqual(t, sess.ConversationID, fresh.ConversationID)

	seq, err := store.NextSequence(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestOpen_ExpiredIDWithHistoryNeverRehydrates(t *testing.T) {
	r, store := setupRegistry(t)

	sess, _, err := r.Open("")
	require.NoError(t, err)

	e := protocol.New(sess.ID, sess.ConversationID)
	e.Stage = protocol.StageUser
	e.Status = protocol.StatusSuccess
	e.Content = "hello"
	_, err = store.Append(sess.ID, e)
	require.NoError(t, err)

	r.Expire(sess.ID)

	// Every subsequent open of the expired id must mint a fresh session,
	// even though a history file for it still exists on disk.
	for i := 0; i < 3; i++ {
		fresh, resumed, err := r.Open(sess.ID)
		require.NoError(t, err)
		assert.False(t, resumed, "open %d resumed the expired session", i)
		assert.NotEqual(t, sess.ID, fresh.ID)
		assert.NotEqual(t, sess.ConversationID, fresh.ConversationID)
	}
}

func TestOpen_ConcurrentSameIDSingleWinner(t *testing.T) {
	r, store := setupRegistry(t)

	e := protocol.New("contested", "conv-c")
	e.Stage = protocol.StageUser
	e.Status = protocol.StatusSuccess
	e.Content = "x"
	_, err := store.Append("contested", e)
	require.NoError(t, err)

	const n = 16
	results := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, _, err := r.Open("contested")
			assert.NoError(t, err)
			results[i] = sess
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i], "open %d produced a distinct session", i)
	}
}

func TestBindTransport_ForceClosesPrevious(t *testing.T) {
	r, _ := setupRegistry(t)

	sess, _, err := r.Open("")
	require.NoError(t, err)

	first := &fakeTransport{}
	second := &fakeTransport{}

	require.NoError(t, r.BindTransport(sess.ID, first))
	require.NoError(t, r.BindTransport(sess.ID, second))

	assert.True(t, first.Closed())
	assert.False(t, second.Closed())
	assert.True(t, sess.Connected())
}

func TestUnbindTransport_KeepsSession(t *testing.T) {
	r, _ := setupRegistry(t)

	sess, _, err := r.Open("")
	require.NoError(t, err)
	require.NoError(t, r.BindTransport(sess.ID, &fakeTransport{}))

	r.UnbindTransport(sess.ID)
	assert.False(t, sess.Connected())

	again, resumed, err := r.Open(sess.ID)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, sess.ConversationID, again.ConversationID)
}

func TestExpire_ClosesTransport(t *testing.T) {
	r, _ := setupRegistry(t)

	sess, _, err := r.Open("")
	require.NoError(t, err)

	tr := &fakeTransport{}
	require.NoError(t, r.BindTransport(sess.ID, tr))

	r.Expire(sess.ID)
	assert.True(t, tr.Closed())
	assert.True(t, sess.Expired())
}

func TestSweepIdle(t *testing.T) {
	r, _ := setupRegistry(t)

	sess, _, err := r.Open("")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	r.SweepIdle()

	assert.True(t, sess.Expired())
	assert.Equal(t, 0, r.Count())
}

func TestSweepIdle_SkipsActive(t *testing.T) {
	r, _ := setupRegistry(t)

	sess, _, err := r.Open("")
	require.NoError(t, err)

	r.Touch(sess.ID)
	r.SweepIdle()
	assert.False(t, sess.Expired())
}

func TestNewSweeper_RejectsBadSpec(t *testing.T) {
	r, _ := setupRegistry(t)

	_, err := NewSweeper(r, "not a cron spec")
	assert.Error(t, err)

	sw, err := NewSweeper(r, "@every 1m")
	require.NoError(t, err)
	sw.Start()
	sw.Stop()
}
