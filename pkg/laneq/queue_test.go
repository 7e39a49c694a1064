package laneq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueue_ReturnsResult(t *testing.T) {
	q := New()
	defer q.Close()

	got, err := q.Enqueue(context.Background(), "lane-a", func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestEnqueue_PropagatesError(t *testing.T) {
	q := New()
	defer q.Close()

	_, err := q.Enqueue(context.Background(), "lane-a", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("nope")
	})
	assert.EqualError(t, err, "nope")
}

func TestEnqueue_SameLaneSerialized(t *testing.T) {
	q := New()
	defer q.Close()

	var active int32
	var maxActive int32
	var order []int
	var orderMu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), "session-1", func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				orderMu.Lock()
				order = append(order, i)
				orderMu.Unlock()
				atomic.AddInt32(&active, -1)
				return nil, nil
			})
			assert.NoError(t, err)
		}()
		// Stagger submissions so FIFO order is observable.
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive, "tasks on one lane overlapped")
	assert.Len(t, order, 10)
}

func TestEnqueue_DifferentLanesParallel(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{}, 2)

	var wg sync.WaitGroup
	for _, lane := range []string{"session-a", "session-b"} {
		wg.Add(1)
		lane := lane
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
				started <- struct{}{}
				<-release
				return nil, nil
			})
		}()
	}

	// Both lanes must start without either finishing.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("lanes did not run in parallel")
		}
	}
	close(release)
	wg.Wait()
}

func TestDepth(t *testing.T) {
	q := New()
	defer q.Close()

	assert.Equal(t, 0, q.Depth("empty"))

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		})
	}()

	// Wait for the first task to start running.
	require.Eventually(t, func() bool { return q.Depth("lane") == 0 }, time.Second, time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
	}()
	require.Eventually(t, func() bool { return q.Depth("lane") == 1 }, time.Second, time.Millisecond)

	close(release)
	wg.Wait()
}

func TestClose_RejectsNewWork(t *testing.T) {
	q := New()
	q.Close()

	_, err := q.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.Error(t, err)
}
