package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAsyncRunsInOrder(t *testing.T) {
	q := NewQueue("test")
	defer q.Close()

	var got []int
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Async(func() { got = append(got, i) }))
	}
	require.NoError(t, q.Sync(func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSyncWaits(t *testing.T) {
	q := NewQueue("test")
	defer q.Close()

	ran := false
	require.NoError(t, q.Sync(func() {
		time.Sleep(10 * time.Millisecond)
		ran = true
	}))
	assert.True(t, ran)
	assert.Equal(t, "test", q.Label())
}

func TestWorkIsSerialized(t *testing.T) {
	q := NewQueue("test")
	defer q.Close()

	var (
		wg      sync.WaitGroup
		running int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = q.Async(func() {
					running++
					maxSeen = max(maxSeen, running)
					running--
				})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, q.Sync(func() {}))
	assert.Equal(t, 1, maxSeen)
}

func TestAsyncFromQueuedWork(t *testing.T) {
	q := NewQueue("test")
	defer q.Close()

	done := make(chan struct{})
	require.NoError(t, q.Async(func() {
		_ = q.Async(func() { close(done) })
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested Async never ran")
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	q := NewQueue("test")

	ran := 0
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Async(func() { ran++ }))
	}
	q.Close()
	assert.Equal(t, 10, ran)

	assert.ErrorIs(t, q.Async(func() {}), ErrClosed)
	assert.ErrorIs(t, q.Sync(func() {}), ErrClosed)
	q.Close()
}
