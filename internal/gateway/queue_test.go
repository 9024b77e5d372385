package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedQueue_OrderPerKey(t *testing.T) {
	q := newKeyedQueue()

	var mu sync.Mutex
	var got []int
	for i := range 50 {
		require.True(t, q.Go("a", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	q.Close()

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.Zero(t, q.Len())
}

func TestKeyedQueue_KeysRunConcurrently(t *testing.T) {
	q := newKeyedQueue()
	release := make(chan struct{})
	done := make(chan struct{})

	q.Go("slow", func() { <-release })
	q.Go("fast", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task for another key waited behind a blocked key")
	}
	assert.Equal(t, 1, q.Len())

	close(release)
	q.Close()
}

func TestKeyedQueue_CloseRejectsAndDrains(t *testing.T) {
	q := newKeyedQueue()
	release := make(chan struct{})
	var ran sync.WaitGroup
	ran.Add(2)

	q.Go("a", func() { <-release; ran.Done() })
	q.Go("a", func() { ran.Done() })

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()

	require.Eventually(t, func() bool { return !q.Go("b", func() {}) }, time.Second, time.Millisecond)
	close(release)
	<-closed
	ran.Wait()
}
