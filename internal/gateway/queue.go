package gateway

import "sync"

// keyedQueue runs tasks one at a time per key and concurrently across keys.
// A key has a goroutine only while it has work queued.
type keyedQueue struct {
	mu      sync.Mutex
	pending map[string][]func()
	closed  bool
	wg      sync.WaitGroup
}

func newKeyedQueue() *keyedQueue {
	return &keyedQueue{pending: make(map[string][]func())}
}

// Go queues fn behind earlier tasks for key. It reports false after Close.
func (q *keyedQueue) Go(key string, fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if queued, busy := q.pending[key]; busy {
		q.pending[key] = append(queued, fn)
		return true
	}

	q.pending[key] = []func(){}
	q.wg.Add(1)
	go q.drain(key, fn)
	return true
}

func (q *keyedQueue) drain(key string, fn func()) {
	defer q.wg.Done()
	for {
		fn()

		q.mu.Lock()
		queued := q.pending[key]
		if len(queued) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		fn = queued[0]
		queued[0] = nil
		q.pending[key] = queued[1:]
		q.mu.Unlock()
	}
}

// Len returns the number of keys with queued or running work.
func (q *keyedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close rejects new tasks and waits for queued ones to finish.
func (q *keyedQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
