package correlation

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Table maps in-flight request identifiers to single-resolution waiters.
//
// An entry exists from Register until it is either resolved or removed
// (timeout, cancellation, or an explicit Remove). Whichever of Resolve and
// Remove runs first wins; the other becomes a no-op.
//
// Thread Safety: All methods are safe for concurrent use.
type Table[T any] struct {
	mu      sync.Mutex
	waiters map[string]*Waiter[T]
}

// Waiter is the pending side of one request. It is resolved at most once.
type Waiter[T any] struct {
	id     string
	result chan T // buffered(1); written only by the single winning Resolve
}

// ID returns the request identifier this waiter is registered under.
func (w *Waiter[T]) ID() string {
	return w.id
}

// NewTable creates an empty correlation table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{
		waiters: make(map[string]*Waiter[T]),
	}
}

// Register adds a waiter for the given request ID.
//
// Returns ErrDuplicateID if an entry already exists for id. This indicates
// a broken ID generator and must abort the calling request.
func (t *Table[T]) Register(id string) (*Waiter[T], error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.waiters[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	w := &Waiter[T]{
		id:     id,
		result: make(chan T, 1),
	}
	t.waiters[id] = w
	return w, nil
}

// Resolve delivers value to the waiter registered under id and removes
// the entry.
//
// Returns false if no entry exists (never registered, already resolved,
// or timed out). Callers treat that as a normal discard, not a failure.
func (t *Table[T]) Resolve(id string, value T) bool {
	t.mu.Lock()
	w, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	// Only the goroutine that removed the entry reaches here, so the
	// buffered send never blocks and happens exactly once.
	w.result <- value
	return true
}

// Remove deletes the entry for id. Removing a missing entry is a no-op.
func (t *Table[T]) Remove(id string) {
	t.mu.Lock()
	delete(t.waiters, id)
	t.mu.Unlock()
}

// Wait blocks until the waiter is resolved, the timeout elapses, or ctx is
// cancelled. It only blocks the calling goroutine.
//
// The entry is always gone from the table when Wait returns. A value
// resolved before the timeout or cancellation is noticed is still returned.
//
// Returns:
//   - T: The resolved value
//   - error: ErrTimeout if the timeout elapsed, or the context error
func (t *Table[T]) Wait(ctx context.Context, w *Waiter[T], timeout time.Duration) (T, error) {
	var zero T

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-w.result:
		return v, nil
	case <-timer.C:
		t.Remove(w.id)
		// A response may have won the race between the timer firing and
		// the removal above.
		select {
		case v := <-w.result:
			return v, nil
		default:
		}
		return zero, fmt.Errorf("%w after %v (request %s)", ErrTimeout, timeout, w.id)
	case <-ctx.Done():
		t.Remove(w.id)
		select {
		case v := <-w.result:
			return v, nil
		default:
		}
		return zero, fmt.Errorf("waiting for request %s: %w", w.id, ctx.Err())
	}
}

// Pending returns the number of in-flight entries.
func (t *Table[T]) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// Contains reports whether an entry exists for id.
func (t *Table[T]) Contains(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.waiters[id]
	return ok
}
