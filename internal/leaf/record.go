package leaf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-identity/internal/message"
)

// Transport is the dedicated outbound hub channel a leaf device owns once
// registration succeeds.
type Transport interface {
	// SendEvent sends one telemetry message under the device's identity.
	SendEvent(ctx context.Context, msg *message.Message) error

	// SendEventBatch sends messages as a single batch, preserving order.
	SendEventBatch(ctx context.Context, msgs []*message.Message) error

	// Close releases the underlying connection.
	Close() error
}

// Record is the per-device registration state.
//
// Status, pending buffer and transport form one unit guarded by the
// record's mutex. Every transition holds that mutex for its full duration,
// so a drain can never interleave with a concurrent enqueue.
//
// Thread Safety: All methods are safe for concurrent use.
type Record struct {
	id string

	mu             sync.Mutex
	status         Status
	sourceModuleID string
	transport      Transport
	cache          *messageCache
	cacheEnabled   bool
	createdAt      time.Time
	registeredAt   time.Time
}

// Snapshot is a read-only copy of a record's state.
type Snapshot struct {
	ID             string    `json:"id"`
	Status         Status    `json:"status"`
	SourceModuleID string    `json:"source_module_id,omitempty"`
	Pending        int       `json:"pending_messages"`
	CreatedAt      time.Time `json:"created_at"`
	RegisteredAt   time.Time `json:"registered_at,omitzero"`
}

func newRecord(id string, opts Options) *Record {
	return &Record{
		id:           id,
		status:       StatusNew,
		cache:        newMessageCache(opts.MaxCachedMessages),
		cacheEnabled: opts.CacheMessages,
		createdAt:    time.Now().UTC(),
	}
}

// ID returns the immutable device identifier.
func (r *Record) ID() string {
	return r.id
}

// Status returns the current status.
func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SourceModuleID returns the module that first reported this device.
func (r *Record) SourceModuleID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sourceModuleID
}

// HasTransport reports whether the device owns a hub client.
func (r *Record) HasTransport() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transport != nil
}

// PendingCount returns the number of buffered messages.
func (r *Record) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.len()
}

// Snapshot returns a consistent copy of the record state.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ID:             r.id,
		Status:         r.status,
		SourceModuleID: r.sourceModuleID,
		Pending:        r.cache.len(),
		CreatedAt:      r.createdAt,
		RegisteredAt:   r.registeredAt,
	}
}

// TryEnqueue appends msg to the pending buffer.
//
// It succeeds only while caching is enabled and the record is in
// Initialize or WaitingConfirmation. A false return tells the caller to
// fall through to direct send.
func (r *Record) TryEnqueue(msg *message.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok, _ := r.tryEnqueueLocked(msg)
	return ok
}

func (r *Record) tryEnqueueLocked(msg *message.Message) (accepted, evicted bool) {
	if !r.cacheEnabled || !r.status.Pending() {
		return false, false
	}
	return true, r.cache.push(msg)
}

// DrainAll returns the buffered messages in arrival order and clears the
// buffer in one step.
func (r *Record) DrainAll() []*message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.drain()
}

// Disposition describes what happened to one telemetry message.
type Disposition string

const (
	// DispositionCached means the message joined the pending buffer.
	DispositionCached Disposition = "cached"

	// DispositionSent means the message went out on the device transport.
	DispositionSent Disposition = "sent"

	// DispositionHeld means registration is pending but caching is
	// disabled, so the message was neither buffered nor forwarded.
	DispositionHeld Disposition = "held"

	// DispositionRejected means the device is NotRegistered.
	DispositionRejected Disposition = "rejected"

	// DispositionDropped means the record has no path for the message
	// (New after a failed registration start, or stuck in Confirmed).
	DispositionDropped Disposition = "dropped"
)

// Delivery is the result of Deliver.
type Delivery struct {
	Disposition Disposition
	// Evicted is true when caching pushed out the oldest buffered message.
	Evicted bool
}

// Deliver routes one telemetry message according to the current status:
// cache it while registration is pending, send it directly once
// Registered, otherwise drop it.
//
// Direct sends run with the record lock held so per-device order is kept
// across the cache flush.
//
// Returns:
//   - Delivery: What happened to the message
//   - error: The transport error for a failed direct send
func (r *Record) Deliver(ctx context.Context, msg *message.Message) (Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if accepted, evicted := r.tryEnqueueLocked(msg); accepted {
		return Delivery{Disposition: DispositionCached, Evicted: evicted}, nil
	}

	switch r.status {
	case StatusRegistered:
		if r.transport == nil {
			return Delivery{Disposition: DispositionDropped}, fmt.Errorf("%w: device %s has no transport", ErrInvalidState, r.id)
		}
		if err := r.transport.SendEvent(ctx, msg); err != nil {
			return Delivery{Disposition: DispositionDropped}, err
		}
		return Delivery{Disposition: DispositionSent}, nil
	case StatusInitialize, StatusWaitingConfirmation:
		return Delivery{Disposition: DispositionHeld}, nil
	case StatusNotRegistered:
		return Delivery{Disposition: DispositionRejected}, nil
	default:
		return Delivery{Disposition: DispositionDropped}, nil
	}
}

// release closes the transport, if any. Used on shutdown.
func (r *Record) release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.transport == nil {
		return nil
	}
	err := r.transport.Close()
	r.transport = nil
	if err != nil {
		return fmt.Errorf("closing transport for %s: %w", r.id, err)
	}
	return nil
}
