package leaf

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Options configures records created by a Registry.
type Options struct {
	// CacheMessages enables buffering of telemetry while registration is
	// pending.
	CacheMessages bool

	// MaxCachedMessages bounds each device's buffer. When full, the oldest
	// message is evicted. 0 means unbounded.
	MaxCachedMessages int
}

// Registry is the concurrent store of leaf device records, keyed by
// device ID. Records are created on first sighting and live for the
// process lifetime; there is no delete.
//
// All public methods are thread-safe.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	opts    Options
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		opts:    opts,
	}
}

// Get returns the record for id without side effects.
// Returns ErrDeviceNotFound if the device has never been seen.
func (r *Registry) Get(id string) (*Record, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return rec, nil
}

// GetOrCreate returns the record for id, inserting a New record if absent.
// Concurrent callers for the same id always receive the same record.
//
// Returns:
//   - *Record: The shared record
//   - bool: true if this call created it
func (r *Registry) GetOrCreate(id string) (*Record, bool) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if ok {
		return rec, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check: another goroutine may have inserted while we upgraded.
	if rec, ok := r.records[id]; ok {
		return rec, false
	}

	rec = newRecord(id, r.opts)
	r.records[id] = rec
	return rec, true
}

// Contains reports whether a record exists for id.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[id]
	return ok
}

// Count returns the number of known devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// List returns snapshots of every record, ordered by device ID.
func (r *Registry) List() []Snapshot {
	records := r.all()

	snapshots := make([]Snapshot, 0, len(records))
	for _, rec := range records {
		snapshots = append(snapshots, rec.Snapshot())
	}
	slices.SortFunc(snapshots, func(a, b Snapshot) int {
		return strings.Compare(a.ID, b.ID)
	})
	return snapshots
}

// CountByStatus returns the number of records in each status.
func (r *Registry) CountByStatus() map[Status]int {
	counts := make(map[Status]int, len(AllStatuses))
	for _, rec := range r.all() {
		counts[rec.Status()]++
	}
	return counts
}

// Close releases every device transport. Records stay in the registry.
func (r *Registry) Close() error {
	var errs []error
	for _, rec := range r.all() {
		if err := rec.release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// all copies the record pointers so callers never hold the map lock while
// taking a record lock.
func (r *Registry) all() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}
	return records
}
