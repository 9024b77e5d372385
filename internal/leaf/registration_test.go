package leaf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-identity/internal/message"
)

// mockTransport records sends for assertions.
type mockTransport struct {
	mu       sync.Mutex
	events   []*message.Message
	batches  [][]*message.Message
	closed   bool
	sendErr  error
	batchErr error
}

func (m *mockTransport) SendEvent(_ context.Context, msg *message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.events = append(m.events, msg)
	return nil
}

func (m *mockTransport) SendEventBatch(_ context.Context, msgs []*message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batchErr != nil {
		return m.batchErr
	}
	m.batches = append(m.batches, msgs)
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockTransport) getBatches() [][]*message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

func (m *mockTransport) getEvents() []*message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

func noopSend(context.Context) error { return nil }

func connectTo(tr Transport) func(context.Context) (Transport, error) {
	return func(context.Context) (Transport, error) { return tr, nil }
}

// registerRecord drives rec to Registered with the given transport.
func registerRecord(t *testing.T, rec *Record, tr Transport) {
	t.Helper()
	started, err := rec.StartRegistration(context.Background(), "ptm", noopSend)
	require.NoError(t, err)
	require.True(t, started)
	res, err := rec.Confirm(context.Background(), ResultOK, connectTo(tr))
	require.NoError(t, err)
	require.Equal(t, OutcomeRegistered, res.Outcome)
}

func telemetry(n int) *message.Message {
	return message.New([]byte(fmt.Sprintf(`{"seq":%d}`, n)))
}

func TestClassifyResult(t *testing.T) {
	tests := []struct {
		code int
		want Outcome
	}{
		{200, OutcomeRegistered},
		{201, OutcomeRegistered},
		{401, OutcomeRejected},
		{403, OutcomeRejected},
		{404, OutcomeRejected},
		{202, OutcomeUnhandled},
		{400, OutcomeUnhandled},
		{500, OutcomeUnhandled},
		{0, OutcomeUnhandled},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyResult(tt.code))
		})
	}
}

func TestStartRegistration(t *testing.T) {
	rec := newRecord("dev", Options{CacheMessages: true})

	var statusDuringSend Status
	started, err := rec.StartRegistration(context.Background(), "ptm", func(context.Context) error {
		// Lock is held by StartRegistration; read the field directly.
		statusDuringSend = rec.status
		return nil
	})
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, StatusInitialize, statusDuringSend)
	assert.Equal(t, StatusWaitingConfirmation, rec.Status())
	assert.Equal(t, "ptm", rec.SourceModuleID())

	// Only a New record starts registration
	started, err = rec.StartRegistration(context.Background(), "other", noopSend)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, "ptm", rec.SourceModuleID())
}

func TestStartRegistration_SendFailureRevertsToNew(t *testing.T) {
	rec := newRecord("dev", Options{CacheMessages: true})
	sendErr := errors.New("hub down")

	started, err := rec.StartRegistration(context.Background(), "ptm", func(context.Context) error { return sendErr })
	require.ErrorIs(t, err, sendErr)
	assert.False(t, started)
	assert.Equal(t, StatusNew, rec.Status())
	assert.Empty(t, rec.SourceModuleID())
}

func TestConfirm_ResultCodes(t *testing.T) {
	tests := []struct {
		code       int
		wantStatus Status
	}{
		{200, StatusRegistered},
		{201, StatusRegistered},
		{401, StatusNotRegistered},
		{403, StatusNotRegistered},
		{404, StatusNotRegistered},
		{500, StatusConfirmed},
		{409, StatusConfirmed},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			rec := newRecord("dev", Options{CacheMessages: true})
			_, err := rec.StartRegistration(context.Background(), "ptm", noopSend)
			require.NoError(t, err)

			tr := &mockTransport{}
			_, err = rec.Confirm(context.Background(), tt.code, connectTo(tr))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Status())
			assert.Equal(t, tt.wantStatus == StatusRegistered, rec.HasTransport())
		})
	}
}

func TestConfirm_InvalidState(t *testing.T) {
	t.Run("new record", func(t *testing.T) {
		rec := newRecord("dev", Options{})
		_, err := rec.Confirm(context.Background(), 200, connectTo(&mockTransport{}))
		require.ErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, StatusNew, rec.Status())
	})

	t.Run("duplicate confirmation", func(t *testing.T) {
		rec := newRecord("dev", Options{})
		tr := &mockTransport{}
		registerRecord(t, rec, tr)

		connectCalled := false
		_, err := rec.Confirm(context.Background(), 200, func(context.Context) (Transport, error) {
			connectCalled = true
			return &mockTransport{}, nil
		})
		require.ErrorIs(t, err, ErrInvalidState)
		assert.False(t, connectCalled)
		assert.Equal(t, StatusRegistered, rec.Status())
	})

	t.Run("confirmation while stuck in confirmed", func(t *testing.T) {
		rec := newRecord("dev", Options{})
		_, err := rec.StartRegistration(context.Background(), "ptm", noopSend)
		require.NoError(t, err)
		_, err = rec.Confirm(context.Background(), 500, connectTo(&mockTransport{}))
		require.NoError(t, err)

		_, err = rec.Confirm(context.Background(), 200, connectTo(&mockTransport{}))
		require.ErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, StatusConfirmed, rec.Status())
	})
}

func TestConfirm_ConnectFailureStaysConfirmed(t *testing.T) {
	rec := newRecord("dev", Options{CacheMessages: true})
	_, err := rec.StartRegistration(context.Background(), "ptm", noopSend)
	require.NoError(t, err)
	require.True(t, rec.TryEnqueue(telemetry(1)))

	_, err = rec.Confirm(context.Background(), 200, func(context.Context) (Transport, error) {
		return nil, errors.New("signing failed")
	})
	require.Error(t, err)
	assert.Equal(t, StatusConfirmed, rec.Status())
	assert.False(t, rec.HasTransport())
}

func TestConfirm_FlushesBufferInOrder(t *testing.T) {
	rec := newRecord("dev", Options{CacheMessages: true})
	_, err := rec.StartRegistration(context.Background(), "ptm", noopSend)
	require.NoError(t, err)

	for i := range 5 {
		d, err := rec.Deliver(context.Background(), telemetry(i))
		require.NoError(t, err)
		assert.Equal(t, DispositionCached, d.Disposition)
	}
	assert.Equal(t, 5, rec.PendingCount())

	tr := &mockTransport{}
	res, err := rec.Confirm(context.Background(), 201, connectTo(tr))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Flushed)
	require.NoError(t, res.FlushErr)

	batches := tr.getBatches()
	require.Len(t, batches, 1, "buffer must be flushed as a single batch")
	for i, msg := range batches[0] {
		assert.Equal(t, fmt.Sprintf(`{"seq":%d}`, i), string(msg.Payload))
	}
	assert.Equal(t, 0, rec.PendingCount())
	assert.Empty(t, rec.DrainAll())

	// Subsequent telemetry goes out directly
	d, err := rec.Deliver(context.Background(), telemetry(99))
	require.NoError(t, err)
	assert.Equal(t, DispositionSent, d.Disposition)
	assert.Len(t, tr.getEvents(), 1)
	assert.Equal(t, 0, rec.PendingCount())
}

func TestConfirm_EmptyBufferSkipsBatch(t *testing.T) {
	rec := newRecord("dev", Options{CacheMessages: true})
	tr := &mockTransport{}
	registerRecord(t, rec, tr)
	assert.Empty(t, tr.getBatches())
}

func TestConfirm_FlushErrorStillRegisters(t *testing.T) {
	rec := newRecord("dev", Options{CacheMessages: true})
	_, err := rec.StartRegistration(context.Background(), "ptm", noopSend)
	require.NoError(t, err)
	rec.TryEnqueue(telemetry(1))

	tr := &mockTransport{batchErr: errors.New("unauthorized")}
	res, err := rec.Confirm(context.Background(), 200, connectTo(tr))
	require.NoError(t, err)
	require.Error(t, res.FlushErr)
	assert.Equal(t, StatusRegistered, rec.Status())
	assert.Equal(t, 0, rec.PendingCount())
}

func TestConfirm_RejectedDiscardsBuffer(t *testing.T) {
	rec := newRecord("dev", Options{CacheMessages: true})
	_, err := rec.StartRegistration(context.Background(), "ptm", noopSend)
	require.NoError(t, err)
	rec.TryEnqueue(telemetry(1))
	rec.TryEnqueue(telemetry(2))

	res, err := rec.Confirm(context.Background(), 403, connectTo(&mockTransport{}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, 2, res.Discarded)

	d, err := rec.Deliver(context.Background(), telemetry(3))
	require.NoError(t, err)
	assert.Equal(t, DispositionRejected, d.Disposition)
	assert.Equal(t, 0, rec.PendingCount())
}

func TestTryEnqueue(t *testing.T) {
	t.Run("rejected while new", func(t *testing.T) {
		rec := newRecord("dev", Options{CacheMessages: true})
		assert.False(t, rec.TryEnqueue(telemetry(1)))
	})

	t.Run("rejected when caching disabled", func(t *testing.T) {
		rec := newRecord("dev", Options{CacheMessages: false})
		_, err := rec.StartRegistration(context.Background(), "ptm", noopSend)
		require.NoError(t, err)
		assert.False(t, rec.TryEnqueue(telemetry(1)))

		d, err := rec.Deliver(context.Background(), telemetry(2))
		require.NoError(t, err)
		assert.Equal(t, DispositionHeld, d.Disposition)
	})

	t.Run("rejected once registered", func(t *testing.T) {
		rec := newRecord("dev", Options{CacheMessages: true})
		registerRecord(t, rec, &mockTransport{})
		assert.False(t, rec.TryEnqueue(telemetry(1)))
	})
}

func TestTryEnqueue_BoundedEvictsOldest(t *testing.T) {
	rec := newRecord("dev", Options{CacheMessages: true, MaxCachedMessages: 3})
	_, err := rec.StartRegistration(context.Background(), "ptm", noopSend)
	require.NoError(t, err)

	for i := range 3 {
		d, err := rec.Deliver(context.Background(), telemetry(i))
		require.NoError(t, err)
		assert.False(t, d.Evicted)
	}
	d, err := rec.Deliver(context.Background(), telemetry(3))
	require.NoError(t, err)
	assert.True(t, d.Evicted)

	drained := rec.DrainAll()
	require.Len(t, drained, 3)
	assert.Equal(t, `{"seq":1}`, string(drained[0].Payload))
	assert.Equal(t, `{"seq":3}`, string(drained[2].Payload))
}

func TestDeliver_SendErrorReturned(t *testing.T) {
	rec := newRecord("dev", Options{CacheMessages: true})
	sendErr := errors.New("unauthorized")
	registerRecord(t, rec, &mockTransport{sendErr: sendErr})

	d, err := rec.Deliver(context.Background(), telemetry(1))
	require.ErrorIs(t, err, sendErr)
	assert.Equal(t, DispositionDropped, d.Disposition)
	assert.Equal(t, StatusRegistered, rec.Status(), "send failures do not change status")
}

// A drain racing concurrent enqueues must neither lose nor duplicate
// messages: everything ends up either in the flushed batch or sent
// directly afterwards.
func TestConfirm_RaceWithConcurrentTelemetry(t *testing.T) {
	rec := newRecord("dev", Options{CacheMessages: true})
	_, err := rec.StartRegistration(context.Background(), "ptm", noopSend)
	require.NoError(t, err)

	tr := &mockTransport{}
	const senders, perSender = 8, 50

	var wg sync.WaitGroup
	for s := range senders {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := range perSender {
				_, err := rec.Deliver(context.Background(), telemetry(s*perSender+i))
				assert.NoError(t, err)
			}
		}(s)
	}

	time.Sleep(time.Millisecond)
	_, err = rec.Confirm(context.Background(), 200, connectTo(tr))
	require.NoError(t, err)
	wg.Wait()

	seen := make(map[string]int)
	for _, batch := range tr.getBatches() {
		for _, m := range batch {
			seen[string(m.Payload)]++
		}
	}
	for _, m := range tr.getEvents() {
		seen[string(m.Payload)]++
	}

	assert.Len(t, seen, senders*perSender)
	for payload, n := range seen {
		assert.Equal(t, 1, n, payload)
	}
	assert.Equal(t, 0, rec.PendingCount())
}
