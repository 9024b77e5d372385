package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-identity/internal/audit"
	"github.com/nerrad567/gray-logic-identity/internal/correlation"
	"github.com/nerrad567/gray-logic-identity/internal/hub"
	"github.com/nerrad567/gray-logic-identity/internal/leaf"
	"github.com/nerrad567/gray-logic-identity/internal/message"
)

// --- mocks ---

type sentEvent struct {
	output string
	msg    *message.Message
}

type mockModule struct {
	mu      sync.Mutex
	sent    []sentEvent
	inputs  map[string]hub.MessageHandler
	methods map[string]hub.MethodHandler

	// sendErr, when set, is returned for every send on the named output.
	sendErr map[string]error

	// onSend runs after a successful send, outside the mock's lock.
	onSend func(output string, msg *message.Message)
}

func newMockModule() *mockModule {
	return &mockModule{
		inputs:  make(map[string]hub.MessageHandler),
		methods: make(map[string]hub.MethodHandler),
		sendErr: make(map[string]error),
	}
}

func (m *mockModule) SendEvent(_ context.Context, output string, msg *message.Message) error {
	m.mu.Lock()
	if err := m.sendErr[output]; err != nil {
		m.mu.Unlock()
		return err
	}
	m.sent = append(m.sent, sentEvent{output: output, msg: msg})
	hook := m.onSend
	m.mu.Unlock()

	if hook != nil {
		hook(output, msg)
	}
	return nil
}

func (m *mockModule) SetInputMessageHandler(input string, h hub.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[input] = h
	return nil
}

func (m *mockModule) SetMethodHandler(name string, h hub.MethodHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[name] = h
	return nil
}

func (m *mockModule) input(name string) hub.MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[name]
}

func (m *mockModule) sentOn(output string) []*message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*message.Message
	for _, ev := range m.sent {
		if ev.output == output {
			out = append(out, ev.msg)
		}
	}
	return out
}

func (m *mockModule) setSendErr(output string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.sendErr, output)
		return
	}
	m.sendErr[output] = err
}

type mockDevice struct {
	mu      sync.Mutex
	id      string
	key     string
	events  []*message.Message
	batches [][]*message.Message
	handler hub.MethodHandler
	closed  bool
	sendErr error

	// gate, when set, holds every SendEvent until it is closed.
	gate chan struct{}
}

func (d *mockDevice) SendEvent(_ context.Context, msg *message.Message) error {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.events = append(d.events, msg)
	return nil
}

func (d *mockDevice) setGate(gate chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = gate
}

func (d *mockDevice) sentPayloads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.events))
	for _, ev := range d.events {
		out = append(out, string(ev.Payload))
	}
	return out
}

func (d *mockDevice) SendEventBatch(_ context.Context, msgs []*message.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, msgs)
	return nil
}

func (d *mockDevice) SetMethodDefaultHandler(h hub.MethodHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
	return nil
}

func (d *mockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type mockDevices struct {
	mu         sync.Mutex
	clients    map[string]*mockDevice
	connectErr error
}

func (m *mockDevices) Connect(_ context.Context, deviceID, key string) (DeviceClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	if m.clients == nil {
		m.clients = make(map[string]*mockDevice)
	}
	d := &mockDevice{id: deviceID, key: key}
	m.clients[deviceID] = d
	return d, nil
}

func (m *mockDevices) client(id string) *mockDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[id]
}

type mockSigner struct {
	err error
}

func (s *mockSigner) Sign(_ context.Context, data string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "signed:" + data, nil
}

type mockJournal struct {
	mu      sync.Mutex
	entries []*audit.Event
}

func (j *mockJournal) Create(_ context.Context, ev *audit.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, ev)
	return nil
}

func (j *mockJournal) actions(deviceID string) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, e := range j.entries {
		if e.DeviceID == deviceID {
			out = append(out, e.Action)
		}
	}
	return out
}

type mockRecorder struct {
	mu            sync.Mutex
	dispositions  map[leaf.Disposition]int
	passThrough   int
	evicted       int
	started       int
	outcomes      map[leaf.Outcome]int
	methodResults map[string]int
	late          int
	sendFailures  map[string]int
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{
		dispositions:  make(map[leaf.Disposition]int),
		outcomes:      make(map[leaf.Outcome]int),
		methodResults: make(map[string]int),
		sendFailures:  make(map[string]int),
	}
}

func (r *mockRecorder) TelemetryHandled(d leaf.Disposition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispositions[d]++
}

func (r *mockRecorder) PassThrough() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passThrough++
}

func (r *mockRecorder) CacheEvicted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted++
}

func (r *mockRecorder) RegistrationStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *mockRecorder) RegistrationCompleted(o leaf.Outcome, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[o]++
}

func (r *mockRecorder) DirectMethodCompleted(result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methodResults[result]++
}

func (r *mockRecorder) LateResponse() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.late++
}

func (r *mockRecorder) SendFailed(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendFailures[reason]++
}

// --- fixture ---

type fixture struct {
	gw       *Gateway
	module   *mockModule
	devices  *mockDevices
	signer   *mockSigner
	journal  *mockJournal
	recorder *mockRecorder
	registry *leaf.Registry
}

func newFixture(t *testing.T, opts leaf.Options) *fixture {
	t.Helper()

	f := &fixture{
		module:   newMockModule(),
		devices:  &mockDevices{},
		signer:   &mockSigner{},
		journal:  &mockJournal{},
		recorder: newMockRecorder(),
		registry: leaf.NewRegistry(opts),
	}

	gw, err := New(Options{
		Identity: Identity{
			EdgeDeviceID: "edge-1",
			EdgeModuleID: "IdentityTranslationLite",
			HubHostname:  "hub.example.net",
		},
		Module:   f.module,
		Registry: f.registry,
		Devices:  f.devices,
		Signer:   f.signer,
		Journal:  f.journal,
		Metrics:  f.recorder,
	})
	require.NoError(t, err)
	require.NoError(t, gw.Start())
	t.Cleanup(gw.Stop)
	f.gw = gw
	return f
}

func cachingOptions() leaf.Options {
	return leaf.Options{CacheMessages: true, MaxCachedMessages: 1000}
}

func leafTelemetry(deviceID, payload string) *message.Message {
	msg := message.New([]byte(payload))
	msg.ID = "msg-" + payload
	msg.SetProperty("LeafDeviceId", deviceID)
	msg.SetProperty("moduleid", "ProtocolTranslationMqtt")
	msg.SetProperty("temperature-unit", "C")
	return msg
}

func callback(t *testing.T, deviceID string, code int) *hub.MethodRequest {
	t.Helper()
	data, err := json.Marshal(registrationCallback{DeviceID: deviceID, ResultCode: code, ResultDescription: "test"})
	require.NoError(t, err)
	return &hub.MethodRequest{Name: MethodRegistrationCallback, Data: data}
}

// register drives deviceID to Registered through the public handlers.
func (f *fixture) register(t *testing.T, deviceID string) *mockDevice {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.gw.HandleTelemetry(ctx, leafTelemetry(deviceID, "first")))
	resp, err := f.gw.HandleRegistrationCallback(ctx, callback(t, deviceID, 200))
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
	dev := f.devices.client(deviceID)
	require.NotNil(t, dev)
	return dev
}

// --- tests ---

func TestNew_Validation(t *testing.T) {
	valid := func() Options {
		return Options{
			Identity: Identity{EdgeDeviceID: "edge", EdgeModuleID: "itm"},
			Module:   newMockModule(),
			Registry: leaf.NewRegistry(leaf.Options{}),
			Devices:  &mockDevices{},
			Signer:   &mockSigner{},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr error
	}{
		{"valid", func(*Options) {}, nil},
		{"no module", func(o *Options) { o.Module = nil }, ErrMissingDependency},
		{"no registry", func(o *Options) { o.Registry = nil }, ErrMissingDependency},
		{"no devices", func(o *Options) { o.Devices = nil }, ErrMissingDependency},
		{"no signer", func(o *Options) { o.Signer = nil }, ErrMissingDependency},
		{"no edge device", func(o *Options) { o.Identity.EdgeDeviceID = "" }, ErrInvalidIdentity},
		{"no edge module", func(o *Options) { o.Identity.EdgeModuleID = "" }, ErrInvalidIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid()
			tt.mutate(&opts)
			gw, err := New(opts)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, gw)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, defaultDirectMethodTimeout, gw.defaultTimeout)
		})
	}
}

func TestStart_InstallsHandlers(t *testing.T) {
	f := newFixture(t, cachingOptions())

	assert.Contains(t, f.module.inputs, InputTelemetry)
	assert.Contains(t, f.module.inputs, InputDirectMethodResponse)
	assert.Contains(t, f.module.methods, MethodRegistrationCallback)
}

func TestClassify(t *testing.T) {
	withLeaf := message.New(nil)
	withLeaf.SetProperty("LEAFDEVICEID", "dev")
	plain := message.New(nil)

	tests := []struct {
		name  string
		input string
		msg   *message.Message
		want  kind
	}{
		{"leaf telemetry", InputTelemetry, withLeaf, kindLeafTelemetry},
		{"pass through", InputTelemetry, plain, kindPassThrough},
		{"method response", InputDirectMethodResponse, plain, kindDirectMethodResponse},
		{"unknown input", "other", withLeaf, kindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.input, tt.msg))
		})
	}
}

func TestHandleTelemetry_FirstMessageStartsRegistration(t *testing.T) {
	f := newFixture(t, cachingOptions())
	ctx := context.Background()

	require.NoError(t, f.gw.HandleTelemetry(ctx, leafTelemetry("LeafDevice1", "one")))
	require.NoError(t, f.gw.HandleTelemetry(ctx, leafTelemetry("LeafDevice1", "two")))

	requests := f.module.sentOn(OutputPipe)
	require.Len(t, requests, 1, "only the first message starts registration")

	req := requests[0]
	assert.Equal(t, "application/json", req.ContentType)
	assert.Equal(t, "utf-8", req.ContentEncoding)
	itmType, ok := req.Property(PropertyMessageType)
	require.True(t, ok)
	assert.Equal(t, MessageTypeLeafEvent, itmType)
	assert.NotEmpty(t, req.ID)

	var body map[string]string
	require.NoError(t, json.Unmarshal(req.Payload, &body))
	assert.Equal(t, map[string]string{
		"hubHostname":  "hub.example.net",
		"leafDeviceId": "LeafDevice1",
		"edgeDeviceId": "edge-1",
		"edgeModuleId": "IdentityTranslationLite",
		"operation":    "create",
	}, body)

	rec, err := f.registry.Get("LeafDevice1")
	require.NoError(t, err)
	assert.Equal(t, leaf.StatusWaitingConfirmation, rec.Status())
	assert.Equal(t, "ProtocolTranslationMqtt", rec.SourceModuleID())
	assert.Equal(t, 2, rec.PendingCount())
	assert.Equal(t, 2, f.recorder.dispositions[leaf.DispositionCached])
	assert.Equal(t, 1, f.recorder.started)
	assert.Equal(t, []string{"registration_requested"}, f.journal.actions("LeafDevice1"))
}

func TestHandleTelemetry_ConcurrentFirstMessages(t *testing.T) {
	f := newFixture(t, cachingOptions())
	ctx := context.Background()

	const senders = 32
	var wg sync.WaitGroup
	for i := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.gw.HandleTelemetry(ctx, leafTelemetry("LeafDevice1", fmt.Sprint(i)))
		}()
	}
	wg.Wait()

	assert.Len(t, f.module.sentOn(OutputPipe), 1)
	rec, err := f.registry.Get("LeafDevice1")
	require.NoError(t, err)
	assert.Equal(t, senders, rec.PendingCount())
}

func TestHandleTelemetry_PassThrough(t *testing.T) {
	f := newFixture(t, cachingOptions())

	msg := message.New([]byte(`{"v":1}`))
	msg.ID = "plain-1"
	msg.SetProperty("source", "sensor")

	require.NoError(t, f.gw.HandleTelemetry(context.Background(), msg))

	sent := f.module.sentOn(OutputPipe)
	require.Len(t, sent, 1)
	assert.NotSame(t, msg, sent[0])
	assert.Equal(t, msg.Payload, sent[0].Payload)
	assert.Equal(t, "plain-1", sent[0].ID)
	v, _ := sent[0].Property("source")
	assert.Equal(t, "sensor", v)
	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, 1, f.recorder.passThrough)
}

func TestHandleTelemetry_EmptyDeviceIDDropped(t *testing.T) {
	f := newFixture(t, cachingOptions())

	require.NoError(t, f.gw.HandleTelemetry(context.Background(), leafTelemetry("", "x")))

	assert.Empty(t, f.module.sentOn(OutputPipe))
	assert.Equal(t, 0, f.registry.Count())
}

func TestHandleTelemetry_RegistrationSendFailureRetries(t *testing.T) {
	f := newFixture(t, cachingOptions())
	ctx := context.Background()

	f.module.setSendErr(OutputPipe, errors.New("hub unavailable"))
	require.NoError(t, f.gw.HandleTelemetry(ctx, leafTelemetry("LeafDevice1", "one")))

	rec, err := f.registry.Get("LeafDevice1")
	require.NoError(t, err)
	assert.Equal(t, leaf.StatusNew, rec.Status())
	assert.Equal(t, 1, f.recorder.sendFailures["registration"])

	f.module.setSendErr(OutputPipe, nil)
	require.NoError(t, f.gw.HandleTelemetry(ctx, leafTelemetry("LeafDevice1", "two")))

	assert.Len(t, f.module.sentOn(OutputPipe), 1)
	assert.Equal(t, leaf.StatusWaitingConfirmation, rec.Status())
}

func TestRegistrationCallback_RegisteredFlushesInOrder(t *testing.T) {
	f := newFixture(t, cachingOptions())
	ctx := context.Background()

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, f.gw.HandleTelemetry(ctx, leafTelemetry("LeafDevice1", p)))
	}

	resp, err := f.gw.HandleRegistrationCallback(ctx, callback(t, "LeafDevice1", 201))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	rec, err := f.registry.Get("LeafDevice1")
	require.NoError(t, err)
	assert.Equal(t, leaf.StatusRegistered, rec.Status())
	assert.Equal(t, 0, rec.PendingCount())

	dev := f.devices.client("LeafDevice1")
	require.NotNil(t, dev)
	assert.Equal(t, "signed:LeafDevice1", dev.key)
	assert.NotNil(t, dev.handler, "direct method bridge installed")

	require.Len(t, dev.batches, 1)
	batch := dev.batches[0]
	require.Len(t, batch, 3)
	for i, p := range []string{"a", "b", "c"} {
		assert.Equal(t, p, string(batch[i].Payload))
		assert.False(t, batch[i].HasProperty(PropertyLeafDeviceID))
		assert.False(t, batch[i].HasProperty(PropertyModuleID))
		assert.True(t, batch[i].HasProperty("temperature-unit"))
	}

	require.NoError(t, f.gw.HandleTelemetry(ctx, leafTelemetry("LeafDevice1", "d")))
	require.Len(t, dev.events, 1)
	assert.Equal(t, "d", string(dev.events[0].Payload))
	assert.Len(t, dev.batches, 1)

	assert.Equal(t, 1, f.recorder.outcomes[leaf.OutcomeRegistered])
	assert.Equal(t, []string{"registration_requested", "registered"}, f.journal.actions("LeafDevice1"))
}

func TestRegistrationCallback_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		wantStatus leaf.Status
		connected  bool
	}{
		{"ok", 200, leaf.StatusRegistered, true},
		{"created", 201, leaf.StatusRegistered, true},
		{"unauthorized", 401, leaf.StatusNotRegistered, false},
		{"forbidden", 403, leaf.StatusNotRegistered, false},
		{"not found", 404, leaf.StatusNotRegistered, false},
		{"conflict", 409, leaf.StatusConfirmed, false},
		{"server error", 500, leaf.StatusConfirmed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, cachingOptions())
			ctx := context.Background()
			require.NoError(t, f.gw.HandleTelemetry(ctx, leafTelemetry("LeafDevice1", "x")))

			resp, err := f.gw.HandleRegistrationCallback(ctx, callback(t, "LeafDevice1", tt.code))
			require.NoError(t, err)
			assert.Equal(t, 200, resp.Status)

			rec, err := f.registry.Get("LeafDevice1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Status())
			assert.Equal(t, tt.connected, f.devices.client("LeafDevice1") != nil)
		})
	}
}

func TestRegistrationCallback_RejectedDropsTelemetry(t *testing.T) {
	f := newFixture(t, cachingOptions())
	ctx := context.Background()

	require.NoError(t, f.gw.HandleTelemetry(ctx, leafTelemetry("LeafDevice1", "x")))
	_, err := f.gw.HandleRegistrationCallback(ctx, callback(t, "LeafDevice1", 403))
	require.NoError(t, err)

	require.NoError(t, f.gw.HandleTelemetry(ctx, leafTelemetry("LeafDevice1", "y")))

	rec, err := f.registry.Get("LeafDevice1")
	require.NoError(t, err)
	assert.Equal(t, leaf.StatusNotRegistered, rec.Status())
	assert.Equal(t, 0, rec.PendingCount())
	assert.Equal(t, 1, f.recorder.dispositions[leaf.DispositionRejected])
	assert.Len(t, f.module.sentOn(OutputPipe), 1, "no new registration attempt")
}

func TestRegistrationCallback_UnknownDevice(t *testing.T) {
	f := newFixture(t, cachingOptions())

	resp, err := f.gw.HandleRegistrationCallback(context.Background(), callback(t, "ghost", 200))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
	assert.False(t, f.registry.Contains("ghost"))
}

func TestRegistrationCallback_MalformedBody(t *testing.T) {
	f := newFixture(t, cachingOptions())

	for _, data := range []string{`not json`, `{"resultCode":200}`} {
		resp, err := f.gw.HandleRegistrationCallback(context.Background(), &hub.MethodRequest{Data: []byte(data)})
		require.NoError(t, err)
		assert.Equal(t, 400, resp.Status, data)
	}
}

func TestRegistrationCallback_InvalidStateLeavesRecord(t *testing.T) {
	f := newFixture(t, cachingOptions())
	dev := f.register(t, "LeafDevice1")

	resp, err := f.gw.HandleRegistrationCallback(context.Background(), callback(t, "LeafDevice1", 403))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	rec, err := f.registry.Get("LeafDevice1")
	require.NoError(t, err)
	assert.Equal(t, leaf.StatusRegistered, rec.Status())
	assert.False(t, dev.closed)
}

func TestRegistrationCallback_ConnectFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fixture)
	}{
		{"signing", func(f *fixture) { f.signer.err = errors.New("daemon down") }},
		{"connect", func(f *fixture) { f.devices.connectErr = hub.ErrUnauthorized }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, cachingOptions())
			ctx := context.Background()
			require.NoError(t, f.gw.HandleTelemetry(ctx, leafTelemetry("LeafDevice1", "x")))
			tt.setup(f)

			resp, err := f.gw.HandleRegistrationCallback(ctx, callback(t, "LeafDevice1", 200))
			require.Error(t, err)
			assert.Nil(t, resp)

			rec, err := f.registry.Get("LeafDevice1")
			require.NoError(t, err)
			assert.Equal(t, leaf.StatusConfirmed, rec.Status())
			assert.Contains(t, f.journal.actions("LeafDevice1"), "connect_failed")
		})
	}
}

func TestHandleTelemetry_UnauthorizedSendDropped(t *testing.T) {
	f := newFixture(t, cachingOptions())
	dev := f.register(t, "LeafDevice1")

	dev.mu.Lock()
	dev.sendErr = fmt.Errorf("publishing: %w", hub.ErrUnauthorized)
	dev.mu.Unlock()

	require.NoError(t, f.gw.HandleTelemetry(context.Background(), leafTelemetry("LeafDevice1", "z")))
	assert.Empty(t, dev.events)
	assert.Equal(t, 1, f.recorder.sendFailures["unauthorized"])
}

func TestHandleTelemetry_CachingDisabledHoldsNothing(t *testing.T) {
	f := newFixture(t, leaf.Options{CacheMessages: false})
	ctx := context.Background()

	require.NoError(t, f.gw.HandleTelemetry(ctx, leafTelemetry("LeafDevice1", "x")))
	_, err := f.gw.HandleRegistrationCallback(ctx, callback(t, "LeafDevice1", 200))
	require.NoError(t, err)

	dev := f.devices.client("LeafDevice1")
	require.NotNil(t, dev)
	assert.Empty(t, dev.batches)
	assert.Equal(t, 1, f.recorder.dispositions[leaf.DispositionHeld])
}

// respondTo answers direct method requests with payload after delay.
func respondTo(f *fixture, payload string, delay time.Duration) {
	f.module.onSend = func(output string, msg *message.Message) {
		if output != OutputDirectMethodRequest {
			return
		}
		go func() {
			time.Sleep(delay)
			resp := message.New([]byte(payload))
			resp.CorrelationID = msg.ID
			_ = f.module.inputs[InputDirectMethodResponse](context.Background(), resp)
		}()
	}
}

func TestInvokeDirectMethod_UnknownDevice(t *testing.T) {
	f := newFixture(t, cachingOptions())

	resp, err := f.gw.InvokeDirectMethod(context.Background(), "ghost", &hub.MethodRequest{Name: "reboot"})
	require.ErrorIs(t, err, leaf.ErrDeviceNotFound)
	assert.Nil(t, resp)
	assert.Empty(t, f.module.sentOn(OutputDirectMethodRequest))
	assert.Equal(t, 1, f.recorder.methodResults[ResultNotFound])
}

func TestInvokeDirectMethod_Response(t *testing.T) {
	f := newFixture(t, cachingOptions())
	f.register(t, "LeafDevice1")
	respondTo(f, `{"Foo":"Bar"}`, 20*time.Millisecond)

	resp, err := f.gw.InvokeDirectMethod(context.Background(), "LeafDevice1", &hub.MethodRequest{
		Name:            "directMethodDummyName",
		Data:            []byte(`{"Foo":"Bar"}`),
		ResponseTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"Foo":"Bar"}`, string(resp.Payload))

	sent := f.module.sentOn(OutputDirectMethodRequest)
	require.Len(t, sent, 1)
	assert.NotEmpty(t, sent[0].ID)
	id, _ := sent[0].Property(PropertyLeafDeviceID)
	method, _ := sent[0].Property(PropertyMethod)
	assert.Equal(t, "LeafDevice1", id)
	assert.Equal(t, "directMethodDummyName", method)
	assert.JSONEq(t, `{"Foo":"Bar"}`, string(sent[0].Payload))

	assert.Equal(t, 0, f.gw.PendingCalls())
	assert.Equal(t, 1, f.recorder.methodResults[ResultOK])
}

func TestInvokeDirectMethod_Timeout(t *testing.T) {
	f := newFixture(t, cachingOptions())
	f.register(t, "LeafDevice1")

	start := time.Now()
	resp, err := f.gw.InvokeDirectMethod(context.Background(), "LeafDevice1", &hub.MethodRequest{
		Name:            "directMethodDummyName",
		Data:            []byte(`{"Foo":"Bar"}`),
		ResponseTimeout: 2 * time.Second,
	})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, correlation.ErrTimeout)
	assert.Nil(t, resp)
	assert.GreaterOrEqual(t, elapsed, 1500*time.Millisecond)
	assert.Less(t, elapsed, 1900*time.Millisecond)
	assert.Len(t, f.module.sentOn(OutputDirectMethodRequest), 1)
	assert.Equal(t, 0, f.gw.PendingCalls())
	assert.Equal(t, 1, f.recorder.methodResults[ResultTimeout])
}

func TestInvokeDirectMethod_SendFailureRemovesWaiter(t *testing.T) {
	f := newFixture(t, cachingOptions())
	f.register(t, "LeafDevice1")
	f.module.setSendErr(OutputDirectMethodRequest, errors.New("broken pipe"))

	_, err := f.gw.InvokeDirectMethod(context.Background(), "LeafDevice1", &hub.MethodRequest{Name: "m"})
	require.Error(t, err)
	assert.Equal(t, 0, f.gw.PendingCalls())
	assert.Equal(t, 1, f.recorder.methodResults[ResultError])
}

func TestInvokeDirectMethod_ContextCancelled(t *testing.T) {
	f := newFixture(t, cachingOptions())
	f.register(t, "LeafDevice1")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := f.gw.InvokeDirectMethod(ctx, "LeafDevice1", &hub.MethodRequest{Name: "m", ResponseTimeout: time.Minute})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.gw.PendingCalls())
}

func TestWaitTimeout(t *testing.T) {
	f := newFixture(t, cachingOptions())

	assert.Equal(t, 1500*time.Millisecond, f.gw.waitTimeout(2*time.Second))
	assert.Equal(t, 22500*time.Millisecond, f.gw.waitTimeout(0))
}

func TestHandleDirectMethodResponse_Unmatched(t *testing.T) {
	f := newFixture(t, cachingOptions())

	late := message.New([]byte(`{}`))
	late.CorrelationID = "no-such-request"
	assert.NoError(t, f.gw.HandleDirectMethodResponse(context.Background(), late))
	assert.NoError(t, f.gw.HandleDirectMethodResponse(context.Background(), message.New(nil)))
	assert.Equal(t, 2, f.recorder.late)
}

func TestDeviceMethodHandler_BridgesToModule(t *testing.T) {
	f := newFixture(t, cachingOptions())
	dev := f.register(t, "LeafDevice1")
	respondTo(f, `{"ok":true}`, 0)

	resp, err := dev.handler(context.Background(), &hub.MethodRequest{
		Name:            "getTemperature",
		ResponseTimeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Payload))

	sent := f.module.sentOn(OutputDirectMethodRequest)
	require.Len(t, sent, 1)
	method, _ := sent[0].Property(PropertyMethod)
	assert.Equal(t, "getTemperature", method)
}

func TestInputTelemetry_SlowDeviceDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, cachingOptions())
	slow := f.register(t, "leaf-a")
	fast := f.register(t, "leaf-b")

	gate := make(chan struct{})
	slow.setGate(gate)
	defer close(gate)

	handle := f.module.input(InputTelemetry)
	ctx := context.Background()
	start := time.Now()
	require.NoError(t, handle(ctx, leafTelemetry("leaf-a", "a1")))
	require.NoError(t, handle(ctx, leafTelemetry("leaf-b", "b1")))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "input handler must not wait for device sends")

	require.Eventually(t, func() bool {
		return len(fast.sentPayloads()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, slow.sentPayloads())
}

func TestInputTelemetry_PreservesPerDeviceOrder(t *testing.T) {
	f := newFixture(t, cachingOptions())
	dev := f.register(t, "leaf-a")

	gate := make(chan struct{})
	dev.setGate(gate)

	handle := f.module.input(InputTelemetry)
	want := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, p := range want {
		require.NoError(t, handle(context.Background(), leafTelemetry("leaf-a", p)))
	}
	close(gate)

	require.Eventually(t, func() bool {
		return len(dev.sentPayloads()) == len(want)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, dev.sentPayloads())
}

func TestStop_RejectsLateTelemetry(t *testing.T) {
	f := newFixture(t, cachingOptions())
	handle := f.module.input(InputTelemetry)

	f.gw.Stop()
	f.gw.Stop()

	err := handle(context.Background(), leafTelemetry("leaf-a", "late"))
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, f.registry.Contains("leaf-a"))
}
