package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-identity/internal/audit"
	"github.com/nerrad567/gray-logic-identity/internal/correlation"
	"github.com/nerrad567/gray-logic-identity/internal/hub"
	"github.com/nerrad567/gray-logic-identity/internal/leaf"
	"github.com/nerrad567/gray-logic-identity/internal/message"
	"github.com/nerrad567/gray-logic-identity/internal/signing"
)

// Module channels and method names.
const (
	InputTelemetry             = "itminput"
	InputDirectMethodResponse  = "itmdmrespinput"
	OutputPipe                 = "itmoutput"
	OutputDirectMethodRequest  = "itmdmreqoutput"
	MethodRegistrationCallback = "ItmCallback"
)

const (
	defaultDirectMethodTimeout = 30 * time.Second

	// telemetryTimeout bounds the handling of one queued telemetry message,
	// including registration sends and device sends.
	telemetryTimeout = 30 * time.Second

	// Direct methods wait 3/4 of the caller's timeout, leaving the rest
	// for the reply to travel back.
	directMethodWaitNumerator   = 3
	directMethodWaitDenominator = 4
)

// Message property keys.
const (
	PropertyLeafDeviceID = "leafDeviceId"
	PropertyModuleID     = "moduleId"
	PropertyMethod       = "method"
	PropertyMessageType  = "itmtype"
	MessageTypeLeafEvent = "LeafEvent"
)

// Logger is the logging interface used by the gateway.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ModuleClient is the gateway's own module connection to the hub.
type ModuleClient interface {
	SendEvent(ctx context.Context, output string, msg *message.Message) error
	SetInputMessageHandler(input string, h hub.MessageHandler) error
	SetMethodHandler(name string, h hub.MethodHandler) error
}

// DeviceClient is a per-device hub connection.
type DeviceClient interface {
	leaf.Transport
	SetMethodDefaultHandler(h hub.MethodHandler) error
}

// DeviceConnector opens per-device hub connections.
type DeviceConnector interface {
	Connect(ctx context.Context, deviceID, key string) (DeviceClient, error)
}

// Journal records registration lifecycle events. Writes are best effort.
type Journal interface {
	Create(ctx context.Context, ev *audit.Event) error
}

// Recorder receives gateway counters and timings.
type Recorder interface {
	TelemetryHandled(d leaf.Disposition)
	PassThrough()
	CacheEvicted()
	RegistrationStarted()
	RegistrationCompleted(o leaf.Outcome, flushed int)
	DirectMethodCompleted(result string, elapsed time.Duration)
	LateResponse()
	SendFailed(reason string)
}

type noopRecorder struct{}

func (noopRecorder) TelemetryHandled(leaf.Disposition)           {}
func (noopRecorder) PassThrough()                                {}
func (noopRecorder) CacheEvicted()                               {}
func (noopRecorder) RegistrationStarted()                        {}
func (noopRecorder) RegistrationCompleted(leaf.Outcome, int)     {}
func (noopRecorder) DirectMethodCompleted(string, time.Duration) {}
func (noopRecorder) LateResponse()                               {}
func (noopRecorder) SendFailed(string)                           {}

// Direct method results reported to the Recorder.
const (
	ResultOK       = "ok"
	ResultTimeout  = "timeout"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

// Identity describes the edge device and module the gateway runs as.
type Identity struct {
	EdgeDeviceID string
	EdgeModuleID string
	HubHostname  string
}

// Options configures a Gateway.
type Options struct {
	// Identity is included in every registration request.
	Identity Identity

	// Module is the gateway's own hub connection (required).
	Module ModuleClient

	// Registry holds leaf device records (required).
	Registry *leaf.Registry

	// Devices opens per-device connections after registration (required).
	Devices DeviceConnector

	// Signer derives per-device keys (required).
	Signer signing.Signer

	// DefaultMethodTimeout applies when a direct method carries no
	// response timeout. Zero uses 30s.
	DefaultMethodTimeout time.Duration

	Journal Journal
	Metrics Recorder
	Logger  Logger
}

// Gateway dispatches module traffic for leaf devices.
type Gateway struct {
	identity       Identity
	module         ModuleClient
	registry       *leaf.Registry
	devices        DeviceConnector
	signer         signing.Signer
	calls          *correlation.Table[*message.Message]
	defaultTimeout time.Duration
	journal        Journal
	metrics        Recorder
	logger         Logger

	// lanes keeps telemetry ordered per device while devices proceed
	// independently.
	lanes    *keyedQueue
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New creates a Gateway. Call Start to install its handlers.
//
// Returns:
//   - *Gateway: Ready gateway
//   - error: ErrMissingDependency or ErrInvalidIdentity
func New(opts Options) (*Gateway, error) {
	switch {
	case opts.Module == nil:
		return nil, fmt.Errorf("%w: module client", ErrMissingDependency)
	case opts.Registry == nil:
		return nil, fmt.Errorf("%w: registry", ErrMissingDependency)
	case opts.Devices == nil:
		return nil, fmt.Errorf("%w: device connector", ErrMissingDependency)
	case opts.Signer == nil:
		return nil, fmt.Errorf("%w: signer", ErrMissingDependency)
	}
	if opts.Identity.EdgeDeviceID == "" || opts.Identity.EdgeModuleID == "" {
		return nil, fmt.Errorf("%w: edge device and module ids are required", ErrInvalidIdentity)
	}

	g := &Gateway{
		identity:       opts.Identity,
		module:         opts.Module,
		registry:       opts.Registry,
		devices:        opts.Devices,
		signer:         opts.Signer,
		calls:          correlation.NewTable[*message.Message](),
		defaultTimeout: opts.DefaultMethodTimeout,
		journal:        opts.Journal,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		lanes:          newKeyedQueue(),
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	if g.defaultTimeout <= 0 {
		g.defaultTimeout = defaultDirectMethodTimeout
	}
	if g.metrics == nil {
		g.metrics = noopRecorder{}
	}
	if g.logger == nil {
		g.logger = noopLogger{}
	}
	return g, nil
}

// Start installs the input and method handlers on the module client.
func (g *Gateway) Start() error {
	if err := g.module.SetInputMessageHandler(InputTelemetry, g.enqueue(InputTelemetry)); err != nil {
		return fmt.Errorf("registering %s handler: %w", InputTelemetry, err)
	}
	if err := g.module.SetInputMessageHandler(InputDirectMethodResponse, g.dispatch(InputDirectMethodResponse)); err != nil {
		return fmt.Errorf("registering %s handler: %w", InputDirectMethodResponse, err)
	}
	if err := g.module.SetMethodHandler(MethodRegistrationCallback, g.HandleRegistrationCallback); err != nil {
		return fmt.Errorf("registering %s method: %w", MethodRegistrationCallback, err)
	}
	g.logger.Info("identity gateway started",
		"edge_device_id", g.identity.EdgeDeviceID,
		"edge_module_id", g.identity.EdgeModuleID,
	)
	return nil
}

// Stop cancels in-flight telemetry handling and waits for the device lanes
// to drain. Telemetry arriving afterwards is rejected with ErrStopped.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		g.cancel()
		g.lanes.Close()
		g.logger.Info("identity gateway stopped")
	})
}

// Registry returns the device registry.
func (g *Gateway) Registry() *leaf.Registry {
	return g.registry
}

// PendingCalls returns the number of direct methods awaiting a response.
func (g *Gateway) PendingCalls() int {
	return g.calls.Pending()
}

// kind is the classification of an inbound module message.
type kind int

const (
	kindUnknown kind = iota
	kindLeafTelemetry
	kindPassThrough
	kindDirectMethodResponse
)

func (k kind) String() string {
	switch k {
	case kindLeafTelemetry:
		return "leaf_telemetry"
	case kindPassThrough:
		return "pass_through"
	case kindDirectMethodResponse:
		return "direct_method_response"
	default:
		return "unknown"
	}
}

// classify decides how a message arriving on input is handled.
func classify(input string, msg *message.Message) kind {
	switch input {
	case InputTelemetry:
		if msg.HasProperty(PropertyLeafDeviceID) {
			return kindLeafTelemetry
		}
		return kindPassThrough
	case InputDirectMethodResponse:
		return kindDirectMethodResponse
	default:
		return kindUnknown
	}
}

func (g *Gateway) dispatch(input string) hub.MessageHandler {
	return func(ctx context.Context, msg *message.Message) error {
		switch k := classify(input, msg); k {
		case kindLeafTelemetry:
			g.handleLeafTelemetry(ctx, msg)
		case kindPassThrough:
			g.handlePassThrough(ctx, msg)
		case kindDirectMethodResponse:
			return g.HandleDirectMethodResponse(ctx, msg)
		default:
			g.logger.Warn("ignoring message on unknown input", "input", input, "kind", k.String())
		}
		return nil
	}
}

// enqueue returns a handler that moves each message onto its device's lane
// and returns at once, so a slow registration or send for one device never
// holds up the shared input subscription. Messages without a device id
// share one lane.
func (g *Gateway) enqueue(input string) hub.MessageHandler {
	handle := g.dispatch(input)
	return func(_ context.Context, msg *message.Message) error {
		deviceID, _ := msg.Property(PropertyLeafDeviceID)
		accepted := g.lanes.Go(deviceID, func() {
			if g.ctx.Err() != nil {
				g.logger.Debug("dropping telemetry during shutdown", "device_id", deviceID, "message_id", msg.ID)
				return
			}
			ctx, cancel := context.WithTimeout(g.ctx, telemetryTimeout)
			defer cancel()
			if err := handle(ctx, msg); err != nil {
				g.logger.Warn("telemetry handler failed", "device_id", deviceID, "error", err)
			}
		})
		if !accepted {
			return ErrStopped
		}
		return nil
	}
}

// journalEvent writes a registration audit entry, logging failures.
func (g *Gateway) journalEvent(ctx context.Context, action, deviceID string, details map[string]any) {
	if g.journal == nil {
		return
	}
	entry := &audit.Event{
		DeviceID: deviceID,
		Action:   action,
		Source:   g.identity.EdgeModuleID,
		Details:  details,
	}
	if err := g.journal.Create(ctx, entry); err != nil {
		g.logger.Warn("failed to write registration journal", "device_id", deviceID, "action", action, "error", err)
	}
}
