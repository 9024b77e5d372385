package leafmqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-identity/internal/hub"
	"github.com/nerrad567/gray-logic-identity/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-identity/internal/message"
)

// Hub channel names owned by the front-end module.
const (
	OutputTelemetry      = "ptm_output"
	OutputMethodResponse = "ptm_dm_output"
	InputMethodRequest   = "ptm_dm_input"
)

// Message properties set on outgoing telemetry and read from requests.
const (
	propertyLeafDeviceID = "leafDeviceId"
	propertyModuleID     = "moduleId"
	propertyMethod       = "method"
)

// sendTimeout bounds one hub send triggered by a broker message.
const sendTimeout = 10 * time.Second

// MQTTClient is the subset of the broker client the bridge needs.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// ModuleClient is the hub module the bridge sends and receives as.
type ModuleClient interface {
	ID() string
	SendEvent(ctx context.Context, output string, msg *message.Message) error
	SetInputMessageHandler(input string, h hub.MessageHandler) error
}

// Logger is the logging interface used by the bridge.
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

// Options configures a Bridge.
type Options struct {
	// MQTT is the broker leaf devices are connected to. Required.
	MQTT MQTTClient

	// Module is the hub identity of the front-end. Required.
	Module ModuleClient

	// QoS is used for subscriptions and request publishes.
	QoS byte

	Logger Logger
}

// telemetryEnvelope is the hub body for device telemetry and method
// responses.
type telemetryEnvelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// methodEnvelope is the broker body for direct method requests and
// responses.
type methodEnvelope struct {
	RequestID string          `json:"RequestId"`
	Data      json.RawMessage `json:"Data"`
}

// Bridge translates between the leaf device topic protocol and the hub.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt   MQTTClient
	module ModuleClient
	qos    byte
	topics mqtt.Topics
	logger Logger

	mu         sync.Mutex
	subscribed []string

	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// New creates a bridge. It does not touch the broker until Start.
//
// Returns:
//   - *Bridge: Ready to start
//   - error: ErrMissingDependency if MQTT or Module is nil
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("%w: mqtt client", ErrMissingDependency)
	}
	if opts.Module == nil {
		return nil, fmt.Errorf("%w: module client", ErrMissingDependency)
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		mqtt:      opts.MQTT,
		module:    opts.Module,
		qos:       opts.QoS,
		logger:    logger,
		ctx:       ctx,
		ctxCancel: cancel,
	}, nil
}

// Start installs the hub input handler and subscribes to device telemetry
// and method responses.
func (b *Bridge) Start() error {
	if err := b.module.SetInputMessageHandler(InputMethodRequest, b.HandleMethodRequest); err != nil {
		return fmt.Errorf("registering %s handler: %w", InputMethodRequest, err)
	}

	for _, topic := range []string{b.topics.AllDeviceMessages(), b.topics.AllDeviceMethodResponses()} {
		if err := b.mqtt.Subscribe(topic, b.qos, b.handleDeviceTopic); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		b.mu.Lock()
		b.subscribed = append(b.subscribed, topic)
		b.mu.Unlock()
	}

	b.logger.Info("leaf mqtt front-end started", "module", b.module.ID())
	return nil
}

// Stop unsubscribes from the broker and cancels in-flight hub sends.
// It is safe to call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()

		b.mu.Lock()
		topics := b.subscribed
		b.subscribed = nil
		b.mu.Unlock()

		for _, topic := range topics {
			if err := b.mqtt.Unsubscribe(topic); err != nil {
				b.logger.Warn("unsubscribe failed", "topic", topic, "error", err)
			}
		}
		b.logger.Info("leaf mqtt front-end stopped")
	})
}

// handleDeviceTopic routes a broker message by topic kind.
func (b *Bridge) handleDeviceTopic(topic string, payload []byte) error {
	deviceID, method, kind, ok := mqtt.ParseDeviceTopic(topic)
	if !ok {
		b.logger.Debug("ignoring topic outside the device protocol", "topic", topic)
		return nil
	}

	ctx, cancel := context.WithTimeout(b.ctx, sendTimeout)
	defer cancel()

	switch kind {
	case mqtt.TopicDeviceMessage:
		return b.forwardTelemetry(ctx, deviceID, topic, payload)
	case mqtt.TopicMethodResponse:
		return b.forwardMethodResponse(ctx, deviceID, method, topic, payload)
	default:
		return nil
	}
}

// forwardTelemetry sends device telemetry to the hub, tagged with the
// device and module identities.
func (b *Bridge) forwardTelemetry(ctx context.Context, deviceID, topic string, payload []byte) error {
	body, err := json.Marshal(telemetryEnvelope{Topic: topic, Payload: asJSON(payload)})
	if err != nil {
		return fmt.Errorf("encoding telemetry from %s: %w", deviceID, err)
	}

	msg := message.New(body)
	msg.ID = uuid.NewString()
	msg.ContentType = "application/json"
	msg.ContentEncoding = "utf-8"
	msg.SetProperty(propertyLeafDeviceID, deviceID)
	msg.SetProperty(propertyModuleID, b.module.ID())

	if err := b.module.SendEvent(ctx, OutputTelemetry, msg); err != nil {
		return fmt.Errorf("forwarding telemetry from %s: %w", deviceID, err)
	}
	b.logger.Debug("telemetry forwarded", "device_id", deviceID, "message_id", msg.ID)
	return nil
}

// forwardMethodResponse sends a device's answer back to the hub,
// correlated with the request it answers.
func (b *Bridge) forwardMethodResponse(ctx context.Context, deviceID, method, topic string, payload []byte) error {
	var resp methodEnvelope
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("%w from %s: %w", ErrInvalidResponse, deviceID, err)
	}
	if resp.RequestID == "" {
		return fmt.Errorf("%w from %s: no RequestId", ErrInvalidResponse, deviceID)
	}

	data := resp.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	body, err := json.Marshal(telemetryEnvelope{Topic: topic, Payload: data})
	if err != nil {
		return fmt.Errorf("encoding method response from %s: %w", deviceID, err)
	}

	msg := message.New(body)
	msg.ID = uuid.NewString()
	msg.CorrelationID = resp.RequestID
	msg.ContentType = "application/json"
	msg.ContentEncoding = "utf-8"
	msg.SetProperty(propertyLeafDeviceID, deviceID)
	msg.SetProperty(propertyModuleID, b.module.ID())

	if err := b.module.SendEvent(ctx, OutputMethodResponse, msg); err != nil {
		return fmt.Errorf("forwarding %s response from %s: %w", method, deviceID, err)
	}
	b.logger.Debug("method response forwarded", "device_id", deviceID, "method", method, "request_id", resp.RequestID)
	return nil
}

// HandleMethodRequest publishes a direct method request from the hub to
// the device's request topic. The message ID becomes the RequestId the
// device must echo back.
func (b *Bridge) HandleMethodRequest(_ context.Context, msg *message.Message) error {
	deviceID, _ := msg.Property(propertyLeafDeviceID)
	method, _ := msg.Property(propertyMethod)
	if deviceID == "" || method == "" {
		return fmt.Errorf("%w: need %s and %s (message %s)", ErrMissingProperty, propertyLeafDeviceID, propertyMethod, msg.ID)
	}

	body, err := json.Marshal(methodEnvelope{RequestID: msg.ID, Data: asJSON(msg.Payload)})
	if err != nil {
		return fmt.Errorf("encoding %s request for %s: %w", method, deviceID, err)
	}

	topic := b.topics.DeviceMethodRequest(deviceID, method)
	if err := b.mqtt.Publish(topic, body, b.qos, false); err != nil {
		return fmt.Errorf("publishing %s request for %s: %w", method, deviceID, err)
	}
	b.logger.Debug("method request published", "device_id", deviceID, "method", method, "request_id", msg.ID)
	return nil
}

// asJSON embeds payload as-is when it is valid JSON and as a JSON string
// otherwise. An empty payload becomes null.
func asJSON(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return json.RawMessage("null")
	}
	return quoted
}
