package hub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/nerrad567/gray-logic-identity/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-identity/internal/message"
)

// DeviceFactory opens hub connections under leaf device identities.
//
// Each device gets its own connection authenticated with its ID and the
// signed key derived for it. When the transparent gateway is enabled the
// connection goes through hub.gateway_url instead of hub.url.
type DeviceFactory struct {
	cfg        config.HubConfig
	useGateway bool
	subjects   Subjects
	logger     Logger
}

// NewDeviceFactory creates a factory for device connections.
//
// Parameters:
//   - cfg: Hub configuration (URLs, TLS, reconnect policy)
//   - useTransparentGateway: Connect through cfg.GatewayURL when set
//   - logger: Optional logger; nil disables logging
func NewDeviceFactory(cfg config.HubConfig, useTransparentGateway bool, logger Logger) *DeviceFactory {
	if logger == nil {
		logger = noopLogger{}
	}
	return &DeviceFactory{
		cfg:        cfg,
		useGateway: useTransparentGateway,
		subjects:   Subjects{Prefix: cfg.SubjectPrefix},
		logger:     logger,
	}
}

// Endpoint returns the URL device connections are dialled on.
func (f *DeviceFactory) Endpoint() string {
	if f.useGateway && f.cfg.GatewayURL != "" {
		return f.cfg.GatewayURL
	}
	return f.cfg.URL
}

// Connect opens a connection for deviceID authenticated with key.
//
// Returns:
//   - *DeviceClient: Connected device client
//   - error: ErrInvalidToken for unusable IDs, ErrUnauthorized (wrapped)
//     for rejected credentials, or the dial error
func (f *DeviceFactory) Connect(ctx context.Context, deviceID, key string) (*DeviceClient, error) {
	if err := ValidateToken(deviceID); err != nil {
		return nil, fmt.Errorf("device %q: %w", deviceID, err)
	}

	opts := connectionOptions(f.cfg, "device", deviceID, f.logger)
	opts = append(opts, nats.UserInfo(deviceID, key))

	endpoint := f.Endpoint()
	conn, err := dial(ctx, endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, err)
	}

	d := &DeviceClient{
		id:       deviceID,
		conn:     conn,
		subjects: f.subjects,
		logger:   f.logger,
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	f.logger.Info("device connection status changed", "device", deviceID, "status", "connected", "reason", "connection_ok", "endpoint", conn.ConnectedUrlRedacted())
	return d, nil
}

// DeviceClient is a hub connection owned by one leaf device.
//
// Thread Safety: All methods are safe for concurrent use.
type DeviceClient struct {
	id       string
	conn     *nats.Conn
	subjects Subjects
	logger   Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	methodSub *nats.Subscription
	handlers  sync.WaitGroup
	closed    bool
}

// ID returns the device identity the connection authenticated as.
func (d *DeviceClient) ID() string {
	return d.id
}

// SendEvent publishes one telemetry message under the device identity.
//
// Returns ErrUnauthorized (wrapped) when the hub refuses the publish.
func (d *DeviceClient) SendEvent(ctx context.Context, msg *message.Message) error {
	nm := encodeMsg(d.subjects.DeviceEvents(d.id), msg)
	nm.Header.Set(HeaderConnectionDevice, d.id)
	return publish(ctx, d.conn, nm)
}

// SendEventBatch publishes msgs as a single CBOR batch, preserving order.
func (d *DeviceClient) SendEventBatch(ctx context.Context, msgs []*message.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	data, err := EncodeBatch(msgs)
	if err != nil {
		return err
	}

	nm := nats.NewMsg(d.subjects.DeviceEventBatch(d.id))
	nm.Data = data
	nm.Header.Set(HeaderContentType, contentTypeCBOR)
	nm.Header.Set(HeaderBatchCount, strconv.Itoa(len(msgs)))
	nm.Header.Set(HeaderConnectionDevice, d.id)
	return publish(ctx, d.conn, nm)
}

// SetMethodDefaultHandler installs h for every direct method addressed to
// the device. Replaces any previous default handler.
func (d *DeviceClient) SetMethodDefaultHandler(h MethodHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrNotConnected
	}

	sub, err := d.conn.Subscribe(d.subjects.DeviceMethods(d.id), func(nm *nats.Msg) {
		d.handlers.Add(1)
		go func() {
			defer d.handlers.Done()
			serveMethod(d.ctx, nm, lastToken(nm.Subject), h, d.logger)
		}()
	})
	if err != nil {
		return fmt.Errorf("device %s: subscribing to methods: %w", d.id, err)
	}

	if d.methodSub != nil {
		if err := d.methodSub.Unsubscribe(); err != nil {
			d.logger.Warn("replacing device method handler", "device", d.id, "error", err)
		}
	}
	d.methodSub = sub
	return nil
}

// Close stops method handling and closes the connection.
func (d *DeviceClient) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sub := d.methodSub
	d.methodSub = nil
	d.mu.Unlock()

	d.cancel()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			d.logger.Warn("unsubscribe failed", "device", d.id, "error", err)
		}
	}
	d.handlers.Wait()

	if err := d.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		d.conn.Close()
		return fmt.Errorf("device %s: draining connection: %w", d.id, err)
	}
	return nil
}
