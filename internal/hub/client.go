package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nerrad567/gray-logic-identity/internal/infrastructure/config"
)

// Logger is the logging interface used by hub clients.
// Compatible with logging.Logger and slog.Logger.
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

const (
	defaultConnectTimeout = 5 * time.Second
	defaultReconnectWait  = 2 * time.Second
	defaultDrainTimeout   = 5 * time.Second
	defaultFlushTimeout   = 5 * time.Second

	// inputHandlerTimeout bounds the processing of one input message.
	inputHandlerTimeout = 30 * time.Second
)

// Client is the gateway's connection to the hub.
//
// One Client can host several module identities (see Module); they share
// the connection and its subscriptions.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	conn     *nats.Conn
	cfg      config.HubConfig
	subjects Subjects
	logger   Logger

	// ctx is cancelled by Close and parents every handler context.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	subs     map[string]*nats.Subscription
	handlers sync.WaitGroup

	closeOnce sync.Once
}

// Connect establishes the module connection to the hub.
//
// It performs the following setup:
//  1. Builds connection options from config (auth, TLS, reconnect)
//  2. Installs connection status handlers that log state changes
//  3. Dials the hub, abandoning the attempt if ctx is cancelled first
//
// Parameters:
//   - ctx: Bounds the initial connection attempt
//   - cfg: Hub configuration
//   - logger: Optional logger; nil disables logging
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrUnauthorized (wrapped) for rejected credentials, or the dial error
func Connect(ctx context.Context, cfg config.HubConfig, logger Logger) (*Client, error) {
	if logger == nil {
		logger = noopLogger{}
	}

	opts := connectionOptions(cfg, "module", cfg.Name, logger)
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := dial(ctx, cfg.URL, opts)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:     conn,
		cfg:      cfg,
		subjects: Subjects{Prefix: cfg.SubjectPrefix},
		logger:   logger,
		subs:     make(map[string]*nats.Subscription),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	logger.Info("hub connected", "url", conn.ConnectedUrlRedacted(), "server", conn.ConnectedServerName())
	return c, nil
}

// Subjects returns the subject layout in use.
func (c *Client) Subjects() Subjects {
	return c.subjects
}

// IsConnected reports whether the hub connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// HealthCheck verifies the connection with a round trip to the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return flush(ctx, c.conn)
}

// Module returns a client acting as the module moduleID. The module's
// outputs, inputs and methods are resolved through the configured routes.
func (c *Client) Module(moduleID string) *ModuleClient {
	return &ModuleClient{client: c, id: moduleID}
}

// InvokeModuleMethod calls a method on a module and waits for its reply.
func (c *Client) InvokeModuleMethod(ctx context.Context, moduleID string, req *MethodRequest) (*MethodResponse, error) {
	return invokeMethod(ctx, c.conn, c.subjects.ModuleMethod(moduleID, req.Name), req)
}

// InvokeDeviceMethod calls a direct method on a device identity and waits
// for its reply.
func (c *Client) InvokeDeviceMethod(ctx context.Context, deviceID string, req *MethodRequest) (*MethodResponse, error) {
	return invokeMethod(ctx, c.conn, c.subjects.DeviceMethod(deviceID, req.Name), req)
}

// Close drains subscriptions, waits for in-flight handlers and closes the
// connection. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		for key, sub := range c.subs {
			if uerr := sub.Unsubscribe(); uerr != nil && !errors.Is(uerr, nats.ErrConnectionClosed) {
				c.logger.Warn("unsubscribe failed", "subscription", key, "error", uerr)
			}
		}
		c.subs = make(map[string]*nats.Subscription)
		c.mu.Unlock()

		c.handlers.Wait()

		if derr := c.conn.Drain(); derr != nil && !errors.Is(derr, nats.ErrConnectionClosed) {
			err = fmt.Errorf("draining hub connection: %w", derr)
			c.conn.Close()
		}
		c.logger.Info("hub connection closed")
	})
	return err
}

// subscribe registers a subscription under key, rejecting duplicates.
func (c *Client) subscribe(key, subject string, cb nats.MsgHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[key]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, key)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, cb)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	c.subs[key] = sub
	return nil
}

// connectionOptions builds the NATS options shared by module and device
// connections. kind and name label the status log lines.
func connectionOptions(cfg config.HubConfig, kind, name string, logger Logger) []nats.Option {
	connectTimeout := time.Duration(cfg.ConnectTimeout) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	reconnectWait := time.Duration(cfg.Reconnect.Wait) * time.Second
	if reconnectWait <= 0 {
		reconnectWait = defaultReconnectWait
	}

	opts := []nats.Option{
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(cfg.Reconnect.MaxAttempts),
		nats.ReconnectWait(reconnectWait),
		nats.DrainTimeout(defaultDrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("hub connection status changed", kind, name, "status", "disconnected", "reason", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("hub connection status changed", kind, name, "status", "connected", "reason", "reconnected", "url", nc.ConnectedUrlRedacted())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("hub connection status changed", kind, name, "status", "closed", "reason", nc.LastError())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("hub async error", kind, name, "subject", subject, "error", err)
		}),
	}

	if name != "" {
		opts = append(opts, nats.Name(name))
	}

	if cfg.TLS.Enabled {
		if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(cfg.TLS.CertFile, cfg.TLS.KeyFile))
		}
		if cfg.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(cfg.TLS.CAFile))
		}
	}

	return opts
}

// dial connects to url, giving up early if ctx ends. A connection that
// completes after ctx is done is closed.
func dial(ctx context.Context, url string, opts []nats.Option) (*nats.Conn, error) {
	type result struct {
		conn *nats.Conn
		err  error
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("connecting to hub at %s: %w", url, err)
	}

	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(url, opts...)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if isAuthError(r.err) {
				return nil, fmt.Errorf("%w: %w", ErrUnauthorized, r.err)
			}
			return nil, fmt.Errorf("connecting to hub at %s: %w", url, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connecting to hub at %s: %w", url, ctx.Err())
	}
}

// isAuthError reports whether err means the server rejected the client's
// identity or permissions. The connect handshake reports auth failures as
// plain errors, so the text is checked as well.
func isAuthError(err error) bool {
	if errors.Is(err, nats.ErrAuthorization) ||
		errors.Is(err, nats.ErrAuthExpired) ||
		errors.Is(err, nats.ErrAuthRevoked) ||
		errors.Is(err, nats.ErrPermissionViolation) {
		return true
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "authorization violation") ||
		strings.Contains(text, "permissions violation")
}
