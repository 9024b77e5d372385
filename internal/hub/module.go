package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/nerrad567/gray-logic-identity/internal/message"
)

// ModuleClient is one module identity on a shared hub connection.
//
// Outputs publish to {prefix}.modules.{id}.outputs.{output} unless
// hub.routes maps the output name elsewhere; inputs subscribe to
// {prefix}.modules.{id}.inputs.{input} unless hub.inputs overrides it.
type ModuleClient struct {
	client *Client
	id     string
}

// ID returns the module identity.
func (m *ModuleClient) ID() string {
	return m.id
}

// OutputSubject returns the subject output is published to.
func (m *ModuleClient) OutputSubject(output string) string {
	if subject, ok := m.client.cfg.Routes[output]; ok && subject != "" {
		return subject
	}
	return m.client.subjects.ModuleOutput(m.id, output)
}

// InputSubject returns the subject input is received from.
func (m *ModuleClient) InputSubject(input string) string {
	if subject, ok := m.client.cfg.Inputs[input]; ok && subject != "" {
		return subject
	}
	return m.client.subjects.ModuleInput(m.id, input)
}

// SendEvent publishes msg on the named output.
//
// Parameters:
//   - ctx: Bounds the flush that confirms the server accepted the message
//   - output: Logical output name (e.g. "itmoutput")
//   - msg: Message to send; it is not modified
//
// Returns:
//   - error: ErrNotConnected, ErrUnauthorized (wrapped), or the publish error
func (m *ModuleClient) SendEvent(ctx context.Context, output string, msg *message.Message) error {
	nm := encodeMsg(m.OutputSubject(output), msg)
	nm.Header.Set(HeaderConnectionModule, m.id)
	return publish(ctx, m.client.conn, nm)
}

// SetInputMessageHandler installs h for messages arriving on input.
//
// Messages on one input are handled one at a time in arrival order, so
// per-device ordering is preserved end to end.
func (m *ModuleClient) SetInputMessageHandler(input string, h MessageHandler) error {
	c := m.client
	subject := m.InputSubject(input)
	return c.subscribe("input:"+m.id+":"+input, subject, func(nm *nats.Msg) {
		ctx, cancel := context.WithTimeout(c.ctx, inputHandlerTimeout)
		defer cancel()

		if err := h(ctx, decodeMsg(nm)); err != nil {
			c.logger.Warn("input handler failed", "module", m.id, "input", input, "error", err)
		}
	})
}

// SetMethodHandler installs h for the module method name. Each invocation
// runs on its own goroutine.
func (m *ModuleClient) SetMethodHandler(name string, h MethodHandler) error {
	if err := ValidateToken(name); err != nil {
		return fmt.Errorf("method %q: %w", name, err)
	}
	c := m.client
	return c.subscribe("method:"+m.id+":"+name, c.subjects.ModuleMethod(m.id, name), func(nm *nats.Msg) {
		c.handlers.Add(1)
		go func() {
			defer c.handlers.Done()
			serveMethod(c.ctx, nm, name, h, c.logger)
		}()
	})
}

// publish sends nm and flushes, reporting permission violations raised by
// the server for this publish as ErrUnauthorized.
func publish(ctx context.Context, conn *nats.Conn, nm *nats.Msg) error {
	if conn == nil || conn.IsClosed() {
		return ErrNotConnected
	}

	before := conn.LastError()
	if err := conn.PublishMsg(nm); err != nil {
		return fmt.Errorf("publishing to %s: %w", nm.Subject, err)
	}
	if err := flush(ctx, conn); err != nil {
		return fmt.Errorf("flushing %s: %w", nm.Subject, err)
	}

	// The server answers a refused publish with -ERR ahead of the flush
	// PONG, so a new auth error is visible by now.
	if after := conn.LastError(); after != nil && !errors.Is(after, before) && isAuthError(after) {
		return fmt.Errorf("%w: %s: %w", ErrUnauthorized, nm.Subject, after)
	}
	return nil
}

// flush waits for the server round trip, applying a default deadline when
// ctx has none.
func flush(ctx context.Context, conn *nats.Conn) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	return conn.FlushWithContext(ctx)
}
